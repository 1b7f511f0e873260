/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package protocol implements the port agent wire format: the packet header,
the packet variants built on top of it, and the buffered accumulator that
turns a raw byte stream into packets.
*/
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ntpEpochOffset is the number of seconds between the NTP epoch (1 Jan 1900)
// and the Unix epoch (1 Jan 1970).
const ntpEpochOffset = 2208988800

// Timestamp is an NTP-style timestamp: 32-bit seconds since the NTP epoch
// plus a 32-bit binary fraction of a second (1/2^32 s).
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// Now returns the current wall-clock time as a Timestamp.
func Now() Timestamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time into an NTP-style Timestamp.
func FromTime(t time.Time) Timestamp {
	nsec := t.UnixNano()
	sec := nsec / time.Second.Nanoseconds()
	frac := nsec - sec*time.Second.Nanoseconds()
	return Timestamp{
		Seconds:  uint32(sec + ntpEpochOffset),
		Fraction: uint32((frac << 32) / time.Second.Nanoseconds()),
	}
}

// Time converts the Timestamp back into a time.Time.
func (ts Timestamp) Time() time.Time {
	secs := int64(ts.Seconds) - ntpEpochOffset
	nanos := (int64(ts.Fraction) * time.Second.Nanoseconds()) >> 32
	return time.Unix(secs, nanos).UTC()
}

// Sub returns ts - other as a time.Duration.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return ts.Time().Sub(other.Time())
}

// String formats the timestamp the way the log/ASCII projection expects:
// "<seconds>.<4-digit fraction>".
func (ts Timestamp) String() string {
	// scale the 32-bit fraction down to 4 decimal digits, matching the
	// precision used by the ASCII packet projection in §4.B.
	frac := (uint64(ts.Fraction) * 10000) >> 32
	return fmt.Sprintf("%d.%04d", ts.Seconds, frac)
}

func (ts Timestamp) marshalTo(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], ts.Seconds)
	binary.BigEndian.PutUint32(b[4:8], ts.Fraction)
}

func unmarshalTimestamp(b []byte) Timestamp {
	return Timestamp{
		Seconds:  binary.BigEndian.Uint32(b[0:4]),
		Fraction: binary.BigEndian.Uint32(b[4:8]),
	}
}
