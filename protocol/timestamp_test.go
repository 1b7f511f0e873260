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

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromTimeEpochOffset(t *testing.T) {
	// 1970-01-01T00:00:00Z is 2208988800 seconds after the NTP epoch.
	ts := FromTime(time.Unix(0, 0).UTC())
	assert.Equal(t, uint32(ntpEpochOffset), ts.Seconds)
	assert.Equal(t, uint32(0), ts.Fraction)
}

func TestTimestampRoundTripsThroughTime(t *testing.T) {
	now := time.Now().UTC().Round(time.Microsecond)
	ts := FromTime(now)
	got := ts.Time()
	assert.WithinDuration(t, now, got, time.Microsecond)
}

func TestTimestampString(t *testing.T) {
	ts := Timestamp{Seconds: 100, Fraction: 0}
	assert.Equal(t, "100.0000", ts.String())
}
