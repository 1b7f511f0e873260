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

import "encoding/binary"

// RSNAssembler reassembles the already-framed packets a DIGI prepends to
// instrument bytes (spec §3, "RSN Packet"). Unlike Buffered, it does not
// accumulate toward a size limit or timeout: it simply waits for one
// complete header-plus-payload to arrive on the stream and classifies it,
// since the framing boundary is dictated entirely by the upstream header.
type RSNAssembler struct {
	pending []byte
}

// NewRSNAssembler returns an empty assembler.
func NewRSNAssembler() *RSNAssembler {
	return &RSNAssembler{}
}

// Push appends freshly-read bytes and returns every complete packet now
// available, in stream order. Malformed headers are logged by the caller
// and discarded by resetting the assembler, per spec §7.
func (a *RSNAssembler) Push(p []byte) ([]Packet, error) {
	a.pending = append(a.pending, p...)

	var out []Packet
	for {
		if len(a.pending) < HeaderSize {
			return out, nil
		}
		size := int(binary.BigEndian.Uint16(a.pending[4:6]))
		if size < HeaderSize {
			a.pending = nil
			return out, ErrMalformed
		}
		if len(a.pending) < size {
			return out, nil
		}

		pkt, err := FromWireRSN(a.pending[:size])
		a.pending = a.pending[size:]
		if err != nil {
			return out, err
		}
		out = append(out, pkt)
	}
}
