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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRawRejectsUnknownType(t *testing.T) {
	_, err := BuildRaw(Unknown, Now(), []byte("x"))
	require.ErrorIs(t, err, ErrParamOutOfRange)
}

func TestBuildRawRejectsOversizedPayload(t *testing.T) {
	_, err := BuildRaw(DataFromInstrument, Now(), make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrParamOutOfRange)
}

func TestChecksumRoundTrip(t *testing.T) {
	ts := Timestamp{Seconds: 3800000000, Fraction: 0}
	payloads := [][]byte{
		{},
		{0x01, 0x02, 0x03},
		make([]byte, 512),
		make([]byte, MaxPayloadSize),
	}
	for _, payload := range payloads {
		pkt, err := BuildRaw(DataFromInstrument, ts, payload)
		require.NoError(t, err)

		got, err := FromWire(pkt.ToBytes())
		require.NoError(t, err)

		assert.Equal(t, pkt.Type(), got.Type())
		assert.Equal(t, pkt.Timestamp(), got.Timestamp())
		assert.Equal(t, pkt.Payload(), got.Payload())
	}
}

func TestChecksumRejectsBitFlip(t *testing.T) {
	pkt, err := BuildRaw(DataFromInstrument, Now(), []byte("hello"))
	require.NoError(t, err)

	for i := range pkt.ToBytes() {
		corrupt := append([]byte(nil), pkt.ToBytes()...)
		corrupt[i] ^= 0x01
		_, err := FromWire(corrupt)
		assert.ErrorIs(t, err, ErrMalformed, "flipping bit in byte %d should be detected", i)
	}
}

func TestHeaderSizeFieldIsBigEndian(t *testing.T) {
	for _, n := range []int{0, 1, 255, 256, MaxPayloadSize} {
		pkt, err := BuildRaw(DataFromInstrument, Now(), make([]byte, n))
		require.NoError(t, err)
		assert.Equal(t, n+HeaderSize, pkt.Size())
		assert.Equal(t, uint8(pkt.ToBytes()[4]), uint8((n+HeaderSize)>>8))
		assert.Equal(t, uint8(pkt.ToBytes()[5]), uint8(n+HeaderSize))
	}
}

// TestS1TCPRoundTrip exercises scenario S1 from spec §8.
func TestS1TCPRoundTrip(t *testing.T) {
	ts := Timestamp{Seconds: 3800000000, Fraction: 0}
	payload := []byte{0x01, 0x02, 0x03}

	pkt, err := BuildRaw(DataFromInstrument, ts, payload)
	require.NoError(t, err)

	assert.Equal(t, 19, pkt.Size())
	assert.Equal(t, payload, pkt.Payload())

	raw := append([]byte(nil), pkt.ToBytes()...)
	want := uint16(0)
	for i, b := range raw {
		if i == 6 || i == 7 {
			b = 0
		}
		want ^= uint16(b)
	}
	assert.Equal(t, want, pkt.Checksum())

	back, err := FromWire(pkt.ToBytes())
	require.NoError(t, err)
	assert.Equal(t, DataFromInstrument, back.Type())
}

func TestFromWireRSNDoesNotRejectBadChecksum(t *testing.T) {
	ts := Timestamp{Seconds: 1, Fraction: 0}
	pkt, err := BuildRaw(DataFromInstrument, ts, []byte("abc"))
	require.NoError(t, err)

	raw := append([]byte(nil), pkt.ToBytes()...)
	raw[6] ^= 0xFF // corrupt the checksum the DIGI framed for us

	rsn, err := FromWireRSN(raw)
	require.NoError(t, err)
	assert.Equal(t, DataFromRSN, rsn.Type())
	assert.True(t, rsn.IsOpaqueRSN())
}

func TestASCIIProjection(t *testing.T) {
	ts := Timestamp{Seconds: 100, Fraction: 0}
	pkt, err := BuildRaw(PortAgentHeartbeat, ts, nil)
	require.NoError(t, err)

	ascii := pkt.ASCII()
	assert.Contains(t, ascii, `type="PORT_AGENT_HEARTBEAT"`)
	assert.Contains(t, ascii, `time="100.0000"`)
	assert.Contains(t, ascii, "</port_agent_packet>\r\n")
}
