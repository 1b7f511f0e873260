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
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of a port agent packet header.
const HeaderSize = 16

// MaxPacketSize is the largest value the 16-bit packet-size field can hold.
const MaxPacketSize = 65535

// MaxPayloadSize is the largest payload a single packet can carry.
const MaxPayloadSize = MaxPacketSize - HeaderSize

// sync is the 3-byte constant that opens every packet header.
var sync = [3]byte{0xA3, 0x9D, 0x7A}

// PacketType identifies the kind of payload a packet carries.
type PacketType uint8

// Packet type constants, per spec §3.
const (
	Unknown PacketType = iota
	DataFromInstrument
	DataFromDriver
	PortAgentCommand
	PortAgentStatus
	PortAgentFault
	InstrumentCommand
	PortAgentHeartbeat
	DataFromRSN
)

var packetTypeNames = map[PacketType]string{
	Unknown:            "UNKNOWN",
	DataFromInstrument: "DATA_FROM_INSTRUMENT",
	DataFromDriver:     "DATA_FROM_DRIVER",
	PortAgentCommand:   "PORT_AGENT_COMMAND",
	PortAgentStatus:    "PORT_AGENT_STATUS",
	PortAgentFault:     "PORT_AGENT_FAULT",
	InstrumentCommand:  "INSTRUMENT_COMMAND",
	PortAgentHeartbeat: "PORT_AGENT_HEARTBEAT",
	DataFromRSN:        "DATA_FROM_RSN",
}

// String implements fmt.Stringer.
func (t PacketType) String() string {
	if n, ok := packetTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Errors returned by this package, per spec §7.
var (
	ErrParamOutOfRange = errors.New("packet: parameter out of range")
	ErrMalformed       = errors.New("packet: malformed on the wire")
)

// Packet is an immutable, framed port agent packet: a 16-byte header
// followed by its payload. The RSN variant is classified the same way but
// is never reframed; see IsOpaqueRSN.
type Packet struct {
	typ       PacketType
	timestamp Timestamp
	buf       []byte // the full wire image: header + payload
	opaqueRSN bool
}

// BuildRaw allocates a new Raw Packet (spec §4.B). It fails with
// ErrParamOutOfRange if typ is Unknown or the payload is too large.
func BuildRaw(typ PacketType, ts Timestamp, payload []byte) (Packet, error) {
	if typ == Unknown {
		return Packet{}, fmt.Errorf("%w: packet type must not be UNKNOWN", ErrParamOutOfRange)
	}
	if len(payload) > MaxPayloadSize {
		return Packet{}, fmt.Errorf("%w: payload of %d bytes exceeds max %d", ErrParamOutOfRange, len(payload), MaxPayloadSize)
	}

	size := HeaderSize + len(payload)
	buf := make([]byte, size)

	buf[0], buf[1], buf[2] = sync[0], sync[1], sync[2]
	buf[3] = byte(typ)
	binary.BigEndian.PutUint16(buf[4:6], uint16(size))
	buf[6], buf[7] = 0, 0 // checksum placeholder
	ts.marshalTo(buf[8:16])
	copy(buf[HeaderSize:], payload)

	cksum := checksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], cksum)

	return Packet{typ: typ, timestamp: ts, buf: buf}, nil
}

// FromWire validates and parses a fully-received byte slice into a Packet
// (spec §4.B). The slice is copied; the caller's buffer may be reused.
func FromWire(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: short header, got %d bytes", ErrMalformed, len(raw))
	}
	if raw[0] != sync[0] || raw[1] != sync[1] || raw[2] != sync[2] {
		return Packet{}, fmt.Errorf("%w: bad sync bytes", ErrMalformed)
	}
	size := binary.BigEndian.Uint16(raw[4:6])
	if int(size) < HeaderSize || int(size) > len(raw) {
		return Packet{}, fmt.Errorf("%w: packet size %d out of range for %d available bytes", ErrMalformed, size, len(raw))
	}

	buf := make([]byte, size)
	copy(buf, raw[:size])

	if verifyChecksum(buf) != 0 {
		return Packet{}, fmt.Errorf("%w: checksum mismatch", ErrMalformed)
	}

	typ := PacketType(buf[3])
	ts := unmarshalTimestamp(buf[8:16])

	return Packet{typ: typ, timestamp: ts, buf: buf}, nil
}

// FromWireRSN classifies an already-framed blob delivered by a DIGI as
// DATA_FROM_RSN without reframing it. Only the size field is validated;
// the checksum field is not checked, so a checksum mismatch does not
// reject the packet: RSN bytes are treated as opaque.
func FromWireRSN(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: short RSN header, got %d bytes", ErrMalformed, len(raw))
	}
	size := binary.BigEndian.Uint16(raw[4:6])
	if int(size) < HeaderSize || int(size) > len(raw) {
		return Packet{}, fmt.Errorf("%w: RSN packet size %d out of range for %d available bytes", ErrMalformed, size, len(raw))
	}

	buf := make([]byte, size)
	copy(buf, raw[:size])

	ts := unmarshalTimestamp(buf[8:16])

	return Packet{
		typ:       DataFromRSN,
		timestamp: ts,
		buf:       buf,
		opaqueRSN: true,
	}, nil
}

// IsOpaqueRSN reports whether this packet was passed through from a DIGI
// without reframing, per FromWireRSN.
func (p Packet) IsOpaqueRSN() bool {
	return p.opaqueRSN
}

// Type returns the packet's PacketType.
func (p Packet) Type() PacketType {
	return p.typ
}

// Timestamp returns the packet's header timestamp.
func (p Packet) Timestamp() Timestamp {
	return p.timestamp
}

// Size returns the total wire size, header included.
func (p Packet) Size() int {
	return len(p.buf)
}

// ToBytes returns the full wire image of the packet. The caller must not
// mutate the returned slice.
func (p Packet) ToBytes() []byte {
	return p.buf
}

// Payload returns the packet's payload, excluding the header. The caller
// must not mutate the returned slice.
func (p Packet) Payload() []byte {
	return p.buf[HeaderSize:]
}

// Checksum returns the 16-bit checksum stored in the header.
func (p Packet) Checksum() uint16 {
	return binary.BigEndian.Uint16(p.buf[6:8])
}

// ASCII renders the log-file projection described in spec §4.B.
func (p Packet) ASCII() string {
	return fmt.Sprintf("<port_agent_packet type=\"%s\" time=\"%s\">%s</port_agent_packet>\r\n",
		p.typ, p.timestamp, p.Payload())
}

// Pretty renders a short human-readable summary, for log lines and faults.
func (p Packet) Pretty() string {
	return fmt.Sprintf("Packet{type=%s size=%d ts=%s}", p.typ, p.Size(), p.timestamp)
}

// checksum computes the XOR checksum over buf, treating the checksum field
// (offset 6-7) as zero, per spec §4.B: c starts at 0 and is XORed with
// every byte of the packet in order.
func checksum(buf []byte) uint16 {
	var c uint16
	for i, b := range buf {
		if i == 6 || i == 7 {
			b = 0
		}
		c ^= uint16(b)
	}
	return c
}

// verifyChecksum XORs every byte of buf, stored checksum field included,
// and returns the result: zero iff the stored checksum is valid.
func verifyChecksum(buf []byte) uint16 {
	var c uint16
	for _, b := range buf {
		c ^= uint16(b)
	}
	return c
}
