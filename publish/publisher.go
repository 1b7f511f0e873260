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
Package publish implements the fan-out sink side of the port agent: the
Publisher variants and the ordered List that broadcasts packets
to them.
*/
package publish

import (
	"fmt"

	"github.com/deverett/port-agent/protocol"
)

// Sink is the minimal write surface a publisher needs from its transport.
// Concrete sinks (conn.TCPClient, conn.TCPListener, a log file) all satisfy
// this without publish knowing their concrete type: publishers borrow a
// sink, they never own it, per spec §3 and §5.
type Sink interface {
	WriteData(buf []byte) bool
}

// Kind identifies what role a publisher plays in the fan-out, per the
// accepted-type matrix in spec §4.F.
type Kind int

// Publisher kinds.
const (
	DriverData Kind = iota
	DriverCommand
	InstrumentData
	InstrumentCommand
	LogFile
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case DriverData:
		return "DriverData"
	case DriverCommand:
		return "DriverCommand"
	case InstrumentData:
		return "InstrumentData"
	case InstrumentCommand:
		return "InstrumentCommand"
	case LogFile:
		return "LogFile"
	default:
		return "Unknown"
	}
}

// acceptedTypes is the matrix from spec §4.F.
var acceptedTypes = map[Kind]map[protocol.PacketType]bool{
	DriverData: set(
		protocol.DataFromInstrument,
		protocol.DataFromRSN,
		protocol.PortAgentStatus,
		protocol.PortAgentFault,
		protocol.PortAgentHeartbeat,
	),
	DriverCommand: set(
		protocol.PortAgentCommand,
		protocol.PortAgentStatus,
		protocol.PortAgentFault,
	),
	InstrumentData: set(
		protocol.DataFromDriver,
	),
	InstrumentCommand: set(
		protocol.InstrumentCommand,
	),
	// LogFile accepts everything; handled specially in Accepts below.
}

func set(types ...protocol.PacketType) map[protocol.PacketType]bool {
	m := make(map[protocol.PacketType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// Format selects how a publisher serializes a packet before writing it.
type Format int

// Output formats.
const (
	FormatRaw Format = iota
	FormatASCII
)

// Publisher is a sink for packets: each variant advertises which
// PacketTypes it accepts and holds a non-owning handle to its sink
// (spec §3, §4.F).
type Publisher struct {
	kind   Kind
	format Format
	sink   Sink
	active bool
}

// New creates a Publisher of the given kind writing to sink in format.
func New(kind Kind, format Format, sink Sink) *Publisher {
	return &Publisher{kind: kind, format: format, sink: sink, active: true}
}

// Kind returns the publisher's role.
func (p *Publisher) Kind() Kind {
	return p.kind
}

// Active reports whether the publisher's sink is still believed live. A
// publisher self-marks inactive the first time a write to its sink fails.
func (p *Publisher) Active() bool {
	return p.active
}

// Accepts reports whether this publisher's kind accepts typ, per the
// matrix in spec §4.F.
func (p *Publisher) Accepts(typ protocol.PacketType) bool {
	if p.kind == LogFile {
		return true
	}
	return acceptedTypes[p.kind][typ]
}

// Publish writes pkt to the sink if, and only if, this publisher accepts
// its type. Publishing a non-accepted type is a no-op success, per spec
// §3. Returns an error only on an actual write failure.
func (p *Publisher) Publish(pkt protocol.Packet) error {
	if !p.Accepts(pkt.Type()) {
		return nil
	}
	if !p.active {
		return fmt.Errorf("publish: sink for %s publisher is inactive", p.kind)
	}

	var payload []byte
	switch p.format {
	case FormatASCII:
		payload = []byte(pkt.ASCII())
	default:
		payload = pkt.ToBytes()
	}

	if !p.sink.WriteData(payload) {
		p.active = false
		return fmt.Errorf("publish: write failed for %s publisher", p.kind)
	}
	return nil
}
