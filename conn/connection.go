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

package conn

import "time"

// State is a connection's position in the shared state machine of spec §4.E:
// UNCONFIGURED -> CONFIGURED -> INITIALIZING -> READY -> DISCONNECTED -> CONFIGURED.
type State int

// Connection states.
const (
	Unconfigured State = iota
	Configured
	Initializing
	Ready
	Disconnected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unconfigured:
		return "UNCONFIGURED"
	case Configured:
		return "CONFIGURED"
	case Initializing:
		return "INITIALIZING"
	case Ready:
		return "READY"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the common interface satisfied by every instrument
// attachment variant of spec §3/§4.E. A Connection exclusively owns its
// sockets; the core owns exactly one Connection at a time.
type Connection interface {
	// Configured reports whether enough fields are set to initialize.
	Configured() bool
	// Initialized reports whether Initialize has run for the current
	// configuration generation.
	Initialized() bool
	// Connected reports whether the instrument-facing transport is live.
	Connected() bool
	// State returns the connection's current position in the state machine.
	State() State

	// Initialize opens sockets/devices and begins connecting.
	Initialize() error
	// Disconnect tears down the transport and returns to CONFIGURED.
	Disconnect()

	// ReadData reads available instrument bytes into buf, returning the
	// count read (0 on no data).
	ReadData(buf []byte) (int, error)
	// WriteData writes bytes to the instrument, returning false on
	// transient failure.
	WriteData(buf []byte) bool
}

// CommandCapable is implemented by connection variants that carry a
// separate command channel to the instrument (RSN, botpt).
type CommandCapable interface {
	Connection
	SendBreak(d time.Duration) error
	SendCommand(cmd []byte) error
}
