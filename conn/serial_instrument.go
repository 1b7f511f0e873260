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

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// SerialInstrument is the direct serial-port instrument connection
// variant of spec §3. Sketched per spec §1 (expanded only as far as the
// TCP/RSN variants require for the shared state machine).
type SerialInstrument struct {
	mu   sync.Mutex
	port SerialPort

	device   string
	baudRate int

	state       State
	initialized bool
}

// NewSerialInstrument returns an UNCONFIGURED serial instrument connection.
func NewSerialInstrument() *SerialInstrument {
	return &SerialInstrument{state: Unconfigured}
}

// Configure sets the device path and baud rate and applies the runtime
// reconfiguration rule of spec §4.E: mutating either while connected
// forces an immediate disconnect-and-reinitialize cycle.
func (c *SerialInstrument) Configure(device string, baudRate int) {
	c.mu.Lock()
	changed := c.device != device || c.baudRate != baudRate
	wasConnected := c.port.Connected()
	c.device, c.baudRate = device, baudRate
	if c.state == Unconfigured {
		c.state = Configured
	}
	c.mu.Unlock()

	if changed && wasConnected {
		log.Infof("serial instrument: device/baud changed while connected, reinitializing")
		c.Disconnect()
	}
}

// Configured reports whether a device path is set.
func (c *SerialInstrument) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device != ""
}

// Initialized reports whether Initialize has been called since the last
// Disconnect.
func (c *SerialInstrument) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Connected reports whether the serial device is open.
func (c *SerialInstrument) Connected() bool {
	return c.port.Connected()
}

// State returns the connection's current state.
func (c *SerialInstrument) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize opens the serial device.
func (c *SerialInstrument) Initialize() error {
	c.mu.Lock()
	device, baud := c.device, c.baudRate
	c.state = Initializing
	c.initialized = true
	c.mu.Unlock()

	if err := c.port.Open(device, baud); err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.state = Ready
	c.mu.Unlock()
	return nil
}

// Disconnect closes the serial device and returns to CONFIGURED.
func (c *SerialInstrument) Disconnect() {
	c.port.Disconnect()
	c.mu.Lock()
	c.state = Configured
	c.initialized = false
	c.mu.Unlock()
}

// ReadData reads instrument bytes.
func (c *SerialInstrument) ReadData(buf []byte) (int, error) {
	n, err := c.port.ReadData(buf)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
	}
	return n, err
}

// WriteData writes bytes to the instrument.
func (c *SerialInstrument) WriteData(buf []byte) bool {
	ok := c.port.WriteData(buf)
	if !ok && !c.port.Connected() {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
	}
	return ok
}
