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

// TCPInstrument is the plain TCP instrument connection variant of spec §3.
type TCPInstrument struct {
	mu   sync.Mutex
	data TCPClient

	host string
	port int

	state       State
	initialized bool
}

// NewTCPInstrument returns an UNCONFIGURED TCP instrument connection.
func NewTCPInstrument() *TCPInstrument {
	return &TCPInstrument{state: Unconfigured}
}

// Configure sets the host/port and applies the runtime reconfiguration
// rule of spec §4.E: mutating host or port while connected forces an
// immediate disconnect-and-reinitialize cycle; otherwise the change is
// recorded silently.
func (c *TCPInstrument) Configure(host string, port int) {
	c.mu.Lock()
	changed := c.host != host || c.port != port
	wasConnected := c.data.Connected()
	c.host, c.port = host, port
	if c.state == Unconfigured {
		c.state = Configured
	}
	c.mu.Unlock()

	if changed && wasConnected {
		log.Infof("tcp instrument: host/port changed while connected, reinitializing")
		c.Disconnect()
	}
}

// Configured reports whether host and port are both set.
func (c *TCPInstrument) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host != "" && c.port > 0
}

// Initialized reports whether Initialize has been called since the last
// Disconnect.
func (c *TCPInstrument) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Connected reports whether the data socket is live.
func (c *TCPInstrument) Connected() bool {
	return c.data.Connected()
}

// State returns the connection's current state.
func (c *TCPInstrument) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize opens the TCP connection to the instrument.
func (c *TCPInstrument) Initialize() error {
	c.mu.Lock()
	host, port := c.host, c.port
	c.state = Initializing
	c.initialized = true
	c.mu.Unlock()

	if err := c.data.Connect(host, port); err != nil {
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

// Disconnect closes the data socket and returns to CONFIGURED.
func (c *TCPInstrument) Disconnect() {
	c.data.Disconnect()
	c.mu.Lock()
	c.state = Configured
	c.initialized = false
	c.mu.Unlock()
}

// ReadData reads instrument bytes.
func (c *TCPInstrument) ReadData(buf []byte) (int, error) {
	n, err := c.data.ReadData(buf)
	if err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
	}
	return n, err
}

// WriteData writes bytes to the instrument.
func (c *TCPInstrument) WriteData(buf []byte) bool {
	ok := c.data.WriteData(buf)
	if !ok && !c.data.Connected() {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
	}
	return ok
}
