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
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// BotptInstrument is the botpt dual-socket instrument connection variant
// named in spec §3. Unlike RSN it has no DIGI banner/timestamping
// handshake to gate on, so both sockets become READY as soon as they
// connect; this variant is sketched, not expanded, per spec §1.
type BotptInstrument struct {
	mu      sync.Mutex
	data    TCPClient
	command TCPClient

	dataHost, cmdHost string
	dataPort, cmdPort int

	state       State
	initialized bool
}

// NewBotptInstrument returns an UNCONFIGURED botpt instrument connection.
func NewBotptInstrument() *BotptInstrument {
	return &BotptInstrument{state: Unconfigured}
}

// Configure sets the data and command endpoints and applies the runtime
// reconfiguration rule of spec §4.E: mutating either endpoint while
// connected forces an immediate disconnect-and-reinitialize cycle.
func (c *BotptInstrument) Configure(dataHost string, dataPort int, cmdHost string, cmdPort int) {
	c.mu.Lock()
	changed := c.dataHost != dataHost || c.dataPort != dataPort || c.cmdHost != cmdHost || c.cmdPort != cmdPort
	wasConnected := c.data.Connected()
	c.dataHost, c.dataPort = dataHost, dataPort
	c.cmdHost, c.cmdPort = cmdHost, cmdPort
	if c.state == Unconfigured {
		c.state = Configured
	}
	c.mu.Unlock()

	if changed && wasConnected {
		log.Infof("botpt instrument: endpoints changed while connected, reinitializing")
		c.Disconnect()
	}
}

// Configured reports whether both endpoints are set.
func (c *BotptInstrument) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataHost != "" && c.dataPort > 0 && c.cmdHost != "" && c.cmdPort > 0
}

// Initialized reports whether Initialize has been called since the last
// Disconnect.
func (c *BotptInstrument) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Connected reports whether the data socket is live.
func (c *BotptInstrument) Connected() bool {
	return c.data.Connected()
}

// State returns the connection's current state.
func (c *BotptInstrument) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize connects both the data and command sockets.
func (c *BotptInstrument) Initialize() error {
	c.mu.Lock()
	dataHost, dataPort := c.dataHost, c.dataPort
	cmdHost, cmdPort := c.cmdHost, c.cmdPort
	c.state = Initializing
	c.initialized = true
	c.mu.Unlock()

	if err := c.data.Connect(dataHost, dataPort); err != nil {
		c.fail()
		return fmt.Errorf("botpt: data connect failed: %w", err)
	}
	if err := c.command.Connect(cmdHost, cmdPort); err != nil {
		c.data.Disconnect()
		c.fail()
		return fmt.Errorf("botpt: command connect failed: %w", err)
	}

	c.mu.Lock()
	c.state = Ready
	c.mu.Unlock()
	return nil
}

func (c *BotptInstrument) fail() {
	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
}

// Disconnect closes both sockets and returns to CONFIGURED.
func (c *BotptInstrument) Disconnect() {
	c.data.Disconnect()
	c.command.Disconnect()
	c.mu.Lock()
	c.state = Configured
	c.initialized = false
	c.mu.Unlock()
}

// ReadData reads instrument bytes from the data socket.
func (c *BotptInstrument) ReadData(buf []byte) (int, error) {
	n, err := c.data.ReadData(buf)
	if err != nil {
		c.fail()
	}
	return n, err
}

// WriteData writes bytes to the instrument over the data socket.
func (c *BotptInstrument) WriteData(buf []byte) bool {
	ok := c.data.WriteData(buf)
	if !ok && !c.data.Connected() {
		c.fail()
	}
	return ok
}

// SendBreak sends a break request over the command socket via
// SendCommand; the socket stays open afterwards.
func (c *BotptInstrument) SendBreak(d time.Duration) error {
	return c.SendCommand([]byte(fmt.Sprintf("break %d\r\n", d.Milliseconds())))
}

// SendCommand writes cmd to the command socket, reconnecting it first if
// it is closed. The socket is left open after the write.
func (c *BotptInstrument) SendCommand(cmd []byte) error {
	if !c.command.Connected() {
		c.mu.Lock()
		cmdHost, cmdPort := c.cmdHost, c.cmdPort
		c.mu.Unlock()
		if err := c.command.Connect(cmdHost, cmdPort); err != nil {
			return fmt.Errorf("botpt: send command: %w", err)
		}
	}
	if !c.command.WriteData(cmd) {
		return fmt.Errorf("botpt: send command: write failed")
	}
	return nil
}
