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
	"bytes"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DIGI command interface dialogue, per spec §4.E.
const (
	digiBanner        = "OOI - Digi Command Interface\r\ntype help for command information\r\n"
	timestampingCmd   = "timestamping 2\r\n"
	timestampingAck   = "Set Timestamping:On(binary)\r\n\r\n"
	commandPollAttempts = 30
	commandPollInterval = 100 * time.Millisecond
	commandBufSize      = 1000
)

// RSNInstrument is the RSN/DIGI dual-socket instrument connection variant
// of spec §3. The command socket is opened on demand per command and is
// not held open between commands: Initialize closes it once the
// timestamping acknowledgement has been read, while SendBreak and
// SendCommand close it as soon as the command is written, without reading
// any acknowledgement. The data socket is held open continuously.
type RSNInstrument struct {
	mu      sync.Mutex
	data    TCPClient
	command TCPClient

	dataHost, cmdHost string
	dataPort, cmdPort int
	binaryTSOn        bool

	state       State
	initialized bool
}

// NewRSNInstrument returns an UNCONFIGURED RSN instrument connection.
func NewRSNInstrument() *RSNInstrument {
	return &RSNInstrument{state: Unconfigured}
}

// Configure sets the data and command endpoints and applies the runtime
// reconfiguration rule of spec §4.E: mutating either endpoint while
// connected forces an immediate disconnect-and-reinitialize cycle.
func (c *RSNInstrument) Configure(dataHost string, dataPort int, cmdHost string, cmdPort int) {
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
		log.Infof("rsn instrument: endpoints changed while connected, reinitializing")
		c.Disconnect()
	}
}

// Configured reports whether both endpoints are set.
func (c *RSNInstrument) Configured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataHost != "" && c.dataPort > 0 && c.cmdHost != "" && c.cmdPort > 0
}

// Initialized reports whether Initialize has been called since the last
// Disconnect.
func (c *RSNInstrument) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Connected reports only the data socket's liveness: the command socket
// is opened on demand and is not expected to be continuously connected.
// This resolves the "dual RSN semantics" open question from spec §9 in
// favor of the data-only interpretation.
func (c *RSNInstrument) Connected() bool {
	return c.data.Connected()
}

// State returns the connection's current state.
func (c *RSNInstrument) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BinaryTimestampingOn reports whether the timestamping handshake has
// completed successfully.
func (c *RSNInstrument) BinaryTimestampingOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binaryTSOn
}

// Initialize connects the data socket, then performs the banner/
// timestamping handshake over the command socket before declaring READY.
func (c *RSNInstrument) Initialize() error {
	c.mu.Lock()
	dataHost, dataPort := c.dataHost, c.dataPort
	cmdHost, cmdPort := c.cmdHost, c.cmdPort
	c.state = Initializing
	c.initialized = true
	c.mu.Unlock()

	if err := c.data.Connect(dataHost, dataPort); err != nil {
		c.fail()
		return fmt.Errorf("rsn: data connect failed: %w", err)
	}

	if err := c.command.Connect(cmdHost, cmdPort); err != nil {
		c.data.Disconnect()
		c.fail()
		return fmt.Errorf("rsn: command connect failed: %w", err)
	}

	if err := c.handshake(); err != nil {
		c.command.Disconnect()
		c.data.Disconnect()
		c.fail()
		return err
	}

	// Close the command socket only after the ack is confirmed; the data
	// socket stays open continuously.
	c.command.Disconnect()

	c.mu.Lock()
	c.state = Ready
	c.binaryTSOn = true
	c.mu.Unlock()
	return nil
}

func (c *RSNInstrument) fail() {
	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
}

func (c *RSNInstrument) handshake() error {
	if ok, _, err := readCommandResponse(&c.command, []byte(digiBanner), commandPollAttempts, commandPollInterval); !ok {
		if err != nil {
			return fmt.Errorf("rsn: reading DIGI banner: %w", err)
		}
		return fmt.Errorf("rsn: DIGI banner not received within timeout")
	}

	if !c.command.WriteData([]byte(timestampingCmd)) {
		return fmt.Errorf("rsn: failed to send timestamping command")
	}

	if ok, _, err := readCommandResponse(&c.command, []byte(timestampingAck), commandPollAttempts, commandPollInterval); !ok {
		if err != nil {
			return fmt.Errorf("rsn: reading timestamping ack: %w", err)
		}
		return fmt.Errorf("rsn: timestamping ack not received within timeout")
	}

	return nil
}

// readCommandResponse polls the command socket up to attempts times,
// sleeping interval between polls, declaring success iff the first
// len(expected) accumulated bytes equal expected byte-for-byte. This is
// the one intentionally blocking exception to the event loop's
// non-blocking design, per spec §5.
func readCommandResponse(c *TCPClient, expected []byte, attempts int, interval time.Duration) (bool, []byte, error) {
	acc := make([]byte, 0, commandBufSize)
	buf := make([]byte, commandBufSize)

	for i := 0; i < attempts; i++ {
		n, err := c.ReadData(buf)
		if err != nil {
			return false, acc, err
		}
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if len(acc) >= len(expected) {
				if bytes.Equal(acc[:len(expected)], expected) {
					return true, acc, nil
				}
				return false, acc, nil
			}
		}
		time.Sleep(interval)
	}
	log.Warningf("rsn: command response timed out waiting for %q, got %q", expected, acc)
	return false, acc, nil
}

// Disconnect closes the data socket (and command socket, if open for some
// reason) and returns to CONFIGURED.
func (c *RSNInstrument) Disconnect() {
	c.data.Disconnect()
	c.command.Disconnect()
	c.mu.Lock()
	c.state = Configured
	c.initialized = false
	c.binaryTSOn = false
	c.mu.Unlock()
}

// ReadData reads instrument bytes from the data socket.
func (c *RSNInstrument) ReadData(buf []byte) (int, error) {
	n, err := c.data.ReadData(buf)
	if err != nil {
		c.fail()
	}
	return n, err
}

// WriteData writes bytes to the instrument over the data socket.
func (c *RSNInstrument) WriteData(buf []byte) bool {
	ok := c.data.WriteData(buf)
	if !ok && !c.data.Connected() {
		c.fail()
	}
	return ok
}

// SendBreak opens the command socket on demand, sends a break request,
// and closes the socket once the request has been written.
func (c *RSNInstrument) SendBreak(d time.Duration) error {
	c.mu.Lock()
	cmdHost, cmdPort := c.cmdHost, c.cmdPort
	c.mu.Unlock()

	if err := c.command.Connect(cmdHost, cmdPort); err != nil {
		return fmt.Errorf("rsn: send break: %w", err)
	}
	defer c.command.Disconnect()

	cmd := fmt.Sprintf("break %d\r\n", d.Milliseconds())
	if !c.command.WriteData([]byte(cmd)) {
		return fmt.Errorf("rsn: send break: write failed")
	}
	return nil
}

// SendCommand opens the command socket on demand, writes cmd, and closes
// the socket once the command has been sent.
func (c *RSNInstrument) SendCommand(cmd []byte) error {
	c.mu.Lock()
	cmdHost, cmdPort := c.cmdHost, c.cmdPort
	c.mu.Unlock()

	if err := c.command.Connect(cmdHost, cmdPort); err != nil {
		return fmt.Errorf("rsn: send command: %w", err)
	}
	defer c.command.Disconnect()

	if !c.command.WriteData(cmd) {
		return fmt.Errorf("rsn: send command: write failed")
	}
	return nil
}
