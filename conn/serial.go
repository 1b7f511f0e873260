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
	"go.bug.st/serial"
)

// SerialPort is the non-blocking serial file descriptor abstraction named
// in spec §4.D. It polls with a short read timeout rather than blocking,
// so it can be driven from the same event loop as the TCP sockets.
type SerialPort struct {
	mu       sync.Mutex
	port     serial.Port
	device   string
	baudRate int
}

// Open opens the serial device at the given baud rate, 8N1, no flow
// control, matching the mode used by sa53fw's serial MAC driver.
func (s *SerialPort) Open(device string, baudRate int) error {
	if device == "" {
		return fmt.Errorf("%w: device path is empty", ErrSocketMissingConfig)
	}
	if baudRate <= 0 {
		baudRate = 9600
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(device, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSocketConnectFailure, err)
	}
	if err := p.SetReadTimeout(pollDeadline); err != nil {
		p.Close()
		return fmt.Errorf("%w: %v", ErrSocketCreateFailure, err)
	}

	s.mu.Lock()
	s.port = p
	s.device = device
	s.baudRate = baudRate
	s.mu.Unlock()
	return nil
}

// Connected reports whether the device is currently open.
func (s *SerialPort) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// ReadData reads into buf, returning 0 when the poll timeout elapses with
// no bytes available.
func (s *SerialPort) ReadData(buf []byte) (int, error) {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return 0, nil
	}

	n, err := p.Read(buf)
	if err != nil {
		log.Warningf("serial port %s read error: %v", s.device, err)
		s.Disconnect()
		return 0, err
	}
	return n, nil
}

// WriteData writes buf in full to the serial device.
func (s *SerialPort) WriteData(buf []byte) bool {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return false
	}

	_, err := p.Write(buf)
	if err != nil {
		log.Warningf("serial port %s write error: %v", s.device, err)
		s.Disconnect()
		return false
	}
	return true
}

// SendBreak asserts a break condition on the line for the given duration.
func (s *SerialPort) SendBreak(d time.Duration) error {
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: serial port not open", ErrSocketMissingConfig)
	}
	if err := p.Break(d); err != nil {
		return fmt.Errorf("conn: send break failed: %w", err)
	}
	return nil
}

// Disconnect closes the serial device, if open.
func (s *SerialPort) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
}
