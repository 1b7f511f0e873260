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

package agent

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/deverett/port-agent/config"
	"github.com/deverett/port-agent/conn"
	"github.com/deverett/port-agent/protocol"
	"github.com/deverett/port-agent/publish"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink is a publish.Sink that decodes and records every packet
// written to it, for assertions on what actually reached a publisher.
type recordingSink struct {
	mu      sync.Mutex
	packets []protocol.Packet
}

func (s *recordingSink) WriteData(buf []byte) bool {
	pkt, err := protocol.FromWire(buf)
	if err != nil {
		return false
	}
	s.mu.Lock()
	s.packets = append(s.packets, pkt)
	s.mu.Unlock()
	return true
}

func (s *recordingSink) count(typ protocol.PacketType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.packets {
		if p.Type() == typ {
			n++
		}
	}
	return n
}

// fakeInstrument is a conn.Connection stand-in that is always READY and
// records every WriteData call, so tests can assert on what the core
// forwards to the instrument without a real socket.
type fakeInstrument struct {
	mu      sync.Mutex
	written [][]byte
}

func (f *fakeInstrument) Configured() bool  { return true }
func (f *fakeInstrument) Initialized() bool { return true }
func (f *fakeInstrument) Connected() bool   { return true }
func (f *fakeInstrument) State() conn.State { return conn.Ready }
func (f *fakeInstrument) Initialize() error { return nil }
func (f *fakeInstrument) Disconnect()       {}
func (f *fakeInstrument) ReadData(buf []byte) (int, error) {
	return 0, nil
}
func (f *fakeInstrument) WriteData(buf []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), buf...))
	return true
}

func (f *fakeInstrument) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

// TestS3HeartbeatEmittedOnInterval exercises scenario S3 from spec §8: with
// heartbeat_interval = 1, advancing virtual time by 3.5s should emit
// exactly 3 heartbeat packets to the DriverData sink.
func TestS3HeartbeatEmittedOnInterval(t *testing.T) {
	cfg := config.New(config.StaticConfig{})
	_, err := cfg.Apply("heartbeat_interval 1")
	require.NoError(t, err)

	a := New(cfg, nil)
	a.resetBuffers(cfg.Snapshot())

	sink := &recordingSink{}
	a.publishers.Add(publish.New(publish.DriverData, publish.FormatRaw, sink))

	now := time.Now()
	a.lastHeartbeat = now

	for _, d := range []time.Duration{time.Second, time.Second, time.Second, 500 * time.Millisecond} {
		now = now.Add(d)
		require.NoError(t, a.step(now))
	}

	assert.Equal(t, 3, sink.count(protocol.PortAgentHeartbeat))
}

// TestS4DriverCommandReachesInstrumentSink exercises scenario S4 from spec
// §8: bytes written to the command port become one DATA_FROM_DRIVER packet
// forwarded to the instrument sink with the original payload intact.
func TestS4DriverCommandReachesInstrumentSink(t *testing.T) {
	cfg := config.New(config.StaticConfig{})
	a := New(cfg, nil)
	require.NoError(t, a.commandListener.Bind(0))
	a.resetBuffers(cfg.Snapshot())
	a.lastHeartbeat = time.Now()

	fi := &fakeInstrument{}
	a.mu.Lock()
	a.connection = fi
	a.mu.Unlock()
	a.publishers.Add(publish.New(publish.InstrumentData, publish.FormatRaw, fi))

	addr := fmt.Sprintf("127.0.0.1:%d", a.commandListener.Port())
	driver, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer driver.Close()
	_, err = driver.Write([]byte("RESET\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		if err := a.step(time.Now()); err != nil {
			return false
		}
		return len(fi.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	written := fi.snapshot()
	require.Len(t, written, 1)

	pkt, err := protocol.FromWire(written[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.DataFromDriver, pkt.Type())
	assert.Equal(t, []byte("RESET\n"), pkt.Payload())
}

// TestMaybeReconnectSkipsLiveConnection exercises the reconnect guard: a
// connection reporting any state other than DISCONNECTED must not be
// replaced on the next tick.
func TestMaybeReconnectSkipsLiveConnection(t *testing.T) {
	cfg := config.New(config.StaticConfig{})
	a := New(cfg, nil)

	fi := &fakeInstrument{}
	a.mu.Lock()
	a.connection = fi
	a.mu.Unlock()

	a.maybeReconnect(time.Now())

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Same(t, fi, a.connection, "a READY connection must not be replaced")
}

// TestReconnectPublishesFaultOnFailedInitialize exercises the other half
// of scenario S2 from spec §8: an RSN instrument whose DIGI never sends
// the command-interface banner fails to initialize, and that failure
// must surface as exactly one PORT_AGENT_FAULT to the DriverData sink,
// not just a log line.
func TestReconnectPublishesFaultOnFailedInitialize(t *testing.T) {
	dataLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer dataLn.Close()
	cmdLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer cmdLn.Close()

	go func() {
		c, err := dataLn.Accept()
		if err != nil {
			return
		}
		_ = c
	}()
	go func() {
		c, err := cmdLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		// Never write the DIGI banner, so the RSN handshake times out.
		buf := make([]byte, 64)
		_, _ = c.Read(buf)
	}()

	_, dp, _ := net.SplitHostPort(dataLn.Addr().String())
	_, cp, _ := net.SplitHostPort(cmdLn.Addr().String())
	dataPort, _ := strconv.Atoi(dp)
	cmdPort, _ := strconv.Atoi(cp)

	cfg := config.New(config.StaticConfig{})
	_, err = cfg.Apply("instrument_type rsn")
	require.NoError(t, err)
	_, err = cfg.Apply("instrument_data_host 127.0.0.1")
	require.NoError(t, err)
	_, err = cfg.Apply(fmt.Sprintf("instrument_data_port %d", dataPort))
	require.NoError(t, err)
	_, err = cfg.Apply(fmt.Sprintf("instrument_command_port %d", cmdPort))
	require.NoError(t, err)

	a := New(cfg, nil)
	sink := &recordingSink{}
	a.publishers.Add(publish.New(publish.DriverData, publish.FormatRaw, sink))

	require.Error(t, a.reconnect())

	assert.Equal(t, 1, sink.count(protocol.PortAgentFault))
}

// TestS6ConfigReloadRebindsDataListener exercises scenario S6 from spec
// §8: once the configured data port no longer matches the bound one, the
// next tick closes the old listener (and any connected driver) and binds
// a fresh one on the new port.
func TestS6ConfigReloadRebindsDataListener(t *testing.T) {
	cfg := config.New(config.StaticConfig{})
	a := New(cfg, nil)
	require.NoError(t, a.dataListener.Bind(0))
	a.boundDataPort = 0

	oldPort := a.dataListener.Port()
	driver, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", oldPort))
	require.NoError(t, err)
	defer driver.Close()
	require.Eventually(t, func() bool {
		return a.dataListener.AcceptNonBlocking()
	}, time.Second, 5*time.Millisecond)
	require.True(t, a.dataListener.Connected())

	// a.boundDataPort tracks the port last bound on behalf of
	// cfg.Snapshot().DataPort; forcing a mismatch here simulates the
	// driver having just issued "data_port <n>" on the config port.
	a.boundDataPort = oldPort + 1
	a.rebindListeners()

	assert.False(t, a.dataListener.Connected(), "rebind must close the prior driver socket")
	assert.NotEqual(t, oldPort, a.dataListener.Port())
}

// TestWirePublishersRoutesDriverTraffic checks that the listener-backed
// publishers created by wirePublishers accept the packet types named in
// the filter matrix (spec §4.F) and nothing else.
func TestWirePublishersRoutesDriverTraffic(t *testing.T) {
	cfg := config.New(config.StaticConfig{})
	a := New(cfg, nil)
	a.logFile = newFileSink(t.TempDir(), "test")
	a.wirePublishers()

	var driverData, driverCommand *publish.Publisher
	for _, p := range a.publishers.Publishers() {
		switch p.Kind() {
		case publish.DriverData:
			driverData = p
		case publish.DriverCommand:
			driverCommand = p
		}
	}
	require.NotNil(t, driverData)
	require.NotNil(t, driverCommand)

	assert.True(t, driverData.Accepts(protocol.DataFromInstrument))
	assert.False(t, driverData.Accepts(protocol.PortAgentCommand))
	assert.True(t, driverCommand.Accepts(protocol.PortAgentCommand))
	assert.False(t, driverCommand.Accepts(protocol.DataFromInstrument))
}
