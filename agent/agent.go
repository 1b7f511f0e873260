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
Package agent implements the port agent core (spec §4.H): it owns the
config, one Connection, the publisher list, and runs the single-threaded,
non-blocking event loop that ties the rest of the packages together.
*/
package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deverett/port-agent/config"
	"github.com/deverett/port-agent/conn"
	"github.com/deverett/port-agent/internal/metrics"
	"github.com/deverett/port-agent/protocol"
	"github.com/deverett/port-agent/publish"
	log "github.com/sirupsen/logrus"
)

const (
	minTick        = time.Millisecond
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Agent is the port agent core, per spec §4.H.
type Agent struct {
	Config  *config.Config
	Metrics *metrics.Metrics

	mu         sync.Mutex
	connection conn.Connection
	instType   config.InstrumentType

	publishers *publish.List

	dataListener    *conn.TCPListener
	commandListener *conn.TCPListener
	configListener  *conn.TCPListener

	logFile *fileSink

	inbound      *protocol.Buffered    // DATA_FROM_INSTRUMENT, for non-RSN variants
	rsnAssembler *protocol.RSNAssembler // used instead of inbound when InstrumentType is rsn
	fromDriver   *protocol.Buffered    // DATA_FROM_DRIVER, fed from the driver command port
	configBuf    *protocol.Buffered    // config-port command lines

	boundDataPort    int
	boundCommandPort int

	lastHeartbeat        time.Time
	backoff              time.Duration
	nextReconnectAttempt time.Time

	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// New wires up an Agent from cfg. The publisher list and listeners are
// created here; the instrument Connection itself is created lazily by
// reconnect(), since its variant depends on DynamicConfig.InstrumentType.
func New(cfg *config.Config, m *metrics.Metrics) *Agent {
	a := &Agent{
		Config:          cfg,
		Metrics:         m,
		publishers:      publish.NewList(),
		dataListener:    &conn.TCPListener{},
		commandListener: &conn.TCPListener{},
		configListener:  &conn.TCPListener{},
		shutdownCh:      make(chan struct{}),
		backoff:         initialBackoff,
	}
	return a
}

// Start binds the listener sockets, wires the publisher list, and runs
// the event loop until Stop is called or the config-port "shutdown"
// command is issued. It returns the reason the loop exited.
func (a *Agent) Start() error {
	dc := a.Config.Snapshot()

	if err := a.dataListener.Bind(dc.DataPort); err != nil {
		return fmt.Errorf("agent: binding data port: %w", err)
	}
	a.boundDataPort = dc.DataPort
	if err := a.commandListener.Bind(dc.CommandPort); err != nil {
		return fmt.Errorf("agent: binding command port: %w", err)
	}
	a.boundCommandPort = dc.CommandPort
	if err := a.configListener.Bind(a.Config.Static.ConfigPort); err != nil {
		return fmt.Errorf("agent: binding config port: %w", err)
	}

	a.logFile = newFileSink(dc.LogDir, "port-agent")
	a.wirePublishers()

	if err := a.reconnect(); err != nil {
		log.Warningf("agent: initial instrument connect failed, will retry: %v", err)
	}

	a.resetBuffers(dc)
	a.lastHeartbeat = time.Now()

	ticker := time.NewTicker(minTick)
	defer ticker.Stop()

	for {
		select {
		case <-a.shutdownCh:
			a.drainRemaining()
			return nil
		case now := <-ticker.C:
			if err := a.step(now); err != nil {
				return err
			}
			if a.Config.Shutdown() {
				a.drainRemaining()
				return nil
			}
		}
	}
}

// Stop signals the event loop to exit after completing its current
// cycle, per the cancellation rule in spec §4.H.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.shutdownCh) })
}

func (a *Agent) wirePublishers() {
	a.publishers.Add(publish.New(publish.DriverData, publish.FormatRaw, a.dataListener))
	a.publishers.Add(publish.New(publish.DriverCommand, publish.FormatRaw, a.commandListener))
	a.publishers.Add(publish.New(publish.LogFile, publish.FormatASCII, a.logFile))
	// InstrumentData/InstrumentCommand sinks are added once the instrument
	// Connection exists; see reconnect().
}

func (a *Agent) resetBuffers(dc config.DynamicConfig) {
	a.inbound = protocol.NewBuffered(protocol.DataFromInstrument, dc.MaxPacketSize, protocol.DefaultFlushTimeout, nil)
	a.rsnAssembler = protocol.NewRSNAssembler()
	a.fromDriver = protocol.NewBuffered(protocol.DataFromDriver, dc.MaxPacketSize, protocol.DefaultFlushTimeout, []byte("\n"))
	a.configBuf = protocol.NewBuffered(protocol.PortAgentCommand, dc.MaxPacketSize, protocol.DefaultFlushTimeout, []byte("\n"))
}

// step runs exactly one event-loop cycle, per the six numbered steps of
// spec §4.H.
func (a *Agent) step(now time.Time) error {
	a.pollAccepts()
	a.pollInstrument(now)
	a.pollDriverCommand(now)
	a.pollConfigPort(now)

	a.tickAndDrain(now)
	a.rebindListeners()

	if now.Sub(a.lastHeartbeat) >= a.Config.Snapshot().HeartbeatInterval {
		a.emitHeartbeat()
		a.lastHeartbeat = now
	}

	a.maybeReconnect(now)
	return nil
}

// rebindListeners re-binds the driver-facing data and command listeners
// when a config command has changed their port, per spec §8 scenario S6:
// the prior socket (and any connected driver) is closed and a fresh
// listener is bound on the new port within the same event-loop tick.
func (a *Agent) rebindListeners() {
	dc := a.Config.Snapshot()

	if dc.DataPort != a.boundDataPort {
		a.dataListener.Close()
		if err := a.dataListener.Bind(dc.DataPort); err != nil {
			log.Errorf("agent: rebinding data port to %d: %v", dc.DataPort, err)
		} else {
			a.boundDataPort = dc.DataPort
		}
	}

	if dc.CommandPort != a.boundCommandPort {
		a.commandListener.Close()
		if err := a.commandListener.Bind(dc.CommandPort); err != nil {
			log.Errorf("agent: rebinding command port to %d: %v", dc.CommandPort, err)
		} else {
			a.boundCommandPort = dc.CommandPort
		}
	}
}

func (a *Agent) pollAccepts() {
	a.dataListener.AcceptNonBlocking()
	a.commandListener.AcceptNonBlocking()
	a.configListener.AcceptNonBlocking()
}

func (a *Agent) pollInstrument(now time.Time) {
	a.mu.Lock()
	c := a.connection
	it := a.instType
	a.mu.Unlock()
	if c == nil || !c.Connected() {
		return
	}

	buf := make([]byte, 4096)
	n, err := c.ReadData(buf)
	if err != nil {
		a.publishers.Publish(a.faultf("instrument disconnected: %v", err))
		return
	}
	if n == 0 {
		return
	}

	if it == config.InstrumentRSN {
		pkts, err := a.rsnAssembler.Push(buf[:n])
		if err != nil {
			log.Errorf("agent: malformed RSN packet, discarding stream state: %v", err)
			a.rsnAssembler = protocol.NewRSNAssembler()
		}
		for _, pkt := range pkts {
			a.publishers.Publish(pkt)
		}
		return
	}

	a.inbound.Push(buf[:n], now)
}

func (a *Agent) pollDriverCommand(now time.Time) {
	if !a.commandListener.Connected() {
		return
	}
	buf := make([]byte, 4096)
	n, err := a.commandListener.ReadData(buf)
	if err != nil || n == 0 {
		return
	}
	a.fromDriver.Push(buf[:n], now)
}

func (a *Agent) pollConfigPort(now time.Time) {
	if !a.configListener.Connected() {
		return
	}
	buf := make([]byte, 4096)
	n, err := a.configListener.ReadData(buf)
	if err != nil || n == 0 {
		return
	}
	a.configBuf.Push(buf[:n], now)
}

// tickAndDrain evaluates the timeout rule on every buffered packet and
// drains the ones that became READY, in the order spec §4.H step 4
// requires: inbound data, then commands, then status/config replies.
func (a *Agent) tickAndDrain(now time.Time) {
	a.inbound.Tick(now)
	if pkt, ok := a.inbound.Drain(); ok {
		a.publishers.Publish(pkt)
	}

	a.fromDriver.Tick(now)
	if pkt, ok := a.fromDriver.Drain(); ok {
		// The InstrumentData publisher (wired in rewireInstrumentPublishers)
		// is what actually forwards this to the instrument; Publish alone
		// is sufficient, per the generic dispatch in spec §4.F/4.G.
		a.publishers.Publish(pkt)
	}

	a.configBuf.Tick(now)
	if pkt, ok := a.configBuf.Drain(); ok {
		a.handleConfigCommand(pkt)
	}
}

func (a *Agent) handleConfigCommand(pkt protocol.Packet) {
	line := strings.TrimRight(string(pkt.Payload()), "\r\n")
	reply, err := a.Config.Apply(line)
	if err != nil {
		log.Warningf("config command %q failed: %v", line, err)
		a.publishers.Publish(a.faultf("config command failed: %v", err))
		_ = a.configListener.WriteData([]byte(fmt.Sprintf("ERROR: %v\r\n", err)))
		return
	}
	_ = a.configListener.WriteData([]byte(reply))
}

func (a *Agent) emitHeartbeat() {
	hb, err := protocol.BuildRaw(protocol.PortAgentHeartbeat, protocol.Now(), nil)
	if err != nil {
		log.Errorf("agent: failed to build heartbeat: %v", err)
		return
	}
	a.publishers.Publish(hb)
	if a.Metrics != nil {
		a.Metrics.ObservePacket(protocol.PortAgentHeartbeat)
	}
}

func (a *Agent) faultf(format string, args ...any) protocol.Packet {
	reason := fmt.Sprintf(format, args...)
	pkt, err := protocol.BuildRaw(protocol.PortAgentFault, protocol.Now(), []byte(reason))
	if err != nil {
		log.Errorf("agent: failed to build fault packet: %v", err)
		return protocol.Packet{}
	}
	if a.Metrics != nil {
		a.Metrics.ObservePacket(protocol.PortAgentFault)
	}
	return pkt
}

// maybeReconnect re-initializes the instrument connection when it has
// gone DISCONNECTED, backing off exponentially up to maxBackoff, per spec
// §4.H step 6.
func (a *Agent) maybeReconnect(now time.Time) {
	a.mu.Lock()
	c := a.connection
	a.mu.Unlock()

	if c != nil && c.State() != conn.Disconnected {
		return
	}
	if now.Before(a.nextReconnectAttempt) {
		return
	}

	if err := a.reconnect(); err != nil {
		log.Debugf("agent: reconnect attempt failed: %v", err)
		a.nextReconnectAttempt = now.Add(a.backoff)
		a.backoff *= 2
		if a.backoff > maxBackoff {
			a.backoff = maxBackoff
		}
	} else {
		a.backoff = initialBackoff
		a.nextReconnectAttempt = time.Time{}
	}
}

// reconnect (re)builds the Connection variant named by the current
// DynamicConfig.InstrumentType and attempts to Initialize it.
func (a *Agent) reconnect() error {
	dc := a.Config.Snapshot()

	c, err := newConnection(dc)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.connection = c
	a.instType = dc.InstrumentType
	a.mu.Unlock()

	if a.Metrics != nil {
		a.Metrics.ObserveReconnect()
	}

	a.rewireInstrumentPublishers(c)

	if err := c.Initialize(); err != nil {
		a.publishers.Publish(a.faultf("instrument initialize failed: %v", err))
		return err
	}
	return nil
}

func (a *Agent) rewireInstrumentPublishers(c conn.Connection) {
	for _, p := range a.publishers.Publishers() {
		if p.Kind() == publish.InstrumentData || p.Kind() == publish.InstrumentCommand {
			a.publishers.Remove(p)
		}
	}
	a.publishers.Add(publish.New(publish.InstrumentData, publish.FormatRaw, c))
	a.publishers.Add(publish.New(publish.InstrumentCommand, publish.FormatRaw, c))
}

func newConnection(dc config.DynamicConfig) (conn.Connection, error) {
	switch dc.InstrumentType {
	case config.InstrumentTCP, "":
		c := conn.NewTCPInstrument()
		c.Configure(dc.InstrumentDataHost, dc.InstrumentDataPort)
		return c, nil
	case config.InstrumentSerial:
		c := conn.NewSerialInstrument()
		c.Configure(dc.InstrumentDataHost, 9600)
		return c, nil
	case config.InstrumentRSN:
		c := conn.NewRSNInstrument()
		c.Configure(dc.InstrumentDataHost, dc.InstrumentDataPort, dc.InstrumentDataHost, dc.InstrumentCommandPort)
		return c, nil
	case config.InstrumentBotpt:
		c := conn.NewBotptInstrument()
		c.Configure(dc.InstrumentDataHost, dc.InstrumentDataPort, dc.InstrumentDataHost, dc.InstrumentCommandPort)
		return c, nil
	default:
		return nil, fmt.Errorf("agent: unknown instrument_type %q", dc.InstrumentType)
	}
}

// drainRemaining flushes any buffered-but-not-yet-ready data on shutdown,
// per the cancellation rule in spec §4.H: the loop exits after completing
// the current cycle and draining remaining buffered data.
func (a *Agent) drainRemaining() {
	now := time.Now()
	for _, b := range []*protocol.Buffered{a.inbound, a.fromDriver, a.configBuf} {
		if b == nil {
			continue
		}
		b.Tick(now)
		if pkt, ok := b.Drain(); ok {
			a.publishers.Publish(pkt)
		}
	}
}
