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
Package metrics exposes the port agent's internal counters as Prometheus
metrics on the monitoring HTTP port. This is ambient observability, not a
named spec component; it is added per SPEC_FULL.md's DOMAIN STACK section.
*/
package metrics

import (
	"fmt"
	"net/http"

	"github.com/deverett/port-agent/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics holds the registered Prometheus collectors for one port agent
// process.
type Metrics struct {
	registry *prometheus.Registry

	packetsByType *prometheus.CounterVec
	heartbeats    prometheus.Counter
	faults        prometheus.Counter
	reconnects    prometheus.Counter
}

// New registers and returns a fresh Metrics instance.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		packetsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "port_agent_packets_total",
			Help: "Number of heartbeat and fault packets built by the agent core, by packet type; data packets are not counted.",
		}, []string{"type"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "port_agent_heartbeats_total",
			Help: "Number of heartbeat packets emitted.",
		}),
		faults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "port_agent_faults_total",
			Help: "Number of fault packets built by the agent core.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "port_agent_reconnects_total",
			Help: "Number of instrument connection reinitialize attempts.",
		}),
	}

	reg.MustRegister(m.packetsByType, m.heartbeats, m.faults, m.reconnects)
	return m
}

// ObservePacket increments the per-type packet counter, and the
// heartbeat/fault counters when applicable.
func (m *Metrics) ObservePacket(typ protocol.PacketType) {
	m.packetsByType.WithLabelValues(typ.String()).Inc()
	switch typ {
	case protocol.PortAgentHeartbeat:
		m.heartbeats.Inc()
	case protocol.PortAgentFault:
		m.faults.Inc()
	}
}

// ObserveReconnect increments the reconnect counter.
func (m *Metrics) ObserveReconnect() {
	m.reconnects.Inc()
}

// Start serves /metrics on the given port until the process exits.
func (m *Metrics) Start(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Infof("metrics: serving on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics: server stopped: %v", err)
	}
}
