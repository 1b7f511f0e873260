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

package publish

import (
	"sync"

	"github.com/deverett/port-agent/protocol"
	log "github.com/sirupsen/logrus"
)

// List is the ordered set of publishers the core core broadcasts every
// packet to, per spec §4.G. It owns its publishers; publishers do not own
// their sinks.
type List struct {
	mu         sync.Mutex
	publishers []*Publisher
}

// NewList returns an empty publisher list.
func NewList() *List {
	return &List{}
}

// Add appends p to the list. Insertion order is publish order.
func (l *List) Add(p *Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.publishers = append(l.publishers, p)
}

// Remove drops p from the list, if present.
func (l *List) Remove(p *Publisher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.publishers {
		if q == p {
			l.publishers = append(l.publishers[:i], l.publishers[i+1:]...)
			return
		}
	}
}

// Publishers returns a snapshot of the current publisher list, in
// insertion order.
func (l *List) Publishers() []*Publisher {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Publisher, len(l.publishers))
	copy(out, l.publishers)
	return out
}

// Publish broadcasts pkt to every publisher in insertion order. Per-
// publisher errors are logged and converted into a PORT_AGENT_FAULT
// packet that is re-published to the list, at a recursion depth of
// exactly one: fault packets produced by this call are never themselves
// re-faulted, per spec §4.F.
func (l *List) Publish(pkt protocol.Packet) {
	l.publish(pkt, true)
}

func (l *List) publish(pkt protocol.Packet, allowFault bool) {
	for _, p := range l.Publishers() {
		if err := p.Publish(pkt); err != nil {
			log.Warningf("publisher %s: %v", p.Kind(), err)
			if allowFault {
				l.raiseFault(err.Error())
			}
		}
	}
}

func (l *List) raiseFault(reason string) {
	fault, err := protocol.BuildRaw(protocol.PortAgentFault, protocol.Now(), []byte(reason))
	if err != nil {
		log.Errorf("publish: failed to build fault packet: %v", err)
		return
	}
	// allowFault=false caps recursion at depth one.
	l.publish(fault, false)
}
