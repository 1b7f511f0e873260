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

package protocol

import (
	"bytes"
	"time"
)

// DefaultMaxPayload and DefaultFlushTimeout are the typical buffered packet
// parameters named in spec §4.C.
const (
	DefaultMaxPayload   = 4096
	DefaultFlushTimeout = 40 * time.Millisecond
)

// Buffered accumulates streamed bytes into a Packet of bounded size. It is
// a single-producer accumulator: Push and Tick must not be called
// concurrently. See spec §4.C.
type Buffered struct {
	typ          PacketType
	maxPayload   int
	flushTimeout time.Duration
	sentinel     []byte

	pending       []byte
	firstByteTime time.Time
	lastPushTime  time.Time
	ready         bool
}

// NewBuffered creates an empty, OPEN accumulator for the given packet type.
// sentinel may be nil, meaning no sentinel-triggered flush.
func NewBuffered(typ PacketType, maxPayload int, flushTimeout time.Duration, sentinel []byte) *Buffered {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if maxPayload > MaxPayloadSize {
		maxPayload = MaxPayloadSize
	}
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	return &Buffered{
		typ:          typ,
		maxPayload:   maxPayload,
		flushTimeout: flushTimeout,
		sentinel:     sentinel,
	}
}

// Push appends bytes read from the stream at time now, testing the flush
// conditions of spec §4.C in order: size, then sentinel, then timeout.
func (b *Buffered) Push(p []byte, now time.Time) {
	if len(p) == 0 {
		return
	}
	if len(b.pending) == 0 {
		b.firstByteTime = now
	}
	b.lastPushTime = now
	b.pending = append(b.pending, p...)
	b.evaluate(now)
}

// Tick re-evaluates only the timeout rule, so a quiescent stream with
// pending bytes still flushes even without new input.
func (b *Buffered) Tick(now time.Time) {
	if b.ready || len(b.pending) == 0 {
		return
	}
	if now.Sub(b.firstByteTime) >= b.flushTimeout {
		b.ready = true
	}
}

func (b *Buffered) evaluate(now time.Time) {
	switch {
	case len(b.pending) >= b.maxPayload:
		b.ready = true
	case len(b.sentinel) > 0 && bytes.HasSuffix(b.pending, b.sentinel):
		b.ready = true
	case now.Sub(b.firstByteTime) >= b.flushTimeout:
		b.ready = true
	}
}

// Ready reports whether the accumulator has transitioned to READY and has
// a packet available to Drain.
func (b *Buffered) Ready() bool {
	return b.ready
}

// Drain produces one Raw Packet from the accumulated bytes (capped at
// maxPayload; any excess is retained for the next packet) and resets the
// accumulator to OPEN. Drain is a no-op returning false if not Ready.
func (b *Buffered) Drain() (Packet, bool) {
	if !b.ready {
		return Packet{}, false
	}

	n := len(b.pending)
	if n > b.maxPayload {
		n = b.maxPayload
	}
	payload := b.pending[:n]
	ts := FromTime(b.firstByteTime)

	pkt, err := BuildRaw(b.typ, ts, payload)

	remainder := b.pending[n:]
	b.pending = append([]byte(nil), remainder...)
	b.ready = false
	if len(b.pending) > 0 {
		b.firstByteTime = b.lastPushTime
		b.evaluate(b.lastPushTime)
	} else {
		b.firstByteTime = time.Time{}
	}

	if err != nil {
		// BuildRaw only fails on oversized payload or Unknown type, both of
		// which are prevented by construction (typ is fixed and n <= maxPayload
		// <= MaxPayloadSize). Treat as unreachable in steady state.
		return Packet{}, false
	}
	return pkt, true
}

// Pending reports the number of bytes currently held, for diagnostics.
func (b *Buffered) Pending() int {
	return len(b.pending)
}
