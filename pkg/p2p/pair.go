// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package p2p provides data-channel implementations of the rollback engine's
// Channel interface. The in-memory pair injects configurable latency and
// loss and backs the simclient harness and the end-to-end scenarios; real
// deployments substitute a WebRTC DataChannel owned by the browser runtime.
package p2p

import (
	"math/rand"
	"sync"
	"time"

	"github.com/interactive-gym/session-engine/pkg/rollback"
)

// PairConfig controls the simulated link.
type PairConfig struct {
	// Latency delays every delivered datagram one way.
	Latency time.Duration
	// LossRate drops datagrams uniformly at random, 0..1.
	LossRate float64
	// Buffer is the inbound queue length per side.
	Buffer int
	// Seed makes the loss pattern reproducible.
	Seed int64
}

// NewPair returns two connected conduits. Everything side A sends arrives
// at side B after the configured latency, unless lost, and vice versa.
func NewPair(conf PairConfig) (*Conduit, *Conduit) {
	if conf.Buffer == 0 {
		conf.Buffer = 512
	}
	rng := rand.New(rand.NewSource(conf.Seed))
	shared := &linkState{rng: rng, conf: conf}
	a := &Conduit{link: shared, in: make(chan []byte, conf.Buffer)}
	b := &Conduit{link: shared, in: make(chan []byte, conf.Buffer)}
	a.peer, b.peer = b, a
	return a, b
}

type linkState struct {
	mux  sync.Mutex
	rng  *rand.Rand
	conf PairConfig
	down bool
}

func (l *linkState) drop() bool {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.conf.LossRate > 0 && l.rng.Float64() < l.conf.LossRate
}

// Conduit is one side of an in-memory link.
type Conduit struct {
	link      *linkState
	peer      *Conduit
	in        chan []byte
	closeOnce sync.Once
	closed    bool
	mux       sync.Mutex
}

// Send transmits one datagram to the peer, subject to loss and latency.
func (c *Conduit) Send(data []byte) error {
	if !c.Usable() {
		return rollback.ErrChannelFull
	}
	if c.link.drop() {
		return nil
	}
	// Deliver a copy; senders may reuse their buffers.
	msg := make([]byte, len(data))
	copy(msg, data)
	if c.link.conf.Latency <= 0 {
		return c.peer.deliver(msg)
	}
	time.AfterFunc(c.link.conf.Latency, func() {
		c.peer.deliver(msg)
	})
	return nil
}

func (c *Conduit) deliver(msg []byte) error {
	c.mux.Lock()
	closed := c.closed
	c.mux.Unlock()
	if closed {
		return nil
	}
	select {
	case c.in <- msg:
		return nil
	default:
		return rollback.ErrChannelFull
	}
}

// Recv returns the inbound queue.
func (c *Conduit) Recv() <-chan []byte { return c.in }

// Usable reports whether the link is open on both sides.
func (c *Conduit) Usable() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.link.mux.Lock()
	defer c.link.mux.Unlock()
	return !c.closed && !c.link.down
}

// Terminal reports whether the link failed for good.
func (c *Conduit) Terminal() bool {
	c.link.mux.Lock()
	defer c.link.mux.Unlock()
	return c.link.down
}

// Close shuts this side down.
func (c *Conduit) Close() {
	c.closeOnce.Do(func() {
		c.mux.Lock()
		c.closed = true
		c.mux.Unlock()
	})
}

// Fail marks the whole link as irrecoverably broken, emulating a terminal
// ICE state.
func (c *Conduit) Fail() {
	c.link.mux.Lock()
	c.link.down = true
	c.link.mux.Unlock()
}

// SetLossRate adjusts the loss rate mid-run, for scenario scripting.
func (c *Conduit) SetLossRate(rate float64) {
	c.link.mux.Lock()
	c.link.conf.LossRate = rate
	c.link.mux.Unlock()
}
