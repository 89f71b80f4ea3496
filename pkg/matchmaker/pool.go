// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package matchmaker forms pairs from the waiting pool under an upper bound
// on the estimated peer-to-peer round-trip time. RTT estimates come from a
// short-lived probe protocol; candidates without an estimate match
// unconstrained.
package matchmaker

import (
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/interactive-gym/session-engine/pkg/types"
)

// Candidate is one waiting participant.
type Candidate struct {
	Subject    SubjectID
	Conn       uuid.UUID
	SceneID    string
	EnqueuedAt time.Time
	// RTTMs is the estimated one-sided round-trip contribution in
	// milliseconds; nil means unknown and matches fail-open.
	RTTMs *float64
}

// NewPool returns an empty waiting pool.
func NewPool() *Pool {
	return &Pool{members: map[SubjectID]*Candidate{}}
}

// Pool is the insertion-ordered waiting set, keyed by subject.
// Re-insertion is idempotent and keeps the original position.
type Pool struct {
	mux     sync.Mutex
	order   []SubjectID
	members map[SubjectID]*Candidate
}

// Add inserts a candidate. Returns false if the subject already waits;
// the existing entry and its position are kept.
func (p *Pool) Add(c *Candidate) bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	if _, ok := p.members[c.Subject]; ok {
		return false
	}
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = time.Now()
	}
	p.members[c.Subject] = c
	p.order = append(p.order, c.Subject)
	return true
}

// Remove drops a subject from the pool, if present.
func (p *Pool) Remove(subject SubjectID) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if _, ok := p.members[subject]; !ok {
		return
	}
	delete(p.members, subject)
	for i, s := range p.order {
		if s == subject {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// SetRTT updates a waiting candidate's RTT estimate.
func (p *Pool) SetRTT(subject SubjectID, rttMs *float64) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if c, ok := p.members[subject]; ok {
		c.RTTMs = rttMs
	}
}

// Get returns the waiting candidate of a subject, or nil.
func (p *Pool) Get(subject SubjectID) *Candidate {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.members[subject]
}

// Oldest returns up to n candidates in arrival order, excluding the given
// subject. These are the probe targets for a new arrival.
func (p *Pool) Oldest(n int, exclude SubjectID) []*Candidate {
	p.mux.Lock()
	defer p.mux.Unlock()
	out := []*Candidate{}
	for _, s := range p.order {
		if s == exclude {
			continue
		}
		out = append(out, p.members[s])
		if len(out) == n {
			break
		}
	}
	return out
}

// InOrder returns all candidates in arrival order.
func (p *Pool) InOrder() []*Candidate {
	p.mux.Lock()
	defer p.mux.Unlock()
	out := make([]*Candidate, 0, len(p.order))
	for _, s := range p.order {
		out = append(out, p.members[s])
	}
	return out
}

// Len returns the number of waiting candidates.
func (p *Pool) Len() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return len(p.order)
}
