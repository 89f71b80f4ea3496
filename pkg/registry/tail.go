// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package registry

import "sync"

// DefaultTailCap bounds the per-participant console tail.
const DefaultTailCap = 100

// NewTail returns an empty bounded line buffer.
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = DefaultTailCap
	}
	return &Tail{capacity: capacity}
}

// Tail keeps the most recent browser console lines of a participant for
// the admin dashboard. Old lines fall off the front.
type Tail struct {
	mux      sync.Mutex
	capacity int
	lines    []string
}

// Append adds a line, evicting the oldest when full.
func (t *Tail) Append(line string) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.capacity {
		t.lines = t.lines[len(t.lines)-t.capacity:]
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (t *Tail) Lines() []string {
	t.mux.Lock()
	defer t.mux.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
