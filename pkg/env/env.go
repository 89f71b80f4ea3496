// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package env

import (
	. "github.com/interactive-gym/session-engine/pkg/types"
)

// StepResult is the multi-agent outcome of a single environment step.
// Observations and infos are opaque beyond JSON-serializability.
type StepResult struct {
	Observation interface{}
	Rewards     map[PlayerID]float64
	Terminated  map[PlayerID]bool
	Truncated   map[PlayerID]bool
	Infos       map[PlayerID]map[string]interface{}
}

// Done reports whether any player reached a terminal or truncated state.
func (r *StepResult) Done() bool {
	for _, t := range r.Terminated {
		if t {
			return true
		}
	}
	for _, t := range r.Truncated {
		if t {
			return true
		}
	}
	return false
}

// Environment is the abstract simulator the engine drives. Implementations
// must be deterministic: identical action sequences from identical reset
// states must produce identical results on every peer.
type Environment interface {
	Reset() (interface{}, error)
	Step(actions ActionMap) (*StepResult, error)
}

// Stateful is implemented by environments that can snapshot and restore
// their full simulation state. Rollback and resync require it; its absence
// disables rollback.
type Stateful interface {
	GetState() (interface{}, error)
	SetState(state interface{}) error
}

// Renderable is implemented by environments that can produce a render
// payload for thin clients. Required in server-authoritative mode.
type Renderable interface {
	Render(mode string) (interface{}, error)
}

// BotPolicy computes the action of a scripted player for the current frame.
// Policies must be deterministic functions of the observation and frame.
type BotPolicy interface {
	Act(frame int, observation interface{}) Action
}
