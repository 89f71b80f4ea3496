// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package env

import (
	"errors"
	"fmt"

	. "github.com/interactive-gym/session-engine/pkg/types"
)

// GridWalk actions.
const (
	ActIdle  Action = 0
	ActLeft  Action = 1
	ActRight Action = 2
)

// GridWalkState is the full, JSON-serializable simulation state.
type GridWalkState struct {
	Positions map[PlayerID]int     `json:"positions"`
	Scores    map[PlayerID]float64 `json:"scores"`
	Steps     int                  `json:"steps"`
}

// GridWalk is a deterministic two-player walking environment used by the
// test suite and the simclient harness. Players move on a line of Width
// cells chasing a target cell that hops deterministically with the step
// counter. Landing on the target scores; the episode terminates when both
// players stand on the target in the same step, and truncates at MaxSteps.
type GridWalk struct {
	Width    int
	MaxSteps int
	Players  []PlayerID

	state GridWalkState
}

// NewGridWalk returns a fresh environment for the given player set.
func NewGridWalk(width, maxSteps int, players []PlayerID) *GridWalk {
	g := &GridWalk{Width: width, MaxSteps: maxSteps, Players: players}
	g.Reset()
	return g
}

// Reset places every player at the center of the line and zeroes the scores.
func (g *GridWalk) Reset() (interface{}, error) {
	g.state = GridWalkState{
		Positions: map[PlayerID]int{},
		Scores:    map[PlayerID]float64{},
		Steps:     0,
	}
	for _, p := range g.Players {
		g.state.Positions[p] = g.Width / 2
		g.state.Scores[p] = 0
	}
	return g.observation(), nil
}

// Step advances the walk by one frame. Missing actions default to idle.
func (g *GridWalk) Step(actions ActionMap) (*StepResult, error) {
	if g.state.Positions == nil {
		return nil, errors.New("gridwalk: Step before Reset")
	}
	g.state.Steps++
	target := g.target()
	res := &StepResult{
		Rewards:    map[PlayerID]float64{},
		Terminated: map[PlayerID]bool{},
		Truncated:  map[PlayerID]bool{},
		Infos:      map[PlayerID]map[string]interface{}{},
	}
	onTarget := 0
	for _, p := range g.Players {
		pos := g.state.Positions[p]
		switch actions[p] {
		case ActLeft:
			if pos > 0 {
				pos--
			}
		case ActRight:
			if pos < g.Width-1 {
				pos++
			}
		}
		g.state.Positions[p] = pos
		reward := 0.0
		if pos == target {
			reward = 1.0 / 3.0 // fractional on purpose, exercises float canonicalization
			onTarget++
		}
		g.state.Scores[p] += reward
		res.Rewards[p] = reward
		res.Infos[p] = map[string]interface{}{
			"position": pos,
			"target":   target,
			"score":    g.state.Scores[p],
		}
	}
	terminated := onTarget == len(g.Players)
	truncated := !terminated && g.state.Steps >= g.MaxSteps
	for _, p := range g.Players {
		res.Terminated[p] = terminated
		res.Truncated[p] = truncated
	}
	res.Observation = g.observation()
	return res, nil
}

// GetState returns a deep copy of the simulation state.
func (g *GridWalk) GetState() (interface{}, error) {
	return copyState(g.state), nil
}

// SetState restores a state previously returned by GetState.
func (g *GridWalk) SetState(state interface{}) error {
	s, ok := state.(GridWalkState)
	if !ok {
		return fmt.Errorf("gridwalk: unexpected state type %T", state)
	}
	g.state = copyState(s)
	return nil
}

// Render returns the current positions for thin clients.
func (g *GridWalk) Render(mode string) (interface{}, error) {
	return g.observation(), nil
}

func (g *GridWalk) observation() map[string]interface{} {
	positions := map[string]int{}
	for p, pos := range g.state.Positions {
		positions[fmt.Sprintf("%d", p)] = pos
	}
	return map[string]interface{}{
		"positions": positions,
		"target":    g.target(),
		"steps":     g.state.Steps,
	}
}

// target hops around the line as a pure function of the step counter.
func (g *GridWalk) target() int {
	return (g.state.Steps * 7) % g.Width
}

func copyState(s GridWalkState) GridWalkState {
	out := GridWalkState{
		Positions: make(map[PlayerID]int, len(s.Positions)),
		Scores:    make(map[PlayerID]float64, len(s.Scores)),
		Steps:     s.Steps,
	}
	for p, v := range s.Positions {
		out.Positions[p] = v
	}
	for p, v := range s.Scores {
		out.Scores[p] = v
	}
	return out
}

// ChaseBot is a deterministic bot policy that walks toward the target cell.
type ChaseBot struct {
	Me PlayerID
}

// Act moves toward the target using only the shared observation.
func (b ChaseBot) Act(frame int, observation interface{}) Action {
	obs, ok := observation.(map[string]interface{})
	if !ok {
		return ActIdle
	}
	positions, ok := obs["positions"].(map[string]int)
	if !ok {
		return ActIdle
	}
	target, _ := obs["target"].(int)
	pos := positions[fmt.Sprintf("%d", b.Me)]
	switch {
	case pos < target:
		return ActRight
	case pos > target:
		return ActLeft
	default:
		return ActIdle
	}
}
