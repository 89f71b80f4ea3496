// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package rollback

import (
	. "github.com/interactive-gym/session-engine/pkg/types"
)

// pruneWindow is how many frames behind the current frame an input entry
// must be before it becomes a pruning candidate.
const pruneWindow = 60

// BufferedInput is one per-frame action slot of a player.
type BufferedInput struct {
	Action    Action
	Confirmed bool
}

// NewInputBuffer returns an empty buffer for the given human players.
func NewInputBuffer(players []PlayerID) *InputBuffer {
	perPlayer := make(map[PlayerID]map[int]BufferedInput, len(players))
	for _, p := range players {
		perPlayer[p] = map[int]BufferedInput{}
	}
	return &InputBuffer{perPlayer: perPlayer}
}

// InputBuffer holds, per human player, the frame-indexed actions the engine
// knows about: confirmed network inputs and local predictions.
type InputBuffer struct {
	perPlayer map[PlayerID]map[int]BufferedInput
}

// StorePrediction records a predicted action for a frame. Confirmed entries
// are never downgraded.
func (b *InputBuffer) StorePrediction(player PlayerID, frame int, action Action) {
	slots := b.perPlayer[player]
	if existing, ok := slots[frame]; ok && existing.Confirmed {
		return
	}
	slots[frame] = BufferedInput{Action: action}
}

// StoreConfirmed records a confirmed action. It returns true if the entry
// replaced a diverging prediction, i.e. a misprediction that requires a
// rollback to this frame. Re-delivery of an identical confirmed action is a
// no-op (redundant packets are expected).
func (b *InputBuffer) StoreConfirmed(player PlayerID, frame int, action Action) (mispredicted bool) {
	slots, ok := b.perPlayer[player]
	if !ok {
		return false
	}
	existing, present := slots[frame]
	if present && existing.Confirmed {
		return false
	}
	slots[frame] = BufferedInput{Action: action, Confirmed: true}
	return present && existing.Action != action
}

// Get returns the stored action for (player, frame).
func (b *InputBuffer) Get(player PlayerID, frame int) (BufferedInput, bool) {
	in, ok := b.perPlayer[player][frame]
	return in, ok
}

// LastObserved returns the most recent action at or before frame, used for
// repeat-last prediction. The fallback is returned when nothing was seen yet.
func (b *InputBuffer) LastObserved(player PlayerID, frame int, fallback Action) Action {
	slots := b.perPlayer[player]
	for f := frame; f >= 0; f-- {
		if in, ok := slots[f]; ok {
			return in.Action
		}
	}
	return fallback
}

// ConfirmedAt reports whether every listed player has a confirmed action at
// the frame.
func (b *InputBuffer) ConfirmedAt(frame int, players []PlayerID) bool {
	for _, p := range players {
		in, ok := b.perPlayer[p][frame]
		if !ok || !in.Confirmed {
			return false
		}
	}
	return true
}

// HighestFrame returns the newest frame any input is stored for, or -1.
func (b *InputBuffer) HighestFrame(player PlayerID) int {
	max := -1
	for f := range b.perPlayer[player] {
		if f > max {
			max = f
		}
	}
	return max
}

// Prune discards entries that are both old and confirmed-covered:
// frame < current-pruneWindow AND frame <= confirmedFrame. The second
// condition is critical; pruning unconfirmed frames creates gaps that stall
// confirmation and silently corrupt the exported trace.
func (b *InputBuffer) Prune(current, confirmedFrame int) {
	for _, slots := range b.perPlayer {
		for f := range slots {
			if f < current-pruneWindow && f <= confirmedFrame {
				delete(slots, f)
			}
		}
	}
}

// Size returns the total number of buffered entries, for telemetry.
func (b *InputBuffer) Size() int {
	n := 0
	for _, slots := range b.perPlayer {
		n += len(slots)
	}
	return n
}
