// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package rollback

import (
	"fmt"
	"sort"

	. "github.com/interactive-gym/session-engine/pkg/types"
)

// FrameRecord is the canonical per-frame data row. A record lives either in
// the speculative buffer or in the confirmed buffer, never both.
type FrameRecord struct {
	Frame          int
	Actions        map[PlayerID]Action
	Rewards        map[PlayerID]float64
	Terminated     map[PlayerID]bool
	Truncated      map[PlayerID]bool
	Infos          map[PlayerID]map[string]interface{}
	Focused        map[PlayerID]bool
	WasSpeculative bool
}

// NewRecorder returns an empty dual-buffer recorder.
func NewRecorder() *Recorder {
	return &Recorder{speculative: map[int]*FrameRecord{}}
}

// Recorder implements the dual-buffer data capture: speculative writes never
// leak into export; the confirmed buffer is append-only after promotion and
// is the sole source for the episode export.
type Recorder struct {
	speculative map[int]*FrameRecord
	confirmed   []*FrameRecord
}

// RecordSpeculative stores or overwrites the speculative record of a frame.
// Rollback replay overwrites records for replayed frames.
func (r *Recorder) RecordSpeculative(rec *FrameRecord) {
	r.speculative[rec.Frame] = rec
}

// Promote moves the speculative record of the frame into the confirmed
// buffer. Promotion must happen in frame order.
func (r *Recorder) Promote(frame int) error {
	rec, ok := r.speculative[frame]
	if !ok {
		return fmt.Errorf("promote: no speculative record for frame %d", frame)
	}
	if len(r.confirmed) != frame {
		return fmt.Errorf("promote: frame %d out of order, confirmed rows %d", frame, len(r.confirmed))
	}
	delete(r.speculative, frame)
	r.confirmed = append(r.confirmed, rec)
	return nil
}

// ForcePromoteBelow promotes every remaining speculative record strictly
// below the boundary, in frame order, tagging them as speculative in origin.
// At the episode boundary both peers have executed identical steps, so the
// unconfirmed data is correct, just unacknowledged. Returns the frames that
// were force-promoted.
func (r *Recorder) ForcePromoteBelow(boundary int) []int {
	frames := []int{}
	for f := range r.speculative {
		if f < boundary {
			frames = append(frames, f)
		}
	}
	sort.Ints(frames)
	promoted := []int{}
	for _, f := range frames {
		rec := r.speculative[f]
		if len(r.confirmed) != f {
			break
		}
		rec.WasSpeculative = true
		delete(r.speculative, f)
		r.confirmed = append(r.confirmed, rec)
		promoted = append(promoted, f)
	}
	return promoted
}

// TrimAtOrAfter drops every record with frame >= boundary from both buffers.
// Frames at or past the agreed termination frame are never exported.
func (r *Recorder) TrimAtOrAfter(boundary int) {
	for f := range r.speculative {
		if f >= boundary {
			delete(r.speculative, f)
		}
	}
	for len(r.confirmed) > 0 && r.confirmed[len(r.confirmed)-1].Frame >= boundary {
		r.confirmed = r.confirmed[:len(r.confirmed)-1]
	}
}

// ConfirmedRows returns the confirmed buffer in frame order. The slice is
// shared; callers must not mutate it.
func (r *Recorder) ConfirmedRows() []*FrameRecord {
	return r.confirmed
}

// ConfirmedCount returns the number of confirmed rows.
func (r *Recorder) ConfirmedCount() int { return len(r.confirmed) }

// SpeculativeCount returns the number of speculative rows.
func (r *Recorder) SpeculativeCount() int { return len(r.speculative) }

// Reset clears both buffers for the next episode.
func (r *Recorder) Reset() {
	r.speculative = map[int]*FrameRecord{}
	r.confirmed = nil
}
