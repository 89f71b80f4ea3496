// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package scenes validates and walks the ordered scene sequence an
// experiment routes its participants through.
package scenes

import (
	"fmt"

	. "github.com/interactive-gym/session-engine/pkg/types"
)

// Sequence is an ordered, validated list of scenes. The zero value is an
// empty sequence.
type Sequence struct {
	scenes []SceneConfig
}

// NewSequence validates the scene list. Scene ids must be unique and gym
// scenes need a playable shape.
func NewSequence(scenes []SceneConfig) (*Sequence, error) {
	seen := map[string]bool{}
	for i, s := range scenes {
		if s.ID == "" {
			return nil, fmt.Errorf("scene %d has no id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate scene id %q", s.ID)
		}
		seen[s.ID] = true
		switch s.Kind {
		case SceneKindStatic:
		case SceneKindGym:
			if s.NumHumans < 1 {
				return nil, fmt.Errorf("gym scene %q needs at least one human", s.ID)
			}
			if s.NumHumans > 2 {
				return nil, fmt.Errorf("gym scene %q exceeds the supported group size of 2", s.ID)
			}
			if s.MaxSteps <= 0 {
				return nil, fmt.Errorf("gym scene %q needs a positive maxSteps", s.ID)
			}
			if s.FrameRateHz <= 0 {
				return nil, fmt.Errorf("gym scene %q needs a positive frame rate", s.ID)
			}
		default:
			return nil, fmt.Errorf("scene %q has unknown kind %q", s.ID, s.Kind)
		}
	}
	return &Sequence{scenes: scenes}, nil
}

// Len returns the number of scenes.
func (s *Sequence) Len() int { return len(s.scenes) }

// At returns the scene at the index. The second return is false past the
// end, which completes the participant.
func (s *Sequence) At(i int) (SceneConfig, bool) {
	if i < 0 || i >= len(s.scenes) {
		return SceneConfig{}, false
	}
	return s.scenes[i], true
}

// Scenes returns the underlying list.
func (s *Sequence) Scenes() []SceneConfig { return s.scenes }

// FirstGym returns the index of the first gym scene, or -1.
func (s *Sequence) FirstGym() int {
	for i, sc := range s.scenes {
		if sc.IsGym() {
			return i
		}
	}
	return -1
}
