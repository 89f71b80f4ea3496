// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/fsm"
	"github.com/interactive-gym/session-engine/pkg/transport"
	. "github.com/interactive-gym/session-engine/pkg/types"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

// Config wires the registry to the transport hub and the message bus.
type Config struct {
	Bus                mb.MessageBus
	Hub                *transport.Hub
	Scenes             []SceneConfig
	EntryCallback      EligibilityCallback
	ContinuousCallback EligibilityCallback
	EntryTimeout       time.Duration
	WaitroomTimeout    time.Duration
	ReconnectGrace     time.Duration
	ConsoleTailCap     int
	Logger             *zap.SugaredLogger
}

// NewRegistry returns an empty participant registry.
func NewRegistry(conf *Config) *Registry {
	if conf.EntryTimeout == 0 {
		conf.EntryTimeout = DefaultEntryTimeout
	}
	return &Registry{
		conf:              conf,
		participants:      map[SubjectID]*Participant{},
		subjectToGame:     map[SubjectID]uuid.UUID{},
		subjectToWaitroom: map[SubjectID]string{},
	}
}

// Registry owns the participant table and the per-subject indexes into
// games and waitrooms. All mutating operations re-validate the indexes.
type Registry struct {
	conf              *Config
	mux               sync.Mutex
	participants      map[SubjectID]*Participant
	subjectToGame     map[SubjectID]uuid.UUID
	subjectToWaitroom map[SubjectID]string
}

// Admit creates a participant in the connected state and pushes the
// experiment configuration to the browser.
func (r *Registry) Admit(subject SubjectID, conn uuid.UUID, meta CallbackContext) (*Participant, error) {
	r.mux.Lock()
	if existing, ok := r.participants[subject]; ok {
		// Same subject on a fresh transport: keep the machine, swap the conn.
		existing.Conn = conn
		r.mux.Unlock()
		return existing, nil
	}
	r.mux.Unlock()

	meta.Subject = subject
	p, err := newParticipant(subject, conn, meta,
		r.conf.WaitroomTimeout, r.conf.ReconnectGrace, r.conf.ConsoleTailCap,
		func(state string) { r.handleStateTimeout(subject, state) },
		func(state string) {
			r.handleStateChange(subject, state)
			r.conf.Bus.Publish(RegistryEventsTopic, subject, state)
		},
		r.conf.Logger)
	if err != nil {
		return nil, err
	}
	r.mux.Lock()
	r.participants[subject] = p
	r.mux.Unlock()

	r.conf.Hub.Send(conn, MsgExperimentConfig, map[string]interface{}{
		"sceneSequence": r.conf.Scenes,
	})
	r.emitActivity(ActivityJoin, subject, nil)
	return p, nil
}

// Get returns the participant of a subject, or nil.
func (r *Registry) Get(subject SubjectID) *Participant {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.participants[subject]
}

// All returns a snapshot of the participant table.
func (r *Registry) All() []*Participant {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// CurrentScene returns the scene the subject is on. The second return is
// false when the sequence is exhausted.
func (r *Registry) CurrentScene(subject SubjectID) (SceneConfig, bool) {
	p := r.Get(subject)
	if p == nil {
		return SceneConfig{}, false
	}
	idx := p.SceneIndex()
	if idx >= len(r.conf.Scenes) {
		return SceneConfig{}, false
	}
	return r.conf.Scenes[idx], true
}

// AdvanceScene moves the subject to the next scene. Gym scenes run the
// entry eligibility callback (fail-open) and enter the waitroom or, for
// single-human scenes, go straight to the game. Exhausting the sequence
// completes the participant.
func (r *Registry) AdvanceScene(subject SubjectID) error {
	p := r.Get(subject)
	if p == nil {
		return fmt.Errorf("unknown subject %s", subject)
	}
	if scene, ok := r.CurrentScene(subject); ok {
		p.closeScene(scene.ID)
	}
	next, ok := r.CurrentScene(subject)
	if !ok {
		p.Machine.Write(&fsm.Event{Name: EventCompleted, Subject: string(subject)})
		r.emitActivity(ActivitySceneAdvance, subject, map[string]interface{}{"completed": true})
		return nil
	}
	r.emitActivity(ActivitySceneAdvance, subject, map[string]interface{}{"scene": next.ID})

	if !next.IsGym() {
		p.Machine.Write(&fsm.Event{Name: EventSceneAdvance, Subject: string(subject)})
		return nil
	}

	ctx := p.Meta
	ctx.Scene = next.ID
	decision := decideWithDeadline(r.conf.EntryCallback, ctx, r.conf.EntryTimeout, r.conf.Logger)
	if decision.Exclude {
		r.conf.Logger.Infof("subject %s excluded by entry callback: %s", subject, decision.Message)
		r.conf.Hub.Send(p.Conn, MsgWaitingRoomError, map[string]string{"message": decision.Message})
		return r.Terminate(subject, ReasonExcluded)
	}
	if next.NumHumans <= 1 {
		p.Machine.Write(&fsm.Event{Name: EventMatchFormed, Subject: string(subject)})
		return nil
	}
	r.mux.Lock()
	r.subjectToWaitroom[subject] = next.ID
	r.mux.Unlock()
	p.Machine.Write(&fsm.Event{Name: EventEnterWaitroom, Subject: string(subject)})
	r.conf.Hub.Send(p.Conn, MsgWaitingRoom, map[string]string{"scene": next.ID})
	return nil
}

// BindGame records the subject's membership in a session and transitions
// it into the game.
func (r *Registry) BindGame(subject SubjectID, sessionID uuid.UUID) {
	r.mux.Lock()
	r.subjectToGame[subject] = sessionID
	delete(r.subjectToWaitroom, subject)
	r.mux.Unlock()
	if p := r.Get(subject); p != nil {
		p.Machine.Write(&fsm.Event{Name: EventMatchFormed, Subject: string(subject)})
	}
	r.emitActivity(ActivityGameStart, subject, map[string]interface{}{"sessionId": sessionID.String()})
}

// UnbindGame clears the game index after a session ended and returns the
// subject to the connected state.
func (r *Registry) UnbindGame(subject SubjectID) {
	r.mux.Lock()
	delete(r.subjectToGame, subject)
	r.mux.Unlock()
	if p := r.Get(subject); p != nil && p.State() == StateInGame {
		p.Machine.Write(&fsm.Event{Name: EventSceneAdvance, Subject: string(subject)})
	}
	r.emitActivity(ActivityGameEnd, subject, nil)
}

// GameOf returns the session the subject is in, if any.
func (r *Registry) GameOf(subject SubjectID) (uuid.UUID, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	id, ok := r.subjectToGame[subject]
	return id, ok
}

// RecordDisconnect reacts to a transport drop. In-game subjects get the
// reconnect grace window; everyone else is terminal.
func (r *Registry) RecordDisconnect(subject SubjectID) {
	p := r.Get(subject)
	if p == nil {
		return
	}
	p.Machine.Write(&fsm.Event{Name: EventTransportDrop, Subject: string(subject)})
	r.emitActivity(ActivityDisconnect, subject, nil)
}

// RecordReconnect swaps in the fresh transport within the grace window.
func (r *Registry) RecordReconnect(subject SubjectID, conn uuid.UUID) error {
	p := r.Get(subject)
	if p == nil {
		return fmt.Errorf("unknown subject %s", subject)
	}
	if p.State() != StateDisconnectedReconnecting {
		return fmt.Errorf("subject %s is not awaiting reconnection (state %s)", subject, p.State())
	}
	p.Conn = conn
	p.Machine.Write(&fsm.Event{Name: EventReconnected, Subject: string(subject)})
	r.emitActivity(ActivityReconnect, subject, nil)
	return nil
}

// Terminate removes the subject from all indexes and stops its machine.
func (r *Registry) Terminate(subject SubjectID, reason string) error {
	p := r.Get(subject)
	if p == nil {
		return fmt.Errorf("unknown subject %s", subject)
	}
	p.Machine.Write(&fsm.Event{Name: EventExcluded, Subject: string(subject)})
	r.mux.Lock()
	delete(r.subjectToGame, subject)
	delete(r.subjectToWaitroom, subject)
	r.mux.Unlock()
	if reason == ReasonExcluded {
		r.emitActivity(ActivityExclude, subject, map[string]string{"reason": reason})
	}
	p.stop()
	return nil
}

// ContinuousCheck runs the in-game eligibility callback. Called by the
// session layer every scene-configured number of frames.
func (r *Registry) ContinuousCheck(subject SubjectID, scene string, frame, episode int, focused bool, backgroundMs int) CallbackDecision {
	p := r.Get(subject)
	if p == nil {
		return CallbackDecision{}
	}
	ctx := p.Meta
	ctx.Scene = scene
	ctx.Frame = frame
	ctx.Episode = episode
	ctx.Focused = focused
	ctx.BackgroundDuration = backgroundMs
	decision := decideWithDeadline(r.conf.ContinuousCallback, ctx, r.conf.EntryTimeout, r.conf.Logger)
	if decision.Warn {
		r.conf.Logger.Warnf("continuous callback warning for %s: %s", subject, decision.Message)
	}
	return decision
}

// ValidateIndexes auto-cleans orphaned game entries: subjects claiming a
// session the supervisor no longer knows. The affected browser gets a
// corrective waiting_room_error.
func (r *Registry) ValidateIndexes(sessionExists func(uuid.UUID) bool) {
	r.mux.Lock()
	orphans := []SubjectID{}
	for subject, sessionID := range r.subjectToGame {
		if !sessionExists(sessionID) {
			orphans = append(orphans, subject)
			delete(r.subjectToGame, subject)
		}
	}
	r.mux.Unlock()
	for _, subject := range orphans {
		r.conf.Logger.Warnf("state_validation: subject %s referenced a dead session, auto-cleaned", subject)
		if p := r.Get(subject); p != nil {
			r.conf.Hub.Send(p.Conn, MsgWaitingRoomError, map[string]string{
				"message": "Your game is no longer available. Please rejoin the waiting room.",
			})
		}
	}
}

// handleStateTimeout turns state-timer expiries into lifecycle events.
func (r *Registry) handleStateTimeout(subject SubjectID, state string) {
	p := r.Get(subject)
	if p == nil {
		return
	}
	switch state {
	case StateInWaitroom:
		r.conf.Logger.Infof("subject %s timed out in the waitroom", subject)
		r.conf.Hub.Send(p.Conn, MsgWaitingRoomError, map[string]string{
			"message": "No partner was found in time.",
		})
		p.Machine.Write(&fsm.Event{Name: EventWaitTimeout, Subject: string(subject)})
	case StateDisconnectedReconnecting:
		r.conf.Logger.Infof("reconnect grace of subject %s expired", subject)
		p.Machine.Write(&fsm.Event{Name: EventGraceExpired, Subject: string(subject)})
	}
}

// handleStateChange keeps the indexes in step with the lifecycle. A subject
// leaving the active states must not stay listed in a waitroom, or a later
// arrival could be matched against it.
func (r *Registry) handleStateChange(subject SubjectID, state string) {
	switch state {
	case StateDisconnectedTerminal, StateCompleted:
		r.mux.Lock()
		delete(r.subjectToWaitroom, subject)
		r.mux.Unlock()
	}
}

// emitActivity publishes one admin feed entry on the activity topic.
func (r *Registry) emitActivity(kind string, subject SubjectID, payload interface{}) {
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	r.conf.Bus.Publish(ActivityTopic, ActivityEvent{
		Kind:      kind,
		Subject:   subject,
		Timestamp: time.Now(),
		Payload:   raw,
	})
}
