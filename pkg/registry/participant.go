// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package registry enforces the participant state machine and is the single
// source of truth for who is where. Every transition emits an activity
// event for the admin feed.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/fsm"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"
)

// defaultStateTimeout is the machine-wide state timeout for states that
// have no bounded dwell time of their own.
const defaultStateTimeout = 24 * time.Hour

// Participant is one admitted subject and its lifecycle machine.
type Participant struct {
	Subject     SubjectID
	Conn        uuid.UUID
	Machine     *fsm.FSM
	Meta        CallbackContext
	ConsoleTail *Tail

	mux            sync.Mutex
	sceneIndex     int
	sceneEnteredAt time.Time
	sceneTimings   map[string]time.Duration
	cancel         context.CancelFunc
}

// SceneIndex returns the index of the scene the participant is on.
func (p *Participant) SceneIndex() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.sceneIndex
}

// State returns the current lifecycle state.
func (p *Participant) State() string { return p.Machine.Current() }

// SceneTimings returns a copy of the time spent per completed scene.
func (p *Participant) SceneTimings() map[string]time.Duration {
	p.mux.Lock()
	defer p.mux.Unlock()
	out := make(map[string]time.Duration, len(p.sceneTimings))
	for k, v := range p.sceneTimings {
		out[k] = v
	}
	return out
}

// closeScene records the dwell time of the scene being left.
func (p *Participant) closeScene(sceneID string) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if !p.sceneEnteredAt.IsZero() {
		p.sceneTimings[sceneID] += time.Since(p.sceneEnteredAt)
	}
	p.sceneEnteredAt = time.Now()
	p.sceneIndex++
}

// lifecycleTransitions builds the participant machine. The waitroom and the
// reconnect grace window are the only states with a bounded dwell time.
func lifecycleTransitions(waitroomTimeout, reconnectGrace time.Duration) []*fsm.Transition {
	return []*fsm.Transition{
		fsm.WhenIn(StateConnected).GotEvent(EventSceneAdvance).Stay(),
		fsm.WhenIn(StateConnected).GotEvent(EventEnterWaitroom).GoTo(StateInWaitroom).WithTimeout(waitroomTimeout),
		fsm.WhenIn(StateConnected).GotEvent(EventMatchFormed).GoTo(StateInGame),
		fsm.WhenIn(StateConnected).GotEvent(EventCompleted).GoTo(StateCompleted),
		fsm.WhenIn(StateConnected).GotEvent(EventTransportDrop).GoTo(StateDisconnectedTerminal),

		fsm.WhenIn(StateInWaitroom).GotEvent(EventMatchFormed).GoTo(StateInGame),
		fsm.WhenIn(StateInWaitroom).GotEvent(EventWaitTimeout).GoTo(StateDisconnectedTerminal),
		fsm.WhenIn(StateInWaitroom).GotEvent(EventTransportDrop).GoTo(StateDisconnectedTerminal),

		fsm.WhenIn(StateInGame).GotEvent(EventEnterWaitroom).GoTo(StateInWaitroom).WithTimeout(waitroomTimeout),
		fsm.WhenIn(StateInGame).GotEvent(EventSceneAdvance).GoTo(StateConnected),
		fsm.WhenIn(StateInGame).GotEvent(EventTransportDrop).GoTo(StateDisconnectedReconnecting).WithTimeout(reconnectGrace),
		fsm.WhenIn(StateInGame).GotEvent(EventCompleted).GoTo(StateCompleted),

		fsm.WhenIn(StateDisconnectedReconnecting).GotEvent(EventReconnected).GoTo(StateInGame),
		fsm.WhenIn(StateDisconnectedReconnecting).GotEvent(EventGraceExpired).GoTo(StateDisconnectedTerminal),

		fsm.WhenInAnyState().GotEvent(EventExcluded).GoTo(StateDisconnectedTerminal),
	}
}

// newParticipant builds and starts the lifecycle machine of one subject.
func newParticipant(subject SubjectID, conn uuid.UUID, meta CallbackContext, waitroomTimeout, reconnectGrace time.Duration, tailCap int, onTimeout func(state string), onState func(state string), logger *zap.SugaredLogger) (*Participant, error) {
	callbacks := []*fsm.Callback{
		fsm.WhenStateTimeout().Do(func(ev interface{}) error {
			event, ok := ev.(*fsm.Event)
			if !ok || event.Meta == nil || event.Meta.FSM == nil {
				return nil
			}
			onTimeout(event.Meta.FSM.Current())
			return nil
		}),
	}
	for _, state := range []string{StateInWaitroom, StateInGame, StateDisconnectedReconnecting, StateDisconnectedTerminal, StateCompleted, StateConnected} {
		st := state
		callbacks = append(callbacks, fsm.AfterEnter(st).Do(func(interface{}) error {
			onState(st)
			return nil
		}))
	}
	cbs, trs := fsm.InitCallbacksAndTransitions(callbacks, lifecycleTransitions(waitroomTimeout, reconnectGrace))
	ctx, cancel := context.WithCancel(context.Background())
	machine, err := fsm.NewFSM(ctx, StateConnected, trs, cbs, defaultStateTimeout, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	p := &Participant{
		Subject:        subject,
		Conn:           conn,
		Machine:        machine,
		Meta:           meta,
		ConsoleTail:    NewTail(tailCap),
		sceneTimings:   map[string]time.Duration{},
		sceneEnteredAt: time.Now(),
		cancel:         cancel,
	}
	errCh := make(chan error, 1)
	go machine.Run(errCh)
	go func() {
		select {
		case err := <-errCh:
			if err != nil {
				logger.Errorf("lifecycle machine of %s stopped: %v", subject, err)
			}
		case <-ctx.Done():
		}
	}()
	return p, nil
}

// stop cancels the machine goroutine.
func (p *Participant) stop() {
	p.cancel()
}
