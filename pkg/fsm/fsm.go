// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package fsm

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// Stopped is the terminal state every machine ends up in.
	Stopped = "_Stopped"
	// StateTimeoutEvent is the synthetic event written when a state has been
	// occupied longer than its timeout.
	StateTimeoutEvent = "_StateTimeout"
)

// NewFSM returns a new finite state machine.
func NewFSM(ctx context.Context, initState string, trn map[TransitionID]*Transition, cb map[string][]*Callback, timeout time.Duration, logger *zap.SugaredLogger) (*FSM, error) {
	var stateTimeoutCb *Callback
	timer := time.NewTimer(timeout)
	beforeCallbacks := make(map[string][]*Callback)
	afterCallbacks := make(map[string][]*Callback)
	for k, c := range cb {
		for _, i := range c {
			switch i.Type {
			case CallbackWhenStateTimeout:
				stateTimeoutCb = i
			case CallbackBeforeEnter:
				appendCallback(beforeCallbacks, k, i)
			case CallbackAfterEnter:
				appendCallback(afterCallbacks, k, i)
			default:
				return nil, errors.New("unsupported callback type")
			}
		}
	}
	if stateTimeoutCb == nil {
		stateTimeoutCb = noopCallback()
	}
	history := NewHistory()
	history.AddState(initState)
	return &FSM{
		afterCallbacks:       afterCallbacks,
		beforeCallbacks:      beforeCallbacks,
		transitions:          trn,
		current:              initState,
		history:              history,
		stateTimeoutCallback: stateTimeoutCb,
		timer:                timer,
		timeout:              timeout,
		pingCh:               make(chan struct{}),
		doneCh:               make(chan struct{}, 1),
		queue:                []*Event{},
		logger:               logger,
		ctx:                  ctx,
	}, nil
}

// FSM is a finite state machine. Before and after callbacks for the same
// target state can be defined; if several callbacks are provided for a type,
// all of them are executed in order.
type FSM struct {
	afterCallbacks       map[string][]*Callback
	beforeCallbacks      map[string][]*Callback
	transitions          map[TransitionID]*Transition
	stateTimeoutCallback *Callback
	current              string
	history              *History
	pingCh               chan struct{}
	doneCh               chan struct{}
	timer                *time.Timer
	timeout              time.Duration
	queue                []*Event
	logger               *zap.SugaredLogger
	mux                  sync.Mutex
	ctx                  context.Context
}

// Write sends an event to the FSM FIFO queue and notifies the processor that
// a new event arrived.
func (f *FSM) Write(event *Event) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.queue = append(f.queue, event)
	go func() {
		f.pingCh <- struct{}{}
	}()
}

// History returns the state transition history.
func (f *FSM) History() *History {
	return f.history
}

// Current returns the current state of the FSM.
func (f *FSM) Current() string {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.current
}

// Run consumes events from the queue until an error occurs or the FSM has
// been stopped. The error is caused either by an unregistered event or by a
// callback. The method is blocking and must be started exactly once.
func (f *FSM) Run(errChan chan error) {
	for {
		select {
		case <-f.pingCh:
			if err := f.process(); err != nil {
				f.current = Stopped
				errChan <- err
				return
			}
		case <-f.timer.C:
			f.stateTimeoutCallback.Action(f.stateTimeoutEvent())
		case <-f.ctx.Done():
			f.current = Stopped
			f.timer.Stop()
			return
		case <-f.doneCh:
			f.current = Stopped
			f.timer.Stop()
			return
		}
	}
}

// Stop stops the FSM. No other state transition is possible after the call.
// This method must be called only once.
func (f *FSM) Stop() {
	f.doneCh <- struct{}{}
}

// process reads one event from the queue, updates the state history and
// executes the transition.
func (f *FSM) process() error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if len(f.queue) < 1 {
		// This should never happen with the current implementation.
		return errors.New("the number of events is out of sync with received pings")
	}
	event := f.queue[0]
	f.queue = f.queue[1:]
	f.history.AddEvent(event)
	trID := TransitionID{
		Source: f.current,
		Event:  event.Name,
	}
	// A transition with an explicit source state supersedes the wildcard
	// one registered for "*".
	tr, ok := f.transitions[trID]
	if !ok {
		trID = TransitionID{
			Source: "*",
			Event:  event.Name,
		}
		tr, ok = f.transitions[trID]
		if !ok {
			return errors.New("unregistered event received: " + event.Name)
		}
	}
	return f.doTransition(tr, event)
}

// doTransition executes the transition to the next state. Before- and after-
// callbacks run around the state change and the state timeout is reset.
func (f *FSM) doTransition(tr *Transition, event *Event) error {
	f.logger.Debugf("FSM transition %v -> %v on %v", tr.Src, tr.Dst, event.Name)
	err := f.runCallbackIfExists(f.beforeCallbacks, tr.Dst, event)
	if err != nil {
		return err
	}
	f.current = tr.Dst
	f.history.AddState(f.current)
	// See the description of time.Timer.Reset for the reasoning behind the
	// drain dance.
	if !f.timer.Stop() && len(f.timer.C) > 0 {
		<-f.timer.C
	}
	timeout := f.timeout
	if tr.Timeout > 0 {
		timeout = tr.Timeout
	}
	f.timer.Reset(timeout)
	return f.runCallbackIfExists(f.afterCallbacks, f.current, event)
}

// runCallbackIfExists executes the callbacks for a given state if they exist,
// does nothing otherwise.
func (f *FSM) runCallbackIfExists(callbacks map[string][]*Callback, state string, event *Event) error {
	callbacksBySource, ok := callbacks[state]
	if ok {
		for _, cb := range callbacksBySource {
			err := cb.Action(event)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// stateTimeoutEvent returns an event containing only an fsm reference.
func (f *FSM) stateTimeoutEvent() *Event {
	return &Event{
		Name: StateTimeoutEvent,
		Meta: &Metadata{FSM: f},
	}
}

func noopCallback() *Callback {
	return &Callback{
		Action: func(interface{}) error {
			return nil
		},
	}
}

func appendCallback(mp map[string][]*Callback, k string, i *Callback) {
	cb, ok := mp[k]
	if !ok {
		cb = []*Callback{}
	}
	mp[k] = append(cb, i)
}

// NewHistory returns an empty fsm history.
func NewHistory() *History {
	return &History{
		received: []*Event{},
		states:   []string{},
	}
}

// History contains all received events and passed states including the
// current one.
type History struct {
	received  []*Event
	states    []string
	eventLock sync.Mutex
	stateLock sync.Mutex
}

// AddEvent writes a new event to the history.
func (h *History) AddEvent(ev *Event) {
	h.eventLock.Lock()
	defer h.eventLock.Unlock()
	h.received = append(h.received, ev)
}

// GetEvents returns a list of all events.
func (h *History) GetEvents() []*Event {
	h.eventLock.Lock()
	defer h.eventLock.Unlock()
	return h.received
}

// AddState saves the state to the history.
func (h *History) AddState(st string) {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	h.states = append(h.states, st)
}

// GetStates returns passed states of the FSM including the current one.
func (h *History) GetStates() []string {
	h.stateLock.Lock()
	defer h.stateLock.Unlock()
	return h.states
}

// Event is an event consumed by the FSM.
type Event struct {
	Name    string
	Subject string
	Meta    *Metadata
}

// Metadata carries routing information and the original wire payload of an
// FSM event.
type Metadata struct {
	FSM         *FSM
	TargetTopic string
	SrcTopics   []string
	Body        interface{}
}

// TransitionID is a tuple containing external Event and source State.
type TransitionID struct {
	Event, Source string
}

// Transition defines a transition between FSM states.
type Transition struct {
	ID              TransitionID
	Event, Src, Dst string
	Timeout         time.Duration
}

// WhenIn specifies the source state of the transition.
func WhenIn(state string) *Transition {
	return &Transition{Src: state}
}

// WhenInAnyState targets transition from all states.
func WhenInAnyState() *Transition {
	return &Transition{Src: "*"}
}

// GotEvent specifies the triggering event for the transition.
func (i *Transition) GotEvent(event string) *Transition {
	i.Event = event
	i.ID = TransitionID{
		Event:  event,
		Source: i.Src,
	}
	return i
}

// GoTo specifies the destination state.
func (i *Transition) GoTo(dst string) *Transition {
	i.Dst = dst
	return i
}

// Stay forces the transition to stay in the source state.
func (i *Transition) Stay() *Transition {
	i.Dst = i.Src
	return i
}

// WithTimeout overrides the machine-wide state timeout for the destination
// state of this transition.
func (i *Transition) WithTimeout(d time.Duration) *Transition {
	i.Timeout = d
	return i
}

// Action is a user defined function executed in the callback.
type Action func(interface{}) error

const (
	// CallbackAfterEnter is a callback type which is triggered right after a new state was entered.
	CallbackAfterEnter = "AfterEnter"
	// CallbackBeforeEnter is a callback type which is triggered right before a new state is entered.
	CallbackBeforeEnter = "BeforeEnter"
	// CallbackWhenStateTimeout is a type of callback which is triggered when a state timeout is reached.
	CallbackWhenStateTimeout = "WhenStateTimeout"
)

// Callback is a function which is executed as a response to an event during a
// state transition.
type Callback struct {
	Type   string
	Src    string
	Action Action
}

// AfterEnter defines the state this callback is bound to.
func AfterEnter(state string) *Callback {
	return &Callback{
		Type: CallbackAfterEnter,
		Src:  state,
	}
}

// BeforeEnter defines a callback which is executed before entering the state.
func BeforeEnter(state string) *Callback {
	return &Callback{
		Type: CallbackBeforeEnter,
		Src:  state,
	}
}

// WhenStateTimeout defines a callback which is called when the state timeout is reached.
func WhenStateTimeout() *Callback {
	return &Callback{
		Type: CallbackWhenStateTimeout,
	}
}

// Do defines a function to execute in the callback.
func (c *Callback) Do(a Action) *Callback {
	c.Action = a
	return c
}

// InitCallbacksAndTransitions converts slices to maps.
func InitCallbacksAndTransitions(cbs []*Callback, trs []*Transition) (map[string][]*Callback, map[TransitionID]*Transition) {
	callbacks := map[string][]*Callback{}
	transitions := map[TransitionID]*Transition{}
	for _, c := range cbs {
		callbacksBySource, ok := callbacks[c.Src]
		if !ok {
			callbacksBySource = []*Callback{}
		}
		callbacks[c.Src] = append(callbacksBySource, c)
	}
	for _, t := range trs {
		transitions[t.ID] = t
	}
	return callbacks, transitions
}
