// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package matchmaker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/transport"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"
)

// DefaultProbeDeadline tears a probe session down unconditionally.
const DefaultProbeDeadline = 15 * time.Second

// ProbeOutcome is the measured result of one probe pair. A nil RTT means
// every ping timed out; the pair still matches fail-open.
type ProbeOutcome struct {
	ProbeID   uuid.UUID
	Initiator SubjectID
	Responder SubjectID
	RTTMs     *float64
}

// probePrepare instructs a browser to open the temporary channel.
type probePrepare struct {
	ProbeID     uuid.UUID `json:"probeId"`
	PeerSubject SubjectID `json:"peerSubject"`
	Initiator   bool      `json:"initiator"`
}

type probeReady struct {
	ProbeID uuid.UUID `json:"probeId"`
}

type probeSignal struct {
	ProbeID uuid.UUID       `json:"probeId"`
	Payload json.RawMessage `json:"payload"`
}

type probeResult struct {
	ProbeID uuid.UUID `json:"probeId"`
	RTTMs   *float64  `json:"rttMs"`
}

type probeSession struct {
	id        uuid.UUID
	initiator *Candidate
	responder *Candidate
	ready     map[SubjectID]bool
	timer     *time.Timer
}

// ProberConf configures the probe coordinator.
type ProberConf struct {
	Hub      *transport.Hub
	Deadline time.Duration
	// OnOutcome receives every finished probe, including deadline
	// expiries with a nil RTT.
	OnOutcome func(out *ProbeOutcome)
	Logger    *zap.SugaredLogger
}

// NewProber returns a probe coordinator and registers its inbound handlers
// on the hub's probe_* namespace.
func NewProber(conf *ProberConf) *Prober {
	if conf.Deadline == 0 {
		conf.Deadline = DefaultProbeDeadline
	}
	p := &Prober{conf: conf, sessions: map[uuid.UUID]*probeSession{}}
	conf.Hub.Handle(MsgProbeReady, p.handleReady)
	conf.Hub.Handle(MsgProbeSignal, p.handleSignal)
	conf.Hub.Handle(MsgProbeResult, p.handleResult)
	return p
}

// Prober coordinates short-lived peer connections used only to measure
// RTT. The server prepares both sides, relays their signaling, and collects
// the initiator's median RTT. Ping echo runs browser-side on the temporary
// channel; the server never sees individual pings.
type Prober struct {
	conf     *ProberConf
	mux      sync.Mutex
	sessions map[uuid.UUID]*probeSession
}

// Launch starts one probe between the arriving candidate and a target.
func (p *Prober) Launch(initiator, responder *Candidate) uuid.UUID {
	id := uuid.New()
	s := &probeSession{
		id:        id,
		initiator: initiator,
		responder: responder,
		ready:     map[SubjectID]bool{},
	}
	s.timer = time.AfterFunc(p.conf.Deadline, func() { p.expire(id) })
	p.mux.Lock()
	p.sessions[id] = s
	p.mux.Unlock()

	p.conf.Hub.Send(initiator.Conn, MsgProbePrepare, probePrepare{ProbeID: id, PeerSubject: responder.Subject, Initiator: true})
	p.conf.Hub.Send(responder.Conn, MsgProbePrepare, probePrepare{ProbeID: id, PeerSubject: initiator.Subject, Initiator: false})
	p.conf.Logger.Debugf("probe %s launched between %s and %s", id, initiator.Subject, responder.Subject)
	return id
}

// Active returns the number of live probe sessions.
func (p *Prober) Active() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return len(p.sessions)
}

func (p *Prober) handleReady(connID uuid.UUID, payload json.RawMessage) {
	var msg probeReady
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.conf.Logger.Errorf("malformed probe_ready: %v", err)
		return
	}
	p.mux.Lock()
	s, ok := p.sessions[msg.ProbeID]
	if !ok {
		p.mux.Unlock()
		return
	}
	if subject, found := s.subjectOf(connID); found {
		s.ready[subject] = true
	}
	bothReady := len(s.ready) == 2
	p.mux.Unlock()

	if bothReady {
		p.conf.Hub.Send(s.initiator.Conn, MsgProbeStart, probePrepare{ProbeID: s.id, Initiator: true})
		p.conf.Hub.Send(s.responder.Conn, MsgProbeStart, probePrepare{ProbeID: s.id, Initiator: false})
	}
}

// handleSignal relays probe signaling to the other side of the pair,
// mirroring the game signaling path.
func (p *Prober) handleSignal(connID uuid.UUID, payload json.RawMessage) {
	var msg probeSignal
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.conf.Logger.Errorf("malformed probe_signal: %v", err)
		return
	}
	p.mux.Lock()
	s, ok := p.sessions[msg.ProbeID]
	p.mux.Unlock()
	if !ok {
		return
	}
	if peer, found := s.peerConn(connID); found {
		p.conf.Hub.Send(peer, MsgProbeSignal, msg)
	}
}

func (p *Prober) handleResult(connID uuid.UUID, payload json.RawMessage) {
	var msg probeResult
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.conf.Logger.Errorf("malformed probe_result: %v", err)
		return
	}
	p.complete(msg.ProbeID, msg.RTTMs)
}

func (p *Prober) expire(id uuid.UUID) {
	p.conf.Logger.Debugf("probe %s hit the %s deadline, reporting null RTT", id, p.conf.Deadline)
	p.complete(id, nil)
}

// complete finishes a probe exactly once and tears the session down.
func (p *Prober) complete(id uuid.UUID, rttMs *float64) {
	p.mux.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mux.Unlock()
	if !ok {
		return
	}
	s.timer.Stop()
	if p.conf.OnOutcome != nil {
		p.conf.OnOutcome(&ProbeOutcome{
			ProbeID:   id,
			Initiator: s.initiator.Subject,
			Responder: s.responder.Subject,
			RTTMs:     rttMs,
		})
	}
}

func (s *probeSession) subjectOf(connID uuid.UUID) (SubjectID, bool) {
	switch connID {
	case s.initiator.Conn:
		return s.initiator.Subject, true
	case s.responder.Conn:
		return s.responder.Subject, true
	}
	return "", false
}

func (s *probeSession) peerConn(connID uuid.UUID) (uuid.UUID, bool) {
	switch connID {
	case s.initiator.Conn:
		return s.responder.Conn, true
	case s.responder.Conn:
		return s.initiator.Conn, true
	}
	return uuid.Nil, false
}
