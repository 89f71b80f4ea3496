// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package session owns the lifetime of game sessions, from match formation
// to teardown. Each session is driven by a single owning goroutine; all
// mutations go through its mailbox.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/env"
	. "github.com/interactive-gym/session-engine/pkg/types"
)

// Member is one human slot of a session.
type Member struct {
	Subject   SubjectID
	Player    PlayerID
	Conn      uuid.UUID
	Connected bool
}

// Session is one running game. Fields beyond the immutable identity are
// owned by the session goroutine and must only be touched from posted
// closures.
type Session struct {
	ID    uuid.UUID
	Scene SceneConfig
	Mode  string

	members []*Member
	bots    []PlayerID

	state   string
	episode int
	frame   int
	status  SessionStatus

	environment env.Environment
	botPolicies map[PlayerID]env.BotPolicy
	pending     ActionMap

	reconnectTimers map[SubjectID]*time.Timer

	mailbox chan func()
	done    chan struct{}
	once    sync.Once
}

// Room returns the hub room of this session.
func (s *Session) Room() string { return s.ID.String() }

// Members returns the human members. The slice is immutable after creation.
func (s *Session) Members() []*Member { return s.members }

// Subjects returns the member subjects in player order.
func (s *Session) Subjects() []SubjectID {
	out := make([]SubjectID, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Subject)
	}
	return out
}

// HumanPlayers returns the human player ids in order.
func (s *Session) HumanPlayers() []PlayerID {
	out := make([]PlayerID, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Player)
	}
	return out
}

// memberBySubject returns the member of a subject, or nil.
func (s *Session) memberBySubject(subject SubjectID) *Member {
	for _, m := range s.members {
		if m.Subject == subject {
			return m
		}
	}
	return nil
}

// memberByConn returns the member owning a connection, or nil.
func (s *Session) memberByConn(connID uuid.UUID) *Member {
	for _, m := range s.members {
		if m.Conn == connID {
			return m
		}
	}
	return nil
}

// partnerOf returns the other member of a pair session, or nil.
func (s *Session) partnerOf(subject SubjectID) *Member {
	for _, m := range s.members {
		if m.Subject != subject {
			return m
		}
	}
	return nil
}

// post schedules a closure on the session goroutine. Posts after teardown
// are dropped.
func (s *Session) post(fn func()) {
	select {
	case <-s.done:
	case s.mailbox <- fn:
	}
}

// run is the session goroutine: it applies posted closures until teardown.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.mailbox:
			fn()
		}
	}
}

// close stops the session goroutine exactly once.
func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}
