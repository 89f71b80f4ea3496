// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/env"
	"github.com/interactive-gym/session-engine/pkg/export"
	"github.com/interactive-gym/session-engine/pkg/matchmaker"
	"github.com/interactive-gym/session-engine/pkg/registry"
	"github.com/interactive-gym/session-engine/pkg/transport"
	. "github.com/interactive-gym/session-engine/pkg/types"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

// DefaultCountdown is the match-found countdown before a pair session
// starts.
const DefaultCountdown = 3 * time.Second

// SessionEvent is published on the session topic at creation and teardown.
type SessionEvent struct {
	SessionID uuid.UUID
	SceneID   string
	Subjects  []SubjectID
	State     string
	Reason    string
}

// Config wires the supervisor to its collaborators.
type Config struct {
	Hub         *transport.Hub
	Bus         mb.MessageBus
	Registry    *registry.Registry
	Exporter    *export.Writer
	Multiplayer MultiplayerTypedConfig
	Countdown   time.Duration
	// EnvFactory builds the environment of a server-authoritative scene.
	EnvFactory func(scene SceneConfig) (env.Environment, error)
	// BotFactory builds the policy of one bot slot.
	BotFactory func(scene SceneConfig, player PlayerID) env.BotPolicy
	Logger     *zap.SugaredLogger
}

// NewSupervisor returns a supervisor and registers its inbound handlers.
func NewSupervisor(conf *Config) *Supervisor {
	if conf.Countdown == 0 {
		conf.Countdown = DefaultCountdown
	}
	s := &Supervisor{
		conf:      conf,
		sessions:  map[uuid.UUID]*Session{},
		bySubject: map[SubjectID]uuid.UUID{},
		byConn:    map[uuid.UUID]uuid.UUID{},
	}
	conf.Hub.Handle(MsgJoinGame, s.handleJoinGame)
	conf.Hub.Handle(MsgWebRTCSignal, s.handleSignalRelay)
	conf.Hub.Handle(MsgPlayerAction, s.handlePlayerAction)
	conf.Hub.Handle(MsgMidGameExclusion, s.handleMidGameExclusion)
	conf.Hub.Handle(MsgP2PHealthReport, s.handleHealthReport)
	conf.Hub.HandleAcked(MsgEmitEpisodeData, s.handleEpisodeData)
	conf.Hub.Handle(MsgEmitMetrics, s.handleMetrics)
	conf.Hub.Handle(MsgRejoinServerAuth, s.handleRejoin)
	return s
}

// Supervisor owns the session table. Sessions mutate their own state on
// their goroutine; the supervisor only creates, indexes and tears down.
type Supervisor struct {
	conf      *Config
	mux       sync.Mutex
	sessions  map[uuid.UUID]*Session
	bySubject map[SubjectID]uuid.UUID
	byConn    map[uuid.UUID]uuid.UUID
}

// CreateFromMatch opens a pair session for a formed match. The countdown
// broadcast happens immediately; the start signal fires 3 seconds later
// from a scheduled task, never blocking the caller.
func (s *Supervisor) CreateFromMatch(match *matchmaker.Match, scene SceneConfig) *Session {
	members := []*Member{
		{Subject: match.A.Subject, Player: 0, Conn: match.A.Conn, Connected: true},
		{Subject: match.B.Subject, Player: 1, Conn: match.B.Conn, Connected: true},
	}
	return s.create(match.ID, scene, members, true)
}

// CreateSinglePlayer opens a session without a countdown.
func (s *Supervisor) CreateSinglePlayer(subject SubjectID, conn uuid.UUID, scene SceneConfig) *Session {
	members := []*Member{{Subject: subject, Player: 0, Conn: conn, Connected: true}}
	return s.create(uuid.New(), scene, members, false)
}

func (s *Supervisor) create(id uuid.UUID, scene SceneConfig, members []*Member, countdown bool) *Session {
	sess := &Session{
		ID:              id,
		Scene:           scene,
		Mode:            s.conf.Multiplayer.Mode,
		members:         members,
		state:           SessionActive,
		pending:         ActionMap{},
		reconnectTimers: map[SubjectID]*time.Timer{},
		botPolicies:     map[PlayerID]env.BotPolicy{},
		mailbox:         make(chan func(), 64),
		done:            make(chan struct{}),
	}
	for i := 0; i < scene.NumBots; i++ {
		player := PlayerID(len(members) + i)
		sess.bots = append(sess.bots, player)
		if s.conf.BotFactory != nil {
			sess.botPolicies[player] = s.conf.BotFactory(scene, player)
		}
	}

	s.mux.Lock()
	s.sessions[id] = sess
	for _, m := range members {
		s.bySubject[m.Subject] = id
		s.byConn[m.Conn] = id
	}
	s.mux.Unlock()

	for _, m := range members {
		s.conf.Hub.Join(sess.Room(), m.Conn)
		s.conf.Registry.BindGame(m.Subject, id)
	}
	go sess.run()
	s.publish(sess, SessionActive, "")

	if countdown && len(members) > 1 {
		s.conf.Hub.Broadcast(sess.Room(), MsgMatchFoundCountdown, map[string]interface{}{
			"seconds": int(s.conf.Countdown / time.Second),
		})
		time.AfterFunc(s.conf.Countdown, func() {
			sess.post(func() { s.startGame(sess) })
		})
	} else {
		sess.post(func() { s.startGame(sess) })
	}
	return sess
}

// startGame broadcasts the start signal and, in server-authoritative mode,
// boots the environment loop. Runs on the session goroutine.
func (s *Supervisor) startGame(sess *Session) {
	if sess.state != SessionActive {
		return
	}
	assignments := map[string]PlayerID{}
	for _, m := range sess.members {
		assignments[string(m.Subject)] = m.Player
	}
	s.conf.Hub.Broadcast(sess.Room(), MsgStartGame, map[string]interface{}{
		"sessionId":   sess.ID.String(),
		"mode":        sess.Mode,
		"scene":       sess.Scene.ID,
		"assignments": assignments,
		"numEpisodes": s.conf.Multiplayer.NumEpisodes,
	})
	s.conf.Logger.Infof("session %s started (%s, scene %s)", sess.ID, sess.Mode, sess.Scene.ID)
	if sess.Mode == ModeServerAuth {
		if err := s.startAuthoritativeLoop(sess); err != nil {
			s.conf.Logger.Errorf("session %s: %v", sess.ID, err)
			s.teardownLocked(sess, "environment_error", nil)
		}
	}
}

// Get returns a session by id.
func (s *Supervisor) Get(id uuid.UUID) *Session {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.sessions[id]
}

// Exists reports whether the session id is live. The registry uses it to
// validate its indexes.
func (s *Supervisor) Exists(id uuid.UUID) bool {
	return s.Get(id) != nil
}

// OfSubject returns the session a subject is in.
func (s *Supervisor) OfSubject(subject SubjectID) *Session {
	s.mux.Lock()
	id, ok := s.bySubject[subject]
	s.mux.Unlock()
	if !ok {
		return nil
	}
	return s.Get(id)
}

// ofConn returns the session owning a connection.
func (s *Supervisor) ofConn(connID uuid.UUID) *Session {
	s.mux.Lock()
	id, ok := s.byConn[connID]
	s.mux.Unlock()
	if !ok {
		return nil
	}
	return s.Get(id)
}

// Count returns the number of live sessions.
func (s *Supervisor) Count() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.sessions)
}

// All returns a snapshot of the live sessions.
func (s *Supervisor) All() []*Session {
	s.mux.Lock()
	defer s.mux.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// HandleDisconnect reacts to a dropped transport. In-game members get a
// reconnect window; the partner sees an overlay and keeps playing until
// the window expires. Wire this into the hub's disconnect callbacks.
func (s *Supervisor) HandleDisconnect(connID uuid.UUID) {
	sess := s.ofConn(connID)
	if sess == nil {
		return
	}
	sess.post(func() {
		member := sess.memberByConn(connID)
		if member == nil || sess.state != SessionActive {
			return
		}
		member.Connected = false
		s.conf.Registry.RecordDisconnect(member.Subject)
		s.conf.Logger.Infof("session %s: player %d (%s) disconnected, window %s",
			sess.ID, member.Player, member.Subject, s.conf.Multiplayer.ReconnectionTimeout)

		if partner := sess.partnerOf(member.Subject); partner != nil {
			// The survivor exports everything collected so far before the
			// session is allowed to die.
			s.conf.Hub.Send(partner.Conn, MsgTriggerDataExport, map[string]interface{}{
				"reason":               ReasonPartnerDisconnected,
				"message":              s.conf.Multiplayer.PartnerDisconnectMessage,
				"disconnectedPlayerId": member.Player,
			})
		}

		window := s.conf.Multiplayer.ReconnectionTimeout
		player := member.Player
		sess.reconnectTimers[member.Subject] = time.AfterFunc(window, func() {
			sess.post(func() {
				m := sess.memberBySubject(member.Subject)
				if m == nil || m.Connected {
					return
				}
				s.conf.Logger.Infof("session %s: reconnect window of %s expired", sess.ID, m.Subject)
				s.teardownLocked(sess, ReasonPartnerDisconnected, &player)
			})
		})
	})
}

// HandleReconnect swaps a fresh connection into the member slot within the
// window.
func (s *Supervisor) HandleReconnect(subject SubjectID, conn uuid.UUID) error {
	sess := s.OfSubject(subject)
	if sess == nil {
		return fmt.Errorf("no live session for subject %s", subject)
	}
	errCh := make(chan error, 1)
	sess.post(func() {
		member := sess.memberBySubject(subject)
		if member == nil {
			errCh <- fmt.Errorf("subject %s is not a member of session %s", subject, sess.ID)
			return
		}
		if timer, ok := sess.reconnectTimers[subject]; ok {
			timer.Stop()
			delete(sess.reconnectTimers, subject)
		}
		old := member.Conn
		member.Conn = conn
		member.Connected = true
		s.mux.Lock()
		delete(s.byConn, old)
		s.byConn[conn] = sess.ID
		s.mux.Unlock()
		s.conf.Hub.Join(sess.Room(), conn)
		errCh <- s.conf.Registry.RecordReconnect(subject, conn)
	})
	select {
	case err := <-errCh:
		return err
	case <-sess.done:
		return fmt.Errorf("session %s ended before the reconnect completed", sess.ID)
	}
}

// EndGame finishes a session cleanly after all episodes completed.
func (s *Supervisor) EndGame(sessionID uuid.UUID, completedEpisodes int) {
	sess := s.Get(sessionID)
	if sess == nil {
		return
	}
	sess.post(func() {
		sess.status.CompletedEpisodes = completedEpisodes
		s.teardownLocked(sess, ReasonComplete, nil)
	})
}

// Exclude removes a subject mid-game. The partner is notified and the
// session torn down as partial.
func (s *Supervisor) Exclude(subject SubjectID, message string) {
	sess := s.OfSubject(subject)
	if sess == nil {
		return
	}
	sess.post(func() {
		member := sess.memberBySubject(subject)
		if member == nil || sess.state != SessionActive {
			return
		}
		if partner := sess.partnerOf(subject); partner != nil {
			s.conf.Hub.Send(partner.Conn, MsgPartnerExcluded, map[string]string{"message": message})
		}
		player := member.Player
		s.conf.Registry.Terminate(subject, ReasonExcluded)
		s.teardownLocked(sess, ReasonExcluded, &player)
	})
}

// teardownLocked is the single teardown path. Runs on the session
// goroutine; every other exit funnels through here exactly once.
func (s *Supervisor) teardownLocked(sess *Session, reason string, disconnected *PlayerID) {
	if sess.state == SessionTerminated {
		return
	}
	sess.state = SessionTerminated
	sess.status.IsPartial = reason != ReasonComplete
	sess.status.TerminationReason = reason
	sess.status.DisconnectedPlayerID = disconnected

	for subject, timer := range sess.reconnectTimers {
		timer.Stop()
		delete(sess.reconnectTimers, subject)
	}
	s.conf.Hub.Broadcast(sess.Room(), MsgEndGame, map[string]interface{}{
		"sessionId": sess.ID.String(),
		"isPartial": sess.status.IsPartial,
		"reason":    reason,
	})
	s.conf.Hub.ReleaseRoom(sess.Room())

	s.mux.Lock()
	delete(s.sessions, sess.ID)
	for _, m := range sess.members {
		delete(s.bySubject, m.Subject)
		delete(s.byConn, m.Conn)
	}
	s.mux.Unlock()

	for _, m := range sess.members {
		s.conf.Registry.UnbindGame(m.Subject)
	}
	s.publish(sess, SessionTerminated, reason)
	s.conf.Logger.Infof("session %s torn down (reason %q)", sess.ID, reason)
	sess.close()
}

// Status returns a copy of the session's status block for exports.
func (s *Supervisor) Status(sess *Session) SessionStatus {
	return sess.status
}

func (s *Supervisor) publish(sess *Session, state, reason string) {
	s.conf.Bus.Publish(SessionEventsTopic, SessionEvent{
		SessionID: sess.ID,
		SceneID:   sess.Scene.ID,
		Subjects:  sess.Subjects(),
		State:     state,
		Reason:    reason,
	})
}

// handleJoinGame puts a connection back into its session room, e.g. after
// a page reload during the countdown.
func (s *Supervisor) handleJoinGame(connID uuid.UUID, payload json.RawMessage) {
	sess := s.ofConn(connID)
	if sess == nil {
		return
	}
	s.conf.Hub.Join(sess.Room(), connID)
}

// handleSignalRelay forwards WebRTC signaling to the partner. The server
// never inspects SDP or ICE payloads.
func (s *Supervisor) handleSignalRelay(connID uuid.UUID, payload json.RawMessage) {
	sess := s.ofConn(connID)
	if sess == nil {
		return
	}
	member := sess.memberByConn(connID)
	if member == nil {
		return
	}
	if partner := sess.partnerOf(member.Subject); partner != nil {
		s.conf.Hub.Send(partner.Conn, MsgWebRTCSignal, payload)
	}
}

// handlePlayerAction stages an action for the next authoritative tick.
// Ignored in P2P mode, where inputs travel peer-to-peer.
func (s *Supervisor) handlePlayerAction(connID uuid.UUID, payload json.RawMessage) {
	sess := s.ofConn(connID)
	if sess == nil || sess.Mode != ModeServerAuth {
		return
	}
	var msg struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.conf.Logger.Warnf("malformed player_action: %v", err)
		return
	}
	sess.post(func() {
		if member := sess.memberByConn(connID); member != nil {
			sess.pending[member.Player] = msg.Action
		}
	})
}

// handleMidGameExclusion processes a client-side continuous-callback
// verdict.
func (s *Supervisor) handleMidGameExclusion(connID uuid.UUID, payload json.RawMessage) {
	sess := s.ofConn(connID)
	if sess == nil {
		return
	}
	member := sess.memberByConn(connID)
	if member == nil {
		return
	}
	var msg struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &msg)
	s.Exclude(member.Subject, msg.Message)
}

// handleHealthReport forwards P2P health pushes to the admin aggregator.
func (s *Supervisor) handleHealthReport(connID uuid.UUID, payload json.RawMessage) {
	sess := s.ofConn(connID)
	if sess == nil {
		return
	}
	member := sess.memberByConn(connID)
	if member == nil {
		return
	}
	s.conf.Bus.Publish(HealthReportTopic, HealthReport{
		SessionID: sess.ID,
		Subject:   member.Subject,
		Payload:   payload,
		Received:  time.Now(),
	})
}

// handleEpisodeData persists a client-emitted episode. A failed write is
// returned to the hub, which then withholds the ack and keeps the client
// retrying. Malformed frames are acked away; resending them cannot help.
func (s *Supervisor) handleEpisodeData(connID uuid.UUID, payload json.RawMessage) error {
	var rec export.EpisodeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		s.conf.Logger.Errorf("malformed emit_episode_data: %v", err)
		return nil
	}
	if _, err := s.conf.Exporter.WriteEpisode(&rec); err != nil {
		s.conf.Logger.Errorf("episode export for %s failed: %v", rec.SubjectID, err)
		return err
	}
	if rec.Status.TerminationReason == ReasonFocusLossTimeout {
		s.conf.Bus.Publish(ActivityTopic, ActivityEvent{
			Kind:      ActivityFocusTimeout,
			Subject:   rec.SubjectID,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// handleMetrics caches client-pushed rollback/latency counters for admin
// display.
func (s *Supervisor) handleMetrics(connID uuid.UUID, payload json.RawMessage) {
	sess := s.ofConn(connID)
	if sess == nil {
		return
	}
	member := sess.memberByConn(connID)
	if member == nil {
		return
	}
	s.conf.Bus.Publish(MetricsTopic, MetricsReport{
		SessionID: sess.ID,
		Subject:   member.Subject,
		Payload:   payload,
	})
}

// handleRejoin resumes a server-authoritative member after a reconnect.
func (s *Supervisor) handleRejoin(connID uuid.UUID, payload json.RawMessage) {
	var msg struct {
		Subject SubjectID `json:"subject"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if err := s.HandleReconnect(msg.Subject, connID); err != nil {
		s.conf.Logger.Warnf("rejoin of %s failed: %v", msg.Subject, err)
	}
}

// HealthReport is a relayed p2p_health_report push.
type HealthReport struct {
	SessionID uuid.UUID
	Subject   SubjectID
	Payload   json.RawMessage
	Received  time.Time
}

// MetricsReport is a relayed emit_multiplayer_metrics push.
type MetricsReport struct {
	SessionID uuid.UUID
	Subject   SubjectID
	Payload   json.RawMessage
}
