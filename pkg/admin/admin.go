// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package admin aggregates coordinator state for the dashboard. It is a
// read-only observer: it snapshots the registry, the session table and the
// waiting pool on a fixed cadence and streams throttled updates into the
// admin room. It never mutates game state.
package admin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/matchmaker"
	"github.com/interactive-gym/session-engine/pkg/registry"
	"github.com/interactive-gym/session-engine/pkg/session"
	"github.com/interactive-gym/session-engine/pkg/transport"
	. "github.com/interactive-gym/session-engine/pkg/types"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

const (
	// Room is the hub room admin connections join.
	Room = "admin"
	// DefaultSnapshotRate is the observation cadence.
	DefaultSnapshotRate = time.Second
	// DefaultHeartbeat forces an unchanged snapshot out anyway.
	DefaultHeartbeat = 2 * time.Second
	// ActivityCap bounds the activity ring buffer.
	ActivityCap = 500
	// HealthExpiry drops health entries that stopped refreshing.
	HealthExpiry = 10 * time.Second
)

// ParticipantSummary is the per-subject slice of a snapshot.
type ParticipantSummary struct {
	Subject     SubjectID `json:"subject"`
	State       string    `json:"state"`
	SceneIndex  int       `json:"sceneIndex"`
	ConsoleTail []string  `json:"consoleTail,omitempty"`
}

// SessionSummary is the per-session slice of a snapshot.
type SessionSummary struct {
	ID       string      `json:"id"`
	Scene    string      `json:"scene"`
	Subjects []SubjectID `json:"subjects"`
}

// Snapshot is one throttled state update.
type Snapshot struct {
	Timestamp    time.Time                  `json:"timestamp"`
	Participants []ParticipantSummary       `json:"participants"`
	Sessions     []SessionSummary           `json:"sessions"`
	Waiting      int                        `json:"waiting"`
	Health       map[string]json.RawMessage `json:"health,omitempty"`
	Metrics      map[string]json.RawMessage `json:"metrics,omitempty"`
}

// Config wires the aggregator to its observed collaborators.
type Config struct {
	Hub          *transport.Hub
	Bus          mb.MessageBus
	Registry     *registry.Registry
	Supervisor   *session.Supervisor
	Matchmaker   *matchmaker.Matchmaker
	SnapshotRate time.Duration
	Heartbeat    time.Duration
	Logger       *zap.SugaredLogger
}

// NewAggregator returns an aggregator and subscribes it to the activity,
// health and metrics topics.
func NewAggregator(conf *Config) (*Aggregator, error) {
	if conf.SnapshotRate == 0 {
		conf.SnapshotRate = DefaultSnapshotRate
	}
	if conf.Heartbeat == 0 {
		conf.Heartbeat = DefaultHeartbeat
	}
	a := &Aggregator{
		conf:    conf,
		health:  map[SubjectID]healthEntry{},
		metrics: map[SubjectID]json.RawMessage{},
		done:    make(chan struct{}),
	}
	if err := conf.Bus.Subscribe(ActivityTopic, a.onActivity); err != nil {
		return nil, err
	}
	if err := conf.Bus.Subscribe(HealthReportTopic, a.onHealth); err != nil {
		return nil, err
	}
	if err := conf.Bus.Subscribe(MetricsTopic, a.onMetrics); err != nil {
		return nil, err
	}
	return a, nil
}

type healthEntry struct {
	payload  json.RawMessage
	received time.Time
}

// Aggregator observes the coordinator and feeds the admin room.
type Aggregator struct {
	conf *Config

	mux      sync.Mutex
	activity []ActivityEvent
	health   map[SubjectID]healthEntry
	metrics  map[SubjectID]json.RawMessage

	lastFingerprint string
	lastSent        time.Time
	done            chan struct{}
}

// Run snapshots on the configured cadence until Stop. Blocking; start it
// on its own goroutine.
func (a *Aggregator) Run() {
	ticker := time.NewTicker(a.conf.SnapshotRate)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.observe()
		}
	}
}

// Stop terminates Run.
func (a *Aggregator) Stop() {
	close(a.done)
}

// JoinAdmin subscribes an admin connection to the update stream and primes
// it with the current snapshot.
func (a *Aggregator) JoinAdmin(connID uuid.UUID) {
	a.conf.Hub.Join(Room, connID)
	snap := a.Snapshot()
	a.conf.Hub.Send(connID, MsgStateUpdate, snap)
}

// Activity returns a copy of the buffered activity feed, oldest first.
func (a *Aggregator) Activity() []ActivityEvent {
	a.mux.Lock()
	defer a.mux.Unlock()
	out := make([]ActivityEvent, len(a.activity))
	copy(out, a.activity)
	return out
}

// Snapshot assembles the current state view. All reads are copies; the
// aggregator holds no references into live session state.
func (a *Aggregator) Snapshot() *Snapshot {
	snap := &Snapshot{
		Timestamp: time.Now(),
		Waiting:   a.conf.Matchmaker.Waiting(),
		Health:    map[string]json.RawMessage{},
		Metrics:   map[string]json.RawMessage{},
	}
	for _, p := range a.conf.Registry.All() {
		snap.Participants = append(snap.Participants, ParticipantSummary{
			Subject:     p.Subject,
			State:       p.State(),
			SceneIndex:  p.SceneIndex(),
			ConsoleTail: p.ConsoleTail.Lines(),
		})
	}
	for _, sess := range a.conf.Supervisor.All() {
		snap.Sessions = append(snap.Sessions, SessionSummary{
			ID:       sess.ID.String(),
			Scene:    sess.Scene.ID,
			Subjects: sess.Subjects(),
		})
	}
	a.mux.Lock()
	now := time.Now()
	for subject, entry := range a.health {
		if now.Sub(entry.received) > HealthExpiry {
			delete(a.health, subject)
			continue
		}
		snap.Health[string(subject)] = entry.payload
	}
	for subject, payload := range a.metrics {
		snap.Metrics[string(subject)] = payload
	}
	a.mux.Unlock()
	return snap
}

// observe emits one throttled update. Identical snapshots are suppressed
// until the heartbeat interval forces one out.
func (a *Aggregator) observe() {
	snap := a.Snapshot()
	fp := fingerprint(snap)
	a.mux.Lock()
	unchanged := fp == a.lastFingerprint
	heartbeatDue := time.Since(a.lastSent) >= a.conf.Heartbeat
	if unchanged && !heartbeatDue {
		a.mux.Unlock()
		return
	}
	a.lastFingerprint = fp
	a.lastSent = time.Now()
	a.mux.Unlock()
	a.conf.Hub.Broadcast(Room, MsgStateUpdate, snap)
}

// onActivity appends to the ring buffer and streams the entry live.
func (a *Aggregator) onActivity(ev ActivityEvent) {
	a.mux.Lock()
	a.activity = append(a.activity, ev)
	if len(a.activity) > ActivityCap {
		a.activity = a.activity[len(a.activity)-ActivityCap:]
	}
	a.mux.Unlock()
	a.conf.Hub.Broadcast(Room, MsgActivityEvent, ev)
}

func (a *Aggregator) onHealth(report session.HealthReport) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.health[report.Subject] = healthEntry{payload: report.Payload, received: report.Received}
}

func (a *Aggregator) onMetrics(report session.MetricsReport) {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.metrics[report.Subject] = report.Payload
}

// fingerprint hashes the snapshot sans timestamp, so that the clock alone
// never defeats the throttle.
func fingerprint(snap *Snapshot) string {
	clone := *snap
	clone.Timestamp = time.Time{}
	data, err := json.Marshal(&clone)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
