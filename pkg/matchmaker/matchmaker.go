// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package matchmaker

import (
	"sync"

	"github.com/google/uuid"
	. "github.com/interactive-gym/session-engine/pkg/types"
	mb "github.com/vardius/message-bus"
	"go.uber.org/zap"
)

// ProbeFanout is the number of oldest waiting candidates a new arrival is
// probed against.
const ProbeFanout = 3

// Match is one formed pair, published on the matchmaker topic.
type Match struct {
	ID      uuid.UUID
	SceneID string
	A       *Candidate
	B       *Candidate
}

// Config configures the matchmaker.
type Config struct {
	// MaxServerRTTMs is the latency gate; nil disables it.
	MaxServerRTTMs *float64
	Pool           *Pool
	Prober         *Prober
	Bus            mb.MessageBus
	Logger         *zap.SugaredLogger
}

// NewMatchmaker returns a latency-gated FIFO matchmaker over the pool. With
// a bus configured, registry lifecycle events keep the pool clean: subjects
// that go terminal or complete while waiting are dequeued, so they can never
// be paired with a later arrival.
func NewMatchmaker(conf *Config) *Matchmaker {
	if conf.Pool == nil {
		conf.Pool = NewPool()
	}
	m := &Matchmaker{conf: conf}
	if conf.Prober != nil {
		conf.Prober.conf.OnOutcome = m.handleProbeOutcome
	}
	if conf.Bus != nil {
		if err := conf.Bus.Subscribe(RegistryEventsTopic, func(subject SubjectID, state string) {
			switch state {
			case StateDisconnectedTerminal, StateCompleted:
				m.Dequeue(subject)
			}
		}); err != nil {
			conf.Logger.Errorf("subscribing to registry events: %v", err)
		}
	}
	return m
}

// Matchmaker forms pairs in arrival order. A pair is accepted when the sum
// of both RTT estimates stays under the gate, or when either estimate is
// unknown.
type Matchmaker struct {
	conf *Config
	mux  sync.Mutex
}

// Enqueue adds a candidate to the waiting pool, kicks off probes against
// the oldest waiting candidates and attempts a match. Re-insertion of a
// waiting subject is a no-op and never produces a self-match.
func (m *Matchmaker) Enqueue(c *Candidate) *Match {
	if !m.conf.Pool.Add(c) {
		m.conf.Logger.Debugf("subject %s already waiting, ignoring re-insertion", c.Subject)
		return nil
	}
	if m.conf.Prober != nil && m.conf.MaxServerRTTMs != nil {
		for _, target := range m.conf.Pool.Oldest(ProbeFanout, c.Subject) {
			m.conf.Prober.Launch(c, target)
		}
	}
	return m.TryMatch()
}

// Dequeue removes a subject from the pool, e.g. on disconnect.
func (m *Matchmaker) Dequeue(subject SubjectID) {
	m.conf.Pool.Remove(subject)
}

// Waiting returns the number of pooled candidates.
func (m *Matchmaker) Waiting() int { return m.conf.Pool.Len() }

// TryMatch scans the pool in arrival order and forms the first compatible
// pair. The formed match is removed from the pool and published on the
// matchmaker topic.
func (m *Matchmaker) TryMatch() *Match {
	m.mux.Lock()
	defer m.mux.Unlock()

	candidates := m.conf.Pool.InOrder()
	for i, a := range candidates {
		for _, b := range candidates[i+1:] {
			if !m.compatible(a, b) {
				continue
			}
			m.conf.Pool.Remove(a.Subject)
			m.conf.Pool.Remove(b.Subject)
			match := &Match{ID: uuid.New(), SceneID: a.SceneID, A: a, B: b}
			m.conf.Logger.Infof("matched %s with %s (rtt %v + %v, gate %v)",
				a.Subject, b.Subject, rttStr(a.RTTMs), rttStr(b.RTTMs), m.conf.MaxServerRTTMs)
			if m.conf.Bus != nil {
				m.conf.Bus.Publish(MatchmakerTopic, match)
			}
			return match
		}
	}
	return nil
}

// compatible applies the latency gate. Unknown RTTs pass fail-open: a
// candidate stuck behind a failed probe must still be matchable.
func (m *Matchmaker) compatible(a, b *Candidate) bool {
	if a.Subject == b.Subject {
		return false
	}
	if m.conf.MaxServerRTTMs == nil {
		return true
	}
	if a.RTTMs == nil || b.RTTMs == nil {
		return true
	}
	return *a.RTTMs+*b.RTTMs <= *m.conf.MaxServerRTTMs
}

// handleProbeOutcome folds a probe measurement back into the pool. The
// measured value is the pair round trip; each side is credited half, so
// the sum for the probed pair reproduces the measurement exactly.
func (m *Matchmaker) handleProbeOutcome(out *ProbeOutcome) {
	if out.RTTMs != nil {
		half := *out.RTTMs / 2
		m.creditRTT(out.Initiator, half)
		m.creditRTT(out.Responder, half)
	}
	m.TryMatch()
}

// creditRTT stores the estimate, keeping the worst observation per subject.
func (m *Matchmaker) creditRTT(subject SubjectID, half float64) {
	c := m.conf.Pool.Get(subject)
	if c == nil {
		return
	}
	if c.RTTMs == nil || half > *c.RTTMs {
		m.conf.Pool.SetRTT(subject, &half)
	}
}

func rttStr(v *float64) interface{} {
	if v == nil {
		return "null"
	}
	return *v
}
