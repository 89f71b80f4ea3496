// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
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

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// captureConn records every envelope the hub pushes down the fake socket.
type captureConn struct {
	id   uuid.UUID
	mux  sync.Mutex
	sent []transport.Envelope
}

func newCaptureConn() *captureConn {
	return &captureConn{id: uuid.New()}
}

func (c *captureConn) ID() uuid.UUID { return c.id }

func (c *captureConn) Send(data []byte) bool {
	var e transport.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return false
	}
	c.mux.Lock()
	c.sent = append(c.sent, e)
	c.mux.Unlock()
	return true
}

func (c *captureConn) Close() {}

func (c *captureConn) count(kind string) int {
	c.mux.Lock()
	defer c.mux.Unlock()
	n := 0
	for _, e := range c.sent {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (c *captureConn) last(kind string) (transport.Envelope, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Kind == kind {
			return c.sent[i], true
		}
	}
	return transport.Envelope{}, false
}

var arenaScene = SceneConfig{
	ID: "arena", Kind: SceneKindGym, NumHumans: 2, MaxSteps: 30, FrameRateHz: 60,
}

type harness struct {
	bus      mb.MessageBus
	hub      *transport.Hub
	reg      *registry.Registry
	sup      *Supervisor
	exporter *export.Writer
}

func newHarness(mp MultiplayerTypedConfig) *harness {
	logger := zap.NewNop().Sugar()
	bus := mb.New(64)
	hub := transport.NewHub(&transport.HubConfig{Logger: logger})
	reg := registry.NewRegistry(&registry.Config{
		Bus: bus,
		Hub: hub,
		Scenes: []SceneConfig{
			{ID: "intro", Kind: SceneKindStatic},
			arenaScene,
		},
		WaitroomTimeout: time.Hour,
		ReconnectGrace:  time.Hour,
		Logger:          logger,
	})
	dir, err := os.MkdirTemp("", "session-export")
	Expect(err).NotTo(HaveOccurred())
	exporter := export.NewWriter(&export.WriterConf{BaseDir: dir, Logger: logger})
	sup := NewSupervisor(&Config{
		Hub:         hub,
		Bus:         bus,
		Registry:    reg,
		Exporter:    exporter,
		Multiplayer: mp,
		Countdown:   10 * time.Millisecond,
		EnvFactory: func(scene SceneConfig) (env.Environment, error) {
			return env.NewGridWalk(11, scene.MaxSteps, []PlayerID{0}), nil
		},
		Logger: logger,
	})
	return &harness{bus: bus, hub: hub, reg: reg, sup: sup, exporter: exporter}
}

func (h *harness) pair() (*captureConn, *captureConn, *Session) {
	a, b := newCaptureConn(), newCaptureConn()
	h.hub.Attach(a)
	h.hub.Attach(b)
	match := &matchmaker.Match{
		ID:      uuid.New(),
		SceneID: arenaScene.ID,
		A:       &matchmaker.Candidate{Subject: "s1", Conn: a.id},
		B:       &matchmaker.Candidate{Subject: "s2", Conn: b.id},
	}
	return a, b, h.sup.CreateFromMatch(match, arenaScene)
}

// pairAdmitted routes both subjects through the registry before the match
// so the participant machines track the session lifecycle.
func (h *harness) pairAdmitted() (*captureConn, *captureConn, *Session) {
	a, b := newCaptureConn(), newCaptureConn()
	h.hub.Attach(a)
	h.hub.Attach(b)
	for subject, conn := range map[SubjectID]uuid.UUID{"s1": a.id, "s2": b.id} {
		_, err := h.reg.Admit(subject, conn, CallbackContext{})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.reg.AdvanceScene(subject)).To(Succeed())
		p := h.reg.Get(subject)
		Eventually(p.State).Should(Equal(StateInWaitroom))
	}
	match := &matchmaker.Match{
		ID:      uuid.New(),
		SceneID: arenaScene.ID,
		A:       &matchmaker.Candidate{Subject: "s1", Conn: a.id},
		B:       &matchmaker.Candidate{Subject: "s2", Conn: b.id},
	}
	sess := h.sup.CreateFromMatch(match, arenaScene)
	Eventually(h.reg.Get("s1").State).Should(Equal(StateInGame))
	Eventually(h.reg.Get("s2").State).Should(Equal(StateInGame))
	return a, b, sess
}

func frame(kind string, payload interface{}) []byte {
	body, err := json.Marshal(payload)
	Expect(err).NotTo(HaveOccurred())
	data, err := json.Marshal(transport.Envelope{Kind: kind, Payload: body})
	Expect(err).NotTo(HaveOccurred())
	return data
}

func ackedFrame(kind, ackID string, payload interface{}) []byte {
	body, err := json.Marshal(payload)
	Expect(err).NotTo(HaveOccurred())
	data, err := json.Marshal(transport.Envelope{Kind: kind, AckID: ackID, Payload: body})
	Expect(err).NotTo(HaveOccurred())
	return data
}

func p2pConf(episodes int) MultiplayerTypedConfig {
	return MultiplayerTypedConfig{
		Mode:                     ModeP2P,
		NumEpisodes:              episodes,
		ReconnectionTimeout:      time.Hour,
		PartnerDisconnectMessage: "your partner lost connection",
	}
}

var _ = Describe("Supervisor", func() {

	Context("session creation", func() {
		It("counts down and starts a pair session", func() {
			h := newHarness(p2pConf(2))
			events := make(chan SessionEvent, 8)
			h.bus.Subscribe(SessionEventsTopic, func(ev SessionEvent) { events <- ev })

			a, b, sess := h.pair()
			Expect(h.sup.Count()).To(Equal(1))
			Expect(h.sup.OfSubject("s1")).To(BeIdenticalTo(sess))
			Expect(h.sup.OfSubject("s2")).To(BeIdenticalTo(sess))
			id, ok := h.reg.GameOf("s1")
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal(sess.ID))
			Expect(h.hub.RoomSize(sess.Room())).To(Equal(2))

			Expect(a.count(MsgMatchFoundCountdown)).To(Equal(1))
			Expect(b.count(MsgMatchFoundCountdown)).To(Equal(1))

			Eventually(func() int { return a.count(MsgStartGame) }).Should(Equal(1))
			Eventually(func() int { return b.count(MsgStartGame) }).Should(Equal(1))
			start, ok := a.last(MsgStartGame)
			Expect(ok).To(BeTrue())
			var msg struct {
				Mode        string         `json:"mode"`
				Scene       string         `json:"scene"`
				Assignments map[string]int `json:"assignments"`
				NumEpisodes int            `json:"numEpisodes"`
			}
			Expect(json.Unmarshal(start.Payload, &msg)).To(Succeed())
			Expect(msg.Mode).To(Equal(ModeP2P))
			Expect(msg.Scene).To(Equal("arena"))
			Expect(msg.Assignments).To(HaveKeyWithValue("s1", 0))
			Expect(msg.Assignments).To(HaveKeyWithValue("s2", 1))
			Expect(msg.NumEpisodes).To(Equal(2))

			var ev SessionEvent
			Eventually(events).Should(Receive(&ev))
			Expect(ev.State).To(Equal(SessionActive))
			Expect(ev.Subjects).To(ConsistOf(SubjectID("s1"), SubjectID("s2")))
		})

		It("starts a single-player session without a countdown", func() {
			h := newHarness(p2pConf(1))
			c := newCaptureConn()
			h.hub.Attach(c)

			h.sup.CreateSinglePlayer("solo", c.id, arenaScene)
			Eventually(func() int { return c.count(MsgStartGame) }).Should(Equal(1))
			Expect(c.count(MsgMatchFoundCountdown)).To(BeZero())
		})
	})

	Context("disconnects", func() {
		It("notifies the survivor and swaps the connection on reconnect", func() {
			h := newHarness(p2pConf(2))
			a, b, sess := h.pairAdmitted()

			h.sup.HandleDisconnect(a.id)
			Eventually(func() int { return b.count(MsgTriggerDataExport) }).Should(Equal(1))
			push, _ := b.last(MsgTriggerDataExport)
			var notice struct {
				Reason               string   `json:"reason"`
				Message              string   `json:"message"`
				DisconnectedPlayerID PlayerID `json:"disconnectedPlayerId"`
			}
			Expect(json.Unmarshal(push.Payload, &notice)).To(Succeed())
			Expect(notice.Reason).To(Equal(ReasonPartnerDisconnected))
			Expect(notice.Message).To(Equal("your partner lost connection"))
			Expect(notice.DisconnectedPlayerID).To(Equal(PlayerID(0)))

			// The window is an hour, so the session survives the drop.
			Expect(h.sup.Count()).To(Equal(1))
			Eventually(h.reg.Get("s1").State).Should(Equal(StateDisconnectedReconnecting))

			fresh := newCaptureConn()
			h.hub.Attach(fresh)
			Expect(h.sup.HandleReconnect("s1", fresh.id)).To(Succeed())
			Expect(sess.memberBySubject("s1").Conn).To(Equal(fresh.id))
			Expect(sess.memberBySubject("s1").Connected).To(BeTrue())
			Eventually(h.reg.Get("s1").State).Should(Equal(StateInGame))
		})

		It("rejects reconnects for subjects without a live session", func() {
			h := newHarness(p2pConf(2))
			Expect(h.sup.HandleReconnect("ghost", uuid.New())).NotTo(Succeed())
		})

		It("tears down as partial when the reconnect window expires", func() {
			conf := p2pConf(2)
			conf.ReconnectionTimeout = 30 * time.Millisecond
			h := newHarness(conf)
			a, b, sess := h.pair()

			h.sup.HandleDisconnect(a.id)
			Eventually(h.sup.Count).Should(BeZero())

			status := h.sup.Status(sess)
			Expect(status.IsPartial).To(BeTrue())
			Expect(status.TerminationReason).To(Equal(ReasonPartnerDisconnected))
			Expect(status.DisconnectedPlayerID).NotTo(BeNil())
			Expect(*status.DisconnectedPlayerID).To(Equal(PlayerID(0)))

			Eventually(func() int { return b.count(MsgEndGame) }).Should(Equal(1))
			end, _ := b.last(MsgEndGame)
			var msg struct {
				IsPartial bool   `json:"isPartial"`
				Reason    string `json:"reason"`
			}
			Expect(json.Unmarshal(end.Payload, &msg)).To(Succeed())
			Expect(msg.IsPartial).To(BeTrue())
			Expect(msg.Reason).To(Equal(ReasonPartnerDisconnected))

			_, bound := h.reg.GameOf("s1")
			Expect(bound).To(BeFalse())
			Expect(h.hub.RoomSize(sess.Room())).To(BeZero())
		})
	})

	Context("teardown", func() {
		It("completes cleanly through EndGame exactly once", func() {
			h := newHarness(p2pConf(2))
			a, b, sess := h.pair()

			h.sup.EndGame(sess.ID, 2)
			Eventually(h.sup.Count).Should(BeZero())

			status := h.sup.Status(sess)
			Expect(status.IsPartial).To(BeFalse())
			Expect(status.TerminationReason).To(Equal(ReasonComplete))
			Expect(status.CompletedEpisodes).To(Equal(2))

			end, ok := a.last(MsgEndGame)
			Expect(ok).To(BeTrue())
			var msg struct {
				IsPartial bool `json:"isPartial"`
			}
			Expect(json.Unmarshal(end.Payload, &msg)).To(Succeed())
			Expect(msg.IsPartial).To(BeFalse())

			// Repeated exits against the dead session stay silent.
			h.sup.EndGame(sess.ID, 2)
			h.sup.HandleDisconnect(a.id)
			Consistently(func() int { return b.count(MsgEndGame) }).Should(Equal(1))
		})

		It("excludes a subject mid-game and tells the partner", func() {
			h := newHarness(p2pConf(2))
			a, _, sess := h.pair()

			h.sup.Exclude("s2", "attention check failed")
			Eventually(h.sup.Count).Should(BeZero())

			notice, ok := a.last(MsgPartnerExcluded)
			Expect(ok).To(BeTrue())
			var msg struct {
				Message string `json:"message"`
			}
			Expect(json.Unmarshal(notice.Payload, &msg)).To(Succeed())
			Expect(msg.Message).To(Equal("attention check failed"))

			status := h.sup.Status(sess)
			Expect(status.IsPartial).To(BeTrue())
			Expect(status.TerminationReason).To(Equal(ReasonExcluded))
			Expect(*status.DisconnectedPlayerID).To(Equal(PlayerID(1)))
		})
	})

	Context("inbound relays", func() {
		It("forwards signaling payloads to the partner untouched", func() {
			h := newHarness(p2pConf(2))
			a, b, _ := h.pair()

			h.hub.Dispatch(a.id, frame(MsgWebRTCSignal, map[string]string{"sdp": "offer"}))
			Eventually(func() int { return b.count(MsgWebRTCSignal) }).Should(Equal(1))
			relayed, _ := b.last(MsgWebRTCSignal)
			Expect(string(relayed.Payload)).To(MatchJSON(`{"sdp":"offer"}`))
			Expect(a.count(MsgWebRTCSignal)).To(BeZero())
		})

		It("publishes health reports on the bus", func() {
			h := newHarness(p2pConf(2))
			reports := make(chan HealthReport, 4)
			h.bus.Subscribe(HealthReportTopic, func(r HealthReport) { reports <- r })
			a, _, sess := h.pair()

			h.hub.Dispatch(a.id, frame(MsgP2PHealthReport, map[string]interface{}{"rttMs": 42}))
			var rep HealthReport
			Eventually(reports).Should(Receive(&rep))
			Expect(rep.SessionID).To(Equal(sess.ID))
			Expect(rep.Subject).To(Equal(SubjectID("s1")))
			Expect(string(rep.Payload)).To(MatchJSON(`{"rttMs":42}`))
		})

		It("publishes pushed metrics on the bus", func() {
			h := newHarness(p2pConf(2))
			metrics := make(chan MetricsReport, 4)
			h.bus.Subscribe(MetricsTopic, func(m MetricsReport) { metrics <- m })
			_, b, sess := h.pair()

			h.hub.Dispatch(b.id, frame(MsgEmitMetrics, map[string]interface{}{"rollbacks": 3}))
			var rep MetricsReport
			Eventually(metrics).Should(Receive(&rep))
			Expect(rep.SessionID).To(Equal(sess.ID))
			Expect(rep.Subject).To(Equal(SubjectID("s2")))
		})

		It("persists client-emitted episodes", func() {
			h := newHarness(p2pConf(2))
			a, _, _ := h.pair()

			rec := export.EpisodeRecord{
				SubjectID:        "s1",
				SessionID:        "abc",
				Episode:          3,
				TerminationFrame: 5,
				Rows:             []export.Row{{"frame": 0}},
			}
			h.hub.Dispatch(a.id, frame(MsgEmitEpisodeData, rec))

			path := h.exporter.Path("s1", 3)
			Eventually(func() error {
				_, err := os.Stat(path)
				return err
			}).Should(Succeed())
		})

		It("acks an emitted episode only once the write succeeded", func() {
			h := newHarness(p2pConf(2))
			a, _, _ := h.pair()

			// A file squatting on the subject directory makes every write fail.
			blocked := filepath.Dir(h.exporter.Path("s1", 0))
			Expect(os.WriteFile(blocked, []byte("not a directory"), 0o644)).To(Succeed())

			rec := export.EpisodeRecord{
				SubjectID: "s1",
				Episode:   0,
				Rows:      []export.Row{{"frame": 0}},
			}
			h.hub.Dispatch(a.id, ackedFrame(MsgEmitEpisodeData, "emit-1", rec))
			Expect(a.count(transport.AckKind)).To(BeZero())

			Expect(os.Remove(blocked)).To(Succeed())
			h.hub.Dispatch(a.id, ackedFrame(MsgEmitEpisodeData, "emit-1", rec))
			Expect(a.count(transport.AckKind)).To(Equal(1))
		})

		It("surfaces focus-loss terminations on the activity feed", func() {
			h := newHarness(p2pConf(1))
			focusEvents := make(chan ActivityEvent, 4)
			h.bus.Subscribe(ActivityTopic, func(ev ActivityEvent) {
				if ev.Kind == ActivityFocusTimeout {
					focusEvents <- ev
				}
			})
			a, _, _ := h.pair()

			rec := export.EpisodeRecord{
				SubjectID:        "s1",
				Episode:          0,
				TerminationFrame: 9,
				Rows:             []export.Row{{"frame": 0}},
				Status: SessionStatus{
					IsPartial:         true,
					TerminationReason: ReasonFocusLossTimeout,
				},
			}
			h.hub.Dispatch(a.id, frame(MsgEmitEpisodeData, rec))

			var ev ActivityEvent
			Eventually(focusEvents).Should(Receive(&ev))
			Expect(ev.Subject).To(Equal(SubjectID("s1")))
		})
	})

	Context("server-authoritative mode", func() {
		It("drives the environment loop and exports every episode", func() {
			h := newHarness(MultiplayerTypedConfig{
				Mode:                ModeServerAuth,
				NumEpisodes:         1,
				ReconnectionTimeout: time.Hour,
			})
			c := newCaptureConn()
			h.hub.Attach(c)

			scene := SceneConfig{
				ID: "solo", Kind: SceneKindGym, NumHumans: 1, MaxSteps: 3, FrameRateHz: 120,
			}
			h.sup.CreateSinglePlayer("solo", c.id, scene)

			Eventually(func() int { return c.count(MsgServerRenderState) }, "2s").Should(BeNumerically(">=", 1))
			Eventually(h.sup.Count, "2s").Should(BeZero())

			end, ok := c.last(MsgEndGame)
			Expect(ok).To(BeTrue())
			var msg struct {
				IsPartial bool `json:"isPartial"`
			}
			Expect(json.Unmarshal(end.Payload, &msg)).To(Succeed())
			Expect(msg.IsPartial).To(BeFalse())

			data, err := os.ReadFile(h.exporter.Path("solo", 0))
			Expect(err).NotTo(HaveOccurred())
			var rec export.EpisodeRecord
			Expect(json.Unmarshal(data, &rec)).To(Succeed())
			Expect(rec.SubjectID).To(Equal(SubjectID("solo")))
			Expect(rec.TerminationFrame).To(Equal(3))
			Expect(rec.Rows).To(HaveLen(3))
			Expect(rec.Rows[0]).To(HaveKey("actions.0"))
			Expect(rec.Status.CompletedEpisodes).To(Equal(1))
		})
	})
})
