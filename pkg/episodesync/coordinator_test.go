// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package episodesync

import (
	"time"

	"github.com/interactive-gym/session-engine/pkg/env"
	"github.com/interactive-gym/session-engine/pkg/export"
	"github.com/interactive-gym/session-engine/pkg/p2p"
	"github.com/interactive-gym/session-engine/pkg/rollback"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// peer bundles one side of a two-player round for the scenarios below.
type peer struct {
	engine *rollback.Engine
	coord  *Coordinator
	player PlayerID
}

func newPeer(player PlayerID, ch rollback.Channel, maxSteps, numEpisodes int) *peer {
	p := &peer{player: player}
	humans := []PlayerID{0, 1}
	p.engine = rollback.NewEngine(&rollback.Config{
		Session:     "sync-test",
		LocalPlayer: player,
		Humans:      humans,
		Env:         env.NewGridWalk(11, maxSteps, humans),
		Channel:     ch,
		IdleAction:  env.ActIdle,
		MaxSteps:    maxSteps,
		Hooks: rollback.Hooks{
			OnEpisodeEnd:   func(frame int) { p.coord.DeclareLocalEnd(frame) },
			OnEpisodeReady: func(sig uint64) { p.coord.HandleRemoteSignature(sig) },
		},
		Logger: zap.NewNop().Sugar(),
	})
	p.coord = NewCoordinator(&Config{
		Engine:              p.engine,
		ConfirmationTimeout: 500 * time.Millisecond,
		NumEpisodes:         numEpisodes,
		Logger:              zap.NewNop().Sugar(),
	})
	Expect(p.engine.ResetEpisode()).To(Succeed())
	return p
}

// steer keeps the players on disjoint halves of the walk so the episode only
// ends by truncation.
func steer(player PlayerID, frame int) Action {
	if player == 0 {
		if frame%2 == 0 {
			return env.ActLeft
		}
		return env.ActRight
	}
	if frame%2 == 0 {
		return env.ActRight
	}
	return env.ActIdle
}

func (p *peer) tick() {
	p.engine.SubmitLocalAction(steer(p.player, p.engine.CurrentFrame()))
	Expect(p.engine.Tick()).To(Succeed())
}

var _ = Describe("Coordinator", func() {

	Context("boundary negotiation", func() {
		var c *Coordinator
		var eng *rollback.Engine

		BeforeEach(func() {
			ch, _ := p2p.NewPair(p2p.PairConfig{})
			eng = rollback.NewEngine(&rollback.Config{
				Session:     "nego-test",
				LocalPlayer: 0,
				Humans:      []PlayerID{0, 1},
				Env:         env.NewGridWalk(11, 100, []PlayerID{0, 1}),
				Channel:     ch,
				IdleAction:  env.ActIdle,
				MaxSteps:    100,
				Logger:      zap.NewNop().Sugar(),
			})
			Expect(eng.ResetEpisode()).To(Succeed())
			c = NewCoordinator(&Config{
				Engine:      eng,
				NumEpisodes: 1,
				Logger:      zap.NewNop().Sugar(),
			})
		})

		It("starts in the running phase", func() {
			Expect(c.Phase()).To(Equal(SyncRunning))
			Expect(c.Episode()).To(Equal(0))
			Expect(c.Agreed()).To(BeFalse())
		})

		It("lets the later end frame win", func() {
			c.DeclareLocalEnd(25)
			Expect(c.Phase()).To(Equal(SyncNegotiatingEnd))
			Expect(c.Agreed()).To(BeFalse())

			c.HandleRemoteSignature(boundarySignature(0, 28))
			Expect(c.Agreed()).To(BeTrue())
			Expect(*c.SyncedTerminationFrame()).To(Equal(28))
			Expect(eng.Boundary()).NotTo(BeNil())
			Expect(*eng.Boundary()).To(Equal(28))
		})

		It("keeps the local end when it is the later one", func() {
			c.DeclareLocalEnd(30)
			c.HandleRemoteSignature(boundarySignature(0, 28))
			Expect(*c.SyncedTerminationFrame()).To(Equal(30))
		})

		It("ignores declarations for other episodes", func() {
			c.DeclareLocalEnd(25)
			c.HandleRemoteSignature(boundarySignature(1, 28))
			Expect(c.Agreed()).To(BeFalse())
		})

		It("ignores duplicate local declarations", func() {
			c.DeclareLocalEnd(25)
			c.DeclareLocalEnd(99)
			c.HandleRemoteSignature(boundarySignature(0, 10))
			Expect(*c.SyncedTerminationFrame()).To(Equal(25))
		})

		It("round-trips the boundary signature", func() {
			episode, frame := splitSignature(boundarySignature(7, 1234))
			Expect(episode).To(Equal(7))
			Expect(frame).To(Equal(1234))
		})
	})

	Context("two peers completing an episode", func() {
		It("exports identical rows up to the agreed boundary", func() {
			const maxSteps = 30
			chA, chB := p2p.NewPair(p2p.PairConfig{Seed: 1})
			a := newPeer(0, chA, maxSteps, 2)
			b := newPeer(1, chB, maxSteps, 2)

			for i := 0; i < maxSteps+10 && !(a.coord.Agreed() && b.coord.Agreed()); i++ {
				a.tick()
				b.tick()
			}
			Expect(a.coord.Agreed()).To(BeTrue())
			Expect(b.coord.Agreed()).To(BeTrue())
			Expect(*a.coord.SyncedTerminationFrame()).To(Equal(*b.coord.SyncedTerminationFrame()))

			resA, err := a.coord.Finalize(a.engine.Tick)
			Expect(err).NotTo(HaveOccurred())
			resB, err := b.coord.Finalize(b.engine.Tick)
			Expect(err).NotTo(HaveOccurred())

			Expect(resA.TerminationFrame).To(Equal(maxSteps))
			Expect(resA.Rows).To(HaveLen(maxSteps))
			Expect(resB.Rows).To(HaveLen(maxSteps))

			humans := []PlayerID{0, 1}
			recA := &export.EpisodeRecord{Episode: resA.Episode, TerminationFrame: resA.TerminationFrame, Rows: export.FlattenAll(resA.Rows, humans)}
			recB := &export.EpisodeRecord{Episode: resB.Episode, TerminationFrame: resB.TerminationFrame, Rows: export.FlattenAll(resB.Rows, humans)}
			Expect(export.ParityCheck(recA, recB, humans)).To(BeTrue())

			Expect(a.coord.CompleteReset()).To(Succeed())
			Expect(b.coord.CompleteReset()).To(Succeed())
			Expect(a.coord.Episode()).To(Equal(1))
			Expect(a.coord.Phase()).To(Equal(SyncRunning))
			Expect(a.engine.CurrentFrame()).To(Equal(0))
			Expect(a.engine.Boundary()).To(BeNil())
			Expect(a.coord.RemainingEpisodes()).To(BeTrue())
		})
	})

	Context("partner never confirms", func() {
		It("force-promotes the speculative tail after the wait times out", func() {
			const maxSteps = 10
			ch, _ := p2p.NewPair(p2p.PairConfig{})
			a := newPeer(0, ch, maxSteps, 1)
			a.coord.conf.ConfirmationTimeout = 20 * time.Millisecond

			for i := 0; i < maxSteps; i++ {
				a.tick()
			}
			Expect(a.engine.LocalEnd()).NotTo(BeNil())
			Expect(a.engine.ConfirmedFrame()).To(Equal(-1))

			res, err := a.coord.Finalize(a.engine.Tick)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.TerminationFrame).To(Equal(maxSteps))
			Expect(res.ForcePromoted).To(HaveLen(maxSteps))
			for _, row := range res.Rows {
				Expect(row.WasSpeculative).To(BeTrue())
			}
			Expect(a.coord.RemainingEpisodes()).To(BeTrue())
			Expect(a.coord.CompleteReset()).To(Succeed())
			Expect(a.coord.RemainingEpisodes()).To(BeFalse())
		})
	})

	Context("no boundary was ever negotiated", func() {
		It("falls back to the current frame on finalize", func() {
			ch, _ := p2p.NewPair(p2p.PairConfig{})
			a := newPeer(0, ch, 100, 1)
			a.coord.conf.ConfirmationTimeout = 20 * time.Millisecond

			for i := 0; i < 5; i++ {
				a.tick()
			}
			res, err := a.coord.Finalize(a.engine.Tick)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.TerminationFrame).To(Equal(5))
			Expect(res.Rows).To(HaveLen(5))
		})
	})
})
