// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package env

import (
	. "github.com/interactive-gym/session-engine/pkg/types"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("GridWalk", func() {

	players := []PlayerID{0, 1}

	It("is deterministic under identical action sequences", func() {
		run := func() (interface{}, error) {
			g := NewGridWalk(11, 50, players)
			g.Reset()
			for i := 0; i < 20; i++ {
				_, err := g.Step(ActionMap{0: ActLeft, 1: ActRight})
				if err != nil {
					return nil, err
				}
			}
			return g.GetState()
		}
		s1, err := run()
		Expect(err).NotTo(HaveOccurred())
		s2, err := run()
		Expect(err).NotTo(HaveOccurred())
		Expect(s1).To(Equal(s2))
	})

	It("clamps movement at the line boundaries", func() {
		g := NewGridWalk(3, 50, []PlayerID{0})
		g.Reset()
		for i := 0; i < 5; i++ {
			_, err := g.Step(ActionMap{0: ActLeft})
			Expect(err).NotTo(HaveOccurred())
		}
		state, err := g.GetState()
		Expect(err).NotTo(HaveOccurred())
		Expect(state.(GridWalkState).Positions[0]).To(Equal(0))
	})

	It("round-trips its state through snapshot and restore", func() {
		g := NewGridWalk(11, 50, players)
		g.Reset()
		for i := 0; i < 7; i++ {
			g.Step(ActionMap{0: ActRight, 1: ActLeft})
		}
		snapshot, err := g.GetState()
		Expect(err).NotTo(HaveOccurred())

		g.Step(ActionMap{0: ActRight, 1: ActRight})
		diverged, _ := g.GetState()
		Expect(diverged).NotTo(Equal(snapshot))

		Expect(g.SetState(snapshot)).To(Succeed())
		restored, err := g.GetState()
		Expect(err).NotTo(HaveOccurred())
		Expect(restored).To(Equal(snapshot))

		// Replays from the restored state must match the original run.
		res, err := g.Step(ActionMap{0: ActRight, 1: ActRight})
		Expect(err).NotTo(HaveOccurred())
		after, _ := g.GetState()
		Expect(after).To(Equal(diverged))
		Expect(res.Observation).NotTo(BeNil())
	})

	It("returns snapshots that are isolated from later steps", func() {
		g := NewGridWalk(11, 50, players)
		g.Reset()
		snapshot, _ := g.GetState()
		g.Step(ActionMap{0: ActRight, 1: ActRight})
		Expect(snapshot.(GridWalkState).Positions[0]).To(Equal(5))
	})

	It("truncates at max steps without terminating", func() {
		g := NewGridWalk(11, 3, players)
		g.Reset()
		var last *StepResult
		for i := 0; i < 3; i++ {
			var err error
			last, err = g.Step(ActionMap{0: ActIdle, 1: ActIdle})
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(last.Truncated[0]).To(BeTrue())
		Expect(last.Terminated[0]).To(BeFalse())
		Expect(last.Done()).To(BeTrue())
	})

	It("terminates when every player stands on the target", func() {
		g := NewGridWalk(1, 50, players)
		g.Reset()
		// A single-cell line pins everyone onto the target immediately.
		res, err := g.Step(ActionMap{0: ActIdle, 1: ActIdle})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Terminated[0]).To(BeTrue())
		Expect(res.Rewards[0]).To(BeNumerically("~", 1.0/3.0, 1e-9))
	})

	It("rejects stepping before reset", func() {
		g := &GridWalk{Width: 11, MaxSteps: 50, Players: players}
		_, err := g.Step(ActionMap{})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ChaseBot", func() {

	It("walks toward the target cell", func() {
		bot := ChaseBot{Me: 1}
		obs := map[string]interface{}{
			"positions": map[string]int{"1": 2},
			"target":    7,
			"steps":     1,
		}
		Expect(bot.Act(0, obs)).To(Equal(ActRight))

		obs["positions"] = map[string]int{"1": 9}
		Expect(bot.Act(1, obs)).To(Equal(ActLeft))

		obs["positions"] = map[string]int{"1": 7}
		Expect(bot.Act(2, obs)).To(Equal(ActIdle))
	})

	It("idles on malformed observations", func() {
		bot := ChaseBot{Me: 0}
		Expect(bot.Act(0, nil)).To(Equal(ActIdle))
		Expect(bot.Act(0, map[string]interface{}{})).To(Equal(ActIdle))
	})
})
