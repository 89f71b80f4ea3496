// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package rollback

import (
	"time"

	"github.com/interactive-gym/session-engine/pkg/env"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// testChannel is an in-memory datagram link. Two instances sharing swapped
// queues form a lossless, instant pair.
type testChannel struct {
	out chan []byte
	in  chan []byte
}

func (c *testChannel) Send(data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case c.out <- cp:
		return nil
	default:
		return ErrChannelFull
	}
}

func (c *testChannel) Recv() <-chan []byte { return c.in }
func (c *testChannel) Usable() bool        { return true }
func (c *testChannel) Terminal() bool      { return false }

func testChannelPair() (*testChannel, *testChannel) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	return &testChannel{out: ab, in: ba}, &testChannel{out: ba, in: ab}
}

// stepTapEnv runs a callback before every environment step. Specs use it to
// emulate datagrams landing while a rollback replay is executing.
type stepTapEnv struct {
	inner  env.Environment
	onStep func()
}

func (t *stepTapEnv) Reset() (interface{}, error) { return t.inner.Reset() }

func (t *stepTapEnv) Step(actions ActionMap) (*env.StepResult, error) {
	if t.onStep != nil {
		t.onStep()
	}
	return t.inner.Step(actions)
}

func (t *stepTapEnv) GetState() (interface{}, error) {
	return t.inner.(env.Stateful).GetState()
}

func (t *stepTapEnv) SetState(state interface{}) error {
	return t.inner.(env.Stateful).SetState(state)
}

// script is a deterministic non-idle action schedule. Player 0 oscillates on
// the left half of the line, player 1 drifts right; they never share a cell,
// so the walk never terminates before truncation.
func script(p PlayerID, frame int) Action {
	if p == 0 {
		switch frame % 3 {
		case 0:
			return env.ActLeft
		case 1:
			return env.ActRight
		default:
			return env.ActIdle
		}
	}
	if frame%2 == 0 {
		return env.ActRight
	}
	return env.ActIdle
}

func newTestEngine(player PlayerID, humans []PlayerID, ch Channel, maxSteps int, hooks Hooks) *Engine {
	e := NewEngine(&Config{
		Session:     "test-session",
		LocalPlayer: player,
		Humans:      humans,
		Env:         env.NewGridWalk(11, maxSteps, humans),
		Channel:     ch,
		IdleAction:  env.ActIdle,
		MaxSteps:    maxSteps,
		Hooks:       hooks,
		Logger:      zap.NewNop().Sugar(),
	})
	Expect(e.ResetEpisode()).To(Succeed())
	return e
}

func tickScripted(e *Engine, p PlayerID) {
	e.SubmitLocalAction(script(p, e.CurrentFrame()))
	Expect(e.Tick()).To(Succeed())
}

var _ = Describe("Engine", func() {

	humans := []PlayerID{0, 1}

	Context("two peers in lockstep", func() {
		It("converges to identical confirmed rows", func() {
			chA, chB := testChannelPair()
			a := newTestEngine(0, humans, chA, 1000, Hooks{})
			b := newTestEngine(1, humans, chB, 1000, Hooks{})

			for i := 0; i < 60; i++ {
				tickScripted(a, 0)
				tickScripted(b, 1)
			}
			// Two drain rounds flush in-flight packets and hashes.
			Expect(a.Tick()).To(Succeed())
			Expect(b.Tick()).To(Succeed())
			Expect(a.Tick()).To(Succeed())
			Expect(b.Tick()).To(Succeed())

			Expect(a.ConfirmedFrame()).To(BeNumerically(">", 50))
			common := a.ConfirmedFrame()
			if b.ConfirmedFrame() < common {
				common = b.ConfirmedFrame()
			}
			rowsA := a.Recorder().ConfirmedRows()
			rowsB := b.Recorder().ConfirmedRows()
			for f := 0; f <= common; f++ {
				Expect(rowsA[f].Frame).To(Equal(f))
				Expect(rowsA[f].Actions).To(Equal(rowsB[f].Actions), "actions diverge at frame %d", f)
				Expect(rowsA[f].Rewards).To(Equal(rowsB[f].Rewards), "rewards diverge at frame %d", f)
				Expect(rowsA[f].Infos).To(Equal(rowsB[f].Infos), "infos diverge at frame %d", f)
			}
			Expect(a.Metrics().HashMismatches).To(Equal(0))
			Expect(b.Metrics().HashMismatches).To(Equal(0))
		})
	})

	Context("one peer running ahead", func() {
		It("rolls the leader back to the earliest misprediction", func() {
			chA, chB := testChannelPair()
			a := newTestEngine(0, humans, chA, 1000, Hooks{})
			b := newTestEngine(1, humans, chB, 1000, Hooks{})

			// A speculates 8 frames on idle predictions while B is silent.
			for i := 0; i < 8; i++ {
				tickScripted(a, 0)
			}
			Expect(a.CurrentFrame()).To(Equal(8))
			Expect(a.ConfirmedFrame()).To(Equal(-1))
			Expect(a.Metrics().TotalRollbacks).To(Equal(0))

			// B catches up with full knowledge of A's inputs; its packets
			// then correct A's predictions in one batch.
			for i := 0; i < 8; i++ {
				tickScripted(b, 1)
			}
			tickScripted(a, 0)

			Expect(a.Metrics().TotalRollbacks).To(Equal(1))
			Expect(a.Metrics().MaxRollbackDepth).To(Equal(8))
			Expect(a.ConfirmedFrame()).To(BeNumerically(">=", 7))

			// After the correction both confirmed prefixes agree.
			for i := 0; i < 10; i++ {
				tickScripted(b, 1)
				tickScripted(a, 0)
			}
			common := a.ConfirmedFrame()
			if b.ConfirmedFrame() < common {
				common = b.ConfirmedFrame()
			}
			rowsA := a.Recorder().ConfirmedRows()
			rowsB := b.Recorder().ConfirmedRows()
			for f := 0; f <= common; f++ {
				Expect(rowsA[f].Actions).To(Equal(rowsB[f].Actions), "actions diverge at frame %d", f)
			}
			Expect(a.Metrics().HashMismatches).To(Equal(0))
		})

		It("defers corrections arriving during a rollback to the next drain", func() {
			chA, chB := testChannelPair()
			tapped := &stepTapEnv{inner: env.NewGridWalk(11, 1000, humans)}
			e := NewEngine(&Config{
				Session:     "test-session",
				LocalPlayer: 0,
				Humans:      humans,
				Env:         tapped,
				Channel:     chA,
				IdleAction:  env.ActIdle,
				MaxSteps:    1000,
				Logger:      zap.NewNop().Sugar(),
			})
			Expect(e.ResetEpisode()).To(Succeed())

			// Speculate 6 frames on idle predictions for the partner.
			for i := 0; i < 6; i++ {
				tickScripted(e, 0)
			}
			Expect(e.CurrentFrame()).To(Equal(6))

			correct := func(entries []InputEntry) {
				data, err := EncodeInput(&InputPacket{Player: 1, Inputs: entries})
				Expect(err).NotTo(HaveOccurred())
				Expect(chB.Send(data)).To(Succeed())
			}
			correct([]InputEntry{
				{Frame: 2, Action: env.ActRight},
				{Frame: 1, Action: env.ActRight},
				{Frame: 0, Action: env.ActRight},
			})

			// The first replay step of the rollback puts fresh mispredicting
			// inputs on the wire; they must wait in the channel buffer.
			injected := false
			tapped.onStep = func() {
				if injected {
					return
				}
				injected = true
				correct([]InputEntry{
					{Frame: 5, Action: env.ActRight},
					{Frame: 4, Action: env.ActRight},
					{Frame: 3, Action: env.ActRight},
				})
			}

			tickScripted(e, 0)
			Expect(injected).To(BeTrue())
			Expect(e.Metrics().TotalRollbacks).To(Equal(1))
			Expect(e.ConfirmedFrame()).To(Equal(2))

			tapped.onStep = nil
			tickScripted(e, 0)
			Expect(e.Metrics().TotalRollbacks).To(Equal(2))
			Expect(e.ConfirmedFrame()).To(BeNumerically(">=", 5))
			rows := e.Recorder().ConfirmedRows()
			Expect(rows[4].Actions[1]).To(Equal(env.ActRight))
		})
	})

	Context("episode end", func() {
		It("fires the end hook at max steps and stops advancing", func() {
			chA, _ := testChannelPair()
			ended := -1
			e := newTestEngine(0, []PlayerID{0}, chA, 5, Hooks{
				OnEpisodeEnd: func(frame int) { ended = frame },
			})
			for i := 0; i < 8; i++ {
				tickScripted(e, 0)
			}
			Expect(ended).To(Equal(5))
			Expect(e.CurrentFrame()).To(Equal(5))
			Expect(e.LocalEnd()).NotTo(BeNil())
			Expect(*e.LocalEnd()).To(Equal(5))
		})

		It("never executes frames at or past the agreed boundary", func() {
			chA, _ := testChannelPair()
			e := newTestEngine(0, []PlayerID{0}, chA, 1000, Hooks{})
			for i := 0; i < 5; i++ {
				tickScripted(e, 0)
			}
			e.SetBoundary(3)
			Expect(e.Recorder().ConfirmedCount()).To(Equal(3))
			for i := 0; i < 3; i++ {
				Expect(e.Tick()).To(Succeed())
			}
			Expect(e.CurrentFrame()).To(Equal(5))
		})
	})

	Context("background mode", func() {
		It("stages partner inputs and catches up on fast-forward", func() {
			chA, chB := testChannelPair()
			a := newTestEngine(0, humans, chA, 1000, Hooks{})
			b := newTestEngine(1, humans, chB, 1000, Hooks{})

			a.SetBackgrounded(true)
			for i := 0; i < 10; i++ {
				tickScripted(b, 1)
				Expect(a.Tick()).To(Succeed())
			}
			Expect(a.CurrentFrame()).To(Equal(0))

			a.SetBackgrounded(false)
			Expect(a.FastForward()).To(Succeed())
			Expect(a.CurrentFrame()).To(Equal(10))

			// Caught-up frames ran with idle self inputs and count as
			// unfocused for the local player.
			rows := a.Recorder().ConfirmedRows()
			Expect(len(rows)).To(BeNumerically(">", 0))
			Expect(rows[0].Focused[0]).To(BeFalse())
			Expect(rows[0].Focused[1]).To(BeTrue())
		})
	})

	Context("latency measurement", func() {
		It("answers pings and reports the round trip", func() {
			chA, chB := testChannelPair()
			var rtt *int64
			a := newTestEngine(0, humans, chA, 1000, Hooks{
				OnPong: func(d time.Duration) { ms := d.Milliseconds(); rtt = &ms },
			})
			b := newTestEngine(1, humans, chB, 1000, Hooks{})

			a.Ping()
			Expect(b.Tick()).To(Succeed())
			Expect(a.Tick()).To(Succeed())
			Expect(rtt).NotTo(BeNil())
			Expect(*rtt).To(BeNumerically(">=", 0))
		})
	})
})
