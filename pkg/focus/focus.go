// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package focus keeps the game loop correct across tab backgrounding and
// refocus. A backgrounded client stops executing frames but keeps draining
// the network; on refocus a single fast-forward batch catches it up. A
// bounded focus-loss timeout ends sessions whose player never returns.
package focus

import (
	"sync"
	"time"

	"github.com/interactive-gym/session-engine/pkg/rollback"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"
)

// DefaultFocusLossTimeout bounds background duration when the session
// config does not override it.
const DefaultFocusLossTimeout = 30 * time.Second

// TickSource emits the frame cadence. Implementations must keep ticking
// while the client is backgrounded; a paused source would freeze the
// network drain and stall the partner's confirmations.
type TickSource interface {
	C() <-chan time.Time
	Stop()
}

// NewIntervalTicker returns a monotonic tick source at the given rate.
func NewIntervalTicker(hz float64) *IntervalTicker {
	if hz <= 0 {
		hz = 10
	}
	return &IntervalTicker{ticker: time.NewTicker(time.Duration(float64(time.Second) / hz))}
}

// IntervalTicker is a TickSource backed by time.Ticker. Unlike browser
// timers it is not throttled in the background, which is exactly the
// worker-timer behavior the engine needs.
type IntervalTicker struct {
	ticker *time.Ticker
}

// C returns the tick channel.
func (t *IntervalTicker) C() <-chan time.Time { return t.ticker.C }

// Stop stops the underlying ticker.
func (t *IntervalTicker) Stop() { t.ticker.Stop() }

// GuardConf configures a focus guard for one local player.
type GuardConf struct {
	Engine      *rollback.Engine
	LocalPlayer PlayerID
	// Timeout is the focus-loss budget; 0 disables the timeout entirely.
	Timeout time.Duration
	// OnTimeout fires once when the budget expires while still
	// backgrounded. It runs on the timer goroutine; implementations
	// hand off to the session mailbox.
	OnTimeout func(offender PlayerID)
	Logger    *zap.SugaredLogger
}

// NewGuard returns a guard in the focused state.
func NewGuard(conf *GuardConf) *Guard {
	return &Guard{conf: conf}
}

// Guard tracks the local visibility state and drives the engine's
// background mode, the refocus fast-forward and the focus-loss timer.
type Guard struct {
	conf  *GuardConf
	mux   sync.Mutex
	timer *time.Timer
	away  bool
}

// Backgrounded reports whether the local tab is currently hidden.
func (g *Guard) Backgrounded() bool {
	g.mux.Lock()
	defer g.mux.Unlock()
	return g.away
}

// Blur transitions into the background: frame execution stops, inbound
// datagrams queue up, and the focus-loss timer starts if enabled.
func (g *Guard) Blur() {
	g.mux.Lock()
	defer g.mux.Unlock()
	if g.away {
		return
	}
	g.away = true
	g.conf.Engine.SetLocalFocused(false)
	g.conf.Engine.SetBackgrounded(true)
	if g.conf.Timeout > 0 {
		g.timer = time.AfterFunc(g.conf.Timeout, g.expire)
	}
	g.conf.Logger.Debugf("player %d backgrounded, timeout %s", g.conf.LocalPlayer, g.conf.Timeout)
}

// Focus returns from the background: the timer is cancelled and the engine
// fast-forwards through the queued partner inputs in one batch.
func (g *Guard) Focus() error {
	g.mux.Lock()
	if !g.away {
		g.mux.Unlock()
		return nil
	}
	g.away = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mux.Unlock()

	g.conf.Engine.SetBackgrounded(false)
	g.conf.Engine.SetLocalFocused(true)
	start := g.conf.Engine.CurrentFrame()
	if err := g.conf.Engine.FastForward(); err != nil {
		return err
	}
	g.conf.Logger.Infof("player %d refocused, fast-forwarded %d..%d",
		g.conf.LocalPlayer, start, g.conf.Engine.CurrentFrame())
	return nil
}

// HandlePartnerSignal records the partner's last known focus state; every
// stored frame carries it from here on.
func (g *Guard) HandlePartnerSignal(focused bool) {
	g.conf.Engine.SetPartnerFocused(focused)
}

// Stop cancels the pending timer, if any.
func (g *Guard) Stop() {
	g.mux.Lock()
	defer g.mux.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Guard) expire() {
	g.mux.Lock()
	stillAway := g.away
	g.mux.Unlock()
	if !stillAway {
		return
	}
	g.conf.Logger.Warnf("player %d exceeded focus-loss timeout of %s", g.conf.LocalPlayer, g.conf.Timeout)
	if g.conf.OnTimeout != nil {
		g.conf.OnTimeout(g.conf.LocalPlayer)
	}
}
