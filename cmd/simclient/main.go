// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// simclient runs a headless pair of rollback clients against a local
// deterministic environment, over an in-memory lossy link. It drives the
// same engine, episode-sync and focus code a browser client embeds, and is
// used for soak runs and network-condition experiments: latency, loss,
// backgrounding, focus timeout and mid-game disconnect.
package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interactive-gym/session-engine/pkg/env"
	"github.com/interactive-gym/session-engine/pkg/episodesync"
	"github.com/interactive-gym/session-engine/pkg/export"
	"github.com/interactive-gym/session-engine/pkg/focus"
	l "github.com/interactive-gym/session-engine/pkg/logger"
	"github.com/interactive-gym/session-engine/pkg/p2p"
	"github.com/interactive-gym/session-engine/pkg/rollback"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	scenario := pflag.String("scenario", "happy", "one of: happy, latency, loss, background, focus-timeout, disconnect")
	maxSteps := pflag.Int("max-steps", 450, "episode length in frames")
	episodes := pflag.Int("episodes", 1, "episodes to play")
	frameRate := pflag.Float64("frame-rate", 30, "tick rate in Hz")
	latency := pflag.Duration("latency", 0, "one-way link latency")
	loss := pflag.Float64("loss", 0, "datagram loss rate 0..1")
	seed := pflag.Int64("seed", 7, "loss pattern seed")
	exportDir := pflag.String("export-dir", "./simclient-exports", "episode export directory")
	logLevel := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	logger, err := l.NewLogger(*logLevel)
	if err != nil {
		panic(err)
	}

	run := &pairRun{
		scenario:  *scenario,
		maxSteps:  *maxSteps,
		episodes:  *episodes,
		frameRate: *frameRate,
		latency:   *latency,
		loss:      *loss,
		seed:      *seed,
		exportDir: *exportDir,
		logger:    logger,
	}
	run.applyScenarioDefaults()
	if err := run.execute(); err != nil {
		logger.Errorf("run failed: %v", err)
		os.Exit(1)
	}
	if !run.report() {
		os.Exit(1)
	}
}

// pairRun owns one simulated pair session.
type pairRun struct {
	scenario  string
	maxSteps  int
	episodes  int
	frameRate float64
	latency   time.Duration
	loss      float64
	seed      int64
	exportDir string

	focusTimeout    time.Duration
	blurAtFrame     int
	refocusAfter    time.Duration
	disconnectFrame int
	reconnectWindow time.Duration

	logger *zap.SugaredLogger
	peers  [2]*peerRunner
}

// applyScenarioDefaults fills the network and timing injections per
// scenario.
func (r *pairRun) applyScenarioDefaults() {
	r.focusTimeout = 30 * time.Second
	switch r.scenario {
	case "latency":
		if r.latency == 0 {
			r.latency = 200 * time.Millisecond
		}
	case "loss":
		if r.loss == 0 {
			r.loss = 0.15
		}
	case "background":
		r.blurAtFrame = 180
		r.refocusAfter = 5 * time.Second
	case "focus-timeout":
		r.focusTimeout = 10 * time.Second
		r.blurAtFrame = 180
	case "disconnect":
		r.disconnectFrame = 300
		r.reconnectWindow = 5 * time.Second
	}
}

func (r *pairRun) execute() error {
	sessionID := uuid.New().String()
	condA, condB := p2p.NewPair(p2p.PairConfig{Latency: r.latency, LossRate: r.loss, Seed: r.seed})
	writer := export.NewWriter(&export.WriterConf{BaseDir: r.exportDir, Logger: r.logger})

	humans := []PlayerID{0, 1}
	for i := 0; i < 2; i++ {
		conduit := condA
		if i == 1 {
			conduit = condB
		}
		r.peers[i] = newPeerRunner(&peerConf{
			session:      sessionID,
			subject:      SubjectID(fmt.Sprintf("sim-%d", i)),
			player:       PlayerID(i),
			humans:       humans,
			maxSteps:     r.maxSteps,
			episodes:     r.episodes,
			conduit:      conduit,
			writer:       writer,
			focusTimeout: r.focusTimeout,
			logger:       r.logger.With("peer", i),
		})
	}
	r.peers[0].partner = r.peers[1]
	r.peers[1].partner = r.peers[0]
	for _, p := range r.peers {
		if err := p.engine.ResetEpisode(); err != nil {
			return err
		}
	}

	go r.injectScenario()

	var wg sync.WaitGroup
	for _, p := range r.peers {
		wg.Add(1)
		go func(pr *peerRunner) {
			defer wg.Done()
			pr.loop(r.frameRate)
		}(p)
	}
	wg.Wait()
	return nil
}

// injectScenario watches the run and applies the scripted disturbance.
func (r *pairRun) injectScenario() {
	switch r.scenario {
	case "background", "focus-timeout":
		r.awaitFrame(r.peers[0], r.blurAtFrame)
		r.peers[0].post(func() { r.peers[0].blur() })
		if r.refocusAfter > 0 {
			time.Sleep(r.refocusAfter)
			r.peers[0].post(func() { r.peers[0].refocus() })
		}
	case "disconnect":
		r.awaitFrame(r.peers[0], r.disconnectFrame)
		r.peers[0].conduit.Fail()
		time.Sleep(r.reconnectWindow)
		offender := PlayerID(0)
		r.peers[1].post(func() { r.peers[1].terminate(ReasonPartnerDisconnected, &offender) })
		r.peers[0].post(func() { r.peers[0].stop() })
	}
}

// awaitFrame polls until the peer crossed the frame or finished. The frame
// is read on the peer's own goroutine; the engine is not goroutine-safe.
func (r *pairRun) awaitFrame(p *peerRunner, frame int) {
	for {
		if p.finished() || p.frameSnapshot() >= frame {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// report compares both exports and prints the outcome. Focus columns are
// excluded from the parity check.
func (r *pairRun) report() bool {
	a, b := r.peers[0].records, r.peers[1].records
	fmt.Printf("scenario %s: peer0 %d episodes, peer1 %d episodes\n", r.scenario, len(a), len(b))
	ok := true
	for i := 0; i < len(a) && i < len(b); i++ {
		parity := export.ParityCheck(a[i], b[i], []PlayerID{0, 1})
		fmt.Printf("episode %d: rows %d/%d, parity %v\n", i, len(a[i].Rows), len(b[i].Rows), parity)
		if !parity {
			ok = false
		}
	}
	for i, p := range r.peers {
		m := p.engine.Metrics()
		fmt.Printf("peer%d: rollbacks %d (max depth %d), hash mismatches %d\n",
			i, m.TotalRollbacks, m.MaxRollbackDepth, m.HashMismatches)
	}
	return ok
}

// peerConf configures one simulated client.
type peerConf struct {
	session      string
	subject      SubjectID
	player       PlayerID
	humans       []PlayerID
	maxSteps     int
	episodes     int
	conduit      *p2p.Conduit
	writer       *export.Writer
	focusTimeout time.Duration
	logger       *zap.SugaredLogger
}

// peerRunner is one headless client: engine, episode-sync coordinator and
// focus guard on a single tick goroutine, like the browser runtime.
type peerRunner struct {
	conf    *peerConf
	engine  *rollback.Engine
	coord   *episodesync.Coordinator
	guard   *focus.Guard
	checker episodesync.ChannelChecker
	conduit *p2p.Conduit
	partner *peerRunner

	inject  chan func()
	done    chan struct{}
	once    sync.Once
	records []*export.EpisodeRecord
}

func newPeerRunner(conf *peerConf) *peerRunner {
	players := append([]PlayerID{}, conf.humans...)
	walkers := env.NewGridWalk(11, conf.maxSteps, players)
	p := &peerRunner{
		conf:    conf,
		conduit: conf.conduit,
		inject:  make(chan func(), 16),
		done:    make(chan struct{}),
	}
	p.engine = rollback.NewEngine(&rollback.Config{
		Session:     conf.session,
		LocalPlayer: conf.player,
		Humans:      conf.humans,
		Env:         walkers,
		Channel:     conf.conduit,
		IdleAction:  env.ActIdle,
		MaxSteps:    conf.maxSteps,
		Hooks: rollback.Hooks{
			OnEpisodeEnd:   func(end int) { p.coord.DeclareLocalEnd(end) },
			OnEpisodeReady: func(sig uint64) { p.coord.HandleRemoteSignature(sig) },
		},
		Logger: conf.logger,
	})
	p.coord = episodesync.NewCoordinator(&episodesync.Config{
		Engine:      p.engine,
		NumEpisodes: conf.episodes,
		Logger:      conf.logger,
	})
	p.guard = focus.NewGuard(&focus.GuardConf{
		Engine:      p.engine,
		LocalPlayer: conf.player,
		Timeout:     conf.focusTimeout,
		OnTimeout:   p.onFocusTimeout,
		Logger:      conf.logger,
	})
	p.checker = episodesync.NewP2PChecker(&episodesync.P2PCheckerConf{Logger: conf.logger})
	return p
}

// loop is the tick goroutine.
func (p *peerRunner) loop(hz float64) {
	ticker := focus.NewIntervalTicker(hz)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case fn := <-p.inject:
			fn()
		case <-ticker.C():
			p.tick()
		}
	}
}

func (p *peerRunner) tick() {
	if p.guard.Backgrounded() {
		// Keep draining the link so the partner's inputs queue up.
		if err := p.engine.Tick(); err != nil {
			p.conf.logger.Errorf("background tick: %v", err)
		}
		return
	}
	p.engine.SubmitLocalAction(scriptedAction(p.conf.player, p.engine.CurrentFrame()))
	if err := p.engine.Tick(); err != nil {
		p.conf.logger.Errorf("tick: %v", err)
		p.stop()
		return
	}
	if p.coord.Agreed() && p.engine.CurrentFrame() >= *p.coord.SyncedTerminationFrame() {
		p.finishEpisode()
	}
}

// finishEpisode finalizes, exports and either resets or stops.
func (p *peerRunner) finishEpisode() {
	result, err := p.coord.Finalize(p.engine.Tick)
	if err != nil {
		p.conf.logger.Errorf("finalize: %v", err)
		p.stop()
		return
	}
	rec := &export.EpisodeRecord{
		SubjectID:        p.conf.subject,
		SessionID:        p.conf.session,
		Episode:          result.Episode,
		TerminationFrame: result.TerminationFrame,
		Rows:             export.FlattenAll(result.Rows, p.conf.humans),
		Status:           SessionStatus{CompletedEpisodes: result.Episode + 1},
	}
	p.records = append(p.records, rec)
	if _, err := p.conf.writer.WriteEpisode(rec); err != nil {
		p.conf.logger.Errorf("export: %v", err)
	}
	if err := p.coord.CompleteReset(); err != nil {
		p.conf.logger.Errorf("reset: %v", err)
		p.stop()
		return
	}
	if !p.coord.RemainingEpisodes() {
		p.stop()
		return
	}
	if err := p.checker.Verify(p.conduit); err != nil {
		p.conf.logger.Errorf("round health check: %v", err)
		p.stop()
	}
}

// terminate ends the session partially, exporting everything collected.
func (p *peerRunner) terminate(reason string, offender *PlayerID) {
	if p.finished() {
		return
	}
	result, err := p.coord.Finalize(p.engine.Tick)
	if err == nil {
		rec := &export.EpisodeRecord{
			SubjectID:        p.conf.subject,
			SessionID:        p.conf.session,
			Episode:          result.Episode,
			TerminationFrame: result.TerminationFrame,
			Rows:             export.FlattenAll(result.Rows, p.conf.humans),
			Status: SessionStatus{
				IsPartial:            true,
				TerminationReason:    reason,
				DisconnectedPlayerID: offender,
				CompletedEpisodes:    result.Episode,
			},
		}
		p.records = append(p.records, rec)
		if _, err := p.conf.writer.WriteEpisode(rec); err != nil {
			p.conf.logger.Errorf("partial export: %v", err)
		}
	}
	p.stop()
}

func (p *peerRunner) blur() {
	p.guard.Blur()
	p.partner.post(func() { p.partner.guard.HandlePartnerSignal(false) })
}

func (p *peerRunner) refocus() {
	if err := p.guard.Focus(); err != nil {
		p.conf.logger.Errorf("fast-forward: %v", err)
	}
	p.partner.post(func() { p.partner.guard.HandlePartnerSignal(true) })
}

// onFocusTimeout fires on the timer goroutine; both peers end partial.
func (p *peerRunner) onFocusTimeout(offender PlayerID) {
	off := offender
	p.post(func() { p.terminate(ReasonFocusLossTimeout, &off) })
	p.partner.post(func() { p.partner.terminate(ReasonFocusLossTimeout, &off) })
}

func (p *peerRunner) post(fn func()) {
	select {
	case <-p.done:
	case p.inject <- fn:
	}
}

func (p *peerRunner) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *peerRunner) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// frameSnapshot reads the current frame from the tick goroutine.
func (p *peerRunner) frameSnapshot() int {
	ch := make(chan int, 1)
	p.post(func() { ch <- p.engine.CurrentFrame() })
	select {
	case f := <-ch:
		return f
	case <-p.done:
		return int(^uint(0) >> 1)
	}
}

// scriptedAction produces a deterministic but lively input stream per
// player, guaranteeing mispredictions under latency.
func scriptedAction(player PlayerID, frame int) Action {
	switch (frame/7 + int(player)) % 3 {
	case 1:
		return env.ActLeft
	case 2:
		return env.ActRight
	default:
		return env.ActIdle
	}
}
