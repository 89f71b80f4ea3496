// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package rollback implements the frame-synchronous multi-party game loop
// with GGPO-style input queueing, speculative execution, rollback on
// misprediction, confirmed-frame tracking and dual-buffer data capture.
//
// The engine is single-threaded by contract: Tick, FastForward and every
// mutator must be called from the same goroutine (the session tick loop).
// Network traffic is drained from the channel at tick start only; datagrams
// arriving during rollback replay therefore wait in the channel buffer and
// can never trigger a nested rollback.
package rollback

import (
	"time"

	"github.com/interactive-gym/session-engine/pkg/env"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"
)

const (
	// DefaultSnapshotWindow is how many recent frames keep a restorable
	// snapshot. It must strictly exceed the maximum rollback depth.
	DefaultSnapshotWindow = 150
	// HashHistoryCap bounds the per-session confirmed hash maps.
	HashHistoryCap = 120
)

// Hooks are the engine's outbound notifications. All hooks fire on the tick
// goroutine; implementations must not block.
type Hooks struct {
	OnHashMismatch func(frame int, local, remote string)
	OnEpisodeEnd   func(localEndFrame int)
	OnEpisodeReady func(signature uint64)
	OnPong         func(rtt time.Duration)
}

// Config carries everything a per-session engine needs.
type Config struct {
	Session        string
	LocalPlayer    PlayerID
	Humans         []PlayerID // all human players including the local one
	Bots           map[PlayerID]env.BotPolicy
	Env            env.Environment
	Channel        Channel
	IdleAction     Action
	MaxSteps       int
	SnapshotWindow int
	Hooks          Hooks
	Logger         *zap.SugaredLogger
}

// Metrics is a point-in-time telemetry snapshot of the engine.
type Metrics struct {
	CurrentFrame     int `json:"currentFrame"`
	ConfirmedFrame   int `json:"confirmedFrame"`
	TotalRollbacks   int `json:"totalRollbacks"`
	MaxRollbackDepth int `json:"maxRollbackDepth"`
	BufferedInputs   int `json:"bufferedInputs"`
	HashMismatches   int `json:"hashMismatches"`
}

// NewEngine returns an engine ready for the first episode. The environment
// must already be reset by the caller through ResetEpisode.
func NewEngine(conf *Config) *Engine {
	if conf.SnapshotWindow == 0 {
		conf.SnapshotWindow = DefaultSnapshotWindow
	}
	_, stateful := conf.Env.(env.Stateful)
	e := &Engine{
		conf:            conf,
		stateful:        stateful,
		pendingRollback: -1,
	}
	if !stateful {
		conf.Logger.Warnf("environment has no state access, rollback disabled for session %s", conf.Session)
	}
	e.resetState()
	return e
}

// Engine drives one human player's view of a game session.
type Engine struct {
	conf     *Config
	stateful bool

	frame          int
	confirmedFrame int
	localAction    Action
	localHistory   []InputEntry // newest first
	inputs         *InputBuffer
	recorder       *Recorder

	snapshots  map[int]interface{} // post-step state per executed frame
	obsHistory map[int]interface{} // post-step observation per executed frame
	initState  interface{}
	initObs    interface{}
	lastObs    interface{}

	localHashes    map[int]string
	remoteHashes   map[int]string
	outboundHashes []int
	reported       map[int]bool

	pendingRollback    int
	rollbackInProgress bool
	totalRollbacks     int
	maxRollbackDepth   int
	mismatches         int

	localEnd *int
	boundary *int

	backgrounded   bool
	localFocused   bool
	partnerFocused bool
	bgInputs       []*InputPacket
}

func (e *Engine) resetState() {
	e.frame = 0
	e.confirmedFrame = -1
	e.localAction = e.conf.IdleAction
	e.localHistory = nil
	e.inputs = NewInputBuffer(e.conf.Humans)
	e.recorder = NewRecorder()
	e.snapshots = map[int]interface{}{}
	e.obsHistory = map[int]interface{}{}
	e.localHashes = map[int]string{}
	e.remoteHashes = map[int]string{}
	e.outboundHashes = nil
	e.reported = map[int]bool{}
	e.pendingRollback = -1
	e.localEnd = nil
	e.boundary = nil
	e.bgInputs = nil
	e.localFocused = true
	e.partnerFocused = true
}

// ResetEpisode resets the environment and all per-episode engine state.
// The caller must have exported the previous episode first.
func (e *Engine) ResetEpisode() error {
	obs, err := e.conf.Env.Reset()
	if err != nil {
		return err
	}
	e.resetState()
	e.initObs = obs
	e.lastObs = obs
	if e.stateful {
		st, err := e.conf.Env.(env.Stateful).GetState()
		if err != nil {
			return err
		}
		e.initState = st
	}
	return nil
}

// SubmitLocalAction records the currently pressed local action. It is
// sampled at the next tick; in pressed_keys mode it persists until replaced.
func (e *Engine) SubmitLocalAction(a Action) {
	e.localAction = a
}

// SetLocalFocused updates the locally observed focus flag.
func (e *Engine) SetLocalFocused(focused bool) {
	e.localFocused = focused
}

// SetPartnerFocused stores the last received partner focus state.
func (e *Engine) SetPartnerFocused(focused bool) {
	e.partnerFocused = focused
}

// SetBackgrounded toggles background mode. While backgrounded the engine
// does not advance frames; partner inputs are staged in a dedicated queue.
// Leaving background mode does not fast-forward by itself; the focus driver
// calls FastForward.
func (e *Engine) SetBackgrounded(b bool) {
	e.backgrounded = b
	e.localFocused = !b
}

// Backgrounded reports whether the engine is in background mode.
func (e *Engine) Backgrounded() bool { return e.backgrounded }

// SetBoundary installs the agreed termination frame. Records at or past the
// boundary are trimmed immediately.
func (e *Engine) SetBoundary(frame int) {
	b := frame
	e.boundary = &b
	e.recorder.TrimAtOrAfter(frame)
}

// ClearBoundary removes the boundary after export completed.
func (e *Engine) ClearBoundary() { e.boundary = nil }

// Boundary returns the agreed termination frame, if known.
func (e *Engine) Boundary() *int { return e.boundary }

// LocalEnd returns the locally detected episode end frame, if any.
func (e *Engine) LocalEnd() *int { return e.localEnd }

// CurrentFrame returns the next frame to execute.
func (e *Engine) CurrentFrame() int { return e.frame }

// ConfirmedFrame returns the newest fully confirmed frame, or -1.
func (e *Engine) ConfirmedFrame() int { return e.confirmedFrame }

// Recorder exposes the dual-buffer store for export and episode sync.
func (e *Engine) Recorder() *Recorder { return e.recorder }

// Inputs exposes the input buffer for episode sync confirmation waits.
func (e *Engine) Inputs() *InputBuffer { return e.inputs }

// Metrics returns a telemetry snapshot.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		CurrentFrame:     e.frame,
		ConfirmedFrame:   e.confirmedFrame,
		TotalRollbacks:   e.totalRollbacks,
		MaxRollbackDepth: e.maxRollbackDepth,
		BufferedInputs:   e.inputs.Size(),
		HashMismatches:   e.mismatches,
	}
}

// Tick runs one iteration of the per-frame pipeline: drain the network,
// roll back on detected misprediction, advance the current frame, promote
// confirmed frames, exchange hashes and report mismatches.
func (e *Engine) Tick() error {
	if e.backgrounded {
		e.drainToBackground()
		return nil
	}
	e.drainNetwork()
	if e.pendingRollback >= 0 {
		e.executeRollback(e.pendingRollback)
		e.pendingRollback = -1
	}
	if e.canAdvance() {
		if err := e.advanceFrame(false); err != nil {
			return err
		}
	}
	e.promoteConfirmed()
	e.sendHashes()
	e.compareHashes()
	return nil
}

// FastForward executes the frames missed while backgrounded in a single
// synchronous batch, using queued partner inputs plus idle actions for self.
// The batch is capped at the agreed termination frame if one is known.
func (e *Engine) FastForward() error {
	for _, pkt := range e.bgInputs {
		e.applyInputPacket(pkt)
	}
	e.bgInputs = nil
	if e.pendingRollback >= 0 {
		e.executeRollback(e.pendingRollback)
		e.pendingRollback = -1
	}
	maxFrame := 0
	for _, p := range e.conf.Humans {
		if p == e.conf.LocalPlayer {
			continue
		}
		if lead := e.inputs.HighestFrame(p) + 1; lead > maxFrame {
			maxFrame = lead
		}
	}
	if e.boundary != nil && maxFrame > *e.boundary {
		maxFrame = *e.boundary
	}
	for e.frame < maxFrame {
		if e.boundary != nil && e.frame >= *e.boundary {
			break
		}
		if err := e.advanceFrame(true); err != nil {
			return err
		}
	}
	e.promoteConfirmed()
	e.sendHashes()
	e.compareHashes()
	return nil
}

// HandleSignal lets the session layer inject partner state learned over the
// signaling path, currently only the partner focus flag.
func (e *Engine) HandleSignal(partnerFocused bool) {
	e.partnerFocused = partnerFocused
}

// SendEpisodeReady signals the boundary signature to the peer.
func (e *Engine) SendEpisodeReady(signature uint64) {
	if err := e.conf.Channel.Send(EncodeEpisodeReady(signature)); err != nil {
		e.conf.Logger.Debugf("episode ready send failed: %v", err)
	}
}

// Ping sends a timestamped ping over the data channel.
func (e *Engine) Ping() {
	now := uint64(time.Now().UnixMilli())
	if err := e.conf.Channel.Send(EncodePing(now)); err != nil {
		e.conf.Logger.Debugf("ping send failed: %v", err)
	}
}

func (e *Engine) canAdvance() bool {
	if e.boundary != nil && e.frame >= *e.boundary {
		return false
	}
	if e.localEnd != nil {
		// Local episode already ended; only catch up to a higher agreed
		// boundary.
		return e.boundary != nil && e.frame < *e.boundary
	}
	return true
}

// drainNetwork moves every queued datagram from the channel into the engine.
// Inputs go through the buffer, hashes into the remote map, pings are
// answered. This is the only place inbound traffic enters the engine.
func (e *Engine) drainNetwork() {
	for {
		select {
		case data, ok := <-e.conf.Channel.Recv():
			if !ok {
				return
			}
			e.handleDatagram(data)
		default:
			return
		}
	}
}

func (e *Engine) drainToBackground() {
	for {
		select {
		case data, ok := <-e.conf.Channel.Recv():
			if !ok {
				return
			}
			if len(data) > 0 && data[0] == MsgTypeInput {
				if pkt, err := DecodeInput(data); err == nil {
					e.bgInputs = append(e.bgInputs, pkt)
				}
				continue
			}
			e.handleDatagram(data)
		default:
			return
		}
	}
}

func (e *Engine) handleDatagram(data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[0] {
	case MsgTypeInput:
		pkt, err := DecodeInput(data)
		if err != nil {
			e.conf.Logger.Debugf("dropping datagram: %v", err)
			return
		}
		e.applyInputPacket(pkt)
	case MsgTypePing:
		if ts, err := DecodeTimestamp(data); err == nil {
			e.conf.Channel.Send(EncodePong(ts))
		}
	case MsgTypePong:
		if ts, err := DecodeTimestamp(data); err == nil && e.conf.Hooks.OnPong != nil {
			rtt := time.Duration(uint64(time.Now().UnixMilli())-ts) * time.Millisecond
			e.conf.Hooks.OnPong(rtt)
		}
	case MsgTypeStateHash:
		frame, hash, err := DecodeStateHash(data)
		if err != nil {
			return
		}
		e.remoteHashes[frame] = hash
		pruneHashMap(e.remoteHashes, HashHistoryCap)
	case MsgTypeEpisodeReady:
		if sig, err := DecodeEpisodeReady(data); err == nil && e.conf.Hooks.OnEpisodeReady != nil {
			e.conf.Hooks.OnEpisodeReady(sig)
		}
	default:
		e.conf.Logger.Debugf("unknown datagram type 0x%02x", data[0])
	}
}

// applyInputPacket stores every redundant entry and schedules a rollback for
// the earliest misprediction it uncovers.
func (e *Engine) applyInputPacket(pkt *InputPacket) {
	for _, in := range pkt.Inputs {
		if in.Frame < 0 {
			continue
		}
		if e.inputs.StoreConfirmed(pkt.Player, in.Frame, in.Action) && in.Frame < e.frame {
			if e.pendingRollback < 0 || in.Frame < e.pendingRollback {
				e.pendingRollback = in.Frame
			}
		}
	}
}

// advanceFrame selects actions for the current frame, steps the environment
// once and stores the speculative record.
func (e *Engine) advanceFrame(forcedIdle bool) error {
	f := e.frame
	actions := ActionMap{}

	local := e.localAction
	if forcedIdle {
		local = e.conf.IdleAction
	}
	e.inputs.StoreConfirmed(e.conf.LocalPlayer, f, local)
	actions[e.conf.LocalPlayer] = local
	e.pushLocalInput(f, local)

	for _, p := range e.conf.Humans {
		if p == e.conf.LocalPlayer {
			continue
		}
		if in, ok := e.inputs.Get(p, f); ok && in.Confirmed {
			actions[p] = in.Action
		} else {
			predicted := e.inputs.LastObserved(p, f, e.conf.IdleAction)
			e.inputs.StorePrediction(p, f, predicted)
			actions[p] = predicted
		}
	}
	for p, policy := range e.conf.Bots {
		actions[p] = policy.Act(f, e.lastObs)
	}

	res, err := e.conf.Env.Step(actions)
	if err != nil {
		return err
	}
	e.storeFrame(f, actions, res, forcedIdle)
	e.lastObs = res.Observation
	e.frame++

	if e.localEnd == nil && (res.Done() || (e.conf.MaxSteps > 0 && e.frame >= e.conf.MaxSteps)) {
		end := e.frame
		e.localEnd = &end
		if e.conf.Hooks.OnEpisodeEnd != nil {
			e.conf.Hooks.OnEpisodeEnd(end)
		}
	}
	return nil
}

// storeFrame snapshots the post-step state and writes the speculative
// record, unless the frame falls at or past the agreed boundary.
func (e *Engine) storeFrame(f int, actions ActionMap, res *env.StepResult, forcedIdle bool) {
	if e.stateful {
		if st, err := e.conf.Env.(env.Stateful).GetState(); err == nil {
			e.snapshots[f] = st
		} else {
			e.conf.Logger.Warnf("snapshot of frame %d failed: %v", f, err)
		}
		delete(e.snapshots, f-e.conf.SnapshotWindow)
	}
	e.obsHistory[f] = res.Observation
	delete(e.obsHistory, f-e.conf.SnapshotWindow)

	if e.boundary != nil && f >= *e.boundary {
		return
	}
	focused := map[PlayerID]bool{}
	for _, p := range e.conf.Humans {
		if p == e.conf.LocalPlayer {
			focused[p] = e.localFocused && !forcedIdle
		} else {
			focused[p] = e.partnerFocused
		}
	}
	e.recorder.RecordSpeculative(&FrameRecord{
		Frame:      f,
		Actions:    copyActions(actions),
		Rewards:    res.Rewards,
		Terminated: res.Terminated,
		Truncated:  res.Truncated,
		Infos:      res.Infos,
		Focused:    focused,
	})
}

// pushLocalInput appends to the redundancy history and transmits the packet.
func (e *Engine) pushLocalInput(f int, a Action) {
	e.localHistory = append([]InputEntry{{Frame: f, Action: a}}, e.localHistory...)
	if len(e.localHistory) > MaxInputRedundancy {
		e.localHistory = e.localHistory[:MaxInputRedundancy]
	}
	pkt := &InputPacket{Player: e.conf.LocalPlayer, Inputs: e.localHistory}
	data, err := EncodeInput(pkt)
	if err != nil {
		e.conf.Logger.Errorf("encode input: %v", err)
		return
	}
	// Best effort; the redundancy tail of later packets recovers drops.
	e.conf.Channel.Send(data)
}

// executeRollback restores the newest snapshot before the target frame and
// replays every intervening frame synchronously with corrected inputs.
// No hashing and no datagram handling happens during the replay.
func (e *Engine) executeRollback(target int) {
	if target >= e.frame {
		return
	}
	if !e.stateful {
		return
	}
	e.rollbackInProgress = true
	defer func() { e.rollbackInProgress = false }()

	restore, ok := e.snapshots[target-1]
	if target == 0 {
		restore, ok = e.initState, e.initState != nil
	}
	if !ok {
		e.conf.Logger.Errorf("rollback to frame %d impossible: snapshot out of window", target)
		return
	}
	if err := e.conf.Env.(env.Stateful).SetState(restore); err != nil {
		e.conf.Logger.Errorf("rollback state restore failed: %v", err)
		return
	}
	depth := e.frame - target
	replayObs := e.initObs
	if target > 0 {
		replayObs = e.obsHistory[target-1]
	}

	for f := target; f < e.frame; f++ {
		actions := ActionMap{}
		for _, p := range e.conf.Humans {
			if in, ok := e.inputs.Get(p, f); ok {
				actions[p] = in.Action
			} else {
				actions[p] = e.conf.IdleAction
			}
		}
		for p, policy := range e.conf.Bots {
			actions[p] = policy.Act(f, replayObs)
		}
		res, err := e.conf.Env.Step(actions)
		if err != nil {
			e.conf.Logger.Errorf("rollback replay step %d failed: %v", f, err)
			return
		}
		replayObs = res.Observation
		e.storeFrame(f, actions, res, false)
	}
	e.lastObs = replayObs

	// Hashes at or past the target are stale; they are recomputed when the
	// frames confirm again.
	for f := range e.localHashes {
		if f >= target {
			delete(e.localHashes, f)
		}
	}
	kept := e.outboundHashes[:0]
	for _, f := range e.outboundHashes {
		if f < target {
			kept = append(kept, f)
		}
	}
	e.outboundHashes = kept

	e.totalRollbacks++
	if depth > e.maxRollbackDepth {
		e.maxRollbackDepth = depth
	}
	e.conf.Logger.Debugf("rolled back %d frames to %d", depth, target)
}

// promoteConfirmed advances the confirmed frame while every human input for
// the next frame is confirmed, moving records into the confirmed buffer and
// computing their state hashes.
func (e *Engine) promoteConfirmed() {
	for {
		next := e.confirmedFrame + 1
		if next >= e.frame {
			break
		}
		if e.boundary != nil && next >= *e.boundary {
			break
		}
		if !e.inputs.ConfirmedAt(next, e.conf.Humans) {
			break
		}
		if err := e.recorder.Promote(next); err != nil {
			e.conf.Logger.Warnf("promotion stalled: %v", err)
			break
		}
		e.confirmedFrame = next
		if st, ok := e.snapshots[next]; ok && e.stateful {
			hash, err := HashState(st)
			if err != nil {
				e.conf.Logger.Warnf("hash of frame %d failed: %v", next, err)
				continue
			}
			e.localHashes[next] = hash
			pruneHashMap(e.localHashes, HashHistoryCap)
			e.outboundHashes = append(e.outboundHashes, next)
		}
	}
	e.inputs.Prune(e.frame, e.confirmedFrame)
}

// sendHashes drains the outbound hash queue non-blocking. A full channel
// leaves the remainder queued for the next tick.
func (e *Engine) sendHashes() {
	if e.rollbackInProgress {
		return
	}
	for len(e.outboundHashes) > 0 {
		f := e.outboundHashes[0]
		hash, ok := e.localHashes[f]
		if !ok {
			e.outboundHashes = e.outboundHashes[1:]
			continue
		}
		data, err := EncodeStateHash(f, hash)
		if err != nil {
			e.outboundHashes = e.outboundHashes[1:]
			continue
		}
		if err := e.conf.Channel.Send(data); err != nil {
			if err == ErrChannelFull {
				return
			}
			e.outboundHashes = e.outboundHashes[1:]
			continue
		}
		e.outboundHashes = e.outboundHashes[1:]
	}
}

// compareHashes reports every frame where both peers' hashes are known and
// differ. Escalation to resync is the owner's concern via the hook.
func (e *Engine) compareHashes() {
	for f, remote := range e.remoteHashes {
		local, ok := e.localHashes[f]
		if !ok {
			continue
		}
		if local != remote && !e.reported[f] {
			e.reported[f] = true
			e.mismatches++
			e.conf.Logger.Warnf("state hash mismatch at frame %d: %s != %s", f, local, remote)
			if e.conf.Hooks.OnHashMismatch != nil {
				e.conf.Hooks.OnHashMismatch(f, local, remote)
			}
		}
		delete(e.remoteHashes, f)
	}
}

func pruneHashMap(m map[int]string, limit int) {
	for len(m) > limit {
		oldest := -1
		for f := range m {
			if oldest < 0 || f < oldest {
				oldest = f
			}
		}
		delete(m, oldest)
	}
}

func copyActions(a ActionMap) map[PlayerID]Action {
	out := make(map[PlayerID]Action, len(a))
	for p, v := range a {
		out[p] = v
	}
	return out
}
