// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0

// Package episodesync agrees on the exact termination frame of an episode
// across peers before either side exports data or resets for the next
// round. The agreed boundary is the maximum of both locally declared end
// frames; rows at or past it never reach the export.
package episodesync

import (
	"time"

	"github.com/interactive-gym/session-engine/pkg/rollback"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"
)

// DefaultConfirmationTimeout bounds the pre-reset wait for outstanding
// input confirmations.
const DefaultConfirmationTimeout = 2000 * time.Millisecond

// Config wires a coordinator to its engine.
type Config struct {
	Engine              *rollback.Engine
	ConfirmationTimeout time.Duration
	NumEpisodes         int
	Logger              *zap.SugaredLogger
}

// EpisodeResult is the finalized, export-ready view of one episode.
type EpisodeResult struct {
	Episode          int
	TerminationFrame int
	Rows             []*rollback.FrameRecord
	ForcePromoted    []int
}

// NewCoordinator returns a coordinator in the running phase for episode 0.
func NewCoordinator(conf *Config) *Coordinator {
	if conf.ConfirmationTimeout == 0 {
		conf.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	return &Coordinator{conf: conf, phase: SyncRunning}
}

// Coordinator owns the per-session episode-sync state. It is driven from
// the engine's tick goroutine; none of its methods are goroutine-safe.
type Coordinator struct {
	conf      *Config
	phase     string
	episode   int
	localEnd  *int
	remoteEnd *int
	synced    *int
}

// Phase returns the current sync phase.
func (c *Coordinator) Phase() string { return c.phase }

// Episode returns the zero-based index of the running episode.
func (c *Coordinator) Episode() int { return c.episode }

// SyncedTerminationFrame returns the agreed boundary, if negotiated.
func (c *Coordinator) SyncedTerminationFrame() *int { return c.synced }

// DeclareLocalEnd records the locally detected episode end and broadcasts
// it to the peer. Wire the engine's OnEpisodeEnd hook here.
func (c *Coordinator) DeclareLocalEnd(endFrame int) {
	if c.localEnd != nil {
		return
	}
	end := endFrame
	c.localEnd = &end
	c.phase = SyncNegotiatingEnd
	c.conf.Engine.SendEpisodeReady(boundarySignature(c.episode, endFrame))
	c.maybeAgree()
}

// HandleRemoteSignature ingests the peer's boundary declaration. Wire the
// engine's OnEpisodeReady hook here. Declarations for other episodes are
// stale rebroadcasts and ignored.
func (c *Coordinator) HandleRemoteSignature(sig uint64) {
	episode, endFrame := splitSignature(sig)
	if episode != c.episode {
		c.conf.Logger.Debugf("ignoring boundary for episode %d while in %d", episode, c.episode)
		return
	}
	end := endFrame
	c.remoteEnd = &end
	// Re-announce so a peer whose first declaration was lost still hears us.
	if c.localEnd != nil {
		c.conf.Engine.SendEpisodeReady(boundarySignature(c.episode, *c.localEnd))
	}
	c.maybeAgree()
}

// maybeAgree fixes the boundary once both ends are declared: whichever peer
// detected later wins.
func (c *Coordinator) maybeAgree() {
	if c.synced != nil || c.localEnd == nil || c.remoteEnd == nil {
		return
	}
	agreed := *c.localEnd
	if *c.remoteEnd > agreed {
		agreed = *c.remoteEnd
	}
	c.synced = &agreed
	c.conf.Engine.SetBoundary(agreed)
	c.conf.Logger.Infof("episode %d termination frame agreed at %d (local %d, remote %d)",
		c.episode, agreed, *c.localEnd, *c.remoteEnd)
}

// Agreed reports whether the boundary negotiation finished.
func (c *Coordinator) Agreed() bool { return c.synced != nil }

// Finalize waits for input confirmations up to the boundary, force-promotes
// whatever is left below it and returns the export-ready rows. tick keeps
// the engine draining the network during the wait. On confirmation timeout
// it proceeds anyway and logs.
func (c *Coordinator) Finalize(tick func() error) (*EpisodeResult, error) {
	if c.synced == nil {
		// Single-sided end (partner gone): fall back to the local boundary.
		if c.localEnd == nil {
			f := c.conf.Engine.CurrentFrame()
			c.localEnd = &f
		}
		c.synced = c.localEnd
		c.conf.Engine.SetBoundary(*c.synced)
	}
	boundary := *c.synced
	deadline := time.Now().Add(c.conf.ConfirmationTimeout)
	for c.conf.Engine.ConfirmedFrame() < boundary-1 {
		if time.Now().After(deadline) {
			c.conf.Logger.Warnf("confirmation wait for frame %d timed out at %d, proceeding",
				boundary-1, c.conf.Engine.ConfirmedFrame())
			break
		}
		if err := tick(); err != nil {
			return nil, err
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := c.conf.Engine.Recorder()
	rec.TrimAtOrAfter(boundary)
	promoted := rec.ForcePromoteBelow(boundary)
	if len(promoted) > 0 {
		c.conf.Logger.Warnf("force-promoted %d unconfirmed frames at episode boundary %d",
			len(promoted), boundary)
	}
	c.phase = SyncResetting
	return &EpisodeResult{
		Episode:          c.episode,
		TerminationFrame: boundary,
		Rows:             rec.ConfirmedRows(),
		ForcePromoted:    promoted,
	}, nil
}

// CompleteReset clears the sync state after the export finished and resets
// the engine for the next episode. The clear-after-export ordering is part
// of the protocol contract.
func (c *Coordinator) CompleteReset() error {
	c.conf.Engine.ClearBoundary()
	if err := c.conf.Engine.ResetEpisode(); err != nil {
		return err
	}
	c.localEnd = nil
	c.remoteEnd = nil
	c.synced = nil
	c.episode++
	c.phase = SyncRunning
	return nil
}

// RemainingEpisodes reports whether another episode should start.
func (c *Coordinator) RemainingEpisodes() bool {
	return c.episode < c.conf.NumEpisodes
}

func boundarySignature(episode, endFrame int) uint64 {
	return uint64(episode)<<32 | uint64(uint32(endFrame))
}

func splitSignature(sig uint64) (episode, endFrame int) {
	return int(sig >> 32), int(uint32(sig))
}
