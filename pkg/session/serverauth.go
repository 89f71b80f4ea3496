// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package session

import (
	"fmt"
	"time"

	"github.com/interactive-gym/session-engine/pkg/env"
	"github.com/interactive-gym/session-engine/pkg/export"
	"github.com/interactive-gym/session-engine/pkg/rollback"
	. "github.com/interactive-gym/session-engine/pkg/types"
)

// startAuthoritativeLoop boots the server-side environment loop. The server
// steps the environment at the scene frame rate; clients are thin renderers
// that stage actions and receive render states. Disconnected players keep
// playing idle actions until their window expires.
func (s *Supervisor) startAuthoritativeLoop(sess *Session) error {
	if s.conf.EnvFactory == nil {
		return fmt.Errorf("server-authoritative scene %s without an environment factory", sess.Scene.ID)
	}
	environment, err := s.conf.EnvFactory(sess.Scene)
	if err != nil {
		return err
	}
	if _, ok := environment.(env.Renderable); !ok {
		return fmt.Errorf("environment of scene %s cannot render; server-authoritative mode requires it", sess.Scene.ID)
	}
	if _, err := environment.Reset(); err != nil {
		return err
	}
	sess.environment = environment
	sess.frame = 0
	sess.episode = 0

	interval := time.Second / time.Duration(sess.Scene.FrameRateHz)
	ticker := time.NewTicker(interval)
	rows := []*rollback.FrameRecord{}
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-sess.done:
				return
			case <-ticker.C:
				sess.post(func() { rows = s.authoritativeStep(sess, rows) })
			}
		}
	}()
	return nil
}

// authoritativeStep executes one frame on the session goroutine and returns
// the accumulated episode rows.
func (s *Supervisor) authoritativeStep(sess *Session, rows []*rollback.FrameRecord) []*rollback.FrameRecord {
	if sess.state != SessionActive {
		return rows
	}
	actions := ActionMap{}
	focused := map[PlayerID]bool{}
	for _, m := range sess.members {
		a, ok := sess.pending[m.Player]
		if !ok || !m.Connected {
			a = sess.Scene.IdleAction
		}
		actions[m.Player] = a
		focused[m.Player] = m.Connected
	}
	for _, b := range sess.bots {
		a := sess.Scene.IdleAction
		if policy, ok := sess.botPolicies[b]; ok {
			a = policy.Act(sess.frame, nil)
		}
		actions[b] = a
	}

	res, err := sess.environment.Step(actions)
	if err != nil {
		s.conf.Logger.Errorf("session %s: environment step failed: %v", sess.ID, err)
		s.teardownLocked(sess, "environment_error", nil)
		return rows
	}
	rows = append(rows, &rollback.FrameRecord{
		Frame:      sess.frame,
		Actions:    actions,
		Rewards:    res.Rewards,
		Terminated: res.Terminated,
		Truncated:  res.Truncated,
		Infos:      res.Infos,
		Focused:    focused,
	})

	if render, err := sess.environment.(env.Renderable).Render("state"); err == nil {
		s.conf.Hub.Broadcast(sess.Room(), MsgServerRenderState, map[string]interface{}{
			"frame":   sess.frame,
			"episode": sess.episode,
			"state":   render,
		})
	}
	sess.frame++

	if res.Done() || sess.frame >= sess.Scene.MaxSteps {
		s.finishAuthoritativeEpisode(sess, rows)
		return []*rollback.FrameRecord{}
	}
	return rows
}

// finishAuthoritativeEpisode exports the episode for every human member and
// resets or ends the game.
func (s *Supervisor) finishAuthoritativeEpisode(sess *Session, rows []*rollback.FrameRecord) {
	humans := sess.HumanPlayers()
	for _, m := range sess.members {
		rec := &export.EpisodeRecord{
			SubjectID:        m.Subject,
			SessionID:        sess.ID.String(),
			Episode:          sess.episode,
			TerminationFrame: sess.frame,
			Rows:             export.FlattenAll(rows, humans),
			Status: SessionStatus{
				CompletedEpisodes: sess.episode + 1,
			},
		}
		if _, err := s.conf.Exporter.WriteEpisode(rec); err != nil {
			s.conf.Logger.Errorf("session %s: export for %s failed: %v", sess.ID, m.Subject, err)
		}
	}
	sess.episode++
	sess.frame = 0

	if sess.episode >= s.conf.Multiplayer.NumEpisodes {
		sess.status.CompletedEpisodes = sess.episode
		s.teardownLocked(sess, ReasonComplete, nil)
		return
	}
	if _, err := sess.environment.Reset(); err != nil {
		s.conf.Logger.Errorf("session %s: environment reset failed: %v", sess.ID, err)
		s.teardownLocked(sess, "environment_error", nil)
	}
}
