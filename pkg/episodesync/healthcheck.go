// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package episodesync

import (
	"fmt"
	"time"

	"github.com/interactive-gym/session-engine/pkg/rollback"
	"go.uber.org/zap"
)

// ChannelChecker verifies the peer link is healthy before starting a round.
type ChannelChecker interface {
	Verify(ch rollback.Channel) error
}

// NoopChecker assumes the peer link is always in place.
type NoopChecker struct {
}

// Verify reports the link as healthy without inspecting it.
func (t *NoopChecker) Verify(ch rollback.Channel) error {
	return nil
}

// P2PCheckerConf is the configuration of P2PChecker.
type P2PCheckerConf struct {
	PollInterval time.Duration
	RetryTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// NewP2PChecker returns an instance of P2PChecker.
func NewP2PChecker(conf *P2PCheckerConf) *P2PChecker {
	if conf.PollInterval == 0 {
		conf.PollInterval = 100 * time.Millisecond
	}
	if conf.RetryTimeout == 0 {
		conf.RetryTimeout = 10 * time.Second
	}
	return &P2PChecker{
		conf: conf,
	}
}

// P2PChecker polls the peer link until it reports usable or the retry
// budget runs out. It runs between episodes, never during frame execution.
type P2PChecker struct {
	conf    *P2PCheckerConf
	retries int32
}

// Verify checks the link state and communicates its result to the session
// loop. A terminal link fails immediately, an unusable one is retried.
func (t *P2PChecker) Verify(ch rollback.Channel) error {
	done := time.After(t.conf.RetryTimeout)
	for {
		select {
		case <-done:
			return fmt.Errorf("P2PCheck failed after %s and %d attempts", t.conf.RetryTimeout.String(), t.retries)
		default:
			if ch.Terminal() {
				return fmt.Errorf("P2PCheck - link failed beyond recovery after %d attempts", t.retries)
			}
			if ch.Usable() {
				t.conf.Logger.Debug("P2PCheck - link healthy")
				return nil
			}
			t.sleepAndIncrement()
		}
	}
}

// sleepAndIncrement sleeps for the poll interval, increments the number of retries and prints out a log entry.
func (t *P2PChecker) sleepAndIncrement() {
	t.retries++
	time.Sleep(t.conf.PollInterval)
	t.conf.Logger.Debugf("retrying P2PCheck after %s", t.conf.PollInterval)
}
