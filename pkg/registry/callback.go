// Copyright (c) 2024-2026 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/interactive-gym/session-engine.
//
// SPDX-License-Identifier: Apache-2.0
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asaskevich/govalidator"
	. "github.com/interactive-gym/session-engine/pkg/types"
	"go.uber.org/zap"
)

// DefaultEntryTimeout is the deadline of the entry eligibility callback.
const DefaultEntryTimeout = 5 * time.Second

// NewHTTPCallback returns an eligibility callback backed by an experiment
// webhook. The URL must be well-formed; the webhook receives the callback
// context as JSON and answers with a decision document.
func NewHTTPCallback(url string, client *http.Client) (*HTTPCallback, error) {
	if !govalidator.IsURL(url) {
		return nil, fmt.Errorf("invalid callback URL %q", url)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCallback{url: url, client: client}, nil
}

// HTTPCallback posts callback contexts to an external decision endpoint.
type HTTPCallback struct {
	url    string
	client *http.Client
}

// Decide performs one webhook round trip.
func (h *HTTPCallback) Decide(ctx CallbackContext) (CallbackDecision, error) {
	body, err := json.Marshal(ctx)
	if err != nil {
		return CallbackDecision{}, err
	}
	resp, err := h.client.Post(h.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return CallbackDecision{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CallbackDecision{}, fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	var decision CallbackDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return CallbackDecision{}, err
	}
	return decision, nil
}

// decideWithDeadline runs the callback with a hard deadline. Timeouts and
// errors fail open: an unreachable experiment webhook must never lock
// participants out.
func decideWithDeadline(cb EligibilityCallback, ctx CallbackContext, deadline time.Duration, logger *zap.SugaredLogger) CallbackDecision {
	if cb == nil {
		return CallbackDecision{}
	}
	type outcome struct {
		decision CallbackDecision
		err      error
	}
	ch := make(chan outcome, 1)
	go func() {
		d, err := cb.Decide(ctx)
		ch <- outcome{decision: d, err: err}
	}()
	select {
	case out := <-ch:
		if out.err != nil {
			logger.Warnf("eligibility callback for %s failed, allowing: %v", ctx.Subject, out.err)
			return CallbackDecision{}
		}
		return out.decision
	case <-time.After(deadline):
		logger.Warnf("eligibility callback for %s timed out after %s, allowing", ctx.Subject, deadline)
		return CallbackDecision{}
	}
}
