// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package fhevault

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/metrics"
)

// State is the position of one decryption flow. Resolved and Failed are
// terminal; a caller retries by starting a new flow.
type State int

const (
	StateIdle State = iota
	StateAwaitingCredential
	StateAwaitingPropagationDelay
	StateAwaitingEngineResponse
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCredential:
		return "awaiting_credential"
	case StateAwaitingPropagationDelay:
		return "awaiting_propagation_delay"
	case StateAwaitingEngineResponse:
		return "awaiting_engine_response"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// flow tracks the state of one decryption call.
type flow struct {
	id      string
	state   State
	logger  log.Logger
	metrics *metrics.Metrics
	observe func(State)
}

func (c *Client) newFlow(identity common.Address, fields int) *flow {
	f := &flow{
		id:      uuid.NewString(),
		state:   StateIdle,
		logger:  c.logger,
		metrics: c.metrics,
		observe: c.observe,
	}
	f.logger.Debug("Decryption flow started", "flow", f.id, "identity", identity, "fields", fields)
	if f.observe != nil {
		f.observe(StateIdle)
	}
	return f
}

func (f *flow) enter(s State) {
	f.logger.Debug("Decryption flow transition", "flow", f.id, "from", f.state, "to", s)
	f.state = s
	if f.observe != nil {
		f.observe(s)
	}
}

func (f *flow) resolve() {
	f.enter(StateResolved)
	f.metrics.DecryptCall(engine.KindName(nil))
}

// fail moves the flow to Failed and returns err for the caller.
func (f *flow) fail(err error) error {
	from := f.state
	f.enter(StateFailed)
	f.metrics.DecryptCall(outcome(err))
	if isContextErr(err) {
		f.logger.Debug("Decryption flow abandoned", "flow", f.id, "at", from, "error", err)
	} else {
		f.logger.Warn("Decryption flow failed", "flow", f.id, "at", from, "kind", engine.KindName(err), "error", err)
	}
	return err
}

func outcome(err error) string {
	if isContextErr(err) {
		return "cancelled"
	}
	return engine.KindName(err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
