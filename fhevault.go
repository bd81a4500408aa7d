// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Package fhevault is the client core of an FHE health-data marketplace.
//
// It bundles plaintext fields into proven encrypted inputs, obtains and
// caches long-lived decryption credentials so a user signs once per contract
// set, and orchestrates authorized batch decryption of ciphertext handles.
//
// Basic usage:
//
//	creds := authcache.New(credstore.NewMemory(), eng)
//	client, err := fhevault.New(eng, creds)
//	if err != nil {
//		return err
//	}
//	vals, err := client.DecryptValues(ctx, []fhevault.FieldRequest{
//		{Name: "score", Handle: h, Contract: registry},
//	}, identity, signer)
package fhevault

import (
	"context"
	"errors"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/fhevault/authcache"
	"github.com/luxfi/fhevault/chain"
	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/handlecache"
	"github.com/luxfi/fhevault/metrics"
)

const (
	// DefaultPropagationDelay is the pause between granting a permission and
	// decrypting under it. The decryption service offers no readiness
	// signal, so the value is empirical.
	DefaultPropagationDelay = 3 * time.Second

	// DefaultBatchSize bounds the pairs sent in one BatchDecrypt call.
	DefaultBatchSize = 64

	// maxConcurrentBatches bounds in-flight BatchDecrypt calls per flow.
	maxConcurrentBatches = 4
)

// WaitFunc pauses for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Client is the decryption orchestrator. It owns no persistent state; the
// credential and handle caches are injected. A Client is safe for concurrent
// use.
type Client struct {
	engine  engine.Engine
	creds   *authcache.Cache
	handles *handlecache.Cache
	ledger  chain.Ledger

	scope     []common.Address
	delay     time.Duration
	batchSize int
	wait      WaitFunc
	observe   func(State)

	logger  log.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHandleCache sets the handle cache used by RevealRecord. Without it a
// cache of handlecache.DefaultSize is created.
func WithHandleCache(c *handlecache.Cache) Option {
	return func(cl *Client) { cl.handles = c }
}

// WithLedger sets the on-chain surface used by RevealRecord.
func WithLedger(l chain.Ledger) Option {
	return func(cl *Client) { cl.ledger = l }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithPropagationDelay overrides DefaultPropagationDelay. Zero disables the
// pause.
func WithPropagationDelay(d time.Duration) Option {
	return func(cl *Client) {
		if d >= 0 {
			cl.delay = d
		}
	}
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.batchSize = n
		}
	}
}

// WithAuthorizationScope makes every contract in contracts share one
// credential, so a user signs once for all of them.
func WithAuthorizationScope(contracts ...common.Address) Option {
	return func(cl *Client) { cl.scope = engine.SortAddresses(contracts) }
}

// WithWait replaces the timer used for the propagation delay.
func WithWait(wait WaitFunc) Option {
	return func(cl *Client) { cl.wait = wait }
}

// WithStateObserver registers fn to receive every state a decryption flow
// enters.
func WithStateObserver(fn func(State)) Option {
	return func(cl *Client) { cl.observe = fn }
}

// New returns a Client decrypting through eng with credentials from creds.
func New(eng engine.Engine, creds *authcache.Cache, opts ...Option) (*Client, error) {
	if eng == nil {
		return nil, errors.New("fhevault: nil engine")
	}
	if creds == nil {
		return nil, errors.New("fhevault: nil credential cache")
	}
	c := &Client{
		engine:    eng,
		creds:     creds,
		delay:     DefaultPropagationDelay,
		batchSize: DefaultBatchSize,
		wait:      sleep,
		logger:    log.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handles == nil {
		handles, err := handlecache.New(handlecache.DefaultSize, handlecache.WithLogger(c.logger), handlecache.WithMetrics(c.metrics))
		if err != nil {
			return nil, err
		}
		c.handles = handles
	}
	return c, nil
}

// scopeFor returns the credential scope that authorizes contract.
func (c *Client) scopeFor(contract common.Address) []common.Address {
	for _, a := range c.scope {
		if a == contract {
			return c.scope
		}
	}
	return []common.Address{contract}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
