// Package authcache obtains and caches decryption credentials so a user signs
// at most one authorization per (identity, contract set) per validity window.
package authcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"golang.org/x/sync/singleflight"

	"github.com/luxfi/fhevault/credstore"
	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/metrics"
)

// DefaultNamespace prefixes every store key.
const DefaultNamespace = "fhevault:credential:"

// Cache materializes credentials on miss or expiry and serves them from the
// store otherwise.
type Cache struct {
	store        credstore.Store
	engine       engine.Engine
	logger       log.Logger
	metrics      *metrics.Metrics
	namespace    string
	durationDays int
	now          func() time.Time
	group        singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(c *Cache) { c.namespace = ns }
}

// WithDurationDays sets the validity window of new credentials.
func WithDurationDays(days int) Option {
	return func(c *Cache) {
		if days > 0 {
			c.durationDays = days
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache persisting to store and using eng for keypairs and
// challenges.
func New(store credstore.Store, eng engine.Engine, opts ...Option) *Cache {
	c := &Cache{
		store:        store,
		engine:       eng,
		logger:       log.NewNoOpLogger(),
		namespace:    DefaultNamespace,
		durationDays: engine.DefaultDurationDays,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(identity common.Address, contracts []common.Address) string {
	return c.namespace + Key(identity, contracts)
}

// GetOrCreate returns a valid credential for identity covering exactly
// contracts, prompting signer only when none is cached. Concurrent calls for
// the same key share one prompt.
func (c *Cache) GetOrCreate(ctx context.Context, identity common.Address, contracts []common.Address, signer engine.Signer) (*Credential, error) {
	scope := engine.SortAddresses(contracts)
	switch {
	case identity == (common.Address{}):
		return nil, engine.NewError(engine.ErrNotReady, "get credential", errors.New("missing identity"))
	case signer == nil:
		return nil, engine.NewError(engine.ErrNotReady, "get credential", errors.New("missing signer"))
	case len(scope) == 0:
		return nil, engine.NewError(engine.ErrNotReady, "get credential", errors.New("empty contract set"))
	}

	key := c.key(identity, scope)
	if cred := c.lookup(ctx, key, identity, scope); cred != nil {
		c.metrics.CredentialLookup(true)
		return cred, nil
	}
	c.metrics.CredentialLookup(false)

	// The prompt outlives any single caller: others may be waiting on it and
	// a signature that arrives late is still cached.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.create(context.WithoutCancel(ctx), key, identity, scope, signer)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached credential for (identity, contracts).
func (c *Cache) Invalidate(ctx context.Context, identity common.Address, contracts []common.Address) error {
	if err := c.store.Delete(ctx, c.key(identity, contracts)); err != nil {
		return fmt.Errorf("invalidate credential: %w", err)
	}
	return nil
}

// lookup returns the stored credential if it is readable, unexpired and
// issued for exactly (identity, scope). Anything else counts as a miss;
// unusable entries are deleted.
func (c *Cache) lookup(ctx context.Context, key string, identity common.Address, scope []common.Address) *Credential {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, credstore.ErrNotFound) {
			c.logger.Warn("Credential store read failed", "key", key, "error", err)
		}
		return nil
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		c.logger.Warn("Discarding unreadable credential", "key", key, "error", err)
		c.drop(ctx, key)
		return nil
	}
	if !cred.Covers(identity, scope) {
		c.logger.Warn("Discarding credential with mismatched scope", "key", key)
		c.drop(ctx, key)
		return nil
	}
	if !cred.Valid(c.now()) {
		c.logger.Debug("Credential expired", "identity", identity, "expiry", cred.Expiry())
		c.drop(ctx, key)
		return nil
	}
	return &cred
}

func (c *Cache) drop(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.logger.Warn("Credential store delete failed", "key", key, "error", err)
	}
}

func (c *Cache) create(ctx context.Context, key string, identity common.Address, scope []common.Address, signer engine.Signer) (*Credential, error) {
	// Another flow may have stored a credential since our lookup.
	if cred := c.lookup(ctx, key, identity, scope); cred != nil {
		return cred, nil
	}

	kp, err := c.engine.GenerateKeypair()
	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, "generate keypair", err)
	}

	start := time.Unix(c.now().Unix(), 0)
	challenge, err := c.engine.BuildAuthorizationChallenge(kp.Public, scope, start, c.durationDays)
	if err != nil {
		return nil, engine.NewError(engine.ErrEngine, "build challenge", err)
	}

	c.metrics.SignerPrompt()
	c.logger.Debug("Requesting authorization signature", "identity", identity, "contracts", len(scope))
	sig, err := signer.SignTypedData(ctx, challenge, identity)
	if err != nil {
		return nil, engine.NewError(engine.ErrAuthorizationRejected, "sign authorization", err)
	}
	if len(sig) == 0 {
		return nil, engine.NewError(engine.ErrAuthorizationRejected, "sign authorization", errors.New("empty signature"))
	}

	cred := &Credential{
		Keypair:      *kp,
		Signature:    sig,
		Identity:     identity,
		Contracts:    scope,
		Start:        start.Unix(),
		DurationDays: c.durationDays,
	}

	data, err := json.Marshal(cred)
	if err != nil {
		c.logger.Warn("Credential encode failed", "error", err)
		return cred, nil
	}
	if err := c.store.Set(ctx, key, data); err != nil {
		c.logger.Warn("Credential store write failed", "key", key, "error", err)
	}

	c.logger.Info("Created decryption credential",
		"identity", identity,
		"contracts", len(scope),
		"expiry", cred.Expiry(),
	)
	return cred, nil
}
