// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package fhevault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/luxfi/geth/common"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/fhevault/authcache"
	"github.com/luxfi/fhevault/engine"
)

// Transform is the display post-processing applied to one decrypted field.
type Transform struct {
	// Clamp limits the value to [Min, Max].
	Clamp    bool
	Min, Max uint64
	// Scale divides the clamped value to produce Value.Float. Zero means 1.
	Scale float64
}

func (t Transform) validate() error {
	if t.Clamp && t.Min > t.Max {
		return fmt.Errorf("clamp range [%d, %d] is empty", t.Min, t.Max)
	}
	if t.Scale < 0 || math.IsNaN(t.Scale) || math.IsInf(t.Scale, 0) {
		return fmt.Errorf("invalid scale %v", t.Scale)
	}
	return nil
}

func (t Transform) apply(raw uint64) Value {
	v := raw
	if t.Clamp {
		v = min(max(v, t.Min), t.Max)
	}
	f := float64(v)
	if t.Scale > 0 {
		f /= t.Scale
	}
	return Value{Raw: raw, Uint: v, Float: f, Bool: raw != 0}
}

// FieldRequest names one handle to decrypt.
type FieldRequest struct {
	// Name is the key of the field in the result. Names must be unique
	// within one call.
	Name     string
	Handle   engine.Handle
	Contract common.Address
	// Fresh marks a handle whose permission was just granted; it makes the
	// flow wait for the grant to propagate.
	Fresh     bool
	Transform Transform
}

// Value is one decrypted field.
type Value struct {
	// Raw is the plaintext as decrypted.
	Raw uint64
	// Uint is Raw after clamping.
	Uint uint64
	// Float is Uint divided by the field's scale.
	Float float64
	// Bool is the boolean view of Raw.
	Bool bool
	// Absent reports a field whose handle was never set. Its other fields
	// are zero and carry no meaning.
	Absent bool
}

// Values maps field names to decrypted values.
type Values map[string]Value

// group is the set of pairs decrypted under one credential.
type group struct {
	scope []common.Address
	pairs []engine.Pair
	cred  *authcache.Credential
}

// DecryptValues decrypts every requested field under credentials of
// identity, prompting signer only for contract sets it has no valid
// credential for. Either every field is returned or the call fails.
func (c *Client) DecryptValues(ctx context.Context, reqs []FieldRequest, identity common.Address, signer engine.Signer) (Values, error) {
	if err := validateRequests(reqs, identity, signer); err != nil {
		c.metrics.DecryptCall(outcome(err))
		return nil, err
	}

	f := c.newFlow(identity, len(reqs))
	out := make(Values, len(reqs))
	groups, fresh := c.plan(reqs, out)
	if len(groups) == 0 {
		f.resolve()
		return out, nil
	}

	f.enter(StateAwaitingCredential)
	creds := make(map[string]*authcache.Credential)
	for _, g := range groups {
		key := authcache.Key(identity, g.scope)
		cred, ok := creds[key]
		if !ok {
			var err error
			cred, err = c.creds.GetOrCreate(ctx, identity, g.scope, signer)
			if err != nil {
				return nil, f.fail(err)
			}
			creds[key] = cred
		}
		g.cred = cred
	}

	if fresh && c.delay > 0 {
		f.enter(StateAwaitingPropagationDelay)
		c.metrics.PropagationWait()
		if err := c.wait(ctx, c.delay); err != nil {
			return nil, f.fail(err)
		}
	}

	f.enter(StateAwaitingEngineResponse)
	plain, err := c.decryptGroups(ctx, identity, groups)
	if err != nil {
		return nil, f.fail(err)
	}

	for _, r := range reqs {
		if r.Handle.IsZero() {
			continue
		}
		raw, ok := plain[r.Handle]
		if !ok {
			return nil, f.fail(engine.NewError(engine.ErrEngine, "batch decrypt", fmt.Errorf("no result for field %q", r.Name)))
		}
		out[r.Name] = r.Transform.apply(raw)
	}
	f.resolve()
	return out, nil
}

// DecryptBoolean decrypts one boolean handle. A zero handle is a caller
// error: an unset value has no boolean meaning.
func (c *Client) DecryptBoolean(ctx context.Context, handle engine.Handle, contract common.Address, identity common.Address, signer engine.Signer) (bool, error) {
	if handle.IsZero() {
		return false, engine.NewError(engine.ErrNotReady, "decrypt boolean", errors.New("zero handle"))
	}
	vals, err := c.DecryptValues(ctx, []FieldRequest{{Name: "value", Handle: handle, Contract: contract}}, identity, signer)
	if err != nil {
		return false, err
	}
	return vals["value"].Bool, nil
}

func validateRequests(reqs []FieldRequest, identity common.Address, signer engine.Signer) error {
	const op = "decrypt values"
	switch {
	case identity == (common.Address{}):
		return engine.NewError(engine.ErrNotReady, op, errors.New("missing identity"))
	case signer == nil:
		return engine.NewError(engine.ErrNotReady, op, errors.New("missing signer"))
	case len(reqs) == 0:
		return engine.NewError(engine.ErrNotReady, op, errors.New("no fields requested"))
	}

	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if r.Name == "" {
			return engine.NewError(engine.ErrNotReady, op, errors.New("unnamed field"))
		}
		if _, dup := seen[r.Name]; dup {
			return engine.NewError(engine.ErrNotReady, op, fmt.Errorf("duplicate field %q", r.Name))
		}
		seen[r.Name] = struct{}{}
		if !r.Handle.IsZero() && r.Contract == (common.Address{}) {
			return engine.NewError(engine.ErrNotReady, op, fmt.Errorf("field %q has no contract", r.Name))
		}
		if err := r.Transform.validate(); err != nil {
			return engine.NewError(engine.ErrNotReady, op, fmt.Errorf("field %q: %w", r.Name, err))
		}
	}
	return nil
}

// plan records absent fields in out and groups the rest by contract, in
// contract order. Each handle appears once per group.
func (c *Client) plan(reqs []FieldRequest, out Values) ([]*group, bool) {
	byContract := make(map[common.Address]*group)
	seen := make(map[engine.Pair]struct{})
	fresh := false
	for _, r := range reqs {
		if r.Handle.IsZero() {
			out[r.Name] = Value{Absent: true}
			continue
		}
		fresh = fresh || r.Fresh
		g, ok := byContract[r.Contract]
		if !ok {
			g = &group{scope: c.scopeFor(r.Contract)}
			byContract[r.Contract] = g
		}
		p := engine.Pair{Handle: r.Handle, Contract: r.Contract}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		g.pairs = append(g.pairs, p)
	}

	contracts := make([]common.Address, 0, len(byContract))
	for a := range byContract {
		contracts = append(contracts, a)
	}
	slices.SortFunc(contracts, func(a, b common.Address) int { return bytes.Compare(a[:], b[:]) })
	groups := make([]*group, len(contracts))
	for i, a := range contracts {
		groups[i] = byContract[a]
	}
	return groups, fresh
}

// decryptGroups issues one BatchDecrypt per batch of every group
// concurrently and merges the results. The first failure cancels the rest.
func (c *Client) decryptGroups(ctx context.Context, identity common.Address, groups []*group) (map[engine.Handle]uint64, error) {
	var (
		mu     sync.Mutex
		merged = make(map[engine.Handle]uint64)
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentBatches)
	for _, g := range groups {
		for batch := range slices.Chunk(g.pairs, c.batchSize) {
			eg.Go(func() error {
				res, err := c.batchDecrypt(egCtx, g.cred.Request(batch))
				if err != nil {
					if errors.Is(err, engine.ErrAuthorizationExpired) {
						c.invalidate(ctx, identity, g.scope)
					}
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for h, v := range res {
					merged[h] = v
				}
				return nil
			})
		}
	}
	if err := eg.Wait(); err != nil {
		// The caller giving up wins over whatever the engine reported.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return merged, nil
}

func (c *Client) batchDecrypt(ctx context.Context, req *engine.DecryptRequest) (map[engine.Handle]uint64, error) {
	start := time.Now()
	res, err := c.engine.BatchDecrypt(ctx, req)
	c.metrics.ObserveEngine("batch_decrypt", start)
	if err != nil {
		return nil, kinded(engine.ErrEngine, "batch decrypt", err)
	}
	return res, nil
}

func (c *Client) invalidate(ctx context.Context, identity common.Address, scope []common.Address) {
	if err := c.creds.Invalidate(context.WithoutCancel(ctx), identity, scope); err != nil {
		c.logger.Warn("Dropping expired credential failed", "identity", identity, "error", err)
		return
	}
	c.logger.Info("Dropped expired credential", "identity", identity, "contracts", len(scope))
}
