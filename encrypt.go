// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package fhevault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/fhevault/engine"
)

// EncryptFields encrypts fields, in order, for one call of contract by
// identity. The returned bundle carries exactly one handle per field and is
// meant for a single submission.
func (c *Client) EncryptFields(ctx context.Context, contract, identity common.Address, fields []uint64) (*engine.InputBundle, error) {
	const op = "encrypt fields"
	switch {
	case contract == (common.Address{}):
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("missing contract"))
	case identity == (common.Address{}):
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("missing identity"))
	case len(fields) == 0:
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("no fields"))
	}

	start := time.Now()
	bundle, err := c.engine.Encrypt(ctx, contract, identity, fields)
	c.metrics.ObserveEngine("encrypt", start)
	if err != nil {
		return nil, kinded(engine.ErrEngine, op, err)
	}
	if len(bundle.Handles) != len(fields) {
		return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("engine returned %d handles for %d fields", len(bundle.Handles), len(fields)))
	}
	for i, h := range bundle.Handles {
		if h.IsZero() {
			return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("engine returned a zero handle for field %d", i))
		}
	}

	c.logger.Debug("Encrypted input bundle",
		"contract", contract,
		"submitter", identity,
		"fields", len(fields),
	)
	return bundle, nil
}
