// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package fhevault

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/fhevault/chain"
	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/handlecache"
)

// RecordField describes one field of a stored record, in the order the
// record's handles are kept on chain.
type RecordField struct {
	Name      string
	Transform Transform
}

// RecordRequest names one record of a subject held by Contract.
type RecordRequest struct {
	Contract    common.Address
	Subject     common.Address
	RecordIndex uint64
	Fields      []RecordField
}

// RevealRecord decrypts a subject's record for identity. The handles are
// taken from the handle cache when it holds them for the subject's current
// generation; otherwise a permission grant is submitted, its handles are
// cached and the flow waits for the grant to propagate before decrypting.
func (c *Client) RevealRecord(ctx context.Context, rec RecordRequest, identity common.Address, signer engine.Signer) (Values, error) {
	const op = "reveal record"
	switch {
	case c.ledger == nil:
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("no ledger configured"))
	case rec.Contract == (common.Address{}) || rec.Subject == (common.Address{}):
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("missing contract or subject"))
	case identity == (common.Address{}):
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("missing identity"))
	case signer == nil:
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("missing signer"))
	case len(rec.Fields) == 0:
		return nil, engine.NewError(engine.ErrNotReady, op, errors.New("no fields requested"))
	}

	gen, err := c.ledger.Generation(ctx, rec.Contract, rec.Subject)
	if err != nil {
		return nil, kinded(engine.ErrTransientNetwork, "read generation", err)
	}

	key := handlecache.Key{
		Contract:    rec.Contract,
		Subject:     rec.Subject,
		Identity:    identity,
		RecordIndex: rec.RecordIndex,
		Generation:  gen,
	}
	handles, hit := c.handles.Get(key)
	if !hit {
		grant, err := c.ledger.GrantAccess(ctx, rec.Contract, rec.Subject, identity, rec.RecordIndex)
		if err != nil {
			return nil, grantError(err)
		}
		c.metrics.PermissionGrant()
		key.Generation = grant.Generation
		handles = grant.Handles
		c.handles.Put(key, handles)
		c.logger.Debug("Granted record access",
			"subject", rec.Subject,
			"record", rec.RecordIndex,
			"generation", grant.Generation,
			"tx", grant.TxHash,
		)
	}

	if len(handles) != len(rec.Fields) {
		return nil, engine.NewError(engine.ErrEngine, op, fmt.Errorf("record has %d handles, %d fields requested", len(handles), len(rec.Fields)))
	}
	reqs := make([]FieldRequest, len(rec.Fields))
	for i, f := range rec.Fields {
		reqs[i] = FieldRequest{
			Name:      f.Name,
			Handle:    handles[i],
			Contract:  rec.Contract,
			Fresh:     !hit,
			Transform: f.Transform,
		}
	}
	return c.DecryptValues(ctx, reqs, identity, signer)
}

// grantError classifies a failed permission grant. A revert is the contract
// refusing the viewer.
func grantError(err error) error {
	const op = "grant access"
	switch {
	case errors.Is(err, chain.ErrReverted):
		return engine.NewError(engine.ErrAuthorizationRejected, op, err)
	case errors.Is(err, chain.ErrNoGrantEvent):
		return engine.NewError(engine.ErrEngine, op, err)
	default:
		return kinded(engine.ErrTransientNetwork, op, err)
	}
}
