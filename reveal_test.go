// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package fhevault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/fhevault/chain"
	"github.com/luxfi/fhevault/chain/chaintest"
	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/handlecache"
)

var vitals = []RecordField{
	{Name: "heartRate"},
	{Name: "riskScore", Transform: Transform{Clamp: true, Max: 100}},
}

func newRevealHarness(t *testing.T, ledger chain.Ledger) (*harness, *handlecache.Cache) {
	t.Helper()
	handles, err := handlecache.New(16)
	require.NoError(t, err)
	return newHarness(t, WithLedger(ledger), WithHandleCache(handles)), handles
}

func TestRevealRecordCachesGrantedHandles(t *testing.T) {
	ledger := chaintest.New(nil)
	h, handles := newRevealHarness(t, ledger)
	ctx := context.Background()
	ledger.PutRecord(registryA, patient, 0, []engine.Handle{h.eng.Seed(72), h.eng.Seed(140)})
	rec := RecordRequest{Contract: registryA, Subject: patient, Fields: vitals}

	vals, err := h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, uint64(72), vals["heartRate"].Raw)
	require.Equal(t, uint64(100), vals["riskScore"].Uint)
	require.Equal(t, 1, ledger.Grants())
	require.Equal(t, 1, h.Waits())
	require.Equal(t, 1, handles.Len())

	// Same generation: no grant and no delay.
	vals, err = h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, uint64(72), vals["heartRate"].Raw)
	require.Equal(t, 1, ledger.Grants())
	require.Equal(t, 1, h.Waits())
	require.Equal(t, 1, h.signer.Calls())
	require.Equal(t, 2, h.eng.DecryptCalls())
}

func TestRevealRecordRefetchesAfterGenerationBump(t *testing.T) {
	ledger := chaintest.New(nil)
	h, _ := newRevealHarness(t, ledger)
	ctx := context.Background()
	rec := RecordRequest{Contract: registryA, Subject: patient, Fields: vitals}

	ledger.PutRecord(registryA, patient, 0, []engine.Handle{h.eng.Seed(72), h.eng.Seed(40)})
	_, err := h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.NoError(t, err)

	ledger.PutRecord(registryA, patient, 0, []engine.Handle{h.eng.Seed(65), h.eng.Seed(30)})
	vals, err := h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, uint64(65), vals["heartRate"].Raw)
	require.Equal(t, uint64(30), vals["riskScore"].Raw)
	require.Equal(t, 2, ledger.Grants())
	require.Equal(t, 2, h.Waits())
	require.Equal(t, 1, h.signer.Calls())
}

func TestRevealRecordIsPerViewer(t *testing.T) {
	ledger := chaintest.New(nil)
	h, _ := newRevealHarness(t, ledger)
	ctx := context.Background()
	rec := RecordRequest{Contract: registryA, Subject: patient, Fields: vitals}
	ledger.PutRecord(registryA, patient, 0, []engine.Handle{h.eng.Seed(1), h.eng.Seed(2)})

	_, err := h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.NoError(t, err)

	other := newHarness(t).signer
	_, err = h.client.RevealRecord(ctx, rec, other.Address(), other)
	require.NoError(t, err)
	require.Equal(t, 2, ledger.Grants())
	require.Equal(t, 1, other.Calls())
}

func TestRevealRecordGrantFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{name: "revert", err: chain.ErrReverted, kind: ErrAuthorizationRejected},
		{name: "missing event", err: chain.ErrNoGrantEvent, kind: ErrEngine},
		{name: "node unreachable", err: errors.New("dial tcp: connection refused"), kind: ErrTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := chaintest.New(nil)
			h, handles := newRevealHarness(t, ledger)
			ctx := context.Background()
			rec := RecordRequest{Contract: registryA, Subject: patient, Fields: vitals}
			ledger.PutRecord(registryA, patient, 0, []engine.Handle{h.eng.Seed(1), h.eng.Seed(2)})

			ledger.FailNextGrant(tt.err)
			_, err := h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
			require.ErrorIs(t, err, tt.kind)
			require.Zero(t, handles.Len())
			require.Zero(t, h.signer.Calls())

			_, err = h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
			require.NoError(t, err)
		})
	}
}

func TestRevealMissingRecordIsRejected(t *testing.T) {
	ledger := chaintest.New(nil)
	h, _ := newRevealHarness(t, ledger)

	_, err := h.client.RevealRecord(context.Background(), RecordRequest{
		Contract: registryA, Subject: patient, RecordIndex: 7, Fields: vitals,
	}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrAuthorizationRejected)
}

func TestRevealRecordFieldMismatch(t *testing.T) {
	ledger := chaintest.New(nil)
	h, _ := newRevealHarness(t, ledger)
	ledger.PutRecord(registryA, patient, 0, []engine.Handle{h.eng.Seed(1)})

	_, err := h.client.RevealRecord(context.Background(), RecordRequest{
		Contract: registryA, Subject: patient, Fields: vitals,
	}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrEngine)
	require.Zero(t, h.eng.DecryptCalls())
}

func TestRevealRecordPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := RecordRequest{Contract: registryA, Subject: patient, Fields: vitals}

	_, err := h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrNotReady)

	h, _ = newRevealHarness(t, chaintest.New(nil))
	_, err = h.client.RevealRecord(ctx, RecordRequest{Contract: registryA, Fields: vitals}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrNotReady)
	_, err = h.client.RevealRecord(ctx, RecordRequest{Contract: registryA, Subject: patient}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrNotReady)
	_, err = h.client.RevealRecord(ctx, rec, h.identity(), nil)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestRevealRecordOverRegistryABI(t *testing.T) {
	ledger := chaintest.New(nil)
	registry, err := chaintest.NewRegistry(ledger)
	require.NoError(t, err)
	onchain, err := chain.NewClient(registry, registry, nil)
	require.NoError(t, err)

	h, _ := newRevealHarness(t, onchain)
	ctx := context.Background()
	rec := RecordRequest{Contract: registryA, Subject: patient, RecordIndex: 3, Fields: vitals}
	ledger.PutRecord(registryA, patient, 3, []engine.Handle{h.eng.Seed(88), h.eng.Seed(12)})

	vals, err := h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, uint64(88), vals["heartRate"].Raw)
	require.Equal(t, uint64(12), vals["riskScore"].Uint)

	_, err = h.client.RevealRecord(ctx, rec, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, 1, ledger.Grants())
}
