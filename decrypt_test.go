// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

package fhevault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/metrics"
)

func TestFirstDecryptPromptsWaitsAndDecryptsOnce(t *testing.T) {
	h := newHarness(t)
	handle := h.eng.Seed(42)

	vals, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "score", Handle: handle, Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.NoError(t, err)

	require.Equal(t, 1, h.signer.Calls())
	require.Equal(t, 1, h.Waits())
	require.Equal(t, 1, h.eng.DecryptCalls())
	require.Len(t, vals, 1)
	require.Equal(t, uint64(42), vals["score"].Raw)
	require.Equal(t, []State{
		StateIdle,
		StateAwaitingCredential,
		StateAwaitingPropagationDelay,
		StateAwaitingEngineResponse,
		StateResolved,
	}, h.States())
}

func TestRepeatReusesCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.DecryptValues(ctx, []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.NoError(t, err)

	// A different, freshly fetched handle on the same contract.
	vals, err := h.client.DecryptValues(ctx, []FieldRequest{
		{Name: "b", Handle: h.eng.Seed(2), Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, uint64(2), vals["b"].Raw)
	require.Equal(t, 1, h.signer.Calls())
	require.Equal(t, 2, h.Waits())
	require.Equal(t, 2, h.eng.DecryptCalls())

	// Handles already known to be visible skip the delay.
	h.States()
	_, err = h.client.DecryptValues(ctx, []FieldRequest{
		{Name: "c", Handle: h.eng.Seed(3), Contract: registryA},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, 2, h.Waits())
	require.Equal(t, 3, h.eng.DecryptCalls())
	require.NotContains(t, h.States(), StateAwaitingPropagationDelay)
}

func TestDecryptIsDeterministic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reqs := []FieldRequest{{Name: "v", Handle: h.eng.Seed(1234), Contract: registryA}}

	first, err := h.client.DecryptValues(ctx, reqs, h.identity(), h.signer)
	require.NoError(t, err)
	second, err := h.client.DecryptValues(ctx, reqs, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestPreconditionsHaveNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handle := h.eng.Seed(1)
	valid := []FieldRequest{{Name: "v", Handle: handle, Contract: registryA}}

	tests := []struct {
		name     string
		reqs     []FieldRequest
		identity common.Address
		signer   engine.Signer
	}{
		{name: "empty request list", reqs: nil, identity: h.identity(), signer: h.signer},
		{name: "missing identity", reqs: valid, signer: h.signer},
		{name: "missing signer", reqs: valid, identity: h.identity()},
		{
			name:     "unnamed field",
			reqs:     []FieldRequest{{Handle: handle, Contract: registryA}},
			identity: h.identity(),
			signer:   h.signer,
		},
		{
			name: "duplicate name",
			reqs: []FieldRequest{
				{Name: "v", Handle: handle, Contract: registryA},
				{Name: "v", Handle: handle, Contract: registryA},
			},
			identity: h.identity(),
			signer:   h.signer,
		},
		{
			name:     "missing contract",
			reqs:     []FieldRequest{{Name: "v", Handle: handle}},
			identity: h.identity(),
			signer:   h.signer,
		},
		{
			name: "empty clamp range",
			reqs: []FieldRequest{{Name: "v", Handle: handle, Contract: registryA,
				Transform: Transform{Clamp: true, Min: 10, Max: 1}}},
			identity: h.identity(),
			signer:   h.signer,
		},
		{
			name: "negative scale",
			reqs: []FieldRequest{{Name: "v", Handle: handle, Contract: registryA,
				Transform: Transform{Scale: -1}}},
			identity: h.identity(),
			signer:   h.signer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vals, err := h.client.DecryptValues(ctx, tt.reqs, tt.identity, tt.signer)
			require.ErrorIs(t, err, ErrNotReady)
			require.Nil(t, vals)
		})
	}
	require.Zero(t, h.signer.Calls())
	require.Zero(t, h.eng.DecryptCalls())
	require.Zero(t, h.Waits())
	require.Empty(t, h.States())
}

func TestPermissionNotYetVisibleIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.eng.FailNext(engine.NewError(engine.ErrPermissionNotYetVisible, "user decrypt", nil))

	vals, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA, Fresh: true},
		{Name: "b", Handle: h.eng.Seed(2), Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrPermissionNotYetVisible)
	require.True(t, Retriable(err))
	require.Nil(t, vals)
	require.Equal(t, 1, h.eng.DecryptCalls())

	states := h.States()
	require.Equal(t, StateFailed, states[len(states)-1])
}

func TestAnyGroupFailureFailsTheCall(t *testing.T) {
	h := newHarness(t)
	h.eng.FailNext(engine.NewError(engine.ErrTransientNetwork, "user decrypt", errors.New("connection reset")))

	vals, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA},
		{Name: "b", Handle: h.eng.Seed(2), Contract: registryB},
	}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrTransientNetwork)
	require.Nil(t, vals)
}

func TestUnkindedEngineErrorIsEngineError(t *testing.T) {
	h := newHarness(t)
	h.eng.FailNext(errors.New("malformed response"))

	_, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA},
	}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrEngine)
}

func TestAuthorizationExpiredDropsCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reqs := []FieldRequest{{Name: "a", Handle: h.eng.Seed(1), Contract: registryA}}

	h.eng.FailNext(engine.NewError(engine.ErrAuthorizationExpired, "user decrypt", nil))
	_, err := h.client.DecryptValues(ctx, reqs, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrAuthorizationExpired)
	require.Zero(t, h.store.Len())

	_, err = h.client.DecryptValues(ctx, reqs, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, 2, h.signer.Calls())
}

func TestSignerRejectionFailsBeforeEngine(t *testing.T) {
	h := newHarness(t)
	h.signer.Decline(true)

	_, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrAuthorizationRejected)
	require.False(t, Retriable(err))
	require.Zero(t, h.Waits())
	require.Zero(t, h.eng.DecryptCalls())
}

func TestAbsentFieldsAreNeverSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handle := h.eng.Seed(0)

	vals, err := h.client.DecryptValues(ctx, []FieldRequest{
		{Name: "set", Handle: handle, Contract: registryA},
		{Name: "unset", Contract: registryA},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Len(t, vals, 2)

	require.False(t, vals["set"].Absent)
	require.Zero(t, vals["set"].Raw)
	require.True(t, vals["unset"].Absent)
	require.Equal(t, [][]engine.Pair{{{Handle: handle, Contract: registryA}}}, h.eng.Batches())

	// Nothing to decrypt means nothing to authorize.
	vals, err = h.client.DecryptValues(ctx, []FieldRequest{{Name: "unset"}}, h.identity(), h.signer)
	require.NoError(t, err)
	require.True(t, vals["unset"].Absent)
	require.Equal(t, 1, h.signer.Calls())
	require.Equal(t, 1, h.eng.DecryptCalls())
}

func TestTransforms(t *testing.T) {
	h := newHarness(t)

	vals, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "high", Handle: h.eng.Seed(250), Contract: registryA,
			Transform: Transform{Clamp: true, Min: 0, Max: 100}},
		{Name: "low", Handle: h.eng.Seed(3), Contract: registryA,
			Transform: Transform{Clamp: true, Min: 10, Max: 100}},
		{Name: "risk", Handle: h.eng.Seed(1250), Contract: registryA,
			Transform: Transform{Scale: 100}},
		{Name: "flag", Handle: h.eng.Seed(1), Contract: registryA},
	}, h.identity(), h.signer)
	require.NoError(t, err)

	require.Equal(t, uint64(250), vals["high"].Raw)
	require.Equal(t, uint64(100), vals["high"].Uint)
	require.Equal(t, uint64(10), vals["low"].Uint)
	require.InDelta(t, 12.5, vals["risk"].Float, 1e-9)
	require.Equal(t, uint64(1250), vals["risk"].Uint)
	require.True(t, vals["flag"].Bool)
	require.InDelta(t, 1.0, vals["flag"].Float, 1e-9)
}

func TestGroupsByContract(t *testing.T) {
	h := newHarness(t)

	vals, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA},
		{Name: "b", Handle: h.eng.Seed(2), Contract: registryB},
		{Name: "c", Handle: h.eng.Seed(3), Contract: registryA},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, uint64(3), vals["c"].Raw)
	require.Equal(t, 2, h.signer.Calls())
	require.Equal(t, 2, h.eng.DecryptCalls())
}

func TestSharedScopeSignsOnce(t *testing.T) {
	h := newHarness(t, WithAuthorizationScope(registryB, registryA))

	_, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA, Fresh: true},
		{Name: "b", Handle: h.eng.Seed(2), Contract: registryB, Fresh: true},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, 1, h.signer.Calls())
	require.Equal(t, 1, h.Waits())
	require.Equal(t, 2, h.eng.DecryptCalls())

	// A contract outside the shared scope gets its own credential.
	other := common.HexToAddress("0x4000000000000000000000000000000000000004")
	_, err = h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "c", Handle: h.eng.Seed(3), Contract: other},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, 2, h.signer.Calls())
}

func TestBatchesAreBounded(t *testing.T) {
	h := newHarness(t, WithBatchSize(2))

	reqs := make([]FieldRequest, 5)
	for i := range reqs {
		reqs[i] = FieldRequest{Name: string(rune('a' + i)), Handle: h.eng.Seed(uint64(i)), Contract: registryA}
	}
	vals, err := h.client.DecryptValues(context.Background(), reqs, h.identity(), h.signer)
	require.NoError(t, err)
	require.Len(t, vals, 5)
	require.Equal(t, uint64(4), vals["e"].Raw)
	require.Equal(t, 3, h.eng.DecryptCalls())
	for _, batch := range h.eng.Batches() {
		require.LessOrEqual(t, len(batch), 2)
	}
}

func TestRepeatedHandleIsDecryptedOnce(t *testing.T) {
	h := newHarness(t)
	handle := h.eng.Seed(9)

	vals, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "raw", Handle: handle, Contract: registryA},
		{Name: "clamped", Handle: handle, Contract: registryA, Transform: Transform{Clamp: true, Max: 5}},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Equal(t, uint64(9), vals["raw"].Uint)
	require.Equal(t, uint64(5), vals["clamped"].Uint)
	require.Len(t, h.eng.Batches()[0], 1)
}

func TestPropagationWaitIsCancellable(t *testing.T) {
	h := newHarness(t, WithWait(sleep), WithPropagationDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.client.DecryptValues(ctx, []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, h.eng.DecryptCalls())

	// The signature obtained before the wait is kept.
	require.Equal(t, 1, h.store.Len())
}

func TestZeroDelaySkipsWait(t *testing.T) {
	h := newHarness(t, WithPropagationDelay(0))

	_, err := h.client.DecryptValues(context.Background(), []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	require.Zero(t, h.Waits())
}

func TestDecryptBoolean(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.client.DecryptBoolean(ctx, h.eng.Seed(1), registryA, h.identity(), h.signer)
	require.NoError(t, err)
	require.True(t, v)

	v, err = h.client.DecryptBoolean(ctx, h.eng.Seed(0), registryA, h.identity(), h.signer)
	require.NoError(t, err)
	require.False(t, v)

	_, err = h.client.DecryptBoolean(ctx, engine.Handle{}, registryA, h.identity(), h.signer)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestDecryptOutcomeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	h := newHarness(t, WithMetrics(m))
	ctx := context.Background()

	_, err = h.client.DecryptValues(ctx, []FieldRequest{
		{Name: "a", Handle: h.eng.Seed(1), Contract: registryA, Fresh: true},
	}, h.identity(), h.signer)
	require.NoError(t, err)
	_, err = h.client.DecryptValues(ctx, nil, h.identity(), h.signer)
	require.Error(t, err)

	n, err := testutil.GatherAndCount(reg, "fhevault_decrypt_calls_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(reg, "fhevault_propagation_waits_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
