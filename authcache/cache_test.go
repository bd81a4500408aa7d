package authcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/fhevault/credstore"
	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/engine/enginetest"
)

var (
	contractA = common.HexToAddress("0xaAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa")
	contractB = common.HexToAddress("0xbBbBBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbB")
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(t *testing.T, store credstore.Store) (*Cache, *enginetest.Engine, *clock) {
	t.Helper()
	eng := enginetest.New()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	return New(store, eng, WithClock(clk.Now)), eng, clk
}

func TestKeyIsOrderAndCaseInsensitive(t *testing.T) {
	id := common.HexToAddress("0x00000000000000000000000000000000000000Ff")
	k1 := Key(id, []common.Address{contractA, contractB})
	k2 := Key(id, []common.Address{contractB, contractA, contractB})
	require.Equal(t, k1, k2)
	require.Len(t, k1, 64)

	require.NotEqual(t, k1, Key(id, []common.Address{contractA}))
	require.NotEqual(t, k1, Key(common.HexToAddress("0x01"), []common.Address{contractA, contractB}))
}

func TestGetOrCreateCachesWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	cache, eng, clk := newCache(t, store)
	signer := enginetest.NewSigner()

	first, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 1, signer.Calls())
	require.Equal(t, 1, store.Len())

	clk.Advance(364 * 24 * time.Hour)

	second, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 1, signer.Calls())
	require.Equal(t, 1, eng.KeypairCalls())
	require.Equal(t, first, second)

	recovered, err := engine.RecoverSigner(mustChallenge(t, eng, second), second.Signature)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), recovered)
}

func mustChallenge(t *testing.T, eng engine.Engine, cred *Credential) *engine.Challenge {
	t.Helper()
	c, err := eng.BuildAuthorizationChallenge(cred.Keypair.Public, cred.Contracts, cred.StartTime(), cred.DurationDays)
	require.NoError(t, err)
	return c
}

func TestGetOrCreateReplacesExpired(t *testing.T) {
	ctx := context.Background()
	cache, _, clk := newCache(t, credstore.NewMemory())
	signer := enginetest.NewSigner()

	first, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)

	// Exactly at start + duration the credential is expired.
	clk.Advance(365 * 24 * time.Hour)
	require.False(t, first.Valid(clk.Now()))

	second, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 2, signer.Calls())
	require.NotEqual(t, first.Signature, second.Signature)
	require.True(t, second.Valid(clk.Now()))
}

func TestDifferentScopesAreDifferentEntries(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	cache, _, _ := newCache(t, store)
	signer := enginetest.NewSigner()

	_, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	both, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractB, contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 2, signer.Calls())
	require.Equal(t, 2, store.Len())
	require.Equal(t, []common.Address{contractA, contractB}, both.Contracts)

	_, err = cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA, contractB}, signer)
	require.NoError(t, err)
	require.Equal(t, 2, signer.Calls())
}

func TestSignerRejectionCachesNothing(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	cache, _, _ := newCache(t, store)
	signer := enginetest.NewSigner()
	signer.Decline(true)

	_, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.ErrorIs(t, err, engine.ErrAuthorizationRejected)
	require.ErrorIs(t, err, enginetest.ErrDeclined)
	require.Equal(t, 0, store.Len())

	signer.Decline(false)
	_, err = cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 2, signer.Calls())
}

func TestPreconditions(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newCache(t, credstore.NewMemory())
	signer := enginetest.NewSigner()

	_, err := cache.GetOrCreate(ctx, common.Address{}, []common.Address{contractA}, signer)
	require.ErrorIs(t, err, engine.ErrNotReady)
	_, err = cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, nil)
	require.ErrorIs(t, err, engine.ErrNotReady)
	_, err = cache.GetOrCreate(ctx, signer.Address(), nil, signer)
	require.ErrorIs(t, err, engine.ErrNotReady)
	require.Equal(t, 0, signer.Calls())
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	cache, _, _ := newCache(t, store)
	signer := enginetest.NewSigner()

	key := DefaultNamespace + Key(signer.Address(), []common.Address{contractA})
	require.NoError(t, store.Set(ctx, key, []byte("{not json")))

	cred, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 1, signer.Calls())

	stored, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Contains(t, string(stored), cred.Signature.String()[2:])
}

type failingStore struct {
	credstore.Store
}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("backend down")
}

func TestStoreFaultsDoNotFailTheCall(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newCache(t, failingStore{credstore.NewMemory()})
	signer := enginetest.NewSigner()

	cred, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.NotEmpty(t, cred.Signature)
}

func TestConcurrentCallsShareOnePrompt(t *testing.T) {
	ctx := context.Background()
	cache, _, _ := newCache(t, credstore.NewMemory())
	signer := enginetest.NewSigner()
	signer.Gate = make(chan struct{})

	const callers = 8
	results := make(chan *Credential, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
			assert.NoError(t, err)
			results <- cred
		}()
	}

	require.Eventually(t, func() bool { return signer.Calls() == 1 }, time.Second, time.Millisecond)
	close(signer.Gate)
	wg.Wait()
	close(results)

	var first *Credential
	for cred := range results {
		if first == nil {
			first = cred
		}
		require.Equal(t, first.Signature, cred.Signature)
	}
	require.Equal(t, 1, signer.Calls())
}

func TestCancelledCallerAbandonsPrompt(t *testing.T) {
	store := credstore.NewMemory()
	cache, _, _ := newCache(t, store)
	signer := enginetest.NewSigner()
	signer.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
		done <- err
	}()

	require.Eventually(t, func() bool { return signer.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The prompt is still answered and its signature cached.
	close(signer.Gate)
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, time.Millisecond)
	_, err := cache.GetOrCreate(context.Background(), signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 1, signer.Calls())
}

func TestCancelledLeaderDoesNotFailWaiters(t *testing.T) {
	cache, _, _ := newCache(t, credstore.NewMemory())
	signer := enginetest.NewSigner()
	signer.Gate = make(chan struct{})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCreate(leaderCtx, signer.Address(), []common.Address{contractA}, signer)
		leader <- err
	}()
	require.Eventually(t, func() bool { return signer.Calls() == 1 }, time.Second, time.Millisecond)

	type result struct {
		cred *Credential
		err  error
	}
	waiter := make(chan result, 1)
	go func() {
		cred, err := cache.GetOrCreate(context.Background(), signer.Address(), []common.Address{contractA}, signer)
		waiter <- result{cred, err}
	}()

	cancel()
	require.ErrorIs(t, <-leader, context.Canceled)

	close(signer.Gate)
	res := <-waiter
	require.NoError(t, res.err)
	require.NotEmpty(t, res.cred.Signature)
	require.Equal(t, 1, signer.Calls())
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	store := credstore.NewMemory()
	cache, _, _ := newCache(t, store)
	signer := enginetest.NewSigner()

	_, err := cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, signer.Address(), []common.Address{contractA}))
	require.Equal(t, 0, store.Len())

	_, err = cache.GetOrCreate(ctx, signer.Address(), []common.Address{contractA}, signer)
	require.NoError(t, err)
	require.Equal(t, 2, signer.Calls())
}

func TestCredentialWindow(t *testing.T) {
	cred := &Credential{Start: 1000, DurationDays: 1}
	require.True(t, cred.Valid(time.Unix(1000, 0)))
	require.True(t, cred.Valid(time.Unix(1000+86399, 0)))
	require.False(t, cred.Valid(time.Unix(1000+86400, 0)))
	require.Equal(t, time.Unix(1000+86400, 0), cred.Expiry())

	require.False(t, (&Credential{Start: 1000}).Valid(time.Unix(1000, 0)))
}
