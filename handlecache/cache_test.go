package handlecache

import (
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/metrics"
)

func handle(b byte) engine.Handle {
	var h engine.Handle
	h[31] = b
	return h
}

func testKey() Key {
	return Key{
		Contract:    common.HexToAddress("0x0c"),
		Subject:     common.HexToAddress("0x5b"),
		Identity:    common.HexToAddress("0x1d"),
		RecordIndex: 2,
		Generation:  7,
	}
}

func TestGetPut(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	_, ok := c.Get(testKey())
	require.False(t, ok)

	c.Put(testKey(), []engine.Handle{handle(1), handle(2)})
	got, ok := c.Get(testKey())
	require.True(t, ok)
	require.Equal(t, []engine.Handle{handle(1), handle(2)}, got)

	c.Put(testKey(), []engine.Handle{handle(3)})
	got, ok = c.Get(testKey())
	require.True(t, ok)
	require.Equal(t, []engine.Handle{handle(3)}, got)
}

func TestGenerationChangeMisses(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	k := testKey()
	c.Put(k, []engine.Handle{handle(1)})

	next := k
	next.Generation++
	_, ok := c.Get(next)
	require.False(t, ok)

	other := k
	other.Identity = common.HexToAddress("0x2d")
	_, ok = c.Get(other)
	require.False(t, ok)

	other = k
	other.RecordIndex = 3
	_, ok = c.Get(other)
	require.False(t, ok)
}

func TestCopies(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	in := []engine.Handle{handle(1)}
	c.Put(testKey(), in)
	in[0] = handle(9)

	out, ok := c.Get(testKey())
	require.True(t, ok)
	require.Equal(t, handle(1), out[0])
	out[0] = handle(8)

	again, _ := c.Get(testKey())
	require.Equal(t, handle(1), again[0])
}

func TestEviction(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	for i := uint64(0); i < 3; i++ {
		k := testKey()
		k.RecordIndex = i
		c.Put(k, []engine.Handle{handle(byte(i))})
	}
	require.Equal(t, 2, c.Len())

	first := testKey()
	first.RecordIndex = 0
	_, ok := c.Get(first)
	require.False(t, ok)

	c.Purge()
	require.Zero(t, c.Len())
}

func TestLookupMetrics(t *testing.T) {
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	c, err := New(0, WithMetrics(m))
	require.NoError(t, err)

	c.Put(testKey(), nil)
	_, ok := c.Get(testKey())
	require.True(t, ok)
	_, ok = c.Get(Key{})
	require.False(t, ok)
}
