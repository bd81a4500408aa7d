// Package handlecache remembers the ciphertext handles a viewer was granted
// for one record of one data generation, so a repeated reveal does not
// submit another permission-granting transaction.
package handlecache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/fhevault/engine"
	"github.com/luxfi/fhevault/metrics"
)

// DefaultSize bounds the number of records kept.
const DefaultSize = 4096

// Key identifies the handles granted to Identity for record RecordIndex of
// Subject at Generation. A bump of the subject's generation makes every
// older key unreachable.
type Key struct {
	Contract    common.Address
	Subject     common.Address
	Identity    common.Address
	RecordIndex uint64
	Generation  uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%d@%d", k.Contract.Hex(), k.Subject.Hex(), k.Identity.Hex(), k.RecordIndex, k.Generation)
}

// Cache is a bounded LRU of granted handle lists. It is safe for concurrent
// use.
type Cache struct {
	entries *lru.Cache
	logger  log.Logger
	metrics *metrics.Metrics
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

// New creates a cache holding at most size records. A size of zero or less
// selects DefaultSize.
func New(size int, opts ...Option) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create handle cache: %w", err)
	}
	c := &Cache{
		entries: entries,
		logger:  log.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns a copy of the handles stored under key.
func (c *Cache) Get(key Key) ([]engine.Handle, bool) {
	v, ok := c.entries.Get(key)
	c.metrics.HandleLookup(ok)
	if !ok {
		return nil, false
	}
	handles := v.([]engine.Handle)
	return append([]engine.Handle(nil), handles...), true
}

// Put stores a copy of handles under key, replacing any previous value.
func (c *Cache) Put(key Key, handles []engine.Handle) {
	stored := append([]engine.Handle(nil), handles...)
	if evicted := c.entries.Add(key, stored); evicted {
		c.logger.Debug("Evicted handle cache entry", "size", c.entries.Len())
	}
	c.logger.Debug("Cached record handles", "key", key, "handles", len(stored))
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.entries.Purge()
}
