package mirror

import (
	"context"
	"sync"

	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// MemoryCache is a process-local Store for tests and ephemeral daemons.
type MemoryCache struct {
	mu      sync.Mutex
	values  map[string]string
	version string
	err     error
	saves   int
	clears  int
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: map[string]string{}}
}

var _ Store = (*MemoryCache)(nil)

// Load implements Cache.
func (c *MemoryCache) Load(ctx context.Context) (domain.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return domain.State{}, c.err
	}
	return FromValues(c.values), nil
}

// Save implements Cache.
func (c *MemoryCache) Save(ctx context.Context, s domain.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.values = Values(s.Normalize())
	c.saves++
	return nil
}

// Clear implements Cache.
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.values = map[string]string{}
	c.clears++
	return nil
}

// LastVersion implements VersionStore.
func (c *MemoryCache) LastVersion(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version, nil
}

// RecordVersion implements VersionStore.
func (c *MemoryCache) RecordVersion(ctx context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = version
	return nil
}

// Put writes raw key/value pairs, bypassing the triple invariant. Tests
// use it to plant partial or stale mirrors.
func (c *MemoryCache) Put(values map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]string, len(values))
	for k, v := range values {
		c.values[k] = v
	}
}

// Raw returns a copy of the stored key/value pairs.
func (c *MemoryCache) Raw() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// SetError makes every cache operation fail with err until reset with nil.
func (c *MemoryCache) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Counts reports how many saves and clears succeeded.
func (c *MemoryCache) Counts() (saves, clears int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves, c.clears
}
