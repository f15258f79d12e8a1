package policy

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// StateSource answers whether a mission is in progress. Guards are only
// enforced while one is.
type StateSource interface {
	MissionActive(ctx context.Context) (bool, error)
}

// StateFunc adapts a function to StateSource.
type StateFunc func(ctx context.Context) (bool, error)

func (f StateFunc) MissionActive(ctx context.Context) (bool, error) { return f(ctx) }

// AlwaysActive enforces guards unconditionally.
var AlwaysActive StateSource = StateFunc(func(context.Context) (bool, error) { return true, nil })

// MarkerState is an in-process mission marker with an explicit lifecycle.
type MarkerState struct {
	mu     sync.RWMutex
	active bool
	since  time.Time
}

// Activate marks a mission as running.
func (m *MarkerState) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		m.active = true
		m.since = time.Now()
	}
}

// Clear marks the mission as finished.
func (m *MarkerState) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.since = time.Time{}
}

// Since returns when the marker was activated, or zero.
func (m *MarkerState) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

func (m *MarkerState) MissionActive(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, nil
}

const stateKey = "mission-active"

// CachedState memoizes successful lookups of another source for a TTL.
// Errors are not cached.
type CachedState struct {
	src   StateSource
	cache *expirable.LRU[string, bool]
}

func NewCachedState(src StateSource, ttl time.Duration) *CachedState {
	return &CachedState{src: src, cache: expirable.NewLRU[string, bool](1, nil, ttl)}
}

func (c *CachedState) MissionActive(ctx context.Context) (bool, error) {
	if v, ok := c.cache.Get(stateKey); ok {
		return v, nil
	}
	v, err := c.src.MissionActive(ctx)
	if err != nil {
		return false, err
	}
	c.cache.Add(stateKey, v)
	return v, nil
}

// Invalidate drops the cached value.
func (c *CachedState) Invalidate() {
	c.cache.Purge()
}
