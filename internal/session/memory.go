package session

import (
	"container/list"
	"context"
	"sync"
	"time"

	"errorwatch.app/pipeline/internal/model"
)

type entry struct {
	token     string
	principal model.Principal
	expiresAt time.Time
}

// MemoryCache is a mutex-guarded TTL cache with a hard capacity bound.
// When full it drops expired entries first, then the oldest insertion.
type MemoryCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time

	items map[string]*list.Element
	order *list.List // front = oldest insertion
}

type MemoryOption func(*MemoryCache)

// WithClock overrides time.Now, used by tests to step past the TTL.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

func NewMemoryCache(ttl time.Duration, capacity int, opts ...MemoryOption) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &MemoryCache{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) Get(_ context.Context, token string) (model.Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[token]
	if !ok {
		return model.Principal{}, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(el)
		return model.Principal{}, false
	}
	return e.principal, true
}

func (c *MemoryCache) Put(_ context.Context, token string, principal model.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[token]; ok {
		c.removeLocked(el)
	}

	if len(c.items) >= c.capacity {
		c.sweepLocked(now)
	}
	for len(c.items) >= c.capacity {
		c.removeLocked(c.order.Front())
	}

	el := c.order.PushBack(&entry{token: token, principal: principal, expiresAt: now.Add(c.ttl)})
	c.items[token] = el
}

func (c *MemoryCache) Invalidate(_ context.Context, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[token]; ok {
		c.removeLocked(el)
	}
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryCache) sweepLocked(now time.Time) {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry).expiresAt) {
			c.removeLocked(el)
		}
		el = next
	}
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	e := c.order.Remove(el).(*entry)
	delete(c.items, e.token)
}
