package cache

import (
	"sync"
	"time"
)

// Cache is a process-scoped TTL cache with explicit construction and
// teardown. It is injected where needed, never a package-level global.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	done    chan struct{}
	once    sync.Once
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func New(ttl, cleanupInterval time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}
	c := &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go c.janitor(cleanupInterval)
	return c
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.entries[key]
	if !ok || time.Now().After(item.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return item.value, true
}

func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Stop terminates the janitor. Idempotent.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, item := range c.entries {
				if now.After(item.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
