package session

import (
	"sync"
	"time"
)

// cacheEntry maps a conversation prefix to an upstream session name.
type cacheEntry struct {
	sessionName string
	storedAt    time.Time
}

// Cache maps conversation-prefix keys to upstream session names so multi-turn
// conversations keep hitting the same backend session.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a session cache with the given entry TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Lookup returns the upstream session recorded under key, if still fresh.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		return "", false
	}
	return e.sessionName, true
}

// Store records an upstream session under key, refreshing the write time.
func (c *Cache) Store(key, sessionName string) {
	if key == "" || sessionName == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{sessionName: sessionName, storedAt: c.now()}
}

// Invalidate drops a single entry, used when the upstream session died.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// CleanupExpired removes stale entries and returns how many were dropped.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Janitor runs CleanupExpired on the given interval until stop is closed.
func (c *Cache) Janitor(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.CleanupExpired()
		}
	}
}
