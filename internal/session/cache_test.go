package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheStoreLookup(t *testing.T) {
	c := NewCache(time.Hour)
	c.Store("key", "sessions/abc")

	name, ok := c.Lookup("key")
	assert.True(t, ok)
	assert.Equal(t, "sessions/abc", name)

	_, ok = c.Lookup("other")
	assert.False(t, ok)
}

func TestCacheIgnoresEmptyWrites(t *testing.T) {
	c := NewCache(time.Hour)
	c.Store("", "sessions/abc")
	c.Store("key", "")
	assert.Equal(t, 0, c.Len())
}

func TestCacheExpiry(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Hour)
	c.now = func() time.Time { return now }

	c.Store("key", "sessions/abc")

	now = now.Add(59 * time.Minute)
	_, ok := c.Lookup("key")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Lookup("key")
	assert.False(t, ok)

	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 0, c.Len())
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Hour)
	c.Store("key", "sessions/abc")
	c.Invalidate("key")
	_, ok := c.Lookup("key")
	assert.False(t, ok)
}

func TestCacheStoreRefreshesWriteTime(t *testing.T) {
	now := time.Now()
	c := NewCache(time.Hour)
	c.now = func() time.Time { return now }

	c.Store("key", "sessions/abc")
	now = now.Add(50 * time.Minute)
	c.Store("key", "sessions/def")
	now = now.Add(50 * time.Minute)

	name, ok := c.Lookup("key")
	assert.True(t, ok)
	assert.Equal(t, "sessions/def", name)
}
