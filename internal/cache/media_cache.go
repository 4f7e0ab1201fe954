package cache

import (
	"sync"
	"time"
)

type entry struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// MediaCache keeps recently downloaded media bytes keyed by URL so a
// re-verification cycle does not re-download the same object.
type MediaCache struct {
	mu         sync.RWMutex
	entries    map[string]entry
	ttl        time.Duration
	maxEntries int
}

func NewMediaCache(config Config) *MediaCache {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 256
	}
	return &MediaCache{
		entries:    make(map[string]entry),
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
	}
}

func (c *MediaCache) Get(url string) ([]byte, bool) {
	c.mu.RLock()
	item, exists := c.entries[url]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if time.Now().UTC().After(item.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, url)
		c.mu.Unlock()
		return nil, false
	}
	return append([]byte(nil), item.Data...), true
}

func (c *MediaCache) Set(url string, data []byte) {
	now := time.Now().UTC()
	item := entry{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[url] = item
}

func (c *MediaCache) evictOldest() {
	oldestKey := ""
	var oldestAt time.Time
	for key, item := range c.entries {
		if oldestKey == "" || item.CreatedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = item.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
