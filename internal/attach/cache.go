package attach

import (
	"sync"
	"time"
)

// DefaultTTL is how long a stored attachment stays claimable before it
// is treated as absent.
const DefaultTTL = 3 * time.Minute

type entry struct {
	ref        string
	receivedAt time.Time
}

// Cache holds the most recent attachment reference per chat while the
// sender decides what to do with it. One entry per chat; a new
// attachment overwrites the previous one.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
}

// New returns a Cache whose entries expire after ttl. Non-positive ttl
// falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Put stores ref as the pending attachment for chatID, replacing any
// previous entry and restarting its expiry window.
func (c *Cache) Put(chatID, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chatID] = entry{ref: ref, receivedAt: time.Now()}
}

// Take removes and returns the pending attachment for chatID. The
// second return is false when no entry exists or the entry outlived
// the TTL. A taken entry is gone; a second Take misses.
func (c *Cache) Take(chatID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[chatID]
	if !ok {
		return "", false
	}
	delete(c.entries, chatID)
	if time.Since(e.receivedAt) > c.ttl {
		return "", false
	}
	return e.ref, true
}

// Prune drops all expired entries and returns how many were removed.
// The cache also expires entries lazily on Take, so calling Prune is
// optional housekeeping.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for chatID, e := range c.entries {
		if time.Since(e.receivedAt) > c.ttl {
			delete(c.entries, chatID)
			removed++
		}
	}
	return removed
}

// Len reports how many entries are currently stored, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
