// Package cache provides the first-story priming cache: when a player's
// wish is likely to be submitted again imminently (e.g. a retry after a
// dropped connection, or a prepare_start warm-up ahead of start), the
// already-generated root node is kept ready rather than regenerated.
// Grounded on the teacher's pkg/runbook.Cache mutex-guarded in-memory map
// idiom, adapted from TTL expiration to capacity-bounded insertion-order
// eviction, since priming entries should never silently go stale while
// a player is still mid-session.
package cache

import (
	"sync"

	"github.com/google/uuid"
)

// Key identifies a priming cache entry by the user and a hash of their
// wish text (see engine.WishHash) — the raw wish is never used as a map
// key so cache keys don't retain arbitrarily long user input.
type Key struct {
	UserID   string
	WishHash string
}

// Entry is the cached outcome of a speculative first-story generation.
type Entry struct {
	SessionID  int64
	RootNodeID int64
	Trace      uuid.UUID
}

// Cache is a thread-safe, capacity-bounded in-memory store of primed
// first-story entries. When full, the oldest entry (by insertion order)
// is evicted to make room — never by age, since a slow player should not
// lose their priming mid-session.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[Key]Entry
	order      []Key
}

// New builds a Cache bounded to maxEntries.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		maxEntries: maxEntries,
		entries:    make(map[Key]Entry),
	}
}

// Store records entry under key, stamping a fresh trace id, and moves key
// to the most-recently-inserted position whether it's new or already
// present, evicting the oldest entry first if the cache is at capacity
// and key is new.
func (c *Cache) Store(key Key, sessionID, rootNodeID int64) Entry {
	entry := Entry{SessionID: sessionID, RootNodeID: rootNodeID, Trace: uuid.New()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	} else if len(c.order) >= c.maxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.order = append(c.order, key)
	c.entries[key] = entry
	return entry
}

// Pop returns and removes the entry for key, if present.
func (c *Cache) Pop(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return entry, true
}

// Remove drops key without returning its value, a no-op if absent.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
