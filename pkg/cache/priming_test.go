package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_StoreAndPop(t *testing.T) {
	c := New(10)
	key := Key{UserID: "u1", WishHash: "h1"}

	entry := c.Store(key, 1, 2)
	assert.Equal(t, int64(1), entry.SessionID)
	assert.Equal(t, int64(2), entry.RootNodeID)
	assert.NotEqual(t, entry.Trace.String(), "")

	got, ok := c.Pop(key)
	assert.True(t, ok)
	assert.Equal(t, entry, got)

	_, ok = c.Pop(key)
	assert.False(t, ok)
}

func TestCache_Miss(t *testing.T) {
	c := New(10)
	_, ok := c.Pop(Key{UserID: "nobody", WishHash: "h"})
	assert.False(t, ok)
}

func TestCache_Remove(t *testing.T) {
	c := New(10)
	key := Key{UserID: "u1", WishHash: "h1"}
	c.Store(key, 1, 2)

	c.Remove(key)
	assert.Equal(t, 0, c.Len())

	// Removing an absent key is a no-op, not a panic.
	c.Remove(key)
}

func TestCache_CapacityEvictsOldestFirst(t *testing.T) {
	c := New(2)
	k1 := Key{UserID: "u1", WishHash: "h"}
	k2 := Key{UserID: "u2", WishHash: "h"}
	k3 := Key{UserID: "u3", WishHash: "h"}

	c.Store(k1, 1, 1)
	c.Store(k2, 2, 2)
	c.Store(k3, 3, 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Pop(k1)
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.Pop(k2)
	assert.True(t, ok)
	_, ok = c.Pop(k3)
	assert.True(t, ok)
}

func TestCache_StoreExistingKeyRefreshesPosition(t *testing.T) {
	c := New(2)
	k1 := Key{UserID: "u1", WishHash: "h"}
	k2 := Key{UserID: "u2", WishHash: "h"}

	c.Store(k1, 1, 1)
	c.Store(k2, 2, 2)
	c.Store(k1, 1, 10) // re-store k1: it should now be the newest, not k2

	k3 := Key{UserID: "u3", WishHash: "h"}
	c.Store(k3, 3, 3) // forces an eviction: k2 (oldest) should go, not k1

	_, ok := c.Pop(k2)
	assert.False(t, ok, "k2 should have been evicted since k1 was refreshed")

	entry, ok := c.Pop(k1)
	assert.True(t, ok)
	assert.Equal(t, int64(10), entry.RootNodeID)
}

func TestCache_MinimumCapacityOfOne(t *testing.T) {
	c := New(0) // invalid capacity clamps to 1
	k1 := Key{UserID: "u1", WishHash: "h"}
	k2 := Key{UserID: "u2", WishHash: "h"}

	c.Store(k1, 1, 1)
	c.Store(k2, 2, 2)

	assert.Equal(t, 1, c.Len())
	_, ok := c.Pop(k1)
	assert.False(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(50)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Store(Key{UserID: "shared", WishHash: "h"}, int64(i), int64(i))
		}(i)
	}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Len()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}
