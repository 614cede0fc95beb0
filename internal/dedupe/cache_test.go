// ABOUTME: Tests for the idempotency key cache.
// ABOUTME: Validates claiming, replay, TTL expiry, eviction, cleanup and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestCache(ttl time.Duration, maxSize int) (*Cache, *time.Time) {
	c := New(ttl, maxSize)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_ClaimNewKey(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	turnID, claimed := cache.Claim("key-1")
	assert.True(t, claimed)
	assert.Empty(t, turnID)
}

func TestCache_ClaimInFlight(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	cache.Claim("key-1")

	turnID, claimed := cache.Claim("key-1")
	assert.False(t, claimed)
	assert.Empty(t, turnID, "no turn recorded while the first request runs")
}

func TestCache_ClaimReplaysCompletedTurn(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	cache.Claim("key-1")
	cache.Complete("key-1", "turn-abc")

	turnID, claimed := cache.Claim("key-1")
	assert.False(t, claimed)
	assert.Equal(t, "turn-abc", turnID)
}

func TestCache_Expiry(t *testing.T) {
	cache, now := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.Claim("key-1")
	cache.Complete("key-1", "turn-abc")

	*now = now.Add(2 * time.Minute)

	turnID, claimed := cache.Claim("key-1")
	assert.True(t, claimed, "expired keys can be claimed again")
	assert.Empty(t, turnID)
}

func TestCache_Release(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 100)
	defer cache.Close()

	cache.Claim("key-1")
	cache.Release("key-1")
	cache.Release("never-claimed")

	_, claimed := cache.Claim("key-1")
	assert.True(t, claimed)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictsOldest(t *testing.T) {
	cache, _ := newTestCache(5*time.Minute, 3)
	defer cache.Close()

	for i := range 3 {
		cache.Claim(fmt.Sprintf("key-%d", i))
	}
	// Refreshing key-0 makes key-1 the oldest.
	cache.Complete("key-0", "turn-0")
	cache.Claim("key-3")

	assert.Equal(t, 3, cache.Len())
	_, claimed := cache.Claim("key-1")
	assert.True(t, claimed, "key-1 was evicted")
	turnID, claimed := cache.Claim("key-0")
	assert.False(t, claimed)
	assert.Equal(t, "turn-0", turnID)
}

func TestCache_RunCleanup(t *testing.T) {
	cache, now := newTestCache(time.Minute, 100)
	defer cache.Close()

	cache.Claim("old")
	*now = now.Add(30 * time.Second)
	cache.Claim("new")
	*now = now.Add(45 * time.Second)

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	_, claimed := cache.Claim("new")
	assert.False(t, claimed)
}

func TestCache_CloseIdempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentClaims(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, claimed := cache.Claim("shared"); claimed {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load(), "exactly one request claims a key")
}
