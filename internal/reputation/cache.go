// Package reputation keeps a bounded in-memory score per client IP.
// Scores rise when an address gets blocked and drift back toward zero
// while its traffic stays clean. The cache bounds itself on write by
// evicting the oldest half when it outgrows its cap, so no timer is
// needed.
package reputation

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCap is the hard entry limit before eviction kicks in.
	DefaultCap = 10_000

	// staleAfter is how long an entry keeps influencing decisions
	// without being refreshed.
	staleAfter = 5 * time.Minute

	// blockPenalty and allowCredit are the per-event score deltas.
	blockPenalty = 10
	allowCredit  = 1

	// decayPerMinute is the lazy decay applied on write for the time
	// elapsed since the previous write.
	decayPerMinute = 1.0
)

type entry struct {
	score   float64
	updated time.Time
}

// Cache is a concurrency-safe IP reputation store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cap     int
	now     func() time.Time
}

// NewCache creates a Cache holding at most capacity entries. A
// capacity ≤ 0 uses DefaultCap.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Cache{
		entries: make(map[string]*entry),
		cap:     capacity,
		now:     time.Now,
	}
}

// Score returns the current reputation score (0–100) for an IP.
// Unknown addresses and entries stale beyond five minutes score zero;
// re-decay is lazy and happens on the next write, never on read.
func (c *Cache) Score(ip string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ip]
	if !ok || c.now().Sub(e.updated) > staleAfter {
		return 0
	}
	return int(e.score)
}

// RecordBlocked raises the IP's score after a blocked request.
func (c *Cache) RecordBlocked(ip string) {
	c.adjust(ip, blockPenalty)
}

// RecordAllowed lowers the IP's score after a clean allowed request.
func (c *Cache) RecordAllowed(ip string) {
	c.adjust(ip, -allowCredit)
}

func (c *Cache) adjust(ip string, delta float64) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ip]
	if !ok {
		if delta <= 0 {
			return // nothing to decay toward zero
		}
		e = &entry{}
		c.entries[ip] = e
	} else {
		// Lazy decay for the time since the last write.
		elapsed := now.Sub(e.updated).Minutes()
		e.score -= elapsed * decayPerMinute
	}

	e.score += delta
	if e.score < 0 {
		e.score = 0
	}
	if e.score > 100 {
		e.score = 100
	}
	e.updated = now

	if len(c.entries) > c.cap {
		c.evictOldestLocked()
	}
}

// evictOldestLocked drops the least recently updated half of the
// cache. Called with the write lock held.
func (c *Cache) evictOldestLocked() {
	type aged struct {
		ip      string
		updated time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for ip, e := range c.entries {
		all = append(all, aged{ip: ip, updated: e.updated})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].updated.Before(all[j].updated) })
	for _, a := range all[:len(all)/2] {
		delete(c.entries, a.ip)
	}
}

// Len returns the number of tracked addresses.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
