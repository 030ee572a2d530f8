package sync

import (
	"sync"
	"time"

	"github.com/opsync/opsync/internal/op"
)

// RateLimitGuard caps upload batches per user over a sliding window.
// It is in-process state: a multi-instance deployment needs sticky
// routing for the limits to hold.
type RateLimitGuard struct {
	mu         sync.Mutex
	perWindow  int
	window     time.Duration
	maxEntries int

	entries map[string]*rateEntry
	order   []string // insertion order for oldest-entry eviction
}

type rateEntry struct {
	windowStart time.Time
	count       int
}

// NewRateLimitGuard builds a guard allowing perWindow batches per user
// per window, tracking at most maxEntries users.
func NewRateLimitGuard(perWindow int, window time.Duration, maxEntries int) *RateLimitGuard {
	return &RateLimitGuard{
		perWindow:  perWindow,
		window:     window,
		maxEntries: maxEntries,
		entries:    make(map[string]*rateEntry),
	}
}

// Allow records one request for the user and reports whether it is
// within the limit.
func (g *RateLimitGuard) Allow(userID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e := g.entries[userID]
	if e == nil || now.Sub(e.windowStart) >= g.window {
		if e == nil {
			g.evictOldestLocked()
			g.order = append(g.order, userID)
		}
		g.entries[userID] = &rateEntry{windowStart: now, count: 1}
		return true
	}
	e.count++
	return e.count <= g.perWindow
}

func (g *RateLimitGuard) evictOldestLocked() {
	for len(g.entries) >= g.maxEntries && len(g.order) > 0 {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.entries, oldest)
	}
}

// Cleanup drops expired windows. Called by the periodic job.
func (g *RateLimitGuard) Cleanup(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.order[:0]
	for _, userID := range g.order {
		e := g.entries[userID]
		if e == nil {
			continue
		}
		if now.Sub(e.windowStart) >= g.window {
			delete(g.entries, userID)
			continue
		}
		kept = append(kept, userID)
	}
	g.order = kept
}

// DedupCache remembers recent upload results by (userId, requestId) so
// a retried request does not re-apply its batch. Piggybacked newOps are
// never cached; they must be recomputed per attempt.
type DedupCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int

	entries map[dedupKey]*dedupEntry
	order   []dedupKey
}

type dedupKey struct {
	userID    string
	requestID string
}

type dedupEntry struct {
	results   []op.UploadResult
	latestSeq int64
	storedAt  time.Time
}

// NewDedupCache builds a cache holding results for ttl, capped at
// maxEntries with oldest-entry eviction.
func NewDedupCache(ttl time.Duration, maxEntries int) *DedupCache {
	return &DedupCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[dedupKey]*dedupEntry),
	}
}

// Get returns the cached results for the request, if still fresh.
func (c *DedupCache) Get(userID, requestID string, now time.Time) ([]op.UploadResult, int64, bool) {
	if requestID == "" {
		return nil, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[dedupKey{userID, requestID}]
	if e == nil || now.Sub(e.storedAt) >= c.ttl {
		return nil, 0, false
	}
	return e.results, e.latestSeq, true
}

// Put stores the batch outcome for later retries of the same request.
func (c *DedupCache) Put(userID, requestID string, results []op.UploadResult, latestSeq int64, now time.Time) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := dedupKey{userID, requestID}
	if _, ok := c.entries[key]; !ok {
		for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = &dedupEntry{results: results, latestSeq: latestSeq, storedAt: now}
}

// Cleanup drops expired entries. Called by the periodic job.
func (c *DedupCache) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.order[:0]
	for _, key := range c.order {
		e := c.entries[key]
		if e == nil {
			continue
		}
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}
