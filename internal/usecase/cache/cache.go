// Package cache memoizes validated strategic plans keyed by a normalized
// request fingerprint, with an optional approximate (token-overlap) match.
//
// Reads run concurrently under a read lock; inserts, evictions and LRU
// promotion take the write lock. Counters are atomic.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"arbiter-ai/internal/domain"
)

const (
	// DefaultCapacity is the entry limit used when none is configured.
	DefaultCapacity = 4096
	// DefaultSimilarityThreshold is the minimum Jaccard score for an
	// approximate hit.
	DefaultSimilarityThreshold = 0.85
)

// Cache event names passed to Recorder.
const (
	EventHit       = "hit"
	EventApproxHit = "approx_hit"
	EventMiss      = "miss"
	EventInsert    = "insert"
	EventEviction  = "eviction"
	EventRejected  = "rejected"
)

// Match describes how a lookup was satisfied.
type Match int

const (
	MatchNone Match = iota
	MatchExact
	MatchApproximate
)

func (m Match) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchApproximate:
		return "approximate"
	default:
		return "none"
	}
}

// Accept reports whether a stored plan may still be served. Entries it
// refuses are removed.
type Accept func(plan domain.PlanIntent) bool

// Recorder receives cache events for external telemetry.
type Recorder interface {
	RecordCacheEvent(event string)
}

// Entry is one memoized plan.
type Entry struct {
	Key       Key
	Tokens    map[string]struct{}
	Plan      domain.PlanIntent
	CreatedAt time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	ApproxHits  uint64 `json:"approx_hits"`
	Misses      uint64 `json:"misses"`
	Inserts     uint64 `json:"inserts"`
	Evictions   uint64 `json:"evictions"`
	Rejected    uint64 `json:"rejected"`
	Size        int    `json:"size"`
	Capacity    int    `json:"capacity"`
	TokensSaved uint64 `json:"tokens_saved"`
}

// HitRate is (exact + approximate hits) / lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.ApproxHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits+s.ApproxHits) / float64(total)
}

// Cache is an LRU plan cache. The zero value is not usable; call New.
type Cache struct {
	mu        sync.RWMutex
	items     map[string]*list.Element
	order     *list.List // front = most recently used
	capacity  int
	approx    bool
	threshold float64

	recorder  Recorder
	estimate  func(string) int
	now       func() time.Time
	onEvicted func(Entry)

	hits        atomic.Uint64
	approxHits  atomic.Uint64
	misses      atomic.Uint64
	inserts     atomic.Uint64
	evictions   atomic.Uint64
	rejected    atomic.Uint64
	tokensSaved atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithCapacity sets the entry limit. Values <= 0 select DefaultCapacity.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithApproximate enables token-overlap matching at the given threshold.
// A threshold outside (0, 1] selects DefaultSimilarityThreshold.
func WithApproximate(enabled bool, threshold float64) Option {
	return func(c *Cache) {
		c.approx = enabled
		if threshold > 0 && threshold <= 1 {
			c.threshold = threshold
		}
	}
}

// WithRecorder forwards cache events to r.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// WithTokenEstimator sets the function used to estimate tokens saved by a hit.
func WithTokenEstimator(f func(string) int) Option {
	return func(c *Cache) { c.estimate = f }
}

// WithClock overrides the time source for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithEvictionCallback is invoked (outside the lock) for each evicted entry.
func WithEvictionCallback(f func(Entry)) Option {
	return func(c *Cache) { c.onEvicted = f }
}

// New creates a cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		items:     make(map[string]*list.Element),
		order:     list.New(),
		capacity:  DefaultCapacity,
		threshold: DefaultSimilarityThreshold,
		estimate:  func(s string) int { return len(s) / 4 },
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get looks up key. An exact fingerprint match wins; otherwise, when
// approximate matching is enabled, the most similar entry for the same
// model and temperature bucket is returned if it clears the threshold.
// Ties go to the most recently used entry.
func (c *Cache) Get(key Key) (domain.PlanIntent, Match, bool) {
	if plan, ok := c.GetExact(key, nil); ok {
		return plan, MatchExact, true
	}
	if plan, ok := c.GetApproximate(key, nil); ok {
		return plan, MatchApproximate, true
	}
	return domain.PlanIntent{}, MatchNone, false
}

// GetExact is the constant-time half of Get. It records hits only, so a
// caller that falls through to GetApproximate is counted once. An entry
// refused by accept is removed and reported as not found.
func (c *Cache) GetExact(key Key, accept Accept) (domain.PlanIntent, bool) {
	c.mu.RLock()
	elem, ok := c.items[key.Fingerprint]
	var plan domain.PlanIntent
	if ok {
		plan = elem.Value.(*Entry).Plan.Clone()
	}
	c.mu.RUnlock()

	if !ok {
		return domain.PlanIntent{}, false
	}
	if accept != nil && !accept(plan) {
		c.reject(key.Fingerprint)
		return domain.PlanIntent{}, false
	}
	c.touch(key.Fingerprint)
	c.hits.Add(1)
	c.tokensSaved.Add(uint64(max(c.estimate(key.Prompt), 0)))
	c.record(EventHit)
	return plan, true
}

// GetApproximate scans every entry for the closest match and records an
// approximate hit or a miss. It is linear in the cache size and belongs off
// the tick path. With approximate matching disabled it only records the miss.
func (c *Cache) GetApproximate(key Key, accept Accept) (domain.PlanIntent, bool) {
	if c.approx {
		fp, plan, refused := c.nearest(key, accept)
		for _, r := range refused {
			c.reject(r)
		}
		if fp != "" {
			c.touch(fp)
			c.approxHits.Add(1)
			c.tokensSaved.Add(uint64(max(c.estimate(key.Prompt), 0)))
			c.record(EventApproxHit)
			return plan, true
		}
	}

	c.misses.Add(1)
	c.record(EventMiss)
	return domain.PlanIntent{}, false
}

// nearest returns the best admissible entry plus the fingerprints of
// candidates accept refused.
func (c *Cache) nearest(key Key, accept Accept) (string, domain.PlanIntent, []string) {
	query := Tokenize(key.Prompt)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		bestScore float64
		best      *Entry
		refused   []string
	)
	for e := c.order.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*Entry)
		if ent.Key.Model != key.Model || ent.Key.TempBucket != key.TempBucket {
			continue
		}
		score := Jaccard(query, ent.Tokens)
		if score < c.threshold || score <= bestScore {
			continue
		}
		if accept != nil && !accept(ent.Plan) {
			refused = append(refused, ent.Key.Fingerprint)
			continue
		}
		bestScore, best = score, ent
	}
	if best == nil {
		return "", domain.PlanIntent{}, refused
	}
	return best.Key.Fingerprint, best.Plan.Clone(), refused
}

// Remove deletes the entry stored under fingerprint.
func (c *Cache) Remove(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[fingerprint]
	if ok {
		c.order.Remove(elem)
		delete(c.items, fingerprint)
	}
	return ok
}

func (c *Cache) reject(fingerprint string) {
	if c.Remove(fingerprint) {
		c.rejected.Add(1)
		c.record(EventRejected)
	}
}

func (c *Cache) touch(fingerprint string) {
	c.mu.Lock()
	if elem, ok := c.items[fingerprint]; ok {
		c.order.MoveToFront(elem)
	}
	c.mu.Unlock()
}

// Put stores plan under key, replacing any previous entry, and evicts the
// least recently used entries beyond capacity.
func (c *Cache) Put(key Key, plan domain.PlanIntent) {
	c.insert(&Entry{
		Key:       key,
		Tokens:    Tokenize(key.Prompt),
		Plan:      plan.Clone(),
		CreatedAt: c.now(),
	})
}

func (c *Cache) insert(ent *Entry) {
	var evicted []Entry

	c.mu.Lock()
	if elem, ok := c.items[ent.Key.Fingerprint]; ok {
		elem.Value = ent
		c.order.MoveToFront(elem)
	} else {
		c.items[ent.Key.Fingerprint] = c.order.PushFront(ent)
	}
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		old := back.Value.(*Entry)
		c.order.Remove(back)
		delete(c.items, old.Key.Fingerprint)
		evicted = append(evicted, *old)
	}
	c.mu.Unlock()

	c.inserts.Add(1)
	c.record(EventInsert)
	for _, e := range evicted {
		c.evictions.Add(1)
		c.record(EventEviction)
		if c.onEvicted != nil {
			c.onEvicted(e)
		}
	}
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

// ResetStats zeroes the counters.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.approxHits.Store(0)
	c.misses.Store(0)
	c.inserts.Store(0)
	c.evictions.Store(0)
	c.rejected.Store(0)
	c.tokensSaved.Store(0)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		ApproxHits:  c.approxHits.Load(),
		Misses:      c.misses.Load(),
		Inserts:     c.inserts.Load(),
		Evictions:   c.evictions.Load(),
		Rejected:    c.rejected.Load(),
		Size:        c.Len(),
		Capacity:    c.capacity,
		TokensSaved: c.tokensSaved.Load(),
	}
}

// Entries returns copies of all entries from least to most recently used,
// so that re-inserting them in order reproduces the LRU order.
func (c *Cache) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, c.order.Len())
	for e := c.order.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*Entry)
		out = append(out, Entry{
			Key:       ent.Key,
			Tokens:    ent.Tokens,
			Plan:      ent.Plan.Clone(),
			CreatedAt: ent.CreatedAt,
		})
	}
	return out
}

// Warm inserts previously persisted entries, oldest first. Entries refused
// by accept (nil accepts all) are skipped. It returns the number of entries
// loaded. Warming does not count as inserts.
func (c *Cache) Warm(entries []Entry, accept Accept) int {
	n := 0
	c.mu.Lock()
	for i := range entries {
		ent := entries[i]
		if ent.Key.Fingerprint == "" {
			continue
		}
		if accept != nil && !accept(ent.Plan) {
			continue
		}
		if ent.Tokens == nil {
			ent.Tokens = Tokenize(ent.Key.Prompt)
		}
		ent.Plan = ent.Plan.Clone()
		if elem, ok := c.items[ent.Key.Fingerprint]; ok {
			elem.Value = &ent
			c.order.MoveToFront(elem)
		} else {
			c.items[ent.Key.Fingerprint] = c.order.PushFront(&ent)
		}
		n++
	}
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		c.order.Remove(back)
		delete(c.items, back.Value.(*Entry).Key.Fingerprint)
	}
	c.mu.Unlock()
	return n
}

func (c *Cache) record(event string) {
	if c.recorder != nil {
		c.recorder.RecordCacheEvent(event)
	}
}
