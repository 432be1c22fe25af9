// Package cache provides the three-tier TTL cache used to avoid redundant venue calls.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Tier selects a TTL class. Callers pick the tier by expected volatility; entries are never
// promoted or demoted between tiers.
type Tier int

const (
	// Hot holds prices and portfolio data (≈15s).
	Hot Tier = iota
	// Warm holds order lists and history (≈60s).
	Warm
	// Cold holds rarely changing metadata (≈5m).
	Cold
)

var tierNames = [...]string{"hot", "warm", "cold"}

func (t Tier) String() string {
	if t < Hot || t > Cold {
		return "unknown"
	}
	return tierNames[t]
}

// Tiers lists all tiers in order.
var Tiers = []Tier{Hot, Warm, Cold}

// Entry is a stored value with its insertion time and lifetime.
type Entry struct {
	Key      string
	Value    any
	StoredAt time.Time
	TTL      time.Duration
}

// Valid reports whether the entry is still live at now.
func (e Entry) Valid(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Options configures a MultiTier cache.
type Options struct {
	Capacity int
	HotTTL   time.Duration
	WarmTTL  time.Duration
	ColdTTL  time.Duration
	Clock    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 100
	}
	if o.HotTTL <= 0 {
		o.HotTTL = 15 * time.Second
	}
	if o.WarmTTL <= 0 {
		o.WarmTTL = 60 * time.Second
	}
	if o.ColdTTL <= 0 {
		o.ColdTTL = 5 * time.Minute
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// MultiTier is a set of independent bounded key/value stores, one per Tier.
type MultiTier struct {
	tiers   [3]*store
	clock   func() time.Time
	metrics *cacheMetrics
}

// New constructs a MultiTier cache.
func New(opts Options) *MultiTier {
	opts = opts.withDefaults()
	c := &MultiTier{clock: opts.Clock}
	c.tiers[Hot] = newStore(opts.Capacity, opts.HotTTL)
	c.tiers[Warm] = newStore(opts.Capacity, opts.WarmTTL)
	c.tiers[Cold] = newStore(opts.Capacity, opts.ColdTTL)
	c.metrics = newCacheMetrics()
	return c
}

// TTL returns the default lifetime of a tier.
func (c *MultiTier) TTL(tier Tier) time.Duration {
	s := c.store(tier)
	if s == nil {
		return 0
	}
	return s.ttl
}

// Get returns the cached value if present and unexpired. An expired entry is removed.
func (c *MultiTier) Get(tier Tier, key string) (any, bool) {
	s := c.store(tier)
	if s == nil {
		return nil, false
	}
	value, ok := s.get(key, c.clock())
	c.metrics.recordLookup(tier, ok)
	return value, ok
}

// Set inserts or overwrites key. A non-positive ttl uses the tier default. When the tier
// is over capacity the oldest inserted entry is evicted, regardless of its TTL.
func (c *MultiTier) Set(tier Tier, key string, value any, ttl time.Duration) {
	s := c.store(tier)
	if s == nil {
		return
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	evicted := s.set(Entry{Key: key, Value: value, StoredAt: c.clock(), TTL: ttl})
	if evicted > 0 {
		c.metrics.recordEvictions(tier, evicted)
	}
}

// Delete removes key from one tier.
func (c *MultiTier) Delete(tier Tier, key string) {
	if s := c.store(tier); s != nil {
		s.remove(func(k string) bool { return k == key })
	}
}

// DeleteKey removes key from every tier.
func (c *MultiTier) DeleteKey(key string) {
	for _, tier := range Tiers {
		c.Delete(tier, key)
	}
}

// DeletePrefix removes every key starting with prefix from every tier.
func (c *MultiTier) DeletePrefix(prefix string) {
	for _, tier := range Tiers {
		c.tiers[tier].remove(func(k string) bool { return strings.HasPrefix(k, prefix) })
	}
}

// ClearTier empties one tier.
func (c *MultiTier) ClearTier(tier Tier) {
	if s := c.store(tier); s != nil {
		s.clear()
	}
}

// ClearAll empties every tier.
func (c *MultiTier) ClearAll() {
	for _, tier := range Tiers {
		c.tiers[tier].clear()
	}
}

// Len returns the number of stored entries in a tier, including not-yet-collected expired ones.
func (c *MultiTier) Len(tier Tier) int {
	s := c.store(tier)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (c *MultiTier) store(tier Tier) *store {
	if c == nil || tier < Hot || tier > Cold {
		return nil
	}
	return c.tiers[tier]
}

// Lookup is a typed Get. A stored value of another type is reported as a miss.
func Lookup[T any](c *MultiTier, tier Tier, key string) (T, bool) {
	var zero T
	raw, ok := c.Get(tier, key)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// ReadThrough returns the cached value for key or calls load and caches its result.
// Errors are never cached.
func ReadThrough[T any](ctx context.Context, c *MultiTier, tier Tier, key string, load func(context.Context) (T, error)) (T, error) {
	if cached, ok := Lookup[T](c, tier, key); ok {
		return cached, nil
	}
	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(tier, key, value, 0)
	return value, nil
}

type store struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]Entry
	order    []string
}

func newStore(capacity int, ttl time.Duration) *store {
	return &store{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]Entry, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (s *store) get(key string, now time.Time) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.Valid(now) {
		delete(s.entries, key)
		s.dropOrder(key)
		return nil, false
	}
	return entry.Value, true
}

func (s *store) set(entry Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Key]; exists {
		s.dropOrder(entry.Key)
	}
	s.entries[entry.Key] = entry
	s.order = append(s.order, entry.Key)

	evicted := 0
	for len(s.entries) > s.capacity && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
		evicted++
	}
	return evicted
}

func (s *store) remove(match func(string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, key := range s.order {
		if match(key) {
			delete(s.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
}

func (s *store) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry, s.capacity)
	s.order = s.order[:0]
}

// dropOrder removes key from the insertion queue. Caller holds mu.
func (s *store) dropOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
