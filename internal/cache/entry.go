package cache

import (
	"math"
	"sync/atomic"
	"time"
)

// entryOverhead approximates the fixed per-entry bookkeeping cost counted
// against Config.MaxBytes.
const entryOverhead = 128

// entry is a cached answer. Value and embedding are written once under the
// index write lock and read under the read lock or from scan snapshots; the
// counters are atomics so hot reads never take the write lock.
type entry struct {
	key    string
	tenant string
	mode   string

	value       []byte
	tokensValue int64
	embedding   []float32 // nil when the entry is not semantically matchable
	size        int64

	createdAt    int64 // unix nanos, immutable
	ttlBase      time.Duration
	expiresAt    atomic.Int64 // unix nanos, extended lazily on access
	lastAccessAt atomic.Int64
	hitCount     atomic.Int64
}

func newEntry(key string, q Query, value []byte, tokensValue int64, vec []float32, ttlBase time.Duration, now time.Time) *entry {
	e := &entry{
		key:         key,
		tenant:      q.Tenant,
		mode:        q.Mode,
		value:       value,
		tokensValue: tokensValue,
		embedding:   vec,
		ttlBase:     ttlBase,
		createdAt:   now.UnixNano(),
	}
	e.size = int64(len(key)+len(value)+4*len(vec)) + entryOverhead
	e.expiresAt.Store(now.Add(ttlBase).UnixNano())
	e.lastAccessAt.Store(now.UnixNano())
	return e
}

func (e *entry) expired(now time.Time) bool {
	return now.UnixNano() >= e.expiresAt.Load()
}

// markAccess records a hit and lazily re-anchors the expiry to
// created_at + adaptiveTTL(hit_count). Answers that keep getting confirmed
// live longer, up to 3x the base TTL.
func (e *entry) markAccess(now time.Time) {
	hits := e.hitCount.Add(1)
	e.lastAccessAt.Store(now.UnixNano())
	e.expiresAt.Store(e.createdAt + int64(adaptiveTTL(e.ttlBase, hits)))
}

func adaptiveTTL(base time.Duration, hits int64) time.Duration {
	if hits > ttlBoostCap {
		hits = ttlBoostCap
	}
	return base + time.Duration(float64(base)*ttlBoostPerHit*float64(hits))
}

func (e *entry) meta() Meta {
	return Meta{
		Key:         e.key,
		Tenant:      e.tenant,
		Mode:        e.mode,
		HitCount:    e.hitCount.Load(),
		TokensValue: e.tokensValue,
		CreatedAt:   time.Unix(0, e.createdAt),
		ExpiresAt:   time.Unix(0, e.expiresAt.Load()),
	}
}

// utility scores an entry for eviction. The lowest-utility entries go first:
// rarely hit, cheap to regenerate, old.
func (e *entry) utility(now time.Time) float64 {
	age := float64(now.UnixNano()-e.createdAt) / float64(time.Second)
	return utilityHitWeight*float64(e.hitCount.Load()) +
		utilityTokenWeight*float64(e.tokensValue) -
		utilityAgeWeight*age
}

// acceptThreshold is the cosine similarity this entry must reach to serve a
// semantic hit. It relaxes logarithmically with confirmed hits and is clamped
// to the configured band.
func (c *Cache) acceptThreshold(e *entry) float64 {
	t := c.cfg.Semantic.BaseThreshold - thresholdBoost*math.Log2(1+float64(e.hitCount.Load()))
	if t < c.cfg.Semantic.MinThreshold {
		return c.cfg.Semantic.MinThreshold
	}
	if t > c.cfg.Semantic.MaxThreshold {
		return c.cfg.Semantic.MaxThreshold
	}
	return t
}
