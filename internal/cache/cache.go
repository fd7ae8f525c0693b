// Package cache is the token-economy answer cache: an exact fingerprint index
// with an approximate semantic layer on top. Every hit records the tokens it
// avoided spending, every write the tokens it cost, and eviction keeps the
// entries whose regeneration would be most expensive.
package cache

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/embeddings"
	"github.com/novadesk-io/answerline/internal/metrics"
)

// Embedder turns normalized question text into a unit-norm vector.
// *embeddings.Service satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// scanYieldEvery bounds how long a full scan can hog the processor; after
// this many candidates it checks the context and yields.
const scanYieldEvery = 1024

// The pre-filter compares only the first prefixDims dimensions and skips the
// full comparison when even that slice falls below prefilterFactor of the
// entry's acceptance threshold.
const (
	prefixDims      = 100
	prefilterFactor = 0.8
)

// Cache is safe for concurrent use. The index is guarded by an RWMutex;
// per-entry counters are atomics so hits do not serialize on the write lock.
// Semantic scans run against a copy-on-write snapshot and never hold a lock
// while comparing vectors.
type Cache struct {
	cfg      Config
	logger   *zap.Logger
	embedder Embedder
	mirror   Mirror

	mu      sync.RWMutex
	entries map[string]*entry
	bytes   int64

	// scanList snapshots the semantically matchable entries. Rebuilt under
	// the write lock on every mutation, read lock-free by scans.
	scanList atomic.Pointer[[]*entry]

	// ring remembers the most recently written or matched entries. Helpdesk
	// traffic is bursty around incidents, so most semantic hits resolve here
	// without walking the whole snapshot.
	ringMu  sync.Mutex
	ring    []*entry
	ringPos int

	stats counters
}

type counters struct {
	exactHits        atomic.Int64
	semanticHits     atomic.Int64
	misses           atomic.Int64
	evictions        atomic.Int64
	expired          atomic.Int64
	tokensSaved      atomic.Int64
	tokensSpent      atomic.Int64
	semanticSearches atomic.Int64
	semanticMatches  atomic.Int64
}

// New builds a cache. embedder may be nil to disable semantic matching
// entirely; mirror may be nil to run memory-only.
func New(cfg Config, embedder Embedder, mirror Mirror, logger *zap.Logger) *Cache {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		cfg:      cfg,
		logger:   logger,
		embedder: embedder,
		mirror:   mirror,
		entries:  make(map[string]*entry),
		ring:     make([]*entry, cfg.Semantic.RecentWindow),
	}
	empty := make([]*entry, 0)
	c.scanList.Store(&empty)
	return c
}

// GetExact resolves only the exact index, local entries first, then the
// mirror. It returns nil on a miss without counting one, so callers can probe
// before joining the single-flight group and leave miss accounting to the
// full Get that runs inside the flight.
func (c *Cache) GetExact(ctx context.Context, q Query) *Result {
	now := time.Now()
	key := q.Fingerprint()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && e.expired(now) {
		c.removeExpired(key, e, now)
		e, ok = nil, false
	}
	if !ok && c.mirror != nil {
		e = c.restore(ctx, key, now)
		ok = e != nil
	}
	if !ok {
		return nil
	}
	e.markAccess(now)
	if e.embedding != nil {
		c.noteRecent(e)
	}
	c.stats.exactHits.Add(1)
	c.stats.tokensSaved.Add(e.tokensValue)
	metrics.CacheTokensSaved.Add(float64(e.tokensValue))
	metrics.RecordCacheLookup("exact_hit")
	return &Result{Kind: ExactHit, Value: e.value}
}

// Get resolves a query against the cache, exact index first, then the
// semantic scan when the query allows it. The result is never nil: a miss
// still carries the query embedding when one was computed, so the caller can
// reuse it for retrieval and for the eventual Put.
func (c *Cache) Get(ctx context.Context, q Query) *Result {
	if res := c.GetExact(ctx, q); res != nil {
		return res
	}
	now := time.Now()

	res := &Result{Kind: Miss}
	if q.AllowSemantic && c.cfg.Semantic.Enabled && c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, Normalize(q.Text))
		if err != nil {
			c.logger.Warn("semantic lookup skipped, embedding failed", zap.Error(err))
		} else {
			res.Embedding = vec
			if hit := c.semanticLookup(ctx, q, vec, now); hit != nil {
				return hit
			}
		}
	}

	c.stats.misses.Add(1)
	metrics.RecordCacheLookup("miss")
	return res
}

// Put stores an answer under the query's fingerprint and returns the key.
// An existing entry for the same fingerprint is overwritten in place except
// for its hit count, which carries over so the entry keeps its earned
// threshold and TTL boosts. tokensValue is what producing the answer cost
// (prompt plus completion); vec is the query embedding or nil.
func (c *Cache) Put(ctx context.Context, q Query, value []byte, tokensValue int, vec []float32) string {
	now := time.Now()
	key := q.Fingerprint()

	if vec != nil && !embeddings.IsUnitNorm(vec) {
		c.logger.Error("dropping non-unit embedding on cache write", zap.String("fingerprint", key))
		vec = nil
	}
	if !q.AllowSemantic || !c.cfg.Semantic.Enabled {
		vec = nil
	}

	e := newEntry(key, q, value, int64(tokensValue), vec, c.cfg.TTLBase, now)

	c.mu.Lock()
	if old, exists := c.entries[key]; exists {
		e.hitCount.Store(old.hitCount.Load())
		c.bytes -= old.size
	}
	c.entries[key] = e
	c.bytes += e.size
	c.enforceCapacityLocked(now)
	c.rebuildScanLocked()
	entriesNow, bytesNow := len(c.entries), c.bytes
	c.mu.Unlock()

	if e.embedding != nil {
		c.noteRecent(e)
	}
	c.stats.tokensSpent.Add(int64(tokensValue))
	metrics.CacheTokensSpent.Add(float64(tokensValue))
	c.publishGauges(entriesNow, bytesNow)

	if c.mirror != nil {
		c.mirror.Store(ctx, key, &MirrorEntry{
			Value:       value,
			TokensValue: int64(tokensValue),
			Tenant:      q.Tenant,
			Mode:        q.Mode,
			HitCount:    e.hitCount.Load(),
			CreatedAt:   e.createdAt,
			ExpiresAt:   e.expiresAt.Load(),
			Embedding:   e.embedding,
		})
	}
	return key
}

// Invalidate removes a single entry by fingerprint.
func (c *Cache) Invalidate(ctx context.Context, key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.dropLocked(key, e)
		c.rebuildScanLocked()
	}
	entriesNow, bytesNow := len(c.entries), c.bytes
	c.mu.Unlock()

	if !ok {
		return false
	}
	metrics.CacheEvictions.WithLabelValues("invalidated").Inc()
	c.publishGauges(entriesNow, bytesNow)
	if c.mirror != nil {
		c.mirror.Delete(ctx, key)
	}
	return true
}

// InvalidateMatching removes every entry the predicate selects and returns
// how many were dropped. Used for tenant- or mode-wide purges after a
// knowledge base update.
func (c *Cache) InvalidateMatching(ctx context.Context, pred func(Meta) bool) int {
	var dropped []string

	c.mu.Lock()
	for key, e := range c.entries {
		if pred(e.meta()) {
			dropped = append(dropped, key)
		}
	}
	for _, key := range dropped {
		c.dropLocked(key, c.entries[key])
	}
	if len(dropped) > 0 {
		c.rebuildScanLocked()
	}
	entriesNow, bytesNow := len(c.entries), c.bytes
	c.mu.Unlock()

	if len(dropped) == 0 {
		return 0
	}
	metrics.CacheEvictions.WithLabelValues("invalidated").Add(float64(len(dropped)))
	c.publishGauges(entriesNow, bytesNow)
	if c.mirror != nil {
		for _, key := range dropped {
			c.mirror.Delete(ctx, key)
		}
	}
	c.logger.Info("cache entries invalidated", zap.Int("count", len(dropped)))
	return len(dropped)
}

// Stats returns a snapshot of the counters plus derived rates.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	bytes := c.bytes
	c.mu.RUnlock()

	s := Stats{
		ExactHits:        c.stats.exactHits.Load(),
		SemanticHits:     c.stats.semanticHits.Load(),
		Misses:           c.stats.misses.Load(),
		Evictions:        c.stats.evictions.Load(),
		Expired:          c.stats.expired.Load(),
		TokensSaved:      c.stats.tokensSaved.Load(),
		TokensSpent:      c.stats.tokensSpent.Load(),
		SemanticSearches: c.stats.semanticSearches.Load(),
		SemanticMatches:  c.stats.semanticMatches.Load(),
		Entries:          entries,
		Bytes:            bytes,
	}
	if lookups := s.ExactHits + s.SemanticHits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.ExactHits+s.SemanticHits) / float64(lookups)
	}
	if s.SemanticSearches > 0 {
		s.SemanticMatchRate = float64(s.SemanticMatches) / float64(s.SemanticSearches)
	}
	return s
}

// Run sweeps expired entries on a fixed interval until ctx is canceled.
// Expiry is otherwise lazy, so without the sweeper idle entries would pin
// memory indefinitely.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	removed := 0

	c.mu.Lock()
	for key, e := range c.entries {
		if e.expired(now) {
			c.dropLocked(key, e)
			removed++
		}
	}
	if removed > 0 {
		c.rebuildScanLocked()
	}
	entriesNow, bytesNow := len(c.entries), c.bytes
	c.mu.Unlock()

	c.publishGauges(entriesNow, bytesNow)
	if removed > 0 {
		c.stats.expired.Add(int64(removed))
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(removed))
		c.logger.Debug("cache sweep removed expired entries",
			zap.Int("removed", removed),
			zap.Int("entries", entriesNow))
	}
}

// semanticLookup finds the closest stored question in the same tenant and
// mode. The recent ring is tried first; only when its best candidate falls
// short does the full snapshot get scanned.
func (c *Cache) semanticLookup(ctx context.Context, q Query, vec []float32, now time.Time) *Result {
	c.stats.semanticSearches.Add(1)
	start := time.Now()
	scanned := 0

	best, score := c.bestMatch(ctx, c.ringCandidates(), q, vec, now, &scanned)
	if best == nil || score < c.acceptThreshold(best) {
		if list := c.scanList.Load(); list != nil {
			best, score = c.bestMatch(ctx, *list, q, vec, now, &scanned)
		}
	}

	metrics.SemanticScanDuration.Observe(time.Since(start).Seconds())
	metrics.SemanticCandidatesScanned.Observe(float64(scanned))

	if best == nil || score < c.acceptThreshold(best) {
		return nil
	}

	// The snapshot may lag the index; serve only what is still live.
	c.mu.RLock()
	cur, ok := c.entries[best.key]
	c.mu.RUnlock()
	if !ok || cur.expired(now) {
		return nil
	}

	cur.markAccess(now)
	c.noteRecent(cur)
	c.stats.semanticHits.Add(1)
	c.stats.semanticMatches.Add(1)
	c.stats.tokensSaved.Add(cur.tokensValue)
	metrics.CacheTokensSaved.Add(float64(cur.tokensValue))
	metrics.RecordCacheLookup("semantic_hit")
	return &Result{
		Kind:       SemanticHit,
		Value:      cur.value,
		Similarity: score,
		SourceKey:  cur.key,
		Embedding:  vec,
	}
}

func (c *Cache) bestMatch(ctx context.Context, candidates []*entry, q Query, vec []float32, now time.Time, scanned *int) (*entry, float64) {
	var best *entry
	bestScore := -1.0
	for _, e := range candidates {
		if e == nil || e.embedding == nil || e.tenant != q.Tenant || e.mode != q.Mode || e.expired(now) {
			continue
		}
		*scanned++
		if *scanned%scanYieldEvery == 0 {
			if ctx.Err() != nil {
				return nil, 0
			}
			runtime.Gosched()
		}
		if len(vec) > prefixDims && len(e.embedding) > prefixDims {
			if embeddings.Dot(vec[:prefixDims], e.embedding[:prefixDims]) < c.acceptThreshold(e)*prefilterFactor {
				continue
			}
		}
		if s := embeddings.Cosine(vec, e.embedding); s > bestScore {
			best, bestScore = e, s
		}
	}
	return best, bestScore
}

// restore pulls an entry back from the mirror after a process restart. The
// stored expiry is revalidated first so the mirror can never resurrect a
// stale answer.
func (c *Cache) restore(ctx context.Context, key string, now time.Time) *entry {
	me, ok := c.mirror.Load(ctx, key)
	if !ok {
		return nil
	}
	if now.UnixNano() >= me.ExpiresAt {
		c.mirror.Delete(ctx, key)
		c.stats.expired.Add(1)
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		return nil
	}
	vec := me.Embedding
	if vec != nil && !embeddings.IsUnitNorm(vec) {
		vec = nil
	}

	e := &entry{
		key:         key,
		tenant:      me.Tenant,
		mode:        me.Mode,
		value:       me.Value,
		tokensValue: me.TokensValue,
		embedding:   vec,
		ttlBase:     c.cfg.TTLBase,
		createdAt:   me.CreatedAt,
	}
	e.size = int64(len(key)+len(me.Value)+4*len(vec)) + entryOverhead
	e.hitCount.Store(me.HitCount)
	e.expiresAt.Store(me.ExpiresAt)
	e.lastAccessAt.Store(now.UnixNano())

	c.mu.Lock()
	if cur, exists := c.entries[key]; exists {
		c.mu.Unlock()
		return cur
	}
	c.entries[key] = e
	c.bytes += e.size
	c.enforceCapacityLocked(now)
	c.rebuildScanLocked()
	entriesNow, bytesNow := len(c.entries), c.bytes
	c.mu.Unlock()

	c.publishGauges(entriesNow, bytesNow)
	c.logger.Debug("cache entry restored from mirror", zap.String("fingerprint", key))
	return e
}

// removeExpired drops an entry found expired during a lookup. The entry is
// re-checked under the write lock in case a concurrent Put already replaced
// it with a fresh one.
func (c *Cache) removeExpired(key string, e *entry, now time.Time) {
	c.mu.Lock()
	cur, ok := c.entries[key]
	if !ok || cur != e || !cur.expired(now) {
		c.mu.Unlock()
		return
	}
	c.dropLocked(key, cur)
	c.rebuildScanLocked()
	entriesNow, bytesNow := len(c.entries), c.bytes
	c.mu.Unlock()

	c.stats.expired.Add(1)
	metrics.CacheEvictions.WithLabelValues("expired").Inc()
	c.publishGauges(entriesNow, bytesNow)
	if c.mirror != nil {
		c.mirror.Delete(context.Background(), key)
	}
}

// enforceCapacityLocked brings the index back inside MaxEntries and MaxBytes.
// Expired entries go first; if that is not enough, the lowest-utility entries
// are evicted until both bounds hold.
func (c *Cache) enforceCapacityLocked(now time.Time) {
	if c.withinBoundsLocked() {
		return
	}

	expired := 0
	for key, e := range c.entries {
		if e.expired(now) {
			c.dropLocked(key, e)
			expired++
		}
	}
	if expired > 0 {
		c.stats.expired.Add(int64(expired))
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(expired))
	}
	if c.withinBoundsLocked() {
		return
	}

	type scored struct {
		e *entry
		u float64
	}
	ranked := make([]scored, 0, len(c.entries))
	for _, e := range c.entries {
		ranked = append(ranked, scored{e: e, u: e.utility(now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].u < ranked[j].u })

	evicted := 0
	for _, s := range ranked {
		if c.withinBoundsLocked() {
			break
		}
		c.dropLocked(s.e.key, s.e)
		evicted++
	}
	if evicted > 0 {
		c.stats.evictions.Add(int64(evicted))
		metrics.CacheEvictions.WithLabelValues("utility").Add(float64(evicted))
	}
}

func (c *Cache) withinBoundsLocked() bool {
	return len(c.entries) <= c.cfg.MaxEntries && c.bytes <= c.cfg.MaxBytes
}

func (c *Cache) dropLocked(key string, e *entry) {
	delete(c.entries, key)
	c.bytes -= e.size
}

func (c *Cache) rebuildScanLocked() {
	list := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.embedding != nil {
			list = append(list, e)
		}
	}
	c.scanList.Store(&list)
}

func (c *Cache) noteRecent(e *entry) {
	c.ringMu.Lock()
	c.ring[c.ringPos] = e
	c.ringPos = (c.ringPos + 1) % len(c.ring)
	c.ringMu.Unlock()
}

func (c *Cache) ringCandidates() []*entry {
	c.ringMu.Lock()
	out := make([]*entry, len(c.ring))
	copy(out, c.ring)
	c.ringMu.Unlock()
	return out
}

func (c *Cache) publishGauges(entries int, bytes int64) {
	metrics.CacheEntries.Set(float64(entries))
	metrics.CacheBytes.Set(float64(bytes))
}
