package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32 // keyed by normalized text
	vec   []float32            // fallback when no per-text vector is registered
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vecs[text]; ok {
		return v, nil
	}
	if f.vec != nil {
		return f.vec, nil
	}
	return nil, fmt.Errorf("no vector registered for %q", text)
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// unit2 returns a unit vector whose cosine similarity against unit2(1) is c.
func unit2(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c))}
}

func semQuery(text string) Query {
	return Query{Text: text, Mode: "concise", Tenant: "acme", AllowSemantic: true}
}

func newSemCache(t *testing.T, emb Embedder) *Cache {
	t.Helper()
	return New(Config{Semantic: SemanticConfig{Enabled: true}}, emb, nil, zaptest.NewLogger(t))
}

func TestPutThenExactServes(t *testing.T) {
	c := New(Config{}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	q := Query{Text: "how do I reset my password?", Mode: "concise", Tenant: "acme"}
	answer := []byte(`{"text":"use the self-service portal"}`)

	c.Put(ctx, q, answer, 500, nil)

	res := c.Get(ctx, q)
	if res.Kind != ExactHit {
		t.Fatalf("Expected an exact hit, got %v", res.Kind)
	}
	if !bytes.Equal(res.Value, answer) {
		t.Errorf("Expected the stored answer back, got %q", res.Value)
	}

	s := c.Stats()
	if s.ExactHits != 1 {
		t.Errorf("Expected exact_hits 1, got %d", s.ExactHits)
	}
	if s.TokensSaved != 500 {
		t.Errorf("Expected tokens_saved 500, got %d", s.TokensSaved)
	}
	if s.TokensSpent != 500 {
		t.Errorf("Expected tokens_spent 500, got %d", s.TokensSpent)
	}
	if s.Entries != 1 {
		t.Errorf("Expected 1 entry, got %d", s.Entries)
	}
	if s.HitRate != 1.0 {
		t.Errorf("Expected hit rate 1.0, got %f", s.HitRate)
	}
}

func TestModeAndTenantIsolation(t *testing.T) {
	c := New(Config{}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	c.Put(ctx, Query{Text: "vpn drops hourly", Mode: "concise", Tenant: "acme"}, []byte("rotate the key"), 100, nil)

	if res := c.Get(ctx, Query{Text: "vpn drops hourly", Mode: "detailed", Tenant: "acme"}); res.Kind != Miss {
		t.Errorf("Expected a miss across modes, got %v", res.Kind)
	}
	if res := c.Get(ctx, Query{Text: "vpn drops hourly", Mode: "concise", Tenant: "globex"}); res.Kind != Miss {
		t.Errorf("Expected a miss across tenants, got %v", res.Kind)
	}
	if s := c.Stats(); s.Misses != 2 {
		t.Errorf("Expected 2 misses, got %d", s.Misses)
	}
}

func TestSemanticHitAboveThreshold(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"password reset procedure": unit2(0.91),
	}}
	c := newSemCache(t, emb)
	ctx := context.Background()
	answer := []byte("open the reset portal")
	key := c.Put(ctx, semQuery("how to reset my password"), answer, 420, unit2(1))

	res := c.Get(ctx, semQuery("password reset procedure"))
	if res.Kind != SemanticHit {
		t.Fatalf("Expected a semantic hit, got %v", res.Kind)
	}
	if math.Abs(res.Similarity-0.91) > 1e-3 {
		t.Errorf("Expected similarity near 0.91, got %f", res.Similarity)
	}
	if res.SourceKey != key {
		t.Errorf("Expected source key %s, got %s", key, res.SourceKey)
	}
	if !bytes.Equal(res.Value, answer) {
		t.Errorf("Expected the stored answer, got %q", res.Value)
	}
	if len(res.Embedding) != 2 {
		t.Error("Expected the query embedding carried on the result for reuse")
	}

	s := c.Stats()
	if s.SemanticHits != 1 || s.SemanticSearches != 1 || s.SemanticMatches != 1 {
		t.Errorf("Expected one search, one match, one hit, got %+v", s)
	}
	if s.Misses != 0 {
		t.Errorf("Expected no misses, got %d", s.Misses)
	}
	if s.TokensSaved != 420 {
		t.Errorf("Expected tokens_saved 420, got %d", s.TokensSaved)
	}
}

func TestSemanticMissBelowThreshold(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"unlock my account please": unit2(0.80),
	}}
	c := newSemCache(t, emb)
	ctx := context.Background()
	c.Put(ctx, semQuery("how to reset my password"), []byte("portal"), 420, unit2(1))

	res := c.Get(ctx, semQuery("unlock my account please"))
	if res.Kind != Miss {
		t.Fatalf("Expected a miss below the threshold, got %v", res.Kind)
	}
	if res.Embedding == nil {
		t.Error("Expected the computed embedding carried on the miss for reuse")
	}

	s := c.Stats()
	if s.SemanticSearches != 1 || s.SemanticMatches != 0 {
		t.Errorf("Expected one unmatched search, got %+v", s)
	}
	if s.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", s.Misses)
	}
}

// Thirty confirmed hits relax the acceptance threshold to roughly
// 0.88 - 0.01*log2(31) = 0.830, so 0.84 now matches while 0.82 still does not.
func TestAdaptiveThresholdAfterRepeatedHits(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"password reset steps":     unit2(0.82),
		"password reset procedure": unit2(0.84),
	}}
	c := newSemCache(t, emb)
	ctx := context.Background()
	stored := semQuery("how to reset my password")
	c.Put(ctx, stored, []byte("portal"), 400, unit2(1))

	for i := 0; i < 30; i++ {
		if res := c.Get(ctx, stored); res.Kind != ExactHit {
			t.Fatalf("Expected exact hit %d, got %v", i, res.Kind)
		}
	}

	if res := c.Get(ctx, semQuery("password reset steps")); res.Kind != Miss {
		t.Errorf("Expected 0.82 to stay below the relaxed threshold, got %v", res.Kind)
	}
	if res := c.Get(ctx, semQuery("password reset procedure")); res.Kind != SemanticHit {
		t.Errorf("Expected 0.84 to clear the relaxed threshold, got %v", res.Kind)
	}
}

func TestAcceptThreshold(t *testing.T) {
	c := newSemCache(t, nil)
	cases := []struct {
		hits int64
		want float64
	}{
		{0, 0.88},
		{1, 0.87},
		{3, 0.86},
		{30, 0.88 - 0.01*math.Log2(31)},
		{1 << 30, 0.78}, // clamped at the floor
	}
	for _, tc := range cases {
		e := &entry{}
		e.hitCount.Store(tc.hits)
		if got := c.acceptThreshold(e); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("acceptThreshold(hits=%d) = %f, want %f", tc.hits, got, tc.want)
		}
	}

	// A base above the ceiling is clamped down even at zero hits.
	high := New(Config{Semantic: SemanticConfig{
		Enabled:       true,
		BaseThreshold: 0.97,
		MinThreshold:  0.78,
		MaxThreshold:  0.95,
	}}, nil, nil, zaptest.NewLogger(t))
	if got := high.acceptThreshold(&entry{}); got != 0.95 {
		t.Errorf("Expected the ceiling 0.95, got %f", got)
	}
}

func TestAdaptiveTTL(t *testing.T) {
	base := time.Hour
	cases := []struct {
		hits int64
		want time.Duration
	}{
		{0, time.Hour},
		{1, time.Hour + 6*time.Minute},
		{10, 2 * time.Hour},
		{20, 3 * time.Hour},
		{500, 3 * time.Hour}, // boost capped
	}
	for _, tc := range cases {
		if got := adaptiveTTL(base, tc.hits); got != tc.want {
			t.Errorf("adaptiveTTL(1h, %d) = %v, want %v", tc.hits, got, tc.want)
		}
	}
}

func TestMarkAccessExtendsExpiry(t *testing.T) {
	now := time.Now()
	e := newEntry("k", Query{Tenant: "acme", Mode: "concise"}, []byte("v"), 10, nil, 200*time.Millisecond, now)

	if e.expired(now.Add(199 * time.Millisecond)) {
		t.Error("Expected the entry live just inside its base TTL")
	}
	if !e.expired(now.Add(200 * time.Millisecond)) {
		t.Error("Expected the entry expired at its base TTL")
	}

	for i := 0; i < 10; i++ {
		e.markAccess(now)
	}

	// Expiry is re-anchored to created_at + 2x base after ten hits.
	if e.expired(now.Add(399 * time.Millisecond)) {
		t.Error("Expected the boosted entry live before the extended TTL")
	}
	if !e.expired(now.Add(400 * time.Millisecond)) {
		t.Error("Expected the boosted entry expired at the extended TTL")
	}
}

func TestUtilityEvictionKeepsValuableEntries(t *testing.T) {
	c := New(Config{MaxEntries: 3}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	mk := func(text string) Query { return Query{Text: text, Mode: "concise", Tenant: "acme"} }

	e1, e2, e3, e4 := mk("e1"), mk("e2"), mk("e3"), mk("e4")
	c.Put(ctx, e1, []byte("answer one"), 1000, nil)
	for i := 0; i < 10; i++ {
		if c.GetExact(ctx, e1) == nil {
			t.Fatal("Expected e1 present while warming its hit count")
		}
	}
	c.Put(ctx, e2, []byte("answer two"), 100, nil)
	c.Put(ctx, e3, []byte("answer three"), 100, nil)
	c.Put(ctx, e4, []byte("answer four"), 100, nil)

	s := c.Stats()
	if s.Entries != 3 {
		t.Errorf("Expected 3 entries after eviction, got %d", s.Entries)
	}
	if s.Evictions != 1 {
		t.Errorf("Expected 1 utility eviction, got %d", s.Evictions)
	}
	if c.GetExact(ctx, e1) == nil {
		t.Error("Expected the frequently hit entry retained")
	}
	if c.GetExact(ctx, e4) == nil {
		t.Error("Expected the newest entry retained")
	}
	gone := 0
	if c.GetExact(ctx, e2) == nil {
		gone++
	}
	if c.GetExact(ctx, e3) == nil {
		gone++
	}
	if gone != 1 {
		t.Errorf("Expected exactly one low-value entry evicted, got %d", gone)
	}
}

func TestMaxBytesEviction(t *testing.T) {
	// Each entry occupies 64 (hex key) + 1000 (value) + 128 (overhead) = 1192
	// bytes, so a 2500-byte cache holds two.
	c := New(Config{MaxBytes: 2500}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	value := bytes.Repeat([]byte("a"), 1000)
	for i := 0; i < 3; i++ {
		c.Put(ctx, Query{Text: fmt.Sprintf("q%d", i), Mode: "concise", Tenant: "acme"}, value, 10, nil)
	}

	s := c.Stats()
	if s.Bytes > 2500 {
		t.Errorf("Expected bytes within the bound, got %d", s.Bytes)
	}
	if s.Entries != 2 {
		t.Errorf("Expected 2 entries, got %d", s.Entries)
	}
	if s.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", s.Evictions)
	}
}

func TestPutOverwriteKeepsEarnedHits(t *testing.T) {
	c := New(Config{}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	q := Query{Text: "printer offline", Mode: "concise", Tenant: "acme"}

	c.Put(ctx, q, []byte("power cycle it"), 100, nil)
	for i := 0; i < 3; i++ {
		c.GetExact(ctx, q)
	}
	key := c.Put(ctx, q, []byte("reinstall the driver"), 150, nil)

	if got := c.entries[key].hitCount.Load(); got != 3 {
		t.Errorf("Expected the hit count carried across the overwrite, got %d", got)
	}
	res := c.Get(ctx, q)
	if string(res.Value) != "reinstall the driver" {
		t.Errorf("Expected the new answer, got %q", res.Value)
	}

	s := c.Stats()
	if s.Entries != 1 {
		t.Errorf("Expected a single entry, got %d", s.Entries)
	}
	wantBytes := int64(64 + len("reinstall the driver") + entryOverhead)
	if s.Bytes != wantBytes {
		t.Errorf("Expected %d bytes after the overwrite, got %d", wantBytes, s.Bytes)
	}
}

func TestInvalidate(t *testing.T) {
	c := New(Config{}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	q := Query{Text: "wifi keeps dropping", Mode: "concise", Tenant: "acme"}
	key := c.Put(ctx, q, []byte("forget and rejoin"), 100, nil)

	if !c.Invalidate(ctx, key) {
		t.Fatal("Expected the first invalidation to report success")
	}
	if c.Invalidate(ctx, key) {
		t.Error("Expected the second invalidation to report a no-op")
	}
	if res := c.Get(ctx, q); res.Kind != Miss {
		t.Errorf("Expected a miss after invalidation, got %v", res.Kind)
	}
	s := c.Stats()
	if s.Entries != 0 || s.Bytes != 0 {
		t.Errorf("Expected an empty index, got %d entries / %d bytes", s.Entries, s.Bytes)
	}
}

func TestInvalidateMatching(t *testing.T) {
	c := New(Config{}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	put := func(text, mode, tenant string) Query {
		q := Query{Text: text, Mode: mode, Tenant: tenant}
		c.Put(ctx, q, []byte("answer"), 50, nil)
		return q
	}
	put("q1", "concise", "acme")
	put("q2", "concise", "acme")
	put("q3", "detailed", "acme")
	survivor := put("q4", "concise", "globex")

	if n := c.InvalidateMatching(ctx, func(m Meta) bool { return m.Tenant == "acme" }); n != 3 {
		t.Fatalf("Expected 3 entries purged for the tenant, got %d", n)
	}
	if c.GetExact(ctx, survivor) == nil {
		t.Error("Expected the other tenant's entry untouched")
	}
	if n := c.InvalidateMatching(ctx, func(m Meta) bool { return m.Tenant == "acme" }); n != 0 {
		t.Errorf("Expected a repeat purge to find nothing, got %d", n)
	}
	if n := c.InvalidateMatching(ctx, func(m Meta) bool { return m.Mode == "concise" }); n != 1 {
		t.Errorf("Expected 1 entry purged by mode, got %d", n)
	}
	if s := c.Stats(); s.Entries != 0 {
		t.Errorf("Expected an empty index, got %d entries", s.Entries)
	}
}

func TestStatsRates(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"reset password procedure": unit2(0.95),
		"completely unrelated":     unit2(0.50),
	}}
	c := newSemCache(t, emb)
	ctx := context.Background()
	stored := semQuery("how to reset my password")
	c.Put(ctx, stored, []byte("portal"), 100, unit2(1))

	if res := c.Get(ctx, stored); res.Kind != ExactHit {
		t.Fatalf("Expected an exact hit, got %v", res.Kind)
	}
	if res := c.Get(ctx, semQuery("reset password procedure")); res.Kind != SemanticHit {
		t.Fatalf("Expected a semantic hit, got %v", res.Kind)
	}
	if res := c.Get(ctx, semQuery("completely unrelated")); res.Kind != Miss {
		t.Fatalf("Expected a miss, got %v", res.Kind)
	}

	s := c.Stats()
	if s.HitRate != 2.0/3.0 {
		t.Errorf("Expected hit rate 2/3, got %f", s.HitRate)
	}
	if s.SemanticMatchRate != 0.5 {
		t.Errorf("Expected semantic match rate 0.5, got %f", s.SemanticMatchRate)
	}
}

func TestExpiredEntryRemovedOnLookup(t *testing.T) {
	c := New(Config{TTLBase: 30 * time.Millisecond}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	q := Query{Text: "stale question", Mode: "concise", Tenant: "acme"}
	c.Put(ctx, q, []byte("stale answer"), 100, nil)

	time.Sleep(50 * time.Millisecond)

	if res := c.Get(ctx, q); res.Kind != Miss {
		t.Fatalf("Expected a miss after expiry, got %v", res.Kind)
	}
	s := c.Stats()
	if s.Expired != 1 {
		t.Errorf("Expected 1 expired entry, got %d", s.Expired)
	}
	if s.Entries != 0 {
		t.Errorf("Expected the expired entry dropped, got %d entries", s.Entries)
	}
}

func TestExpiredSemanticCandidateNotServed(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"nearly the same question": unit2(0.95),
	}}
	c := New(Config{
		TTLBase:  30 * time.Millisecond,
		Semantic: SemanticConfig{Enabled: true},
	}, emb, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	c.Put(ctx, semQuery("the original question"), []byte("old answer"), 100, unit2(1))

	time.Sleep(50 * time.Millisecond)

	// Different fingerprint, so only the semantic scan could serve it, and
	// the scan must skip the stale candidate.
	if res := c.Get(ctx, semQuery("nearly the same question")); res.Kind != Miss {
		t.Fatalf("Expected a miss against a stale candidate, got %v", res.Kind)
	}
	if s := c.Stats(); s.Entries != 1 {
		t.Fatalf("Expected the stale entry still indexed until swept, got %d", s.Entries)
	}

	c.sweep(time.Now())
	s := c.Stats()
	if s.Entries != 0 {
		t.Errorf("Expected the sweep to drop the stale entry, got %d", s.Entries)
	}
	if s.Expired != 1 {
		t.Errorf("Expected 1 expiry recorded, got %d", s.Expired)
	}
}

func TestSweepSparesBoostedEntries(t *testing.T) {
	c := New(Config{TTLBase: time.Hour}, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	busy := Query{Text: "busy question", Mode: "concise", Tenant: "acme"}
	idle := Query{Text: "idle question", Mode: "concise", Tenant: "acme"}
	c.Put(ctx, busy, []byte("a"), 10, nil)
	c.Put(ctx, idle, []byte("b"), 10, nil)
	for i := 0; i < 20; i++ {
		c.GetExact(ctx, busy) // lifts its TTL to 3h
	}

	c.sweep(time.Now().Add(2 * time.Hour))

	s := c.Stats()
	if s.Expired != 1 {
		t.Errorf("Expected 1 expiry, got %d", s.Expired)
	}
	if s.Entries != 1 {
		t.Errorf("Expected the boosted entry to survive, got %d entries", s.Entries)
	}
	if c.GetExact(ctx, busy) == nil {
		t.Error("Expected the boosted entry still served")
	}
}

func TestSemanticDisabledNeverEmbeds(t *testing.T) {
	emb := &fakeEmbedder{vec: unit2(0.99)}
	c := New(Config{}, emb, nil, zaptest.NewLogger(t))
	ctx := context.Background()
	key := c.Put(ctx, semQuery("some question"), []byte("answer"), 10, unit2(1))

	if c.entries[key].embedding != nil {
		t.Error("Expected no embedding stored while semantic matching is disabled")
	}
	res := c.Get(ctx, semQuery("another question"))
	if res.Kind != Miss || res.Embedding != nil {
		t.Errorf("Expected a plain miss, got %+v", res)
	}
	if emb.callCount() != 0 {
		t.Errorf("Expected the embedder never called, got %d calls", emb.callCount())
	}
}

func TestAllowSemanticOptOut(t *testing.T) {
	emb := &fakeEmbedder{vec: unit2(0.99)}
	c := newSemCache(t, emb)
	ctx := context.Background()
	q := Query{Text: "private question", Mode: "concise", Tenant: "acme", AllowSemantic: false}
	key := c.Put(ctx, q, []byte("answer"), 10, unit2(1))

	if c.entries[key].embedding != nil {
		t.Error("Expected the embedding dropped when the request opts out")
	}
	res := c.Get(ctx, Query{Text: "another private question", Mode: "concise", Tenant: "acme"})
	if res.Kind != Miss || res.Embedding != nil {
		t.Errorf("Expected a plain miss, got %+v", res)
	}
	if emb.callCount() != 0 {
		t.Errorf("Expected the embedder never called, got %d calls", emb.callCount())
	}
}

func TestEmbedderFailureDegradesToMiss(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("provider returned 500")}
	c := newSemCache(t, emb)
	ctx := context.Background()
	c.Put(ctx, semQuery("stored question"), []byte("answer"), 10, unit2(1))

	res := c.Get(ctx, semQuery("lookup that cannot embed"))
	if res.Kind != Miss {
		t.Fatalf("Expected a miss when embedding fails, got %v", res.Kind)
	}
	if res.Embedding != nil {
		t.Error("Expected no embedding on the result")
	}
	s := c.Stats()
	if s.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", s.Misses)
	}
	if s.SemanticSearches != 0 {
		t.Errorf("Expected no scan without an embedding, got %d", s.SemanticSearches)
	}
}

func TestNonUnitVectorDroppedOnPut(t *testing.T) {
	c := newSemCache(t, nil)
	ctx := context.Background()
	q := semQuery("question with a bad vector")
	key := c.Put(ctx, q, []byte("answer"), 10, []float32{3, 4})

	if c.entries[key].embedding != nil {
		t.Error("Expected the non-unit vector rejected at write")
	}
	if c.GetExact(ctx, q) == nil {
		t.Error("Expected the entry still served exactly")
	}
}

// The recent ring and the scan snapshot are independent paths to the same
// entry; a hit must be reachable through either one alone.
func TestSemanticScanPaths(t *testing.T) {
	emb := &fakeEmbedder{vecs: map[string][]float32{
		"outlook keeps asking for a password": unit2(0.95),
	}}
	c := newSemCache(t, emb)
	ctx := context.Background()
	c.Put(ctx, semQuery("outlook password prompt loop"), []byte("clear credential manager"), 300, unit2(1))

	// With the snapshot wiped, the ring alone serves the hit.
	empty := make([]*entry, 0)
	c.scanList.Store(&empty)
	if res := c.Get(ctx, semQuery("outlook keeps asking for a password")); res.Kind != SemanticHit {
		t.Fatalf("Expected the recent ring to serve the hit, got %v", res.Kind)
	}

	// With the ring wiped and the snapshot rebuilt, the full scan serves it.
	c.ringMu.Lock()
	for i := range c.ring {
		c.ring[i] = nil
	}
	c.ringMu.Unlock()
	c.mu.Lock()
	c.rebuildScanLocked()
	c.mu.Unlock()
	if res := c.Get(ctx, semQuery("outlook keeps asking for a password")); res.Kind != SemanticHit {
		t.Fatalf("Expected the snapshot scan to serve the hit, got %v", res.Kind)
	}
}

// High-dimensional vectors go through the prefix pre-filter before the full
// comparison.
func TestHighDimensionalMatching(t *testing.T) {
	const dim = 256
	base := make([]float32, dim)
	base[0] = 1
	near := make([]float32, dim)
	near[0] = float32(0.95)
	near[1] = float32(math.Sqrt(1 - 0.95*0.95))
	far := make([]float32, dim)
	far[200] = 1

	emb := &fakeEmbedder{vecs: map[string][]float32{
		"nearby question":  near,
		"distant question": far,
	}}
	c := newSemCache(t, emb)
	ctx := context.Background()
	c.Put(ctx, semQuery("stored question"), []byte("answer"), 100, base)

	res := c.Get(ctx, semQuery("nearby question"))
	if res.Kind != SemanticHit {
		t.Fatalf("Expected a semantic hit through the pre-filter, got %v", res.Kind)
	}
	if math.Abs(res.Similarity-0.95) > 1e-3 {
		t.Errorf("Expected similarity near 0.95, got %f", res.Similarity)
	}
	if res := c.Get(ctx, semQuery("distant question")); res.Kind != Miss {
		t.Errorf("Expected the pre-filter to reject the distant vector, got %v", res.Kind)
	}
}

func TestConcurrentUse(t *testing.T) {
	emb := &fakeEmbedder{vec: unit2(0.9)}
	c := New(Config{
		MaxEntries: 64,
		MaxBytes:   64 << 10,
		Semantic:   SemanticConfig{Enabled: true},
	}, emb, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q := Query{
					Text:          fmt.Sprintf("question %d", (g*31+i)%100),
					Mode:          "concise",
					Tenant:        "acme",
					AllowSemantic: i%2 == 0,
				}
				switch i % 4 {
				case 0:
					c.Put(ctx, q, []byte("concurrent answer"), 50, unit2(1))
				case 1, 2:
					c.Get(ctx, q)
				default:
					c.Invalidate(ctx, q.Fingerprint())
				}
			}
		}(g)
	}
	wg.Wait()

	s := c.Stats()
	if s.Entries > 64 {
		t.Errorf("Expected at most 64 entries, got %d", s.Entries)
	}

	// Byte accounting must reconcile with the surviving entries.
	var sum int64
	c.mu.RLock()
	for _, e := range c.entries {
		sum += e.size
	}
	total := c.bytes
	c.mu.RUnlock()
	if total != sum {
		t.Errorf("Expected byte accounting %d to match entry sizes %d", total, sum)
	}
}
