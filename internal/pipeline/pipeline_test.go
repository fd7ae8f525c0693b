package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/novadesk-io/answerline/internal/cache"
	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/queryengine"
	"github.com/novadesk-io/answerline/internal/responder"
)

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	semantic    *cache.Result
	missVec     []float32
	puts        int
	lastTokens  int
	lastPutVec  []float32
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) GetExact(ctx context.Context, q cache.Query) *cache.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.entries[q.Fingerprint()]; ok {
		return &cache.Result{Kind: cache.ExactHit, Value: v}
	}
	return nil
}

func (f *fakeCache) Get(ctx context.Context, q cache.Query) *cache.Result {
	if r := f.GetExact(ctx, q); r != nil {
		return r
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.semantic != nil {
		return f.semantic
	}
	res := &cache.Result{Kind: cache.Miss}
	if q.AllowSemantic {
		res.Embedding = f.missVec
	}
	return res
}

func (f *fakeCache) Put(ctx context.Context, q cache.Query, value []byte, tokensValue int, vec []float32) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := q.Fingerprint()
	f.entries[key] = value
	f.puts++
	f.lastTokens = tokensValue
	f.lastPutVec = vec
	return key
}

func (f *fakeCache) Invalidate(ctx context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, key)
	_, ok := f.entries[key]
	delete(f.entries, key)
	return ok
}

func (f *fakeCache) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	last  queryengine.Request
	rs    *queryengine.ResultSet
	err   error
}

func (f *fakeEngine) Execute(ctx context.Context, req queryengine.Request) (*queryengine.ResultSet, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.rs != nil {
		return f.rs, nil
	}
	return &queryengine.ResultSet{}, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBuilder struct {
	mu    sync.Mutex
	calls int
	last  responder.Request
	delay time.Duration
	err   error
	text  string
}

func (f *fakeBuilder) Build(ctx context.Context, req responder.Request) (*responder.Answer, error) {
	f.mu.Lock()
	f.calls++
	f.last = req
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	text := f.text
	if text == "" {
		text = "fresh answer"
	}
	return &responder.Answer{
		Text: text,
		Metrics: responder.Metrics{
			PromptTokens:     100,
			CompletionTokens: 20,
			SourcesUsed:      len(req.Hits),
			Partial:          req.Partial,
		},
	}, nil
}

func (f *fakeBuilder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	vec   []float32
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func marshalAnswer(t *testing.T, text string) []byte {
	t.Helper()
	b, err := json.Marshal(&responder.Answer{
		Text:    text,
		Metrics: responder.Metrics{PromptTokens: 10, CompletionTokens: 5},
	})
	if err != nil {
		t.Fatalf("marshal answer: %v", err)
	}
	return b
}

func testQuery() Query {
	return Query{
		Question:      "how do I reset my password?",
		Tenant:        "acme",
		Mode:          "concise",
		AllowSemantic: true,
	}
}

func cacheQueryFor(q Query) cache.Query {
	return cache.Query{Text: q.Question, Mode: q.Mode, Tenant: q.Tenant, AllowSemantic: q.AllowSemantic}
}

func newTestOrchestrator(t *testing.T, fc *fakeCache, fe *fakeEngine, fb *fakeBuilder, fm *fakeEmbedder) *Orchestrator {
	t.Helper()
	return New(fc, fe, fb, fm, 5*time.Second, zaptest.NewLogger(t))
}

func TestHandleExactHit(t *testing.T) {
	fc := newFakeCache()
	fe := &fakeEngine{}
	fb := &fakeBuilder{}
	fm := &fakeEmbedder{}
	q := testQuery()
	fc.entries[cacheQueryFor(q).Fingerprint()] = marshalAnswer(t, "cached answer")
	o := newTestOrchestrator(t, fc, fe, fb, fm)

	ans, err := o.Handle(context.Background(), q)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ans.Text != "cached answer" {
		t.Errorf("Expected cached answer, got %q", ans.Text)
	}
	if ans.Metrics.CacheResult != ResultExact {
		t.Errorf("Expected exact cache result, got %q", ans.Metrics.CacheResult)
	}
	if fe.callCount() != 0 || fb.callCount() != 0 || fm.callCount() != 0 {
		t.Error("Expected no retrieval, build or embedding on an exact hit")
	}
}

func TestHandleSemanticHit(t *testing.T) {
	fc := newFakeCache()
	fc.semantic = &cache.Result{
		Kind:       cache.SemanticHit,
		Value:      marshalAnswer(t, "similar answer"),
		Similarity: 0.91,
		SourceKey:  "srckey",
	}
	fe := &fakeEngine{}
	fb := &fakeBuilder{}
	o := newTestOrchestrator(t, fc, fe, fb, &fakeEmbedder{})

	ans, err := o.Handle(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ans.Metrics.CacheResult != ResultSemantic {
		t.Errorf("Expected semantic cache result, got %q", ans.Metrics.CacheResult)
	}
	if ans.Metrics.Similarity != 0.91 {
		t.Errorf("Expected similarity 0.91, got %f", ans.Metrics.Similarity)
	}
	if fb.callCount() != 0 {
		t.Error("Expected no build on a semantic hit")
	}
}

func TestHandleMissComputesAndCaches(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1, 0}
	fe := &fakeEngine{rs: &queryengine.ResultSet{
		Hits: []queryengine.Hit{{Source: "jira", Title: "T", Snippet: "s", FinalScore: 0.9}},
	}}
	fb := &fakeBuilder{}
	fm := &fakeEmbedder{}
	o := newTestOrchestrator(t, fc, fe, fb, fm)
	q := testQuery()

	ans, err := o.Handle(context.Background(), q)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ans.Metrics.CacheResult != ResultMiss {
		t.Errorf("Expected miss, got %q", ans.Metrics.CacheResult)
	}
	if fm.callCount() != 0 {
		t.Error("Expected the lookup embedding to be reused, not recomputed")
	}
	if len(fe.last.Vector) != 2 || fe.last.Vector[0] != 1 {
		t.Errorf("Expected the lookup embedding passed to retrieval, got %v", fe.last.Vector)
	}
	if fc.putCount() != 1 {
		t.Fatalf("Expected one cache write, got %d", fc.putCount())
	}
	if fc.lastTokens != 120 {
		t.Errorf("Expected tokens_value 120, got %d", fc.lastTokens)
	}
	if fc.lastPutVec == nil {
		t.Error("Expected the embedding stored with the entry")
	}

	// The write-back serves the identical follow-up exactly.
	again, err := o.Handle(context.Background(), q)
	if err != nil {
		t.Fatalf("Handle again: %v", err)
	}
	if again.Metrics.CacheResult != ResultExact {
		t.Errorf("Expected exact on re-query, got %q", again.Metrics.CacheResult)
	}
	if fb.callCount() != 1 {
		t.Errorf("Expected a single build, got %d", fb.callCount())
	}
}

func TestHandleAllowSemanticFalse(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1, 0} // must not be used: semantic lookups are off
	fe := &fakeEngine{rs: &queryengine.ResultSet{}}
	fb := &fakeBuilder{}
	fm := &fakeEmbedder{vec: []float32{0, 1}}
	o := newTestOrchestrator(t, fc, fe, fb, fm)
	q := testQuery()
	q.AllowSemantic = false

	if _, err := o.Handle(context.Background(), q); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fm.callCount() != 1 {
		t.Errorf("Expected the pipeline to embed for retrieval, got %d calls", fm.callCount())
	}
	if len(fe.last.Vector) != 2 || fe.last.Vector[1] != 1 {
		t.Errorf("Expected the embedder vector in retrieval, got %v", fe.last.Vector)
	}
	if fc.lastPutVec != nil {
		t.Error("Expected no embedding stored when semantic matching is off")
	}
}

func TestHandleNoContextWhenAllSourcesFail(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1}
	fe := &fakeEngine{rs: &queryengine.ResultSet{Partial: true, AllFailed: true}}
	fb := &fakeBuilder{}
	o := newTestOrchestrator(t, fc, fe, fb, &fakeEmbedder{})

	ans, err := o.Handle(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ans.Metrics.CacheResult != ResultMissNoContext {
		t.Errorf("Expected miss_no_context, got %q", ans.Metrics.CacheResult)
	}
	if len(fb.last.Hits) != 0 || !fb.last.Partial {
		t.Errorf("Expected empty-context partial build, got %+v", fb.last)
	}
	if fc.putCount() != 1 {
		t.Error("Expected the disclaimer answer to be cached")
	}
}

func TestHandleEmbeddingFailureSkipsRetrieval(t *testing.T) {
	fc := newFakeCache()
	fe := &fakeEngine{}
	fb := &fakeBuilder{}
	fm := &fakeEmbedder{err: errors.New("embedder down")}
	o := newTestOrchestrator(t, fc, fe, fb, fm)

	ans, err := o.Handle(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fe.callCount() != 0 {
		t.Error("Expected retrieval skipped without an embedding")
	}
	if ans.Metrics.CacheResult != ResultMissNoContext || !ans.Metrics.Partial {
		t.Errorf("Expected degraded no-context answer, got %+v", ans.Metrics)
	}
}

func TestHandleEngineErrorPropagates(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1}
	fe := &fakeEngine{err: fault.New(fault.InvalidInput, "unknown source \"nope\"")}
	fb := &fakeBuilder{}
	o := newTestOrchestrator(t, fc, fe, fb, &fakeEmbedder{})

	_, err := o.Handle(context.Background(), testQuery())
	if fault.KindOf(err) != fault.InvalidInput {
		t.Fatalf("Expected invalid input, got %v", err)
	}
	if fb.callCount() != 0 {
		t.Error("Expected no build after a selection error")
	}
	if fc.putCount() != 0 {
		t.Error("Expected no cache write after a failure")
	}
}

func TestHandleBuilderErrorPropagates(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1}
	fb := &fakeBuilder{err: fault.New(fault.Unavailable, "llm circuit open")}
	o := newTestOrchestrator(t, fc, &fakeEngine{}, fb, &fakeEmbedder{})

	_, err := o.Handle(context.Background(), testQuery())
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("Expected unavailable, got %v", err)
	}
	if fc.putCount() != 0 {
		t.Error("Expected no cache write after a failed build")
	}
}

func TestHandleSingleFlight(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1}
	fe := &fakeEngine{rs: &queryengine.ResultSet{
		Hits: []queryengine.Hit{{Source: "jira", Title: "T", Snippet: "s"}},
	}}
	fb := &fakeBuilder{delay: 300 * time.Millisecond}
	o := newTestOrchestrator(t, fc, fe, fb, &fakeEmbedder{})
	q := testQuery()

	const n = 8
	var (
		wg      sync.WaitGroup
		gate    = make(chan struct{})
		answers [n]*responder.Answer
		errs    [n]error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			answers[i], errs[i] = o.Handle(context.Background(), q)
		}(i)
	}
	close(gate)
	wg.Wait()

	if fb.callCount() != 1 {
		t.Fatalf("Expected exactly one build for %d concurrent identical queries, got %d", n, fb.callCount())
	}
	if fc.putCount() != 1 {
		t.Errorf("Expected one cache write, got %d", fc.putCount())
	}
	first, err := json.Marshal(answers[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Handle %d: %v", i, errs[i])
		}
		b, err := json.Marshal(answers[i])
		if err != nil {
			t.Fatalf("marshal %d: %v", i, err)
		}
		if !bytes.Equal(first, b) {
			t.Errorf("Answer %d differs:\n%s\nvs\n%s", i, b, first)
		}
	}
}

func TestHandleCancellationReturnsQuickly(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1}
	fb := &fakeBuilder{delay: 3 * time.Second}
	o := newTestOrchestrator(t, fc, &fakeEngine{}, fb, &fakeEmbedder{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := o.Handle(ctx, testQuery())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected an error after cancellation")
	}
	if !fault.Classify(err).Timeout {
		t.Errorf("Expected a timeout-shaped fault, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Expected return within 1s of cancellation, took %v", elapsed)
	}
}

func TestHandleCorruptCacheEntry(t *testing.T) {
	fc := newFakeCache()
	fc.missVec = []float32{1}
	fe := &fakeEngine{rs: &queryengine.ResultSet{}}
	fb := &fakeBuilder{}
	o := newTestOrchestrator(t, fc, fe, fb, &fakeEmbedder{})
	q := testQuery()
	key := cacheQueryFor(q).Fingerprint()
	fc.entries[key] = []byte("{not json")

	ans, err := o.Handle(context.Background(), q)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if ans.Text != "fresh answer" {
		t.Errorf("Expected a recomputed answer, got %q", ans.Text)
	}
	if len(fc.invalidated) == 0 || fc.invalidated[0] != key {
		t.Errorf("Expected the corrupt entry invalidated, got %v", fc.invalidated)
	}
	if fb.callCount() != 1 {
		t.Errorf("Expected one build, got %d", fb.callCount())
	}
	var stored responder.Answer
	if err := json.Unmarshal(fc.entries[key], &stored); err != nil {
		t.Errorf("Expected a valid replacement entry: %v", err)
	}
}
