// Package pipeline owns the answer path end to end: exact cache probe,
// single-flight coalescing, semantic lookup, retrieval fan-out, response
// building and the cache write-back.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/novadesk-io/answerline/internal/cache"
	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/metrics"
	"github.com/novadesk-io/answerline/internal/queryengine"
	"github.com/novadesk-io/answerline/internal/responder"
)

// DefaultDeadline bounds one pipeline invocation.
const DefaultDeadline = 25 * time.Second

// Cache results reported in answer metrics and pipeline labels.
const (
	ResultExact         = "exact"
	ResultSemantic      = "semantic"
	ResultMiss          = "miss"
	ResultMissNoContext = "miss_no_context"
)

// Cacher is the cache surface the orchestrator needs.
type Cacher interface {
	GetExact(ctx context.Context, q cache.Query) *cache.Result
	Get(ctx context.Context, q cache.Query) *cache.Result
	Put(ctx context.Context, q cache.Query, value []byte, tokensValue int, vec []float32) string
	Invalidate(ctx context.Context, key string) bool
}

// Engine runs retrieval for one question.
type Engine interface {
	Execute(ctx context.Context, req queryengine.Request) (*queryengine.ResultSet, error)
}

// Builder produces the final answer from ranked hits.
type Builder interface {
	Build(ctx context.Context, req responder.Request) (*responder.Answer, error)
}

// Embedder supplies the question vector when the cache lookup did not
// compute one (semantic matching disabled for the request).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Query is one question to answer.
type Query struct {
	Question      string
	Tenant        string
	Mode          string
	Sources       []string
	AllowSemantic bool
	// RequestedAt is when the request entered the gateway. The pipeline
	// deadline and latency accounting anchor here, not at Handle.
	RequestedAt time.Time
}

// Orchestrator coalesces and answers questions. One per process; the
// single-flight group serialises concurrent identical fingerprints so a
// burst of the same question costs one model call.
type Orchestrator struct {
	cache    Cacher
	engine   Engine
	builder  Builder
	embedder Embedder
	deadline time.Duration
	flight   singleflight.Group
	logger   *zap.Logger
}

// New wires an orchestrator. deadline <= 0 selects the default.
func New(c Cacher, e Engine, b Builder, emb Embedder, deadline time.Duration, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Orchestrator{
		cache:    c,
		engine:   e,
		builder:  b,
		embedder: emb,
		deadline: deadline,
		logger:   logger,
	}
}

// Handle answers one question. Exact hits return without joining the flight;
// everything else coalesces per fingerprint, with latecomers receiving the
// winner's answer after its cache write. Cancellation of the caller's
// context abandons the wait immediately while the flight itself runs on to
// completion for any remaining waiters.
func (o *Orchestrator) Handle(ctx context.Context, q Query) (*responder.Answer, error) {
	start := q.RequestedAt
	if start.IsZero() {
		start = time.Now()
	}
	cq := cache.Query{Text: q.Question, Mode: q.Mode, Tenant: q.Tenant, AllowSemantic: q.AllowSemantic}

	ctx, cancel := context.WithDeadline(ctx, start.Add(o.deadline))
	defer cancel()

	if res := o.cache.GetExact(ctx, cq); res != nil {
		if ans := o.decodeCached(ctx, cq, res); ans != nil {
			o.finish(ans, start)
			return ans, nil
		}
	}

	ch := o.flight.DoChan(cq.Fingerprint(), func() (interface{}, error) {
		// Detached from the winner's cancellation so waiters still get
		// their answer, and the write-back still lands, when the winner
		// disconnects mid-flight.
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), o.deadline)
		defer fcancel()
		return o.answer(fctx, q, cq)
	})

	select {
	case <-ctx.Done():
		return nil, &fault.Error{
			Kind:    fault.Transient,
			Message: "abandoned while waiting for the answer",
			Timeout: true,
			Err:     ctx.Err(),
		}
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		ans := r.Val.(*responder.Answer)
		o.finish(ans, start)
		return ans, nil
	}
}

// answer is the single-flight body: the winner re-reads the cache (exact
// entries written while queueing, then the semantic scan), embeds at most
// once, runs retrieval and the builder, and writes the result back.
func (o *Orchestrator) answer(ctx context.Context, q Query, cq cache.Query) (*responder.Answer, error) {
	res := o.cache.Get(ctx, cq)
	if res.Kind != cache.Miss {
		if ans := o.decodeCached(ctx, cq, res); ans != nil {
			return ans, nil
		}
	}

	vec := res.Embedding
	if vec == nil {
		v, err := o.embedder.Embed(ctx, cache.Normalize(q.Question))
		if err != nil {
			o.logger.Warn("Embedding unavailable, answering without retrieval",
				zap.String("tenant", q.Tenant), zap.Error(err))
		} else {
			vec = v
		}
	}

	var (
		hits    []queryengine.Hit
		partial bool
	)
	if vec != nil {
		rs, err := o.engine.Execute(ctx, queryengine.Request{
			Text:   q.Question,
			Tenant: q.Tenant,
			Mode:   q.Mode,
			Hint:   q.Sources,
			Vector: vec,
		})
		if err != nil {
			return nil, err
		}
		hits = rs.Hits
		partial = rs.Partial
	} else {
		partial = true
	}

	ans, err := o.builder.Build(ctx, responder.Request{
		Question: q.Question,
		Mode:     q.Mode,
		Hits:     hits,
		Partial:  partial,
	})
	if err != nil {
		return nil, err
	}
	ans.Metrics.CacheResult = ResultMiss
	if len(hits) == 0 {
		ans.Metrics.CacheResult = ResultMissNoContext
	}

	// A failed write-back never fails the request.
	buf, err := json.Marshal(ans)
	if err != nil {
		o.logger.Error("Answer not cacheable", zap.Error(err))
		return ans, nil
	}
	var putVec []float32
	if cq.AllowSemantic {
		putVec = vec
	}
	o.cache.Put(ctx, cq, buf, ans.Metrics.PromptTokens+ans.Metrics.CompletionTokens, putVec)
	return ans, nil
}

// decodeCached turns a cache hit into an answer stamped with this lookup's
// cache result. A value that no longer parses is dropped from the cache and
// reported as nil so the caller recomputes.
func (o *Orchestrator) decodeCached(ctx context.Context, cq cache.Query, res *cache.Result) *responder.Answer {
	var ans responder.Answer
	if err := json.Unmarshal(res.Value, &ans); err != nil {
		key := cq.Fingerprint()
		if res.Kind == cache.SemanticHit && res.SourceKey != "" {
			key = res.SourceKey
		}
		o.cache.Invalidate(ctx, key)
		o.logger.Error("Dropping undecodable cache entry", zap.String("fingerprint", key), zap.Error(err))
		return nil
	}
	if res.Kind == cache.SemanticHit {
		ans.Metrics.CacheResult = ResultSemantic
		ans.Metrics.Similarity = res.Similarity
	} else {
		ans.Metrics.CacheResult = ResultExact
		ans.Metrics.Similarity = 0
	}
	return &ans
}

func (o *Orchestrator) finish(ans *responder.Answer, start time.Time) {
	metrics.RecordPipeline(ans.Metrics.CacheResult, time.Since(start).Seconds(), ans.Metrics.Partial)
}
