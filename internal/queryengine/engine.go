package queryengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/metrics"
	"github.com/novadesk-io/answerline/internal/policy"
	"github.com/novadesk-io/answerline/internal/sources"
	"github.com/novadesk-io/answerline/internal/vectordb"
)

// Searcher is the slice of the vector store the engine needs.
type Searcher interface {
	Search(ctx context.Context, collection string, vec []float32, opts vectordb.SearchOptions) ([]vectordb.Hit, error)
}

// Engine fans a question embedding out to the selected sources, guards each
// source behind its own circuit breaker, and merges what comes back into a
// deduplicated ranked list. One engine serves all requests; the semaphore
// bounds searches in flight across the whole process.
type Engine struct {
	cfg      Config
	registry *sources.Registry
	policy   policy.Engine
	search   Searcher
	sem      *semaphore.Weighted
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
	brConfig circuitbreaker.Config
}

// New builds an engine over the given source registry and search client.
// A breaker is created per declared source up front so /stats can report
// them before the first request. policyEngine may be nil.
func New(cfg Config, registry *sources.Registry, search Searcher, policyEngine policy.Engine, brConfig circuitbreaker.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 6
	}
	if cfg.DedupCosine <= 0 {
		cfg.DedupCosine = 0.97
	}
	e := &Engine{
		cfg:      cfg,
		registry: registry,
		policy:   policyEngine,
		search:   search,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:   logger,
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
		brConfig: brConfig,
	}
	for _, src := range registry.All() {
		e.breakers[src.ID] = circuitbreaker.NewCircuitBreaker("source:"+src.ID, brConfig, logger)
	}
	return e
}

// Breakers returns the per-source breakers keyed by source id.
func (e *Engine) Breakers() map[string]*circuitbreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*circuitbreaker.CircuitBreaker, len(e.breakers))
	for id, br := range e.breakers {
		out[id] = br
	}
	return out
}

// Execute runs selection, policy restriction and the bounded fan-out for one
// question. The request vector must already be computed. Selection errors
// (unknown hints, tenants denied by policy) surface as classified faults; a
// degraded search does not error, it returns a ResultSet with Partial or
// AllFailed set.
func (e *Engine) Execute(ctx context.Context, req Request) (*ResultSet, error) {
	if len(req.Vector) == 0 {
		return nil, fault.New(fault.Internal, "query engine called without an embedding")
	}

	selected, reason, err := e.registry.Select(req.Text, req.Hint)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, fault.New(fault.Unavailable, "no sources enabled")
	}

	selected, reason, err = e.restrict(ctx, req, selected, reason)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TotalTimeout)
	defer cancel()

	raw := make([][]vectordb.Hit, len(selected))
	outcomes := make([]SourceOutcome, len(selected))
	var wg sync.WaitGroup
	for i, src := range selected {
		wg.Add(1)
		go func(i int, src sources.Source) {
			defer wg.Done()
			raw[i], outcomes[i] = e.searchOne(ctx, src, req.Vector)
		}(i, src)
	}
	wg.Wait()

	rs := &ResultSet{
		Outcomes:  outcomes,
		Selection: reason,
		AllFailed: true,
	}
	for _, o := range outcomes {
		if o.Status == StatusOK {
			rs.AllFailed = false
		} else {
			rs.Partial = true
		}
	}
	rs.Hits = e.rank(selected, raw)

	e.logger.Debug("Fan-out complete",
		zap.String("selection", reason),
		zap.Int("sources", len(selected)),
		zap.Int("hits", len(rs.Hits)),
		zap.Bool("partial", rs.Partial),
		zap.Bool("all_failed", rs.AllFailed))
	return rs, nil
}

// restrict intersects the selection with the tenant's policy allow-list.
func (e *Engine) restrict(ctx context.Context, req Request, selected []sources.Source, reason string) ([]sources.Source, string, error) {
	if e.policy == nil || !e.policy.IsEnabled() {
		return selected, reason, nil
	}
	ids := make([]string, len(selected))
	for i, s := range selected {
		ids[i] = s.ID
	}
	decision, err := e.policy.Evaluate(ctx, &policy.Input{Tenant: req.Tenant, Mode: req.Mode, Sources: ids})
	if err != nil {
		return nil, "", fault.Wrap(fault.Internal, err, "policy evaluation")
	}
	allowed := decision.Restrict(ids)
	if len(allowed) == 0 {
		return nil, "", fault.Newf(fault.InvalidInput, "policy denies all selected sources for tenant %q: %s", req.Tenant, decision.Reason)
	}
	if len(allowed) == len(selected) {
		return selected, reason, nil
	}
	keep := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		keep[id] = struct{}{}
	}
	restricted := selected[:0:0]
	for _, s := range selected {
		if _, ok := keep[s.ID]; ok {
			restricted = append(restricted, s)
		}
	}
	return restricted, reason + "+policy", nil
}

// searchOne runs a single guarded source search. An open breaker is reported
// as skipped without consuming a semaphore slot; a slot that cannot be
// acquired before the total deadline counts as a timeout.
func (e *Engine) searchOne(ctx context.Context, src sources.Source, vec []float32) ([]vectordb.Hit, SourceOutcome) {
	out := SourceOutcome{Source: src.ID}
	br := e.breakerFor(src.ID)

	if !br.Allow() {
		out.Status = StatusSkipped
		out.Err = circuitbreaker.ErrOpen
		metrics.RecordSourceSearch(src.ID, StatusSkipped, 0, 0)
		return nil, out
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		out.Status = StatusTimeout
		out.Err = fault.Wrap(fault.Transient, err, "queued past the search deadline")
		metrics.RecordSourceSearch(src.ID, StatusTimeout, 0, 0)
		return nil, out
	}
	defer e.sem.Release(1)

	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, e.cfg.PerSourceTimeout)
	defer cancel()

	var hits []vectordb.Hit
	err := br.Execute(sctx, func() error {
		var serr error
		hits, serr = e.search.Search(sctx, src.Collection, vec, vectordb.SearchOptions{
			Limit:      e.cfg.TopKPerSource,
			Filter:     vectordb.BuildFilter(src.Filter),
			WithVector: true,
		})
		return serr
	})
	out.Elapsed = time.Since(start)

	switch {
	case err == nil:
		out.Status = StatusOK
		out.Hits = len(hits)
	case errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrProbeInFlight):
		out.Status = StatusSkipped
		out.Err = err
		hits = nil
	case fault.Classify(err).Timeout:
		out.Status = StatusTimeout
		out.Err = err
		hits = nil
	default:
		out.Status = StatusError
		out.Err = err
		hits = nil
	}

	metrics.RecordSourceSearch(src.ID, out.Status, out.Elapsed.Seconds(), out.Hits)
	if err != nil {
		e.logger.Warn("Source search failed",
			zap.String("source", src.ID),
			zap.String("status", out.Status),
			zap.Duration("elapsed", out.Elapsed),
			zap.Error(err))
	}
	return hits, out
}

func (e *Engine) breakerFor(id string) *circuitbreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	br, ok := e.breakers[id]
	if !ok {
		br = circuitbreaker.NewCircuitBreaker("source:"+id, e.brConfig, e.logger)
		e.breakers[id] = br
	}
	return br
}
