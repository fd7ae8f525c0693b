// Package httpapi is the gateway's HTTP surface: the query endpoint, cache
// administration, stats, probes and the Prometheus exposition.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/cache"
	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/health"
	"github.com/novadesk-io/answerline/internal/pipeline"
	"github.com/novadesk-io/answerline/internal/ratecontrol"
	"github.com/novadesk-io/answerline/internal/responder"
)

// QueryRunner answers one question end to end. *pipeline.Orchestrator
// satisfies it.
type QueryRunner interface {
	Handle(ctx context.Context, q pipeline.Query) (*responder.Answer, error)
}

// CacheAdmin is the administrative cache surface. *cache.Cache satisfies it.
type CacheAdmin interface {
	Stats() cache.Stats
	Invalidate(ctx context.Context, key string) bool
	InvalidateMatching(ctx context.Context, pred func(cache.Meta) bool) int
}

// Deps carries everything the server exposes. Breakers beyond the per-source
// map show up in /stats under their own names.
type Deps struct {
	Pipeline       QueryRunner
	Cache          CacheAdmin
	SourceBreakers func() map[string]*circuitbreaker.CircuitBreaker
	LLMBreaker     *circuitbreaker.CircuitBreaker
	EmbedBreaker   *circuitbreaker.CircuitBreaker
	Tenants        *ratecontrol.TenantLimiter
	Health         *health.Manager
	Logger         *zap.Logger
}

// Server mounts the HTTP API.
type Server struct {
	deps    Deps
	logger  *zap.Logger
	started time.Time
}

// NewServer builds the server. All dependencies except the optional breakers
// are required.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		deps:    deps,
		logger:  deps.Logger,
		started: time.Now(),
	}
}

// Handler builds the route table. Probe and metrics endpoints are mounted
// bare; the API routes run through the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	health.NewHTTPHandler(s.deps.Health, s.logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /query",
		s.requestID(
			s.observe("/query",
				http.HandlerFunc(s.handleQuery),
			),
		),
	)

	mux.Handle("GET /stats",
		s.requestID(
			s.observe("/stats",
				http.HandlerFunc(s.handleStats),
			),
		),
	)

	mux.Handle("POST /invalidate",
		s.requestID(
			s.observe("/invalidate",
				http.HandlerFunc(s.handleInvalidate),
			),
		),
	)

	return mux
}
