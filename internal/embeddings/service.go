// Package embeddings turns question text into fixed-dimension unit-norm
// vectors through an OpenAI-compatible provider, with a process-local LRU and
// an optional Redis mirror in front of the HTTP call.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/metrics"
	"github.com/novadesk-io/answerline/internal/tracing"
)

// Service provides embedding generation with caching
type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	lru    *lru.Cache[string, []float32]
	mirror Mirror
	logger *zap.Logger
}

// NewService builds the embedding service. mirror may be nil.
func NewService(cfg Config, mirror Mirror, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 2048
	}
	if cfg.MirrorTTL == 0 {
		cfg.MirrorTTL = 24 * time.Hour
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding lru: %w", err)
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
		},
	}
	wrapper := circuitbreaker.NewHTTPWrapper(httpClient, "embeddings", "provider", cfg.Breaker.ToConfig(), logger)

	return &Service{cfg: cfg, http: wrapper, lru: cache, mirror: mirror, logger: logger}, nil
}

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed returns the unit-norm vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	key := MakeKey(s.cfg.Model, text)

	// LRU first
	if v, ok := s.lru.Get(key); ok {
		metrics.EmbeddingRequests.WithLabelValues("lru_hit").Inc()
		return v, nil
	}
	// Redis mirror next
	if s.mirror != nil {
		if v, ok := s.mirror.Get(ctx, key); ok && len(v) == s.cfg.Dim {
			s.lru.Add(key, v)
			metrics.EmbeddingRequests.WithLabelValues("mirror_hit").Inc()
			return v, nil
		}
	}

	start := time.Now()
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", s.endpoint())
	defer span.End()

	vec, err := s.callProvider(ctx, text)
	metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.EmbeddingRequests.WithLabelValues("ok").Inc()

	s.lru.Add(key, vec)
	if s.mirror != nil {
		s.mirror.Set(ctx, key, vec, s.cfg.MirrorTTL)
	}
	return vec, nil
}

func (s *Service) callProvider(ctx context.Context, text string) ([]float32, error) {
	payload := embedRequest{Input: []string{text}, Model: s.cfg.Model}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(), bytes.NewReader(buf))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fault.Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fault.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("embedding provider: %s", strings.TrimSpace(string(body))))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fault.Wrap(fault.Transient, err, "decode embedding response")
	}
	if len(er.Data) == 0 {
		return nil, fault.New(fault.Transient, "no embeddings returned")
	}

	raw := er.Data[0].Embedding
	if len(raw) != s.cfg.Dim {
		return nil, fault.Newf(fault.Internal, "embedding dimension %d, expected %d", len(raw), s.cfg.Dim)
	}
	out := make([]float32, len(raw))
	for i, f := range raw {
		out[i] = float32(f)
	}
	return Normalize(out)
}

func (s *Service) endpoint() string {
	return strings.TrimRight(s.cfg.ProviderURL, "/") + "/embeddings"
}

// Ping verifies the provider is reachable by embedding a canary string.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.Embed(ctx, "ping")
	return err
}

// Breaker exposes the provider breaker for health reporting.
func (s *Service) Breaker() *circuitbreaker.CircuitBreaker {
	return s.http.Breaker()
}

// Dim returns the configured vector dimension.
func (s *Service) Dim() int { return s.cfg.Dim }
