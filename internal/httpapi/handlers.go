package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/cache"
	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/pipeline"
	"github.com/novadesk-io/answerline/internal/responder"
)

// maxQueryBytes bounds the request body; questions are short by nature.
const maxQueryBytes = 64 << 10

// maxQuestionChars rejects pathological inputs before they reach the
// embedding provider.
const maxQuestionChars = 8192

type queryRequest struct {
	Text          string   `json:"text"`
	Mode          string   `json:"mode,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	Tenant        string   `json:"tenant,omitempty"`
	AllowSemantic *bool    `json:"allow_semantic,omitempty"`
}

type invalidateRequest struct {
	Key       string               `json:"key,omitempty"`
	Predicate *invalidatePredicate `json:"predicate,omitempty"`
}

type invalidatePredicate struct {
	Tenant string `json:"tenant,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

type invalidateResponse struct {
	Removed int `json:"removed"`
}

type statsResponse struct {
	Cache         cache.Stats       `json:"cache"`
	Breakers      map[string]string `json:"breakers"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// handleQuery answers one question.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	arrived := time.Now()

	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		s.writeError(w, r, fault.New(fault.InvalidInput, "text is required"))
		return
	}
	if len(req.Text) > maxQuestionChars {
		s.writeError(w, r, fault.Newf(fault.InvalidInput,
			"text exceeds %d characters", maxQuestionChars))
		return
	}
	if !responder.ValidMode(req.Mode) {
		s.writeError(w, r, fault.Newf(fault.InvalidInput,
			"mode must be concise or detailed (got %q)", req.Mode))
		return
	}

	// The limiter keys on the tenant from the body, so admission runs after
	// decoding rather than as route middleware.
	if ok, retryAfter := s.deps.Tenants.Admit(req.Tenant); !ok {
		s.writeRateLimited(w, r, req.Tenant, retryAfter)
		return
	}

	// Semantic matching is opt-out.
	allowSemantic := true
	if req.AllowSemantic != nil {
		allowSemantic = *req.AllowSemantic
	}

	ans, err := s.deps.Pipeline.Handle(r.Context(), pipeline.Query{
		Question:      req.Text,
		Tenant:        req.Tenant,
		Mode:          responder.NormalizeMode(req.Mode),
		Sources:       req.Sources,
		AllowSemantic: allowSemantic,
		RequestedAt:   arrived,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ans)
}

// handleStats reports cache counters, derived rates and breaker states.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]string)
	if s.deps.SourceBreakers != nil {
		for id, br := range s.deps.SourceBreakers() {
			breakers["source:"+id] = br.State().String()
		}
	}
	if s.deps.LLMBreaker != nil {
		breakers["llm"] = s.deps.LLMBreaker.State().String()
	}
	if s.deps.EmbedBreaker != nil {
		breakers["embeddings"] = s.deps.EmbedBreaker.State().String()
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Cache:         s.deps.Cache.Stats(),
		Breakers:      breakers,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

// handleInvalidate drops cache entries by exact key or by predicate. Exactly
// one of the two must be present.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	hasKey := req.Key != ""
	hasPred := req.Predicate != nil
	if hasKey == hasPred {
		s.writeError(w, r, fault.New(fault.InvalidInput,
			"provide exactly one of key or predicate"))
		return
	}

	var removed int
	if hasKey {
		if s.deps.Cache.Invalidate(r.Context(), req.Key) {
			removed = 1
		}
	} else {
		if req.Predicate.Tenant == "" && req.Predicate.Mode == "" {
			s.writeError(w, r, fault.New(fault.InvalidInput,
				"predicate needs tenant or mode"))
			return
		}
		pred := *req.Predicate
		removed = s.deps.Cache.InvalidateMatching(r.Context(), func(m cache.Meta) bool {
			if pred.Tenant != "" && m.Tenant != pred.Tenant {
				return false
			}
			if pred.Mode != "" && m.Mode != pred.Mode {
				return false
			}
			return true
		})
	}

	s.logger.Info("Cache invalidation",
		zap.Bool("by_key", hasKey),
		zap.Int("removed", removed))
	s.writeJSON(w, http.StatusOK, invalidateResponse{Removed: removed})
}

// decodeJSON reads a bounded JSON body into dst, mapping failures to
// invalid-input faults.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fault.Newf(fault.InvalidInput, "body exceeds %d bytes", maxErr.Limit)
		}
		return fault.Wrap(fault.InvalidInput, err, "malformed JSON body")
	}
	if dec.More() {
		return fault.New(fault.InvalidInput, "unexpected trailing data")
	}
	_, _ = io.Copy(io.Discard, r.Body)
	return nil
}
