package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/fault"
)

// wireError is the caller-facing error envelope.
type wireError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps a classified fault to status code and wire shape. Invalid
// input is the caller's problem and logs at debug; an internal fault is ours
// and logs at error; dependency trouble logs at info, the breakers already
// shouted.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	fe := fault.Classify(err)
	code := fault.WireCode(err)

	var status int
	switch code {
	case "bad_request":
		status = http.StatusBadRequest
	case "timeout":
		status = http.StatusGatewayTimeout
	case "internal":
		status = http.StatusInternalServerError
	default:
		status = http.StatusServiceUnavailable
	}

	fields := []zap.Field{
		zap.String("code", code),
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.Error(err),
	}
	switch fe.Kind {
	case fault.InvalidInput:
		s.logger.Debug("Rejected request", fields...)
	case fault.Internal:
		s.logger.Error("Request failed on internal error", fields...)
	default:
		s.logger.Info("Request failed on dependency", fields...)
	}

	body := wireError{Code: code, Message: fe.Message}
	if fe.RetryAfter > 0 {
		body.RetryAfterMs = fe.RetryAfter.Milliseconds()
	}
	s.writeJSON(w, status, body)
}

// writeRateLimited answers 429 with the earliest useful retry delay.
func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request, tenant string, retryAfter time.Duration) {
	s.logger.Info("Tenant over rate limit",
		zap.String("tenant", tenant),
		zap.Duration("retry_after", retryAfter),
		zap.String("request_id", RequestIDFrom(r.Context())))

	secs := int64(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	s.writeJSON(w, http.StatusTooManyRequests, wireError{
		Code:         "unavailable",
		Message:      "rate limit exceeded",
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}
