package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/metrics"
	"github.com/novadesk-io/answerline/internal/tracing"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFrom returns the request id stamped by the middleware, or "".
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID tags every request with an id, honouring one the caller already
// carries (X-Request-ID, or the trace id of a W3C traceparent) so log lines
// join up across services.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := extractRequestID(r)
		if id == "" {
			id = strings.ReplaceAll(uuid.New().String(), "-", "")
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractRequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	if traceID, _, _, ok := tracing.ParseTraceparent(r.Header.Get("traceparent")); ok {
		return traceID
	}
	return ""
}

// statusRecorder captures the status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// observe logs the request and feeds the HTTP metrics. route is the static
// route pattern, never the raw path, to keep label cardinality bounded.
func (s *Server) observe(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx, span := tracing.StartSpan(r.Context(), r.Method+" "+route)
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.End()

		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		fields := []zap.Field{
			zap.String("route", route),
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", RequestIDFrom(r.Context())),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("Request failed", fields...)
		} else {
			s.logger.Debug("Request served", fields...)
		}
	})
}
