package circuitbreaker

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/fault"
)

// HTTPWrapper wraps an http.Client with a circuit breaker and records metrics consistently
type HTTPWrapper struct {
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker and metrics
func NewHTTPWrapper(client *http.Client, name, service string, config Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker(name, config, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)
	return &HTTPWrapper{client: client, cb: cb, name: name, service: service, logger: logger}
}

// Do executes an HTTP request through the circuit breaker. Transport errors,
// 5xx and 429 responses count against the breaker (429 at half weight via
// fault classification); other statuses do not. When a response exists it is
// returned to the caller with a nil error so status handling stays with the
// caller.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var callErr error
		resp, callErr = hw.client.Do(req)
		if callErr != nil {
			return fault.Classify(callErr)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fault.FromHTTPStatus(resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return nil
	})

	state := hw.cb.State()
	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, state, err == nil)

	if resp != nil {
		return resp, nil
	}
	return nil, err
}

// Breaker exposes the underlying breaker for health checks.
func (hw *HTTPWrapper) Breaker() *CircuitBreaker { return hw.cb }
