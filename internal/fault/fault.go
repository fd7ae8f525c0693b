package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a failure for retry, breaker, and caller-facing decisions.
type Kind string

const (
	// Transient covers network errors, timeouts, 5xx and 429 responses.
	// Eligible for retry; counted against circuit breakers.
	Transient Kind = "transient"
	// Unavailable marks a dependency that is known-down: circuit open or
	// retries exhausted. Not retried again at the same level.
	Unavailable Kind = "unavailable"
	// InvalidInput covers malformed requests and 4xx responses other than
	// 429. Never retried, never counted against breakers.
	InvalidInput Kind = "invalid_input"
	// Internal marks an invariant violation. Fails the request, never the
	// process, and must not poison caches.
	Internal Kind = "internal"
)

// Error carries the classified failure across component boundaries.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int           // upstream HTTP status when applicable, else 0
	Timeout    bool          // deadline/timeout shaped failure
	RetryAfter time.Duration // backoff hint from upstream (429/503)
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is / errors.As.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// FromHTTPStatus classifies an upstream HTTP response code.
func FromHTTPStatus(status int, msg string) *Error {
	e := &Error{Message: msg, StatusCode: status}
	switch {
	case status == 429:
		e.Kind = Transient
	case status >= 500:
		e.Kind = Transient
	case status >= 400:
		e.Kind = InvalidInput
	default:
		e.Kind = Internal
	}
	return e
}

// Classify maps an arbitrary error into the taxonomy. Already-classified
// errors pass through; context deadlines and net timeouts become Transient
// with the Timeout flag set.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: Transient, Message: "deadline exceeded", Timeout: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Transient, Message: "canceled", Timeout: true, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &Error{Kind: Transient, Message: "network error", Timeout: ne.Timeout(), Err: err}
	}
	return &Error{Kind: Transient, Message: err.Error(), Err: err}
}

// KindOf returns the classified kind, Transient for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// Retryable reports whether a retry policy may attempt the call again.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// BreakerWeight returns the failure weight an error contributes to a
// circuit breaker window: rate-limit responses count half, invalid input
// and internal bugs not at all.
func BreakerWeight(err error) float64 {
	fe := Classify(err)
	if fe == nil {
		return 0
	}
	switch fe.Kind {
	case Transient:
		if fe.StatusCode == 429 {
			return 0.5
		}
		return 1.0
	case Unavailable:
		return 1.0
	default:
		return 0
	}
}

// WireCode maps an error to the caller-facing code set.
func WireCode(err error) string {
	fe := Classify(err)
	if fe == nil {
		return ""
	}
	switch fe.Kind {
	case InvalidInput:
		return "bad_request"
	case Internal:
		return "internal"
	default:
		if fe.Timeout {
			return "timeout"
		}
		return "unavailable"
	}
}
