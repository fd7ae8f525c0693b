package health

import (
	"context"
	"time"
)

// Status grades one component or the service as a whole.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// MarshalJSON renders the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// CheckResult is one component's probe outcome.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	Critical  bool          `json:"critical"`
	Timestamp time.Time     `json:"timestamp"`
}

// Checker probes one adapter. Critical checkers gate readiness: while any of
// them fails the gateway keeps running (cache hits still serve) but reports
// not-ready so load balancers stop sending fresh traffic.
type Checker interface {
	Name() string
	Critical() bool
	Timeout() time.Duration
	Check(ctx context.Context) CheckResult
}

// Report is the aggregated service view returned by Manager.Check.
type Report struct {
	Status     Status                 `json:"status"`
	Message    string                 `json:"message"`
	Ready      bool                   `json:"ready"`
	Degraded   bool                   `json:"degraded"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}
