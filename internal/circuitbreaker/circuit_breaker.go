// Package circuitbreaker guards calls to external collaborators (vector
// store, LLM provider, Redis). Failures are weighted: transport errors,
// timeouts and 5xx count fully, rate-limit responses count half, invalid
// input never counts. A breaker opens on a run of weighted failures or on a
// high weighted failure rate across the recent call window, then re-probes
// with a single request after a cool-down that doubles while probes keep
// failing.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/fault"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is wrapped into every short-circuit error; errors.Is against it
	// tells callers the request never left the process.
	ErrOpen = fault.New(fault.Unavailable, "circuit breaker is open")
	// ErrProbeInFlight rejects requests beyond the single half-open probe.
	ErrProbeInFlight = fault.New(fault.Unavailable, "circuit breaker probe in flight")
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold float64       // weighted consecutive failures opening the breaker
	Window           int           // recent-call window for the failure-rate check
	FailureRate      float64       // weighted failure rate opening a full window
	CoolDown         time.Duration // open duration before the first probe
	CoolDownMax      time.Duration // cap while failed probes keep doubling it
	Interval         time.Duration // closed-state counter reset period
	WeightFor        func(error) float64
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns sensible defaults for circuit breaker
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           20,
		FailureRate:      0.5,
		CoolDown:         30 * time.Second,
		CoolDownMax:      5 * time.Minute,
		Interval:         60 * time.Second,
		WeightFor:        fault.BreakerWeight,
	}
}

// Counts holds the circuit breaker statistics
type Counts struct {
	Requests            uint32
	TotalSuccesses      uint32
	TotalFailures       uint32
	ConsecutiveFailures float64 // weighted; a success resets it
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex      sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	window     []float64 // ring of recent outcome weights
	windowAt   int
	windowLen  int
	coolDown   time.Duration // current open duration
	expiry     time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Window <= 0 {
		config.Window = 20
	}
	if config.FailureRate <= 0 {
		config.FailureRate = 0.5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	if config.CoolDownMax < config.CoolDown {
		config.CoolDownMax = config.CoolDown
	}
	if config.WeightFor == nil {
		config.WeightFor = fault.BreakerWeight
	}

	return &CircuitBreaker{
		name:     name,
		config:   config,
		logger:   logger,
		state:    StateClosed,
		window:   make([]float64, config.Window),
		coolDown: config.CoolDown,
		expiry:   time.Now().Add(config.Interval),
	}
}

// Execute runs fn if the breaker admits the request. The returned error is
// fn's own error, or a short-circuit fault when the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, 1.0)
			panic(r)
		}
	}()

	err = fn()
	cb.afterRequest(generation, cb.config.WeightFor(err))
	return err
}

// Allow reports whether a request may proceed right now, without recording
// an outcome. Callers that prefer skipping work over failing it use this.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(time.Now())
	return state != StateOpen
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.counts
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// beforeRequest checks if the request can proceed
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return generation, cb.openError(now)
	}
	if state == StateHalfOpen && cb.counts.Requests >= 1 {
		return generation, ErrProbeInFlight
	}

	cb.counts.Requests++
	return generation, nil
}

// afterRequest updates the circuit breaker state after request completion.
// A positive weight is a failure; zero is a success.
func (cb *CircuitBreaker) afterRequest(before uint64, weight float64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if weight <= 0 {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now, weight)
	}
}

// currentState returns the current state, updating if necessary
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveFailures = 0
		cb.recordOutcome(0)
	case StateHalfOpen:
		// Probe succeeded: close and forget the escalated cool-down.
		cb.counts.TotalSuccesses++
		cb.coolDown = cb.config.CoolDown
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time, weight float64) {
	switch state {
	case StateClosed:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures += weight
		cb.recordOutcome(weight)
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold || cb.windowTripped() {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		// Probe failed: reopen and back off harder.
		cb.counts.TotalFailures++
		cb.coolDown *= 2
		if cb.coolDown > cb.config.CoolDownMax {
			cb.coolDown = cb.config.CoolDownMax
		}
		cb.setState(StateOpen, now)
	}
}

// recordOutcome pushes an outcome weight into the ring.
func (cb *CircuitBreaker) recordOutcome(weight float64) {
	cb.window[cb.windowAt] = weight
	cb.windowAt = (cb.windowAt + 1) % len(cb.window)
	if cb.windowLen < len(cb.window) {
		cb.windowLen++
	}
}

// windowTripped reports whether the weighted failure rate over a full window
// reached the configured rate. A partially filled window never trips; the
// consecutive-failure threshold covers cold starts.
func (cb *CircuitBreaker) windowTripped() bool {
	if cb.windowLen < len(cb.window) {
		return false
	}
	var sum float64
	for _, w := range cb.window {
		sum += w
	}
	return sum/float64(cb.windowLen) >= cb.config.FailureRate
}

// openError carries the remaining cool-down as a retry hint.
func (cb *CircuitBreaker) openError(now time.Time) error {
	retryAfter := cb.expiry.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &fault.Error{
		Kind:       fault.Unavailable,
		Message:    cb.name + " is unavailable",
		RetryAfter: retryAfter,
		Err:        ErrOpen,
	}
}

// setState transitions to a new state
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.toNewGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
		zap.Duration("cool_down", cb.coolDown),
	)
}

// toNewGeneration resets counters and updates generation
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.windowAt = 0
	cb.windowLen = 0
	for i := range cb.window {
		cb.window[i] = 0
	}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.coolDown)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}
