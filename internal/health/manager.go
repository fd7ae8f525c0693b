package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is how often the background loop re-probes components.
const DefaultInterval = 30 * time.Second

// Manager owns the registered checkers. Probes run concurrently, each under
// its own timeout, so a stuck adapter cannot stall the readiness endpoint
// behind it.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration

	mu       sync.RWMutex
	checkers []Checker
	last     map[string]CheckResult
}

// NewManager creates a manager with the default probe interval.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		interval: DefaultInterval,
		last:     make(map[string]CheckResult),
	}
}

// RegisterChecker adds a checker. Registration happens once at build time;
// duplicate names overwrite in report maps, so keep them unique.
func (m *Manager) RegisterChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
	m.logger.Info("Health checker registered",
		zap.String("checker", c.Name()),
		zap.Bool("critical", c.Critical()),
		zap.Duration("timeout", c.Timeout()))
}

// Check probes every component now and aggregates the result.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			res := m.runOne(ctx, c)
			resMu.Lock()
			components[c.Name()] = res
			resMu.Unlock()
		}(c)
	}
	wg.Wait()

	m.mu.Lock()
	for name, res := range components {
		m.last[name] = res
	}
	m.mu.Unlock()

	return aggregate(components)
}

// Ready reports whether every critical component is serving.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx).Ready
}

// LastResults returns the most recent probe outcomes without re-probing.
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.last))
	for name, res := range m.last {
		out[name] = res
	}
	return out
}

// Start runs periodic background probes until ctx is canceled. Transitions
// in overall status are logged so degradation shows up without anyone
// polling the endpoints.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		prev := StatusHealthy
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report := m.Check(ctx)
				if report.Status != prev {
					m.logger.Warn("Service health changed",
						zap.String("from", prev.String()),
						zap.String("to", report.Status.String()),
						zap.String("detail", report.Message))
					prev = report.Status
				}
			}
		}
	}()
	m.logger.Info("Health manager started",
		zap.Duration("interval", m.interval),
		zap.Int("checkers", len(m.checkers)))
}

func (m *Manager) runOne(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	res := c.Check(checkCtx)
	res.Component = c.Name()
	res.Critical = c.Critical()
	res.Duration = time.Since(start)
	res.Timestamp = start
	return res
}

// aggregate folds component results into the service verdict: a failing
// critical component blocks readiness; anything else short of healthy only
// degrades.
func aggregate(components map[string]CheckResult) Report {
	report := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Components: components,
		Timestamp:  time.Now(),
	}

	criticalDown, degraded := 0, 0
	for _, res := range components {
		switch res.Status {
		case StatusUnhealthy:
			if res.Critical {
				criticalDown++
			} else {
				degraded++
			}
		case StatusDegraded:
			degraded++
		}
	}

	switch {
	case criticalDown > 0:
		report.Status = StatusUnhealthy
		report.Ready = false
		report.Message = fmt.Sprintf("%d critical component(s) failing", criticalDown)
	case degraded > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d component(s) degraded", degraded)
	default:
		report.Message = fmt.Sprintf("all %d components healthy", len(components))
	}
	report.Degraded = report.Status == StatusDegraded
	return report
}
