package ratecontrol

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/novadesk-io/answerline/internal/fault"
)

// tenantTableSize bounds how many per-tenant buckets we keep. Tenants beyond
// that evict least-recently-seen ones, which simply resets their bucket.
const tenantTableSize = 4096

// TenantLimiter hands out one token bucket per tenant tag. A zero or negative
// rate disables limiting entirely.
type TenantLimiter struct {
	rpm   int
	burst int
	table *lru.Cache[string, *rate.Limiter]
	log   *zap.Logger
}

func NewTenantLimiter(requestsPerMinute, burst int, logger *zap.Logger) *TenantLimiter {
	if requestsPerMinute <= 0 {
		return &TenantLimiter{rpm: 0, log: logger}
	}
	if burst <= 0 {
		burst = 1
	}
	table, _ := lru.New[string, *rate.Limiter](tenantTableSize)
	return &TenantLimiter{
		rpm:   requestsPerMinute,
		burst: burst,
		table: table,
		log:   logger,
	}
}

// Admit reports whether a request from the tenant may proceed now. When the
// bucket is empty it returns false plus the delay after which a retry could
// succeed.
func (t *TenantLimiter) Admit(tenant string) (bool, time.Duration) {
	if t == nil || t.rpm <= 0 {
		return true, 0
	}
	r := t.limiterFor(tenant).Reserve()
	if !r.OK() {
		return false, time.Minute
	}
	delay := r.Delay()
	if delay == 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

func (t *TenantLimiter) limiterFor(tenant string) *rate.Limiter {
	if tenant == "" {
		tenant = "default"
	}
	if lim, ok := t.table.Get(tenant); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(t.rpm)/60.0), t.burst)
	if evicted := t.table.Add(tenant, lim); evicted && t.log != nil {
		t.log.Debug("Tenant limiter table evicted an entry",
			zap.String("tenant", tenant),
			zap.Int("table_size", tenantTableSize))
	}
	return lim
}

// RPMLimiter paces calls to the LLM provider. rpm <= 0 means unlimited.
type RPMLimiter struct {
	limiter *rate.Limiter
}

func NewRPMLimiter(rpm int) *RPMLimiter {
	if rpm <= 0 {
		return &RPMLimiter{}
	}
	burst := rpm / 60
	if burst < 1 {
		burst = 1
	}
	return &RPMLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

// Wait blocks until the limiter admits a call or the context deadline makes
// that impossible, in which case it fails fast with the delay as a retry hint
// rather than burning the caller's budget on a sleep.
func (l *RPMLimiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return fault.New(fault.Unavailable, "llm rate limiter rejected reservation")
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
		r.Cancel()
		return &fault.Error{
			Kind:       fault.Unavailable,
			Message:    "llm rpm budget exhausted for this deadline",
			RetryAfter: delay,
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return fault.Classify(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Allow is the non-blocking variant.
func (l *RPMLimiter) Allow() bool {
	if l == nil || l.limiter == nil {
		return true
	}
	return l.limiter.Allow()
}
