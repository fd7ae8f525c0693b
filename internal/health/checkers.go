package health

import (
	"context"
	"time"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
)

// Pinger is the probe surface shared by the vector store client and the
// embedding service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VectorStoreChecker probes the vector store. Retrieval cannot run without
// it, so it is critical.
type VectorStoreChecker struct {
	target Pinger
}

func NewVectorStoreChecker(target Pinger) *VectorStoreChecker {
	return &VectorStoreChecker{target: target}
}

func (c *VectorStoreChecker) Name() string           { return "vector_store" }
func (c *VectorStoreChecker) Critical() bool         { return true }
func (c *VectorStoreChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *VectorStoreChecker) Check(ctx context.Context) CheckResult {
	if err := c.target.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// EmbeddingChecker probes the embedding provider. Without it neither the
// semantic cache nor retrieval works, so it is critical too.
type EmbeddingChecker struct {
	target Pinger
}

func NewEmbeddingChecker(target Pinger) *EmbeddingChecker {
	return &EmbeddingChecker{target: target}
}

func (c *EmbeddingChecker) Name() string           { return "embeddings" }
func (c *EmbeddingChecker) Critical() bool         { return true }
func (c *EmbeddingChecker) Timeout() time.Duration { return 10 * time.Second }

func (c *EmbeddingChecker) Check(ctx context.Context) CheckResult {
	if err := c.target.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// LLMChecker reads the completion provider's breaker instead of spending a
// billable request on a probe. An open breaker is not critical: cached
// answers keep serving, so the gateway degrades rather than goes unready.
type LLMChecker struct {
	provider string
	breaker  *circuitbreaker.CircuitBreaker
}

func NewLLMChecker(provider string, breaker *circuitbreaker.CircuitBreaker) *LLMChecker {
	return &LLMChecker{provider: provider, breaker: breaker}
}

func (c *LLMChecker) Name() string           { return "llm" }
func (c *LLMChecker) Critical() bool         { return false }
func (c *LLMChecker) Timeout() time.Duration { return time.Second }

func (c *LLMChecker) Check(ctx context.Context) CheckResult {
	switch c.breaker.State() {
	case circuitbreaker.StateOpen:
		return CheckResult{Status: StatusUnhealthy,
			Message: c.provider + " breaker open; completions short-circuited"}
	case circuitbreaker.StateHalfOpen:
		return CheckResult{Status: StatusDegraded,
			Message: c.provider + " breaker half-open; probing recovery"}
	default:
		return CheckResult{Status: StatusHealthy, Message: c.provider + " breaker closed"}
	}
}

// RedisChecker probes the optional cache mirror. The mirror is best-effort,
// so its loss only degrades.
type RedisChecker struct {
	client *circuitbreaker.RedisWrapper
}

func NewRedisChecker(client *circuitbreaker.RedisWrapper) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string           { return "redis_mirror" }
func (c *RedisChecker) Critical() bool         { return false }
func (c *RedisChecker) Timeout() time.Duration { return 2 * time.Second }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}
