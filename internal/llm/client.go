package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/metrics"
	"github.com/novadesk-io/answerline/internal/ratecontrol"
)

// maxRetries bounds retries per completion on top of the first attempt.
const maxRetries = 2

type provider interface {
	complete(ctx context.Context, req Request) (*Result, error)
	name() string
}

// Client generates completions with per-attempt timeouts, bounded retries and
// a circuit breaker shared across attempts. One instance serves the whole
// gateway.
type Client struct {
	provider provider
	cfg      Config
	http     *circuitbreaker.HTTPWrapper
	limiter  *ratecontrol.RPMLimiter
	logger   *zap.Logger
}

func New(cfg Config, limiter *ratecontrol.RPMLimiter, logger *zap.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fault.New(fault.InvalidInput, "llm.model must be configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 32,
		},
	}
	wrapper := circuitbreaker.NewHTTPWrapper(httpClient, "llm", cfg.Provider, cfg.Breaker.ToConfig(), logger)

	var p provider
	switch cfg.Provider {
	case "openai", "":
		p = newOpenAI(cfg, wrapper)
	case "anthropic":
		p = newAnthropic(cfg, wrapper)
	default:
		return nil, fault.Newf(fault.InvalidInput, "unknown llm provider %q", cfg.Provider)
	}

	return &Client{provider: p, cfg: cfg, http: wrapper, limiter: limiter, logger: logger}, nil
}

// Complete runs one completion. Transient failures (network, 5xx, 429) are
// retried with jittered exponential backoff; anything else stops immediately.
// Exhausted retries surface as unavailable so callers do not retry again at
// their own level.
func (c *Client) Complete(ctx context.Context, req Request) (*Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5
	policy.MaxElapsedTime = 0

	var result *Result
	attempt := 0
	operation := func() error {
		if attempt > 0 {
			metrics.LLMRetries.WithLabelValues(c.provider.name()).Inc()
		}
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		start := time.Now()
		res, err := c.provider.complete(attemptCtx, req)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			metrics.RecordLLMCall(c.provider.name(), "error", elapsed)
			if !fault.Retryable(err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("LLM attempt failed",
				zap.String("provider", c.provider.name()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		metrics.RecordLLMCall(c.provider.name(), "ok", elapsed)
		result = res
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		if fault.KindOf(err) == fault.Transient {
			return nil, fault.Wrap(fault.Unavailable, err,
				fmt.Sprintf("llm completion failed after %d attempts", attempt))
		}
		return nil, err
	}
	return result, nil
}

// Provider returns the configured provider name for labels and logs.
func (c *Client) Provider() string { return c.provider.name() }

// Breaker exposes the LLM breaker for readiness reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.http.Breaker() }

// responseError turns a non-200 provider response into a classified fault,
// carrying the Retry-After hint when the provider sent one.
func responseError(resp *http.Response) *fault.Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fe := fault.FromHTTPStatus(resp.StatusCode,
		fmt.Sprintf("llm provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			fe.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return fe
}
