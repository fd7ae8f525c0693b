package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/metrics"
)

// Mirror is an optional durable copy of the in-memory index, letting a
// restarted process serve exact hits it already paid for. Load reports false
// for misses and errors alike; Store and Delete are best effort.
type Mirror interface {
	Load(ctx context.Context, key string) (*MirrorEntry, bool)
	Store(ctx context.Context, key string, e *MirrorEntry)
	Delete(ctx context.Context, key string)
}

// MirrorEntry is the wire form of a cached answer. Timestamps are unix
// nanoseconds; the value is carried opaquely.
type MirrorEntry struct {
	Value       []byte    `json:"value"`
	TokensValue int64     `json:"tokens_value"`
	Tenant      string    `json:"tenant"`
	Mode        string    `json:"mode"`
	HitCount    int64     `json:"hit_count"`
	CreatedAt   int64     `json:"created_at"`
	ExpiresAt   int64     `json:"expires_at"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

const mirrorKeyPrefix = "ans:"

// RedisMirror stores entries in Redis behind the shared mirror breaker, so a
// flapping Redis degrades the cache to memory-only instead of failing
// lookups.
type RedisMirror struct {
	cli *circuitbreaker.RedisWrapper
}

// NewRedisMirror wraps an already-pinged Redis wrapper.
func NewRedisMirror(cli *circuitbreaker.RedisWrapper) *RedisMirror {
	return &RedisMirror{cli: cli}
}

func (r *RedisMirror) Load(ctx context.Context, key string) (*MirrorEntry, bool) {
	b, err := r.cli.Get(ctx, mirrorKeyPrefix+key).Bytes()
	if err != nil {
		metrics.CacheMirrorOps.WithLabelValues("answer_get", "miss").Inc()
		return nil, false
	}
	var e MirrorEntry
	if err := json.Unmarshal(b, &e); err != nil {
		metrics.CacheMirrorOps.WithLabelValues("answer_get", "corrupt").Inc()
		return nil, false
	}
	metrics.CacheMirrorOps.WithLabelValues("answer_get", "hit").Inc()
	return &e, true
}

func (r *RedisMirror) Store(ctx context.Context, key string, e *MirrorEntry) {
	// Redis expires the key on its own; anything shorter-lived than a
	// second is not worth mirroring.
	ttl := time.Until(time.Unix(0, e.ExpiresAt))
	if ttl < time.Second {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		metrics.CacheMirrorOps.WithLabelValues("answer_set", "error").Inc()
		return
	}
	status := "ok"
	if err := r.cli.Set(ctx, mirrorKeyPrefix+key, b, ttl).Err(); err != nil {
		status = "error"
	}
	metrics.CacheMirrorOps.WithLabelValues("answer_set", status).Inc()
}

func (r *RedisMirror) Delete(ctx context.Context, key string) {
	status := "ok"
	if err := r.cli.Del(ctx, mirrorKeyPrefix+key).Err(); err != nil {
		status = "error"
	}
	metrics.CacheMirrorOps.WithLabelValues("answer_del", status).Inc()
}
