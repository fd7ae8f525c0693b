package embeddings

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/metrics"
)

// Mirror is an optional shared cache behind the process-local LRU.
type Mirror interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// RedisMirror stores vectors in Redis behind the shared mirror breaker, so a
// flapping Redis degrades to provider calls instead of failing requests.
type RedisMirror struct {
	cli *circuitbreaker.RedisWrapper
}

// NewRedisMirror wraps an already-pinged Redis wrapper.
func NewRedisMirror(cli *circuitbreaker.RedisWrapper) *RedisMirror {
	return &RedisMirror{cli: cli}
}

func (r *RedisMirror) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		metrics.CacheMirrorOps.WithLabelValues("embedding_get", "miss").Inc()
		return nil, false
	}
	// decode bytes as float32 slice (little-endian 4-byte chunks)
	if len(b)%4 != 0 {
		metrics.CacheMirrorOps.WithLabelValues("embedding_get", "corrupt").Inc()
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := 0; i < len(out); i++ {
		u := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(u)
	}
	metrics.CacheMirrorOps.WithLabelValues("embedding_get", "hit").Inc()
	return out, true
}

func (r *RedisMirror) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	// encode float32 slice into bytes
	b := make([]byte, len(v)*4)
	for i, f := range v {
		u := math.Float32bits(f)
		binary.LittleEndian.PutUint32(b[i*4:], u)
	}
	status := "ok"
	if err := r.cli.Set(ctx, key, b, ttl).Err(); err != nil {
		status = "error"
	}
	metrics.CacheMirrorOps.WithLabelValues("embedding_set", status).Inc()
}

// MakeKey derives the cache key for a model/text pair.
func MakeKey(model, text string) string {
	h := md5.Sum([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}
