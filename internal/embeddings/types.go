package embeddings

import (
	"time"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
)

// Config controls the embedding service behavior
type Config struct {
	// Dim is the required vector dimension; provider responses of any other
	// width are rejected.
	Dim int
	// ProviderURL is the OpenAI-compatible API base (e.g. https://api.openai.com/v1)
	ProviderURL string
	// APIKey authenticates against the provider
	APIKey string
	// Model is the embedding model (e.g. text-embedding-3-small)
	Model string
	// Timeout for outbound HTTP calls
	Timeout time.Duration
	// CacheSize controls the in-process text->vector LRU
	CacheSize int
	// MirrorTTL sets the TTL for mirrored entries when a Redis mirror is wired
	MirrorTTL time.Duration
	// Breaker tunes the provider circuit breaker
	Breaker circuitbreaker.Settings
}
