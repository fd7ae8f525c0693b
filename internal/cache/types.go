package cache

import (
	"time"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxEntries    = 10000
	DefaultMaxBytes      = 256 << 20
	DefaultTTLBase       = time.Hour
	DefaultSweepInterval = 5 * time.Minute

	DefaultBaseThreshold = 0.88
	DefaultMinThreshold  = 0.78
	DefaultMaxThreshold  = 0.95
	DefaultRecentWindow  = 128
)

// thresholdBoost lowers the acceptance threshold by this much per doubling of
// an entry's hit count. Frequently confirmed answers earn looser matching.
const thresholdBoost = 0.01

// ttlBoostPerHit extends an entry's lifetime by 10% of the base TTL per hit,
// capped at ttlBoostCap hits.
const (
	ttlBoostPerHit = 0.1
	ttlBoostCap    = 20
)

// Eviction utility weights. Higher utility survives longer.
const (
	utilityHitWeight   = 1.0
	utilityTokenWeight = 0.001
	utilityAgeWeight   = 0.0005
)

// Config sizes the cache and tunes semantic matching.
type Config struct {
	MaxEntries    int
	MaxBytes      int64
	TTLBase       time.Duration
	SweepInterval time.Duration
	Semantic      SemanticConfig
}

// SemanticConfig controls similarity matching. Thresholds are cosine
// similarities in [0,1]; RecentWindow is how many recently touched entries
// the fast pre-scan covers before falling back to a full scan.
type SemanticConfig struct {
	Enabled       bool
	BaseThreshold float64
	MinThreshold  float64
	MaxThreshold  float64
	RecentWindow  int
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.TTLBase <= 0 {
		c.TTLBase = DefaultTTLBase
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Semantic.BaseThreshold <= 0 {
		c.Semantic.BaseThreshold = DefaultBaseThreshold
	}
	if c.Semantic.MinThreshold <= 0 {
		c.Semantic.MinThreshold = DefaultMinThreshold
	}
	if c.Semantic.MaxThreshold <= 0 {
		c.Semantic.MaxThreshold = DefaultMaxThreshold
	}
	if c.Semantic.RecentWindow <= 0 {
		c.Semantic.RecentWindow = DefaultRecentWindow
	}
	return c
}

// Query identifies a cacheable question. Mode and Tenant take part in the
// fingerprint; AllowSemantic gates similarity matching for both lookups and
// writes (a tenant can opt out of approximate answers per request).
type Query struct {
	Text          string
	Mode          string
	Tenant        string
	AllowSemantic bool
}

// Fingerprint returns the exact-index key for this query.
func (q Query) Fingerprint() string {
	return Fingerprint(q.Text, q.Mode, q.Tenant)
}

// Kind classifies a lookup outcome.
type Kind int

const (
	Miss Kind = iota
	ExactHit
	SemanticHit
)

func (k Kind) String() string {
	switch k {
	case ExactHit:
		return "exact_hit"
	case SemanticHit:
		return "semantic_hit"
	default:
		return "miss"
	}
}

// Result is a lookup outcome. On a semantic hit Similarity holds the cosine
// score and SourceKey the fingerprint of the entry that served it. Embedding
// carries the query vector computed during the lookup, if any, so callers can
// reuse it for retrieval and for the eventual Put instead of embedding again.
type Result struct {
	Kind       Kind
	Value      []byte
	Similarity float64
	SourceKey  string
	Embedding  []float32
}

// Meta is the entry view handed to InvalidateMatching predicates.
type Meta struct {
	Key         string
	Tenant      string
	Mode        string
	HitCount    int64
	TokensValue int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Stats is a point-in-time snapshot of cache counters. Rates are derived:
// HitRate over all lookups, SemanticMatchRate over semantic scans only.
type Stats struct {
	ExactHits         int64   `json:"exact_hits"`
	SemanticHits      int64   `json:"semantic_hits"`
	Misses            int64   `json:"misses"`
	Evictions         int64   `json:"evictions"`
	Expired           int64   `json:"expired"`
	TokensSaved       int64   `json:"tokens_saved"`
	TokensSpent       int64   `json:"tokens_spent"`
	SemanticSearches  int64   `json:"semantic_searches"`
	SemanticMatches   int64   `json:"semantic_matches"`
	Entries           int     `json:"entries"`
	Bytes             int64   `json:"bytes"`
	HitRate           float64 `json:"hit_rate"`
	SemanticMatchRate float64 `json:"semantic_match_rate"`
}
