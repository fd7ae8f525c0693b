package queryengine

import (
	"encoding/json"
	"time"
)

// Source outcome statuses reported per fan-out task.
const (
	StatusOK      = "ok"      // search returned (possibly zero hits)
	StatusSkipped = "skipped" // breaker open, task never left the process
	StatusTimeout = "timeout" // per-source or total deadline hit
	StatusError   = "error"   // search failed for any other reason
)

// Config bounds one engine instance.
type Config struct {
	TopKPerSource    int           // hits requested from each source
	TopKGlobal       int           // merged list cap after dedup
	PerSourceTimeout time.Duration // deadline for a single source search
	TotalTimeout     time.Duration // deadline for the whole fan-out
	MaxConcurrent    int           // searches in flight at once, FIFO beyond
	DedupCosine      float64       // snippet-vector similarity treated as duplicate
}

// Request is one retrieval job. Vector is the embedding of the normalized
// question text and must be set by the caller; the engine never embeds.
type Request struct {
	Text   string
	Tenant string
	Mode   string
	Hint   []string
	Vector []float32
}

// Hit is a validated, scored snippet from one source. FinalScore folds the
// source weight into the raw similarity; DedupGroup ties near-duplicates
// together after ranking.
type Hit struct {
	Source     string
	DocID      string
	Score      float64
	FinalScore float64
	Title      string
	URL        string
	Snippet    string
	Payload    json.RawMessage
	Vector     []float32
	DedupGroup int
}

// SourceOutcome records how one selected source fared.
type SourceOutcome struct {
	Source  string
	Status  string
	Hits    int
	Elapsed time.Duration
	Err     error
}

// ResultSet is the merged, ranked retrieval result. Partial is true whenever
// any selected source did not complete cleanly; AllFailed means nothing was
// retrieved and the caller should fall back to the no-context path.
type ResultSet struct {
	Hits      []Hit
	Outcomes  []SourceOutcome
	Selection string // which selection rule fired: hint, client:<name>, default
	Partial   bool
	AllFailed bool
}

// Failed reports outcomes that did not end in StatusOK.
func (rs *ResultSet) Failed() []SourceOutcome {
	var out []SourceOutcome
	for _, o := range rs.Outcomes {
		if o.Status != StatusOK {
			out = append(out, o)
		}
	}
	return out
}
