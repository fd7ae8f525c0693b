package queryengine

import (
	"sort"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/embeddings"
	"github.com/novadesk-io/answerline/internal/sources"
	"github.com/novadesk-io/answerline/internal/vectordb"
)

// rank turns the raw per-source results into the merged ranked list:
// validate and extract display fields, fold in source weights, drop
// near-duplicates keeping the best-scored representative, truncate.
func (e *Engine) rank(selected []sources.Source, raw [][]vectordb.Hit) []Hit {
	flat := e.assemble(selected, raw)
	// Stable sort keeps the deterministic (source, hit) arrival order for
	// equal scores, so reruns rank ties identically.
	sort.SliceStable(flat, func(i, j int) bool { return flat[i].FinalScore > flat[j].FinalScore })
	kept := dedup(flat, e.cfg.DedupCosine)
	if len(kept) > e.cfg.TopKGlobal {
		kept = kept[:e.cfg.TopKGlobal]
	}
	return kept
}

// assemble validates raw hits and extracts their display fields. Hits with
// no usable title or snippet are dropped here so ranking and the context
// builder only ever see renderable material.
func (e *Engine) assemble(selected []sources.Source, raw [][]vectordb.Hit) []Hit {
	var flat []Hit
	dropped := 0
	for i, src := range selected {
		for _, rh := range raw[i] {
			title := sources.Title(rh.Payload)
			snippet := sources.Snippet(rh.Payload)
			if title == "" || snippet == "" {
				dropped++
				continue
			}
			flat = append(flat, Hit{
				Source:     src.ID,
				DocID:      rh.ID,
				Score:      rh.Score,
				FinalScore: rh.Score * src.Weight,
				Title:      title,
				URL:        sources.URL(rh.Payload),
				Snippet:    snippet,
				Payload:    rh.Payload,
				Vector:     rh.Vector,
			})
		}
	}
	if dropped > 0 {
		e.logger.Debug("Dropped hits missing title or snippet", zap.Int("count", dropped))
	}
	return flat
}

// dedup walks the score-ordered list and keeps the first, hence
// highest-scored, representative of each duplicate group.
func dedup(hits []Hit, cosineFloor float64) []Hit {
	kept := make([]Hit, 0, len(hits))
	for _, h := range hits {
		dup := false
		for _, k := range kept {
			if duplicate(h, k, cosineFloor) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		h.DedupGroup = len(kept)
		kept = append(kept, h)
	}
	return kept
}

// duplicate reports whether two hits describe the same document: same id in
// the same source, same page after URL normalization, or near-identical
// snippet vectors when the store returned them.
func duplicate(a, b Hit, cosineFloor float64) bool {
	if a.Source == b.Source && a.DocID != "" && a.DocID == b.DocID {
		return true
	}
	if a.URL != "" && b.URL != "" && sources.NormalizeURL(a.URL) == sources.NormalizeURL(b.URL) {
		return true
	}
	if len(a.Vector) > 0 && len(b.Vector) > 0 {
		return embeddings.Cosine(a.Vector, b.Vector) >= cosineFloor
	}
	return false
}
