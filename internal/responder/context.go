package responder

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/novadesk-io/answerline/internal/queryengine"
	"github.com/novadesk-io/answerline/internal/sources"
)

// MinSnippetChars is the smallest trimmed snippet tail worth keeping; a hit
// whose snippet would shrink below this is dropped instead.
const MinSnippetChars = 30

// assembleContext fits ranked hits into the character budget and renders the
// numbered context block. Selection walks a source-diverse order (best hit of
// each source first, rest by rank) and stops at the first hit that does not
// fit, trimming that last snippet when enough room remains. Rendering is
// always in rank order so citation numbers follow relevance. Returns the
// block and the rendered hits in citation order.
func assembleContext(hits []queryengine.Hit, budgetChars int) (string, []queryengine.Hit) {
	if len(hits) == 0 || budgetChars <= 0 {
		return "", nil
	}

	type picked struct {
		idx     int
		snippet string
	}
	var sel []picked
	remaining := budgetChars
	for _, idx := range diversityOrder(hits) {
		h := hits[idx]
		need := renderedLen(h, len(h.Snippet))
		if need <= remaining {
			sel = append(sel, picked{idx, h.Snippet})
			remaining -= need
			continue
		}
		if room := remaining - renderedLen(h, 0); room >= MinSnippetChars {
			sel = append(sel, picked{idx, trimSnippet(h.Snippet, room)})
		}
		break
	}
	if len(sel) == 0 {
		return "", nil
	}

	sort.Slice(sel, func(i, j int) bool { return sel[i].idx < sel[j].idx })

	var b strings.Builder
	rendered := make([]queryengine.Hit, 0, len(sel))
	for n, p := range sel {
		h := hits[p.idx]
		h.Snippet = p.snippet
		if n > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(renderHit(n+1, h))
		rendered = append(rendered, h)
	}
	return b.String(), rendered
}

// diversityOrder yields hit indices with the best hit of each distinct source
// first, then the remaining hits, both in rank order.
func diversityOrder(hits []queryengine.Hit) []int {
	order := make([]int, 0, len(hits))
	first := make(map[string]struct{}, len(hits))
	for i, h := range hits {
		if _, ok := first[h.Source]; ok {
			continue
		}
		first[h.Source] = struct{}{}
		order = append(order, i)
	}
	if len(order) == len(hits) {
		return order
	}
	taken := make(map[int]struct{}, len(order))
	for _, i := range order {
		taken[i] = struct{}{}
	}
	for i := range hits {
		if _, ok := taken[i]; !ok {
			order = append(order, i)
		}
	}
	return order
}

func renderHit(n int, h queryengine.Hit) string {
	if h.URL != "" {
		return fmt.Sprintf("[%d] %s — %s — %s\n%s", n, h.Title, h.Source, h.URL, h.Snippet)
	}
	return fmt.Sprintf("[%d] %s — %s\n%s", n, h.Title, h.Source, h.Snippet)
}

// renderedLen measures a hit as rendered with the block separator. The real
// citation index can add a byte over this estimate, which the heuristic
// budget absorbs.
func renderedLen(h queryengine.Hit, snippetLen int) int {
	n := len(renderHit(1, h)) - len(h.Snippet) + snippetLen
	return n + 2
}

// trimSnippet cuts at a rune boundary at or below max bytes.
func trimSnippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return strings.TrimRight(s[:max], " \t\n")
}

// buildCitations describes the rendered hits in citation order.
func buildCitations(rendered []queryengine.Hit) []Citation {
	if len(rendered) == 0 {
		return nil
	}
	out := make([]Citation, len(rendered))
	for i, h := range rendered {
		c := Citation{
			Index:  i + 1,
			Source: h.Source,
			Title:  h.Title,
			URL:    h.URL,
			Score:  h.FinalScore,
		}
		if ts, ok := sources.Freshness(h.Payload); ok {
			c.Date = ts.Format("2006-01-02")
		}
		out[i] = c
	}
	return out
}

// distinctSources counts the sources represented in the rendered context.
func distinctSources(rendered []queryengine.Hit) int {
	seen := make(map[string]struct{}, len(rendered))
	for _, h := range rendered {
		seen[h.Source] = struct{}{}
	}
	return len(seen)
}
