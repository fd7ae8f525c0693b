// Package sources maintains the closed set of knowledge sources the gateway
// searches. Each source maps 1:1 to a vector-store collection and carries a
// ranking weight, an enabled flag, and an optional static payload filter.
// A sources.yaml file may overlay the config-declared set and add client
// keyword rules; the file is hot-reloadable.
package sources

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/novadesk-io/answerline/internal/fault"
)

// Source is one searchable knowledge source.
type Source struct {
	ID         string
	Collection string
	Weight     float64
	Enabled    bool
	Filter     map[string]interface{}
}

// ClientRule routes questions mentioning a known client to the sources that
// hold that client's documents.
type ClientRule struct {
	Name     string
	Keywords []string
	Sources  []string
}

// fileSchema is the sources.yaml layout.
type fileSchema struct {
	Sources map[string]struct {
		Enabled *bool                  `yaml:"enabled"`
		Weight  *float64               `yaml:"weight"`
		Filter  map[string]interface{} `yaml:"filter"`
	} `yaml:"sources"`
	Clients map[string]struct {
		Keywords []string `yaml:"keywords"`
		Sources  []string `yaml:"sources"`
	} `yaml:"clients"`
}

// Registry holds the source set. Declared sources come from the main config
// (collections + weights); LoadFile overlays enabled flags, weight overrides,
// filters and client rules. Reload swaps state under the write lock so
// readers always observe a consistent set.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]Source
	clients []ClientRule
	logger  *zap.Logger
}

// NewRegistry seeds the registry from the configured collection map. Every
// declared source starts enabled with weight 1.0 unless the weight map says
// otherwise.
func NewRegistry(collections map[string]string, weights map[string]float64, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[string]Source, len(collections))
	for id, coll := range collections {
		w := 1.0
		if override, ok := weights[id]; ok {
			w = override
		}
		byID[id] = Source{
			ID:         id,
			Collection: coll,
			Weight:     w,
			Enabled:    true,
		}
	}
	return &Registry{byID: byID, logger: logger}
}

// LoadFile applies a sources.yaml overlay. Sources named in the file must
// already be declared in the config; the set is closed at startup. Safe to
// call again on file change.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sources file %s: %w", path, err)
	}
	var f fileSchema
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse sources file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, o := range f.Sources {
		src, ok := r.byID[id]
		if !ok {
			return fmt.Errorf("sources file %s names undeclared source %q", path, id)
		}
		if o.Enabled != nil {
			src.Enabled = *o.Enabled
		}
		if o.Weight != nil {
			src.Weight = *o.Weight
		}
		if o.Filter != nil {
			src.Filter = o.Filter
		}
		r.byID[id] = src
	}

	clients := make([]ClientRule, 0, len(f.Clients))
	for name, c := range f.Clients {
		for _, sid := range c.Sources {
			if _, ok := r.byID[sid]; !ok {
				return fmt.Errorf("client %q references undeclared source %q", name, sid)
			}
		}
		clients = append(clients, ClientRule{
			Name:     name,
			Keywords: lowerAll(c.Keywords),
			Sources:  c.Sources,
		})
	}
	// Deterministic match order when several client rules could fire.
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name < clients[j].Name })
	r.clients = clients

	r.logger.Info("Loaded sources file",
		zap.String("path", path),
		zap.Int("sources", len(r.byID)),
		zap.Int("clients", len(clients)))
	return nil
}

// Get returns the source by ID.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Enabled returns the enabled sources sorted by ID.
func (r *Registry) Enabled() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.byID))
	for _, s := range r.byID {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns every declared source, enabled or not, sorted by ID.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks the sources to search for one question, in order of
// precedence: explicit hints, client keyword match, default (all enabled).
// Hinting an undeclared source is an input error; hints naming only disabled
// sources fall through to the next rule. The reason string reports which rule
// fired ("hint", "client:<name>", "default") for logs and traces.
func (r *Registry) Select(text string, hint []string) ([]Source, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(hint) > 0 {
		selected := make([]Source, 0, len(hint))
		for _, id := range hint {
			s, ok := r.byID[id]
			if !ok {
				return nil, "", fault.Newf(fault.InvalidInput, "unknown source %q", id)
			}
			if s.Enabled {
				selected = append(selected, s)
			}
		}
		if len(selected) > 0 {
			sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
			return selected, "hint", nil
		}
	}

	if rule, ok := r.matchClientLocked(text); ok {
		selected := make([]Source, 0, len(rule.Sources))
		for _, id := range rule.Sources {
			if s, ok := r.byID[id]; ok && s.Enabled {
				selected = append(selected, s)
			}
		}
		if len(selected) > 0 {
			sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })
			return selected, "client:" + rule.Name, nil
		}
	}

	all := make([]Source, 0, len(r.byID))
	for _, s := range r.byID {
		if s.Enabled {
			all = append(all, s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, "default", nil
}

// MatchClient reports the client rule whose keyword appears in the text.
func (r *Registry) MatchClient(text string) (ClientRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchClientLocked(text)
}

func (r *Registry) matchClientLocked(text string) (ClientRule, bool) {
	if len(r.clients) == 0 {
		return ClientRule{}, false
	}
	lowered := strings.ToLower(text)
	for _, rule := range r.clients {
		for _, kw := range rule.Keywords {
			if kw != "" && containsWord(lowered, kw) {
				return rule, true
			}
		}
	}
	return ClientRule{}, false
}

// containsWord matches kw in text on token boundaries so "sap" does not fire
// inside "mysappoint". Both inputs must already be lowercase.
func containsWord(text, kw string) bool {
	for start := 0; ; {
		idx := strings.Index(text[start:], kw)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(kw)
		beforeOK := idx == 0 || !isWordByte(text[idx-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		start = idx + 1
		if start >= len(text) {
			return false
		}
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
