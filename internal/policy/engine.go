package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// decisionQuery is the rule every policy bundle must define.
const decisionQuery = "data.answerline.sources.decision"

// Engine decides which sources a tenant may query.
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	Reload() error
	IsEnabled() bool
}

// Input is the evaluation context handed to the rego rules.
type Input struct {
	Tenant  string   `json:"tenant"`
	Mode    string   `json:"mode,omitempty"`
	Sources []string `json:"sources"`
}

// Decision is the policy verdict. An empty Sources list with Allow=true means
// no restriction; otherwise Sources is the tenant's allow-list and callers
// intersect their candidates with it.
type Decision struct {
	Allow   bool     `json:"allow"`
	Sources []string `json:"sources,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Restrict applies the decision to a candidate source list.
func (d *Decision) Restrict(candidates []string) []string {
	if d == nil || !d.Allow {
		return nil
	}
	if len(d.Sources) == 0 {
		return candidates
	}
	allowed := make(map[string]struct{}, len(d.Sources))
	for _, s := range d.Sources {
		allowed[s] = struct{}{}
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := allowed[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// OPAEngine implements Engine using compiled rego policies.
type OPAEngine struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	enabled  bool

	cache *expirable.LRU[string, *Decision]
}

// NewOPAEngine compiles the policies under config.Path. In fail-open mode a
// load failure degrades to allow-all; in fail-closed mode it is a startup
// error.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	engine := &OPAEngine{
		config:  config,
		logger:  logger,
		enabled: config.Enabled,
		cache:   expirable.NewLRU[string, *Decision](1000, nil, 5*time.Minute),
	}

	if engine.enabled {
		if err := engine.Reload(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, running fail-open", zap.Error(err))
			engine.enabled = false
		}
	}

	return engine, nil
}

// Reload re-reads and recompiles every .rego file under the policy path and
// drops cached decisions. Safe to call concurrently with Evaluate.
func (e *OPAEngine) Reload() error {
	if !e.config.Enabled {
		return nil
	}

	policies := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(e.config.Path, path)
			policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		}
		return nil
	})
	if err != nil {
		RecordLoad("error")
		return fmt.Errorf("walk policy directory: %w", err)
	}

	if len(policies) == 0 {
		RecordLoad("error")
		if e.config.FailClosed {
			return fmt.Errorf("no policies found under %s", e.config.Path)
		}
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		return nil
	}

	regoOptions := []func(*rego.Rego){rego.Query(decisionQuery)}
	for moduleName, content := range policies {
		regoOptions = append(regoOptions, rego.Module(moduleName, content))
	}
	compiled, err := rego.New(regoOptions...).PrepareForEval(context.Background())
	if err != nil {
		RecordLoad("error")
		return fmt.Errorf("compile policies: %w", err)
	}

	e.mu.Lock()
	e.compiled = &compiled
	e.mu.Unlock()
	e.cache.Purge()

	RecordLoad("ok")
	e.logger.Info("Policies loaded and compiled",
		zap.Int("policy_count", len(policies)),
		zap.String("decision_query", decisionQuery))
	return nil
}

// Evaluate returns the source decision for one request. Evaluation errors
// follow the fail mode: fail-open allows everything, fail-closed denies.
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	if !e.enabled || compiled == nil {
		return &Decision{Allow: true, Reason: "policy engine disabled"}, nil
	}

	key := cacheKey(input)
	if d, ok := e.cache.Get(key); ok {
		RecordCacheLookup("hit")
		return d, nil
	}
	RecordCacheLookup("miss")

	inputMap, err := toMap(input)
	if err != nil {
		e.logger.Error("Failed to convert policy input", zap.Error(err))
		return e.failMode("input conversion failed"), nil
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		return e.failMode("policy evaluation error"), nil
	}

	decision := parseResults(results)
	RecordEvaluation(decision.Allow, time.Since(start).Seconds())

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.String("tenant", input.Tenant),
		zap.Strings("sources", decision.Sources))

	e.cache.Add(key, decision)
	return decision, nil
}

// IsEnabled reports whether compiled policies are active.
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled && e.compiled != nil
}

func (e *OPAEngine) failMode(reason string) *Decision {
	if e.config.FailClosed {
		return &Decision{Allow: false, Reason: reason}
	}
	return &Decision{Allow: true, Reason: reason + " (fail-open)"}
}

func toMap(input *Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	value := results[0].Expressions[0].Value
	switch v := value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			decision.Reason = reason
		}
		if raw, ok := v["sources"].([]interface{}); ok {
			sources := make([]string, 0, len(raw))
			for _, item := range raw {
				if s, ok := item.(string); ok && s != "" {
					sources = append(sources, s)
				}
			}
			decision.Sources = sources
		}
	case bool:
		decision.Allow = v
		if v {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

func cacheKey(input *Input) string {
	sources := append([]string(nil), input.Sources...)
	sort.Strings(sources)
	return input.Tenant + "|" + input.Mode + "|" + strings.Join(sources, ",")
}
