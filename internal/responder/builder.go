package responder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/novadesk-io/answerline/internal/llm"
	"github.com/novadesk-io/answerline/internal/metrics"
	"github.com/novadesk-io/answerline/internal/queryengine"
	"github.com/novadesk-io/answerline/internal/tokencount"
)

// Completer is the slice of the LLM client the builder needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Result, error)
}

// Builder turns a question and its ranked hits into the final answer
// envelope: prompt assembly under the context budget, the completion call,
// dual token accounting, citations and layout blocks.
type Builder struct {
	llm       Completer
	estimator *tokencount.Estimator
	budget    int // context budget in chars
	logger    *zap.Logger
}

// New builds a Builder. The token budget converts to characters once, here.
func New(completer Completer, estimator *tokencount.Estimator, contextTokenBudget int, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		llm:       completer,
		estimator: estimator,
		budget:    tokencount.BudgetChars(contextTokenBudget),
		logger:    logger,
	}
}

// Request is one answer to build.
type Request struct {
	Question string
	Mode     string
	Hits     []queryengine.Hit
	Partial  bool
}

// Build assembles the prompt and calls the model. The question goes through
// verbatim as the user message; retrieval context rides in the system
// message. An empty hit list switches to the disclaimer template.
func (b *Builder) Build(ctx context.Context, req Request) (*Answer, error) {
	mode := NormalizeMode(req.Mode)
	block, rendered := assembleContext(req.Hits, b.budget)

	system := systemPrompt(mode, len(rendered) > 0)
	if block != "" {
		system += "\n\nContext:\n" + block
	}

	res, err := b.llm.Complete(ctx, llm.Request{
		System:      system,
		User:        req.Question,
		Temperature: answerTemperature,
		MaxTokens:   MaxTokensFor(mode),
	})
	if err != nil {
		return nil, err
	}

	// Dual accounting: provider-reported usage is authoritative when present;
	// the local estimate is always computed so drift shows up in metrics.
	estimate := b.estimator.CountAll(system, req.Question, res.Text)
	usage := res.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = b.estimator.CountAll(system, req.Question)
		usage.CompletionTokens = b.estimator.Count(res.Text)
		usage.Estimated = true
	}
	metrics.RecordLLMUsage(usage.PromptTokens, usage.CompletionTokens, estimate)

	ans := &Answer{
		Text:      res.Text,
		Citations: buildCitations(rendered),
		Model:     res.Model,
		Metrics: Metrics{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TokensEstimated:  usage.Estimated,
			SourcesUsed:      distinctSources(rendered),
			Partial:          req.Partial,
		},
	}
	ans.Blocks = blocksFor(ans)

	b.logger.Debug("Answer built",
		zap.String("mode", mode),
		zap.Int("context_hits", len(rendered)),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Bool("partial", req.Partial))
	return ans, nil
}

// blocksFor lays the answer out for rich chat clients: the answer section,
// then a divider and a sources section when citations exist.
func blocksFor(ans *Answer) []Block {
	blocks := []Block{{Type: BlockSection, Text: ans.Text}}
	if len(ans.Citations) == 0 {
		return blocks
	}
	var b strings.Builder
	b.WriteString("Sources:")
	for _, c := range ans.Citations {
		b.WriteString("\n")
		b.WriteString(formatCitation(c))
	}
	return append(blocks, Block{Type: BlockDivider}, Block{Type: BlockSection, Text: b.String()})
}

// formatCitation renders one sources line: "[1] Title (URL) - source, 2024-01-02".
func formatCitation(c Citation) string {
	s := fmt.Sprintf("[%d] %s", c.Index, c.Title)
	if c.URL != "" {
		s += " (" + c.URL + ")"
	}
	s += " - " + c.Source
	if c.Date != "" {
		s += ", " + c.Date
	}
	return s
}
