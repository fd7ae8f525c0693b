// Package tokencount estimates token counts locally. Provider-reported usage
// stays authoritative for accounting; local estimates feed the context budget
// (which must be computed before any provider round trip) and the estimate
// drift metric.
package tokencount

import (
	"github.com/tiktoken-go/tokenizer"
)

// CharsPerToken is the budgeting heuristic for text without a local encoding.
// Four characters per token is close enough for English helpdesk prose.
const CharsPerToken = 4

// Estimator counts tokens with the model's BPE encoding when one is known
// locally, falling back to the character heuristic otherwise.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator builds an estimator for the given model name. Unknown models
// fall back to cl100k_base, which covers the OpenAI-compatible providers the
// gateway talks to; if even that fails the estimator degrades to the
// character heuristic.
func NewEstimator(model string) *Estimator {
	codec, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			codec = nil
		}
	}
	return &Estimator{codec: codec}
}

// Count returns the estimated token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e != nil && e.codec != nil {
		if n, err := e.codec.Count(text); err == nil {
			return n
		}
	}
	return CharEstimate(text)
}

// CountAll sums Count over several strings.
func (e *Estimator) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += e.Count(t)
	}
	return total
}

// CharEstimate is the 4-chars-per-token heuristic, rounded up.
func CharEstimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// BudgetChars converts a token budget into the character allowance the
// context assembler enforces.
func BudgetChars(tokens int) int {
	return tokens * CharsPerToken
}
