package llm

import (
	"time"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
)

// Config selects and tunes the completion provider.
type Config struct {
	Provider string // openai or anthropic
	Model    string
	APIKey   string
	BaseURL  string // optional override for self-hosted compatible gateways
	Timeout  time.Duration
	Breaker  circuitbreaker.Settings
}

// Request is a single completion request.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Usage is provider-reported token accounting. Estimated is set when the
// provider omitted usage and the caller must fall back to local counting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
}

// Result carries the completion text and its accounting.
type Result struct {
	Text  string
	Model string
	Usage Usage
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
