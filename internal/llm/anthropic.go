package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/novadesk-io/answerline/internal/circuitbreaker"
	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/tracing"
)

const (
	defaultAnthropicBase = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	// The messages API requires max_tokens; used when the request leaves it 0.
	anthropicDefaultMaxTokens = 1024
)

type anthropic struct {
	cfg  Config
	http *circuitbreaker.HTTPWrapper
	base string
}

func newAnthropic(cfg Config, wrapper *circuitbreaker.HTTPWrapper) *anthropic {
	base := cfg.BaseURL
	if base == "" {
		base = defaultAnthropicBase
	}
	return &anthropic{cfg: cfg, http: wrapper, base: strings.TrimRight(base, "/")}
}

func (a *anthropic) name() string { return "anthropic" }

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropic) complete(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	body := messagesRequest{
		Model:       a.cfg.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    []chatMessage{{Role: "user", Content: req.User}},
		Temperature: req.Temperature,
	}
	buf, _ := json.Marshal(body)

	url := a.base + "/v1/messages"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build messages request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode messages response")
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fault.New(fault.Internal, "messages response had no text content")
	}

	res := &Result{
		Text:  text.String(),
		Model: out.Model,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
		},
	}
	if res.Usage.PromptTokens == 0 && res.Usage.CompletionTokens == 0 {
		res.Usage.Estimated = true
	}
	return res, nil
}
