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

const defaultOpenAIBase = "https://api.openai.com/v1"

type openAI struct {
	cfg  Config
	http *circuitbreaker.HTTPWrapper
	base string
}

func newOpenAI(cfg Config, wrapper *circuitbreaker.HTTPWrapper) *openAI {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBase
	}
	return &openAI{cfg: cfg, http: wrapper, base: strings.TrimRight(base, "/")}
}

func (o *openAI) name() string { return "openai" }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *openAI) complete(ctx context.Context, req Request) (*Result, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body := chatRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	buf, _ := json.Marshal(body)

	url := o.base + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "build completion request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode chat completion")
	}
	if len(out.Choices) == 0 {
		return nil, fault.New(fault.Internal, "chat completion returned no choices")
	}

	res := &Result{
		Text:  out.Choices[0].Message.Content,
		Model: out.Model,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}
	if res.Usage.PromptTokens == 0 && res.Usage.CompletionTokens == 0 {
		res.Usage.Estimated = true
	}
	return res, nil
}
