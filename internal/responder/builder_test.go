package responder

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/novadesk-io/answerline/internal/fault"
	"github.com/novadesk-io/answerline/internal/llm"
	"github.com/novadesk-io/answerline/internal/queryengine"
	"github.com/novadesk-io/answerline/internal/tokencount"
)

type fakeCompleter struct {
	got llm.Request
	res *llm.Result
	err error
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func testBuilder(t *testing.T, fc *fakeCompleter) *Builder {
	t.Helper()
	return New(fc, tokencount.NewEstimator("gpt-4o-mini"), 2000, zaptest.NewLogger(t))
}

func TestBuildGroundedAnswer(t *testing.T) {
	fc := &fakeCompleter{res: &llm.Result{
		Text:  "Restart the VPN client. [1]",
		Model: "gpt-4o-mini",
		Usage: llm.Usage{PromptTokens: 120, CompletionTokens: 30},
	}}
	b := testBuilder(t, fc)

	hits := []queryengine.Hit{
		qhit("jira", "Reset VPN token", "https://kb/1", "Open the client and reset.", 0.9),
		qhit("wiki", "VPN guide", "https://kb/2", "Install from the portal.", 0.8),
	}
	ans, err := b.Build(context.Background(), Request{Question: "my vpn is broken", Hits: hits})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if fc.got.User != "my vpn is broken" {
		t.Errorf("Expected the question verbatim, got %q", fc.got.User)
	}
	if !strings.Contains(fc.got.System, "Context:\n[1] Reset VPN token") {
		t.Errorf("Expected context block in system message:\n%s", fc.got.System)
	}
	if strings.Contains(fc.got.System, "No internal documentation") {
		t.Error("Expected the grounded template, got the disclaimer")
	}
	if fc.got.Temperature != answerTemperature {
		t.Errorf("Expected temperature %v, got %v", answerTemperature, fc.got.Temperature)
	}
	if fc.got.MaxTokens != conciseMaxTokens {
		t.Errorf("Expected concise token cap, got %d", fc.got.MaxTokens)
	}

	if ans.Text != "Restart the VPN client. [1]" {
		t.Errorf("Unexpected answer text %q", ans.Text)
	}
	if ans.Metrics.PromptTokens != 120 || ans.Metrics.CompletionTokens != 30 {
		t.Errorf("Expected provider usage, got %+v", ans.Metrics)
	}
	if ans.Metrics.TokensEstimated {
		t.Error("Expected provider-reported usage not to be flagged estimated")
	}
	if ans.Metrics.SourcesUsed != 2 {
		t.Errorf("Expected 2 distinct sources, got %d", ans.Metrics.SourcesUsed)
	}
	if len(ans.Citations) != 2 || ans.Citations[0].Title != "Reset VPN token" {
		t.Fatalf("Unexpected citations %+v", ans.Citations)
	}

	if len(ans.Blocks) != 3 {
		t.Fatalf("Expected answer + divider + sources blocks, got %d", len(ans.Blocks))
	}
	if ans.Blocks[0].Type != BlockSection || ans.Blocks[0].Text != ans.Text {
		t.Errorf("Unexpected answer block %+v", ans.Blocks[0])
	}
	if ans.Blocks[1].Type != BlockDivider {
		t.Errorf("Expected divider, got %+v", ans.Blocks[1])
	}
	if !strings.Contains(ans.Blocks[2].Text, "Sources:") ||
		!strings.Contains(ans.Blocks[2].Text, "[1] Reset VPN token (https://kb/1) - jira") {
		t.Errorf("Unexpected sources block %q", ans.Blocks[2].Text)
	}
}

func TestBuildNoContextDisclaimer(t *testing.T) {
	fc := &fakeCompleter{res: &llm.Result{
		Text:  "Generally, restart the client.",
		Usage: llm.Usage{PromptTokens: 50, CompletionTokens: 10},
	}}
	b := testBuilder(t, fc)

	ans, err := b.Build(context.Background(), Request{Question: "vpn?", Partial: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(fc.got.System, "No internal documentation matched") {
		t.Errorf("Expected disclaimer template, got:\n%s", fc.got.System)
	}
	if strings.Contains(fc.got.System, "Context:") {
		t.Error("Expected no context block")
	}
	if len(ans.Citations) != 0 {
		t.Errorf("Expected no citations, got %d", len(ans.Citations))
	}
	if len(ans.Blocks) != 1 {
		t.Errorf("Expected a single answer block, got %d", len(ans.Blocks))
	}
	if ans.Metrics.SourcesUsed != 0 {
		t.Errorf("Expected zero sources used, got %d", ans.Metrics.SourcesUsed)
	}
	if !ans.Metrics.Partial {
		t.Error("Expected partial flag to carry through")
	}
}

func TestBuildDetailedModeTokenCap(t *testing.T) {
	fc := &fakeCompleter{res: &llm.Result{Text: "long answer", Usage: llm.Usage{PromptTokens: 1, CompletionTokens: 1}}}
	b := testBuilder(t, fc)

	if _, err := b.Build(context.Background(), Request{Question: "q", Mode: ModeDetailed}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if fc.got.MaxTokens != detailedMaxTokens {
		t.Errorf("Expected detailed token cap, got %d", fc.got.MaxTokens)
	}
	if !strings.Contains(fc.got.System, "400 words") {
		t.Errorf("Expected detailed word limit in prompt:\n%s", fc.got.System)
	}
}

func TestBuildEstimatesWhenProviderOmitsUsage(t *testing.T) {
	fc := &fakeCompleter{res: &llm.Result{Text: "Restart it."}}
	b := testBuilder(t, fc)

	ans, err := b.Build(context.Background(), Request{Question: "my laptop fan is loud"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !ans.Metrics.TokensEstimated {
		t.Error("Expected estimated flag when provider omits usage")
	}
	if ans.Metrics.PromptTokens <= 0 || ans.Metrics.CompletionTokens <= 0 {
		t.Errorf("Expected local estimates, got %+v", ans.Metrics)
	}
}

func TestBuildPropagatesCompleterError(t *testing.T) {
	want := fault.New(fault.Unavailable, "llm circuit open")
	fc := &fakeCompleter{err: want}
	b := testBuilder(t, fc)

	_, err := b.Build(context.Background(), Request{Question: "q"})
	if fault.KindOf(err) != fault.Unavailable {
		t.Fatalf("Expected unavailable fault, got %v", err)
	}
}
