package tokencount

import (
	"strings"
	"testing"
)

func TestCharEstimate(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, c := range cases {
		if got := CharEstimate(c.text); got != c.want {
			t.Errorf("CharEstimate(%q) = %d, want %d", c.text, got, c.want)
		}
	}
}

func TestBudgetChars(t *testing.T) {
	if got := BudgetChars(2000); got != 8000 {
		t.Errorf("Expected 8000 chars for 2000 tokens, got %d", got)
	}
}

func TestEstimatorCount(t *testing.T) {
	e := NewEstimator("gpt-4o-mini")

	if got := e.Count(""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}

	n := e.Count("How do I reset my VPN password?")
	if n <= 0 {
		t.Errorf("Expected positive token count, got %d", n)
	}
	// A real encoding counts far fewer tokens than characters.
	if n >= len("How do I reset my VPN password?") {
		t.Errorf("Expected subword counts below character count, got %d", n)
	}
}

func TestEstimatorUnknownModelFallsBack(t *testing.T) {
	e := NewEstimator("some-future-model")
	if n := e.Count("hello world"); n <= 0 {
		t.Errorf("Expected positive count from fallback, got %d", n)
	}
}

func TestCountAll(t *testing.T) {
	e := NewEstimator("gpt-4o-mini")
	a, b := "first message", "second message"
	if e.CountAll(a, b) != e.Count(a)+e.Count(b) {
		t.Error("Expected CountAll to sum per-string counts")
	}
}
