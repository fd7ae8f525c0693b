package responder

import (
	"bytes"
	"text/template"
)

// Answer modes. Concise is the default for bare requests.
const (
	ModeConcise  = "concise"
	ModeDetailed = "detailed"
)

// answerTemperature keeps completions close to the retrieved material.
const answerTemperature = 0.2

// Word targets steer the model; the token caps bound it.
const (
	conciseWordLimit  = 120
	detailedWordLimit = 400

	conciseMaxTokens  = 256
	detailedMaxTokens = 1024
)

type promptData struct {
	WordLimit int
}

var groundedTemplate = template.Must(template.New("grounded").Parse(
	`You are Answerline, the IT helpdesk assistant. Answer the question using only the numbered context passages below. Cite the passages you rely on with their number in square brackets, e.g. [1]. If the context does not answer the question, say so rather than guessing. Keep the answer under {{.WordLimit}} words.`))

var noContextTemplate = template.Must(template.New("no_context").Parse(
	`You are Answerline, the IT helpdesk assistant. No internal documentation matched this question, so answer from general IT knowledge. State up front that the answer is not based on internal documentation and advise checking with the service desk for organisation-specific procedures. Keep the answer under {{.WordLimit}} words.`))

// NormalizeMode maps the wire value to a known mode; empty means concise.
func NormalizeMode(mode string) string {
	if mode == ModeDetailed {
		return ModeDetailed
	}
	return ModeConcise
}

// ValidMode reports whether the wire value is an accepted mode.
func ValidMode(mode string) bool {
	switch mode {
	case "", ModeConcise, ModeDetailed:
		return true
	}
	return false
}

// MaxTokensFor returns the completion budget for a mode.
func MaxTokensFor(mode string) int {
	if mode == ModeDetailed {
		return detailedMaxTokens
	}
	return conciseMaxTokens
}

func wordLimitFor(mode string) int {
	if mode == ModeDetailed {
		return detailedWordLimit
	}
	return conciseWordLimit
}

// systemPrompt renders the system message for a mode, switching to the
// general-knowledge disclaimer when retrieval produced nothing usable.
func systemPrompt(mode string, hasContext bool) string {
	t := groundedTemplate
	if !hasContext {
		t = noContextTemplate
	}
	var buf bytes.Buffer
	// Static templates, execution cannot fail.
	_ = t.Execute(&buf, promptData{WordLimit: wordLimitFor(mode)})
	return buf.String()
}
