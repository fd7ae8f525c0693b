package responder

// Block types understood by rich chat clients.
const (
	BlockSection = "section"
	BlockDivider = "divider"
)

// Block is one layout element of a rendered answer.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Citation points at one context passage the answer can reference inline.
// Index matches the [n] markers in the context block and the answer text.
type Citation struct {
	Index  int     `json:"index"`
	Source string  `json:"source"`
	Title  string  `json:"title"`
	URL    string  `json:"url,omitempty"`
	Score  float64 `json:"score"`
	Date   string  `json:"date,omitempty"`
}

// Metrics summarises how one answer was produced. CacheResult and Similarity
// are filled by the pipeline; everything else by the builder.
type Metrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TokensEstimated  bool    `json:"tokens_estimated,omitempty"`
	SourcesUsed      int     `json:"sources_used"`
	CacheResult      string  `json:"cache_result"`
	Similarity       float64 `json:"similarity,omitempty"`
	Partial          bool    `json:"partial,omitempty"`
}

// Answer is the terminal result of one answered question and the value the
// cache stores.
type Answer struct {
	Text      string     `json:"text"`
	Blocks    []Block    `json:"blocks"`
	Citations []Citation `json:"citations"`
	Model     string     `json:"model,omitempty"`
	Metrics   Metrics    `json:"metrics"`
}
