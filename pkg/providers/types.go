package providers

import "context"

// Message is the provider-agnostic prompt message representation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GenerateResult carries the generated text plus which concrete
// provider/model satisfied the call. The attribution travels with the result
// rather than through any process-wide state, so concurrent requests stay
// independent.
type GenerateResult struct {
	Text     string
	Provider string
	Model    string
}

// CandidateMeta is the provenance block each memory candidate must carry.
type CandidateMeta struct {
	SourceMid int64 `json:"sourceMid"`
}

// MemoryCandidate is one durable-fact proposal returned by the
// summarize-and-extract call. Validation and normalization happen downstream;
// this struct only mirrors the wire shape, tolerating absent fields.
type MemoryCandidate struct {
	Category        string        `json:"category"`
	Subject         string        `json:"subject"`
	Value           string        `json:"value"`
	Confidence      float64       `json:"confidence"`
	StrengthSuggest int           `json:"strengthSuggest"`
	DueAt           string        `json:"dueAt"`
	PII             bool          `json:"pii"`
	Meta            CandidateMeta `json:"meta"`
}

// Extraction is the result of a summarize-and-extract call. A blank
// UpdatedSummary means "no update" and must not be persisted.
type Extraction struct {
	UpdatedSummary string
	Candidates     []MemoryCandidate
	Provider       string
	Model          string
}

// Gateway is the uniform interface to a language-model provider. Concrete
// implementations handle their own transport-level retries; composition
// (fallback, circuit breaking) happens through decorators that satisfy the
// same interface.
type Gateway interface {
	// Name identifies the gateway for logs and result attribution.
	Name() string

	// Generate produces a chat reply for the given system prompt, ordered
	// history and trailing user message.
	Generate(ctx context.Context, systemPrompt string, history []Message, userMessage string) (*GenerateResult, error)

	// SummarizeAndExtract merges the existing rolling summary with a patch of
	// new turns and proposes memory candidates. A blank or unparsable model
	// response yields an Extraction with an empty UpdatedSummary and no error.
	SummarizeAndExtract(ctx context.Context, existingSummary, patch, locale string) (*Extraction, error)
}
