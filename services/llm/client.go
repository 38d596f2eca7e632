package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Usage is the token accounting for one generation call. It is threaded
// through callers as a value and accumulated with Add; there is no shared
// global counter.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another call's usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces a completion for the prompt and reports the token
	// usage of the call.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error)

	// GenerateStream produces a completion incrementally, invoking onChunk
	// for each text fragment as it arrives. Returns the usage once the
	// stream ends.
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, onChunk func(chunk string)) (Usage, error)

	// Warmup issues a small throwaway request so the backend loads its
	// model before the first real generation. Errors are advisory.
	Warmup(ctx context.Context) error
}
