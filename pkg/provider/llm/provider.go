// Package llm defines the Provider interface over Large Language Model
// backends.
//
// The recap engine and the Q&A tiers only ever need a full completion:
// they send one prompt, wait for the whole reply, and parse it as JSON
// or plain text. Providers therefore expose a blocking Complete plus
// token accounting and capability metadata; incremental streaming is
// deliberately not part of the contract.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/lucasvandyk/recapd/pkg/types"
)

// Usage holds token accounting returned by the backend. Counts are in
// the model's native token unit and differ between providers for the
// same text.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a
// response. Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation; the last message drives the
	// response.
	Messages []types.Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero
	// requests the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected
	// before the conversation. Providers without a dedicated system
	// field prepend it as a "system"-role message.
	SystemPrompt string
}

// CompletionResponse is the full model reply.
type CompletionResponse struct {
	// Content is the text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Each method must propagate context cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens the given messages would
	// consume. The result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	// The result is constant for the lifetime of the Provider.
	Capabilities() types.ModelCapabilities

	// ModelID returns the configured model identifier, reported in
	// recap payloads as model_name.
	ModelID() string
}
