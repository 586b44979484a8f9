package types

// Message is one turn of an LLM conversation. Role is "system", "user",
// "assistant", or "tool".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Name optionally identifies the author of the message.
	Name string `json:"name,omitempty"`

	// ToolCalls carries tool invocations on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw
// JSON argument string as produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ModelCapabilities is static metadata about what a model supports.
type ModelCapabilities struct {
	SupportsToolCalling bool
	SupportsVision      bool
	ContextWindow       int
	MaxOutputTokens     int
}
