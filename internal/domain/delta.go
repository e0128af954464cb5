package domain

// DeltaKind identifies one incremental unit of model output.
type DeltaKind string

const (
	DeltaAssistantText  DeltaKind = "assistant-text"
	DeltaToolCall       DeltaKind = "tool-call"
	DeltaToolResult     DeltaKind = "tool-result"
	DeltaAssistantError DeltaKind = "assistant-error"
)

// RawDelta is what the model-query collaborator hands to onDelta. Output is
// whatever shape the provider produced (bare string, nil, arbitrary object,
// or an already-typed union); it must be normalized before reducing.
type RawDelta struct {
	Kind       DeltaKind `json:"kind"`
	Text       string    `json:"text,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Input      any       `json:"input,omitempty"`
	IsUpdate   bool      `json:"is_update,omitempty"`
	Output     any       `json:"output,omitempty"`
	Elapsed    float64   `json:"elapsed,omitempty"` // seconds, optional
}

// Delta is the normalized form consumed by the transcript reducer. It is
// identical to RawDelta except that Output carries the canonical union.
type Delta struct {
	Kind       DeltaKind
	Text       string
	ToolCallID string
	ToolName   string
	Input      any
	IsUpdate   bool
	Output     *ToolOutput
	Elapsed    float64 // seconds; 0 means not supplied
}
