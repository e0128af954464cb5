package domain

import "time"

// Role constants for transcript message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PartType identifies a structured content part within a message.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// OutputType identifies the shape of a tool result's output value.
type OutputType string

const (
	OutputText      OutputType = "text"
	OutputJSON      OutputType = "json"
	OutputErrorText OutputType = "error-text"
	OutputErrorJSON OutputType = "error-json"
	OutputContent   OutputType = "content"
)

// ToolOutput is the canonical tagged union carried by a tool-result part.
// Raw provider shapes are normalized to this form before reaching the reducer.
type ToolOutput struct {
	Type  OutputType `json:"type"`
	Value any        `json:"value"`
}

// Part is one element of a message's structured content. Only the fields
// matching Type are populated; the rest stay zero.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Input      any         `json:"input,omitempty"`
	Output     *ToolOutput `json:"output,omitempty"`
}

// Metadata carries per-message bookkeeping. The loading fields are only
// meaningful while a tool call announced on the message is outstanding.
type Metadata struct {
	Timestamp          time.Time  `json:"timestamp"`
	SessionID          string     `json:"session_id,omitempty"`
	Loading            bool       `json:"loading,omitempty"`
	EstimatedDuration  float64    `json:"estimated_duration,omitempty"` // seconds
	StartTime          *time.Time `json:"start_time,omitempty"`
	ProgressPercentage int        `json:"progress_percentage,omitempty"`
	ElapsedTime        float64    `json:"elapsed_time,omitempty"` // seconds
}

// Message is a single entry in a conversation transcript. Content is either
// plain text (Text, Parts nil) or an ordered part sequence (Parts non-nil).
type Message struct {
	Role  string   `json:"role"`
	Text  string   `json:"text,omitempty"`
	Parts []Part   `json:"parts,omitempty"`
	Meta  Metadata `json:"meta"`
}

// IsPlainText reports whether the message content is still an unstructured string.
func (m Message) IsPlainText() bool { return m.Parts == nil }

// Clone returns a copy whose part slice is independent of the original, so
// the original message is never mutated through the copy.
func (m Message) Clone() Message {
	if m.Parts != nil {
		parts := make([]Part, len(m.Parts))
		copy(parts, m.Parts)
		m.Parts = parts
	}
	return m
}
