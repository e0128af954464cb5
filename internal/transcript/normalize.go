package transcript

import (
	"encoding/json"
	"fmt"

	"chatrelay/internal/domain"
)

// NormalizeOutput converts a raw provider tool result into the
// canonical typed output union. Providers disagree on shape: some
// send bare strings, some nothing at all, some structured objects,
// and replayed transcripts hand back values that were already
// normalized. The function is idempotent, so callers can apply it
// unconditionally at every boundary.
func NormalizeOutput(raw any) domain.ToolOutput {
	switch v := raw.(type) {
	case nil:
		return domain.ToolOutput{Type: domain.OutputText, Value: ""}
	case string:
		return domain.ToolOutput{Type: domain.OutputText, Value: v}
	case domain.ToolOutput:
		if validOutputType(v.Type) {
			return v
		}
		return domain.ToolOutput{Type: domain.OutputJSON, Value: v.Value}
	case *domain.ToolOutput:
		if v == nil {
			return domain.ToolOutput{Type: domain.OutputText, Value: ""}
		}
		return NormalizeOutput(*v)
	case error:
		return domain.ToolOutput{Type: domain.OutputErrorText, Value: v.Error()}
	case map[string]any:
		// Already-typed unions survive a JSON round trip as plain
		// maps; recognize and pass them through unchanged.
		if out, ok := outputFromMap(v); ok {
			return out
		}
		return domain.ToolOutput{Type: domain.OutputJSON, Value: v}
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			return domain.ToolOutput{Type: domain.OutputErrorText, Value: fmt.Sprintf("undecodable tool output: %v", err)}
		}
		return NormalizeOutput(decoded)
	default:
		return domain.ToolOutput{Type: domain.OutputJSON, Value: v}
	}
}

// NormalizeDelta lifts a raw streaming delta into its canonical form,
// normalizing the tool output when present.
func NormalizeDelta(raw domain.RawDelta) domain.Delta {
	d := domain.Delta{
		Kind:       raw.Kind,
		Text:       raw.Text,
		ToolCallID: raw.ToolCallID,
		ToolName:   raw.ToolName,
		Input:      raw.Input,
		IsUpdate:   raw.IsUpdate,
		Elapsed:    raw.Elapsed,
	}
	if raw.Kind == domain.DeltaToolResult {
		out := NormalizeOutput(raw.Output)
		d.Output = &out
	}
	return d
}

func outputFromMap(m map[string]any) (domain.ToolOutput, bool) {
	if len(m) != 2 {
		return domain.ToolOutput{}, false
	}
	t, ok := m["type"].(string)
	if !ok || !validOutputType(domain.OutputType(t)) {
		return domain.ToolOutput{}, false
	}
	value, ok := m["value"]
	if !ok {
		return domain.ToolOutput{}, false
	}
	return domain.ToolOutput{Type: domain.OutputType(t), Value: value}, true
}

func validOutputType(t domain.OutputType) bool {
	switch t {
	case domain.OutputText, domain.OutputJSON, domain.OutputErrorText, domain.OutputErrorJSON, domain.OutputContent:
		return true
	}
	return false
}
