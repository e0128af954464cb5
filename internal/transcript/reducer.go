// Package transcript folds streaming model deltas into conversation
// transcripts. The fold is pure: every transition returns a fresh
// history slice and never mutates the one passed in, so callers can
// hold old snapshots safely and tests can replay delta sequences
// deterministically.
package transcript

import (
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/domain"
)

// DefaultToolEstimate is the assumed tool-call duration, in seconds,
// used for the loading indicator until the real result arrives.
const DefaultToolEstimate = 5.0

// Reducer applies deltas to a transcript. The zero value is not
// usable; construct with NewReducer. Callers must serialize Apply per
// session; the reducer itself holds no locks and no mutable state
// beyond its configuration.
type Reducer struct {
	estimate float64
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithEstimate overrides the assumed tool-call duration in seconds.
func WithEstimate(seconds float64) Option {
	return func(r *Reducer) { r.estimate = seconds }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

func NewReducer(logger *slog.Logger, opts ...Option) *Reducer {
	r := &Reducer{
		estimate: DefaultToolEstimate,
		now:      time.Now,
		logger:   logger,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds one delta into history and returns the new transcript.
// The input slice is never modified. An unrecognized delta kind or
// message role returns domain.ErrProtocolViolation: that signals
// version skew with the producer, not a recoverable runtime state.
func (r *Reducer) Apply(history []domain.Message, delta domain.Delta) ([]domain.Message, error) {
	if err := checkRoles(history); err != nil {
		return nil, err
	}
	switch delta.Kind {
	case domain.DeltaAssistantError:
		return r.applyAssistantError(history, delta), nil
	case domain.DeltaAssistantText:
		return r.applyAssistantText(history, delta), nil
	case domain.DeltaToolCall:
		if delta.IsUpdate {
			return r.applyToolCallUpdate(history, delta), nil
		}
		return r.applyToolCall(history, delta), nil
	case domain.DeltaToolResult:
		return r.applyToolResult(history, delta), nil
	default:
		return nil, domain.NewDomainError("transcript.apply", domain.ErrProtocolViolation,
			fmt.Sprintf("unknown delta kind %q", delta.Kind))
	}
}

func checkRoles(history []domain.Message) error {
	for i, m := range history {
		switch m.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleTool:
		default:
			return domain.NewDomainError("transcript.apply", domain.ErrProtocolViolation,
				fmt.Sprintf("message %d has unknown role %q", i, m.Role))
		}
	}
	return nil
}

// applyAssistantError always appends; an error never merges into
// earlier output, even when the tail is plain assistant text.
func (r *Reducer) applyAssistantError(history []domain.Message, delta domain.Delta) []domain.Message {
	msg := domain.Message{
		Role: domain.RoleAssistant,
		Text: fmt.Sprintf("Error: %s", delta.Text),
		Meta: domain.Metadata{Timestamp: r.now()},
	}
	return appendMessage(history, msg)
}

func (r *Reducer) applyAssistantText(history []domain.Message, delta domain.Delta) []domain.Message {
	if isBlank(delta.Text) {
		r.logger.Debug("dropping empty assistant text delta")
		return history
	}
	if n := len(history); n > 0 {
		tail := history[n-1]
		if tail.Role == domain.RoleAssistant && tail.IsPlainText() {
			merged := tail.Clone()
			merged.Text += delta.Text
			return replaceTail(history, merged)
		}
	}
	msg := domain.Message{
		Role: domain.RoleAssistant,
		Text: delta.Text,
		Meta: domain.Metadata{Timestamp: r.now()},
	}
	return appendMessage(history, msg)
}

func (r *Reducer) applyToolCall(history []domain.Message, delta domain.Delta) []domain.Message {
	part := domain.Part{
		Type:       domain.PartToolCall,
		ToolCallID: delta.ToolCallID,
		ToolName:   delta.ToolName,
		Input:      delta.Input,
	}
	start := r.now()
	if n := len(history); n > 0 && history[n-1].Role == domain.RoleAssistant {
		tail := history[n-1].Clone()
		if tail.IsPlainText() {
			// Promote existing plain text to a part so the
			// tool-call part can join it in order.
			tail.Parts = []domain.Part{}
			if tail.Text != "" {
				tail.Parts = append(tail.Parts, domain.Part{Type: domain.PartText, Text: tail.Text})
			}
			tail.Text = ""
		}
		tail.Parts = append(tail.Parts, part)
		tail.Meta.Loading = true
		tail.Meta.EstimatedDuration = r.estimate
		tail.Meta.StartTime = &start
		tail.Meta.ProgressPercentage = 0
		return replaceTail(history, tail)
	}
	msg := domain.Message{
		Role:  domain.RoleAssistant,
		Parts: []domain.Part{part},
		Meta: domain.Metadata{
			Timestamp:          start,
			Loading:            true,
			EstimatedDuration:  r.estimate,
			StartTime:          &start,
			ProgressPercentage: 0,
		},
	}
	return appendMessage(history, msg)
}

// applyToolCallUpdate replaces the recorded input of an already
// announced tool call, scanning newest to oldest. A miss is a no-op:
// streamed updates can arrive for calls the host never saw, e.g.
// after a history clear raced the stream.
func (r *Reducer) applyToolCallUpdate(history []domain.Message, delta domain.Delta) []domain.Message {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != domain.RoleAssistant {
			continue
		}
		idx := findToolCallPart(m.Parts, delta.ToolCallID)
		if idx < 0 {
			continue
		}
		updated := m.Clone()
		updated.Parts[idx].Input = delta.Input
		return replaceAt(history, i, updated)
	}
	r.logger.Debug("tool call update matched no transcript entry", "tool_call_id", delta.ToolCallID)
	return history
}

func (r *Reducer) applyToolResult(history []domain.Message, delta domain.Delta) []domain.Message {
	out := delta.Output
	if out == nil {
		out = &domain.ToolOutput{Type: domain.OutputText, Value: ""}
	}
	resultMsg := domain.Message{
		Role: domain.RoleTool,
		Parts: []domain.Part{{
			Type:       domain.PartToolResult,
			ToolCallID: delta.ToolCallID,
			ToolName:   delta.ToolName,
			Output:     out,
		}},
		Meta: domain.Metadata{Timestamp: r.now()},
	}

	next := appendMessage(history, resultMsg)

	matched := false
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != domain.RoleAssistant || !m.Meta.Loading {
			continue
		}
		if findToolCallPart(m.Parts, delta.ToolCallID) < 0 {
			continue
		}
		done := m.Clone()
		done.Meta.Loading = false
		done.Meta.ProgressPercentage = 100
		done.Meta.ElapsedTime = delta.Elapsed
		if done.Meta.ElapsedTime == 0 {
			done.Meta.ElapsedTime = done.Meta.EstimatedDuration
		}
		next[i] = done
		matched = true
		break
	}
	if !matched {
		// Lenient: keep the result even when the call it answers is
		// not in this transcript. See DESIGN.md.
		r.logger.Warn("tool result without matching tool call", "tool_call_id", delta.ToolCallID, "tool", delta.ToolName)
	}
	return next
}

// findToolCallPart scans for a tool-call part with the given id.
// Part kinds it does not recognize are skipped, not fatal.
func findToolCallPart(parts []domain.Part, id string) int {
	for i, p := range parts {
		if p.Type == domain.PartToolCall && p.ToolCallID == id {
			return i
		}
	}
	return -1
}

func isBlank(s string) bool {
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
		default:
			return false
		}
	}
	return true
}

// appendMessage copies history into a slice with extra capacity so
// the input backing array is never shared with the result.
func appendMessage(history []domain.Message, msg domain.Message) []domain.Message {
	next := make([]domain.Message, len(history), len(history)+1)
	copy(next, history)
	return append(next, msg)
}

func replaceTail(history []domain.Message, msg domain.Message) []domain.Message {
	return replaceAt(history, len(history)-1, msg)
}

func replaceAt(history []domain.Message, i int, msg domain.Message) []domain.Message {
	next := make([]domain.Message, len(history))
	copy(next, history)
	next[i] = msg
	return next
}
