package llm

import "strings"

// StreamDelta is the canonical incremental shape re-emitted to consumers:
// one chat-completion-style delta regardless of the source vendor.
type StreamDelta struct {
	Role         string     `json:"role,omitempty"`
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Progress is the accumulator threaded through successive frame-processing
// calls of one streaming call. It holds at most one forward-ready payload at
// a time (or none, meaning suppress), a monotonically non-decreasing
// completion fraction, and adapter-specific accumulators.
type Progress struct {
	pending    *StreamDelta
	completion float64

	reasoning strings.Builder

	// Extra carries adapter-specific accumulators.
	Extra map[string]any
}

func NewProgress() *Progress { return &Progress{} }

// SetPending stages the next forward-ready payload, replacing any previous
// one for this frame.
func (p *Progress) SetPending(d *StreamDelta) { p.pending = d }

// ClearPending suppresses output for the current frame.
func (p *Progress) ClearPending() { p.pending = nil }

// TakePending removes and returns the staged payload, if any.
func (p *Progress) TakePending() (*StreamDelta, bool) {
	if p.pending == nil {
		return nil, false
	}
	d := p.pending
	p.pending = nil
	return d, true
}

// Completion is the fraction of the stream consumed so far, in [0,1].
func (p *Progress) Completion() float64 { return p.completion }

// SetCompletion advances the completion fraction. It clamps to [0,1] and
// never moves backwards.
func (p *Progress) SetCompletion(f float64) {
	if f > 1 {
		f = 1
	}
	if f > p.completion {
		p.completion = f
	}
}

// Done reports whether the stream has reached its terminal state.
func (p *Progress) Done() bool { return p.completion >= 1 }

// AppendReasoning collects reasoning fragments emitted by backends that
// stream them separately from content.
func (p *Progress) AppendReasoning(s string) {
	if s != "" {
		p.reasoning.WriteString(s)
	}
}

func (p *Progress) Reasoning() string { return p.reasoning.String() }

// ProgressEvent is the fire-and-forget progress shape consumed by the
// external pub/sub collaborator.
type ProgressEvent struct {
	RequestID string   `json:"requestId"`
	Progress  *float64 `json:"progress"`
	Status    string   `json:"status"`
	Data      any      `json:"data,omitempty"`
}

// ProgressPublisher delivers progress events. Implementations must not
// block the stream; delivery failures are the publisher's concern.
type ProgressPublisher interface {
	Publish(ev ProgressEvent)
}

// NopPublisher discards progress events.
type NopPublisher struct{}

func (NopPublisher) Publish(ProgressEvent) {}
