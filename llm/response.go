package llm

import "encoding/json"

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Citation struct {
	Title   string
	URL     string
	Snippet string
}

type SearchResult struct {
	Title   string
	URL     string
	Content string
}

// Response is the canonical result of one non-streaming call. It is
// constructed once; additive metadata merges are the only post-construction
// mutation.
type Response struct {
	// Text is the primary output.
	Text string

	// Items holds structured output entries (e.g. generated image
	// descriptors, embedding vectors) for backends that return more than
	// plain text. Chat adapters leave it empty.
	Items []json.RawMessage

	FinishReason FinishReason

	ToolCalls    []ToolCall
	FunctionCall *FunctionCall

	Citations     []Citation
	SearchResults []SearchResult

	Usage *Usage

	Metadata map[string]any

	// Err records a result-level error some backends embed alongside data.
	Err error
}

// SetToolCalls records tool calls and, as a side effect, moves the finish
// reason to tool_calls. The two are not independent state.
func (r *Response) SetToolCalls(calls []ToolCall) {
	r.ToolCalls = calls
	if len(calls) > 0 {
		r.FinishReason = FinishReasonToolCalls
	}
}

// SetFunctionCall records a legacy function call and updates the finish
// reason accordingly.
func (r *Response) SetFunctionCall(fc *FunctionCall) {
	r.FunctionCall = fc
	if fc != nil {
		r.FinishReason = FinishReasonFunctionCall
	}
}

// MergeMetadata adds entries without removing existing ones.
func (r *Response) MergeMetadata(m map[string]any) {
	if len(m) == 0 {
		return
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]any, len(m))
	}
	for k, v := range m {
		r.Metadata[k] = v
	}
}

// SafetyNotice is the text substituted for output the provider refused to
// generate.
const SafetyNotice = "The response was blocked by the provider's safety system."

// MarkSafetyBlocked turns the response into a safety-block notice. A blocked
// result is a normal result, not an error; callers distinguish it through
// metadata.
func (r *Response) MarkSafetyBlocked(reason string) {
	r.Text = SafetyNotice
	r.FinishReason = FinishReasonContentFilter
	r.MergeMetadata(map[string]any{
		"safety_blocked": true,
		"block_reason":   reason,
	})
}

func (r *Response) IsSafetyBlocked() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	blocked, _ := r.Metadata["safety_blocked"].(bool)
	return blocked
}
