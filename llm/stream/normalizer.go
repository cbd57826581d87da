package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/aj-archipelago/cortex-sub000/llm"
)

// doneSentinel is the literal terminal frame most SSE backends emit.
var doneSentinel = []byte("[DONE]")

// Normalizer is the default per-frame state machine: it folds vendor SSE
// frames into a Progress accumulator, staging at most one canonical delta
// per frame. Adapters whose wire shape diverges implement their own
// ProcessStreamEvent instead.
type Normalizer struct {
	Backend string
	Logger  *slog.Logger
}

func NewNormalizer(backend string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Normalizer{Backend: backend, Logger: logger}
}

type chunkFrame struct {
	Error   *wireError    `json:"error,omitempty"`
	Data    *chunkNested  `json:"data,omitempty"`
	Choices []chunkChoice `json:"choices"`
}

type chunkNested struct {
	Error *wireError `json:"error,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
	Error        *wireError `json:"error,omitempty"`
}

type chunkDelta struct {
	Role             string         `json:"role,omitempty"`
	Content          string         `json:"content,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// ProcessStreamEvent implements the default streaming contract.
//
// The terminal sentinel sets completion to 1 and suppresses output
// (idempotent if repeated). Unparseable frames are fatal. An embedded error
// at any known nesting path aborts the stream. Idle deltas are suppressed
// unless they carry a finish signal. A safety-block finish replaces the
// forwarded payload with a human-readable notice.
func (n *Normalizer) ProcessStreamEvent(frame []byte, p *llm.Progress) error {
	frame = bytes.TrimSpace(frame)
	p.ClearPending()

	if bytes.Equal(frame, doneSentinel) {
		p.SetCompletion(1)
		return nil
	}

	var c chunkFrame
	if err := json.Unmarshal(frame, &c); err != nil {
		return &llm.Error{
			Backend: n.Backend,
			Kind:    llm.ErrKindStreamProtocol,
			Message: "unparseable stream frame",
			Raw:     append([]byte(nil), frame...),
			Cause:   err,
		}
	}

	if werr := embeddedError(c); werr != nil {
		return &llm.Error{
			Backend:      n.Backend,
			Kind:         llm.ErrKindEmbeddedPayload,
			Message:      werr.Message,
			ProviderCode: stringifyCode(werr.Code),
			Raw:          append([]byte(nil), frame...),
		}
	}

	for _, choice := range c.Choices {
		delta := &llm.StreamDelta{
			Role:    choice.Delta.Role,
			Content: choice.Delta.Content,
		}
		for _, tc := range choice.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, llm.ToolCall{
				ID:            tc.ID,
				Name:          tc.Function.Name,
				ArgumentsText: tc.Function.Arguments,
			})
		}

		// Reasoning fragments accumulate; they are not forwarded.
		p.AppendReasoning(choice.Delta.ReasoningContent)

		finished := choice.FinishReason != ""
		idle := delta.Content == "" && len(delta.ToolCalls) == 0

		if idle && !finished {
			continue
		}

		if finished {
			if isSafetyFinish(choice.FinishReason) {
				n.Logger.Warn("stream blocked by provider safety system",
					"backend", n.Backend,
					"finish_reason", choice.FinishReason)
				delta = &llm.StreamDelta{
					Content:      llm.SafetyNotice,
					FinishReason: string(llm.FinishReasonContentFilter),
				}
			} else {
				delta.FinishReason = choice.FinishReason
			}
			p.SetCompletion(1)
		}

		p.SetPending(delta)
		return nil
	}

	return nil
}

func embeddedError(c chunkFrame) *wireError {
	if c.Error != nil && c.Error.Message != "" {
		return c.Error
	}
	if c.Data != nil && c.Data.Error != nil && c.Data.Error.Message != "" {
		return c.Data.Error
	}
	for _, choice := range c.Choices {
		if choice.Error != nil && choice.Error.Message != "" {
			return choice.Error
		}
	}
	return nil
}

func isSafetyFinish(reason string) bool {
	switch strings.ToLower(reason) {
	case "content_filter", "safety":
		return true
	default:
		return false
	}
}

func stringifyCode(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
