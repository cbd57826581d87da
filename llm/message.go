package llm

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonToolCalls     FinishReason = "tool_calls"
	FinishReasonFunctionCall  FinishReason = "function_call"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonUnknown       FinishReason = "unknown"
)

type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImage    ContentPartType = "image"
	ContentPartDocument ContentPartType = "document"
)

// ContentPart is one segment of a message's content. Many backends represent
// message content as an ordered array of parts (text, image, document); the
// order is conversation order and is significant.
type ContentPart struct {
	Type ContentPartType `json:"type"`

	// Text is used by ContentPartText.
	Text string `json:"text,omitempty"`

	// URL references remote media for image/document parts.
	URL string `json:"url,omitempty"`

	// Data/MIME carry inline binary payloads when a backend accepts them.
	Data []byte `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
}

func TextPart(text string) ContentPart { return ContentPart{Type: ContentPartText, Text: text} }
func ImagePart(url string) ContentPart { return ContentPart{Type: ContentPartImage, URL: url} }
func ImageDataPart(mime string, data []byte) ContentPart {
	return ContentPart{Type: ContentPartImage, MIME: mime, Data: append([]byte(nil), data...)}
}
func DocumentPart(url string) ContentPart {
	return ContentPart{Type: ContentPartDocument, URL: url}
}

// Message is a canonical chat message.
//
// For tool results, use RoleTool with ToolCallID set.
// For assistant tool calls, use ToolCalls.
type Message struct {
	Role Role

	// Name is an optional sender name supported by some backends.
	Name string

	Parts []ContentPart

	ToolCallID string
	ToolCalls  []ToolCall
}

func System(text string) Message {
	return Message{Role: RoleSystem, Parts: []ContentPart{TextPart(text)}}
}
func User(text string) Message { return Message{Role: RoleUser, Parts: []ContentPart{TextPart(text)}} }
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Parts: []ContentPart{TextPart(text)}}
}
func ToolResult(toolCallID string, text string) Message {
	return Message{Role: RoleTool, ToolCallID: toolCallID, Parts: []ContentPart{TextPart(text)}}
}

func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]ContentPart, len(m.Parts))
		copy(out.Parts, m.Parts)
		for i := range out.Parts {
			out.Parts[i].Data = append([]byte(nil), out.Parts[i].Data...)
		}
	}
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
		for i := range out.ToolCalls {
			out.ToolCalls[i].Arguments = append([]byte(nil), out.ToolCalls[i].Arguments...)
		}
	}
	return out
}

// Text returns the concatenated plain text of all text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == ContentPartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasMedia reports whether the message carries any non-text part.
func (m Message) HasMedia() bool {
	for _, p := range m.Parts {
		if p.Type != ContentPartText {
			return true
		}
	}
	return false
}

// ToolCall is a canonical representation of a tool/function call.
//
// Some backends stream ArgumentsText in chunks and may not guarantee valid
// JSON. When possible, adapters should fill Arguments (valid JSON bytes).
type ToolCall struct {
	ID            string
	Name          string
	Arguments     json.RawMessage
	ArgumentsText string
}

// FunctionCall is the legacy single-function form some backends still emit.
type FunctionCall struct {
	Name      string
	Arguments string
}
