package tokens

import (
	"strconv"
	"strings"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/internal/cache"
)

const (
	// perMessageTokens and conversationTokens mirror the fixed framing
	// overhead hosted chat APIs charge around each message and each
	// conversation.
	perMessageTokens   = 3
	conversationTokens = 3

	// imageTokenEstimate is a fixed approximation for image and binary
	// parts. It is known-inexact; downstream budget handling absorbs the
	// drift, so do not "correct" it.
	imageTokenEstimate = 765

	defaultEncodeCacheSize = 1000
	defaultDecodeCacheSize = 100
)

// Accountant counts tokens for text and message lists using a pluggable
// tokenizer. Encode and decode results are cached in two bounded caches;
// the accountant is safe for concurrent use and never fails: empty input
// costs zero.
type Accountant struct {
	tok    Tokenizer
	encode *cache.Cache[string, []int]
	decode *cache.Cache[string, string]
}

func NewAccountant(tok Tokenizer) *Accountant {
	return &Accountant{
		tok:    tok,
		encode: cache.New[string, []int](defaultEncodeCacheSize),
		decode: cache.New[string, string](defaultDecodeCacheSize),
	}
}

// Encode tokenizes text, serving repeats from the bounded cache. The
// returned slice is owned by the caller.
func (a *Accountant) Encode(text string) []int {
	if text == "" {
		return nil
	}
	if ids, ok := a.encode.Get(text); ok {
		return append([]int(nil), ids...)
	}
	ids := a.tok.Encode(text)
	a.encode.Put(text, append([]int(nil), ids...))
	return ids
}

// Decode reverses Encode, caching by the id sequence.
func (a *Accountant) Decode(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	key := idsKey(ids)
	if s, ok := a.decode.Get(key); ok {
		return s
	}
	s := a.tok.Decode(ids)
	a.decode.Put(key, s)
	return s
}

// CountText returns the exact token count of text.
func (a *Accountant) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(a.Encode(text))
}

// CountMessages returns the total cost of a conversation: per-message
// framing plus one conversation-level overhead.
func (a *Accountant) CountMessages(msgs []llm.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := conversationTokens
	for _, m := range msgs {
		total += a.CountMessage(m)
	}
	return total
}

// CountMessage returns the cost of one message including its framing.
func (a *Accountant) CountMessage(m llm.Message) int {
	return a.MessageOverhead(m) + a.ContentTokens(m)
}

// MessageOverhead is the message's cost excluding content: fixed framing,
// role name, optional sender name, and tool call payloads.
func (a *Accountant) MessageOverhead(m llm.Message) int {
	n := perMessageTokens + a.CountText(string(m.Role))
	if m.Name != "" {
		n += a.CountText(m.Name)
	}
	if m.ToolCallID != "" {
		n += a.CountText(m.ToolCallID)
	}
	for _, tc := range m.ToolCalls {
		n += a.CountText(tc.Name)
		n += a.CountText(firstNonEmpty(tc.ArgumentsText, string(tc.Arguments)))
	}
	return n
}

// ContentTokens measures the message's parts: text exactly, image and
// inline binary at the fixed estimate, anything else passes through
// unmeasured.
func (a *Accountant) ContentTokens(m llm.Message) int {
	n := 0
	for _, p := range m.Parts {
		switch p.Type {
		case llm.ContentPartText:
			n += a.CountText(p.Text)
		case llm.ContentPartImage:
			n += imageTokenEstimate
		}
	}
	return n
}

// ImageTokens is the fixed per-image cost estimate.
func (a *Accountant) ImageTokens() int { return imageTokenEstimate }

// ConversationOverhead is the fixed conversation-level framing cost.
func (a *Accountant) ConversationOverhead() int { return conversationTokens }

// TruncateText keeps the first maxTokens tokens of text.
func (a *Accountant) TruncateText(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := a.Encode(text)
	if len(ids) <= maxTokens {
		return text
	}
	return a.Decode(ids[:maxTokens])
}

func idsKey(ids []int) string {
	var b strings.Builder
	b.Grow(len(ids) * 4)
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(id))
	}
	return b.String()
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
