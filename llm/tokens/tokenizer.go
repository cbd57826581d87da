// Package tokens measures token costs for text and canonical message lists.
package tokens

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer is the pluggable encoder behind the accountant. Encode and
// Decode must be deterministic; a lossless tokenizer round-trips exactly.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// NewTiktoken returns a BPE tokenizer for the named encoding (e.g.
// "cl100k_base"), matching what most hosted chat backends count with.
func NewTiktoken(encoding string) (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

// WordTokenizer is a lossless segment tokenizer: runs of non-space
// characters and runs of spaces each become one token. It assigns ids on
// first sight and is intended for tests and offline use, where downloading
// a BPE vocabulary is unwanted.
type WordTokenizer struct {
	mu    sync.Mutex
	ids   map[string]int
	words []string
}

func NewWordTokenizer() *WordTokenizer {
	return &WordTokenizer{ids: make(map[string]int)}
}

func (t *WordTokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	segs := splitSegments(text)

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(segs))
	for _, s := range segs {
		id, ok := t.ids[s]
		if !ok {
			id = len(t.words)
			t.ids[s] = id
			t.words = append(t.words, s)
		}
		out = append(out, id)
	}
	return out
}

func (t *WordTokenizer) Decode(ids []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for _, id := range ids {
		if id >= 0 && id < len(t.words) {
			b.WriteString(t.words[id])
		}
	}
	return b.String()
}

func splitSegments(text string) []string {
	var segs []string
	var cur strings.Builder
	var curSpace bool
	for _, r := range text {
		isSpace := unicode.IsSpace(r)
		if cur.Len() > 0 && isSpace != curSpace {
			segs = append(segs, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
		curSpace = isSpace
	}
	if cur.Len() > 0 {
		segs = append(segs, cur.String())
	}
	return segs
}
