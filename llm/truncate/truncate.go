// Package truncate fits a canonical message list into a token budget under
// a fixed priority policy: the newest message is the live request and must
// survive, system instructions are next most valuable, and old context is
// cheapest to lose.
package truncate

import (
	"io"
	"log/slog"
	"sort"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/tokens"
)

const (
	// minUsableTokens is the smallest budget slice worth truncating a
	// message into; below it the message is dropped instead.
	minUsableTokens = 10

	// cutoffCapTokens caps the walk cutoff regardless of budget size.
	cutoffCapTokens = 20

	defaultMarker = " [...]"
)

type Engine struct {
	acc    *tokens.Accountant
	marker string
	logger *slog.Logger
}

type Option func(*Engine)

// WithMarker overrides the truncation-marker suffix.
func WithMarker(marker string) Option {
	return func(e *Engine) { e.marker = marker }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func New(acc *tokens.Accountant, opts ...Option) *Engine {
	e := &Engine{
		acc:    acc,
		marker: defaultMarker,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type fitConfig struct {
	perMessageCap int
}

type FitOption func(*fitConfig)

// WithPerMessageCap bounds any single message's cost before the walk.
func WithPerMessageCap(maxTokens int) FitOption {
	return func(c *fitConfig) { c.perMessageCap = maxTokens }
}

// Fit returns a message list whose measured cost fits target, preserving
// the input's relative order. Applying Fit to an already-fitting list is a
// no-op. The highest-priority (most recent) message survives, truncated if
// necessary, for any budget above the minimum usable threshold.
func (e *Engine) Fit(msgs []llm.Message, target int, opts ...FitOption) ([]llm.Message, error) {
	if len(msgs) == 0 {
		return msgs, nil
	}
	var cfg fitConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	margin := safetyMargin(target)
	effective := target - margin - e.acc.ConversationOverhead()
	if effective <= 0 {
		return nil, &llm.PromptTooLongError{Required: e.acc.CountMessages(msgs), Budget: target}
	}

	// Pre-pass: enforce the per-message cap.
	work := make([]llm.Message, len(msgs))
	copy(work, msgs)
	capApplied := false
	if cfg.perMessageCap > 0 {
		for i := range work {
			if e.acc.CountMessage(work[i]) > cfg.perMessageCap {
				if m, _, ok := e.truncateMessage(work[i], cfg.perMessageCap, true); ok {
					work[i] = m
					capApplied = true
				}
			}
		}
	}

	// Idempotent no-op when the untruncated set already fits.
	if !capApplied {
		total := 0
		for _, m := range msgs {
			total += e.acc.CountMessage(m)
		}
		if total <= effective {
			return msgs, nil
		}
	}

	prio := priorityOrder(work)
	cutoff := effective / 100
	if cutoff > cutoffCapTokens {
		cutoff = cutoffCapTokens
	}
	if cutoff < 1 {
		cutoff = 1
	}

	kept := make(map[int]llm.Message, len(work))
	remaining := effective
	for pos, idx := range prio {
		if pos > 0 && remaining < cutoff {
			break
		}
		m := work[idx]
		cost := e.acc.CountMessage(m)
		if cost <= remaining {
			kept[idx] = m
			remaining -= cost
			continue
		}
		if remaining < minUsableTokens {
			if pos == 0 && remaining > 0 {
				// Even the live request does not fit normally: force it
				// down to whatever fits, below the usual minimum.
				if tm, tc, ok := e.truncateMessage(m, remaining, true); ok {
					kept[idx] = tm
					remaining -= tc
				}
			}
			continue
		}
		if tm, tc, ok := e.truncateMessage(m, remaining, pos == 0); ok {
			kept[idx] = tm
			remaining -= tc
		}
	}

	if len(kept) == 0 {
		return nil, &llm.PromptTooLongError{Required: e.acc.CountMessages(msgs), Budget: target}
	}

	// Second pass: multimodal cost estimates are approximations, so
	// re-measure and squeeze the lowest-priority kept message until the
	// set complies.
	e.enforce(kept, prio, effective)

	out := make([]llm.Message, 0, len(kept))
	idxs := make([]int, 0, len(kept))
	for idx := range kept {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	for _, idx := range idxs {
		out = append(out, kept[idx])
	}
	if dropped := len(msgs) - len(out); dropped > 0 {
		e.logger.Debug("truncated conversation", "kept", len(out), "dropped", dropped, "target", target)
	}
	return out, nil
}

// enforce re-measures the kept set and aggressively re-truncates only the
// lowest-priority kept message until the total fits.
func (e *Engine) enforce(kept map[int]llm.Message, prio []int, effective int) {
	for {
		total := 0
		for _, m := range kept {
			total += e.acc.CountMessage(m)
		}
		if total <= effective {
			return
		}
		excess := total - effective

		lowIdx, lowPos := -1, -1
		for pos := len(prio) - 1; pos >= 0; pos-- {
			if _, ok := kept[prio[pos]]; ok {
				lowIdx, lowPos = prio[pos], pos
				break
			}
		}
		if lowIdx < 0 {
			return
		}

		m := kept[lowIdx]
		budget := e.acc.CountMessage(m) - excess
		if budget < minUsableTokens && lowPos > 0 {
			delete(kept, lowIdx)
			continue
		}
		if budget < 1 {
			budget = 1
		}
		tm, _, ok := e.truncateMessage(m, budget, true)
		if !ok {
			if lowPos > 0 {
				delete(kept, lowIdx)
				continue
			}
			return
		}
		if e.acc.CountMessage(tm) >= e.acc.CountMessage(m) {
			// No further reduction possible; stop rather than loop.
			if lowPos > 0 {
				delete(kept, lowIdx)
				continue
			}
			return
		}
		kept[lowIdx] = tm
	}
}

// priorityOrder returns message indexes in selection priority: the most
// recent message, then system messages most-recent-first, then the rest
// most-recent-first. Output order is restored separately.
func priorityOrder(msgs []llm.Message) []int {
	last := len(msgs) - 1
	prio := make([]int, 0, len(msgs))
	prio = append(prio, last)
	for i := last - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleSystem {
			prio = append(prio, i)
		}
	}
	for i := last - 1; i >= 0; i-- {
		if msgs[i].Role != llm.RoleSystem {
			prio = append(prio, i)
		}
	}
	return prio
}

// truncateMessage fits one message into budget tokens (framing included).
// Image parts are atomic at their fixed cost; trailing text is cut and
// marked. When force is set the result may fall below the normal minimum,
// down to a marker-only message.
func (e *Engine) truncateMessage(m llm.Message, budget int, force bool) (llm.Message, int, bool) {
	overhead := e.acc.MessageOverhead(m)
	avail := budget - overhead
	if avail <= 0 && !force {
		return llm.Message{}, 0, false
	}
	if avail < 0 {
		avail = 0
	}
	markerCost := e.acc.CountText(e.marker)

	out := m.Clone()
	var parts []llm.ContentPart
	cut := false
	for _, p := range m.Parts {
		if cut {
			break
		}
		switch p.Type {
		case llm.ContentPartImage:
			est := e.acc.ImageTokens()
			if est <= avail {
				parts = append(parts, p)
				avail -= est
				continue
			}
			cut = true
		case llm.ContentPartText:
			cost := e.acc.CountText(p.Text)
			if cost <= avail {
				parts = append(parts, p)
				avail -= cost
				continue
			}
			keep := avail - markerCost
			if keep > 0 {
				parts = append(parts, llm.TextPart(e.acc.TruncateText(p.Text, keep)+e.marker))
				avail = 0
				cut = true
				continue
			}
			cut = true
		default:
			// Unmeasured part types pass through.
			parts = append(parts, p)
		}
	}

	if cut && !endsWithMarker(parts, e.marker) {
		if markerCost <= avail || force {
			parts = append(parts, llm.TextPart(e.marker))
		}
	}
	if len(parts) == 0 {
		if !force {
			return llm.Message{}, 0, false
		}
		parts = []llm.ContentPart{llm.TextPart(e.marker)}
	}
	out.Parts = parts

	cost := e.acc.CountMessage(out)
	if cost > budget && !force {
		return llm.Message{}, 0, false
	}
	return out, cost, true
}

func endsWithMarker(parts []llm.ContentPart, marker string) bool {
	if len(parts) == 0 {
		return false
	}
	last := parts[len(parts)-1]
	if last.Type != llm.ContentPartText {
		return false
	}
	n := len(last.Text)
	return n >= len(marker) && last.Text[n-len(marker):] == marker
}

// safetyMargin reserves headroom against tokenizer disagreement between the
// gateway and the backend: ~5% of the target above 1000 tokens, ~2% below,
// floored near 1%. The percentages are empirical; keep them.
func safetyMargin(target int) int {
	pct := 0.02
	if target > 1000 {
		pct = 0.05
	}
	m := int(float64(target) * pct)
	if floor := target / 100; m < floor {
		m = floor
	}
	if m < 1 {
		m = 1
	}
	return m
}
