package llm

import (
	"context"
	"log/slog"
)

// FallbackPolicy is the explicit two-step retry shape: run the primary
// adapter, and on a declared error class run the fallback exactly once.
// This replaces ad hoc per-adapter catch-and-call-another-backend control
// flow; the pipeline itself never retries.
type FallbackPolicy struct {
	Primary  Adapter
	Fallback Adapter

	// On lists the error kinds that trigger the fallback. Empty means any
	// classified gateway error does.
	On []ErrorKind

	Logger *slog.Logger
}

// Do invokes call with the primary adapter, then with the fallback when the
// failure matches the declared classes. Configuration and prompt-length
// errors never trigger a fallback: retrying cannot fix them.
func (p FallbackPolicy) Do(ctx context.Context, call func(context.Context, Adapter) (*Response, error)) (*Response, error) {
	resp, err := call(ctx, p.Primary)
	if err == nil || p.Fallback == nil {
		return resp, err
	}
	if IsConfigError(err) || IsPromptTooLong(err) {
		return nil, err
	}
	if !p.triggers(err) {
		return nil, err
	}
	if p.Logger != nil {
		p.Logger.Warn("primary backend failed, trying fallback", "kind", KindOf(err), "err", err)
	}
	return call(ctx, p.Fallback)
}

func (p FallbackPolicy) triggers(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	if len(p.On) == 0 {
		return true
	}
	for _, k := range p.On {
		if e.Kind == k {
			return true
		}
	}
	return false
}
