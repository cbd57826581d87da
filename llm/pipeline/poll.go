package pipeline

import (
	"context"
	"time"

	"github.com/aj-archipelago/cortex-sub000/llm"
)

// Poll invokes fn at the given interval until it reports done, fails, or
// the attempt budget runs out. Exhausting the budget is a timeout error;
// callers must not silently treat it as completion.
func Poll(ctx context.Context, interval time.Duration, maxAttempts int, fn func(context.Context) (bool, error)) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return &llm.Error{
		Kind:    llm.ErrKindTimeout,
		Message: "operation still pending after polling attempts were exhausted",
	}
}
