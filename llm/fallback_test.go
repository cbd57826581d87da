package llm

import (
	"context"
	"errors"
	"testing"
)

func TestFallbackPolicy_TriggersOnDeclaredKind(t *testing.T) {
	primary := &nopAdapter{}
	fallback := &nopAdapter{}

	var called []Adapter
	call := func(_ context.Context, a Adapter) (*Response, error) {
		called = append(called, a)
		if a == primary {
			return nil, &Error{Backend: "azure", Kind: ErrKindServer, Message: "boom"}
		}
		return &Response{Text: "fallback ok"}, nil
	}

	p := FallbackPolicy{Primary: primary, Fallback: fallback, On: []ErrorKind{ErrKindServer}}
	resp, err := p.Do(context.Background(), call)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if resp.Text != "fallback ok" {
		t.Fatalf("text=%q", resp.Text)
	}
	if len(called) != 2 || called[0] != primary || called[1] != fallback {
		t.Fatalf("call order wrong: %d calls", len(called))
	}
}

func TestFallbackPolicy_IgnoresUndeclaredKind(t *testing.T) {
	primary := &nopAdapter{}
	fallback := &nopAdapter{}

	calls := 0
	call := func(_ context.Context, a Adapter) (*Response, error) {
		calls++
		return nil, &Error{Kind: ErrKindBadRequest, Message: "bad"}
	}

	p := FallbackPolicy{Primary: primary, Fallback: fallback, On: []ErrorKind{ErrKindServer}}
	_, err := p.Do(context.Background(), call)
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestFallbackPolicy_NeverRetriesConfigOrPromptErrors(t *testing.T) {
	primary := &nopAdapter{}
	fallback := &nopAdapter{}

	for _, fatal := range []error{
		NewConfigError("missing credential"),
		&PromptTooLongError{Required: 9000, Budget: 100},
	} {
		calls := 0
		call := func(_ context.Context, a Adapter) (*Response, error) {
			calls++
			return nil, fatal
		}
		p := FallbackPolicy{Primary: primary, Fallback: fallback}
		_, err := p.Do(context.Background(), call)
		if !errors.Is(err, fatal) {
			t.Fatalf("err=%v", err)
		}
		if calls != 1 {
			t.Fatalf("calls=%d for %v", calls, fatal)
		}
	}
}
