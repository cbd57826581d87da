package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/internal/transport"
)

// jsonAdapter parses {"text":...} bodies. It stands in for a full backend
// adapter in pipeline tests.
type jsonAdapter struct{}

func (jsonAdapter) RequestParameters(ctx context.Context, text string, params map[string]any, pw llm.Pathway) (any, error) {
	return map[string]string{"input": text}, nil
}

func (jsonAdapter) Execute(ctx context.Context, text string, params map[string]any, pw llm.Pathway, req *llm.Request) (*llm.Response, error) {
	return nil, errors.New("not used in pipeline tests")
}

func (jsonAdapter) ParseResponse(raw []byte) (*llm.Response, error) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return &llm.Response{Text: body.Text, FinishReason: llm.FinishReasonStop}, nil
}

func newTestRequest(srv *httptest.Server, pathway string) *llm.Request {
	req := llm.NewRequest(http.MethodPost, srv.URL, llm.NewCallContext(pathway))
	req.Body = map[string]string{"input": "hello"}
	return req
}

func TestExecuteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"hi there"}`))
	}))
	defer srv.Close()

	p := New(transport.New(nil))
	resp, err := p.Execute(context.Background(), jsonAdapter{}, llm.Pathway{Name: "chat"}, newTestRequest(srv, "chat"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("text=%q", resp.Text)
	}
}

func TestExecuteEmbeddedErrorIn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"model overloaded","code":"overloaded"}}`))
	}))
	defer srv.Close()

	p := New(transport.New(nil))
	_, err := p.Execute(context.Background(), jsonAdapter{}, llm.Pathway{Name: "chat"}, newTestRequest(srv, "chat"))

	var lerr *llm.Error
	if !errors.As(err, &lerr) {
		t.Fatalf("error type %T: %v", err, err)
	}
	if lerr.Kind != llm.ErrKindEmbeddedPayload {
		t.Fatalf("kind=%q", lerr.Kind)
	}
	if lerr.Message != "model overloaded" || lerr.ProviderCode != "overloaded" {
		t.Fatalf("message=%q code=%q", lerr.Message, lerr.ProviderCode)
	}
	if lerr.Pathway != "chat" {
		t.Fatalf("pathway=%q", lerr.Pathway)
	}
}

func TestExecuteEmptyBodyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(transport.New(nil))
	_, err := p.Execute(context.Background(), jsonAdapter{}, llm.Pathway{Name: "chat"}, newTestRequest(srv, "chat"))
	if llm.KindOf(err) != llm.ErrKindParse {
		t.Fatalf("err=%v", err)
	}
}

func TestExecuteCachesDeterministicCalls(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"text":"cached answer"}`))
	}))
	defer srv.Close()

	zero := 0.0
	pw := llm.Pathway{Name: "translate", Temperature: &zero}
	p := New(transport.New(nil), WithCache(NewMemoryCache(16)))

	for i := 0; i < 3; i++ {
		resp, err := p.Execute(context.Background(), jsonAdapter{}, pw, newTestRequest(srv, "translate"))
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Text != "cached answer" {
			t.Fatalf("call %d text=%q", i, resp.Text)
		}
	}
	if calls != 1 {
		t.Fatalf("upstream calls=%d, want 1", calls)
	}
}

func TestExecuteSkipsCacheWhenNotEligible(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"text":"fresh"}`))
	}))
	defer srv.Close()

	temp := 0.7
	pw := llm.Pathway{Name: "chat", Temperature: &temp}
	p := New(transport.New(nil), WithCache(NewMemoryCache(16)))

	for i := 0; i < 2; i++ {
		if _, err := p.Execute(context.Background(), jsonAdapter{}, pw, newTestRequest(srv, "chat")); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if calls != 2 {
		t.Fatalf("upstream calls=%d, want 2", calls)
	}
}

// loggingAdapter records request-start observability callbacks.
type loggingAdapter struct {
	jsonAdapter
	logged int
	body   any
}

func (l *loggingAdapter) LogRequestData(logger *slog.Logger, req *llm.Request, payload any) {
	l.logged++
	l.body = payload
}

func TestExecuteInvokesRequestLogger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	a := &loggingAdapter{}
	p := New(transport.New(nil))
	req := newTestRequest(srv, "chat")
	if _, err := p.Execute(context.Background(), a, llm.Pathway{Name: "chat"}, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if a.logged != 1 {
		t.Fatalf("LogRequestData calls=%d, want 1", a.logged)
	}
	if a.body == nil {
		t.Fatal("LogRequestData payload was nil")
	}
}

func TestExecuteStreamInvokesRequestLogger(t *testing.T) {
	srv := sseServer(t, "[DONE]")
	defer srv.Close()

	a := &loggingAdapter{}
	p := New(transport.New(nil))
	req := llm.NewRequest(http.MethodPost, srv.URL, llm.NewCallContext("chat"))
	s, err := p.ExecuteStream(context.Background(), a, llm.Pathway{Name: "chat"}, req, nil)
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	defer s.Close()

	if a.logged != 1 {
		t.Fatalf("LogRequestData calls=%d, want 1", a.logged)
	}
}

func TestExecuteDecidesCacheEligibility(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"ok"}`))
	}))
	defer srv.Close()

	p := New(transport.New(nil), WithCache(NewMemoryCache(16)))

	// The pipeline decides eligibility; a pre-set flag does not survive.
	zero := 0.0
	req := newTestRequest(srv, "translate")
	req.CacheEligible = false
	if _, err := p.Execute(context.Background(), jsonAdapter{}, llm.Pathway{Name: "translate", Temperature: &zero}, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !req.CacheEligible {
		t.Fatal("deterministic call should be marked cache-eligible")
	}

	temp := 0.7
	req = newTestRequest(srv, "chat")
	req.CacheEligible = true
	if _, err := p.Execute(context.Background(), jsonAdapter{}, llm.Pathway{Name: "chat", Temperature: &temp}, req); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if req.CacheEligible {
		t.Fatal("sampling call should not be marked cache-eligible")
	}
}

func TestNormalizeErrorExtractsNestedMessage(t *testing.T) {
	inner := `{"error":{"message":"The key has expired","code":"key_expired"}}`
	outer, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": inner, "code": "upstream_error"},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write(outer)
	}))
	defer srv.Close()

	p := New(transport.New(nil))
	_, err := p.Execute(context.Background(), jsonAdapter{}, llm.Pathway{Name: "chat"}, newTestRequest(srv, "chat"))

	var lerr *llm.Error
	if !errors.As(err, &lerr) {
		t.Fatalf("error type %T", err)
	}
	if lerr.Kind != llm.ErrKindAuth {
		t.Fatalf("kind=%q", lerr.Kind)
	}
	if lerr.Message != "The key has expired" {
		t.Fatalf("message=%q", lerr.Message)
	}
	if lerr.ProviderCode != "key_expired" {
		t.Fatalf("code=%q", lerr.ProviderCode)
	}
	if lerr.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("status=%d", lerr.HTTPStatus)
	}
}

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   llm.ErrorKind
	}{
		{http.StatusUnauthorized, llm.ErrKindAuth},
		{http.StatusForbidden, llm.ErrKindAuth},
		{http.StatusTooManyRequests, llm.ErrKindRateLimit},
		{http.StatusNotFound, llm.ErrKindNotFound},
		{http.StatusBadRequest, llm.ErrKindBadRequest},
		{http.StatusInternalServerError, llm.ErrKindServer},
		{http.StatusBadGateway, llm.ErrKindServer},
	}
	for _, tc := range cases {
		if got := kindForStatus(tc.status); got != tc.want {
			t.Errorf("kindForStatus(%d)=%q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestPollSucceedsBeforeBudget(t *testing.T) {
	var attempts int
	err := Poll(context.Background(), time.Millisecond, 10, func(context.Context) (bool, error) {
		attempts++
		return attempts == 3, nil
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts=%d", attempts)
	}
}

func TestPollExhaustionIsTimeout(t *testing.T) {
	err := Poll(context.Background(), time.Millisecond, 3, func(context.Context) (bool, error) {
		return false, nil
	})
	if llm.KindOf(err) != llm.ErrKindTimeout {
		t.Fatalf("err=%v", err)
	}
}

func TestPollPropagatesFnError(t *testing.T) {
	boom := errors.New("boom")
	err := Poll(context.Background(), time.Millisecond, 3, func(context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}
