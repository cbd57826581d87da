package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/tokens"
)

func newTestAdapter(t *testing.T, desc llm.BackendDescriptor) *Adapter {
	t.Helper()
	a, err := New(desc, WithTokenizer(tokens.NewWordTokenizer()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestRequestParametersShape(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{
		Model:           "gemini-1.5-pro",
		MaxReturnTokens: 256,
	})

	temp := 0.0
	pw := llm.Pathway{Name: "chat", Prompt: "Answer briefly.", Temperature: &temp}

	msgs := []llm.Message{
		llm.System("Answer briefly."),
		llm.User("first question"),
		llm.Assistant("first answer"),
		llm.User("second question"),
	}
	got, err := a.RequestParameters(context.Background(), "", map[string]any{"messages": msgs}, pw)
	if err != nil {
		t.Fatalf("RequestParameters: %v", err)
	}
	payload := got.(*generateRequest)

	if payload.SystemInstruction == nil || payload.SystemInstruction.Parts[0].Text != "Answer briefly." {
		t.Fatalf("systemInstruction=%+v", payload.SystemInstruction)
	}
	if len(payload.Contents) != 3 {
		t.Fatalf("contents=%d", len(payload.Contents))
	}
	if payload.Contents[0].Role != "user" || payload.Contents[1].Role != "model" || payload.Contents[2].Role != "user" {
		t.Fatalf("roles=%q %q %q", payload.Contents[0].Role, payload.Contents[1].Role, payload.Contents[2].Role)
	}
	if payload.GenerationConfig == nil || *payload.GenerationConfig.Temperature != 0 {
		t.Fatalf("generationConfig=%+v", payload.GenerationConfig)
	}
	if payload.GenerationConfig.MaxOutputTokens != 256 {
		t.Fatalf("maxOutputTokens=%d", payload.GenerationConfig.MaxOutputTokens)
	}
}

func TestRequestParametersInlineImage(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{
		AllowedMIMEs: []string{"image/png"},
	})

	msgs := []llm.Message{{Role: llm.RoleUser, Parts: []llm.ContentPart{
		llm.TextPart("what is in this image"),
		llm.ImageDataPart("image/png", []byte{1, 2, 3}),
	}}}
	got, err := a.RequestParameters(context.Background(), "", map[string]any{"messages": msgs}, llm.Pathway{Name: "vision"})
	if err != nil {
		t.Fatalf("RequestParameters: %v", err)
	}
	parts := got.(*generateRequest).Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts=%d", len(parts))
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MIMEType != "image/png" {
		t.Fatalf("inline part=%+v", parts[1])
	}
}

func TestParseResponseText(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{})
	raw := []byte(`{
		"candidates":[{"content":{"parts":[{"text":"Hello "},{"text":"world."}],"role":"model"},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":4,"totalTokenCount":11}
	}`)

	resp, err := a.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Text != "Hello world." {
		t.Fatalf("text=%q", resp.Text)
	}
	if resp.FinishReason != llm.FinishReasonStop {
		t.Fatalf("finish=%q", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 11 {
		t.Fatalf("usage=%+v", resp.Usage)
	}
}

func TestParseResponsePromptBlockIsNormalResult(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{})
	raw := []byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`)

	resp, err := a.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if !resp.IsSafetyBlocked() {
		t.Fatalf("metadata=%+v", resp.Metadata)
	}
	if resp.Text != llm.SafetyNotice {
		t.Fatalf("text=%q", resp.Text)
	}
	if resp.FinishReason != llm.FinishReasonContentFilter {
		t.Fatalf("finish=%q", resp.FinishReason)
	}
}

func TestParseResponseCandidateSafetyFinish(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{})
	raw := []byte(`{"candidates":[{"content":{"parts":[{"text":"par"}]},"finishReason":"SAFETY"}]}`)

	resp, err := a.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if !resp.IsSafetyBlocked() || resp.Text != llm.SafetyNotice {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestParseResponseFunctionCall(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{})
	raw := []byte(`{"candidates":[{"content":{"parts":[
		{"functionCall":{"name":"lookup","args":{"q":"weather"}}}
	]},"finishReason":"STOP"}]}`)

	resp, err := a.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "lookup" {
		t.Fatalf("tool calls=%+v", resp.ToolCalls)
	}
	if resp.FinishReason != llm.FinishReasonToolCalls {
		t.Fatalf("finish=%q", resp.FinishReason)
	}
	var args map[string]string
	if err := json.Unmarshal(resp.ToolCalls[0].Arguments, &args); err != nil || args["q"] != "weather" {
		t.Fatalf("args=%s", resp.ToolCalls[0].Arguments)
	}
}

func TestParseResponseGroundingBecomesSearchResults(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{})
	raw := []byte(`{"candidates":[{
		"content":{"parts":[{"text":"Per recent coverage..."}]},
		"finishReason":"STOP",
		"groundingMetadata":{"groundingChunks":[
			{"web":{"uri":"https://example.com/a","title":"Source A"}},
			{"web":{"uri":"https://example.com/b","title":"Source B"}}
		]}
	}]}`)

	resp, err := a.ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.SearchResults) != 2 {
		t.Fatalf("search results=%+v", resp.SearchResults)
	}
	if resp.SearchResults[0].Title != "Source A" || resp.SearchResults[0].URL != "https://example.com/a" {
		t.Fatalf("first result=%+v", resp.SearchResults[0])
	}
}

func TestProcessStreamEventDeltas(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{})
	p := llm.NewProgress()

	frame := []byte(`{"candidates":[{"content":{"parts":[{"text":"chunk one "}]}}]}`)
	if err := a.ProcessStreamEvent(frame, p); err != nil {
		t.Fatalf("ProcessStreamEvent: %v", err)
	}
	d, ok := p.TakePending()
	if !ok || d.Content != "chunk one " {
		t.Fatalf("delta=%+v ok=%v", d, ok)
	}
	if p.Done() {
		t.Fatal("stream should not be done yet")
	}

	final := []byte(`{"candidates":[{"content":{"parts":[{"text":"end."}]},"finishReason":"STOP"}]}`)
	if err := a.ProcessStreamEvent(final, p); err != nil {
		t.Fatalf("ProcessStreamEvent: %v", err)
	}
	d, ok = p.TakePending()
	if !ok || d.FinishReason != "stop" {
		t.Fatalf("final delta=%+v", d)
	}
	if !p.Done() {
		t.Fatal("finish frame should complete the stream")
	}
}

func TestProcessStreamEventSafetyBlock(t *testing.T) {
	a := newTestAdapter(t, llm.BackendDescriptor{})
	p := llm.NewProgress()

	frame := []byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`)
	if err := a.ProcessStreamEvent(frame, p); err != nil {
		t.Fatalf("ProcessStreamEvent: %v", err)
	}
	d, ok := p.TakePending()
	if !ok || d.Content != llm.SafetyNotice {
		t.Fatalf("delta=%+v", d)
	}
	if !p.Done() {
		t.Fatal("safety block should complete the stream")
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "g-test" {
			t.Errorf("key=%q", got)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"pong"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	t.Setenv("GEMINI_API_KEY", "g-test")
	a := newTestAdapter(t, llm.BackendDescriptor{
		Endpoint: srv.URL + "/v1beta/models/{model}:generateContent?key=${GEMINI_API_KEY}",
		Model:    "gemini-1.5-flash",
	})

	req := llm.NewRequest("", "", llm.NewCallContext("chat"))
	resp, err := a.Execute(context.Background(), "ping", nil, llm.Pathway{Name: "chat"}, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Text != "pong" {
		t.Fatalf("text=%q", resp.Text)
	}
}

func TestRegister(t *testing.T) {
	r := llm.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	found := false
	for _, tag := range r.Types() {
		if tag == Tag {
			found = true
		}
	}
	if !found {
		t.Fatalf("types=%v", r.Types())
	}
}
