// Package openai adapts chat-completions style backends (OpenAI and
// Azure OpenAI deployments) to the canonical model.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/pipeline"
	"github.com/aj-archipelago/cortex-sub000/llm/tokens"
	"github.com/aj-archipelago/cortex-sub000/llm/truncate"
)

// Tag is the registry type this adapter answers to.
const Tag = "openai-chat"

// Register installs the adapter constructor in a registry.
func Register(r *llm.Registry) error {
	return r.Register(Tag, func(desc llm.BackendDescriptor) (llm.Adapter, error) {
		return New(desc)
	})
}

type Adapter struct {
	desc   llm.BackendDescriptor
	acc    *tokens.Accountant
	trunc  *truncate.Engine
	exec   *pipeline.Pipeline
	logger *slog.Logger
}

type Option func(*Adapter) error

// WithTokenizer replaces the default encoding.
func WithTokenizer(tok tokens.Tokenizer) Option {
	return func(a *Adapter) error {
		a.acc = tokens.NewAccountant(tok)
		return nil
	}
}

func WithPipeline(p *pipeline.Pipeline) Option {
	return func(a *Adapter) error {
		a.exec = p
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) error {
		if l == nil {
			return fmt.Errorf("nil logger")
		}
		a.logger = l
		return nil
	}
}

func New(desc llm.BackendDescriptor, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		desc:   desc,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.acc == nil {
		tok, err := tokens.NewTiktoken("cl100k_base")
		if err != nil {
			return nil, err
		}
		a.acc = tokens.NewAccountant(tok)
	}
	a.trunc = truncate.New(a.acc, truncate.WithLogger(a.logger))
	if a.exec == nil {
		a.exec = pipeline.New(nil, pipeline.WithLogger(a.logger))
	}
	return a, nil
}

// passthroughParams are pathway/call parameters forwarded verbatim to the
// backend payload.
var passthroughParams = map[string]bool{
	"tools":             true,
	"tool_choice":       true,
	"functions":         true,
	"function_call":     true,
	"response_format":   true,
	"top_p":             true,
	"stop":              true,
	"seed":              true,
	"presence_penalty":  true,
	"frequency_penalty": true,
}

// RequestParameters builds the chat-completions payload. The conversation is
// fitted to the prompt-side token budget before conversion to the wire
// shape.
func (a *Adapter) RequestParameters(ctx context.Context, text string, params map[string]any, pw llm.Pathway) (any, error) {
	msgs, err := a.buildMessages(text, params, pw)
	if err != nil {
		return nil, err
	}

	fitted, err := a.trunc.Fit(msgs, a.desc.Budget().TargetLength())
	if err != nil {
		return nil, err
	}

	wire, err := a.convertMessages(fitted)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"model":    a.model(pw),
		"messages": wire,
	}
	if pw.Temperature != nil {
		payload["temperature"] = *pw.Temperature
	}
	if a.desc.MaxReturnTokens > 0 {
		payload["max_tokens"] = a.desc.MaxReturnTokens
	}
	for k, v := range pw.Params {
		if passthroughParams[k] {
			payload[k] = v
		}
	}
	for k, v := range params {
		if passthroughParams[k] {
			payload[k] = v
		}
	}
	return payload, nil
}

// Execute prepares and runs one complete call through the pipeline.
func (a *Adapter) Execute(ctx context.Context, text string, params map[string]any, pw llm.Pathway, req *llm.Request) (*llm.Response, error) {
	payload, err := a.RequestParameters(ctx, text, params, pw)
	if err != nil {
		return nil, err
	}

	if err := a.prepare(req); err != nil {
		return nil, err
	}
	req.Body = payload

	return a.exec.Execute(ctx, a, pw, req)
}

// ExecuteStream prepares the same call with the stream flag set and opens
// it through the pipeline's stream path.
func (a *Adapter) ExecuteStream(ctx context.Context, text string, params map[string]any, pw llm.Pathway, req *llm.Request, pub llm.ProgressPublisher) (*pipeline.Stream, error) {
	payload, err := a.RequestParameters(ctx, text, params, pw)
	if err != nil {
		return nil, err
	}
	if err := a.prepare(req); err != nil {
		return nil, err
	}
	if m, ok := payload.(map[string]any); ok {
		m["stream"] = true
	}
	req.Body = payload

	return a.exec.ExecuteStream(ctx, a, pw, req, pub)
}

// prepare fills URL, method and credential headers from the descriptor when
// the caller left them empty.
func (a *Adapter) prepare(req *llm.Request) error {
	if req.URL == "" {
		u, err := a.desc.ExpandEndpoint(nil)
		if err != nil {
			return err
		}
		req.URL = u
	}
	if req.Method == "" {
		req.Method = a.desc.Method
	}
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	hdr, err := a.desc.HeaderSet()
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			if req.Headers.Get(k) == "" {
				req.Headers.Set(k, v)
			}
		}
	}
	return nil
}

func (a *Adapter) model(pw llm.Pathway) string {
	if pw.Model != "" {
		return pw.Model
	}
	return a.desc.Model
}

func (a *Adapter) buildMessages(text string, params map[string]any, pw llm.Pathway) ([]llm.Message, error) {
	if v, ok := params["messages"]; ok {
		msgs, ok := v.([]llm.Message)
		if !ok {
			return nil, llm.NewConfigError("messages parameter must be []llm.Message, got %T", v)
		}
		return msgs, nil
	}

	var msgs []llm.Message
	if pw.Prompt != "" {
		msgs = append(msgs, llm.System(pw.Prompt))
	}
	msgs = append(msgs, llm.User(text))
	return msgs, nil
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    any             `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (a *Adapter) convertMessages(msgs []llm.Message) ([]wireMessage, error) {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       string(m.Role),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.ArgumentsText
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}

		if !m.HasMedia() {
			wm.Content = m.Text()
			out = append(out, wm)
			continue
		}

		var parts []map[string]any
		for _, p := range m.Parts {
			switch p.Type {
			case llm.ContentPartText:
				parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			case llm.ContentPartImage:
				url := p.URL
				if url == "" {
					if err := a.checkImage(p); err != nil {
						return nil, err
					}
					url = "data:" + p.MIME + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
				}
				parts = append(parts, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": url},
				})
			default:
				return nil, &llm.Error{
					Backend: Tag,
					Kind:    llm.ErrKindBadRequest,
					Message: fmt.Sprintf("unsupported content part type %q", p.Type),
				}
			}
		}
		wm.Content = parts
		out = append(out, wm)
	}
	return out, nil
}

func (a *Adapter) checkImage(p llm.ContentPart) error {
	if !a.desc.AllowsMIME(p.MIME) {
		return &llm.Error{
			Backend: Tag,
			Kind:    llm.ErrKindBadRequest,
			Message: fmt.Sprintf("media type %q not accepted by backend", p.MIME),
		}
	}
	if a.desc.MaxImageBytes > 0 && int64(len(p.Data)) > a.desc.MaxImageBytes {
		return &llm.Error{
			Backend: Tag,
			Kind:    llm.ErrKindBadRequest,
			Message: fmt.Sprintf("image of %d bytes exceeds backend limit %d", len(p.Data), a.desc.MaxImageBytes),
		}
	}
	return nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content      string         `json:"content"`
			ToolCalls    []wireToolCall `json:"tool_calls"`
			FunctionCall *struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse converts a chat-completions body to the canonical envelope.
func (a *Adapter) ParseResponse(raw []byte) (*llm.Response, error) {
	var body chatResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &llm.Error{
			Backend: Tag,
			Kind:    llm.ErrKindParse,
			Message: "unparseable response body",
			Raw:     raw,
			Cause:   err,
		}
	}
	if len(body.Choices) == 0 {
		return nil, &llm.Error{
			Backend: Tag,
			Kind:    llm.ErrKindParse,
			Message: "response carries no choices",
			Raw:     raw,
		}
	}

	choice := body.Choices[0]
	resp := &llm.Response{
		Text:         choice.Message.Content,
		FinishReason: finishReason(choice.FinishReason),
		Usage: &llm.Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
			TotalTokens:      body.Usage.TotalTokens,
		},
	}

	if len(choice.Message.ToolCalls) > 0 {
		calls := make([]llm.ToolCall, 0, len(choice.Message.ToolCalls))
		for _, tc := range choice.Message.ToolCalls {
			calls = append(calls, llm.ToolCall{
				ID:            tc.ID,
				Name:          tc.Function.Name,
				Arguments:     json.RawMessage(tc.Function.Arguments),
				ArgumentsText: tc.Function.Arguments,
			})
		}
		resp.SetToolCalls(calls)
	}
	if fc := choice.Message.FunctionCall; fc != nil {
		resp.SetFunctionCall(&llm.FunctionCall{Name: fc.Name, Arguments: fc.Arguments})
	}
	return resp, nil
}

func finishReason(s string) llm.FinishReason {
	switch s {
	case "stop":
		return llm.FinishReasonStop
	case "length":
		return llm.FinishReasonLength
	case "tool_calls":
		return llm.FinishReasonToolCalls
	case "function_call":
		return llm.FinishReasonFunctionCall
	case "content_filter":
		return llm.FinishReasonContentFilter
	case "":
		return ""
	default:
		return llm.FinishReasonUnknown
	}
}

// LogRequestData adds backend-specific fields to the request-start event.
func (a *Adapter) LogRequestData(logger *slog.Logger, req *llm.Request, payload any) {
	m, ok := payload.(map[string]any)
	if !ok {
		return
	}
	msgs, _ := m["messages"].([]wireMessage)
	logger.Debug("openai request",
		"model", m["model"],
		"messages", len(msgs),
		"stream", req.Stream)
}
