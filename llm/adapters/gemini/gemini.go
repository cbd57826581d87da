// Package gemini adapts Google's generateContent API to the canonical
// model, including its safety-block reporting and streaming shape.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/pipeline"
	"github.com/aj-archipelago/cortex-sub000/llm/tokens"
	"github.com/aj-archipelago/cortex-sub000/llm/truncate"
)

const Tag = "gemini-chat"

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
		// Token counts against Google's own tokenizer differ slightly; the
		// budget safety margin absorbs the drift.
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

type wirePart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *wireBlob     `json:"inline_data,omitempty"`
	FileData   *wireFileData `json:"file_data,omitempty"`
}

type wireBlob struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type wireFileData struct {
	MIMEType string `json:"mime_type,omitempty"`
	FileURI  string `json:"file_uri"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type generateRequest struct {
	Contents          []wireContent   `json:"contents"`
	SystemInstruction *wireContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConf `json:"generationConfig,omitempty"`
	SafetySettings    any             `json:"safetySettings,omitempty"`
}

type generationConf struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	TopP            any      `json:"topP,omitempty"`
	StopSequences   any      `json:"stopSequences,omitempty"`
}

// RequestParameters builds the generateContent payload. System messages are
// lifted into systemInstruction; the rest of the conversation maps to
// alternating user/model contents.
func (a *Adapter) RequestParameters(ctx context.Context, text string, params map[string]any, pw llm.Pathway) (any, error) {
	msgs, err := a.buildMessages(text, params, pw)
	if err != nil {
		return nil, err
	}

	fitted, err := a.trunc.Fit(msgs, a.desc.Budget().TargetLength())
	if err != nil {
		return nil, err
	}

	payload := &generateRequest{}
	for _, m := range fitted {
		if m.Role == llm.RoleSystem {
			if payload.SystemInstruction == nil {
				payload.SystemInstruction = &wireContent{}
			}
			payload.SystemInstruction.Parts = append(payload.SystemInstruction.Parts, wirePart{Text: m.Text()})
			continue
		}
		content, err := a.convertMessage(m)
		if err != nil {
			return nil, err
		}
		payload.Contents = append(payload.Contents, content)
	}

	conf := &generationConf{}
	if pw.Temperature != nil {
		conf.Temperature = pw.Temperature
	}
	if a.desc.MaxReturnTokens > 0 {
		conf.MaxOutputTokens = a.desc.MaxReturnTokens
	}
	if v, ok := pw.Params["top_p"]; ok {
		conf.TopP = v
	}
	if v, ok := pw.Params["stop"]; ok {
		conf.StopSequences = v
	}
	if conf.Temperature != nil || conf.MaxOutputTokens > 0 || conf.TopP != nil || conf.StopSequences != nil {
		payload.GenerationConfig = conf
	}
	if v, ok := pw.Params["safety_settings"]; ok {
		payload.SafetySettings = v
	}
	return payload, nil
}

func (a *Adapter) Execute(ctx context.Context, text string, params map[string]any, pw llm.Pathway, req *llm.Request) (*llm.Response, error) {
	payload, err := a.RequestParameters(ctx, text, params, pw)
	if err != nil {
		return nil, err
	}

	if err := a.prepare(req, pw); err != nil {
		return nil, err
	}
	req.Body = payload

	return a.exec.Execute(ctx, a, pw, req)
}

// ExecuteStream opens a streamed generateContent call. The endpoint's
// generateContent suffix is swapped for streamGenerateContent and alt=sse
// requests SSE framing.
func (a *Adapter) ExecuteStream(ctx context.Context, text string, params map[string]any, pw llm.Pathway, req *llm.Request, pub llm.ProgressPublisher) (*pipeline.Stream, error) {
	payload, err := a.RequestParameters(ctx, text, params, pw)
	if err != nil {
		return nil, err
	}
	if err := a.prepare(req, pw); err != nil {
		return nil, err
	}
	req.URL = strings.Replace(req.URL, ":generateContent", ":streamGenerateContent", 1)
	req.Query.Set("alt", "sse")
	req.Body = payload

	return a.exec.ExecuteStream(ctx, a, pw, req, pub)
}

func (a *Adapter) prepare(req *llm.Request, pw llm.Pathway) error {
	if req.URL == "" {
		u, err := a.desc.ExpandEndpoint(map[string]string{"model": a.model(pw)})
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

func (a *Adapter) convertMessage(m llm.Message) (wireContent, error) {
	role := "user"
	if m.Role == llm.RoleAssistant {
		role = "model"
	}

	content := wireContent{Role: role}
	for _, p := range m.Parts {
		switch p.Type {
		case llm.ContentPartText:
			content.Parts = append(content.Parts, wirePart{Text: p.Text})
		case llm.ContentPartImage:
			if p.URL != "" {
				content.Parts = append(content.Parts, wirePart{
					FileData: &wireFileData{MIMEType: p.MIME, FileURI: p.URL},
				})
				continue
			}
			if err := a.checkImage(p); err != nil {
				return wireContent{}, err
			}
			content.Parts = append(content.Parts, wirePart{
				InlineData: &wireBlob{
					MIMEType: p.MIME,
					Data:     base64.StdEncoding.EncodeToString(p.Data),
				},
			})
		case llm.ContentPartDocument:
			content.Parts = append(content.Parts, wirePart{
				FileData: &wireFileData{MIMEType: p.MIME, FileURI: p.URL},
			})
		default:
			return wireContent{}, &llm.Error{
				Backend: Tag,
				Kind:    llm.ErrKindBadRequest,
				Message: fmt.Sprintf("unsupported content part type %q", p.Type),
			}
		}
	}
	return content, nil
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

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason     string `json:"finishReason"`
		CitationMetadata *struct {
			CitationSources []struct {
				URI string `json:"uri"`
			} `json:"citationSources"`
		} `json:"citationMetadata"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// ParseResponse converts a generateContent body to the canonical envelope.
// A safety block is reported as an ordinary result carrying a notice, not
// as an error.
func (a *Adapter) ParseResponse(raw []byte) (*llm.Response, error) {
	var body generateResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &llm.Error{
			Backend: Tag,
			Kind:    llm.ErrKindParse,
			Message: "unparseable response body",
			Raw:     raw,
			Cause:   err,
		}
	}

	resp := &llm.Response{}
	if u := body.UsageMetadata; u != nil {
		resp.Usage = &llm.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}

	if fb := body.PromptFeedback; fb != nil && fb.BlockReason != "" {
		resp.MarkSafetyBlocked(fb.BlockReason)
		a.logger.Warn("prompt blocked by provider safety system", "backend", Tag, "reason", fb.BlockReason)
		return resp, nil
	}
	if len(body.Candidates) == 0 {
		return nil, &llm.Error{
			Backend: Tag,
			Kind:    llm.ErrKindParse,
			Message: "response carries no candidates",
			Raw:     raw,
		}
	}

	cand := body.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		resp.MarkSafetyBlocked(cand.FinishReason)
		a.logger.Warn("candidate blocked by provider safety system", "backend", Tag, "reason", cand.FinishReason)
		return resp, nil
	}

	var toolCalls []llm.ToolCall
	for _, p := range cand.Content.Parts {
		if p.FunctionCall != nil {
			toolCalls = append(toolCalls, llm.ToolCall{
				Name:          p.FunctionCall.Name,
				Arguments:     p.FunctionCall.Args,
				ArgumentsText: string(p.FunctionCall.Args),
			})
			continue
		}
		resp.Text += p.Text
	}
	resp.FinishReason = finishReason(cand.FinishReason)
	if len(toolCalls) > 0 {
		resp.SetToolCalls(toolCalls)
	}

	if cm := cand.CitationMetadata; cm != nil {
		for _, src := range cm.CitationSources {
			resp.Citations = append(resp.Citations, llm.Citation{URL: src.URI})
		}
	}
	if gm := cand.GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk.Web == nil {
				continue
			}
			resp.SearchResults = append(resp.SearchResults, llm.SearchResult{
				Title: chunk.Web.Title,
				URL:   chunk.Web.URI,
			})
		}
	}
	return resp, nil
}

func finishReason(s string) llm.FinishReason {
	switch s {
	case "STOP":
		return llm.FinishReasonStop
	case "MAX_TOKENS":
		return llm.FinishReasonLength
	case "SAFETY", "RECITATION":
		return llm.FinishReasonContentFilter
	case "":
		return ""
	default:
		return llm.FinishReasonUnknown
	}
}

// ProcessStreamEvent overrides the default normalizer: streamed frames are
// generateContent bodies, not chat-completion chunks, and there is no
// terminal sentinel.
func (a *Adapter) ProcessStreamEvent(frame []byte, p *llm.Progress) error {
	p.ClearPending()

	var body generateResponse
	if err := json.Unmarshal(frame, &body); err != nil {
		return &llm.Error{
			Backend: Tag,
			Kind:    llm.ErrKindStreamProtocol,
			Message: "unparseable stream frame",
			Raw:     append([]byte(nil), frame...),
			Cause:   err,
		}
	}

	if fb := body.PromptFeedback; fb != nil && fb.BlockReason != "" {
		a.logger.Warn("stream blocked by provider safety system", "backend", Tag, "reason", fb.BlockReason)
		p.SetPending(&llm.StreamDelta{
			Content:      llm.SafetyNotice,
			FinishReason: string(llm.FinishReasonContentFilter),
		})
		p.SetCompletion(1)
		return nil
	}
	if len(body.Candidates) == 0 {
		return nil
	}

	cand := body.Candidates[0]
	if cand.FinishReason == "SAFETY" {
		a.logger.Warn("stream blocked by provider safety system", "backend", Tag, "reason", cand.FinishReason)
		p.SetPending(&llm.StreamDelta{
			Content:      llm.SafetyNotice,
			FinishReason: string(llm.FinishReasonContentFilter),
		})
		p.SetCompletion(1)
		return nil
	}

	delta := &llm.StreamDelta{Role: "assistant"}
	for _, part := range cand.Content.Parts {
		delta.Content += part.Text
	}
	if cand.FinishReason != "" {
		delta.FinishReason = string(finishReason(cand.FinishReason))
		p.SetCompletion(1)
	}
	if delta.Content == "" && delta.FinishReason == "" {
		return nil
	}
	p.SetPending(delta)
	return nil
}
