// Package pipeline executes prepared backend requests: cache lookup,
// dispatch, response parsing, and error normalization.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aj-archipelago/cortex-sub000/llm"
	"github.com/aj-archipelago/cortex-sub000/llm/internal/cache"
	"github.com/aj-archipelago/cortex-sub000/llm/internal/transport"
)

// Transport sends one prepared request. The production implementation is
// internal/transport; tests substitute fakes.
type Transport interface {
	Do(ctx context.Context, r *llm.Request) ([]byte, http.Header, error)
	DoStream(ctx context.Context, r *llm.Request) (io.ReadCloser, error)
}

// ResponseCache stores raw provider response bodies keyed by request
// fingerprint.
type ResponseCache interface {
	Get(key string) ([]byte, bool)
	Put(key string, raw []byte)
}

// MemoryCache is a bounded in-process ResponseCache.
type MemoryCache struct {
	c *cache.Cache[string, []byte]
}

func NewMemoryCache(capacity int) *MemoryCache {
	return &MemoryCache{c: cache.New[string, []byte](capacity)}
}

func (m *MemoryCache) Get(key string) ([]byte, bool) { return m.c.Get(key) }
func (m *MemoryCache) Put(key string, raw []byte)    { m.c.Put(key, raw) }

type Pipeline struct {
	tr     Transport
	cache  ResponseCache
	logger *slog.Logger
}

type Option func(*Pipeline)

func WithCache(c ResponseCache) Option {
	return func(p *Pipeline) { p.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(tr Transport, opts ...Option) *Pipeline {
	p := &Pipeline{
		tr:     tr,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if tr == nil {
		p.tr = transport.New(nil)
	}
	return p
}

// Execute runs one non-streaming call end to end. Identical deterministic
// calls are served from the response cache when one is configured; a call
// is cache-eligible when its pathway opts in or resolves to temperature
// zero.
func (p *Pipeline) Execute(ctx context.Context, a llm.Adapter, pw llm.Pathway, req *llm.Request) (*llm.Response, error) {
	req.CacheEligible = pw.EnableCache || pw.Deterministic()
	eligible := p.cache != nil && req.CacheEligible

	var key string
	if eligible {
		key = cacheKey(req)
		if raw, ok := p.cache.Get(key); ok {
			p.logger.Debug("llm cache hit", "pathway", pw.Name, "requestId", req.Context.RequestID)
			return a.ParseResponse(raw)
		}
	}

	p.logger.Info("llm call start",
		"pathway", pw.Name,
		"requestId", req.Context.RequestID,
		"method", req.Method,
		"url", req.URL)
	if rl, ok := a.(llm.RequestLogger); ok {
		rl.LogRequestData(p.logger, req, req.Body)
	}

	start := time.Now()
	raw, _, err := p.tr.Do(ctx, req)
	if err != nil {
		nerr := p.normalizeError(pw, err)
		p.logger.Error("llm call failed",
			"pathway", pw.Name,
			"requestId", req.Context.RequestID,
			"duration", time.Since(start),
			"err", nerr)
		return nil, nerr
	}

	if len(raw) == 0 {
		return nil, &llm.Error{
			Pathway: pw.Name,
			Kind:    llm.ErrKindParse,
			Message: "empty response body",
		}
	}
	if werr := embeddedBodyError(raw); werr != nil {
		return nil, &llm.Error{
			Pathway:      pw.Name,
			Kind:         llm.ErrKindEmbeddedPayload,
			Message:      werr.message,
			ProviderCode: werr.code,
			Raw:          raw,
		}
	}

	resp, err := a.ParseResponse(raw)
	if err != nil {
		return nil, p.normalizeError(pw, err)
	}

	p.logger.Info("llm call done",
		"pathway", pw.Name,
		"requestId", req.Context.RequestID,
		"duration", time.Since(start),
		"bytes", len(raw))

	if eligible {
		p.cache.Put(key, raw)
	}
	return resp, nil
}

// cacheKey fingerprints a request by URL plus serialized body.
func cacheKey(req *llm.Request) string {
	h := sha256.New()
	io.WriteString(h, req.URL)
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err == nil {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

type bodyError struct {
	message string
	code    string
}

// embeddedBodyError detects provider failures reported inside a 2xx body.
func embeddedBodyError(raw []byte) *bodyError {
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}
	if envelope.Error == nil || envelope.Error.Message == "" {
		return nil
	}
	return &bodyError{
		message: envelope.Error.Message,
		code:    codeString(envelope.Error.Code),
	}
}

func (p *Pipeline) normalizeError(pw llm.Pathway, err error) error {
	var lerr *llm.Error
	if errors.As(err, &lerr) {
		if lerr.Pathway == "" {
			lerr.Pathway = pw.Name
		}
		return lerr
	}

	var se *transport.HTTPStatusError
	if errors.As(err, &se) {
		msg, code := extractErrorMessage(se.Body)
		if msg == "" {
			msg = http.StatusText(se.StatusCode)
		}
		p.logger.Error("llm http error",
			"pathway", pw.Name,
			"status", se.StatusCode,
			"body", string(se.Body))
		return &llm.Error{
			Pathway:      pw.Name,
			Kind:         kindForStatus(se.StatusCode),
			HTTPStatus:   se.StatusCode,
			ProviderCode: code,
			Message:      msg,
			Raw:          se.Body,
			Cause:        err,
		}
	}

	kind := llm.ErrKindTransport
	switch {
	case errors.Is(err, context.Canceled):
		kind = llm.ErrKindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = llm.ErrKindTimeout
	}
	return &llm.Error{
		Pathway: pw.Name,
		Kind:    kind,
		Message: err.Error(),
		Cause:   err,
	}
}

// extractErrorMessage digs the most specific human-readable message out of
// an error body. A message that is itself a JSON error envelope is unwrapped
// one level.
func extractErrorMessage(raw []byte) (msg, code string) {
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", ""
	}

	if envelope.Error != nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
		code = codeString(envelope.Error.Code)
		if inner, innerCode := extractErrorMessage([]byte(msg)); inner != "" {
			msg = inner
			if innerCode != "" {
				code = innerCode
			}
		}
		return msg, code
	}
	return envelope.Message, ""
}

func kindForStatus(status int) llm.ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return llm.ErrKindAuth
	case http.StatusTooManyRequests:
		return llm.ErrKindRateLimit
	case http.StatusNotFound:
		return llm.ErrKindNotFound
	case http.StatusRequestTimeout:
		return llm.ErrKindTimeout
	}
	switch {
	case status >= 500:
		return llm.ErrKindServer
	case status >= 400:
		return llm.ErrKindBadRequest
	default:
		return llm.ErrKindUnknown
	}
}

func codeString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
