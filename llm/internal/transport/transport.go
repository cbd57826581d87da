package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aj-archipelago/cortex-sub000/llm"
)

// Client is the single-shot HTTP layer under every adapter. It performs
// exactly one attempt per call; callers that want a second opinion reach
// for a fallback backend, not a retry loop.
type Client struct {
	HTTPClient *http.Client

	DefaultHeaders http.Header
	UserAgent      string
	Logger         *slog.Logger
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		HTTPClient:     httpClient,
		DefaultHeaders: make(http.Header),
		UserAgent:      "cortex-llm/1",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (c *Client) Clone() *Client {
	out := *c
	out.DefaultHeaders = c.DefaultHeaders.Clone()
	return &out
}

// Do sends the request once, returning the response body on 2xx. Any other
// status yields an *HTTPStatusError carrying the raw body and headers.
func (c *Client) Do(ctx context.Context, r *llm.Request) ([]byte, http.Header, error) {
	req, err := c.build(ctx, r)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header.Clone(), err
	}
	c.Logger.Debug("llm http call",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"bytes", len(raw),
		"duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return raw, resp.Header.Clone(), nil
	}
	return raw, resp.Header.Clone(), &HTTPStatusError{
		StatusCode: resp.StatusCode,
		Body:       raw,
		Header:     resp.Header.Clone(),
	}
}

// DoStream sends the request once and hands back the open response body.
// The caller owns the body and must close it.
func (c *Client) DoStream(ctx context.Context, r *llm.Request) (io.ReadCloser, error) {
	req, err := c.build(ctx, r)
	if err != nil {
		return nil, err
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: raw, Header: resp.Header.Clone()}
}

func (c *Client) build(ctx context.Context, r *llm.Request) (*http.Request, error) {
	var bodyBytes []byte
	if r.Body != nil {
		b, err := json.Marshal(r.Body)
		if err != nil {
			return nil, err
		}
		bodyBytes = b
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	if len(r.Query) > 0 {
		q := req.URL.Query()
		for k, vs := range r.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	mergeHeaders(req.Header, c.DefaultHeaders)
	mergeHeaders(req.Header, r.Headers)
	if bodyBytes != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if id := r.Context.RequestID; id != "" && req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", id)
	}
	return req, nil
}

type HTTPStatusError struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *HTTPStatusError) Error() string {
	return http.StatusText(e.StatusCode)
}

func mergeHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
