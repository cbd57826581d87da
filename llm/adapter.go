package llm

import (
	"context"
	"log/slog"
)

// Adapter is the execution contract every backend implements. One adapter
// instance serves one in-flight call: the pipeline binds call-scoped state
// to the instance for the call's duration, so instances must not be shared
// across concurrent calls.
//
// Adapters keep vendor quirks behind three operations: building the vendor
// payload, executing the call, and parsing the vendor body back into the
// canonical envelope. Optional capabilities are expressed as small
// interfaces (composition), not inheritance chains.
type Adapter interface {
	// RequestParameters builds the backend payload for the given input,
	// applying message conversion and token-budget truncation.
	RequestParameters(ctx context.Context, text string, params map[string]any, pw Pathway) (any, error)

	// Execute runs one complete call and returns the canonical result.
	Execute(ctx context.Context, text string, params map[string]any, pw Pathway, req *Request) (*Response, error)

	// ParseResponse converts a raw vendor body into the canonical envelope.
	ParseResponse(raw []byte) (*Response, error)
}

// StreamProcessor is implemented by adapters that support streaming. Each
// vendor frame folds into the Progress accumulator; the default contract
// lives in the stream package and adapters override it only when the vendor
// shape demands it.
type StreamProcessor interface {
	ProcessStreamEvent(frame []byte, p *Progress) error
}

// RequestLogger lets an adapter contribute backend-specific fields to the
// request-start observability event.
type RequestLogger interface {
	LogRequestData(logger *slog.Logger, req *Request, payload any)
}
