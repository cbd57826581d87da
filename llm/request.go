package llm

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// CallContext identifies one gateway call for correlation and progress
// publication.
type CallContext struct {
	RequestID string
	Pathway   string
}

func NewCallContext(pathway string) CallContext {
	return CallContext{RequestID: uuid.NewString(), Pathway: pathway}
}

// Request is the mutable per-call envelope handed from the adapter to the
// execution pipeline. It is exclusively owned by one adapter invocation,
// never shared across concurrent calls, and discarded when the call
// completes.
type Request struct {
	URL    string
	Method string

	// Body is marshaled to JSON by the transport.
	Body any

	Query   url.Values
	Headers http.Header

	// Stream selects the SSE execution path.
	Stream bool

	// CacheEligible is decided by the pipeline (pathway caching flag or a
	// deterministic call) before the transport is invoked.
	CacheEligible bool

	Context CallContext
}

func NewRequest(method, rawURL string, cc CallContext) *Request {
	return &Request{
		URL:     rawURL,
		Method:  method,
		Query:   make(url.Values),
		Headers: make(http.Header),
		Context: cc,
	}
}

func (r *Request) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	r.Headers.Set(key, value)
}
