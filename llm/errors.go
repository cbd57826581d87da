package llm

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	ErrKindTransport       ErrorKind = "transport"
	ErrKindEmbeddedPayload ErrorKind = "embedded_payload"
	ErrKindStreamProtocol  ErrorKind = "stream_protocol"
	ErrKindAuth            ErrorKind = "auth"
	ErrKindRateLimit       ErrorKind = "rate_limit"
	ErrKindBadRequest      ErrorKind = "bad_request"
	ErrKindNotFound        ErrorKind = "not_found"
	ErrKindServer          ErrorKind = "server"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindCanceled        ErrorKind = "canceled"
	ErrKindParse           ErrorKind = "parse"
	ErrKindUnknown         ErrorKind = "unknown"
)

// Error is the classified error container every pipeline failure is
// normalized into: stable classification, raw payload access, and the most
// specific message available.
type Error struct {
	Backend string
	Pathway string
	Kind    ErrorKind

	HTTPStatus   int
	ProviderCode string
	Message      string

	// Raw is the raw error payload when one was available (e.g. the HTTP
	// response body).
	Raw []byte

	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Pathway != "" {
		return fmt.Sprintf("llm %s: pathway %s: %s", e.Backend, e.Pathway, msg)
	}
	if e.Backend != "" {
		return fmt.Sprintf("llm %s: %s", e.Backend, msg)
	}
	return fmt.Sprintf("llm: %s", msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the classification of err, or ErrKindUnknown when err is
// not a classified gateway error.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ErrKindUnknown
}

// ConfigError is fatal at construction time: unknown backend type, missing
// credential, malformed descriptor. It is never retried and no network
// access happens after it.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "llm config: " + e.Message }

func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// PromptTooLongError means the required tokens exceed the budget even after
// truncation. It is fatal for the call and surfaced as-is.
type PromptTooLongError struct {
	Required int
	Budget   int
}

func (e *PromptTooLongError) Error() string {
	return fmt.Sprintf("llm: prompt requires %d tokens, budget is %d", e.Required, e.Budget)
}

func IsPromptTooLong(err error) bool {
	var e *PromptTooLongError
	return errors.As(err, &e)
}
