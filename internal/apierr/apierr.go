// Package apierr defines the closed error taxonomy shared across every
// AxonTask component, so that a store failure, a quota denial and an
// adapter failure all surface to the request boundary in the same shape.
package apierr

import "fmt"

// Code is one of the taxonomy's fixed error codes. It is string-backed so
// it serializes directly onto the wire without a translation table.
type Code string

const (
	// Client input
	ValidationError   Code = "ValidationError"
	UnknownAdapter    Code = "UnknownAdapter"
	IllegalTransition Code = "IllegalTransition"
	NotFound          Code = "NotFound"
	Forbidden         Code = "Forbidden"
	Unauthorized      Code = "Unauthorized"

	// Policy
	RateLimited   Code = "RateLimited"
	QuotaExceeded Code = "QuotaExceeded"
	NotTerminal   Code = "NotTerminal"

	// Execution
	AdapterErrorCode Code = "AdapterError"
	TimedOut         Code = "TimedOut"
	Canceled         Code = "Canceled"

	// Infrastructure
	StoreUnavailable      Code = "StoreUnavailable"
	StreamUnavailable     Code = "StreamUnavailable"
	UpstreamUnavailable   Code = "UpstreamUnavailable"

	// Integrity - fatal, never retried
	ChainBroken    Code = "ChainBroken"
	SeqDivergence  Code = "SeqDivergence"
)

// E is the structured error payload surfaced at the request boundary:
// {code, message, details}.
type E struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *E) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an E with no details.
func New(code Code, message string) *E {
	return &E{Code: code, Message: message}
}

// Newf builds an E with a formatted message.
func Newf(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with details attached.
func (e *E) WithDetails(details map[string]any) *E {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf extracts the Code from err if it is (or wraps) an *E, otherwise
// returns the empty Code.
func CodeOf(err error) Code {
	var e *E
	if as(err, &e) {
		return e.Code
	}
	return ""
}

// as is a tiny errors.As shim kept local so this package has no
// dependency beyond fmt for its core type.
func as(err error, target **E) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether the propagation policy allows retrying err's
// code with jittered backoff. Integrity and ClientInput/Policy errors are
// never retried; Infrastructure errors are.
func Retryable(code Code) bool {
	switch code {
	case StoreUnavailable, StreamUnavailable, UpstreamUnavailable:
		return true
	default:
		return false
	}
}

// Fatal reports whether code marks the affected task Failed with an
// integrity flag, accepting no further events.
func Fatal(code Code) bool {
	return code == ChainBroken || code == SeqDivergence
}
