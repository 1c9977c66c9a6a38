// Package fault provides the tagged error type shared by the proxy channel,
// the session layer and the trusted endpoint.
//
// Branching is done on the Kind, never on the concrete type:
//
//	if fault.Is(err, fault.Timeout) {
//		// endpoint unreachable, not an application error
//	}
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	// Timeout means the trusted endpoint did not reply in time.
	Timeout Kind = "timeout"
	// NoProxy means authentication already succeeded but the endpoint still did not answer.
	NoProxy Kind = "noproxy"
	// AuthRequired means the caller must authenticate against the host before retrying.
	AuthRequired Kind = "authrequired"
	// InvalidOrigin means the endpoint rejected the caller's origin.
	InvalidOrigin Kind = "invalidorigin"
	// Unknown is used for failures that carry no classification.
	Unknown Kind = "unknown"
	// Remote means the endpoint replied, but with an application error.
	Remote Kind = "remote"
	// BadResponse means an authenticated request returned an unexpected status or content type.
	BadResponse Kind = "badresponse"
	// Closed means the channel was disposed or its connection was lost.
	Closed Kind = "closed"
	// Invalid means the caller supplied unusable arguments.
	Invalid Kind = "invalid"
)

// Error is a classified failure carrying enough context to diagnose it
// without inspecting transport internals.
type Error struct {
	Kind        Kind
	Op          string
	Endpoint    string
	Origin      string
	ContentType string
	Message     string
	Err         error
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Kind))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Endpoint != "" {
		fmt.Fprintf(&sb, " (endpoint %s)", e.Endpoint)
	}
	if e.Origin != "" {
		fmt.Fprintf(&sb, " (origin %s)", e.Origin)
	}
	if e.ContentType != "" {
		fmt.Fprintf(&sb, " (content type %q)", e.ContentType)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithEndpoint sets the endpoint and returns the error for chaining.
func (e *Error) WithEndpoint(endpoint string) *Error {
	e.Endpoint = endpoint
	return e
}

// WithOrigin sets the origin and returns the error for chaining.
func (e *Error) WithOrigin(origin string) *Error {
	e.Origin = origin
	return e
}

// WithContentType sets the content type and returns the error for chaining.
func (e *Error) WithContentType(contentType string) *Error {
	e.ContentType = contentType
	return e
}

// KindOf returns the classification of err, or Unknown when err is not a
// classified error. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// As extracts the classified error from err.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
