package forms

import (
	"errors"
	"fmt"
)

// Parse failure kinds. Match with errors.Is.
var (
	ErrInvalidURL     = errors.New("invalid form url")
	ErrMissingPayload = errors.New("form payload not found")
	ErrNoFields       = errors.New("form has no usable fields")
)

// ParseError is returned by Extract when a page cannot be turned into a Form.
type ParseError struct {
	Kind   error // one of ErrInvalidURL, ErrMissingPayload, ErrNoFields
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Kind }

func parseErr(kind error, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// TransportError wraps a network failure or non-OK response while fetching a page.
type TransportError struct {
	URL    string
	Status int // 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
