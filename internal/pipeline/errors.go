package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so callers can react without parsing
// messages.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindOCR                 Kind = "ocr"
	KindGeneration          Kind = "generation"
	KindValidation          Kind = "validation"
	KindRenderTimeout       Kind = "render_timeout"
	KindRenderOutputMissing Kind = "render_output_missing"
	KindRenderProcess       Kind = "render_process"
	KindExhausted           Kind = "exhausted"
	KindInternal            Kind = "internal"
)

// Error is the failure type every pipeline operation reports.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a pipeline error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a pipeline error around an underlying cause.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, or "" if none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
