package speech

import (
	"errors"
	"net/http"
)

// Kind classifies a failure for the caller.
type Kind int

const (
	// KindInvalidInput is a caller error and is never retried.
	KindInvalidInput Kind = iota + 1
	// KindProcessing is an engine or internal failure.
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindProcessing:
		return "processing_failure"
	default:
		return "unknown"
	}
}

// Error carries a Kind, a message safe to show to callers and the
// underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func InvalidInput(message string) *Error {
	return &Error{Kind: KindInvalidInput, Message: message}
}

func ProcessingFailure(message string, cause error) *Error {
	return &Error{Kind: KindProcessing, Message: message, Cause: cause}
}

// KindOf returns the kind of err. Errors that are not *Error count as
// processing failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProcessing
}

func IsInvalidInput(err error) bool {
	return err != nil && KindOf(err) == KindInvalidInput
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if KindOf(err) == KindInvalidInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
