package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an application error for callers and the HTTP layer.
type Code string

const (
	// CodeForbidden means the actor is not a participant or lacks the role.
	CodeForbidden Code = "forbidden"
	// CodeNotFound means the message, conversation or user does not exist.
	CodeNotFound Code = "not_found"
	// CodeInvalidContent means a message carried neither text nor a file.
	CodeInvalidContent Code = "invalid_content"
	// CodeInvalidOperation means the operation is not valid for the target,
	// e.g. a membership edit on a direct conversation.
	CodeInvalidOperation Code = "invalid_operation"
	// CodeConflict is the residual race in direct-conversation creation
	// after retry exhaustion.
	CodeConflict Code = "conflict"
	// CodeTransient is a storage failure that is safe to retry.
	CodeTransient Code = "transient"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, or empty string for uncoded errors.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the status the API layer should respond with.
// Uncoded errors are treated as internal.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidContent, CodeInvalidOperation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
