package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes failures reported to operators.
type ErrorKind string

const (
	KindAuth         ErrorKind = "auth"
	KindNotFound     ErrorKind = "not_found"
	KindInvalidRepo  ErrorKind = "invalid_repo"
	KindExternalTool ErrorKind = "external_tool"
	KindParse        ErrorKind = "parse"
	KindIO           ErrorKind = "io"
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
	KindInternal     ErrorKind = "internal"
)

// Sentinels for errors.Is. Matching compares kinds only.
var (
	ErrAuth         = &Error{Kind: KindAuth}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrInvalidRepo  = &Error{Kind: KindInvalidRepo}
	ErrExternalTool = &Error{Kind: KindExternalTool}
	ErrParse        = &Error{Kind: KindParse}
	ErrIO           = &Error{Kind: KindIO}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrConflict     = &Error{Kind: KindConflict}
)

// Error is a categorized failure with an optional underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return string(e.Kind)
	case e.Cause == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus maps the error kind onto a REST status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRepo, KindValidation, KindParse:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindExternalTool:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("app not found: %s", id)}
}

func InvalidRepo(repo string) *Error {
	return &Error{Kind: KindInvalidRepo, Message: fmt.Sprintf("unparseable repository url: %q", repo)}
}

func ExternalTool(tool string, cause error) *Error {
	return &Error{Kind: KindExternalTool, Message: tool + " failed", Cause: cause}
}

func ParseError(message string, cause error) *Error {
	return &Error{Kind: KindParse, Message: message, Cause: cause}
}

func IOError(message string, cause error) *Error {
	return &Error{Kind: KindIO, Message: message, Cause: cause}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func Validation(cause error) *Error {
	return &Error{Kind: KindValidation, Message: "invalid app record", Cause: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the REST status code for err.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
