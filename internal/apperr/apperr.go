// Package apperr holds the error taxonomy shared by every layer and the single
// mapping from those errors to HTTP status codes and JSON bodies.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindInsufficientBalance
	KindNotFound
	KindProvider
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is the one error type handlers translate into responses.
type Error struct {
	Kind    Kind
	Message string
	Details string

	// Required and Available are set for KindInsufficientBalance.
	Required  int64
	Available int64

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Authentication(msg string) *Error {
	if msg == "" {
		msg = "unauthorized"
	}
	return &Error{Kind: KindAuthentication, Message: msg}
}

func Authorization(msg string) *Error {
	if msg == "" {
		msg = "forbidden"
	}
	return &Error{Kind: KindAuthorization, Message: msg}
}

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func InsufficientBalance(required, available int64) *Error {
	if available < 0 {
		available = 0
	}
	return &Error{Kind: KindInsufficientBalance, Message: "insufficient credits", Required: required, Available: available}
}

// Provider wraps a failed or empty generation; the cause stays server-side.
func Provider(err error) *Error {
	return &Error{Kind: KindProvider, Message: "generation failed", Details: "the AI provider did not return a usable result", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// Unavailable marks an optional integration that is not configured.
func Unavailable(what string) *Error {
	return &Error{Kind: KindUnavailable, Message: what + " not configured"}
}

// As returns the *Error in err's chain, or an internal error wrapping err.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func Status(err error) int {
	switch As(err).Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the failure envelope.
type Body struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Required  *int64 `json:"required,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

// Envelope maps err to its HTTP status and JSON body.
func Envelope(err error) (int, Body) {
	e := As(err)
	b := Body{Error: e.Message, Details: e.Details}
	if e.Kind == KindInsufficientBalance {
		req, avail := e.Required, e.Available
		b.Required = &req
		b.Available = &avail
	}
	return Status(e), b
}
