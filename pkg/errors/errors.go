package errors

import (
	stderrors "errors"
	"fmt"
)

// ========== Response codes ==========

// CodeSuccess success code
const (
	CodeSuccess = 200
)

// HTTP level codes (400-599)
const (
	CodeInvalidParam       = 400
	CodeUnauthorized       = 401
	CodeForbidden          = 403
	CodeNotFound           = 404
	CodeConflict           = 409
	CodeUnprocessable      = 422
	CodeServerError        = 500
	CodeUpstreamDown       = 502
	CodeServiceUnavailable = 503
)

// ========== Error taxonomy ==========

var (
	// ErrValidation bad input, never retried
	ErrValidation = stderrors.New("validation error")
	// ErrUpstreamUnavailable network failure or 5xx from an upstream, retryable
	ErrUpstreamUnavailable = stderrors.New("upstream unavailable")
	// ErrUpstreamRejected 4xx from an upstream, terminal
	ErrUpstreamRejected = stderrors.New("upstream rejected")
	// ErrNotFound referenced entity is missing
	ErrNotFound = stderrors.New("not found")
	// ErrCrypto a stored secret could not be decrypted or encrypted
	ErrCrypto = stderrors.New("crypto error")
	// ErrConflict entity already exists
	ErrConflict = stderrors.New("conflict")
	// ErrSignatureMismatch no webhook secret verified the payload
	ErrSignatureMismatch = stderrors.New("signature mismatch")
)

// AppError carries the operation that failed along with its taxonomy kind
type AppError struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *AppError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an AppError of kind with a message
func New(kind error, op, msg string) error {
	return &AppError{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an AppError of kind around err
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Kind: kind, Op: op, Err: err}
}

// Validation shortcut for ErrValidation
func Validation(op, format string, args ...interface{}) error {
	return New(ErrValidation, op, fmt.Sprintf(format, args...))
}

// NotFound shortcut for ErrNotFound
func NotFound(op, format string, args ...interface{}) error {
	return New(ErrNotFound, op, fmt.Sprintf(format, args...))
}

// Is re-exported so callers need a single errors import
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As re-exported so callers need a single errors import
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Retryable reports whether err belongs to the retryable class
func Retryable(err error) bool {
	return stderrors.Is(err, ErrUpstreamUnavailable)
}

// HTTPCode maps an error to the response code used by handlers
func HTTPCode(err error) int {
	switch {
	case err == nil:
		return CodeSuccess
	case stderrors.Is(err, ErrValidation):
		return CodeInvalidParam
	case stderrors.Is(err, ErrNotFound):
		return CodeNotFound
	case stderrors.Is(err, ErrConflict):
		return CodeConflict
	case stderrors.Is(err, ErrSignatureMismatch):
		return CodeUnauthorized
	case stderrors.Is(err, ErrUpstreamRejected):
		return CodeUnprocessable
	case stderrors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamDown
	default:
		return CodeServerError
	}
}
