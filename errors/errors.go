package errors

import (
	"fmt"
	"net/http"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Code identifies a class of failure. It travels unchanged to clients in error events.
type Code string

const (
	CodeValidation   Code = "ValidationError"
	CodeNotFound     Code = "NotFound"
	CodeUnauthorized Code = "Unauthorized"
	CodeTransient    Code = "TransientStoreError"
	CodeConnection   Code = "ConnectionError"
	CodeRateLimited  Code = "RateLimited"
)

type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Retryable bool   `json:"retryable"`
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code so sentinels below can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// New builds an error from an HTTP status, picking the code that status implies.
func New(message string, status int) *Error {
	return &Error{Code: codeForStatus(status), Message: message, Status: status, Retryable: status >= 500}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Status: http.StatusNotFound}
}

func Unauthorized(format string, args ...interface{}) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...), Status: http.StatusForbidden}
}

// Transient marks a store failure the caller may retry.
func Transient(cause error, message string) *Error {
	return &Error{Code: CodeTransient, Message: message, Status: http.StatusServiceUnavailable, Retryable: true, cause: cause}
}

func RateLimited(message string) *Error {
	return &Error{Code: CodeRateLimited, Message: message, Status: http.StatusTooManyRequests, Retryable: true}
}

func Connection(cause error, message string) *Error {
	return &Error{Code: CodeConnection, Message: message, Status: http.StatusBadGateway, Retryable: true, cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrValidation   = &Error{Code: CodeValidation}
	ErrNotFound     = &Error{Code: CodeNotFound}
	ErrUnauthorized = &Error{Code: CodeUnauthorized}
	ErrTransient    = &Error{Code: CodeTransient}
	ErrRateLimited  = &Error{Code: CodeRateLimited}
	ErrConnection   = &Error{Code: CodeConnection}

	ErrInternalServerError = New("internal server error", http.StatusInternalServerError)
)

// As returns the taxonomy error carried by err. Anything unrecognised is treated as a
// transient store failure so callers never leak raw driver errors.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Transient(err, "temporary failure, please retry")
}

func codeForStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodeTransient
	}
}

// ErrorHandler is used by the gin-rate-limit middleware once a client is over its budget.
func ErrorHandler(c *gin.Context, info ratelimit.Info) {
	retryIn := time.Until(info.ResetTime).Round(time.Second)
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"message":   "too many requests, try again in " + retryIn.String(),
		"errors":    RateLimited("too many requests"),
		"status":    http.StatusText(http.StatusTooManyRequests),
		"timestamp": time.Now().Format(time.RFC850),
	})
}
