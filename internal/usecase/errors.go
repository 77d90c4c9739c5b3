package usecase

import (
	"errors"
	"fmt"
	"net/http"

	"wallet-chat-proxy/internal/domain"
)

type ErrorCode string

const (
	ErrorInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrorConfiguration       ErrorCode = "CONFIGURATION_ERROR"
	ErrorUpstream            ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrorRateLimited         ErrorCode = "RATE_LIMITED"
	ErrorInternal            ErrorCode = "INTERNAL_ERROR"
)

const (
	msgConfiguration       = "API configuration error"
	msgUpstreamFailed      = "Failed to get response from DeepSeek API"
	msgUpstreamUnavailable = "Failed to process chat request"
	msgRateLimited         = "Too many requests. Please try again later."
	msgInternal            = "Internal server error"
)

// Error is the single failure type returned by ChatService. Detail is the
// caller-facing text; Err is kept for logs only.
type Error struct {
	Code   ErrorCode
	Reason string
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus is the status an adapter should answer with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case ErrorInvalidRequest:
		return http.StatusBadRequest
	case ErrorRateLimited:
		return http.StatusTooManyRequests
	case ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Detail: defaultDetail(code), Err: err}
}

func invalidRequest(reason, detail string) *Error {
	return &Error{Code: ErrorInvalidRequest, Reason: reason, Detail: detail}
}

func defaultDetail(code ErrorCode) string {
	switch code {
	case ErrorConfiguration:
		return msgConfiguration
	case ErrorUpstream:
		return msgUpstreamFailed
	case ErrorUpstreamUnavailable:
		return msgUpstreamUnavailable
	case ErrorRateLimited:
		return msgRateLimited
	case ErrorInvalidRequest:
		return "Invalid request"
	default:
		return msgInternal
	}
}

// ErrorResponse converts any error into the status and envelope written by the
// HTTP adapters. Errors that are not *Error become INTERNAL_ERROR so nothing
// from an unexpected fault reaches the caller.
func ErrorResponse(err error) (int, domain.ErrorResponse) {
	var ucErr *Error
	if !errors.As(err, &ucErr) || ucErr == nil {
		ucErr = newError(ErrorInternal, "unexpected_error", err)
	}
	detail := ucErr.Detail
	if detail == "" {
		detail = defaultDetail(ucErr.Code)
	}
	return ucErr.HTTPStatus(), domain.ErrorResponse{Error: detail}
}

// InternalError wraps a fault caught by an adapter, such as a recovered panic.
func InternalError(reason string, err error) *Error {
	return newError(ErrorInternal, reason, err)
}
