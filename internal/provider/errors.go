package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindNotFound       ErrorKind = "not_found"
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindServer         ErrorKind = "server"
	KindNetwork        ErrorKind = "network"
	KindDecode         ErrorKind = "decode"
)

// Error is the structured failure every concrete provider returns.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable is false for auth, malformed-request and not-found failures.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAuth, KindInvalidRequest, KindNotFound:
		return false
	}
	return true
}

// StatusError classifies a non-2xx HTTP response.
func StatusError(providerName string, status int, body string) *Error {
	return &Error{
		Kind:       kindForStatus(status),
		Provider:   providerName,
		StatusCode: status,
		Message:    body,
	}
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestTimeout:
		return KindTimeout
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindServer
	}
}

// TransportError classifies a failure that happened before any response.
func TransportError(providerName string, err error) *Error {
	kind := KindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Provider: providerName, Err: err}
}

func DecodeError(providerName string, err error) *Error {
	return &Error{Kind: KindDecode, Provider: providerName, Err: err}
}

// IsRetryable reports whether err may succeed on another attempt. Errors
// that are not *Error are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Retryable()
	}
	return true
}

// IsPermanent is the negation of IsRetryable for non-nil errors.
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}
