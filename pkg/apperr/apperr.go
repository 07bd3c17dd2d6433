// Package apperr defines the typed errors returned by AgentOS handlers and
// the JSON envelope they serialize to.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced in the error envelope.
const (
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeForbidden              = "FORBIDDEN"
	CodeValidation             = "VALIDATION_ERROR"
	CodeInvalidPath            = "INVALID_PATH"
	CodeReservedPath           = "RESERVED_PATH"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodePreAuthRateLimit       = "PREAUTH_RATE_LIMIT_EXCEEDED"
	CodeAuthLockout            = "AUTH_LOCKOUT"
	CodeQuotaWrites            = "QUOTA_WRITES_PER_DAY"
	CodeQuotaSearches          = "QUOTA_SEARCHES"
	CodeQuotaEmbedTokens       = "QUOTA_EMBED_TOKENS_PER_DAY"
	CodeInvalidIdempotencyKey  = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyKeyMismatch = "IDEMPOTENCY_KEY_MISMATCH"
	CodeEmbeddingsAPIError     = "EMBEDDINGS_API_ERROR"
	CodeInternal               = "INTERNAL"
)

// Error is a typed API error carrying the HTTP status and stable code that
// the error envelope exposes to clients.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs a typed error.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Newf constructs a typed error with a formatted message.
func Newf(status int, code, format string, args ...any) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Common constructors for the frequently raised errors.

func Unauthorized() *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, "Invalid or missing credentials")
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func Validation(message string) *Error {
	return New(http.StatusBadRequest, CodeValidation, message)
}

func Internal() *Error {
	return New(http.StatusInternalServerError, CodeInternal, "Internal error")
}

// From extracts a typed error from err, or nil if none is wrapped.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// envelope is the wire form: {"error":{"code":...,"message":...}}.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write emits the error envelope for err. Non-typed errors are masked as
// INTERNAL when production is true; in development the message passes through
// to ease debugging.
func Write(w http.ResponseWriter, err error, production bool) {
	ae := From(err)
	if ae == nil {
		if production {
			ae = Internal()
		} else {
			ae = New(http.StatusInternalServerError, CodeInternal, err.Error())
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{Code: ae.Code, Message: ae.Message}})
}
