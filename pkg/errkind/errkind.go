// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package errkind classifies gateway failures into a small set of kinds
// shared by the provider router, the credential resolver, and the MCP tool
// dispatcher. A Kind is a label, not a type: callers branch on KindOf and
// wrap with New/Wrap so the cause chain stays intact for errors.Is/As.
package errkind

import (
	"errors"
	"fmt"
)

// Kind labels a failure class.
type Kind string

const (
	// Authentication covers invalid, expired, or missing credentials on the
	// upstream call (HTTP 401 and provider equivalents).
	Authentication Kind = "authentication"
	// PermissionDenied covers valid credentials lacking access (HTTP 403).
	PermissionDenied Kind = "permission_denied"
	// NotFound covers missing models, endpoints, or entities (HTTP 404).
	NotFound Kind = "not_found"
	// InvalidRequest covers malformed or rejected request payloads (HTTP 4xx
	// not otherwise classified).
	InvalidRequest Kind = "invalid_request"
	// RateLimit covers quota and throughput rejections (HTTP 429).
	RateLimit Kind = "rate_limit"
	// ContextTooLong covers prompts exceeding the model's context window.
	ContextTooLong Kind = "context_too_long"
	// ContentFiltered covers responses blocked by provider safety systems.
	ContentFiltered Kind = "content_filtered"
	// ServerError covers upstream 5xx responses.
	ServerError Kind = "server_error"
	// NetworkError covers transport failures before an HTTP status exists.
	NetworkError Kind = "network_error"
	// StaleSession marks an MCP session id the upstream no longer recognizes.
	StaleSession Kind = "stale_session"
	// Misconfigured marks tenant or gateway configuration the request cannot
	// proceed without.
	Misconfigured Kind = "misconfigured"
	// Unknown is the fallback for unclassified failures.
	Unknown Kind = "unknown"
)

// retryable is the fixed subset of kinds a client may safely retry.
var retryable = map[Kind]bool{
	RateLimit:    true,
	ServerError:  true,
	NetworkError: true,
}

// Retryable reports whether the kind is in the fixed retryable subset.
func (k Kind) Retryable() bool {
	return retryable[k]
}

// userMessages maps each kind to its fixed human-readable message.
var userMessages = map[Kind]string{
	Authentication:   "Invalid or expired credentials. Check the API key configured for this provider.",
	PermissionDenied: "You do not have permission to perform this action.",
	NotFound:         "The requested resource was not found.",
	InvalidRequest:   "The request was rejected by the provider. Check the request payload.",
	RateLimit:        "Too many requests. Please wait a moment and try again.",
	ContextTooLong:   "Your conversation is too long for this model. Start a new conversation or switch to a model with a larger context window.",
	ContentFiltered:  "The response was blocked by the provider's content filter.",
	ServerError:      "The provider is experiencing issues. Please try again later.",
	NetworkError:     "Could not reach the provider. Check connectivity and try again.",
	StaleSession:     "The tool server session expired and could not be resumed.",
	Misconfigured:    "The gateway is not configured for this request. Contact your administrator.",
	Unknown:          "An unexpected error occurred.",
}

// UserMessage returns the fixed human-readable message for the kind.
func (k Kind) UserMessage() string {
	if msg, ok := userMessages[k]; ok {
		return msg
	}
	return userMessages[Unknown]
}

// Error is a classified gateway error. It carries the kind, an operator-facing
// message, and the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// Error returns the error message.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is(err, errkind.New(kind, "")) works on
// sentinel comparisons.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// Unknown; a nil error has no kind and also reports Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ChatErrorResponse is the wire shape returned to clients when a request
// cannot be completed. OriginalError carries the upstream payload when one
// exists and is omitted otherwise.
type ChatErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	IsRetryable   bool   `json:"isRetryable"`
	OriginalError string `json:"originalError,omitempty"`
}

// Response converts an error chain into the client-facing ChatErrorResponse.
// The code is provider-tagged when provider is non-empty, e.g.
// "openai_rate_limit".
func Response(provider string, err error) ChatErrorResponse {
	kind := KindOf(err)
	code := string(kind)
	if provider != "" {
		code = provider + "_" + code
	}
	resp := ChatErrorResponse{
		Code:        code,
		Message:     kind.UserMessage(),
		IsRetryable: kind.Retryable(),
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		resp.OriginalError = e.Err.Error()
	}
	return resp
}
