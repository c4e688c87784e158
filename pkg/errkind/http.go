// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package errkind

import (
	"fmt"
	"net/http"
	"strings"
)

// FromHTTPStatus classifies an upstream HTTP failure. The body is included in
// the wrapped cause so the original provider payload survives into
// ChatErrorResponse.OriginalError. Callers pass only non-2xx statuses.
func FromHTTPStatus(provider string, status int, body []byte) error {
	kind := kindForStatus(status, body)
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf("%s upstream returned status %d", provider, status),
		Err:     fmt.Errorf("%s", strings.TrimSpace(string(body))),
	}
}

func kindForStatus(status int, body []byte) Kind {
	switch status {
	case http.StatusUnauthorized:
		return Authentication
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusNotFound:
		return NotFound
	case http.StatusTooManyRequests:
		return RateLimit
	case http.StatusRequestEntityTooLarge:
		return ContextTooLong
	}

	lowered := strings.ToLower(string(body))
	switch {
	case strings.Contains(lowered, "context length") ||
		strings.Contains(lowered, "context window") ||
		strings.Contains(lowered, "maximum context") ||
		strings.Contains(lowered, "too many tokens"):
		return ContextTooLong
	case strings.Contains(lowered, "content filter") ||
		strings.Contains(lowered, "content_filter") ||
		strings.Contains(lowered, "safety"):
		return ContentFiltered
	}

	switch {
	case status >= 500:
		return ServerError
	case status >= 400:
		return InvalidRequest
	default:
		return Unknown
	}
}

// HTTPStatus maps a kind back to the status code the gateway answers with
// when no upstream status is available to mirror.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Authentication:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case InvalidRequest, ContextTooLong:
		return http.StatusBadRequest
	case RateLimit:
		return http.StatusTooManyRequests
	case ContentFiltered:
		return http.StatusUnprocessableEntity
	case Misconfigured:
		return http.StatusPreconditionFailed
	case NetworkError:
		return http.StatusBadGateway
	case ServerError, StaleSession, Unknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
