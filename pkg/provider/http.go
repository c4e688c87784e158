// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/archestra/gateway/pkg/errkind"
)

// placeholderAPIKey is sent for providers that run keyless (vLLM, Ollama) so
// intermediaries that insist on an Authorization header stay happy.
const placeholderAPIKey = "archestra-placeholder"

// maxErrorBody caps how much of an upstream error payload is kept in the
// error chain.
const maxErrorBody = 8 * 1024

// newHTTPClient returns the client adapters share. Redirects are not
// followed: a redirect would resend the Authorization header to a host we
// never chose, so the 3xx response surfaces to the caller instead. No global
// timeout is set; streams run as long as the request context allows.
func newHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// joinURL glues a base URL and a path without doubling slashes.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// contextTooLongMarkers and contentFilteredMarkers refine the generic 4xx
// classification from the upstream error payload. Matching is lowercase
// substring; providers word these rejections differently but consistently
// enough for these to hold.
var (
	contextTooLongMarkers = []string{
		"context_length_exceeded",
		"maximum context length",
		"prompt is too long",
		"input is too long",
	}
	contentFilteredMarkers = []string{
		"content_filter",
		"content_policy",
		"blocked by safety",
	}
)

// statusKind maps an upstream HTTP status to an error kind. 3xx lands on
// InvalidRequest because redirects are never followed.
func statusKind(status int) errkind.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return errkind.Authentication
	case status == http.StatusForbidden:
		return errkind.PermissionDenied
	case status == http.StatusNotFound:
		return errkind.NotFound
	case status == http.StatusTooManyRequests:
		return errkind.RateLimit
	case status >= 500:
		return errkind.ServerError
	default:
		return errkind.InvalidRequest
	}
}

// classifyStatus maps a non-2xx upstream response to an error kind, keeping
// the upstream payload verbatim in the cause so it can surface as
// originalError.
func classifyStatus(name Name, status int, body []byte) error {
	kind := statusKind(status)
	if kind == errkind.InvalidRequest {
		lower := strings.ToLower(string(body))
		for _, marker := range contextTooLongMarkers {
			if strings.Contains(lower, marker) {
				kind = errkind.ContextTooLong
				break
			}
		}
		for _, marker := range contentFilteredMarkers {
			if strings.Contains(lower, marker) {
				kind = errkind.ContentFiltered
				break
			}
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorBody {
		detail = detail[:maxErrorBody]
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	return errkind.Wrap(kind, fmt.Sprintf("%s api error (status %d)", name, status), errors.New(detail))
}

// transportError classifies a failure that happened before any HTTP status
// existed.
func transportError(name Name, err error) error {
	return errkind.Wrap(errkind.NetworkError, fmt.Sprintf("%s request failed", name), err)
}

// authFunc injects the credential into an upstream request. body is the
// exact payload the request carries, for providers that sign it.
type authFunc func(req *http.Request, body []byte) error

// postJSON POSTs body to url with the given header mutations applied and
// returns the response body on 2xx. Non-2xx responses are classified; the
// response body is always drained and closed.
func postJSON(ctx context.Context, client *http.Client, name Name, url string, body []byte, authenticate authFunc) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, fmt.Sprintf("%s: building request", name), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := authenticate(req, body); err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(name, resp.StatusCode, payload)
	}
	return payload, nil
}

// startStream POSTs body to url and hands the live response to the caller.
// Non-2xx responses are read, classified, and closed here; on success the
// caller owns resp.Body and the cancel func.
func startStream(ctx context.Context, client *http.Client, name Name, url string, body []byte, authenticate authFunc, accept string) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, errkind.Wrap(errkind.InvalidRequest, fmt.Sprintf("%s: building request", name), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if err := authenticate(req, body); err != nil {
		cancel()
		return nil, nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, transportError(name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		cancel()
		return nil, nil, classifyStatus(name, resp.StatusCode, payload)
	}
	return resp, cancel, nil
}

// bearer formats an Authorization header value.
func bearer(key string) string {
	return "Bearer " + key
}
