// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/archestra/gateway/pkg/errkind"
)

// sessionHeaderName carries the upstream MCP session id on streamable HTTP.
const sessionHeaderName = "Mcp-Session-Id"

// maxStaleProbeBody bounds how much of a 404 body is inspected for the
// session-not-found marker.
const maxStaleProbeBody = 4096

// sessionRoundTripper tracks the upstream MCP session id across requests.
// A persisted id is injected on requests that do not carry one yet, so a
// fresh client resumes the session another replica started. Ids observed on
// responses are reported through onSession for persistence. A 404 whose body
// mentions the session turns into a StaleSession error so the caller can
// rebuild once with a clean slate.
type sessionRoundTripper struct {
	base      http.RoundTripper
	onSession func(sessionID string)

	mu        sync.Mutex
	sessionID string
}

// RoundTrip implements http.RoundTripper.
func (rt *sessionRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	current := rt.sessionID
	rt.mu.Unlock()

	if current != "" && req.Header.Get(sessionHeaderName) == "" {
		req = req.Clone(req.Context())
		req.Header.Set(sessionHeaderName, current)
	}

	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if got := resp.Header.Get(sessionHeaderName); got != "" && got != current {
		rt.mu.Lock()
		rt.sessionID = got
		cb := rt.onSession
		rt.mu.Unlock()
		if cb != nil {
			cb(got)
		}
	}

	if resp.StatusCode == http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxStaleProbeBody))
		_ = resp.Body.Close()
		if strings.Contains(strings.ToLower(string(body)), "session") {
			return nil, errkind.New(errkind.StaleSession, "upstream no longer recognizes the mcp session")
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	return resp, nil
}

// setSessionID seeds the tracker with a persisted session id.
func (rt *sessionRoundTripper) setSessionID(id string) {
	rt.mu.Lock()
	rt.sessionID = id
	rt.mu.Unlock()
}

// currentSessionID returns the most recently observed session id.
func (rt *sessionRoundTripper) currentSessionID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sessionID
}

// bearerRoundTripper adds a bearer token to each outgoing request.
type bearerRoundTripper struct {
	token string
	base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+rt.token)
	}
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
