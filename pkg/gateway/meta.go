// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"net/http"
	"strings"
)

// Context propagation headers. The composite X-Archestra-Meta header packs
// externalAgentId/executionId/sessionId into one value for callers that
// cannot set several headers; the individual headers win on conflict.
const (
	HeaderAgentID     = "X-Archestra-Agent-Id"
	HeaderUserID      = "X-Archestra-User-Id"
	HeaderSessionID   = "X-Archestra-Session-Id"
	HeaderExecutionID = "X-Archestra-Execution-Id"
	HeaderMeta        = "X-Archestra-Meta"
)

// RequestMeta is the caller context of one ingress request, stamped onto the
// interaction row it produces.
type RequestMeta struct {
	ExternalAgentID string
	UserID          string
	SessionID       string
	ExecutionID     string
}

// ParseMeta reads the context propagation headers of a request.
func ParseMeta(h http.Header) RequestMeta {
	var meta RequestMeta
	if composite := strings.TrimSpace(h.Get(HeaderMeta)); composite != "" {
		parts := strings.SplitN(composite, "/", 3)
		meta.ExternalAgentID = strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			meta.ExecutionID = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			meta.SessionID = strings.TrimSpace(parts[2])
		}
	}
	if v := strings.TrimSpace(h.Get(HeaderAgentID)); v != "" {
		meta.ExternalAgentID = v
	}
	if v := strings.TrimSpace(h.Get(HeaderSessionID)); v != "" {
		meta.SessionID = v
	}
	if v := strings.TrimSpace(h.Get(HeaderExecutionID)); v != "" {
		meta.ExecutionID = v
	}
	meta.UserID = strings.TrimSpace(h.Get(HeaderUserID))
	return meta
}
