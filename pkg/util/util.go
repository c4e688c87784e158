// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package util //nolint:revive,nolintlint // Package name 'util' is common in this codebase

import (
	"math/rand"
	"net"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID returns a new random UUID string.
func GenerateUUID() string {
	return uuid.New().String()
}

// RandomFloat64 returns a pseudo-random float64 in [0.0, 1.0).
func RandomFloat64() float64 {
	return rand.Float64() //nolint:gosec // Weak random is sufficient for jitter
}

// SlugifyToolName normalizes a tool name the way tool rows store it: lowered,
// with every run of characters outside [a-z0-9] collapsed to a single
// underscore, trimmed at both ends. Slugs are stable: slugifying a slug is a
// no-op.
func SlugifyToolName(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		isAllowed := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAllowed {
			pendingSep = sb.Len() > 0
			continue
		}
		if pendingSep {
			sb.WriteByte('_')
			pendingSep = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// FirstNonEmpty returns the first non-empty string of its arguments.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// TruncateString shortens s to at most max bytes, appending an ellipsis when
// truncation occurred. Used when embedding upstream payloads in log entries.
func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// ExtractIP normalizes a remote address to a bare IP string: the port, IPv6
// brackets, and zone index are stripped. Returns "" when no valid IP remains.
func ExtractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}
	if idx := strings.IndexByte(host, '%'); idx != -1 {
		host = host[:idx]
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	return ip.String()
}
