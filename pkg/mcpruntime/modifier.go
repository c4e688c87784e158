// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
)

// renderModifier rewrites tool result content through the tool's response
// modifier template. Placeholders are {{content}}, {{toolName}} and
// {{agentId}}; unknown placeholders and malformed templates fail so the
// caller can fall back to the unmodified content.
func renderModifier(template, content, toolName, agentID string) (string, error) {
	tpl, err := fasttemplate.NewTemplate(template, "{{", "}}")
	if err != nil {
		return "", err
	}
	vars := map[string]string{
		"content":  content,
		"toolName": toolName,
		"agentId":  agentID,
	}
	return tpl.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		val, ok := vars[strings.TrimSpace(tag)]
		if !ok {
			return 0, fmt.Errorf("unknown placeholder %q", tag)
		}
		return io.WriteString(w, val)
	})
}
