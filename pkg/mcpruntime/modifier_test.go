// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderModifier(t *testing.T) {
	out, err := renderModifier("[{{toolName}} for {{agentId}}] {{content}}", "42 results", "Search_Docs", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "[Search_Docs for agent-1] 42 results", out)
}

func TestRenderModifier_NoPlaceholders(t *testing.T) {
	out, err := renderModifier("static text", "ignored", "tool", "agent")
	require.NoError(t, err)
	assert.Equal(t, "static text", out)
}

func TestRenderModifier_UnknownPlaceholder(t *testing.T) {
	_, err := renderModifier("{{content}} {{nope}}", "x", "tool", "agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestRenderModifier_UnterminatedTag(t *testing.T) {
	_, err := renderModifier("{{content", "x", "tool", "agent")
	assert.Error(t, err)
}

func TestRenderModifier_WhitespaceInTag(t *testing.T) {
	out, err := renderModifier("{{ content }}", "payload", "tool", "agent")
	require.NoError(t, err)
	assert.Equal(t, "payload", out)
}
