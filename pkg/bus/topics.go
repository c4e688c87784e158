// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package bus

const (
	// SessionInvalidationTopic announces MCP sessions that one replica
	// evicted so the others drop their cached clients too.
	SessionInvalidationTopic = "mcp_session_invalidations"
	// ToolCallAuditTopic carries completed tool calls to the audit recorder.
	ToolCallAuditTopic = "tool_call_audit"
)
