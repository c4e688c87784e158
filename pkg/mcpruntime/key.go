// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import "strings"

// ConnectionKey identifies one upstream tool server connection. Stdio
// connections carry the agent and conversation so each conversation gets its
// own pod context; external-IdP callers get a per-user suffix because their
// JWT travels with the connection.
func ConnectionKey(catalogID, serverID, agentID, conversationID, extIdpUserID string) string {
	var b strings.Builder
	b.WriteString(catalogID)
	b.WriteString(":")
	b.WriteString(serverID)
	if conversationID != "" {
		b.WriteString(":")
		b.WriteString(agentID)
		b.WriteString(":")
		b.WriteString(conversationID)
	}
	if extIdpUserID != "" {
		b.WriteString(":ext:")
		b.WriteString(extIdpUserID)
	}
	return b.String()
}

// Invalidation announces that a replica evicted a connection and deleted its
// persisted session row. Origin lets the publisher ignore its own message.
type Invalidation struct {
	ConnectionKey string `json:"connectionKey"`
	Origin        string `json:"origin"`
}
