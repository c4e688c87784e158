// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistent entities of the gateway and the Store
// interface its subsystems read and write through. Implementations live in
// the memory and sqldb subpackages.
package store

import (
	"context"
	"time"
)

// Store is typed CRUD over the gateway's entities plus the transactional
// usage counters.
//
// Get and Find methods return (nil, nil) when no row matches; callers decide
// whether absence is an error.
type Store interface {
	// Tenant hierarchy. Created by administrative flows; read-mostly here.
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	PutOrganization(ctx context.Context, org *Organization) error
	GetUser(ctx context.Context, id string) (*User, error)
	PutUser(ctx context.Context, user *User) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	PutTeam(ctx context.Context, team *Team) error
	AddTeamMember(ctx context.Context, teamID, userID string) error
	ListUserTeamIDs(ctx context.Context, userID string) ([]string, error)
	ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error)

	// Agents and conversations.
	GetAgent(ctx context.Context, id string) (*Agent, error)
	PutAgent(ctx context.Context, agent *Agent) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	PutConversation(ctx context.Context, conv *Conversation) error
	SetConversationModel(ctx context.Context, id, provider, model string) error

	// Chat API keys.
	GetChatAPIKey(ctx context.Context, id string) (*ChatAPIKey, error)
	PutChatAPIKey(ctx context.Context, key *ChatAPIKey) error
	DeleteChatAPIKey(ctx context.Context, id string) error
	FindPersonalChatAPIKey(ctx context.Context, orgID, provider, userID string) (*ChatAPIKey, error)
	// FindTeamChatAPIKeys returns team-scoped keys for any of teamIDs,
	// oldest CreatedAt first.
	FindTeamChatAPIKeys(ctx context.Context, orgID, provider string, teamIDs []string) ([]*ChatAPIKey, error)
	FindOrgWideChatAPIKey(ctx context.Context, orgID, provider string) (*ChatAPIKey, error)

	// Secrets referenced by chat keys and MCP servers.
	GetSecret(ctx context.Context, id string) (*Secret, error)
	PutSecret(ctx context.Context, secret *Secret) error

	// MCP catalog, servers and tools.
	GetMcpCatalogItem(ctx context.Context, id string) (*McpCatalogItem, error)
	PutMcpCatalogItem(ctx context.Context, item *McpCatalogItem) error
	GetMcpServer(ctx context.Context, id string) (*McpServer, error)
	PutMcpServer(ctx context.Context, server *McpServer) error
	ListMcpServersByCatalog(ctx context.Context, catalogID string) ([]*McpServer, error)
	// UpdateMcpServerOAuthError latches a refresh failure reason, or clears
	// the latch when reason is empty.
	UpdateMcpServerOAuthError(ctx context.Context, serverID, reason string, failedAt *time.Time) error
	// UpdateMcpServerSecret writes a fresh secret value for the server,
	// creating and linking a secret row when the server has none.
	UpdateMcpServerSecret(ctx context.Context, serverID, value string) error
	GetTool(ctx context.Context, id string) (*Tool, error)
	PutTool(ctx context.Context, tool *Tool) error
	GetToolByName(ctx context.Context, name string) (*Tool, error)
	ListAgentTools(ctx context.Context, agentID string) ([]*Tool, error)

	// Cross-replica MCP session affinity. One row per connection key.
	GetMcpSession(ctx context.Context, connectionKey string) (*McpHttpSession, error)
	PutMcpSession(ctx context.Context, session *McpHttpSession) error
	DeleteMcpSession(ctx context.Context, connectionKey string) error
	DeleteExpiredMcpSessions(ctx context.Context, olderThan time.Time) (int64, error)

	// Interactions. Append-only.
	InsertInteraction(ctx context.Context, interaction *Interaction) error

	// Limits and per-model usage counters.
	GetLimit(ctx context.Context, id string) (*Limit, error)
	PutLimit(ctx context.Context, limit *Limit) error
	ListLimitsForEntity(ctx context.Context, entityType EntityType, entityID string) ([]*Limit, error)
	// UpsertLimitUsage atomically adds to the per-model counter row,
	// creating it when absent.
	UpsertLimitUsage(ctx context.Context, limitID, model string, tokensIn, tokensOut int64) error
	GetLimitUsage(ctx context.Context, limitID, model string) (*LimitUsage, error)
	ListLimitUsage(ctx context.Context, limitID string) ([]*LimitUsage, error)
	ListLimitsDueForReset(ctx context.Context, cutoff time.Time) ([]*Limit, error)
	// ResetLimitUsage zeroes every counter of the limit and stamps
	// LastCleanup in the same transaction.
	ResetLimitUsage(ctx context.Context, limitID string, now time.Time) error

	// Tool call audit log.
	InsertToolCallLog(ctx context.Context, log *ToolCallLog) error
	ListToolCallLogs(ctx context.Context, agentID string, limit int) ([]*ToolCallLog, error)

	Close() error
}
