// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"time"
)

// Organization is the root of the tenant hierarchy.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Team groups users within one organization.
type Team struct {
	ID    string `json:"id"`
	OrgID string `json:"orgId"`
	Name  string `json:"name,omitempty"`
}

// User belongs to one organization and zero or more of its teams.
type User struct {
	ID      string `json:"id"`
	OrgID   string `json:"orgId"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
}

// Agent is a configured assistant tied to teams and tool assignments.
type Agent struct {
	ID           string   `json:"id"`
	OrgID        string   `json:"orgId"`
	Name         string   `json:"name,omitempty"`
	TeamIDs      []string `json:"teams,omitempty"`
	LlmAPIKeyID  string   `json:"llmApiKeyId,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	ToolIDs      []string `json:"toolIds,omitempty"`
}

// Conversation is mutated on every message; it may pin a provider, model and
// chat key for the rest of its lifetime.
type Conversation struct {
	ID                     string `json:"id"`
	OrgID                  string `json:"orgId"`
	UserID                 string `json:"userId"`
	AgentID                string `json:"agentId"`
	Provider               string `json:"provider,omitempty"`
	Model                  string `json:"model,omitempty"`
	ChatAPIKeyID           string `json:"chatApiKeyId,omitempty"`
	HasCustomToolSelection bool   `json:"hasCustomToolSelection,omitempty"`
}

// KeyScope is the visibility of a ChatAPIKey.
type KeyScope string

// Chat key scopes, narrowest first.
const (
	ScopePersonal KeyScope = "personal"
	ScopeTeam     KeyScope = "team"
	ScopeOrgWide  KeyScope = "org_wide"
)

// ChatAPIKey references a provider credential by secret id.
//
// Invariants: scope=personal requires UserID and forbids TeamID; scope=team
// requires TeamID and forbids UserID; scope=org_wide forbids both. At most one
// personal key exists per (org, provider, user).
type ChatAPIKey struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	Provider  string    `json:"provider"`
	Scope     KeyScope  `json:"scope"`
	UserID    string    `json:"userId,omitempty"`
	TeamID    string    `json:"teamId,omitempty"`
	SecretID  string    `json:"secretId,omitempty"`
	IsSystem  bool      `json:"isSystem,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Secret holds a credential value. The value is either the literal secret or
// a vault reference of the form "path#key" that is dereferenced on read.
type Secret struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// ServerType distinguishes pod-hosted tool servers from remote HTTP ones.
type ServerType string

const (
	ServerTypeLocal  ServerType = "local"
	ServerTypeRemote ServerType = "remote"
)

// OAuthConfig is the token-refresh configuration of a catalog item.
type OAuthConfig struct {
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// McpCatalogItem describes a tool server template.
type McpCatalogItem struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	ServerType  ServerType   `json:"serverType"`
	ServerURL   string       `json:"serverUrl,omitempty"`
	OAuthConfig *OAuthConfig `json:"oauthConfig,omitempty"`
}

// McpServer is an installed instance of a catalog item for an owner or team.
// OAuth refresh failures are latched in OAuthRefreshError until the next
// successful refresh clears them.
type McpServer struct {
	ID                   string     `json:"id"`
	CatalogID            string     `json:"catalogId"`
	OwnerID              string     `json:"ownerId,omitempty"`
	TeamID               string     `json:"teamId,omitempty"`
	SecretID             string     `json:"secretId,omitempty"`
	AdvertisesHTTP       bool       `json:"advertisesHttp,omitempty"`
	OAuthRefreshError    string     `json:"oauthRefreshError,omitempty"`
	OAuthRefreshFailedAt *time.Time `json:"oauthRefreshFailedAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt,omitzero"`
}

// Tool is an invokable capability published by a tool server. Name is stored
// slugified and lowercase; the dispatcher maps it back to the server's
// canonical spelling at call time.
type Tool struct {
	ID                          string `json:"id"`
	McpServerID                 string `json:"mcpServerId,omitempty"`
	CatalogID                   string `json:"catalogId,omitempty"`
	Name                        string `json:"name"`
	ResponseModifierTemplate    string `json:"responseModifierTemplate,omitempty"`
	UseDynamicTeamCredential    bool   `json:"useDynamicTeamCredential,omitempty"`
	ExecutionSourceMcpServerID  string `json:"executionSourceMcpServerId,omitempty"`
	CredentialSourceMcpServerID string `json:"credentialSourceMcpServerId,omitempty"`
}

// McpHttpSession pins an upstream MCP session to a connection key so any
// gateway replica can resume it. Exactly one row exists per key.
type McpHttpSession struct {
	ConnectionKey          string    `json:"connectionKey"`
	SessionID              string    `json:"sessionId"`
	SessionEndpointURL     string    `json:"sessionEndpointUrl,omitempty"`
	SessionEndpointPodName string    `json:"sessionEndpointPodName,omitempty"`
	UpdatedAt              time.Time `json:"updatedAt,omitzero"`
}

// Interaction is one metered exchange with an upstream provider. Append-only.
// Type uses the "{provider}:{endpoint}" grammar, e.g. "openai:chatCompletions".
type Interaction struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	AgentID         string          `json:"agentId"`
	OrgID           string          `json:"orgId,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	SessionID       string          `json:"sessionId,omitempty"`
	ExecutionID     string          `json:"executionId,omitempty"`
	ExternalAgentID string          `json:"externalAgentId,omitempty"`
	Request         json.RawMessage `json:"request,omitempty"`
	Response        json.RawMessage `json:"response,omitempty"`
	Model           string          `json:"model"`
	InputTokens     int64           `json:"inputTokens"`
	OutputTokens    int64           `json:"outputTokens"`
	Cost            float64         `json:"cost,omitempty"`
	CreatedAt       time.Time       `json:"createdAt,omitzero"`
}

// EntityType scopes a Limit to one level of the tenant hierarchy.
type EntityType string

const (
	EntityAgent        EntityType = "agent"
	EntityTeam         EntityType = "team"
	EntityOrganization EntityType = "organization"
)

// LimitTypeTokenCost is the only limit type the guard evaluates.
const LimitTypeTokenCost = "token_cost"

// Limit is a token-cost budget over a set of models for one entity.
type Limit struct {
	ID          string     `json:"id"`
	EntityType  EntityType `json:"entityType"`
	EntityID    string     `json:"entityId"`
	LimitType   string     `json:"limitType"`
	LimitValue  float64    `json:"limitValue"`
	Models      []string   `json:"models"`
	LastCleanup *time.Time `json:"lastCleanup,omitempty"`
}

// HasModel reports whether the limit applies to the given model.
func (l *Limit) HasModel(model string) bool {
	for _, m := range l.Models {
		if m == model {
			return true
		}
	}
	return false
}

// LimitUsage is the per-model counter row of a Limit. Rows are created lazily
// on the first accounting event.
type LimitUsage struct {
	LimitID               string `json:"limitId"`
	Model                 string `json:"model"`
	CurrentUsageTokensIn  int64  `json:"currentUsageTokensIn"`
	CurrentUsageTokensOut int64  `json:"currentUsageTokensOut"`
}

// ToolCallLog is one audit row of a dispatched tool call.
type ToolCallLog struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agentId"`
	ToolName   string          `json:"toolName"`
	ToolCall   json.RawMessage `json:"toolCall,omitempty"`
	ToolResult json.RawMessage `json:"toolResult,omitempty"`
	IsError    bool            `json:"isError"`
	UserID     string          `json:"userId,omitempty"`
	AuthMethod string          `json:"authMethod,omitempty"`
	CreatedAt  time.Time       `json:"createdAt,omitzero"`
}
