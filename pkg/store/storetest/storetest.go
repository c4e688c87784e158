// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package storetest runs one behavioral suite against any Store
// implementation so the memory and SQL backends cannot drift apart.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/store"
)

// Factory builds a fresh empty Store for one subtest.
type Factory func(t *testing.T) store.Store

// RunSuite exercises the full Store contract against the given factory.
func RunSuite(t *testing.T, factory Factory) {
	t.Run("TenantHierarchy", func(t *testing.T) { testTenantHierarchy(t, factory(t)) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, factory(t)) })
	t.Run("ChatAPIKeys", func(t *testing.T) { testChatAPIKeys(t, factory(t)) })
	t.Run("McpServers", func(t *testing.T) { testMcpServers(t, factory(t)) })
	t.Run("Tools", func(t *testing.T) { testTools(t, factory(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, factory(t)) })
	t.Run("Limits", func(t *testing.T) { testLimits(t, factory(t)) })
	t.Run("Interactions", func(t *testing.T) { testInteractions(t, factory(t)) })
	t.Run("ToolCallLogs", func(t *testing.T) { testToolCallLogs(t, factory(t)) })
}

func testTenantHierarchy(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	missing, err := s.GetOrganization(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.PutOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme"}))
	org, err := s.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "Acme", org.Name)

	require.NoError(t, s.PutUser(ctx, &store.User{ID: "u-1", OrgID: "org-1", Email: "a@acme.test"}))
	require.NoError(t, s.PutUser(ctx, &store.User{ID: "u-2", OrgID: "org-1"}))
	require.NoError(t, s.PutTeam(ctx, &store.Team{ID: "t-1", OrgID: "org-1", Name: "platform"}))
	require.NoError(t, s.PutTeam(ctx, &store.Team{ID: "t-2", OrgID: "org-1", Name: "ml"}))
	require.NoError(t, s.AddTeamMember(ctx, "t-1", "u-1"))
	require.NoError(t, s.AddTeamMember(ctx, "t-2", "u-1"))
	require.NoError(t, s.AddTeamMember(ctx, "t-1", "u-2"))

	teams, err := s.ListUserTeamIDs(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2"}, teams)

	members, err := s.ListTeamMemberIDs(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-1", "u-2"}, members)

	none, err := s.ListUserTeamIDs(ctx, "u-ghost")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.PutAgent(ctx, &store.Agent{
		ID: "ag-1", OrgID: "org-1", TeamIDs: []string{"t-1"}, LlmAPIKeyID: "key-9",
	}))
	agent, err := s.GetAgent(ctx, "ag-1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "key-9", agent.LlmAPIKeyID)
	assert.Equal(t, []string{"t-1"}, agent.TeamIDs)
}

func testConversations(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.PutConversation(ctx, &store.Conversation{
		ID: "c-1", OrgID: "org-1", UserID: "u-1", AgentID: "ag-1", ChatAPIKeyID: "key-1",
	}))

	require.NoError(t, s.SetConversationModel(ctx, "c-1", "anthropic", "claude-3-5-sonnet"))
	conv, err := s.GetConversation(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "anthropic", conv.Provider)
	assert.Equal(t, "claude-3-5-sonnet", conv.Model)
	assert.Equal(t, "key-1", conv.ChatAPIKeyID)

	assert.Error(t, s.SetConversationModel(ctx, "c-missing", "openai", "gpt-4o"))
}

func testChatAPIKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	keys := []*store.ChatAPIKey{
		{ID: "k-personal", OrgID: "org-1", Provider: "openai", Scope: store.ScopePersonal, UserID: "u-1", SecretID: "s-1", CreatedAt: base},
		{ID: "k-team-old", OrgID: "org-1", Provider: "openai", Scope: store.ScopeTeam, TeamID: "t-1", SecretID: "s-2", CreatedAt: base.Add(-time.Hour)},
		{ID: "k-team-new", OrgID: "org-1", Provider: "openai", Scope: store.ScopeTeam, TeamID: "t-2", SecretID: "s-3", CreatedAt: base.Add(time.Hour)},
		{ID: "k-org", OrgID: "org-1", Provider: "openai", Scope: store.ScopeOrgWide, SecretID: "s-4", CreatedAt: base},
		{ID: "k-other-provider", OrgID: "org-1", Provider: "anthropic", Scope: store.ScopeOrgWide, SecretID: "s-5", CreatedAt: base},
	}
	for _, k := range keys {
		require.NoError(t, s.PutChatAPIKey(ctx, k))
	}

	personal, err := s.FindPersonalChatAPIKey(ctx, "org-1", "openai", "u-1")
	require.NoError(t, err)
	require.NotNil(t, personal)
	assert.Equal(t, "k-personal", personal.ID)

	nobody, err := s.FindPersonalChatAPIKey(ctx, "org-1", "openai", "u-2")
	require.NoError(t, err)
	assert.Nil(t, nobody)

	teamKeys, err := s.FindTeamChatAPIKeys(ctx, "org-1", "openai", []string{"t-1", "t-2"})
	require.NoError(t, err)
	require.Len(t, teamKeys, 2)
	assert.Equal(t, "k-team-old", teamKeys[0].ID, "oldest createdAt first")
	assert.Equal(t, "k-team-new", teamKeys[1].ID)

	orgKey, err := s.FindOrgWideChatAPIKey(ctx, "org-1", "openai")
	require.NoError(t, err)
	require.NotNil(t, orgKey)
	assert.Equal(t, "k-org", orgKey.ID)

	require.NoError(t, s.DeleteChatAPIKey(ctx, "k-personal"))
	gone, err := s.GetChatAPIKey(ctx, "k-personal")
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, s.PutSecret(ctx, &store.Secret{ID: "s-1", Value: "sk-plain"}))
	sec, err := s.GetSecret(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, sec)
	assert.Equal(t, "sk-plain", sec.Value)
}

func testMcpServers(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.PutMcpCatalogItem(ctx, &store.McpCatalogItem{
		ID: "cat-1", Name: "github", ServerType: store.ServerTypeRemote,
		ServerURL:   "https://mcp.github.test/mcp",
		OAuthConfig: &store.OAuthConfig{TokenURL: "https://idp.test/token", ClientID: "cid"},
	}))
	item, err := s.GetMcpCatalogItem(ctx, "cat-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.NotNil(t, item.OAuthConfig)
	assert.Equal(t, "https://idp.test/token", item.OAuthConfig.TokenURL)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutMcpServer(ctx, &store.McpServer{ID: "srv-1", CatalogID: "cat-1", OwnerID: "u-1", CreatedAt: early}))
	require.NoError(t, s.PutMcpServer(ctx, &store.McpServer{ID: "srv-2", CatalogID: "cat-1", TeamID: "t-1", CreatedAt: early.Add(time.Hour)}))
	require.NoError(t, s.PutMcpServer(ctx, &store.McpServer{ID: "srv-3", CatalogID: "cat-2", CreatedAt: early}))

	servers, err := s.ListMcpServersByCatalog(ctx, "cat-1")
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "srv-1", servers[0].ID)

	failedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateMcpServerOAuthError(ctx, "srv-1", "refresh_failed", &failedAt))
	srv, err := s.GetMcpServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh_failed", srv.OAuthRefreshError)
	require.NotNil(t, srv.OAuthRefreshFailedAt)
	assert.True(t, srv.OAuthRefreshFailedAt.Equal(failedAt))

	require.NoError(t, s.UpdateMcpServerOAuthError(ctx, "srv-1", "", nil))
	srv, err = s.GetMcpServer(ctx, "srv-1")
	require.NoError(t, err)
	assert.Empty(t, srv.OAuthRefreshError)
	assert.Nil(t, srv.OAuthRefreshFailedAt)

	// A server without a secret gets one created and linked on first write.
	require.NoError(t, s.UpdateMcpServerSecret(ctx, "srv-2", `{"access_token":"at-1"}`))
	srv2, err := s.GetMcpServer(ctx, "srv-2")
	require.NoError(t, err)
	require.NotEmpty(t, srv2.SecretID)
	sec, err := s.GetSecret(ctx, srv2.SecretID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"at-1"}`, sec.Value)

	require.NoError(t, s.UpdateMcpServerSecret(ctx, "srv-2", `{"access_token":"at-2"}`))
	sec, err = s.GetSecret(ctx, srv2.SecretID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"at-2"}`, sec.Value)

	assert.Error(t, s.UpdateMcpServerSecret(ctx, "srv-missing", "x"))
}

func testTools(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.PutTool(ctx, &store.Tool{
		ID: "tool-1", Name: "list_pull_requests", McpServerID: "srv-1",
		ResponseModifierTemplate: "PRs: {{content}}",
	}))
	require.NoError(t, s.PutTool(ctx, &store.Tool{
		ID: "tool-2", Name: "take_screenshot", CatalogID: "cat-1", UseDynamicTeamCredential: true,
	}))

	tool, err := s.GetToolByName(ctx, "list_pull_requests")
	require.NoError(t, err)
	require.NotNil(t, tool)
	assert.Equal(t, "tool-1", tool.ID)
	assert.Equal(t, "PRs: {{content}}", tool.ResponseModifierTemplate)

	missing, err := s.GetToolByName(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.PutAgent(ctx, &store.Agent{ID: "ag-1", OrgID: "org-1", ToolIDs: []string{"tool-2", "tool-1"}}))
	tools, err := s.ListAgentTools(ctx, "ag-1")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "tool-2", tools[0].ID, "assignment order preserved")
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutMcpSession(ctx, &store.McpHttpSession{
		ConnectionKey:          "cat-1:srv-1",
		SessionID:              "sess-abc",
		SessionEndpointURL:     "http://pod-a:3000/mcp",
		SessionEndpointPodName: "pod-a",
		UpdatedAt:              now,
	}))

	sess, err := s.GetMcpSession(ctx, "cat-1:srv-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-abc", sess.SessionID)
	assert.Equal(t, "pod-a", sess.SessionEndpointPodName)

	// Upsert keeps exactly one row per key.
	require.NoError(t, s.PutMcpSession(ctx, &store.McpHttpSession{
		ConnectionKey: "cat-1:srv-1", SessionID: "sess-def", UpdatedAt: now.Add(time.Minute),
	}))
	sess, err = s.GetMcpSession(ctx, "cat-1:srv-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-def", sess.SessionID)

	require.NoError(t, s.PutMcpSession(ctx, &store.McpHttpSession{
		ConnectionKey: "cat-1:srv-2", SessionID: "sess-old", UpdatedAt: now.Add(-48 * time.Hour),
	}))
	removed, err := s.DeleteExpiredMcpSessions(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	gone, err := s.GetMcpSession(ctx, "cat-1:srv-2")
	require.NoError(t, err)
	assert.Nil(t, gone)

	require.NoError(t, s.DeleteMcpSession(ctx, "cat-1:srv-1"))
	gone, err = s.GetMcpSession(ctx, "cat-1:srv-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testLimits(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	require.NoError(t, s.PutLimit(ctx, &store.Limit{
		ID: "lim-agent", EntityType: store.EntityAgent, EntityID: "ag-1",
		LimitType: store.LimitTypeTokenCost, LimitValue: 10,
		Models: []string{"gpt-4o", "claude-3-5-sonnet"},
	}))
	require.NoError(t, s.PutLimit(ctx, &store.Limit{
		ID: "lim-org", EntityType: store.EntityOrganization, EntityID: "org-1",
		LimitType: store.LimitTypeTokenCost, LimitValue: 100,
		Models: []string{"gpt-4o"},
	}))

	limits, err := s.ListLimitsForEntity(ctx, store.EntityAgent, "ag-1")
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, []string{"gpt-4o", "claude-3-5-sonnet"}, limits[0].Models)

	// Lazy counter creation and atomic accumulation.
	require.NoError(t, s.UpsertLimitUsage(ctx, "lim-agent", "gpt-4o", 100, 200))
	require.NoError(t, s.UpsertLimitUsage(ctx, "lim-agent", "gpt-4o", 10, 20))
	usage, err := s.GetLimitUsage(ctx, "lim-agent", "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(110), usage.CurrentUsageTokensIn)
	assert.Equal(t, int64(220), usage.CurrentUsageTokensOut)

	other, err := s.GetLimitUsage(ctx, "lim-agent", "claude-3-5-sonnet")
	require.NoError(t, err)
	assert.Nil(t, other, "no counter row before first accounting event")

	require.NoError(t, s.UpsertLimitUsage(ctx, "lim-agent", "claude-3-5-sonnet", 1, 2))
	all, err := s.ListLimitUsage(ctx, "lim-agent")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Both limits have never been cleaned, so both are due.
	due, err := s.ListLimitsDueForReset(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 2)

	resetAt := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.ResetLimitUsage(ctx, "lim-agent", resetAt))
	usage, err = s.GetLimitUsage(ctx, "lim-agent", "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Zero(t, usage.CurrentUsageTokensIn)
	assert.Zero(t, usage.CurrentUsageTokensOut)

	lim, err := s.GetLimit(ctx, "lim-agent")
	require.NoError(t, err)
	require.NotNil(t, lim.LastCleanup)
	assert.True(t, lim.LastCleanup.Equal(resetAt))

	due, err = s.ListLimitsDueForReset(ctx, resetAt.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "lim-org", due[0].ID)
}

func testInteractions(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	err := s.InsertInteraction(ctx, &store.Interaction{
		Type: "openai:chatCompletions", AgentID: "ag-1", OrgID: "org-1", UserID: "u-1",
		SessionID: "sess-1", ExecutionID: "exec-1", ExternalAgentID: "agent-A",
		Request:  json.RawMessage(`{"model":"gpt-4o"}`),
		Response: json.RawMessage(`{"usage":{"prompt_tokens":100}}`),
		Model:    "gpt-4o", InputTokens: 100, OutputTokens: 200,
	})
	require.NoError(t, err)
}

func testToolCallLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer func() { _ = s.Close() }()

	for i := range 3 {
		require.NoError(t, s.InsertToolCallLog(ctx, &store.ToolCallLog{
			AgentID:  "ag-1",
			ToolName: "list_pull_requests",
			ToolCall: json.RawMessage(`{"repo":"core"}`),
			IsError:  i == 2,
			CreatedAt: time.Date(2026, 6, 1, 10, i, 0, 0, time.UTC),
		}))
	}
	require.NoError(t, s.InsertToolCallLog(ctx, &store.ToolCallLog{
		AgentID: "ag-2", ToolName: "web_search",
		CreatedAt: time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC),
	}))

	logs, err := s.ListToolCallLogs(ctx, "ag-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].IsError, "newest first")

	all, err := s.ListToolCallLogs(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
