// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/orchestrator"
	"github.com/archestra/gateway/pkg/secrets"
	"github.com/archestra/gateway/pkg/store"
	"github.com/archestra/gateway/pkg/store/memory"
)

func newResolverDispatcher(t *testing.T) (*Dispatcher, *memory.Store) {
	t.Helper()
	st := memory.New()
	d := NewDispatcher(st, secrets.NewManager(st, nil), &orchestrator.Fake{}, Config{
		InstallBaseURL: "https://console.example.com/catalog",
	})
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d, st
}

func TestResolveTarget_FixedSources(t *testing.T) {
	d, st := newResolverDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.PutMcpCatalogItem(ctx, &store.McpCatalogItem{
		ID: "cat-local", ServerType: store.ServerTypeLocal,
	}))
	require.NoError(t, st.PutMcpCatalogItem(ctx, &store.McpCatalogItem{
		ID: "cat-remote", ServerType: store.ServerTypeRemote, ServerURL: "https://tools.example.com/mcp",
	}))
	require.NoError(t, st.PutMcpServer(ctx, &store.McpServer{ID: "srv-exec", CatalogID: "cat-local"}))
	require.NoError(t, st.PutMcpServer(ctx, &store.McpServer{ID: "srv-http", CatalogID: "cat-local", AdvertisesHTTP: true}))
	require.NoError(t, st.PutMcpServer(ctx, &store.McpServer{ID: "srv-cred", CatalogID: "cat-remote"}))

	t.Run("local uses execution source over stdio", func(t *testing.T) {
		target, err := d.resolveTarget(ctx, &store.Tool{
			Name: "grep_files", CatalogID: "cat-local", ExecutionSourceMcpServerID: "srv-exec",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "srv-exec", target.server.ID)
		assert.True(t, target.stdio)
	})

	t.Run("local server advertising http skips stdio", func(t *testing.T) {
		target, err := d.resolveTarget(ctx, &store.Tool{
			Name: "grep_files", CatalogID: "cat-local", ExecutionSourceMcpServerID: "srv-http",
		}, nil)
		require.NoError(t, err)
		assert.False(t, target.stdio)
	})

	t.Run("remote uses credential source", func(t *testing.T) {
		target, err := d.resolveTarget(ctx, &store.Tool{
			Name: "search_docs", CatalogID: "cat-remote",
			ExecutionSourceMcpServerID:  "srv-exec",
			CredentialSourceMcpServerID: "srv-cred",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "srv-cred", target.server.ID)
		assert.False(t, target.stdio)
	})

	t.Run("missing source id is misconfigured", func(t *testing.T) {
		_, err := d.resolveTarget(ctx, &store.Tool{Name: "grep_files", CatalogID: "cat-local"}, nil)
		require.Error(t, err)
		assert.True(t, errkind.IsKind(err, errkind.Misconfigured))
	})

	t.Run("dangling source id is misconfigured", func(t *testing.T) {
		_, err := d.resolveTarget(ctx, &store.Tool{
			Name: "grep_files", CatalogID: "cat-local", ExecutionSourceMcpServerID: "srv-gone",
		}, nil)
		require.Error(t, err)
		assert.True(t, errkind.IsKind(err, errkind.Misconfigured))
	})

	t.Run("missing catalog id is misconfigured", func(t *testing.T) {
		_, err := d.resolveTarget(ctx, &store.Tool{Name: "grep_files"}, nil)
		require.Error(t, err)
		assert.True(t, errkind.IsKind(err, errkind.Misconfigured))
	})

	t.Run("dangling catalog is misconfigured", func(t *testing.T) {
		_, err := d.resolveTarget(ctx, &store.Tool{Name: "grep_files", CatalogID: "cat-gone"}, nil)
		require.Error(t, err)
		assert.True(t, errkind.IsKind(err, errkind.Misconfigured))
	})
}

// seedLadder installs one catalog with the given servers and the team-a
// membership of user-1 and user-2.
func seedLadder(t *testing.T, st *memory.Store, servers ...*store.McpServer) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutMcpCatalogItem(ctx, &store.McpCatalogItem{
		ID: "cat-dyn", Name: "Search", ServerType: store.ServerTypeRemote, ServerURL: "https://dyn.example.com/mcp",
	}))
	require.NoError(t, st.PutTeam(ctx, &store.Team{ID: "team-a", OrgID: "org-1"}))
	require.NoError(t, st.AddTeamMember(ctx, "team-a", "user-1"))
	require.NoError(t, st.AddTeamMember(ctx, "team-a", "user-2"))
	for _, s := range servers {
		require.NoError(t, st.PutMcpServer(ctx, s))
	}
}

func TestResolveTarget_DynamicLadder(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	// Oldest first so rung order, not age, decides.
	srvUnrelated := &store.McpServer{ID: "srv-any", CatalogID: "cat-dyn", OwnerID: "user-9", CreatedAt: base}
	srvTeam := &store.McpServer{ID: "srv-team", CatalogID: "cat-dyn", TeamID: "team-a", CreatedAt: base.Add(time.Hour)}
	srvMate := &store.McpServer{ID: "srv-mate", CatalogID: "cat-dyn", OwnerID: "user-2", CreatedAt: base.Add(2 * time.Hour)}
	srvOwn := &store.McpServer{ID: "srv-own", CatalogID: "cat-dyn", OwnerID: "user-1", CreatedAt: base.Add(3 * time.Hour)}

	dynTool := &store.Tool{Name: "search_docs", CatalogID: "cat-dyn", UseDynamicTeamCredential: true}
	member := &identity.TokenAuthContext{UserID: "user-1", OrgID: "org-1", TeamIDs: []string{"team-a"}}

	tests := []struct {
		name    string
		servers []*store.McpServer
		auth    *identity.TokenAuthContext
		want    string
	}{
		{
			name:    "own server wins regardless of age",
			servers: []*store.McpServer{srvUnrelated, srvTeam, srvMate, srvOwn},
			auth:    member,
			want:    "srv-own",
		},
		{
			name:    "team member personal server next",
			servers: []*store.McpServer{srvUnrelated, srvTeam, srvMate},
			auth:    member,
			want:    "srv-mate",
		},
		{
			name:    "team scoped server next",
			servers: []*store.McpServer{srvUnrelated, srvTeam},
			auth:    member,
			want:    "srv-team",
		},
		{
			name:    "org token takes any server oldest first",
			servers: []*store.McpServer{srvUnrelated, srvTeam, srvMate, srvOwn},
			auth:    &identity.TokenAuthContext{OrgID: "org-1", IsOrgToken: true},
			want:    "srv-any",
		},
		{
			name:    "external idp takes any server",
			servers: []*store.McpServer{srvUnrelated},
			auth:    &identity.TokenAuthContext{UserID: "auth0|u7", IsExternalIdp: true},
			want:    "srv-any",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, st := newResolverDispatcher(t)
			seedLadder(t, st, tc.servers...)

			target, err := d.resolveTarget(context.Background(), dynTool, tc.auth)
			require.NoError(t, err)
			assert.Equal(t, tc.want, target.server.ID)
		})
	}
}

func TestResolveTarget_DynamicLadderExhausted(t *testing.T) {
	d, st := newResolverDispatcher(t)
	// Only an unrelated user's server exists.
	seedLadder(t, st, &store.McpServer{ID: "srv-any", CatalogID: "cat-dyn", OwnerID: "user-9"})

	dynTool := &store.Tool{Name: "search_docs", CatalogID: "cat-dyn", UseDynamicTeamCredential: true}
	auth := &identity.TokenAuthContext{UserID: "user-1", OrgID: "org-1", TeamIDs: []string{"team-a"}}

	_, err := d.resolveTarget(context.Background(), dynTool, auth)
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.Misconfigured))
	assert.Contains(t, err.Error(), "https://console.example.com/catalog/cat-dyn")
	assert.Contains(t, err.Error(), "Search")
}

func TestResolveTarget_DynamicWithoutAuth(t *testing.T) {
	d, st := newResolverDispatcher(t)
	seedLadder(t, st, &store.McpServer{ID: "srv-any", CatalogID: "cat-dyn", OwnerID: "user-9"})

	dynTool := &store.Tool{Name: "search_docs", CatalogID: "cat-dyn", UseDynamicTeamCredential: true}
	_, err := d.resolveTarget(context.Background(), dynTool, nil)
	require.Error(t, err)
	assert.True(t, errkind.IsKind(err, errkind.Misconfigured))
}
