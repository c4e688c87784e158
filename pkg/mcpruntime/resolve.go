// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/store"
)

// target is a resolved tool server plus the catalog item it instantiates.
type target struct {
	server  *store.McpServer
	catalog *store.McpCatalogItem
	stdio   bool
}

// resolveTarget picks the tool server a call executes against.
//
// Tools with a fixed source use it directly: the execution source for
// pod-hosted catalogs, the credential source for remote ones. Tools with
// dynamic team credentials walk the install ladder instead: the caller's own
// server, then a personal server of a team member, then any server reachable
// through team membership, then any server at all for org tokens and
// external-IdP callers.
func (d *Dispatcher) resolveTarget(ctx context.Context, tool *store.Tool, auth *identity.TokenAuthContext) (*target, error) {
	if tool.CatalogID == "" {
		return nil, errkind.Newf(errkind.Misconfigured, "tool %s has no catalog item", tool.Name)
	}
	catalog, err := d.store.GetMcpCatalogItem(ctx, tool.CatalogID)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog item %s: %w", tool.CatalogID, err)
	}
	if catalog == nil {
		return nil, errkind.Newf(errkind.Misconfigured, "catalog item %s for tool %s does not exist", tool.CatalogID, tool.Name)
	}

	var server *store.McpServer
	if tool.UseDynamicTeamCredential {
		server, err = d.dynamicServer(ctx, catalog, auth)
	} else {
		server, err = d.fixedServer(ctx, tool, catalog)
	}
	if err != nil {
		return nil, err
	}

	return &target{
		server:  server,
		catalog: catalog,
		stdio:   catalog.ServerType == store.ServerTypeLocal && !server.AdvertisesHTTP,
	}, nil
}

func (d *Dispatcher) fixedServer(ctx context.Context, tool *store.Tool, catalog *store.McpCatalogItem) (*store.McpServer, error) {
	serverID := tool.ExecutionSourceMcpServerID
	if catalog.ServerType == store.ServerTypeRemote {
		serverID = tool.CredentialSourceMcpServerID
	}
	if serverID == "" {
		return nil, errkind.Newf(errkind.Misconfigured, "tool %s has no source server configured", tool.Name)
	}
	server, err := d.store.GetMcpServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool server %s: %w", serverID, err)
	}
	if server == nil {
		return nil, errkind.Newf(errkind.Misconfigured, "tool server %s for tool %s does not exist", serverID, tool.Name)
	}
	return server, nil
}

// dynamicServer walks the install ladder. Candidates arrive oldest first so
// every rung picks deterministically.
func (d *Dispatcher) dynamicServer(ctx context.Context, catalog *store.McpCatalogItem, auth *identity.TokenAuthContext) (*store.McpServer, error) {
	servers, err := d.store.ListMcpServersByCatalog(ctx, catalog.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers for catalog %s: %w", catalog.ID, err)
	}

	var userID string
	var teamIDs []string
	if auth != nil {
		userID = auth.UserID
		teamIDs = auth.TeamIDs
	}

	members := make(map[string]bool)
	for _, teamID := range teamIDs {
		ids, err := d.store.ListTeamMemberIDs(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("failed to list members of team %s: %w", teamID, err)
		}
		for _, id := range ids {
			members[id] = true
		}
	}

	if userID != "" {
		if s, ok := lo.Find(servers, func(s *store.McpServer) bool {
			return s.OwnerID == userID && s.TeamID == ""
		}); ok {
			return s, nil
		}
		if s, ok := lo.Find(servers, func(s *store.McpServer) bool {
			return s.TeamID == "" && members[s.OwnerID]
		}); ok {
			return s, nil
		}
		// Team-scoped rows carry the team instead of an owner; membership in
		// the row's team counts.
		if s, ok := lo.Find(servers, func(s *store.McpServer) bool {
			return members[s.OwnerID] || lo.Contains(teamIDs, s.TeamID)
		}); ok {
			return s, nil
		}
	}

	if auth != nil && (auth.IsOrgToken || auth.IsExternalIdp) && len(servers) > 0 {
		return servers[0], nil
	}

	name := catalog.Name
	if name == "" {
		name = catalog.ID
	}
	return nil, errkind.Newf(errkind.Misconfigured,
		"no %s tool server is installed for your account; install one at %s/%s", name, d.cfg.InstallBaseURL, catalog.ID)
}
