// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-process Store used by tests and
// single-replica deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/archestra/gateway/pkg/store"
)

// Store keeps every entity in process-local maps guarded by one RWMutex.
type Store struct {
	mu           sync.RWMutex
	orgs         map[string]*store.Organization
	users        map[string]*store.User
	teams        map[string]*store.Team
	teamMembers  map[string]map[string]struct{}
	agents       map[string]*store.Agent
	convs        map[string]*store.Conversation
	chatKeys     map[string]*store.ChatAPIKey
	secrets      map[string]*store.Secret
	catalogItems map[string]*store.McpCatalogItem
	servers      map[string]*store.McpServer
	tools        map[string]*store.Tool
	toolsByName  map[string]string
	sessions     map[string]*store.McpHttpSession
	interactions []*store.Interaction
	limits       map[string]*store.Limit
	usages       map[string]map[string]*store.LimitUsage
	toolLogs     []*store.ToolCallLog
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		orgs:         make(map[string]*store.Organization),
		users:        make(map[string]*store.User),
		teams:        make(map[string]*store.Team),
		teamMembers:  make(map[string]map[string]struct{}),
		agents:       make(map[string]*store.Agent),
		convs:        make(map[string]*store.Conversation),
		chatKeys:     make(map[string]*store.ChatAPIKey),
		secrets:      make(map[string]*store.Secret),
		catalogItems: make(map[string]*store.McpCatalogItem),
		servers:      make(map[string]*store.McpServer),
		tools:        make(map[string]*store.Tool),
		toolsByName:  make(map[string]string),
		sessions:     make(map[string]*store.McpHttpSession),
		limits:       make(map[string]*store.Limit),
		usages:       make(map[string]map[string]*store.LimitUsage),
	}
}

// Close implements store.Store. It is a no-op for the memory backend.
func (s *Store) Close() error { return nil }

func (s *Store) GetOrganization(_ context.Context, id string) (*store.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if org, ok := s.orgs[id]; ok {
		cp := *org
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutOrganization(_ context.Context, org *store.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	s.orgs[org.ID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutUser(_ context.Context, user *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *Store) GetTeam(_ context.Context, id string) (*store.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.teams[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutTeam(_ context.Context, team *store.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *team
	s.teams[team.ID] = &cp
	if _, ok := s.teamMembers[team.ID]; !ok {
		s.teamMembers[team.ID] = make(map[string]struct{})
	}
	return nil
}

func (s *Store) AddTeamMember(_ context.Context, teamID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teamMembers[teamID]; !ok {
		s.teamMembers[teamID] = make(map[string]struct{})
	}
	s.teamMembers[teamID][userID] = struct{}{}
	return nil
}

func (s *Store) ListUserTeamIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for teamID, members := range s.teamMembers {
		if _, ok := members[userID]; ok {
			ids = append(ids, teamID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListTeamMemberIDs(_ context.Context, teamID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := lo.Keys(s.teamMembers[teamID])
	sort.Strings(members)
	return members, nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutAgent(_ context.Context, agent *store.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutConversation(_ context.Context, conv *store.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	s.convs[conv.ID] = &cp
	return nil
}

func (s *Store) SetConversationModel(_ context.Context, id, provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}
	c.Provider = provider
	c.Model = model
	return nil
}

func (s *Store) GetChatAPIKey(_ context.Context, id string) (*store.ChatAPIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.chatKeys[id]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutChatAPIKey(_ context.Context, key *store.ChatAPIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.chatKeys[key.ID] = &cp
	return nil
}

func (s *Store) DeleteChatAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chatKeys, id)
	return nil
}

func (s *Store) FindPersonalChatAPIKey(_ context.Context, orgID, provider, userID string) (*store.ChatAPIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.chatKeys {
		if k.Scope == store.ScopePersonal && k.OrgID == orgID && k.Provider == provider && k.UserID == userID {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) FindTeamChatAPIKeys(_ context.Context, orgID, provider string, teamIDs []string) ([]*store.ChatAPIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := lo.Filter(lo.Values(s.chatKeys), func(k *store.ChatAPIKey, _ int) bool {
		return k.Scope == store.ScopeTeam && k.OrgID == orgID && k.Provider == provider &&
			lo.Contains(teamIDs, k.TeamID)
	})
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return lo.Map(matches, func(k *store.ChatAPIKey, _ int) *store.ChatAPIKey {
		cp := *k
		return &cp
	}), nil
}

func (s *Store) FindOrgWideChatAPIKey(_ context.Context, orgID, provider string) (*store.ChatAPIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.chatKeys {
		if k.Scope == store.ScopeOrgWide && k.OrgID == orgID && k.Provider == provider {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) GetSecret(_ context.Context, id string) (*store.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sec, ok := s.secrets[id]; ok {
		cp := *sec
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutSecret(_ context.Context, secret *store.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *secret
	s.secrets[secret.ID] = &cp
	return nil
}

func (s *Store) GetMcpCatalogItem(_ context.Context, id string) (*store.McpCatalogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item, ok := s.catalogItems[id]; ok {
		cp := *item
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutMcpCatalogItem(_ context.Context, item *store.McpCatalogItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.catalogItems[item.ID] = &cp
	return nil
}

func (s *Store) GetMcpServer(_ context.Context, id string) (*store.McpServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if srv, ok := s.servers[id]; ok {
		cp := *srv
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutMcpServer(_ context.Context, server *store.McpServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *server
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.servers[server.ID] = &cp
	return nil
}

func (s *Store) ListMcpServersByCatalog(_ context.Context, catalogID string) ([]*store.McpServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := lo.Filter(lo.Values(s.servers), func(srv *store.McpServer, _ int) bool {
		return srv.CatalogID == catalogID
	})
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return lo.Map(matches, func(srv *store.McpServer, _ int) *store.McpServer {
		cp := *srv
		return &cp
	}), nil
}

func (s *Store) UpdateMcpServerOAuthError(_ context.Context, serverID, reason string, failedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[serverID]
	if !ok {
		return fmt.Errorf("mcp server %s not found", serverID)
	}
	srv.OAuthRefreshError = reason
	srv.OAuthRefreshFailedAt = failedAt
	return nil
}

func (s *Store) UpdateMcpServerSecret(_ context.Context, serverID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[serverID]
	if !ok {
		return fmt.Errorf("mcp server %s not found", serverID)
	}
	if srv.SecretID == "" {
		srv.SecretID = uuid.New().String()
	}
	s.secrets[srv.SecretID] = &store.Secret{ID: srv.SecretID, Value: value}
	return nil
}

func (s *Store) GetTool(_ context.Context, id string) (*store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tool, ok := s.tools[id]; ok {
		cp := *tool
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutTool(_ context.Context, tool *store.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tools[tool.ID]; ok && old.Name != tool.Name {
		delete(s.toolsByName, old.Name)
	}
	cp := *tool
	s.tools[tool.ID] = &cp
	s.toolsByName[tool.Name] = tool.ID
	return nil
}

func (s *Store) GetToolByName(_ context.Context, name string) (*store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.toolsByName[name]
	if !ok {
		return nil, nil
	}
	cp := *s.tools[id]
	return &cp, nil
}

func (s *Store) ListAgentTools(_ context.Context, agentID string) ([]*store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	var tools []*store.Tool
	for _, toolID := range agent.ToolIDs {
		if tool, ok := s.tools[toolID]; ok {
			cp := *tool
			tools = append(tools, &cp)
		}
	}
	return tools, nil
}

func (s *Store) GetMcpSession(_ context.Context, connectionKey string) (*store.McpHttpSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[connectionKey]; ok {
		cp := *sess
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutMcpSession(_ context.Context, session *store.McpHttpSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.sessions[session.ConnectionKey] = &cp
	return nil
}

func (s *Store) DeleteMcpSession(_ context.Context, connectionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, connectionKey)
	return nil
}

func (s *Store) DeleteExpiredMcpSessions(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key, sess := range s.sessions {
		if sess.UpdatedAt.Before(olderThan) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) InsertInteraction(_ context.Context, interaction *store.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *interaction
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.interactions = append(s.interactions, &cp)
	return nil
}

// ForTestsOnlyInteractions returns the recorded interactions in insertion
// order.
func (s *Store) ForTestsOnlyInteractions() []*store.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Interaction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

func (s *Store) GetLimit(_ context.Context, id string) (*store.Limit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[id]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PutLimit(_ context.Context, limit *store.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *limit
	if cp.LimitType == "" {
		cp.LimitType = store.LimitTypeTokenCost
	}
	s.limits[limit.ID] = &cp
	return nil
}

func (s *Store) ListLimitsForEntity(_ context.Context, entityType store.EntityType, entityID string) ([]*store.Limit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := lo.Filter(lo.Values(s.limits), func(l *store.Limit, _ int) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	})
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return lo.Map(matches, func(l *store.Limit, _ int) *store.Limit {
		cp := *l
		return &cp
	}), nil
}

func (s *Store) UpsertLimitUsage(_ context.Context, limitID, model string, tokensIn, tokensOut int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byModel, ok := s.usages[limitID]
	if !ok {
		byModel = make(map[string]*store.LimitUsage)
		s.usages[limitID] = byModel
	}
	usage, ok := byModel[model]
	if !ok {
		usage = &store.LimitUsage{LimitID: limitID, Model: model}
		byModel[model] = usage
	}
	usage.CurrentUsageTokensIn += tokensIn
	usage.CurrentUsageTokensOut += tokensOut
	return nil
}

func (s *Store) GetLimitUsage(_ context.Context, limitID, model string) (*store.LimitUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if usage, ok := s.usages[limitID][model]; ok {
		cp := *usage
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) ListLimitUsage(_ context.Context, limitID string) ([]*store.LimitUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usages := lo.Map(lo.Values(s.usages[limitID]), func(u *store.LimitUsage, _ int) *store.LimitUsage {
		cp := *u
		return &cp
	})
	sort.Slice(usages, func(i, j int) bool { return usages[i].Model < usages[j].Model })
	return usages, nil
}

func (s *Store) ListLimitsDueForReset(_ context.Context, cutoff time.Time) ([]*store.Limit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := lo.Filter(lo.Values(s.limits), func(l *store.Limit, _ int) bool {
		return l.LastCleanup == nil || l.LastCleanup.Before(cutoff)
	})
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return lo.Map(matches, func(l *store.Limit, _ int) *store.Limit {
		cp := *l
		return &cp
	}), nil
}

func (s *Store) ResetLimitUsage(_ context.Context, limitID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[limitID]
	if !ok {
		return fmt.Errorf("limit %s not found", limitID)
	}
	for _, usage := range s.usages[limitID] {
		usage.CurrentUsageTokensIn = 0
		usage.CurrentUsageTokensOut = 0
	}
	stamp := now
	l.LastCleanup = &stamp
	return nil
}

func (s *Store) InsertToolCallLog(_ context.Context, log *store.ToolCallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.toolLogs = append(s.toolLogs, &cp)
	return nil
}

func (s *Store) ListToolCallLogs(_ context.Context, agentID string, limit int) ([]*store.ToolCallLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.ToolCallLog
	for i := len(s.toolLogs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if agentID == "" || s.toolLogs[i].AgentID == agentID {
			cp := *s.toolLogs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
