// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archestra/gateway/pkg/store"
)

// Store implements store.Store on database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.Store = (*Store)(nil)

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// getDoc scans a single JSON doc column into T. Returns (nil, nil) when no
// row matches.
func getDoc[T any](ctx context.Context, s *Store, query string, args ...any) (*T, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, query), args...)
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan doc: %w", err)
	}
	var v T
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal doc: %w", err)
	}
	return &v, nil
}

// listDocs scans every JSON doc column of the result set into []*T.
func listDocs[T any](ctx context.Context, s *Store, query string, args ...any) ([]*T, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query docs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan doc: %w", err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal doc: %w", err)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func marshalDoc(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal doc: %w", err)
	}
	return string(b), nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, query), args...)
	return err
}

func (s *Store) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	return getDoc[store.Organization](ctx, s, "SELECT doc FROM organizations WHERE id = ?", id)
}

func (s *Store) PutOrganization(ctx context.Context, org *store.Organization) error {
	doc, err := marshalDoc(org)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO organizations (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		org.ID, doc)
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	return getDoc[store.User](ctx, s, "SELECT doc FROM users WHERE id = ?", id)
}

func (s *Store) PutUser(ctx context.Context, user *store.User) error {
	doc, err := marshalDoc(user)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO users (id, org_id, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET org_id = excluded.org_id, doc = excluded.doc`,
		user.ID, user.OrgID, doc)
}

func (s *Store) GetTeam(ctx context.Context, id string) (*store.Team, error) {
	return getDoc[store.Team](ctx, s, "SELECT doc FROM teams WHERE id = ?", id)
}

func (s *Store) PutTeam(ctx context.Context, team *store.Team) error {
	doc, err := marshalDoc(team)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO teams (id, org_id, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET org_id = excluded.org_id, doc = excluded.doc`,
		team.ID, team.OrgID, doc)
}

func (s *Store) AddTeamMember(ctx context.Context, teamID, userID string) error {
	return s.exec(ctx, `
		INSERT INTO team_members (team_id, user_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING`,
		teamID, userID)
}

func (s *Store) ListUserTeamIDs(ctx context.Context, userID string) ([]string, error) {
	return s.listStrings(ctx,
		"SELECT team_id FROM team_members WHERE user_id = ? ORDER BY team_id", userID)
}

func (s *Store) ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	return s.listStrings(ctx,
		"SELECT user_id FROM team_members WHERE team_id = ? ORDER BY user_id", teamID)
}

func (s *Store) listStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	return getDoc[store.Agent](ctx, s, "SELECT doc FROM agents WHERE id = ?", id)
}

func (s *Store) PutAgent(ctx context.Context, agent *store.Agent) error {
	doc, err := marshalDoc(agent)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO agents (id, org_id, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET org_id = excluded.org_id, doc = excluded.doc`,
		agent.ID, agent.OrgID, doc)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return getDoc[store.Conversation](ctx, s, "SELECT doc FROM conversations WHERE id = ?", id)
}

func (s *Store) PutConversation(ctx context.Context, conv *store.Conversation) error {
	doc, err := marshalDoc(conv)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO conversations (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		conv.ID, doc)
}

func (s *Store) SetConversationModel(ctx context.Context, id, provider, model string) error {
	return s.updateDoc(ctx, "conversations", id, func(doc []byte) ([]byte, error) {
		var conv store.Conversation
		if err := json.Unmarshal(doc, &conv); err != nil {
			return nil, err
		}
		conv.Provider = provider
		conv.Model = model
		return json.Marshal(&conv)
	})
}

// updateDoc applies a read-modify-write on one doc row inside a transaction.
func (s *Store) updateDoc(ctx context.Context, table, id string, mutate func([]byte) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	row := tx.QueryRowContext(ctx, rebind(s.dialect, "SELECT doc FROM "+table+" WHERE id = ?"), id)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s row %s not found", strings.TrimSuffix(table, "s"), id)
		}
		return fmt.Errorf("failed to scan doc: %w", err)
	}

	updated, err := mutate([]byte(doc))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		rebind(s.dialect, "UPDATE "+table+" SET doc = ? WHERE id = ?"),
		string(updated), id); err != nil {
		return fmt.Errorf("failed to update doc: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetChatAPIKey(ctx context.Context, id string) (*store.ChatAPIKey, error) {
	return getDoc[store.ChatAPIKey](ctx, s, "SELECT doc FROM chat_api_keys WHERE id = ?", id)
}

func (s *Store) PutChatAPIKey(ctx context.Context, key *store.ChatAPIKey) error {
	cp := *key
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	doc, err := marshalDoc(&cp)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO chat_api_keys (id, org_id, provider, scope, user_id, team_id, secret_id, created_at_ms, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			org_id = excluded.org_id,
			provider = excluded.provider,
			scope = excluded.scope,
			user_id = excluded.user_id,
			team_id = excluded.team_id,
			secret_id = excluded.secret_id,
			created_at_ms = excluded.created_at_ms,
			doc = excluded.doc`,
		cp.ID, cp.OrgID, cp.Provider, string(cp.Scope), cp.UserID, cp.TeamID, cp.SecretID,
		cp.CreatedAt.UnixMilli(), doc)
}

func (s *Store) DeleteChatAPIKey(ctx context.Context, id string) error {
	return s.exec(ctx, "DELETE FROM chat_api_keys WHERE id = ?", id)
}

func (s *Store) FindPersonalChatAPIKey(ctx context.Context, orgID, provider, userID string) (*store.ChatAPIKey, error) {
	return getDoc[store.ChatAPIKey](ctx, s, `
		SELECT doc FROM chat_api_keys
		WHERE org_id = ? AND provider = ? AND scope = 'personal' AND user_id = ?
		LIMIT 1`,
		orgID, provider, userID)
}

func (s *Store) FindTeamChatAPIKeys(ctx context.Context, orgID, provider string, teamIDs []string) ([]*store.ChatAPIKey, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(teamIDs)), ", ")
	args := []any{orgID, provider}
	for _, id := range teamIDs {
		args = append(args, id)
	}
	return listDocs[store.ChatAPIKey](ctx, s, `
		SELECT doc FROM chat_api_keys
		WHERE org_id = ? AND provider = ? AND scope = 'team' AND team_id IN (`+placeholders+`)
		ORDER BY created_at_ms ASC, id ASC`,
		args...)
}

func (s *Store) FindOrgWideChatAPIKey(ctx context.Context, orgID, provider string) (*store.ChatAPIKey, error) {
	return getDoc[store.ChatAPIKey](ctx, s, `
		SELECT doc FROM chat_api_keys
		WHERE org_id = ? AND provider = ? AND scope = 'org_wide'
		ORDER BY created_at_ms ASC, id ASC
		LIMIT 1`,
		orgID, provider)
}

func (s *Store) GetSecret(ctx context.Context, id string) (*store.Secret, error) {
	row := s.db.QueryRowContext(ctx,
		rebind(s.dialect, "SELECT id, value FROM secrets WHERE id = ?"), id)
	var sec store.Secret
	if err := row.Scan(&sec.ID, &sec.Value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan secret: %w", err)
	}
	return &sec, nil
}

func (s *Store) PutSecret(ctx context.Context, secret *store.Secret) error {
	return s.exec(ctx, `
		INSERT INTO secrets (id, value) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value`,
		secret.ID, secret.Value)
}

func (s *Store) GetMcpCatalogItem(ctx context.Context, id string) (*store.McpCatalogItem, error) {
	return getDoc[store.McpCatalogItem](ctx, s, "SELECT doc FROM mcp_catalog_items WHERE id = ?", id)
}

func (s *Store) PutMcpCatalogItem(ctx context.Context, item *store.McpCatalogItem) error {
	doc, err := marshalDoc(item)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO mcp_catalog_items (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
		item.ID, doc)
}

func (s *Store) GetMcpServer(ctx context.Context, id string) (*store.McpServer, error) {
	return getDoc[store.McpServer](ctx, s, "SELECT doc FROM mcp_servers WHERE id = ?", id)
}

func (s *Store) PutMcpServer(ctx context.Context, server *store.McpServer) error {
	cp := *server
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	doc, err := marshalDoc(&cp)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO mcp_servers (id, catalog_id, created_at_ms, doc) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			catalog_id = excluded.catalog_id,
			created_at_ms = excluded.created_at_ms,
			doc = excluded.doc`,
		cp.ID, cp.CatalogID, cp.CreatedAt.UnixMilli(), doc)
}

func (s *Store) ListMcpServersByCatalog(ctx context.Context, catalogID string) ([]*store.McpServer, error) {
	return listDocs[store.McpServer](ctx, s, `
		SELECT doc FROM mcp_servers WHERE catalog_id = ?
		ORDER BY created_at_ms ASC, id ASC`,
		catalogID)
}

func (s *Store) UpdateMcpServerOAuthError(ctx context.Context, serverID, reason string, failedAt *time.Time) error {
	return s.updateDoc(ctx, "mcp_servers", serverID, func(doc []byte) ([]byte, error) {
		var srv store.McpServer
		if err := json.Unmarshal(doc, &srv); err != nil {
			return nil, err
		}
		srv.OAuthRefreshError = reason
		srv.OAuthRefreshFailedAt = failedAt
		return json.Marshal(&srv)
	})
}

func (s *Store) UpdateMcpServerSecret(ctx context.Context, serverID, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	row := tx.QueryRowContext(ctx,
		rebind(s.dialect, "SELECT doc FROM mcp_servers WHERE id = ?"), serverID)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mcp server %s not found", serverID)
		}
		return fmt.Errorf("failed to scan mcp server: %w", err)
	}

	var srv store.McpServer
	if err := json.Unmarshal([]byte(doc), &srv); err != nil {
		return fmt.Errorf("failed to unmarshal mcp server: %w", err)
	}

	if srv.SecretID == "" {
		srv.SecretID = uuid.New().String()
		updated, err := json.Marshal(&srv)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			rebind(s.dialect, "UPDATE mcp_servers SET doc = ? WHERE id = ?"),
			string(updated), serverID); err != nil {
			return fmt.Errorf("failed to link secret: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO secrets (id, value) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value`),
		srv.SecretID, value); err != nil {
		return fmt.Errorf("failed to write secret: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetTool(ctx context.Context, id string) (*store.Tool, error) {
	return getDoc[store.Tool](ctx, s, "SELECT doc FROM tools WHERE id = ?", id)
}

func (s *Store) PutTool(ctx context.Context, tool *store.Tool) error {
	doc, err := marshalDoc(tool)
	if err != nil {
		return err
	}
	return s.exec(ctx, `
		INSERT INTO tools (id, name, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, doc = excluded.doc`,
		tool.ID, tool.Name, doc)
}

func (s *Store) GetToolByName(ctx context.Context, name string) (*store.Tool, error) {
	return getDoc[store.Tool](ctx, s, "SELECT doc FROM tools WHERE name = ?", name)
}

func (s *Store) ListAgentTools(ctx context.Context, agentID string) ([]*store.Tool, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return nil, err
	}
	var tools []*store.Tool
	for _, toolID := range agent.ToolIDs {
		tool, err := s.GetTool(ctx, toolID)
		if err != nil {
			return nil, err
		}
		if tool != nil {
			tools = append(tools, tool)
		}
	}
	return tools, nil
}

func (s *Store) GetMcpSession(ctx context.Context, connectionKey string) (*store.McpHttpSession, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT connection_key, session_id, endpoint_url, endpoint_pod, updated_at_ms
		FROM mcp_sessions WHERE connection_key = ?`),
		connectionKey)

	var sess store.McpHttpSession
	var endpointURL, endpointPod sql.NullString
	var updatedMs int64
	if err := row.Scan(&sess.ConnectionKey, &sess.SessionID, &endpointURL, &endpointPod, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan mcp session: %w", err)
	}
	sess.SessionEndpointURL = endpointURL.String
	sess.SessionEndpointPodName = endpointPod.String
	sess.UpdatedAt = time.UnixMilli(updatedMs)
	return &sess, nil
}

func (s *Store) PutMcpSession(ctx context.Context, session *store.McpHttpSession) error {
	updatedAt := session.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return s.exec(ctx, `
		INSERT INTO mcp_sessions (connection_key, session_id, endpoint_url, endpoint_pod, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connection_key) DO UPDATE SET
			session_id = excluded.session_id,
			endpoint_url = excluded.endpoint_url,
			endpoint_pod = excluded.endpoint_pod,
			updated_at_ms = excluded.updated_at_ms`,
		session.ConnectionKey, session.SessionID, session.SessionEndpointURL,
		session.SessionEndpointPodName, updatedAt.UnixMilli())
}

func (s *Store) DeleteMcpSession(ctx context.Context, connectionKey string) error {
	return s.exec(ctx, "DELETE FROM mcp_sessions WHERE connection_key = ?", connectionKey)
}

func (s *Store) DeleteExpiredMcpSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		rebind(s.dialect, "DELETE FROM mcp_sessions WHERE updated_at_ms < ?"),
		olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) InsertInteraction(ctx context.Context, interaction *store.Interaction) error {
	cp := *interaction
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	doc, err := marshalDoc(&cp)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		"INSERT INTO interactions (id, created_at_ms, doc) VALUES (?, ?, ?)",
		cp.ID, cp.CreatedAt.UnixMilli(), doc)
}

func (s *Store) GetLimit(ctx context.Context, id string) (*store.Limit, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect,
		limitColumns+" FROM limits WHERE id = ?"), id)
	limit, err := scanLimit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return limit, nil
}

const limitColumns = "SELECT id, entity_type, entity_id, limit_type, limit_value, models, last_cleanup_ms"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLimit(row rowScanner) (*store.Limit, error) {
	var l store.Limit
	var modelsJSON string
	var lastCleanupMs sql.NullInt64
	if err := row.Scan(&l.ID, &l.EntityType, &l.EntityID, &l.LimitType, &l.LimitValue,
		&modelsJSON, &lastCleanupMs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(modelsJSON), &l.Models); err != nil {
		return nil, fmt.Errorf("failed to unmarshal limit models: %w", err)
	}
	if lastCleanupMs.Valid {
		t := time.UnixMilli(lastCleanupMs.Int64)
		l.LastCleanup = &t
	}
	return &l, nil
}

func (s *Store) PutLimit(ctx context.Context, limit *store.Limit) error {
	cp := *limit
	if cp.LimitType == "" {
		cp.LimitType = store.LimitTypeTokenCost
	}
	models, err := json.Marshal(cp.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal limit models: %w", err)
	}
	var lastCleanupMs sql.NullInt64
	if cp.LastCleanup != nil {
		lastCleanupMs = sql.NullInt64{Int64: cp.LastCleanup.UnixMilli(), Valid: true}
	}
	return s.exec(ctx, `
		INSERT INTO limits (id, entity_type, entity_id, limit_type, limit_value, models, last_cleanup_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			entity_id = excluded.entity_id,
			limit_type = excluded.limit_type,
			limit_value = excluded.limit_value,
			models = excluded.models,
			last_cleanup_ms = excluded.last_cleanup_ms`,
		cp.ID, string(cp.EntityType), cp.EntityID, cp.LimitType, cp.LimitValue,
		string(models), lastCleanupMs)
}

func (s *Store) ListLimitsForEntity(ctx context.Context, entityType store.EntityType, entityID string) ([]*store.Limit, error) {
	return s.listLimits(ctx,
		limitColumns+" FROM limits WHERE entity_type = ? AND entity_id = ? ORDER BY id",
		string(entityType), entityID)
}

func (s *Store) ListLimitsDueForReset(ctx context.Context, cutoff time.Time) ([]*store.Limit, error) {
	return s.listLimits(ctx,
		limitColumns+" FROM limits WHERE last_cleanup_ms IS NULL OR last_cleanup_ms < ? ORDER BY id",
		cutoff.UnixMilli())
}

func (s *Store) listLimits(ctx context.Context, query string, args ...any) ([]*store.Limit, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query limits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.Limit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertLimitUsage(ctx context.Context, limitID, model string, tokensIn, tokensOut int64) error {
	return s.exec(ctx, `
		INSERT INTO limit_usages (limit_id, model, tokens_in, tokens_out)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(limit_id, model) DO UPDATE SET
			tokens_in = tokens_in + excluded.tokens_in,
			tokens_out = tokens_out + excluded.tokens_out`,
		limitID, model, tokensIn, tokensOut)
}

func (s *Store) GetLimitUsage(ctx context.Context, limitID, model string) (*store.LimitUsage, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.dialect, `
		SELECT limit_id, model, tokens_in, tokens_out
		FROM limit_usages WHERE limit_id = ? AND model = ?`),
		limitID, model)

	var u store.LimitUsage
	if err := row.Scan(&u.LimitID, &u.Model, &u.CurrentUsageTokensIn, &u.CurrentUsageTokensOut); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan limit usage: %w", err)
	}
	return &u, nil
}

func (s *Store) ListLimitUsage(ctx context.Context, limitID string) ([]*store.LimitUsage, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, `
		SELECT limit_id, model, tokens_in, tokens_out
		FROM limit_usages WHERE limit_id = ? ORDER BY model`),
		limitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query limit usages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*store.LimitUsage
	for rows.Next() {
		var u store.LimitUsage
		if err := rows.Scan(&u.LimitID, &u.Model, &u.CurrentUsageTokensIn, &u.CurrentUsageTokensOut); err != nil {
			return nil, fmt.Errorf("failed to scan limit usage: %w", err)
		}
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) ResetLimitUsage(ctx context.Context, limitID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		rebind(s.dialect, "UPDATE limits SET last_cleanup_ms = ? WHERE id = ?"),
		now.UnixMilli(), limitID)
	if err != nil {
		return fmt.Errorf("failed to stamp last cleanup: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("limit %s not found", limitID)
	}

	if _, err := tx.ExecContext(ctx,
		rebind(s.dialect, "UPDATE limit_usages SET tokens_in = 0, tokens_out = 0 WHERE limit_id = ?"),
		limitID); err != nil {
		return fmt.Errorf("failed to zero counters: %w", err)
	}
	return tx.Commit()
}

func (s *Store) InsertToolCallLog(ctx context.Context, log *store.ToolCallLog) error {
	cp := *log
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	doc, err := marshalDoc(&cp)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		"INSERT INTO tool_call_logs (id, agent_id, created_at_ms, doc) VALUES (?, ?, ?, ?)",
		cp.ID, cp.AgentID, cp.CreatedAt.UnixMilli(), doc)
}

func (s *Store) ListToolCallLogs(ctx context.Context, agentID string, limit int) ([]*store.ToolCallLog, error) {
	query := "SELECT doc FROM tool_call_logs"
	var args []any
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at_ms DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return listDocs[store.ToolCallLog](ctx, s, query, args...)
}
