// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/store"
)

// Refresh failure reasons latched on the server row. Cleared by the next
// successful refresh.
const (
	oauthRefreshFailed  = "refresh_failed"
	oauthNoRefreshToken = "no_refresh_token"
)

// parseStoredToken interprets a stored secret value as an OAuth token. JSON
// values are full token records; anything else is an opaque access token.
func parseStoredToken(value string) *oauth2.Token {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") {
		var tok oauth2.Token
		if err := json.Unmarshal([]byte(trimmed), &tok); err == nil {
			return &tok
		}
	}
	return &oauth2.Token{AccessToken: value}
}

// refreshOAuth exchanges the server's refresh token for fresh credentials,
// persisting the new token and clearing the latched failure on success. On
// failure the reason is latched on the server row and an Authentication
// error returned so the call is not retried again.
func (d *Dispatcher) refreshOAuth(ctx context.Context, server *store.McpServer, catalog *store.McpCatalogItem) error {
	logger := logging.GetLogger().With("mcp_server_id", server.ID)

	if catalog.OAuthConfig == nil || catalog.OAuthConfig.TokenURL == "" {
		return errkind.Newf(errkind.Authentication, "tool server %s rejected the credentials and has no oauth configuration", server.ID)
	}

	raw, err := d.secrets.Resolve(ctx, server.SecretID)
	if err != nil {
		return errkind.Wrap(errkind.Misconfigured, "failed to read tool server credentials", err)
	}
	stored := parseStoredToken(raw)
	if stored.RefreshToken == "" {
		now := time.Now()
		if lerr := d.store.UpdateMcpServerOAuthError(ctx, server.ID, oauthNoRefreshToken, &now); lerr != nil {
			logger.Error("Failed to latch oauth error", "error", lerr)
		}
		return errkind.Newf(errkind.Authentication, "tool server %s has no refresh token; reauthorize it", server.ID)
	}

	conf := &oauth2.Config{
		ClientID:     catalog.OAuthConfig.ClientID,
		ClientSecret: catalog.OAuthConfig.ClientSecret,
		Scopes:       catalog.OAuthConfig.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: catalog.OAuthConfig.TokenURL},
	}

	rctx, cancel := context.WithTimeout(ctx, d.cfg.OAuthRefreshTimeout)
	defer cancel()
	fresh, err := conf.TokenSource(rctx, &oauth2.Token{RefreshToken: stored.RefreshToken}).Token()
	if err != nil {
		now := time.Now()
		if lerr := d.store.UpdateMcpServerOAuthError(ctx, server.ID, oauthRefreshFailed, &now); lerr != nil {
			logger.Error("Failed to latch oauth error", "error", lerr)
		}
		return errkind.Wrap(errkind.Authentication, "oauth refresh failed", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stored.RefreshToken
	}

	buf, err := json.Marshal(fresh)
	if err != nil {
		return errkind.Wrap(errkind.Authentication, "failed to encode refreshed token", err)
	}
	if err := d.store.UpdateMcpServerSecret(ctx, server.ID, string(buf)); err != nil {
		return errkind.Wrap(errkind.Authentication, "failed to persist refreshed token", err)
	}
	d.secrets.Invalidate(server.SecretID)
	if err := d.store.UpdateMcpServerOAuthError(ctx, server.ID, "", nil); err != nil {
		logger.Error("Failed to clear oauth error latch", "error", err)
	}

	logger.Info("Refreshed oauth token for tool server")
	return nil
}
