// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package identity validates the tokens that callers present to the gateway.
// Two token families are accepted: gateway-issued HMAC JWTs minted by the
// control plane, and external-IdP ID tokens verified against the IdP's OIDC
// discovery document. Both resolve to a TokenAuthContext that the request
// pipeline carries in the context.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// TokenAuthContext identifies the authenticated principal behind a request.
type TokenAuthContext struct {
	// TokenID is the unique id of the presented token (jti).
	TokenID string
	// UserID is the acting user. Empty for org-wide tokens.
	UserID string
	// OrgID is the tenant the token is scoped to. External-IdP tokens may
	// leave it empty; the caller resolves the org from the user record.
	OrgID string
	// TeamIDs are the team memberships asserted by the token, if any.
	TeamIDs []string
	// IsOrgToken marks tokens that act for the whole org rather than a user.
	IsOrgToken bool
	// IsExternalIdp marks tokens verified against the external IdP.
	IsExternalIdp bool
	// RawToken is retained for external-IdP tokens so the dispatcher can
	// propagate the user's JWT to MCP servers that require it.
	RawToken string
}

// Provider validates a raw bearer token.
type Provider interface {
	Validate(ctx context.Context, rawToken string) (*TokenAuthContext, error)
}

type identityContextKey string

// AuthContextKey is the context key carrying the validated TokenAuthContext.
const AuthContextKey identityContextKey = "token_auth"

// ContextWithAuth returns a new context with the auth context embedded.
func ContextWithAuth(ctx context.Context, auth *TokenAuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, auth)
}

// AuthFromContext returns the auth context if present.
func AuthFromContext(ctx context.Context) (*TokenAuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*TokenAuthContext)
	return val, ok
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
