// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/archestra/gateway/pkg/errkind"
)

const (
	gatewayIssuer = "archestra"

	// verifyCacheTTL bounds how long a validated token skips re-verification.
	// The effective TTL is capped by the token's own expiry.
	verifyCacheTTL = time.Minute
)

// gatewayClaims is the claim set of gateway-issued tokens.
type gatewayClaims struct {
	jwt.RegisteredClaims

	OrgID   string   `json:"org"`
	TeamIDs []string `json:"teams,omitempty"`
	OrgWide bool     `json:"org_wide,omitempty"`
}

// Verifier validates gateway-issued HMAC tokens and, when configured, falls
// back to the external IdP for tokens the gateway did not mint. Validation
// results are cached briefly so hot sessions do not re-verify per request.
type Verifier struct {
	secret   []byte
	external *ExternalVerifier
	cache    *cache.Cache
}

// NewVerifier creates a Verifier. secret may be empty only when an external
// verifier is provided; with neither there is nothing to validate against.
func NewVerifier(secret string, external *ExternalVerifier) (*Verifier, error) {
	if secret == "" && external == nil {
		return nil, fmt.Errorf("no gateway token secret and no external identity provider configured")
	}
	return &Verifier{
		secret:   []byte(secret),
		external: external,
		cache:    cache.New(verifyCacheTTL, 5*time.Minute),
	}, nil
}

// Validate checks the raw token against the gateway signing key first and the
// external IdP second. Failures are reported as an opaque authentication
// error; callers must not learn which check rejected the token.
func (v *Verifier) Validate(ctx context.Context, rawToken string) (*TokenAuthContext, error) {
	if rawToken == "" {
		return nil, errkind.New(errkind.Authentication, "unauthorized")
	}

	if cached, ok := v.cache.Get(rawToken); ok {
		if auth, ok := cached.(*TokenAuthContext); ok {
			return cloneAuth(auth), nil
		}
	}

	var (
		auth *TokenAuthContext
		exp  time.Time
		err  error
	)
	if len(v.secret) > 0 {
		auth, exp, err = v.validateGatewayToken(rawToken)
	} else {
		err = fmt.Errorf("gateway tokens not configured")
	}
	if err != nil && v.external != nil {
		auth, exp, err = v.external.validate(ctx, rawToken)
	}
	if err != nil {
		return nil, errkind.New(errkind.Authentication, "unauthorized")
	}

	v.cache.Set(rawToken, auth, cacheTTLFor(exp, verifyCacheTTL))
	return cloneAuth(auth), nil
}

func (v *Verifier) validateGatewayToken(rawToken string) (*TokenAuthContext, time.Time, error) {
	claims := &gatewayClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(gatewayIssuer))
	if err != nil {
		return nil, time.Time{}, err
	}
	if claims.OrgID == "" {
		return nil, time.Time{}, fmt.Errorf("token missing org claim")
	}
	if !claims.OrgWide && claims.Subject == "" {
		return nil, time.Time{}, fmt.Errorf("user token missing subject")
	}

	auth := &TokenAuthContext{
		TokenID:    claims.ID,
		UserID:     claims.Subject,
		OrgID:      claims.OrgID,
		TeamIDs:    claims.TeamIDs,
		IsOrgToken: claims.OrgWide,
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return auth, exp, nil
}

// IssueOptions describes the token to mint.
type IssueOptions struct {
	// UserID is the subject. Required unless OrgWide is set.
	UserID string
	// OrgID scopes the token to a tenant. Required.
	OrgID string
	// TeamIDs are embedded so the gateway can skip a membership lookup.
	TeamIDs []string
	// OrgWide mints a token that acts for the whole org.
	OrgWide bool
	// TTL defaults to one hour.
	TTL time.Duration
}

// Issue mints a gateway token. Used by the token subcommand and by tests.
func (v *Verifier) Issue(opts IssueOptions) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("no gateway token secret configured")
	}
	if opts.OrgID == "" {
		return "", fmt.Errorf("org id is required")
	}
	if !opts.OrgWide && opts.UserID == "" {
		return "", fmt.Errorf("user id is required for user tokens")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()
	claims := &gatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    gatewayIssuer,
			Subject:   opts.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrgID:   opts.OrgID,
		TeamIDs: opts.TeamIDs,
		OrgWide: opts.OrgWide,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// cacheTTLFor caps the cache TTL at the token's remaining lifetime so an
// expired token never validates from cache.
func cacheTTLFor(exp time.Time, ttl time.Duration) time.Duration {
	if exp.IsZero() {
		return ttl
	}
	if remaining := time.Until(exp); remaining < ttl {
		return remaining
	}
	return ttl
}

func cloneAuth(auth *TokenAuthContext) *TokenAuthContext {
	out := *auth
	out.TeamIDs = slices.Clone(auth.TeamIDs)
	return &out
}
