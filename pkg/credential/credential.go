// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package credential picks the chat API key a request runs with. Selection
// walks a fixed priority ladder: the conversation's pinned key, the agent's
// configured key, the caller's personal key, a team key, the org-wide key,
// and finally the per-provider environment fallback. The first match wins;
// an empty ladder is not an error because some providers run keyless.
package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/secrets"
	"github.com/archestra/gateway/pkg/store"
)

// Source names the ladder rung that produced a credential.
type Source string

// Ladder rungs, highest priority first.
const (
	SourceConversation Source = "conversation"
	SourceAgent        Source = "agent"
	SourcePersonal     Source = "personal"
	SourceTeam         Source = "team"
	SourceOrgWide      Source = "org_wide"
	SourceEnvironment  Source = "environment"
	SourceNone         Source = "none"
)

// EnvKeys looks up the process-level fallback key for a provider.
type EnvKeys interface {
	ChatAPIKey(provider string) string
}

// Request identifies the caller and the provider a key is needed for.
type Request struct {
	OrgID    string
	Provider string

	// UserID is empty for org-wide tokens; personal keys then never match.
	UserID string
	// UserTeamIDs are the caller's team memberships within OrgID.
	UserTeamIDs []string
	// IsAdmin widens the access rule to every non-personal key.
	IsAdmin bool

	// ConversationID enables the pinned-key rung when set.
	ConversationID string
	// AgentLlmAPIKeyID is the agent's configured key, if any.
	AgentLlmAPIKeyID string
}

// Credential is the outcome of a ladder walk.
type Credential struct {
	// KeyID is the selected ChatAPIKey id, or "env:{provider}" for the
	// environment rung, or empty when unconfigured.
	KeyID string
	// Source is the rung that matched.
	Source Source
	// APIKey is the dereferenced secret value. Empty when unconfigured.
	APIKey string
}

// Configured reports whether any rung matched.
func (c *Credential) Configured() bool {
	return c.Source != SourceNone
}

// Resolver walks the ladder against the store and dereferences secrets.
type Resolver struct {
	store   store.Store
	secrets *secrets.Manager
	env     EnvKeys
}

// NewResolver creates a Resolver. env may be nil to disable the environment
// fallback rung.
func NewResolver(st store.Store, sm *secrets.Manager, env EnvKeys) *Resolver {
	return &Resolver{store: st, secrets: sm, env: env}
}

// Resolve returns the first matching credential. Explicit selections (the
// conversation and agent rungs) that cannot be dereferenced fail with
// Misconfigured; lower rungs silently skip keys without a secret, as an
// unusable key there is indistinguishable from no key.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Credential, error) {
	if req.OrgID == "" || req.Provider == "" {
		return nil, errkind.New(errkind.InvalidRequest, "credential resolution needs an org and a provider")
	}

	// Conversation-pinned key.
	if req.ConversationID != "" {
		conv, err := r.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv != nil && conv.ChatAPIKeyID != "" {
			key, err := r.store.GetChatAPIKey(ctx, conv.ChatAPIKeyID)
			if err != nil {
				return nil, err
			}
			if usable := key != nil && key.OrgID == req.OrgID && key.Provider == req.Provider; usable {
				// The agent's own key needs no access check; anything else
				// pinned into the conversation does.
				if key.ID == req.AgentLlmAPIKeyID || hasAccess(req, key) {
					return r.materialize(ctx, key, SourceConversation)
				}
			}
		}
	}

	// Agent-configured key. Permission flows through agent access, so no
	// access check here.
	if req.AgentLlmAPIKeyID != "" {
		key, err := r.store.GetChatAPIKey(ctx, req.AgentLlmAPIKeyID)
		if err != nil {
			return nil, err
		}
		if key != nil && key.OrgID == req.OrgID && key.Provider == req.Provider {
			return r.materialize(ctx, key, SourceAgent)
		}
	}

	// Personal key.
	if req.UserID != "" {
		key, err := r.store.FindPersonalChatAPIKey(ctx, req.OrgID, req.Provider, req.UserID)
		if err != nil {
			return nil, err
		}
		if key != nil && key.SecretID != "" {
			return r.materialize(ctx, key, SourcePersonal)
		}
	}

	// Team keys, oldest first.
	if len(req.UserTeamIDs) > 0 {
		keys, err := r.store.FindTeamChatAPIKeys(ctx, req.OrgID, req.Provider, req.UserTeamIDs)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if key.SecretID != "" {
				return r.materialize(ctx, key, SourceTeam)
			}
		}
	}

	// Org-wide key.
	key, err := r.store.FindOrgWideChatAPIKey(ctx, req.OrgID, req.Provider)
	if err != nil {
		return nil, err
	}
	if key != nil && key.SecretID != "" {
		return r.materialize(ctx, key, SourceOrgWide)
	}

	// Environment fallback.
	if r.env != nil {
		if value := r.env.ChatAPIKey(req.Provider); value != "" {
			return &Credential{
				KeyID:  "env:" + req.Provider,
				Source: SourceEnvironment,
				APIKey: value,
			}, nil
		}
	}

	return &Credential{Source: SourceNone}, nil
}

func (r *Resolver) materialize(ctx context.Context, key *store.ChatAPIKey, source Source) (*Credential, error) {
	if key.SecretID == "" {
		return nil, errkind.Newf(errkind.Misconfigured, "chat API key %s has no secret configured", key.ID)
	}
	value, err := r.secrets.Resolve(ctx, key.SecretID)
	if err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return nil, errkind.Wrap(errkind.Misconfigured, fmt.Sprintf("secret for chat API key %s is missing", key.ID), err)
		}
		return nil, err
	}
	return &Credential{KeyID: key.ID, Source: source, APIKey: value}, nil
}

// hasAccess implements the key access rule: org-wide keys are visible to the
// whole org, team keys to members of the team, personal keys to their owner.
// Admins additionally access every non-personal key.
func hasAccess(req Request, key *store.ChatAPIKey) bool {
	if key.OrgID != req.OrgID {
		return false
	}
	if req.IsAdmin && key.Scope != store.ScopePersonal {
		return true
	}
	switch key.Scope {
	case store.ScopeOrgWide:
		return true
	case store.ScopeTeam:
		return key.TeamID != "" && lo.Contains(req.UserTeamIDs, key.TeamID)
	case store.ScopePersonal:
		return key.UserID != "" && key.UserID == req.UserID
	default:
		return false
	}
}
