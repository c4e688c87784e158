// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package secrets dereferences the secret rows referenced by chat keys and
// MCP servers. Values of the form "path#key" are resolved through the vault
// reader; anything else is used as-is. Resolved values are cached briefly and
// never persisted.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/archestra/gateway/pkg/store"
)

// ErrSecretNotFound is returned when no secret row or vault entry exists.
var ErrSecretNotFound = errors.New("secret not found")

// VaultReader reads one key from a vault path.
type VaultReader interface {
	ReadKV(ctx context.Context, path, key string) (string, error)
}

// Manager resolves secret ids to usable values.
type Manager struct {
	store store.Store
	vault VaultReader

	mu    sync.RWMutex
	cache map[string]secretCacheEntry
}

type secretCacheEntry struct {
	value     string
	expiresAt time.Time
}

const cacheTTL = 5 * time.Minute

// NewManager creates a new secret Manager. vault may be nil when no vault is
// configured; resolving a vault reference then fails.
func NewManager(st store.Store, vault VaultReader) *Manager {
	return &Manager{
		store: st,
		vault: vault,
		cache: make(map[string]secretCacheEntry),
	}
}

// Resolve returns the usable secret value for a secret id, checking the cache
// first and dereferencing vault references.
func (m *Manager) Resolve(ctx context.Context, secretID string) (string, error) {
	m.mu.RLock()
	entry, ok := m.cache[secretID]
	m.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	// Cache miss or expired
	sec, err := m.store.GetSecret(ctx, secretID)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %s: %w", secretID, ErrSecretNotFound)
	}

	val, err := m.ResolveValue(ctx, sec.Value)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[secretID] = secretCacheEntry{
		value:     val,
		expiresAt: time.Now().Add(cacheTTL),
	}
	m.mu.Unlock()

	return val, nil
}

// ResolveValue dereferences a raw stored value that may be a vault reference.
func (m *Manager) ResolveValue(ctx context.Context, value string) (string, error) {
	path, key, ok := ParseVaultRef(value)
	if !ok {
		return value, nil
	}
	if m.vault == nil {
		return "", fmt.Errorf("vault reference %q but no vault configured", value)
	}
	resolved, err := m.vault.ReadKV(ctx, path, key)
	if err != nil {
		return "", fmt.Errorf("failed to resolve vault reference %q: %w", value, err)
	}
	return resolved, nil
}

// Invalidate drops a cached value so the next Resolve reads fresh state.
// Called after an OAuth refresh rewrites the stored tokens.
func (m *Manager) Invalidate(secretID string) {
	m.mu.Lock()
	delete(m.cache, secretID)
	m.mu.Unlock()
}

// ParseVaultRef splits a "path#key" vault reference. A value is a reference
// when it contains exactly one '#' with non-empty path and key.
func ParseVaultRef(value string) (path, key string, ok bool) {
	before, after, found := strings.Cut(value, "#")
	if !found || before == "" || after == "" || strings.Contains(after, "#") {
		return "", "", false
	}
	return before, after, true
}
