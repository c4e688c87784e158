// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"fmt"
)

// MockVault is an in-memory VaultReader for tests.
type MockVault struct {
	// Entries maps "path#key" to the value ReadKV returns.
	Entries map[string]string
	// Reads counts ReadKV calls, cache-hit assertions rely on it.
	Reads int
}

var _ VaultReader = (*MockVault)(nil)

// NewMockVault creates an empty MockVault.
func NewMockVault() *MockVault {
	return &MockVault{Entries: make(map[string]string)}
}

// ReadKV implements VaultReader.
func (m *MockVault) ReadKV(_ context.Context, path, key string) (string, error) {
	m.Reads++
	val, ok := m.Entries[path+"#"+key]
	if !ok {
		return "", fmt.Errorf("vault key %q at path %q: %w", key, path, ErrSecretNotFound)
	}
	return val, nil
}
