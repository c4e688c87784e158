// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// VaultClient reads KV secrets from HashiCorp Vault. Address and token come
// from the standard VAULT_ADDR / VAULT_TOKEN environment via the client's
// default config.
type VaultClient struct {
	client *vault.Client
}

var _ VaultReader = (*VaultClient)(nil)

// NewVaultClient builds a Vault client from the process environment.
func NewVaultClient() (*VaultClient, error) {
	cfg := vault.DefaultConfig()
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	return &VaultClient{client: client}, nil
}

// ReadKV reads one key at a vault path. KV v2 responses nest the payload
// under "data"; both layouts are handled.
func (v *VaultClient) ReadKV(ctx context.Context, path, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read vault path %q: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault path %q: %w", path, ErrSecretNotFound)
	}

	data := secret.Data
	if inner, ok := data["data"].(map[string]any); ok {
		data = inner
	}

	val, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("vault key %q at path %q: %w", key, path, ErrSecretNotFound)
	}
	return val, nil
}
