// Copyright 2026 fanjia1024
// HashiCorp Vault secret store

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string // Vault server address (e.g., http://vault:8200)
	Token      string // Vault token
	PathPrefix string // mount，默认 "secret"
	KVVersion  string // "1" | "2"，默认 2
}

type vaultStore struct {
	client *vault.Client
	mount  string
	kv2    bool
}

// NewVaultStore 创建 Vault secret store；Vault 不可达时不会失败，首次读取时才报错
func NewVaultStore(config VaultConfig) (Store, error) {
	cfg := vault.DefaultConfig()
	if config.Address != "" {
		cfg.Address = config.Address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	mount := "secret"
	if config.PathPrefix != "" {
		mount = strings.Trim(config.PathPrefix, "/")
	}
	return &vaultStore{client: client, mount: mount, kv2: config.KVVersion != "1"}, nil
}

func (v *vaultStore) dataPath(key string) string {
	if v.kv2 {
		return fmt.Sprintf("%s/data/%s", v.mount, key)
	}
	return fmt.Sprintf("%s/%s", v.mount, key)
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.dataPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	data := secret.Data
	if v.kv2 {
		inner, ok := data["data"].(map[string]interface{})
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		data = inner
	}
	if s, ok := data["value"].(string); ok {
		return s, nil
	}
	for _, val := range data {
		if s, ok := val.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	payload := map[string]interface{}{"value": value}
	if v.kv2 {
		payload = map[string]interface{}{"data": payload}
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.dataPath(key), payload); err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.dataPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	listPath := v.mount
	if v.kv2 {
		listPath = v.mount + "/metadata"
	}
	if prefix != "" {
		listPath = listPath + "/" + strings.Trim(prefix, "/")
	}
	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			if prefix != "" {
				s = strings.Trim(prefix, "/") + "/" + s
			}
			out = append(out, s)
		}
	}
	return out, nil
}
