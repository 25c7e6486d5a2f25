// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"errors"
	"fmt"
)

// ErrSecretNotFound 请求的 secret 不存在
var ErrSecretNotFound = errors.New("secret not found")

// Store Secret 存储接口；工具凭证在执行前由 registry 从这里预绑定
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string            `mapstructure:"provider"` // memory | env | vault
	Config   map[string]string `mapstructure:"config"`   // Provider-specific config
	// Seed 仅 memory 使用，启动时预置的 secret
	Seed map[string]string `mapstructure:"seed"`
}

// NewStore 创建 Secret Store
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "memory":
		return NewMemoryStoreFrom(config.Seed), nil
	case "env":
		return NewEnvStore(config.Config["prefix"]), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
			KVVersion:  config.Config["kv_version"],
		})
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}
