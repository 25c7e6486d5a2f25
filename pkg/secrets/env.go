// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envStore 将 secret key 映射到环境变量：github.token -> <PREFIX>GITHUB_TOKEN
type envStore struct {
	prefix string
}

// NewEnvStore 创建环境变量 secret store，prefix 可为空
func NewEnvStore(prefix string) Store {
	return &envStore{prefix: prefix}
}

func (e *envStore) envName(key string) string {
	r := strings.NewReplacer(".", "_", "-", "_", "/", "_")
	return e.prefix + strings.ToUpper(r.Replace(key))
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value := os.Getenv(e.envName(key))
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, e.envName(key))
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(e.envName(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(e.envName(key))
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := e.envName(prefix)
	var keys []string
	for _, env := range os.Environ() {
		name, _, _ := strings.Cut(env, "=")
		if strings.HasPrefix(name, want) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
