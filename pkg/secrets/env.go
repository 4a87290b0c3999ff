// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type envStore struct{}

// NewEnvStore 创建环境变量 secret store；逻辑名映射为 JOBQ_SECRET_ 前缀的变量名，
// 如 tenants/t1/api_key → JOBQ_SECRET_TENANTS_T1_API_KEY
func NewEnvStore() Store {
	return &envStore{}
}

func envKey(key string) string {
	mangled := strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(key)
	return "JOBQ_SECRET_" + strings.ToUpper(mangled)
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value := os.Getenv(envKey(key))
	if value == "" {
		return "", fmt.Errorf("environment variable not set: %s", envKey(key))
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envKey(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(envKey(key))
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := envKey(prefix)
	var keys []string
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) > 0 && strings.HasPrefix(parts[0], want) {
			keys = append(keys, parts[0])
		}
	}
	return keys, nil
}
