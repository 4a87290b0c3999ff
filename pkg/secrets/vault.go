// Copyright 2026 fanjia1024
// HashiCorp Vault 密钥后端

package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `yaml:"address"`     // Vault 地址，默认 http://localhost:8200
	Token      string `yaml:"token"`       // 访问令牌
	PathPrefix string `yaml:"path_prefix"` // 逻辑名挂载前缀，默认 secret/jobq
}

// vaultStore 把逻辑名（如 tenants/acme/api_key）映射到 <prefix>/<name> 路径。
// 读取兼容 KV v1 与 v2：v2 的返回在 data 字段下多一层嵌套
type vaultStore struct {
	client *vault.Client
	prefix string
}

// NewVaultStore 创建 Vault 密钥后端；启动时做一次健康检查
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}
	cfg := vault.DefaultConfig()
	cfg.Address = config.Address
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("connect to vault: %w", err)
	}
	prefix := strings.Trim(config.PathPrefix, "/")
	if prefix == "" {
		prefix = "secret/jobq"
	}
	return &vaultStore{client: client, prefix: prefix}, nil
}

func (v *vaultStore) path(key string) string {
	return v.prefix + "/" + strings.Trim(key, "/")
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path(key))
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	value, ok := vaultSecretValue(secret.Data)
	if !ok {
		return "", fmt.Errorf("secret has no usable value: %s", key)
	}
	return value, nil
}

// vaultSecretValue 从 Vault 返回中提取值；KV v2 先剥掉 data 嵌套
func vaultSecretValue(data map[string]interface{}) (string, bool) {
	if nested, ok := data["data"].(map[string]interface{}); ok {
		if value, ok := vaultFieldValue(nested); ok {
			return value, true
		}
	}
	return vaultFieldValue(data)
}

// vaultFieldValue 取 value 字段；没有时仅当恰有一个字符串字段才取它
func vaultFieldValue(data map[string]interface{}) (string, bool) {
	if value, ok := data["value"].(string); ok {
		return value, true
	}
	var found string
	n := 0
	for field, raw := range data {
		if field == "metadata" {
			continue
		}
		if s, ok := raw.(string); ok {
			found = s
			n++
		}
	}
	return found, n == 1
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	_, err := v.client.Logical().WriteWithContext(ctx, v.path(key),
		map[string]interface{}{"value": value})
	if err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.path(key)); err != nil {
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := v.client.Logical().ListWithContext(ctx, v.path(prefix))
	if err != nil {
		return nil, fmt.Errorf("list secrets under %s: %w", prefix, err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var keys []string
	for _, k := range raw {
		name, ok := k.(string)
		if !ok {
			continue
		}
		if prefix != "" {
			name = strings.Trim(prefix, "/") + "/" + name
		}
		keys = append(keys, name)
	}
	return keys, nil
}
