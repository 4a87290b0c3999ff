// Copyright 2026 fanjia1024
// Kubernetes 挂载 Secret 后端

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// K8sConfig Kubernetes 配置
type K8sConfig struct {
	// ServiceAccountPath service account 挂载路径，仅用于确认运行在集群内。
	// 默认: /var/run/secrets/kubernetes.io/serviceaccount
	ServiceAccountPath string `yaml:"service_account_path"`

	// Namespace pod 所在 namespace
	Namespace string `yaml:"namespace"`

	// SecretsPath Secret 卷挂载路径；逻辑名按 fileKey 规则映射为该目录下的文件
	SecretsPath string `yaml:"secrets_path"`
}

// k8sStore 从挂载的 Secret 卷读取。挂载对 pod 只读，
// Set/Delete 落在进程内的覆盖层，重启后以卷内容为准
type k8sStore struct {
	secretsPath string
	namespace   string
	mu          sync.RWMutex
	overlay     map[string]string
	deleted     map[string]bool
}

// NewK8sStore 创建 Kubernetes Secret 后端
func NewK8sStore(config K8sConfig) (Store, error) {
	saPath := "/var/run/secrets/kubernetes.io/serviceaccount"
	if config.ServiceAccountPath != "" {
		saPath = config.ServiceAccountPath
	}
	if _, err := os.Stat(saPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("kubernetes service account path not found: %s (not running in Kubernetes?)", saPath)
	}

	secretsPath := "/etc/secrets"
	if config.SecretsPath != "" {
		secretsPath = config.SecretsPath
	}
	namespace := "default"
	if config.Namespace != "" {
		namespace = config.Namespace
	}

	return &k8sStore{
		secretsPath: secretsPath,
		namespace:   namespace,
		overlay:     make(map[string]string),
		deleted:     make(map[string]bool),
	}, nil
}

// fileKey Secret 卷内的文件名不允许 "/"，逻辑名（如 tenants/acme/api_key）
// 映射为 tenants_acme_api_key
func fileKey(key string) string {
	return strings.NewReplacer("/", "_").Replace(strings.Trim(key, "/"))
}

func (k *k8sStore) Get(ctx context.Context, key string) (string, error) {
	k.mu.RLock()
	if val, ok := k.overlay[key]; ok {
		k.mu.RUnlock()
		return val, nil
	}
	gone := k.deleted[key]
	k.mu.RUnlock()
	if gone {
		return "", fmt.Errorf("secret not found: %s", key)
	}

	data, err := os.ReadFile(filepath.Join(k.secretsPath, fileKey(key)))
	if err != nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func (k *k8sStore) Set(ctx context.Context, key string, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.overlay[key] = value
	delete(k.deleted, key)
	return nil
}

func (k *k8sStore) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.overlay, key)
	k.deleted[key] = true
	return nil
}

func (k *k8sStore) List(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]bool)

	k.mu.RLock()
	for key := range k.overlay {
		if strings.HasPrefix(fileKey(key), fileKey(prefix)) {
			seen[fileKey(key)] = true
		}
	}
	removed := make(map[string]bool, len(k.deleted))
	for key := range k.deleted {
		removed[fileKey(key)] = true
	}
	k.mu.RUnlock()

	if entries, err := os.ReadDir(k.secretsPath); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if strings.HasPrefix(name, ".") || removed[name] {
				continue
			}
			if strings.HasPrefix(name, fileKey(prefix)) {
				seen[name] = true
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for name := range seen {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}
