// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound 租户不存在
var ErrNotFound = errors.New("tenant: not found")

// Store 租户存储
type Store interface {
	// Upsert 注册或更新租户
	Upsert(ctx context.Context, t *Tenant) error
	// Get 按 ID 读取
	Get(ctx context.Context, id string) (*Tenant, error)
	// List 按 ID 升序列出全部租户
	List(ctx context.Context) ([]*Tenant, error)
}

// MemStore 内存实现，开发模式使用
type MemStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
}

// NewMemStore 创建内存租户存储
func NewMemStore() *MemStore {
	return &MemStore{tenants: make(map[string]*Tenant)}
}

func (s *MemStore) Upsert(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cp := *t
	if cp.Weight < 1 {
		cp.Weight = 1
	}
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	if prior, ok := s.tenants[cp.ID]; ok {
		cp.CreatedAt = prior.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tenants[cp.ID] = &cp
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) List(ctx context.Context) ([]*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}
