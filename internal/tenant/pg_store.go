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
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore tenants 表的 PostgreSQL 实现；与 job 存储共用连接池和 schema
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建租户存储
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Upsert(ctx context.Context, t *Tenant) error {
	weight := t.Weight
	if weight < 1 {
		weight = 1
	}
	status := t.Status
	if status == "" {
		status = StatusActive
	}
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, weight, max_inflight, max_pending, api_key_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			weight = EXCLUDED.weight,
			max_inflight = EXCLUDED.max_inflight,
			max_pending = EXCLUDED.max_pending,
			api_key_hash = EXCLUDED.api_key_hash,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, weight, t.InflightCap, t.MaxPending, t.APIKeyHash, status, now)
	return err
}

const tenantCols = `id, name, weight, max_inflight, max_pending, api_key_hash, status, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Weight, &t.InflightCap, &t.MaxPending,
		&t.APIKeyHash, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PgStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantCols+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
