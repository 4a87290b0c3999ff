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

package job

// Schema 全量建表语句；演进只增不破坏，旧列保留读兼容窗口
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    weight        INT  NOT NULL DEFAULT 1,
    max_inflight  INT  NOT NULL DEFAULT 0,
    max_pending   INT  NOT NULL DEFAULT 0,
    api_key_hash  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'active',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    queue              TEXT NOT NULL DEFAULT 'default',
    priority           INT  NOT NULL DEFAULT 0,
    payload            BYTEA,
    state              INT  NOT NULL,
    attempts           INT  NOT NULL DEFAULT 0,
    max_attempts       INT  NOT NULL DEFAULT 3,
    available_at       TIMESTAMPTZ NOT NULL,
    run_after          TIMESTAMPTZ,
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL,
    idempotency_key    TEXT,
    lease_token        TEXT,
    lease_worker_id    TEXT,
    lease_expires_at   TIMESTAMPTZ,
    last_heartbeat_at  TIMESTAMPTZ,
    started_at         TIMESTAMPTZ,
    execution_deadline TIMESTAMPTZ,
    last_error         TEXT,
    result             BYTEA
);

CREATE INDEX IF NOT EXISTS idx_jobs_pending
    ON jobs (available_at, priority DESC, created_at ASC)
    WHERE state = 0;
CREATE INDEX IF NOT EXISTS idx_jobs_leased_expiry
    ON jobs (lease_expires_at)
    WHERE state = 1;
CREATE INDEX IF NOT EXISTS idx_jobs_tenant_state
    ON jobs (tenant_id, state);
CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_tenant_idem
    ON jobs (tenant_id, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS job_completions (
    job_id           TEXT PRIMARY KEY REFERENCES jobs(id),
    idempotency_key  TEXT NOT NULL,
    result           BYTEA,
    recorded_at      TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_completions_job_idem
    ON job_completions (job_id, idempotency_key);

CREATE TABLE IF NOT EXISTS outbox_events (
    event_id     BIGSERIAL PRIMARY KEY,
    aggregate_id TEXT   NOT NULL,
    sequence     BIGINT NOT NULL,
    kind         TEXT   NOT NULL,
    payload      BYTEA,
    visible_at   TIMESTAMPTZ NOT NULL,
    locked_until TIMESTAMPTZ,
    delivered_at TIMESTAMPTZ,
    attempts     INT NOT NULL DEFAULT 0,
    UNIQUE (aggregate_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_outbox_visible
    ON outbox_events (visible_at)
    WHERE delivered_at IS NULL;
`

// dispatcherLockKey 调度器单主选举的 advisory lock key
const dispatcherLockKey = 84728472
