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

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "jobq-platform/pkg/errors"
	"jobq-platform/pkg/metrics"
)

// state 列取值：0=pending, 1=leased, 2=succeeded, 3=dlq, 4=canceled
const (
	pgStatePending   = 0
	pgStateLeased    = 1
	pgStateSucceeded = 2
	pgStateDLQ       = 3
	pgStateCanceled  = 4
)

func stateToPg(s State) int {
	switch s {
	case StatePending:
		return pgStatePending
	case StateLeased:
		return pgStateLeased
	case StateSucceeded:
		return pgStateSucceeded
	case StateDLQ:
		return pgStateDLQ
	case StateCanceled:
		return pgStateCanceled
	default:
		return pgStatePending
	}
}

func pgToState(i int) State {
	switch i {
	case pgStatePending:
		return StatePending
	case pgStateLeased:
		return StateLeased
	case pgStateSucceeded:
		return StateSucceeded
	case pgStateDLQ:
		return StateDLQ
	case pgStateCanceled:
		return StateCanceled
	default:
		return StatePending
	}
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// 40001 serialization_failure, 40P01 deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// PgStore PostgreSQL 实现；所有迁移单事务完成，认领与回收依赖
// FOR UPDATE SKIP LOCKED，多副本并发安全
type PgStore struct {
	pool          *pgxpool.Pool
	clock         Clock
	retry         RetryPolicy
	emitHeartbeat bool

	mu  sync.Mutex // 保护 rng
	rng *rand.Rand
}

// NewPgStore 创建基于 PostgreSQL 的 Store；dsn 为连接串
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{
		pool:  pool,
		clock: RealClock,
		retry: DefaultRetryPolicy(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// EnsureSchema 建表与索引；幂等，可在启动时调用
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// SetRetryPolicy 覆盖重试策略
func (s *PgStore) SetRetryPolicy(p RetryPolicy) { s.retry = p }

// SetEmitHeartbeat Heartbeat 是否产生 outbox 事件（默认否）
func (s *PgStore) SetEmitHeartbeat(v bool) { s.emitHeartbeat = v }

// SetClock 注入时钟（测试用）
func (s *PgStore) SetClock(c Clock) { s.clock = c }

// Pool 暴露底层连接池，供同库的其他存储复用
func (s *PgStore) Pool() *pgxpool.Pool { return s.pool }

// Close 关闭连接池
func (s *PgStore) Close() {
	s.pool.Close()
}

func (s *PgStore) nextDelay(attempts int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.Delay(attempts, s.rng)
}

func (s *PgStore) pickTenant(candidates []TenantWeight) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PickWeighted(s.rng, candidates)
}

// inTx 在事务内执行 fn；死锁/序列化冲突有界重试，
// 重试耗尽后标记为瞬态错误，API 层映射 503 让调用方整体重试
func (s *PgStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxTries = 3
	var lastErr error
	for i := 0; i < maxTries; i++ {
		err := s.runTx(ctx, fn)
		if err == nil || !isRetryableTxError(err) {
			return err
		}
		lastErr = err
	}
	return pkgerrors.Wrapf(pkgerrors.ErrTransient, "tx retries exhausted: %v", lastErr)
}

func (s *PgStore) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const jobCols = `id, tenant_id, queue, priority, payload, state, attempts, max_attempts,
	available_at, run_after, created_at, updated_at, idempotency_key,
	lease_token, lease_worker_id, lease_expires_at, last_heartbeat_at,
	started_at, execution_deadline, last_error, result`

// UPDATE ... FROM sel 的 RETURNING 中列名有歧义，需显式限定
const jobColsPrefixed = `j.id, j.tenant_id, j.queue, j.priority, j.payload, j.state, j.attempts, j.max_attempts,
	j.available_at, j.run_after, j.created_at, j.updated_at, j.idempotency_key,
	j.lease_token, j.lease_worker_id, j.lease_expires_at, j.last_heartbeat_at,
	j.started_at, j.execution_deadline, j.last_error, j.result`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var state int
	var payload, result []byte
	var idemKey, leaseToken, leaseWorker, lastError *string
	var runAfter, leaseExpires, lastHeartbeat, startedAt, deadline *time.Time
	err := row.Scan(
		&j.ID, &j.TenantID, &j.Queue, &j.Priority, &payload, &state, &j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &runAfter, &j.CreatedAt, &j.UpdatedAt, &idemKey,
		&leaseToken, &leaseWorker, &leaseExpires, &lastHeartbeat,
		&startedAt, &deadline, &lastError, &result,
	)
	if err != nil {
		return nil, err
	}
	j.State = pgToState(state)
	j.Payload = payload
	j.Result = result
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}
	if leaseToken != nil {
		j.LeaseToken = *leaseToken
	}
	if leaseWorker != nil {
		j.LeaseWorkerID = *leaseWorker
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	if runAfter != nil {
		j.RunAfter = *runAfter
	}
	if leaseExpires != nil {
		j.LeaseExpiresAt = *leaseExpires
	}
	if lastHeartbeat != nil {
		j.LastHeartbeatAt = *lastHeartbeat
	}
	if startedAt != nil {
		j.StartedAt = *startedAt
	}
	if deadline != nil {
		j.ExecutionDeadline = *deadline
	}
	return &j, nil
}

// appendEventTx 事务内追加 outbox 事件；sequence 取该 aggregate 当前最大值 +1。
// 调用方均已持有对应 jobs 行锁，同 aggregate 不会并发取号。
func appendEventTx(ctx context.Context, tx pgx.Tx, aggregateID string, kind EventKind, body map[string]interface{}, visibleAt time.Time) error {
	payload, _ := json.Marshal(body)
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_events (aggregate_id, sequence, kind, payload, visible_at)
		 VALUES ($1, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM outbox_events WHERE aggregate_id = $1), $2, $3, $4)`,
		aggregateID, string(kind), payload, visibleAt)
	return err
}

func pgEventBody(j *Job, kind EventKind) map[string]interface{} {
	return map[string]interface{}{
		"job_id":    j.ID,
		"tenant_id": j.TenantID,
		"queue":     j.Queue,
		"kind":      string(kind),
		"state":     j.State.String(),
		"attempts":  j.Attempts,
	}
}

func (s *PgStore) CreateJob(ctx context.Context, req NewJob) (*Job, bool, error) {
	if req.TenantID == "" {
		return nil, false, errors.New("job: tenant_id required")
	}
	now := s.clock.Now()
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	availableAt := now
	if req.RunAfter.After(now) {
		availableAt = req.RunAfter
	}

	var out *Job
	created := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if req.IdempotencyKey != "" {
			prior, err := s.getByIdemTx(ctx, tx, req.TenantID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if prior != nil {
				if submitDiverges(prior, req, maxAttempts) {
					return ErrIdempotencyConflict
				}
				out = prior
				return nil
			}
		}
		j := &Job{
			ID:             NewJobID(),
			TenantID:       req.TenantID,
			Queue:          req.Queue,
			Priority:       req.Priority,
			Payload:        req.Payload,
			State:          StatePending,
			MaxAttempts:    maxAttempts,
			AvailableAt:    availableAt,
			RunAfter:       availableAt,
			CreatedAt:      now,
			UpdatedAt:      now,
			IdempotencyKey: req.IdempotencyKey,
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, tenant_id, queue, priority, payload, state, attempts, max_attempts,
				available_at, run_after, created_at, updated_at, idempotency_key)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $11, $12)`,
			j.ID, j.TenantID, j.Queue, j.Priority, j.Payload, pgStatePending, j.MaxAttempts,
			j.AvailableAt, j.RunAfter, j.CreatedAt, j.UpdatedAt, nullStr(j.IdempotencyKey))
		if err != nil {
			return err
		}
		if err := appendEventTx(ctx, tx, j.ID, EventCreated, pgEventBody(j, EventCreated), now); err != nil {
			return err
		}
		out = j
		created = true
		return nil
	})
	if err != nil {
		// 幂等键并发插入：输家重读原 Job
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			prior, getErr := s.getByIdem(ctx, req.TenantID, req.IdempotencyKey)
			if getErr == nil && prior != nil {
				if submitDiverges(prior, req, maxAttempts) {
					return nil, false, ErrIdempotencyConflict
				}
				return prior, false, nil
			}
		}
		return nil, false, err
	}
	return out, created, nil
}

func (s *PgStore) getByIdemTx(ctx context.Context, tx pgx.Tx, tenantID, key string) (*Job, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *PgStore) getByIdem(ctx context.Context, tenantID, key string) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *PgStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// Claim 两步认领：先按权重抽取有可认领工作且低于 inflight 上限的租户，
// 再在该租户内 FOR UPDATE SKIP LOCKED 取最优候选并原子晋升。
// 候选被并发抢走时本轮返回 ErrNoJob，由下一次 tick 重试。
func (s *PgStore) Claim(ctx context.Context, req ClaimRequest) (*Job, error) {
	now := s.clock.Now()
	candidates, err := s.claimableTenants(ctx, req, now)
	if err != nil {
		return nil, err
	}
	tenantID, ok := s.pickTenant(candidates)
	if !ok {
		return nil, ErrNoJob
	}

	queues := req.Queues
	if queues == nil {
		queues = []string{}
	}
	token := NewLeaseToken()
	var out *Job
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		// 预筛的 inflight 统计在事务外，并发认领可能同时通过；对登记过的租户
		// 加行锁后在事务内复核上限与状态，保证上限不被突破
		if err := s.recheckTenantTx(ctx, tx, tenantID); err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `
			WITH sel AS (
				SELECT id FROM jobs
				WHERE state = 0 AND tenant_id = $1 AND available_at <= $2
				  AND (cardinality($3::text[]) = 0 OR queue = ANY($3::text[]))
				ORDER BY priority DESC, created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			UPDATE jobs j SET
				state = 1,
				lease_token = $4,
				lease_worker_id = $5,
				lease_expires_at = $6,
				last_heartbeat_at = $2,
				started_at = COALESCE(j.started_at, $2),
				execution_deadline = COALESCE(j.execution_deadline, $7),
				updated_at = $2
			FROM sel WHERE j.id = sel.id
			RETURNING `+jobColsPrefixed,
			tenantID, now, queues, token, req.WorkerID,
			now.Add(req.LeaseDuration), nullTime(deadlineFor(now, req.ExecutionTimeout)))
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNoJob
		}
		if err != nil {
			return err
		}
		body := pgEventBody(j, EventLeased)
		body["worker_id"] = req.WorkerID
		if err := appendEventTx(ctx, tx, j.ID, EventLeased, body, now); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// recheckTenantTx 认领事务内的租户复核。tenants 行锁串行化同租户的并发认领，
// 锁后重数 leased 行能看到竞争事务已提交的晋升。未登记租户无上限，直接放行。
func (s *PgStore) recheckTenantTx(ctx context.Context, tx pgx.Tx, tenantID string) error {
	var maxInflight int
	var status string
	err := tx.QueryRow(ctx,
		`SELECT max_inflight, status FROM tenants WHERE id = $1 FOR UPDATE`,
		tenantID).Scan(&maxInflight, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if status != "active" {
		return ErrNoJob
	}
	if maxInflight <= 0 {
		return nil
	}
	var inflight int64
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE tenant_id = $1 AND state = $2`,
		tenantID, pgStateLeased).Scan(&inflight); err != nil {
		return err
	}
	if inflight >= int64(maxInflight) {
		return ErrNoJob
	}
	return nil
}

func deadlineFor(now time.Time, timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return now.Add(timeout)
}

// claimableTenants 有可认领工作、且 inflight 低于上限的租户及其权重。
// 未注册 tenants 表的租户按 weight=1、无上限处理
func (s *PgStore) claimableTenants(ctx context.Context, req ClaimRequest, now time.Time) ([]TenantWeight, error) {
	queues := req.Queues
	if queues == nil {
		queues = []string{}
	}
	scope := req.TenantScope
	if scope == nil {
		scope = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		SELECT p.tenant_id,
		       COALESCE(MAX(t.weight), 1) AS weight,
		       COALESCE(MAX(t.max_inflight), 0) AS max_inflight,
		       (SELECT count(*) FROM jobs l WHERE l.tenant_id = p.tenant_id AND l.state = 1) AS inflight
		FROM jobs p
		LEFT JOIN tenants t ON t.id = p.tenant_id
		WHERE p.state = 0 AND p.available_at <= $1
		  AND (t.id IS NULL OR t.status = 'active')
		  AND (cardinality($2::text[]) = 0 OR p.queue = ANY($2::text[]))
		  AND (cardinality($3::text[]) = 0 OR p.tenant_id = ANY($3::text[]))
		GROUP BY p.tenant_id
		ORDER BY p.tenant_id`,
		now, queues, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TenantWeight
	for rows.Next() {
		var id string
		var weight, maxInflight int
		var inflight int64
		if err := rows.Scan(&id, &weight, &maxInflight, &inflight); err != nil {
			return nil, err
		}
		if maxInflight > 0 && inflight >= int64(maxInflight) {
			continue
		}
		out = append(out, TenantWeight{ID: id, Weight: weight})
	}
	return out, rows.Err()
}

func (s *PgStore) Heartbeat(ctx context.Context, jobID, leaseToken string, leaseDuration time.Duration) (time.Time, error) {
	now := s.clock.Now()
	var expires time.Time
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT state, lease_token, execution_deadline FROM jobs WHERE id = $1 FOR UPDATE`,
			jobID)
		var state int
		var token *string
		var deadline *time.Time
		if err := row.Scan(&state, &token, &deadline); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if pgToState(state) != StateLeased || token == nil || leaseToken == "" || *token != leaseToken {
			return ErrLeaseInvalid
		}
		if deadline != nil && now.After(*deadline) {
			// 不续约；终态处置交给 Reaper
			return ErrDeadlineExceeded
		}
		expires = now.Add(leaseDuration)
		if deadline != nil && expires.After(*deadline) {
			expires = *deadline
		}
		_, err := tx.Exec(ctx,
			`UPDATE jobs SET lease_expires_at = $1, last_heartbeat_at = $2, updated_at = $2 WHERE id = $3`,
			expires, now, jobID)
		if err != nil {
			return err
		}
		if s.emitHeartbeat {
			j, err := s.lockJobTx(ctx, tx, jobID, false)
			if err != nil {
				return err
			}
			return appendEventTx(ctx, tx, jobID, EventHeartbeat, pgEventBody(j, EventHeartbeat), now)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// lockJobTx 读取 Job；forUpdate 为 true 时加行锁
func (s *PgStore) lockJobTx(ctx context.Context, tx pgx.Tx, jobID string, forUpdate bool) (*Job, error) {
	query := `SELECT ` + jobCols + ` FROM jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(tx.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (s *PgStore) Complete(ctx context.Context, req CompleteRequest) (*Completion, bool, error) {
	now := s.clock.Now()
	var out *Completion
	replay := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var priorKey string
		var priorResult []byte
		var recordedAt time.Time
		err := tx.QueryRow(ctx,
			`SELECT idempotency_key, result, recorded_at FROM job_completions WHERE job_id = $1`,
			req.JobID).Scan(&priorKey, &priorResult, &recordedAt)
		if err == nil {
			if priorKey != req.IdempotencyKey {
				return ErrIdempotencyConflict
			}
			out = &Completion{JobID: req.JobID, IdempotencyKey: priorKey, Result: priorResult, RecordedAt: recordedAt}
			replay = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		j, err := s.lockJobTx(ctx, tx, req.JobID, true)
		if err != nil {
			return err
		}
		if j.State != StateLeased || req.LeaseToken == "" || j.LeaseToken != req.LeaseToken {
			return ErrLeaseInvalid
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_completions (job_id, idempotency_key, result, recorded_at) VALUES ($1, $2, $3, $4)`,
			req.JobID, req.IdempotencyKey, req.Result, now); err != nil {
			if isUniqueViolation(err) {
				return ErrIdempotencyConflict
			}
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1, result = $2, lease_token = NULL, lease_worker_id = NULL,
				lease_expires_at = NULL, updated_at = $3 WHERE id = $4`,
			pgStateSucceeded, req.Result, now, req.JobID); err != nil {
			return err
		}
		j.State = StateSucceeded
		if err := appendEventTx(ctx, tx, req.JobID, EventSucceeded, pgEventBody(j, EventSucceeded), now); err != nil {
			return err
		}
		out = &Completion{JobID: req.JobID, IdempotencyKey: req.IdempotencyKey, Result: req.Result, RecordedAt: now}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, replay, nil
}

func (s *PgStore) Fail(ctx context.Context, req FailRequest) (*Job, error) {
	now := s.clock.Now()
	var out *Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockJobTx(ctx, tx, req.JobID, true)
		if err != nil {
			return err
		}
		if j.State != StateLeased || req.LeaseToken == "" || j.LeaseToken != req.LeaseToken {
			return ErrLeaseInvalid
		}
		if err := s.failTx(ctx, tx, j, req.Error, req.Retryable, now); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// failTx 失败路由；j 已持行锁，结束时 j 反映迁移后的状态
func (s *PgStore) failTx(ctx context.Context, tx pgx.Tx, j *Job, errMsg string, retryable bool, now time.Time) error {
	j.Attempts++
	j.LastError = errMsg
	j.LeaseToken = ""
	j.LeaseWorkerID = ""
	j.LeaseExpiresAt = time.Time{}
	if retryable && j.Attempts < j.MaxAttempts {
		j.State = StatePending
		j.AvailableAt = now.Add(s.nextDelay(j.Attempts))
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1, attempts = $2, available_at = $3, last_error = $4,
				lease_token = NULL, lease_worker_id = NULL, lease_expires_at = NULL, updated_at = $5
			 WHERE id = $6`,
			pgStatePending, j.Attempts, j.AvailableAt, errMsg, now, j.ID); err != nil {
			return err
		}
		body := pgEventBody(j, EventFailedRetry)
		body["error"] = errMsg
		body["available_at"] = j.AvailableAt.UTC().Format(time.RFC3339Nano)
		return appendEventTx(ctx, tx, j.ID, EventFailedRetry, body, now)
	}
	j.State = StateDLQ
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET state = $1, attempts = $2, last_error = $3,
			lease_token = NULL, lease_worker_id = NULL, lease_expires_at = NULL, updated_at = $4
		 WHERE id = $5`,
		pgStateDLQ, j.Attempts, errMsg, now, j.ID); err != nil {
		return err
	}
	body := pgEventBody(j, EventDLQ)
	body["error"] = errMsg
	return appendEventTx(ctx, tx, j.ID, EventDLQ, body, now)
}

func (s *PgStore) Cancel(ctx context.Context, tenantID, jobID string) (*Job, error) {
	now := s.clock.Now()
	var out *Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockJobTx(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if tenantID != "" && j.TenantID != tenantID {
			// 跨租户不可见
			return ErrNotFound
		}
		switch j.State {
		case StateCanceled:
			out = j
			return nil
		case StatePending, StateLeased:
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET state = $1, lease_token = NULL, lease_worker_id = NULL,
					lease_expires_at = NULL, updated_at = $2 WHERE id = $3`,
				pgStateCanceled, now, jobID); err != nil {
				return err
			}
			j.State = StateCanceled
			j.LeaseToken = ""
			j.LeaseWorkerID = ""
			j.LeaseExpiresAt = time.Time{}
			if err := appendEventTx(ctx, tx, jobID, EventCanceled, pgEventBody(j, EventCanceled), now); err != nil {
				return err
			}
			out = j
			return nil
		default:
			return ErrInvalidState
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PgStore) Redrive(ctx context.Context, jobID string) (*Job, error) {
	now := s.clock.Now()
	var out *Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := s.lockJobTx(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if j.State != StateDLQ {
			return ErrInvalidState
		}
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1, attempts = 0, available_at = $2, updated_at = $2 WHERE id = $3`,
			pgStatePending, now, jobID); err != nil {
			return err
		}
		j.State = StatePending
		j.Attempts = 0
		j.AvailableAt = now
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReapExpired 每行独立事务，限制锁持有时间；SKIP LOCKED 保证多副本安全
func (s *PgStore) ReapExpired(ctx context.Context, limit int, policy ReapPolicy) (int, error) {
	if limit <= 0 {
		limit = 256
	}
	reaped := 0
	for reaped < limit {
		done, err := s.reapOne(ctx, policy)
		if err != nil {
			return reaped, err
		}
		if !done {
			break
		}
		reaped++
	}
	return reaped, nil
}

func (s *PgStore) reapOne(ctx context.Context, policy ReapPolicy) (bool, error) {
	now := s.clock.Now()
	found := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+jobCols+` FROM jobs
			 WHERE state = $1 AND (lease_expires_at <= $2 OR execution_deadline <= $2)
			 ORDER BY lease_expires_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			pgStateLeased, now)
		j, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		metrics.LeaseAgeSeconds.Observe(now.Sub(j.LeaseExpiresAt).Seconds())
		reason := "lease expired"
		if !j.ExecutionDeadline.IsZero() && !j.ExecutionDeadline.After(now) {
			reason = "execution deadline exceeded"
		}
		if policy.CountAsAttempt {
			if err := s.failTx(ctx, tx, j, reason, true, now); err != nil {
				return err
			}
			if j.State == StateDLQ {
				metrics.ReapedTotal.WithLabelValues("dlq").Inc()
			} else {
				metrics.ReapedTotal.WithLabelValues("requeued").Inc()
			}
			return nil
		}
		// 不计 attempts：仅退避重排
		availableAt := now.Add(s.nextDelay(j.Attempts + 1))
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1, available_at = $2, last_error = $3,
				lease_token = NULL, lease_worker_id = NULL, lease_expires_at = NULL, updated_at = $4
			 WHERE id = $5`,
			pgStatePending, availableAt, reason, now, j.ID); err != nil {
			return err
		}
		j.State = StatePending
		j.AvailableAt = availableAt
		body := pgEventBody(j, EventFailedRetry)
		body["error"] = reason
		body["available_at"] = availableAt.UTC().Format(time.RFC3339Nano)
		if err := appendEventTx(ctx, tx, j.ID, EventFailedRetry, body, now); err != nil {
			return err
		}
		metrics.ReapedTotal.WithLabelValues("requeued").Inc()
		return nil
	})
	return found, err
}

func (s *PgStore) AgePriorities(ctx context.Context, olderThan time.Duration, maxPriority int) (int, error) {
	now := s.clock.Now()
	cmd, err := s.pool.Exec(ctx,
		`UPDATE jobs SET priority = priority + 1, updated_at = $1
		 WHERE state = $2 AND priority < $3 AND created_at <= $4`,
		now, pgStatePending, maxPriority, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

// LockOutboxBatch 锁批；NOT EXISTS 保证每个 aggregate 只取最小未投递 sequence
func (s *PgStore) LockOutboxBatch(ctx context.Context, limit int, publishLease time.Duration) ([]*OutboxEvent, error) {
	if limit <= 0 {
		limit = 128
	}
	now := s.clock.Now()
	var out []*OutboxEvent
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`WITH sel AS (
				SELECT e.event_id FROM outbox_events e
				WHERE e.delivered_at IS NULL
				  AND e.visible_at <= $1
				  AND (e.locked_until IS NULL OR e.locked_until <= $1)
				  AND NOT EXISTS (
					SELECT 1 FROM outbox_events p
					WHERE p.aggregate_id = e.aggregate_id
					  AND p.sequence < e.sequence
					  AND p.delivered_at IS NULL
				  )
				ORDER BY e.aggregate_id, e.sequence, e.event_id
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			UPDATE outbox_events o SET locked_until = $3, attempts = o.attempts + 1
			FROM sel WHERE o.event_id = sel.event_id
			RETURNING o.event_id, o.aggregate_id, o.sequence, o.kind, o.payload,
			          o.visible_at, o.locked_until, o.attempts`,
			now, limit, now.Add(publishLease))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanOutboxEvent(rows)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	// RETURNING 不保证顺序
	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		return a.Sequence < b.Sequence
	})
	return out, nil
}

func scanOutboxEvent(row rowScanner) (*OutboxEvent, error) {
	var ev OutboxEvent
	var kind string
	var lockedUntil *time.Time
	err := row.Scan(&ev.EventID, &ev.AggregateID, &ev.Sequence, &kind, &ev.Payload,
		&ev.VisibleAt, &lockedUntil, &ev.Attempts)
	if err != nil {
		return nil, err
	}
	ev.Kind = EventKind(kind)
	if lockedUntil != nil {
		ev.LockedUntil = *lockedUntil
	}
	return &ev, nil
}

func (s *PgStore) MarkOutboxDelivered(ctx context.Context, eventID int64) error {
	// 已投递或不存在时零行更新，幂等
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET delivered_at = $1, locked_until = NULL
		 WHERE event_id = $2 AND delivered_at IS NULL`,
		s.clock.Now(), eventID)
	return err
}

func (s *PgStore) ReleaseOutboxEvent(ctx context.Context, eventID int64, visibleAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET locked_until = NULL, visible_at = $1
		 WHERE event_id = $2 AND delivered_at IS NULL`,
		visibleAt, eventID)
	return err
}

func (s *PgStore) ListOutbox(ctx context.Context, aggregateID string) ([]*OutboxEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, aggregate_id, sequence, kind, payload, visible_at, locked_until, attempts
		 FROM outbox_events WHERE aggregate_id = $1 ORDER BY sequence ASC`,
		aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PgStore) CountByState(ctx context.Context) (map[State]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[State]int64)
	for rows.Next() {
		var state int
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[pgToState(state)] = n
	}
	return out, rows.Err()
}

func (s *PgStore) CountTenantState(ctx context.Context, tenantID string, st State) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE tenant_id = $1 AND state = $2`,
		tenantID, stateToPg(st)).Scan(&n)
	return n, err
}

// NewLeadership 基于 advisory lock 的调度器单主选举
func (s *PgStore) NewLeadership() *PgLeadership {
	return &PgLeadership{pool: s.pool}
}

// PgLeadership advisory lock 领导权；session 级锁，持有期间占用一个连接
type PgLeadership struct {
	pool *pgxpool.Pool
	mu   sync.Mutex
	conn *pgxpool.Conn
	held bool
}

func (l *PgLeadership) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return true, nil
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, dispatcherLockKey).Scan(&got); err != nil {
		conn.Release()
		return false, err
	}
	if !got {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	l.held = true
	return true, nil
}

func (l *PgLeadership) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, dispatcherLockKey)
	l.conn.Release()
	l.conn = nil
	l.held = false
	return err
}
