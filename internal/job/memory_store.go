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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"jobq-platform/pkg/metrics"
)

// TenantQuota 租户调度参数；内存实现由应用层注册，Postgres 实现读 tenants 表
type TenantQuota struct {
	ID          string
	Weight      int
	InflightCap int  // 同时 leased 上限，0 表示不限
	Suspended   bool // 停用租户不参与认领
}

// MemoryStore 内存实现：互斥锁保护的单进程存储，语义与 Postgres 实现一致，
// 供开发模式与确定性测试使用
type MemoryStore struct {
	mu            sync.Mutex
	clock         Clock
	rng           *rand.Rand
	retry         RetryPolicy
	emitHeartbeat bool

	jobs        map[string]*Job
	byIdem      map[string]string // tenant_id + "\x00" + idempotency_key → job_id
	completions map[string]*Completion
	tenants     map[string]TenantQuota

	outbox      []*OutboxEvent
	nextEventID int64
	seq         map[string]int64
}

// NewMemoryStore 创建内存存储；默认系统时钟、随机种子与默认重试策略
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clock:       RealClock,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		retry:       DefaultRetryPolicy(),
		jobs:        make(map[string]*Job),
		byIdem:      make(map[string]string),
		completions: make(map[string]*Completion),
		tenants:     make(map[string]TenantQuota),
		seq:         make(map[string]int64),
	}
}

// SetClock 注入时钟（测试用）
func (s *MemoryStore) SetClock(c Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// SetRNG 注入随机源；配合固定种子获得确定性退避与公平抽样
func (s *MemoryStore) SetRNG(rng *rand.Rand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rng
}

// SetRetryPolicy 覆盖重试策略
func (s *MemoryStore) SetRetryPolicy(p RetryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry = p
}

// SetEmitHeartbeat Heartbeat 是否产生 outbox 事件（默认否）
func (s *MemoryStore) SetEmitHeartbeat(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitHeartbeat = v
}

// UpsertTenant 注册或更新租户调度参数；未注册租户按 weight=1、不限 inflight 处理
func (s *MemoryStore) UpsertTenant(q TenantQuota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[q.ID] = q
}

func (s *MemoryStore) idemKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func copyJob(j *Job) *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Result != nil {
		cp.Result = append([]byte(nil), j.Result...)
	}
	return &cp
}

func copyCompletion(c *Completion) *Completion {
	cp := *c
	if c.Result != nil {
		cp.Result = append([]byte(nil), c.Result...)
	}
	return &cp
}

func copyEvent(ev *OutboxEvent) *OutboxEvent {
	cp := *ev
	if ev.Payload != nil {
		cp.Payload = append([]byte(nil), ev.Payload...)
	}
	return &cp
}

// appendEvent 追加 outbox 事件；调用方需持有 s.mu
func (s *MemoryStore) appendEvent(aggregateID string, kind EventKind, body map[string]interface{}, now time.Time) {
	s.nextEventID++
	s.seq[aggregateID]++
	payload, _ := json.Marshal(body)
	s.outbox = append(s.outbox, &OutboxEvent{
		EventID:     s.nextEventID,
		AggregateID: aggregateID,
		Sequence:    s.seq[aggregateID],
		Kind:        kind,
		Payload:     payload,
		VisibleAt:   now,
	})
}

func eventBody(j *Job, kind EventKind) map[string]interface{} {
	return map[string]interface{}{
		"job_id":    j.ID,
		"tenant_id": j.TenantID,
		"queue":     j.Queue,
		"kind":      string(kind),
		"state":     j.State.String(),
		"attempts":  j.Attempts,
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, req NewJob) (*Job, bool, error) {
	if req.TenantID == "" {
		return nil, false, errors.New("job: tenant_id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	maxAttempts := req.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	if req.IdempotencyKey != "" {
		if id, ok := s.byIdem[s.idemKey(req.TenantID, req.IdempotencyKey)]; ok {
			prior := s.jobs[id]
			if submitDiverges(prior, req, maxAttempts) {
				return nil, false, ErrIdempotencyConflict
			}
			return copyJob(prior), false, nil
		}
	}

	availableAt := now
	if req.RunAfter.After(now) {
		availableAt = req.RunAfter
	}
	j := &Job{
		ID:             NewJobID(),
		TenantID:       req.TenantID,
		Queue:          req.Queue,
		Priority:       req.Priority,
		Payload:        append([]byte(nil), req.Payload...),
		State:          StatePending,
		MaxAttempts:    maxAttempts,
		AvailableAt:    availableAt,
		RunAfter:       availableAt,
		CreatedAt:      now,
		UpdatedAt:      now,
		IdempotencyKey: req.IdempotencyKey,
	}
	s.jobs[j.ID] = j
	if req.IdempotencyKey != "" {
		s.byIdem[s.idemKey(req.TenantID, req.IdempotencyKey)] = j.ID
	}
	s.appendEvent(j.ID, EventCreated, eventBody(j, EventCreated), now)
	return copyJob(j), true, nil
}

// submitDiverges 同一幂等键的重复提交是否携带了不同参数。
// run_after 未指定时视为与原提交一致（原值是创建时刻的规范化结果）。
func submitDiverges(prior *Job, req NewJob, maxAttempts int) bool {
	if prior.Queue != req.Queue || !bytes.Equal(prior.Payload, req.Payload) {
		return true
	}
	if prior.Priority != req.Priority || prior.MaxAttempts != maxAttempts {
		return true
	}
	return !req.RunAfter.IsZero() && !prior.RunAfter.Equal(req.RunAfter)
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (s *MemoryStore) Claim(ctx context.Context, req ClaimRequest) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	scope := map[string]bool{}
	for _, t := range req.TenantScope {
		scope[t] = true
	}
	queues := map[string]bool{}
	for _, q := range req.Queues {
		queues[q] = true
	}

	eligible := map[string]bool{}
	inflight := map[string]int{}
	for _, j := range s.jobs {
		if len(scope) > 0 && !scope[j.TenantID] {
			continue
		}
		switch j.State {
		case StateLeased:
			inflight[j.TenantID]++
		case StatePending:
			if !j.AvailableAt.After(now) && (len(queues) == 0 || queues[j.Queue]) {
				eligible[j.TenantID] = true
			}
		}
	}

	var candidates []TenantWeight
	for tid := range eligible {
		q, ok := s.tenants[tid]
		if !ok {
			q = TenantQuota{ID: tid, Weight: 1}
		}
		if q.Suspended {
			continue
		}
		if q.InflightCap > 0 && inflight[tid] >= q.InflightCap {
			continue
		}
		candidates = append(candidates, TenantWeight{ID: tid, Weight: q.Weight})
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].ID < candidates[k].ID })
	tenantID, ok := PickWeighted(s.rng, candidates)
	if !ok {
		return nil, ErrNoJob
	}

	var best *Job
	for _, j := range s.jobs {
		if j.TenantID != tenantID || j.State != StatePending || j.AvailableAt.After(now) {
			continue
		}
		if len(queues) > 0 && !queues[j.Queue] {
			continue
		}
		if best == nil || betterCandidate(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}

	best.State = StateLeased
	best.LeaseToken = NewLeaseToken()
	best.LeaseWorkerID = req.WorkerID
	best.LeaseExpiresAt = now.Add(req.LeaseDuration)
	best.LastHeartbeatAt = now
	if best.StartedAt.IsZero() {
		best.StartedAt = now
	}
	if best.ExecutionDeadline.IsZero() && req.ExecutionTimeout > 0 {
		best.ExecutionDeadline = now.Add(req.ExecutionTimeout)
	}
	best.UpdatedAt = now
	body := eventBody(best, EventLeased)
	body["worker_id"] = req.WorkerID
	s.appendEvent(best.ID, EventLeased, body, now)
	return copyJob(best), nil
}

// betterCandidate priority 降序，再 created_at 升序，再 ID 升序保证确定性
func betterCandidate(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) Heartbeat(ctx context.Context, jobID, leaseToken string, leaseDuration time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	j, ok := s.jobs[jobID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	if j.State != StateLeased || leaseToken == "" || j.LeaseToken != leaseToken {
		return time.Time{}, ErrLeaseInvalid
	}
	if !j.ExecutionDeadline.IsZero() && now.After(j.ExecutionDeadline) {
		// 不续约；终态处置交给 Reaper
		return time.Time{}, ErrDeadlineExceeded
	}
	expires := now.Add(leaseDuration)
	if !j.ExecutionDeadline.IsZero() && expires.After(j.ExecutionDeadline) {
		expires = j.ExecutionDeadline
	}
	j.LeaseExpiresAt = expires
	j.LastHeartbeatAt = now
	j.UpdatedAt = now
	if s.emitHeartbeat {
		s.appendEvent(j.ID, EventHeartbeat, eventBody(j, EventHeartbeat), now)
	}
	return expires, nil
}

func (s *MemoryStore) Complete(ctx context.Context, req CompleteRequest) (*Completion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	if c, ok := s.completions[req.JobID]; ok {
		if c.IdempotencyKey == req.IdempotencyKey {
			return copyCompletion(c), true, nil
		}
		return nil, false, ErrIdempotencyConflict
	}

	j, ok := s.jobs[req.JobID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if j.State != StateLeased || req.LeaseToken == "" || j.LeaseToken != req.LeaseToken {
		return nil, false, ErrLeaseInvalid
	}

	c := &Completion{
		JobID:          req.JobID,
		IdempotencyKey: req.IdempotencyKey,
		Result:         append([]byte(nil), req.Result...),
		RecordedAt:     now,
	}
	s.completions[req.JobID] = c
	j.State = StateSucceeded
	j.Result = append([]byte(nil), req.Result...)
	j.LeaseToken = ""
	j.LeaseWorkerID = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = now
	s.appendEvent(j.ID, EventSucceeded, eventBody(j, EventSucceeded), now)
	return copyCompletion(c), false, nil
}

func (s *MemoryStore) Fail(ctx context.Context, req FailRequest) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	j, ok := s.jobs[req.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateLeased || req.LeaseToken == "" || j.LeaseToken != req.LeaseToken {
		return nil, ErrLeaseInvalid
	}
	s.failLocked(j, req.Error, req.Retryable, now)
	return copyJob(j), nil
}

// failLocked 失败路由：attempts 自增后按可重试性与剩余额度重排或转 DLQ；调用方持有 s.mu
func (s *MemoryStore) failLocked(j *Job, errMsg string, retryable bool, now time.Time) {
	j.Attempts++
	j.LastError = errMsg
	j.LeaseToken = ""
	j.LeaseWorkerID = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = now
	if retryable && j.Attempts < j.MaxAttempts {
		j.State = StatePending
		j.AvailableAt = s.retry.NextAvailableAt(now, j.Attempts, s.rng)
		body := eventBody(j, EventFailedRetry)
		body["error"] = errMsg
		body["available_at"] = j.AvailableAt.UTC().Format(time.RFC3339Nano)
		s.appendEvent(j.ID, EventFailedRetry, body, now)
		return
	}
	j.State = StateDLQ
	body := eventBody(j, EventDLQ)
	body["error"] = errMsg
	s.appendEvent(j.ID, EventDLQ, body, now)
}

func (s *MemoryStore) Cancel(ctx context.Context, tenantID, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if tenantID != "" && j.TenantID != tenantID {
		// 跨租户不可见
		return nil, ErrNotFound
	}
	switch j.State {
	case StateCanceled:
		return copyJob(j), nil
	case StatePending, StateLeased:
		j.State = StateCanceled
		j.LeaseToken = ""
		j.LeaseWorkerID = ""
		j.LeaseExpiresAt = time.Time{}
		j.UpdatedAt = now
		s.appendEvent(j.ID, EventCanceled, eventBody(j, EventCanceled), now)
		return copyJob(j), nil
	default:
		return nil, ErrInvalidState
	}
}

func (s *MemoryStore) Redrive(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateDLQ {
		return nil, ErrInvalidState
	}
	j.State = StatePending
	j.Attempts = 0
	j.AvailableAt = now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (s *MemoryStore) ReapExpired(ctx context.Context, limit int, policy ReapPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var expired []*Job
	for _, j := range s.jobs {
		if j.State != StateLeased {
			continue
		}
		if !j.LeaseExpiresAt.After(now) || (!j.ExecutionDeadline.IsZero() && !j.ExecutionDeadline.After(now)) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(i, k int) bool {
		return expired[i].LeaseExpiresAt.Before(expired[k].LeaseExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, j := range expired {
		metrics.LeaseAgeSeconds.Observe(now.Sub(j.LeaseExpiresAt).Seconds())
		reason := "lease expired"
		if !j.ExecutionDeadline.IsZero() && !j.ExecutionDeadline.After(now) {
			reason = "execution deadline exceeded"
		}
		s.reapOneLocked(j, reason, policy, now)
	}
	return len(expired), nil
}

// reapOneLocked 过期处置：计入 attempts 时复用失败路由；不计入时仅退避重排
func (s *MemoryStore) reapOneLocked(j *Job, reason string, policy ReapPolicy, now time.Time) {
	if policy.CountAsAttempt {
		s.failLocked(j, reason, true, now)
		if j.State == StateDLQ {
			metrics.ReapedTotal.WithLabelValues("dlq").Inc()
		} else {
			metrics.ReapedTotal.WithLabelValues("requeued").Inc()
		}
		return
	}
	j.LastError = reason
	j.LeaseToken = ""
	j.LeaseWorkerID = ""
	j.LeaseExpiresAt = time.Time{}
	j.State = StatePending
	j.AvailableAt = s.retry.NextAvailableAt(now, j.Attempts+1, s.rng)
	j.UpdatedAt = now
	body := eventBody(j, EventFailedRetry)
	body["error"] = reason
	body["available_at"] = j.AvailableAt.UTC().Format(time.RFC3339Nano)
	s.appendEvent(j.ID, EventFailedRetry, body, now)
	metrics.ReapedTotal.WithLabelValues("requeued").Inc()
}

func (s *MemoryStore) AgePriorities(ctx context.Context, olderThan time.Duration, maxPriority int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	cutoff := now.Add(-olderThan)
	bumped := 0
	for _, j := range s.jobs {
		if j.State != StatePending || j.Priority >= maxPriority {
			continue
		}
		if j.CreatedAt.After(cutoff) {
			continue
		}
		j.Priority++
		j.UpdatedAt = now
		bumped++
	}
	return bumped, nil
}

func (s *MemoryStore) LockOutboxBatch(ctx context.Context, limit int, publishLease time.Duration) ([]*OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	// 每个 aggregate 的最小未投递 sequence
	minUndelivered := map[string]int64{}
	for _, ev := range s.outbox {
		if !ev.DeliveredAt.IsZero() {
			continue
		}
		if cur, ok := minUndelivered[ev.AggregateID]; !ok || ev.Sequence < cur {
			minUndelivered[ev.AggregateID] = ev.Sequence
		}
	}

	var picked []*OutboxEvent
	for _, ev := range s.outbox {
		if !ev.DeliveredAt.IsZero() || ev.VisibleAt.After(now) {
			continue
		}
		if !ev.LockedUntil.IsZero() && ev.LockedUntil.After(now) {
			continue
		}
		if minUndelivered[ev.AggregateID] != ev.Sequence {
			continue
		}
		picked = append(picked, ev)
	}
	sort.Slice(picked, func(i, k int) bool {
		a, b := picked[i], picked[k]
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.EventID < b.EventID
	})
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]*OutboxEvent, 0, len(picked))
	for _, ev := range picked {
		ev.LockedUntil = now.Add(publishLease)
		ev.Attempts++
		out = append(out, copyEvent(ev))
	}
	return out, nil
}

func (s *MemoryStore) MarkOutboxDelivered(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for _, ev := range s.outbox {
		if ev.EventID == eventID {
			if ev.DeliveredAt.IsZero() {
				ev.DeliveredAt = now
				ev.LockedUntil = time.Time{}
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ReleaseOutboxEvent(ctx context.Context, eventID int64, visibleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.outbox {
		if ev.EventID == eventID {
			if ev.DeliveredAt.IsZero() {
				ev.LockedUntil = time.Time{}
				ev.VisibleAt = visibleAt
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListOutbox(ctx context.Context, aggregateID string) ([]*OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*OutboxEvent
	for _, ev := range s.outbox {
		if ev.AggregateID == aggregateID {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Sequence < out[k].Sequence })
	return out, nil
}

func (s *MemoryStore) CountByState(ctx context.Context) (map[State]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[State]int64)
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}

func (s *MemoryStore) CountTenantState(ctx context.Context, tenantID string, st State) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.TenantID == tenantID && j.State == st {
			n++
		}
	}
	return n, nil
}

// Close 实现 Store；内存实现无需释放资源
func (s *MemoryStore) Close() {}
