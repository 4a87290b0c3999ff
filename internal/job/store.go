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
	"errors"
	"time"
)

// 存储层哨兵错误；API 层映射为对应状态码
var (
	// ErrNoJob 当前无可认领的 Job
	ErrNoJob = errors.New("job: no claimable job")
	// ErrNotFound Job 不存在
	ErrNotFound = errors.New("job: not found")
	// ErrLeaseInvalid 租约令牌缺失、不匹配或 Job 已不在 leased 态
	ErrLeaseInvalid = errors.New("job: lease invalid")
	// ErrDeadlineExceeded Heartbeat 已越过 execution_deadline
	ErrDeadlineExceeded = errors.New("job: execution deadline exceeded")
	// ErrIdempotencyConflict 同一 Job 以不同幂等键重复完成，或创建键参数不一致
	ErrIdempotencyConflict = errors.New("job: idempotency conflict")
	// ErrInvalidState 当前状态不允许该迁移（如取消终态 Job、redrive 非 dlq Job）
	ErrInvalidState = errors.New("job: invalid state transition")
)

// NewJob 创建请求；Priority 越大越优先，RunAfter 为零表示立即可认领
type NewJob struct {
	TenantID       string
	Queue          string
	Priority       int
	Payload        []byte
	MaxAttempts    int
	RunAfter       time.Time
	IdempotencyKey string
}

// ClaimRequest 认领请求
type ClaimRequest struct {
	WorkerID         string
	TenantScope      []string // 空表示全部租户
	Queues           []string // 空表示不过滤队列
	LeaseDuration    time.Duration
	ExecutionTimeout time.Duration
}

// CompleteRequest 成功完成请求；IdempotencyKey 保证 effects 恰好一次
type CompleteRequest struct {
	JobID          string
	LeaseToken     string
	IdempotencyKey string
	Result         []byte
}

// FailRequest 失败上报请求
type FailRequest struct {
	JobID      string
	LeaseToken string
	Error      string
	Retryable  bool
}

// ReapPolicy Reaper 处置策略
type ReapPolicy struct {
	// CountAsAttempt 过期是否计入 attempts；false 时仅退避重排、永不因过期入 DLQ
	CountAsAttempt bool
}

// Store 状态存储；所有迁移在单事务内完成，并与 outbox 事件写入原子
type Store interface {
	// CreateJob 创建 pending Job 并写入 created 事件；幂等键命中时返回原 Job 与 created=false
	CreateJob(ctx context.Context, req NewJob) (j *Job, created bool, err error)
	// GetJob 读取 Job；不存在返回 ErrNotFound
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// Claim 加权公平地认领至多一条 Job；无可认领返回 ErrNoJob
	Claim(ctx context.Context, req ClaimRequest) (*Job, error)
	// Heartbeat 续约并返回新的过期时刻；越过 execution_deadline 返回 ErrDeadlineExceeded 且不续约
	Heartbeat(ctx context.Context, jobID, leaseToken string, leaseDuration time.Duration) (time.Time, error)
	// Complete 记录成功完成；replay=true 表示幂等重放，返回首次存储的结果
	Complete(ctx context.Context, req CompleteRequest) (c *Completion, replay bool, err error)
	// Fail 记录失败；按重试策略重排为 pending 或转入 dlq，返回迁移后的 Job
	Fail(ctx context.Context, req FailRequest) (*Job, error)
	// Cancel 取消 pending/leased 的 Job；leased 时使现有租约失效
	Cancel(ctx context.Context, tenantID, jobID string) (*Job, error)
	// Redrive 将 dlq Job 重置为 pending 并清零 attempts（管理操作）
	Redrive(ctx context.Context, jobID string) (*Job, error)
	// ReapExpired 回收租约过期或越过 execution_deadline 的 leased Job，返回处理条数
	ReapExpired(ctx context.Context, limit int, policy ReapPolicy) (int, error)
	// AgePriorities 提升长期 pending Job 的优先级（上限 maxPriority），返回提升条数
	AgePriorities(ctx context.Context, olderThan time.Duration, maxPriority int) (int, error)

	// LockOutboxBatch 锁定一批可投递事件；每个 aggregate 仅返回最小未投递 sequence
	LockOutboxBatch(ctx context.Context, limit int, publishLease time.Duration) ([]*OutboxEvent, error)
	// MarkOutboxDelivered 标记事件已投递
	MarkOutboxDelivered(ctx context.Context, eventID int64) error
	// ReleaseOutboxEvent 投递失败后释放锁并按退避推迟可见时刻
	ReleaseOutboxEvent(ctx context.Context, eventID int64, visibleAt time.Time) error
	// ListOutbox 按 sequence 升序返回某 aggregate 的全部事件
	ListOutbox(ctx context.Context, aggregateID string) ([]*OutboxEvent, error)

	// CountByState 各状态 Job 数量，供 gauge 刷新
	CountByState(ctx context.Context) (map[State]int64, error)
	// CountTenantState 某租户处于指定状态的 Job 数量，供准入控制
	CountTenantState(ctx context.Context, tenantID string, st State) (int64, error)

	Close()
}
