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
	"errors"
	"time"

	"github.com/google/uuid"
)

// State 任务状态
type State int

const (
	StatePending State = iota
	StateLeased
	StateSucceeded
	StateDLQ
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLeased:
		return "leased"
	case StateSucceeded:
		return "succeeded"
	case StateDLQ:
		return "dlq"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal succeeded/dlq/canceled 为终态
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDLQ || s == StateCanceled
}

// EventKind Outbox 事件类型
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventLeased      EventKind = "leased"
	EventSucceeded   EventKind = "succeeded"
	EventFailedRetry EventKind = "failed_retry"
	EventDLQ         EventKind = "dlq"
	EventCanceled    EventKind = "canceled"
	EventHeartbeat   EventKind = "heartbeat"
)

// Job 任务实体；状态、租约与重试进度均以存储为唯一事实来源。
// 租约三元组 (LeaseToken, LeaseExpiresAt, LeaseWorkerID) 内嵌于 Job：
// State=Leased 当且仅当 LeaseToken 非空且 LeaseExpiresAt 非零。
type Job struct {
	ID          string
	TenantID    string
	Queue       string
	Priority    int // 越大越先被认领
	Payload     []byte
	State       State
	Attempts    int
	MaxAttempts int

	AvailableAt time.Time // 早于等于 now 才可被认领；重试/定时由此驱动
	RunAfter    time.Time // 创建时的定时下界，等于初始 AvailableAt
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// IdempotencyKey 创建幂等键；(TenantID, IdempotencyKey) 唯一，重复提交返回原 Job
	IdempotencyKey string

	LeaseToken      string
	LeaseWorkerID   string
	LeaseExpiresAt  time.Time
	LastHeartbeatAt time.Time

	// StartedAt/ExecutionDeadline 首次认领时写入且跨重试保留；Heartbeat 不得续约越过 deadline
	StartedAt         time.Time
	ExecutionDeadline time.Time

	LastError string
	Result    []byte
}

// Completion 完成记录；每个 Job 至多一条，(JobID, IdempotencyKey) 唯一
type Completion struct {
	JobID          string
	IdempotencyKey string
	Result         []byte
	RecordedAt     time.Time
}

// NewJobID 生成 Job 标识
func NewJobID() string {
	return "job-" + uuid.New().String()
}

// NewLeaseToken 生成租约令牌；每次认领全局唯一且不可猜测
func NewLeaseToken() string {
	return "lease-" + uuid.New().String()
}

// permanentError 标记不可重试的执行错误；Worker 据此上报 retryable=false
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 将 err 标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断 err 是否被 Permanent 标记
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
