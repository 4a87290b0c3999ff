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

package http

import (
	"encoding/json"
	"time"

	"jobq-platform/internal/job"
	"jobq-platform/internal/tenant"
)

// SubmitJobRequest POST /v1/jobs
type SubmitJobRequest struct {
	Queue          string          `json:"queue"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAfter       *time.Time      `json:"run_after,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// LeaseRequest POST /v1/workers/lease
type LeaseRequest struct {
	WorkerID                string   `json:"worker_id"`
	Queues                  []string `json:"queues,omitempty"`
	TenantScope             []string `json:"tenant_scope,omitempty"`
	LeaseSeconds            int      `json:"lease_seconds,omitempty"`
	ExecutionTimeoutSeconds int      `json:"execution_timeout_seconds,omitempty"`
}

// HeartbeatRequest POST /v1/workers/heartbeat
type HeartbeatRequest struct {
	JobID        string `json:"job_id"`
	LeaseToken   string `json:"lease_token"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// HeartbeatResponse 续约结果
type HeartbeatResponse struct {
	JobID          string    `json:"job_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// CompleteRequest POST /v1/workers/complete
type CompleteRequest struct {
	JobID          string          `json:"job_id"`
	LeaseToken     string          `json:"lease_token"`
	IdempotencyKey string          `json:"idempotency_key"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// CompleteResponse 完成结果；Replay 表示命中既有 completion
type CompleteResponse struct {
	JobID      string          `json:"job_id"`
	Replay     bool            `json:"replay"`
	Result     json.RawMessage `json:"result,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// FailRequest POST /v1/workers/fail
type FailRequest struct {
	JobID      string `json:"job_id"`
	LeaseToken string `json:"lease_token"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
}

// ReapRequest POST /v1/admin/reap
type ReapRequest struct {
	Limit int `json:"limit,omitempty"`
}

// ReapResponse 回收结果
type ReapResponse struct {
	Reaped int `json:"reaped"`
}

// RedriveRequest POST /v1/admin/redrive
type RedriveRequest struct {
	JobID string `json:"job_id"`
}

// UpsertTenantRequest PUT /v1/admin/tenants；APIKey 非空时换发签名密钥
type UpsertTenantRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Weight      int    `json:"weight"`
	InflightCap int    `json:"inflight_cap"`
	MaxPending  int    `json:"max_pending"`
	Status      string `json:"status"`
	APIKey      string `json:"api_key,omitempty"`
}

// TenantResponse 租户对外视图
type TenantResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Weight      int       `json:"weight"`
	InflightCap int       `json:"inflight_cap"`
	MaxPending  int       `json:"max_pending"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toTenantResponse(t *tenant.Tenant) *TenantResponse {
	return &TenantResponse{
		ID:          t.ID,
		Name:        t.Name,
		Weight:      t.Weight,
		InflightCap: t.InflightCap,
		MaxPending:  t.MaxPending,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// JobResponse Job 对外视图
type JobResponse struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Queue             string          `json:"queue"`
	Priority          int             `json:"priority"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	State             string          `json:"state"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	AvailableAt       time.Time       `json:"available_at"`
	RunAfter          *time.Time      `json:"run_after,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	LeaseToken        string          `json:"lease_token,omitempty"`
	LeaseWorkerID     string          `json:"lease_worker_id,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	ExecutionDeadline *time.Time      `json:"execution_deadline,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
}

func toJobResponse(j *job.Job) *JobResponse {
	resp := &JobResponse{
		ID:             j.ID,
		TenantID:       j.TenantID,
		Queue:          j.Queue,
		Priority:       j.Priority,
		Payload:        json.RawMessage(j.Payload),
		State:          j.State.String(),
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		AvailableAt:    j.AvailableAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		IdempotencyKey: j.IdempotencyKey,
		LeaseToken:     j.LeaseToken,
		LeaseWorkerID:  j.LeaseWorkerID,
		LastError:      j.LastError,
		Result:         json.RawMessage(j.Result),
	}
	if !j.RunAfter.IsZero() {
		t := j.RunAfter
		resp.RunAfter = &t
	}
	if !j.LeaseExpiresAt.IsZero() {
		t := j.LeaseExpiresAt
		resp.LeaseExpiresAt = &t
	}
	if !j.ExecutionDeadline.IsZero() {
		t := j.ExecutionDeadline
		resp.ExecutionDeadline = &t
	}
	return resp
}
