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

// Package http 对外 HTTP 面：租户提交/查询/取消，Worker 租约协议，运维入口。
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"jobq-platform/internal/job"
	"jobq-platform/internal/tenant"
	pkgerrors "jobq-platform/pkg/errors"
	"jobq-platform/pkg/log"
	"jobq-platform/pkg/metrics"
	"jobq-platform/pkg/secrets"
)

// HandlerConfig Handler 行为参数
type HandlerConfig struct {
	LeaseDuration    time.Duration // Worker 未指定时的租约时长
	ExecutionTimeout time.Duration // 首次认领时设置的执行截止
	ReapBatch        int           // /v1/admin/reap 单次上限
	ReapPolicy       job.ReapPolicy
}

// Handler HTTP 处理器
type Handler struct {
	store   job.Store
	tenants tenant.Store
	wakeup  job.WakeupQueue
	secrets secrets.Store
	cfg     HandlerConfig
	logger  *log.Logger
}

// NewHandler 创建 Handler；wakeup、keys 可为 nil（nil keys 禁用租户密钥下发）
func NewHandler(store job.Store, tenants tenant.Store, wakeup job.WakeupQueue, keys secrets.Store, cfg HandlerConfig, logger *log.Logger) *Handler {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Minute
	}
	if cfg.ReapBatch <= 0 {
		cfg.ReapBatch = 256
	}
	return &Handler{store: store, tenants: tenants, wakeup: wakeup, secrets: keys, cfg: cfg, logger: logger}
}

// tenantID 认证中间件放入的调用方租户
func tenantID(ctx *app.RequestContext) string {
	v, _ := ctx.Get(ctxKeyTenantID)
	id, _ := v.(string)
	return id
}

func writeError(ctx *app.RequestContext, status int, msg string) {
	ctx.JSON(status, map[string]string{"error": msg})
}

// writeStoreError 存储层错误到 HTTP 状态码的映射
func (h *Handler) writeStoreError(c context.Context, ctx *app.RequestContext, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(ctx, consts.StatusNotFound, "job not found")
	case errors.Is(err, job.ErrIdempotencyConflict):
		writeError(ctx, consts.StatusConflict, "idempotency key conflict")
	case errors.Is(err, job.ErrInvalidState):
		writeError(ctx, consts.StatusConflict, "operation not valid in current state")
	case errors.Is(err, job.ErrLeaseInvalid):
		writeError(ctx, consts.StatusGone, "lease token invalid or superseded")
	case errors.Is(err, job.ErrDeadlineExceeded):
		writeError(ctx, consts.StatusGone, "execution deadline exceeded")
	case errors.Is(err, pkgerrors.ErrTenantCapExceeded):
		writeError(ctx, consts.StatusTooManyRequests, "tenant pending cap exceeded")
	case pkgerrors.IsTransient(err):
		h.logger.Warn("瞬态存储错误", "path", string(ctx.Path()), "error", err)
		writeError(ctx, consts.StatusServiceUnavailable, "transient store error, retry")
	default:
		h.logger.Error("存储操作失败", "path", string(ctx.Path()), "error", err)
		writeError(ctx, consts.StatusInternalServerError, "internal error")
	}
}

// SubmitJob POST /v1/jobs
func (h *Handler) SubmitJob(c context.Context, ctx *app.RequestContext) {
	tid := tenantID(ctx)
	if tid == "" {
		writeError(ctx, consts.StatusUnauthorized, "tenant context required")
		return
	}
	var req SubmitJobRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, consts.StatusBadRequest, "invalid request body")
		return
	}
	if req.Queue == "" {
		req.Queue = "default"
	}
	if req.Priority < 0 || req.Priority > 9 {
		writeError(ctx, consts.StatusBadRequest, "priority must be in [0,9]")
		return
	}

	// pending 积压配额
	if h.tenants != nil {
		t, err := h.tenants.Get(c, tid)
		if err == nil {
			if !t.Active() {
				writeError(ctx, consts.StatusForbidden, "tenant suspended")
				return
			}
			if t.MaxPending > 0 {
				pending, err := h.store.CountTenantState(c, tid, job.StatePending)
				if err != nil {
					h.writeStoreError(c, ctx, err)
					return
				}
				if pending >= int64(t.MaxPending) {
					h.writeStoreError(c, ctx, pkgerrors.ErrTenantCapExceeded)
					return
				}
			}
		} else if !errors.Is(err, tenant.ErrNotFound) {
			h.writeStoreError(c, ctx, err)
			return
		}
	}

	newJob := job.NewJob{
		TenantID:       tid,
		Queue:          req.Queue,
		Priority:       req.Priority,
		Payload:        []byte(req.Payload),
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.RunAfter != nil {
		newJob.RunAfter = *req.RunAfter
	}
	created, isNew, err := h.store.CreateJob(c, newJob)
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	if isNew {
		metrics.JobsSubmittedTotal.WithLabelValues(tid).Inc()
		h.notifyReady(c, created)
	}
	resp := toJobResponse(created)
	resp.LeaseToken = ""
	if isNew {
		ctx.JSON(consts.StatusCreated, resp)
		return
	}
	ctx.JSON(consts.StatusOK, resp)
}

func (h *Handler) notifyReady(c context.Context, j *job.Job) {
	if h.wakeup == nil || j.AvailableAt.After(time.Now()) {
		return
	}
	if err := h.wakeup.NotifyReady(c, j.ID); err != nil {
		h.logger.Warn("唤醒通知失败", "job_id", j.ID, "error", err)
	}
}

// GetJob GET /v1/jobs/:id
func (h *Handler) GetJob(c context.Context, ctx *app.RequestContext) {
	tid := tenantID(ctx)
	j, err := h.store.GetJob(c, ctx.Param("id"))
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	if tid != "" && j.TenantID != tid {
		// 跨租户按不存在处理
		writeError(ctx, consts.StatusNotFound, "job not found")
		return
	}
	resp := toJobResponse(j)
	resp.LeaseToken = ""
	ctx.JSON(consts.StatusOK, resp)
}

// CancelJob POST /v1/jobs/:id/cancel
func (h *Handler) CancelJob(c context.Context, ctx *app.RequestContext) {
	tid := tenantID(ctx)
	if tid == "" {
		writeError(ctx, consts.StatusUnauthorized, "tenant context required")
		return
	}
	j, err := h.store.Cancel(c, tid, ctx.Param("id"))
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	resp := toJobResponse(j)
	resp.LeaseToken = ""
	ctx.JSON(consts.StatusOK, resp)
}

// LeaseJob POST /v1/workers/lease；无可认领任务时 204
func (h *Handler) LeaseJob(c context.Context, ctx *app.RequestContext) {
	var req LeaseRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, consts.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(ctx, consts.StatusBadRequest, "worker_id is required")
		return
	}
	leaseDur := h.cfg.LeaseDuration
	if req.LeaseSeconds > 0 {
		leaseDur = time.Duration(req.LeaseSeconds) * time.Second
	}
	execTimeout := h.cfg.ExecutionTimeout
	if req.ExecutionTimeoutSeconds > 0 {
		execTimeout = time.Duration(req.ExecutionTimeoutSeconds) * time.Second
	}

	start := time.Now()
	j, err := h.store.Claim(c, job.ClaimRequest{
		WorkerID:         req.WorkerID,
		TenantScope:      req.TenantScope,
		Queues:           req.Queues,
		LeaseDuration:    leaseDur,
		ExecutionTimeout: execTimeout,
	})
	metrics.ClaimLatencySeconds.Observe(time.Since(start).Seconds())
	if errors.Is(err, job.ErrNoJob) {
		metrics.ClaimTotal.WithLabelValues("", "false").Inc()
		ctx.Status(consts.StatusNoContent)
		return
	}
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	metrics.ClaimTotal.WithLabelValues(j.TenantID, "true").Inc()
	ctx.JSON(consts.StatusOK, toJobResponse(j))
}

// Heartbeat POST /v1/workers/heartbeat
func (h *Handler) Heartbeat(c context.Context, ctx *app.RequestContext) {
	var req HeartbeatRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, consts.StatusBadRequest, "invalid request body")
		return
	}
	leaseDur := h.cfg.LeaseDuration
	if req.LeaseSeconds > 0 {
		leaseDur = time.Duration(req.LeaseSeconds) * time.Second
	}
	expires, err := h.store.Heartbeat(c, req.JobID, req.LeaseToken, leaseDur)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrLeaseInvalid):
			metrics.HeartbeatTotal.WithLabelValues("lease_invalid").Inc()
		case errors.Is(err, job.ErrDeadlineExceeded):
			metrics.HeartbeatTotal.WithLabelValues("deadline_exceeded").Inc()
		}
		h.writeStoreError(c, ctx, err)
		return
	}
	metrics.HeartbeatTotal.WithLabelValues("ok").Inc()
	ctx.JSON(consts.StatusOK, HeartbeatResponse{JobID: req.JobID, LeaseExpiresAt: expires})
}

// Complete POST /v1/workers/complete
func (h *Handler) Complete(c context.Context, ctx *app.RequestContext) {
	var req CompleteRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, consts.StatusBadRequest, "invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		writeError(ctx, consts.StatusBadRequest, "idempotency_key is required")
		return
	}
	comp, replay, err := h.store.Complete(c, job.CompleteRequest{
		JobID:          req.JobID,
		LeaseToken:     req.LeaseToken,
		IdempotencyKey: req.IdempotencyKey,
		Result:         []byte(req.Result),
	})
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, CompleteResponse{
		JobID:      comp.JobID,
		Replay:     replay,
		Result:     json.RawMessage(comp.Result),
		RecordedAt: comp.RecordedAt,
	})
}

// Fail POST /v1/workers/fail
func (h *Handler) Fail(c context.Context, ctx *app.RequestContext) {
	var req FailRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		writeError(ctx, consts.StatusBadRequest, "invalid request body")
		return
	}
	j, err := h.store.Fail(c, job.FailRequest{
		JobID:      req.JobID,
		LeaseToken: req.LeaseToken,
		Error:      req.Error,
		Retryable:  req.Retryable,
	})
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	resp := toJobResponse(j)
	resp.LeaseToken = ""
	ctx.JSON(consts.StatusOK, resp)
}

// Reap POST /v1/admin/reap：手动触发一轮回收
func (h *Handler) Reap(c context.Context, ctx *app.RequestContext) {
	var req ReapRequest
	if body := ctx.Request.Body(); len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(ctx, consts.StatusBadRequest, "invalid request body")
			return
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = h.cfg.ReapBatch
	}
	n, err := h.store.ReapExpired(c, limit, h.cfg.ReapPolicy)
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, ReapResponse{Reaped: n})
}

// Redrive POST /v1/admin/redrive：DLQ 任务重新入队
func (h *Handler) Redrive(c context.Context, ctx *app.RequestContext) {
	var req RedriveRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil || req.JobID == "" {
		writeError(ctx, consts.StatusBadRequest, "job_id is required")
		return
	}
	j, err := h.store.Redrive(c, req.JobID)
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	h.notifyReady(c, j)
	resp := toJobResponse(j)
	resp.LeaseToken = ""
	ctx.JSON(consts.StatusOK, resp)
}

// quotaSink 认领公平性配额的旁路写入；内存存储实现该接口，Postgres 直接读 tenants 表
type quotaSink interface {
	UpsertTenant(q job.TenantQuota)
}

// UpsertTenant PUT /v1/admin/tenants 注册或更新租户（权重、并发上限、积压配额）。
// 带 api_key 时密钥写入 secrets 后端供签名校验，登记项只存哈希
func (h *Handler) UpsertTenant(c context.Context, ctx *app.RequestContext) {
	var req UpsertTenantRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil || req.ID == "" {
		writeError(ctx, consts.StatusBadRequest, "id is required")
		return
	}
	if req.Status != "" && req.Status != tenant.StatusActive && req.Status != tenant.StatusSuspended {
		writeError(ctx, consts.StatusBadRequest, "status must be active or suspended")
		return
	}
	t := &tenant.Tenant{
		ID:          req.ID,
		Name:        req.Name,
		Weight:      req.Weight,
		InflightCap: req.InflightCap,
		MaxPending:  req.MaxPending,
		Status:      req.Status,
	}
	if req.APIKey != "" {
		if h.secrets == nil {
			writeError(ctx, consts.StatusBadRequest, "api key provisioning is not enabled")
			return
		}
		if err := h.secrets.Set(c, secrets.TenantAPIKeyName(req.ID), req.APIKey); err != nil {
			h.logger.Error("写入租户密钥失败", "tenant_id", req.ID, "error", err)
			writeError(ctx, consts.StatusInternalServerError, "failed to store api key")
			return
		}
		t.APIKeyHash = tenant.HashAPIKey(req.APIKey)
	}
	// 未换发密钥的更新保留原哈希
	if t.APIKeyHash == "" {
		if prior, err := h.tenants.Get(c, req.ID); err == nil {
			t.APIKeyHash = prior.APIKeyHash
		}
	}
	if err := h.tenants.Upsert(c, t); err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	if sink, ok := h.store.(quotaSink); ok {
		sink.UpsertTenant(job.TenantQuota{
			ID:          t.ID,
			Weight:      t.Weight,
			InflightCap: t.InflightCap,
			Suspended:   t.Status == tenant.StatusSuspended,
		})
	}
	stored, err := h.tenants.Get(c, req.ID)
	if err != nil {
		h.writeStoreError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, toTenantResponse(stored))
}

// Health GET /v1/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(ctx, consts.StatusInternalServerError, "failed to gather metrics")
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
}
