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

package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"jobq-platform/internal/job"
	"jobq-platform/pkg/log"
	"jobq-platform/pkg/metrics"
)

// HandlerFunc 队列处理函数；返回的字节作为 Job 结果存储。
// 不可重试的业务失败用 job.Permanent 包装，Runner 据此上报 retryable=false。
type HandlerFunc func(ctx context.Context, j *job.Job) ([]byte, error)

// RunnerConfig Runner 行为参数
type RunnerConfig struct {
	PollInterval     time.Duration // 无 Job 时的轮询间隔，默认 2s
	LeaseDuration    time.Duration // 认领与续约的租约时长，默认 30s
	ExecutionTimeout time.Duration // 首次认领时请求的执行截止
	Concurrency      int           // 同时执行的 Job 上限，<=0 默认 2
	ClaimBurst       int           // 单个轮询周期内的 Claim 次数上限，<=0 默认 32
	Queues           []string      // 仅认领这些队列；空则不过滤
	TenantScope      []string      // 仅认领这些租户；空则全部
}

// Runner Claim 循环执行器：先占并发槽位再 Claim（Backpressure），执行期间后台
// 续约并轮询取消请求；完成用租约令牌作幂等键上报，失败按 job.Permanent 区分去向
type Runner struct {
	workerID        string
	store           job.Store
	run             HandlerFunc
	cfg             RunnerConfig
	heartbeatTicker time.Duration
	limiter         chan struct{}
	wakeup          job.WakeupQueue // 可选；非 nil 时空转用 Receive 替代固定 sleep
	logger          *log.Logger
	stopCh          chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// NewRunner 创建 Runner；run 由外部注入
func NewRunner(workerID string, store job.Store, run HandlerFunc, cfg RunnerConfig, logger *log.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.ClaimBurst <= 0 {
		cfg.ClaimBurst = 32
	}
	heartbeat := cfg.LeaseDuration / 3
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &Runner{
		workerID:        workerID,
		store:           store,
		run:             run,
		cfg:             cfg,
		heartbeatTicker: heartbeat,
		limiter:         make(chan struct{}, cfg.Concurrency),
		logger:          logger,
		stopCh:          make(chan struct{}),
	}
}

// SetWakeupQueue 设置唤醒队列；提交或重排后 NotifyReady 可立即唤醒本 Worker
func (r *Runner) SetWakeupQueue(q job.WakeupQueue) {
	r.wakeup = q
}

// Start 启动 Claim 循环
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		burst := 0
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case r.limiter <- struct{}{}:
				j, err := r.store.Claim(ctx, job.ClaimRequest{
					WorkerID:         r.workerID,
					TenantScope:      r.cfg.TenantScope,
					Queues:           r.cfg.Queues,
					LeaseDuration:    r.cfg.LeaseDuration,
					ExecutionTimeout: r.cfg.ExecutionTimeout,
				})
				if err != nil {
					<-r.limiter
					if !errors.Is(err, job.ErrNoJob) {
						r.logger.Error("Claim 失败", "error", err)
					}
					burst = 0
					if !r.idle(ctx) {
						return
					}
					continue
				}
				r.wg.Add(1)
				go func(claimed *job.Job) {
					defer r.wg.Done()
					defer func() { <-r.limiter }()
					r.execute(ctx, claimed)
				}(j)
				// 单周期 Claim 次数达到上限后让出一个轮询间隔
				if burst++; burst >= r.cfg.ClaimBurst {
					burst = 0
					if !r.idle(ctx) {
						return
					}
				}
			}
		}
	}()
}

// idle 等待下一个轮询周期；有唤醒队列时由 NotifyReady 提前结束等待。
// 返回 false 表示 Runner 正在停止。
func (r *Runner) idle(ctx context.Context) bool {
	if r.wakeup != nil {
		_, _ = r.wakeup.Receive(ctx, r.cfg.PollInterval)
		select {
		case <-r.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	select {
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(r.cfg.PollInterval):
		return true
	}
}

// Stop 停止 Claim 循环并等待执行中的 Job 结束
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

const cancelPollInterval = 500 * time.Millisecond

func (r *Runner) execute(ctx context.Context, j *job.Job) {
	metrics.WorkerBusy.WithLabelValues(r.workerID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(r.workerID).Dec()
	start := time.Now()

	r.logger.Info("开始执行 Job",
		"job_id", j.ID, "tenant_id", j.TenantID, "queue", j.Queue, "attempts", j.Attempts)

	var runCtx context.Context
	var cancel context.CancelFunc
	if j.ExecutionDeadline.IsZero() {
		runCtx, cancel = context.WithCancel(ctx)
	} else {
		runCtx, cancel = context.WithDeadline(ctx, j.ExecutionDeadline)
	}
	defer cancel()

	// 后台续约；租约失效或越过执行截止时中断执行
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(r.heartbeatTicker)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				_, err := r.store.Heartbeat(runCtx, j.ID, j.LeaseToken, r.cfg.LeaseDuration)
				if errors.Is(err, job.ErrLeaseInvalid) || errors.Is(err, job.ErrDeadlineExceeded) {
					r.logger.Warn("租约已失效，中断执行", "job_id", j.ID, "error", err)
					cancel()
					return
				}
				if err != nil {
					r.logger.Warn("Heartbeat 失败", "job_id", j.ID, "error", err)
				}
			}
		}
	}()

	// 轮询取消请求：API Cancel 后中断执行；后续上报会因租约失效被拒绝，这里静默
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				cur, err := r.store.GetJob(ctx, j.ID)
				if err == nil && cur.State == job.StateCanceled {
					cancel()
					return
				}
			}
		}
	}()

	result, err := r.run(runCtx, j)
	canceled := runCtx.Err() != nil
	cancel()
	<-heartbeatDone

	if canceled {
		metrics.JobDurationSeconds.WithLabelValues(j.Queue, "canceled").Observe(time.Since(start).Seconds())
		r.logger.Info("Job 执行被中断", "job_id", j.ID)
		return
	}
	if err != nil {
		retryable := !job.IsPermanent(err)
		failed, failErr := r.store.Fail(ctx, job.FailRequest{
			JobID:      j.ID,
			LeaseToken: j.LeaseToken,
			Error:      err.Error(),
			Retryable:  retryable,
		})
		if failErr != nil {
			if !errors.Is(failErr, job.ErrLeaseInvalid) {
				r.logger.Error("失败上报失败", "job_id", j.ID, "error", failErr)
			}
		} else {
			r.logger.Info("Job 执行失败",
				"job_id", j.ID, "state", failed.State.String(), "attempts", failed.Attempts, "error", err)
		}
		metrics.JobDurationSeconds.WithLabelValues(j.Queue, "failed").Observe(time.Since(start).Seconds())
		return
	}

	// 租约令牌天然每次认领唯一，作完成幂等键可精确识别重放
	_, replay, compErr := r.store.Complete(ctx, job.CompleteRequest{
		JobID:          j.ID,
		LeaseToken:     j.LeaseToken,
		IdempotencyKey: j.LeaseToken,
		Result:         result,
	})
	if compErr != nil {
		if !errors.Is(compErr, job.ErrLeaseInvalid) {
			r.logger.Error("完成上报失败", "job_id", j.ID, "error", compErr)
		}
		metrics.JobDurationSeconds.WithLabelValues(j.Queue, "failed").Observe(time.Since(start).Seconds())
		return
	}
	metrics.JobDurationSeconds.WithLabelValues(j.Queue, "succeeded").Observe(time.Since(start).Seconds())
	r.logger.Info("Job 执行成功", "job_id", j.ID, "replay", replay, "duration", time.Since(start))
}

// DefaultWorkerID 返回默认 Worker 标识（env 或 hostname）
func DefaultWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host != "" {
		return host
	}
	return "worker-unknown"
}
