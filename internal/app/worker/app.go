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

// Package worker Worker 进程装配：Claim 循环、队列处理函数注册与生命周期管理
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobq-platform/internal/job"
	"jobq-platform/pkg/config"
	"jobq-platform/pkg/log"
)

// Registry 队列到处理函数的注册表；未注册队列的 Job 以不可重试失败进入 DLQ
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register 注册队列处理函数；重复注册覆盖
func (r *Registry) Register(queue string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = fn
}

// Dispatch 按队列派发；未注册队列返回 Permanent 错误
func (r *Registry) Dispatch(ctx context.Context, j *job.Job) ([]byte, error) {
	r.mu.RLock()
	fn, ok := r.handlers[j.Queue]
	r.mu.RUnlock()
	if !ok {
		return nil, job.Permanent(fmt.Errorf("no handler registered for queue %q", j.Queue))
	}
	return fn(ctx, j)
}

// App Worker 应用（由 cmd/worker 装配；处理函数经 Registry 注册后 Start）
type App struct {
	config      *config.Config
	logger      *log.Logger
	store       job.Store
	registry    *Registry
	runner      *Runner
	redisClient *redis.Client
	cancel      context.CancelFunc
}

// NewApp 创建 Worker 应用
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	appObj := &App{config: cfg, logger: logger, registry: NewRegistry()}

	// Worker 是数据面：独立进程部署要求 postgres 后端；memory 仅供单进程演示
	switch cfg.Store.Type {
	case "postgres":
		pg, err := job.NewPgStore(context.Background(), cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("初始化 Postgres 存储失败: %w", err)
		}
		appObj.store = pg
	default:
		logger.Warn("Worker 使用内存存储，仅能看到本进程提交的 Job")
		appObj.store = job.NewMemoryStore()
	}

	runnerCfg := RunnerConfig{
		PollInterval:     parseDuration(cfg.Worker.PollInterval, 2*time.Second),
		LeaseDuration:    cfg.LeaseDuration(),
		ExecutionTimeout: cfg.ExecutionTimeout(),
		Concurrency:      cfg.Worker.Concurrency,
		ClaimBurst:       cfg.Dispatcher.ClaimBatch,
		Queues:           cfg.Worker.Queues,
		TenantScope:      cfg.Worker.TenantScope,
	}
	appObj.runner = NewRunner(DefaultWorkerID(), appObj.store, appObj.registry.Dispatch, runnerCfg, logger)

	if cfg.Wakeup.Type == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Wakeup.Addr,
			DB:       cfg.Wakeup.DB,
			Password: cfg.Wakeup.Password,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			appObj.store.Close()
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		appObj.redisClient = client
		appObj.runner.SetWakeupQueue(job.NewWakeupQueueRedis(client, cfg.Wakeup.Key))
	}

	return appObj, nil
}

// Registry 返回处理函数注册表；cmd 层在 Start 前注册各队列的实现
func (a *App) Registry() *Registry { return a.registry }

// Start 启动 Claim 循环
func (a *App) Start() error {
	a.logger.Info("Worker 启动",
		"worker_id", DefaultWorkerID(),
		"concurrency", a.runner.cfg.Concurrency,
		"queues", a.runner.cfg.Queues)
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.runner.Start(ctx)
	return nil
}

// Shutdown 停止 Claim 循环并等待执行中的 Job 结束
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Worker 关闭")
	if a.cancel != nil {
		a.cancel()
	}
	if a.runner != nil {
		a.runner.Stop()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	return nil
}

// parseDuration 解析时长字符串，无效或空时返回 defaultVal
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
