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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/redis/go-redis/v9"

	"jobq-platform/internal/api/http"
	"jobq-platform/internal/job"
	"jobq-platform/internal/tenant"
	"jobq-platform/pkg/config"
	"jobq-platform/pkg/log"
	"jobq-platform/pkg/secrets"
)

// App API 应用：装配状态存储、HTTP Router/Handler/Auth 与 Dispatcher 监督循环。
// store.type=postgres 时 Dispatcher 通过 advisory lock 选主执行老化与 gauge 刷新，
// Reaper 与 Outbox 自身多副本安全，各 API 副本都运行。
type App struct {
	config      *config.Config
	logger      *log.Logger
	store       job.Store
	tenants     tenant.Store
	dispatcher  *job.Dispatcher
	router      *http.Router
	hertz       *server.Hertz
	redisClient *redis.Client
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(cfg *config.Config) (*App, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	appObj := &App{config: cfg, logger: logger}

	retry := job.RetryPolicy{
		Base:        time.Duration(cfg.Retry.BaseMS) * time.Millisecond,
		Cap:         time.Duration(cfg.Retry.CapMS) * time.Millisecond,
		JitterRatio: cfg.Retry.JitterRatio,
	}

	// 状态存储：Postgres 为唯一事实来源，memory 仅供开发与测试
	var leadership job.Leadership
	switch cfg.Store.Type {
	case "postgres":
		pg, err := job.NewPgStore(context.Background(), cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("初始化 Postgres 存储失败: %w", err)
		}
		if err := pg.EnsureSchema(context.Background()); err != nil {
			pg.Close()
			return nil, fmt.Errorf("初始化 schema 失败: %w", err)
		}
		pg.SetRetryPolicy(retry)
		pg.SetEmitHeartbeat(cfg.Outbox.EmitHeartbeat)
		appObj.store = pg
		appObj.tenants = tenant.NewPgStore(pg.Pool())
		leadership = pg.NewLeadership()
		logger.Info("状态存储使用 PostgreSQL 后端")
	default:
		mem := job.NewMemoryStore()
		mem.SetRetryPolicy(retry)
		mem.SetEmitHeartbeat(cfg.Outbox.EmitHeartbeat)
		appObj.store = mem
		appObj.tenants = tenant.NewMemStore()
		logger.Info("状态存储使用内存后端（仅开发模式）")
	}

	secretsStore, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Config:   cfg.Secrets.Config,
	})
	if err != nil {
		appObj.store.Close()
		return nil, fmt.Errorf("初始化 secrets 失败: %w", err)
	}

	wakeup, err := appObj.buildWakeup()
	if err != nil {
		appObj.store.Close()
		return nil, err
	}

	policy := job.ReapPolicy{CountAsAttempt: cfg.CountExpiryAsAttempt()}
	handler := http.NewHandler(appObj.store, appObj.tenants, wakeup, secretsStore, http.HandlerConfig{
		LeaseDuration:    cfg.LeaseDuration(),
		ExecutionTimeout: cfg.ExecutionTimeout(),
		ReapBatch:        cfg.Reaper.Batch,
		ReapPolicy:       policy,
	}, logger)
	auth := http.NewAuth(http.AuthConfig{
		Enabled:     cfg.AuthEnabled(),
		Skew:        time.Duration(cfg.Auth.SkewSeconds) * time.Second,
		AdminTenant: cfg.Auth.AdminTenant,
	}, secretsStore, logger)
	appObj.router = http.NewRouter(handler, auth)

	reaper := job.NewReaper(appObj.store, cfg.Reaper.Batch, policy, logger)
	publisher := job.NewPublisher(appObj.store, job.LogSink(logger), cfg.Outbox.Batch,
		parseDuration(cfg.Outbox.PublishLease, 30*time.Second), logger)
	appObj.dispatcher = job.NewDispatcher(appObj.store, reaper, publisher, leadership, job.DispatcherConfig{
		ReapInterval: cfg.ReapInterval(),
		Aging: job.AgingConfig{
			Interval:    parseDuration(cfg.Dispatcher.AgingInterval, 0),
			After:       parseDuration(cfg.Dispatcher.AgingAfter, 5*time.Minute),
			MaxPriority: cfg.Dispatcher.AgingMaxPriority,
		},
	}, logger)

	return appObj, nil
}

// buildWakeup 按配置创建唤醒队列；memory 仅在 API 与 Worker 同进程时生效
func (a *App) buildWakeup() (job.WakeupQueue, error) {
	switch a.config.Wakeup.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.config.Wakeup.Addr,
			DB:       a.config.Wakeup.DB,
			Password: a.config.Wakeup.Password,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		a.redisClient = client
		return job.NewWakeupQueueRedis(client, a.config.Wakeup.Key), nil
	default:
		return job.NewWakeupQueueMem(256), nil
	}
}

// Store 返回状态存储；供同进程装配 Worker（开发模式）复用
func (a *App) Store() job.Store { return a.store }

// Tenants 返回租户存储；供 cmd 层做启动期租户预置
func (a *App) Tenants() tenant.Store { return a.tenants }

// Run 启动 Dispatcher 与 HTTP 服务，addr 如 ":8080"；阻塞直到服务退出
func (a *App) Run(addr string) error {
	a.logger.Info("API 服务启动", "addr", addr)

	// Hertz 访问日志走 slog 扩展，与应用日志输出对齐
	output := os.Stdout
	if a.config.Log.File != "" {
		f, err := os.OpenFile(a.config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch a.config.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	a.dispatcher.Start(context.Background())
	a.hertz = a.router.Build(addr)
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
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
