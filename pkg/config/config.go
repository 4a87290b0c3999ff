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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Wakeup     WakeupConfig     `mapstructure:"wakeup"`
	Log        LogConfig        `mapstructure:"log"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int    `mapstructure:"port"`
	Host    string `mapstructure:"host"`
	Timeout string `mapstructure:"timeout"` // 请求超时，如 "30s"
}

// StoreConfig 状态存储配置；Postgres 为唯一事实来源，memory 仅供开发与测试
type StoreConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"` // 连接池上限，<=0 使用 pgx 默认
}

// LeaseConfig 租约与执行超时配置
type LeaseConfig struct {
	LeaseSeconds            int `mapstructure:"lease_seconds"`             // 默认 30
	HeartbeatSeconds        int `mapstructure:"heartbeat_seconds"`         // 默认 10
	ExecutionTimeoutSeconds int `mapstructure:"execution_timeout_seconds"` // 默认 300
}

// RetryConfig 重试退避配置
type RetryConfig struct {
	BaseMS      int     `mapstructure:"base_ms"`      // 默认 1000
	CapMS       int     `mapstructure:"cap_ms"`       // 默认 300000
	JitterRatio float64 `mapstructure:"jitter_ratio"` // 默认 0.1
}

// ReaperConfig Reaper 配置
type ReaperConfig struct {
	IntervalMS           int   `mapstructure:"interval_ms"`             // 默认 5000
	Batch                int   `mapstructure:"batch"`                   // 每轮最多回收条数，默认 256
	CountExpiryAsAttempt *bool `mapstructure:"count_expiry_as_attempt"` // 租约过期是否计入 attempts；未配置时默认 true
}

// OutboxConfig Outbox 投递配置
type OutboxConfig struct {
	Batch         int    `mapstructure:"batch"`          // 默认 128
	PublishLease  string `mapstructure:"publish_lease"`  // 投递锁时长，如 "30s"
	EmitHeartbeat bool   `mapstructure:"emit_heartbeat"` // Heartbeat 是否产生 outbox 事件，默认 false
}

// DispatcherConfig 调度循环配置
type DispatcherConfig struct {
	ClaimBatch       int    `mapstructure:"claim_batch"`       // 每轮尝试的 Claim 次数（内部派发模式），默认 32
	AgingInterval    string `mapstructure:"aging_interval"`    // 优先级老化周期，如 "60s"；空则关闭
	AgingAfter       string `mapstructure:"aging_after"`       // pending 超过该时长才被提升，如 "300s"
	AgingMaxPriority int    `mapstructure:"aging_max_priority"` // 老化提升的优先级上限，默认 9
}

// WorkerConfig Worker 进程配置（内部派发模式）
type WorkerConfig struct {
	Concurrency  int      `mapstructure:"concurrency"`   // 同时执行的 Job 上限，<=0 默认 2
	PollInterval string   `mapstructure:"poll_interval"` // Claim 轮询间隔，如 "2s"
	Queues       []string `mapstructure:"queues"`        // 仅认领这些队列的 Job；空则不过滤
	TenantScope  []string `mapstructure:"tenant_scope"`  // 仅认领这些租户的 Job；空则全部
}

// AuthConfig 请求签名认证配置
type AuthConfig struct {
	Enabled     *bool  `mapstructure:"enabled"`      // 未配置时默认 true
	SkewSeconds int    `mapstructure:"skew_seconds"` // 时间戳容忍窗口，默认 300
	AdminTenant string `mapstructure:"admin_tenant"` // 允许调用 /v1/admin 的租户
}

// SecretsConfig 租户 API Key 材料来源
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // vault | env | memory
	Config   map[string]string `mapstructure:"config"`
}

// WakeupConfig 唤醒队列配置；多进程部署用 redis，单进程用 memory
type WakeupConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Key      string `mapstructure:"key"` // Redis list key，空则默认 jobq:wakeup
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	applyDefaults(&config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults 填充未配置项的默认值；启动后配置不可变
func applyDefaults(c *Config) {
	if c.API.Port <= 0 {
		c.API.Port = 8080
	}
	if c.Lease.LeaseSeconds <= 0 {
		c.Lease.LeaseSeconds = 30
	}
	if c.Lease.HeartbeatSeconds <= 0 {
		c.Lease.HeartbeatSeconds = 10
	}
	if c.Lease.ExecutionTimeoutSeconds <= 0 {
		c.Lease.ExecutionTimeoutSeconds = 300
	}
	if c.Retry.BaseMS <= 0 {
		c.Retry.BaseMS = 1000
	}
	if c.Retry.CapMS <= 0 {
		c.Retry.CapMS = 300000
	}
	if c.Retry.JitterRatio <= 0 {
		c.Retry.JitterRatio = 0.1
	}
	if c.Reaper.IntervalMS <= 0 {
		c.Reaper.IntervalMS = 5000
	}
	if c.Reaper.Batch <= 0 {
		c.Reaper.Batch = 256
	}
	if c.Outbox.Batch <= 0 {
		c.Outbox.Batch = 128
	}
	if c.Outbox.PublishLease == "" {
		c.Outbox.PublishLease = "30s"
	}
	if c.Dispatcher.ClaimBatch <= 0 {
		c.Dispatcher.ClaimBatch = 32
	}
	if c.Dispatcher.AgingMaxPriority <= 0 {
		c.Dispatcher.AgingMaxPriority = 9
	}
	if c.Auth.SkewSeconds <= 0 {
		c.Auth.SkewSeconds = 300
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Wakeup.Type == "" {
		c.Wakeup.Type = "memory"
	}
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "env"
	}
}

// Validate 启动期校验；失败应以退出码 1 终止进程
func (c *Config) Validate() error {
	if c.Store.Type != "memory" && c.Store.Type != "postgres" {
		return fmt.Errorf("未知的 store.type: %q", c.Store.Type)
	}
	if c.Store.Type == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.type=postgres 需要配置 store.dsn")
	}
	if c.Wakeup.Type != "memory" && c.Wakeup.Type != "redis" {
		return fmt.Errorf("未知的 wakeup.type: %q", c.Wakeup.Type)
	}
	if c.Wakeup.Type == "redis" && c.Wakeup.Addr == "" {
		return fmt.Errorf("wakeup.type=redis 需要配置 wakeup.addr")
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio > 1 {
		return fmt.Errorf("retry.jitter_ratio 应在 [0,1] 内: %v", c.Retry.JitterRatio)
	}
	for _, d := range []struct {
		name, val string
	}{
		{"api.timeout", c.API.Timeout},
		{"outbox.publish_lease", c.Outbox.PublishLease},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"dispatcher.aging_interval", c.Dispatcher.AgingInterval},
		{"dispatcher.aging_after", c.Dispatcher.AgingAfter},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s 不是合法的时长: %w", d.name, err)
		}
	}
	return nil
}

// LeaseDuration 租约时长
func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.Lease.LeaseSeconds) * time.Second
}

// ExecutionTimeout 执行超时
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Lease.ExecutionTimeoutSeconds) * time.Second
}

// ReapInterval Reaper 周期
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Reaper.IntervalMS) * time.Millisecond
}

// CountExpiryAsAttempt 租约过期是否计入 attempts（默认 true）
func (c *Config) CountExpiryAsAttempt() bool {
	if c.Reaper.CountExpiryAsAttempt == nil {
		return true
	}
	return *c.Reaper.CountExpiryAsAttempt
}

// AuthEnabled 是否启用请求签名认证（默认 true）
func (c *Config) AuthEnabled() bool {
	if c.Auth.Enabled == nil {
		return true
	}
	return *c.Auth.Enabled
}

// LoadAPIConfig 加载 API 配置（仅 configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

// LoadWorkerConfig 加载 Worker 配置（仅 configs/worker.yaml）
func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
