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
	"sync"
	"time"

	"jobq-platform/pkg/log"
	"jobq-platform/pkg/metrics"
)

// Leadership 调度器单主选举；Reaper 与 Outbox 自身是多副本安全的，
// 只有优先级老化与 gauge 刷新需要单主执行
type Leadership interface {
	// TryAcquire 尝试获取领导权；幂等，已持有时返回 true
	TryAcquire(ctx context.Context) (bool, error)
	// Release 释放领导权
	Release(ctx context.Context) error
}

// AlwaysLeader 单进程部署的领导权实现
type AlwaysLeader struct{}

func (AlwaysLeader) TryAcquire(ctx context.Context) (bool, error) { return true, nil }
func (AlwaysLeader) Release(ctx context.Context) error            { return nil }

// AgingConfig 优先级老化配置；Interval 为零表示关闭
type AgingConfig struct {
	Interval    time.Duration // 老化执行周期
	After       time.Duration // pending 超过该时长才被提升
	MaxPriority int           // 提升上限
}

// DispatcherConfig Dispatcher 配置
type DispatcherConfig struct {
	ReapInterval time.Duration // Reaper/Outbox/gauge 的 tick 周期
	Aging        AgingConfig
}

// Dispatcher 监督循环：按周期驱动 Reaper、Outbox Publisher 与 gauge 刷新，
// 领导者额外执行优先级老化。Stop 时不再发起新 tick，在途事务自行完成。
type Dispatcher struct {
	store      Store
	reaper     *Reaper
	publisher  *Publisher
	leadership Leadership
	cfg        DispatcherConfig
	logger     *log.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewDispatcher 创建 Dispatcher；leadership 为 nil 时按单进程处理
func NewDispatcher(store Store, reaper *Reaper, publisher *Publisher, leadership Leadership, cfg DispatcherConfig, logger *log.Logger) *Dispatcher {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if leadership == nil {
		leadership = AlwaysLeader{}
	}
	return &Dispatcher{
		store:      store,
		reaper:     reaper,
		publisher:  publisher,
		leadership: leadership,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start 启动监督循环
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.ReapInterval)
		defer ticker.Stop()
		var lastAging time.Time
		for {
			select {
			case <-d.stopCh:
				_ = d.leadership.Release(context.Background())
				return
			case <-ctx.Done():
				_ = d.leadership.Release(context.Background())
				return
			case <-ticker.C:
				d.tick(ctx, &lastAging)
			}
		}
	}()
}

func (d *Dispatcher) tick(ctx context.Context, lastAging *time.Time) {
	if _, err := d.reaper.RunOnce(ctx); err != nil {
		d.logger.Error("reaper 执行失败", "error", err)
	}
	if _, err := d.publisher.RunOnce(ctx); err != nil {
		d.logger.Error("outbox 投递失败", "error", err)
	}

	leader, err := d.leadership.TryAcquire(ctx)
	if err != nil {
		metrics.LoopErrorTotal.WithLabelValues("dispatcher").Inc()
		d.logger.Warn("领导权获取失败", "error", err)
		return
	}
	if !leader {
		return
	}

	d.refreshGauges(ctx)
	if d.cfg.Aging.Interval > 0 && time.Since(*lastAging) >= d.cfg.Aging.Interval {
		*lastAging = time.Now()
		n, err := d.store.AgePriorities(ctx, d.cfg.Aging.After, d.cfg.Aging.MaxPriority)
		if err != nil {
			metrics.LoopErrorTotal.WithLabelValues("aging").Inc()
			d.logger.Error("优先级老化失败", "error", err)
		} else if n > 0 {
			d.logger.Info("优先级老化", "bumped", n)
		}
	}
}

func (d *Dispatcher) refreshGauges(ctx context.Context) {
	counts, err := d.store.CountByState(ctx)
	if err != nil {
		metrics.LoopErrorTotal.WithLabelValues("dispatcher").Inc()
		return
	}
	for _, st := range []State{StatePending, StateLeased, StateSucceeded, StateDLQ, StateCanceled} {
		metrics.JobStateGauge.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

// Stop 停止循环并等待在途 tick 结束
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}
