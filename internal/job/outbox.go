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
	"math/rand"
	"time"

	"jobq-platform/pkg/log"
	"jobq-platform/pkg/metrics"
)

// OutboxEvent 状态变更事件；与状态迁移同事务写入，由 Publisher 至少一次投递。
// 同一 AggregateID 的 Sequence 严格递增，投递按 Sequence 保序。
type OutboxEvent struct {
	EventID     int64
	AggregateID string // = job_id
	Sequence    int64
	Kind        EventKind
	Payload     []byte
	VisibleAt   time.Time
	LockedUntil time.Time // 零值表示未锁定
	DeliveredAt time.Time // 零值表示未投递
	Attempts    int
}

// Sink 下游事件出口；Publish 返回错误时事件按退避重试
type Sink interface {
	Publish(ctx context.Context, ev *OutboxEvent) error
}

// SinkFunc 函数适配器
type SinkFunc func(ctx context.Context, ev *OutboxEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev *OutboxEvent) error { return f(ctx, ev) }

// LogSink 将事件写入日志的出口；未接事件总线时的默认实现
func LogSink(logger *log.Logger) Sink {
	return SinkFunc(func(ctx context.Context, ev *OutboxEvent) error {
		logger.Info("outbox event",
			"aggregate_id", ev.AggregateID,
			"sequence", ev.Sequence,
			"kind", string(ev.Kind),
		)
		return nil
	})
}

// Publisher Outbox 投递器：锁批 → 逐条投递 → 成功标记 delivered、失败按退避释放。
// 每个 aggregate 在前一条 delivered 前不会投递下一条，保证分区内有序。
type Publisher struct {
	store        Store
	sink         Sink
	batch        int
	publishLease time.Duration
	backoff      RetryPolicy
	clock        Clock
	rng          *rand.Rand
	logger       *log.Logger
}

// NewPublisher 创建投递器；batch<=0 默认 128，publishLease<=0 默认 30s
func NewPublisher(store Store, sink Sink, batch int, publishLease time.Duration, logger *log.Logger) *Publisher {
	if batch <= 0 {
		batch = 128
	}
	if publishLease <= 0 {
		publishLease = 30 * time.Second
	}
	return &Publisher{
		store:        store,
		sink:         sink,
		batch:        batch,
		publishLease: publishLease,
		backoff:      RetryPolicy{Base: time.Second, Cap: time.Minute, JitterRatio: 0.1},
		clock:        RealClock,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:       logger,
	}
}

// SetClock 注入时钟（测试用）
func (p *Publisher) SetClock(c Clock) { p.clock = c }

// SetBackoff 调整失败退避策略
func (p *Publisher) SetBackoff(policy RetryPolicy) { p.backoff = policy }

// RunOnce 执行一轮投递，返回成功投递条数。锁批每个 aggregate 至多一条（最小未投递
// sequence），单条失败只推迟该 aggregate，其余事件继续投递。
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	events, err := p.store.LockOutboxBatch(ctx, p.batch, p.publishLease)
	if err != nil {
		metrics.LoopErrorTotal.WithLabelValues("outbox").Inc()
		return 0, err
	}
	delivered := 0
	for _, ev := range events {
		if err := p.sink.Publish(ctx, ev); err != nil {
			metrics.OutboxDeliveryFailTotal.Inc()
			visibleAt := p.backoff.NextAvailableAt(p.clock.Now(), ev.Attempts, p.rng)
			if relErr := p.store.ReleaseOutboxEvent(ctx, ev.EventID, visibleAt); relErr != nil {
				p.logger.Error("释放 outbox 事件失败", "event_id", ev.EventID, "error", relErr)
			}
			p.logger.Warn("outbox 投递失败",
				"aggregate_id", ev.AggregateID, "sequence", ev.Sequence,
				"attempts", ev.Attempts, "error", err)
			continue
		}
		if err := p.store.MarkOutboxDelivered(ctx, ev.EventID); err != nil {
			// Sink 已送达但标记失败：事件会被重投，下游按 at-least-once 去重
			metrics.LoopErrorTotal.WithLabelValues("outbox").Inc()
			p.logger.Error("标记 outbox 已投递失败", "event_id", ev.EventID, "error", err)
			continue
		}
		metrics.OutboxDeliveredTotal.Inc()
		delivered++
	}
	return delivered, nil
}
