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
	"math/rand"
	"sync"
	"testing"
	"time"
)

// fakeClock 可推进的测试时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(clock *fakeClock) *MemoryStore {
	s := NewMemoryStore()
	s.SetClock(clock)
	s.SetRNG(rand.New(rand.NewSource(1)))
	s.SetRetryPolicy(RetryPolicy{Base: time.Second, Cap: 5 * time.Minute})
	return s
}

// 场景：提交、认领、心跳、完成的完整生命周期
func TestMemoryStoreLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	created, isNew, err := s.CreateJob(ctx, NewJob{
		TenantID: "acme",
		Queue:    "emails",
		Payload:  []byte(`{"to":"a@example.com"}`),
	})
	if err != nil || !isNew {
		t.Fatalf("CreateJob: %v isNew=%v", err, isNew)
	}

	leased, err := s.Claim(ctx, ClaimRequest{
		WorkerID:         "w-1",
		LeaseDuration:    30 * time.Second,
		ExecutionTimeout: 5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if leased.ID != created.ID || leased.State != StateLeased {
		t.Fatalf("认领结果异常: %+v", leased)
	}
	wantExpiry := clock.Now().Add(30 * time.Second)
	if !leased.LeaseExpiresAt.Equal(wantExpiry) {
		t.Fatalf("租约到期时间错误: %v", leased.LeaseExpiresAt)
	}

	clock.Advance(10 * time.Second)
	expires, err := s.Heartbeat(ctx, leased.ID, leased.LeaseToken, 30*time.Second)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !expires.Equal(clock.Now().Add(30 * time.Second)) {
		t.Fatalf("心跳未延长租约: %v", expires)
	}

	comp, replay, err := s.Complete(ctx, CompleteRequest{
		JobID:          leased.ID,
		LeaseToken:     leased.LeaseToken,
		IdempotencyKey: leased.LeaseToken,
		Result:         []byte(`{"ok":true}`),
	})
	if err != nil || replay {
		t.Fatalf("Complete: %v replay=%v", err, replay)
	}
	if comp.JobID != leased.ID {
		t.Fatalf("completion 不匹配: %+v", comp)
	}

	got, _ := s.GetJob(ctx, leased.ID)
	if got.State != StateSucceeded || string(got.Result) != `{"ok":true}` {
		t.Fatalf("终态异常: %+v", got)
	}

	events, _ := s.ListOutbox(ctx, leased.ID)
	want := []EventKind{EventCreated, EventLeased, EventSucceeded}
	if len(events) != len(want) {
		t.Fatalf("事件数量不符: %d", len(events))
	}
	for i, ev := range events {
		if ev.Kind != want[i] || ev.Sequence != int64(i+1) {
			t.Fatalf("事件 %d 异常: %+v", i, ev)
		}
	}
}

// 场景：同一幂等键重复提交返回原 Job，载荷不同则冲突
func TestMemoryStoreIdempotentSubmit(t *testing.T) {
	s := newTestStore(newFakeClock())
	ctx := context.Background()

	req := NewJob{TenantID: "acme", Queue: "q", Payload: []byte("a"), IdempotencyKey: "k1"}
	first, isNew, err := s.CreateJob(ctx, req)
	if err != nil || !isNew {
		t.Fatalf("首次创建: %v", err)
	}
	second, isNew, err := s.CreateJob(ctx, req)
	if err != nil || isNew || second.ID != first.ID {
		t.Fatalf("重复提交应返回原 Job: %v isNew=%v", err, isNew)
	}

	req.Payload = []byte("b")
	if _, _, err := s.CreateJob(ctx, req); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("期望 ErrIdempotencyConflict，得到 %v", err)
	}
	req.Payload = []byte("a")

	// 调度参数不同同样是冲突
	for _, diverge := range []NewJob{
		func(r NewJob) NewJob { r.Priority = 5; return r }(req),
		func(r NewJob) NewJob { r.MaxAttempts = 9; return r }(req),
		func(r NewJob) NewJob { r.RunAfter = s.clock.Now().Add(time.Hour); return r }(req),
	} {
		if _, _, err := s.CreateJob(ctx, diverge); !errors.Is(err, ErrIdempotencyConflict) {
			t.Fatalf("参数不同应冲突 (%+v): %v", diverge, err)
		}
	}
	// 冲突探测不改变原 Job，同参重复提交仍命中
	if again, isNew, err := s.CreateJob(ctx, req); err != nil || isNew || again.ID != first.ID {
		t.Fatalf("同参重复提交: %v isNew=%v", err, isNew)
	}

	// 不同租户同键互不干扰
	req.TenantID = "other"
	if _, isNew, err := s.CreateJob(ctx, req); err != nil || !isNew {
		t.Fatalf("跨租户同键应新建: %v", err)
	}
}

// 场景：过期 lease token 的迟到汇报被拒绝
func TestMemoryStoreStaleLeaseRejected(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	_, _, _ = s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q"})
	first, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: 10 * time.Second})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// 租约过期、被回收并被另一个 worker 认领
	clock.Advance(time.Minute)
	if _, err := s.ReapExpired(ctx, 10, ReapPolicy{CountAsAttempt: false}); err != nil {
		t.Fatalf("ReapExpired: %v", err)
	}
	clock.Advance(time.Hour)
	second, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-2", LeaseDuration: 10 * time.Second})
	if err != nil {
		t.Fatalf("二次认领: %v", err)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Fatal("新租约应换 token")
	}

	// 旧 worker 带旧 token 回来，所有操作都应失败
	if _, err := s.Heartbeat(ctx, first.ID, first.LeaseToken, 10*time.Second); !errors.Is(err, ErrLeaseInvalid) {
		t.Fatalf("旧 token 心跳: %v", err)
	}
	if _, _, err := s.Complete(ctx, CompleteRequest{JobID: first.ID, LeaseToken: first.LeaseToken, IdempotencyKey: first.LeaseToken}); !errors.Is(err, ErrLeaseInvalid) {
		t.Fatalf("旧 token 完成: %v", err)
	}
	if _, err := s.Fail(ctx, FailRequest{JobID: first.ID, LeaseToken: first.LeaseToken, Error: "late", Retryable: true}); !errors.Is(err, ErrLeaseInvalid) {
		t.Fatalf("旧 token 失败: %v", err)
	}

	// 持新租约的 worker 正常完成
	if _, _, err := s.Complete(ctx, CompleteRequest{JobID: second.ID, LeaseToken: second.LeaseToken, IdempotencyKey: second.LeaseToken}); err != nil {
		t.Fatalf("新 token 完成: %v", err)
	}
}

// 场景：重试退避直至 DLQ，再人工 redrive
func TestMemoryStoreRetryBackoffToDLQ(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	created, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", MaxAttempts: 3})

	for attempt := 1; attempt <= 3; attempt++ {
		leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: 30 * time.Second})
		if err != nil {
			t.Fatalf("第 %d 次认领: %v", attempt, err)
		}
		failed, err := s.Fail(ctx, FailRequest{JobID: leased.ID, LeaseToken: leased.LeaseToken, Error: "boom", Retryable: true})
		if err != nil {
			t.Fatalf("第 %d 次失败: %v", attempt, err)
		}
		if attempt < 3 {
			if failed.State != StatePending {
				t.Fatalf("第 %d 次失败后应重排: %s", attempt, failed.State)
			}
			if !failed.AvailableAt.After(clock.Now()) {
				t.Fatalf("重排应带退避延迟: %v", failed.AvailableAt)
			}
			// 退避期内不可认领
			if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: 30 * time.Second}); !errors.Is(err, ErrNoJob) {
				t.Fatalf("退避期内不应可认领: %v", err)
			}
			clock.Advance(failed.AvailableAt.Sub(clock.Now()) + time.Millisecond)
		} else if failed.State != StateDLQ {
			t.Fatalf("第 3 次失败应进 DLQ: %s", failed.State)
		}
	}

	// 事件尾部：恰好 MaxAttempts-1 条 failed_retry，随后单条 dlq
	events, _ := s.ListOutbox(ctx, created.ID)
	wantKinds := []EventKind{
		EventCreated,
		EventLeased, EventFailedRetry,
		EventLeased, EventFailedRetry,
		EventLeased, EventDLQ,
	}
	if len(events) != len(wantKinds) {
		t.Fatalf("事件数量不符: %d, want %d", len(events), len(wantKinds))
	}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] || ev.Sequence != int64(i+1) {
			t.Fatalf("事件 %d 异常: %+v, want %s", i, ev, wantKinds[i])
		}
	}

	// 不可重试错误直接进 DLQ
	perm, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", MaxAttempts: 5})
	leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: 30 * time.Second})
	if err != nil || leased.ID != perm.ID {
		t.Fatalf("认领: %v", err)
	}
	failed, err := s.Fail(ctx, FailRequest{JobID: leased.ID, LeaseToken: leased.LeaseToken, Error: "bad payload", Retryable: false})
	if err != nil || failed.State != StateDLQ {
		t.Fatalf("不可重试应直接 DLQ: %v %s", err, failed.State)
	}

	redriven, err := s.Redrive(ctx, created.ID)
	if err != nil {
		t.Fatalf("Redrive: %v", err)
	}
	if redriven.State != StatePending || redriven.Attempts != 0 {
		t.Fatalf("redrive 异常: %+v", redriven)
	}
	// pending 状态 redrive 非法
	if _, err := s.Redrive(ctx, created.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("非 DLQ redrive 应拒绝: %v", err)
	}
}

// 场景：一次可重试失败后重试成功，事件序完整记录整个历程
func TestMemoryStoreRetryThenSucceedEvents(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	created, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", MaxAttempts: 3})

	leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: 30 * time.Second})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	failed, err := s.Fail(ctx, FailRequest{JobID: leased.ID, LeaseToken: leased.LeaseToken, Error: "boom", Retryable: true})
	if err != nil || failed.State != StatePending {
		t.Fatalf("Fail: %v state=%s", err, failed.State)
	}

	clock.Advance(failed.AvailableAt.Sub(clock.Now()) + time.Millisecond)
	leased, err = s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: 30 * time.Second})
	if err != nil {
		t.Fatalf("二次认领: %v", err)
	}
	if _, _, err := s.Complete(ctx, CompleteRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken, IdempotencyKey: leased.LeaseToken,
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	events, _ := s.ListOutbox(ctx, created.ID)
	want := []EventKind{EventCreated, EventLeased, EventFailedRetry, EventLeased, EventSucceeded}
	if len(events) != len(want) {
		t.Fatalf("事件数量不符: %d, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Kind != want[i] || ev.Sequence != int64(i+1) {
			t.Fatalf("事件 %d 异常: %+v, want %s", i, ev, want[i])
		}
	}
}

// 场景：取消；pending/leased 可取消，终态不可取消，重复取消幂等
func TestMemoryStoreCancel(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	j, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q"})

	// 跨租户不可见
	if _, err := s.Cancel(ctx, "mallory", j.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("跨租户取消应 NotFound: %v", err)
	}

	canceled, err := s.Cancel(ctx, "acme", j.ID)
	if err != nil || canceled.State != StateCanceled {
		t.Fatalf("取消: %v %+v", err, canceled)
	}
	// 幂等
	if again, err := s.Cancel(ctx, "acme", j.ID); err != nil || again.State != StateCanceled {
		t.Fatalf("重复取消: %v", err)
	}
	// 已取消不可认领
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Second}); !errors.Is(err, ErrNoJob) {
		t.Fatalf("取消后不应可认领: %v", err)
	}

	// succeeded 后取消非法
	done, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q"})
	leased, _ := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute})
	if _, _, err := s.Complete(ctx, CompleteRequest{JobID: leased.ID, LeaseToken: leased.LeaseToken, IdempotencyKey: leased.LeaseToken}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := s.Cancel(ctx, "acme", done.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("终态取消应拒绝: %v", err)
	}
}

// 场景：执行截止后心跳被拒，Reaper 按配置处置
func TestMemoryStoreExecutionDeadline(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	_, _, _ = s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", MaxAttempts: 1})
	leased, err := s.Claim(ctx, ClaimRequest{
		WorkerID:         "w-1",
		LeaseDuration:    30 * time.Second,
		ExecutionTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// 续约不能越过 deadline
	clock.Advance(45 * time.Second)
	expires, err := s.Heartbeat(ctx, leased.ID, leased.LeaseToken, 30*time.Second)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !expires.Equal(leased.ExecutionDeadline) {
		t.Fatalf("续约应截断到 deadline: %v vs %v", expires, leased.ExecutionDeadline)
	}

	clock.Advance(30 * time.Second)
	if _, err := s.Heartbeat(ctx, leased.ID, leased.LeaseToken, 30*time.Second); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("越过 deadline 应拒绝: %v", err)
	}

	// MaxAttempts=1 且计入 attempts：回收即 DLQ
	n, err := s.ReapExpired(ctx, 10, ReapPolicy{CountAsAttempt: true})
	if err != nil || n != 1 {
		t.Fatalf("ReapExpired: %v n=%d", err, n)
	}
	got, _ := s.GetJob(ctx, leased.ID)
	if got.State != StateDLQ {
		t.Fatalf("期望 DLQ: %s", got.State)
	}
}

// 场景：不计 attempts 的回收只退避重排
func TestMemoryStoreReapWithoutAttempt(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	_, _, _ = s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", MaxAttempts: 1})
	leased, _ := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Second})
	clock.Advance(time.Minute)

	n, err := s.ReapExpired(ctx, 10, ReapPolicy{CountAsAttempt: false})
	if err != nil || n != 1 {
		t.Fatalf("ReapExpired: %v n=%d", err, n)
	}
	got, _ := s.GetJob(ctx, leased.ID)
	if got.State != StatePending || got.Attempts != 0 {
		t.Fatalf("不计 attempts 回收应仅重排: %+v", got)
	}
}

// 场景：优先级与提交顺序；高优先级先出，同优先级 FIFO
func TestMemoryStoreClaimOrdering(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	low, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", Priority: 1})
	clock.Advance(time.Second)
	high, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", Priority: 5})
	clock.Advance(time.Second)
	low2, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", Priority: 1})

	var order []string
	for i := 0; i < 3; i++ {
		leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute})
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		order = append(order, leased.ID)
	}
	want := []string{high.ID, low.ID, low2.ID}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("认领顺序错误: %v", order)
		}
	}
}

// 场景：run_after 延迟调度
func TestMemoryStoreRunAfter(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	created, _, err := s.CreateJob(ctx, NewJob{
		TenantID: "acme",
		Queue:    "q",
		RunAfter: clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !created.AvailableAt.Equal(clock.Now().Add(time.Hour)) {
		t.Fatalf("available_at 应为 run_after: %v", created.AvailableAt)
	}
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute}); !errors.Is(err, ErrNoJob) {
		t.Fatalf("到点前不应可认领: %v", err)
	}
	clock.Advance(time.Hour + time.Second)
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute}); err != nil {
		t.Fatalf("到点后应可认领: %v", err)
	}
}

// 场景：加权公平与 inflight 上限
func TestMemoryStoreTenantFairness(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	s.UpsertTenant(TenantQuota{ID: "gold", Weight: 3})
	s.UpsertTenant(TenantQuota{ID: "bronze", Weight: 1})
	for i := 0; i < 2000; i++ {
		s.CreateJob(ctx, NewJob{TenantID: "gold", Queue: "q"})
		s.CreateJob(ctx, NewJob{TenantID: "bronze", Queue: "q"})
	}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute})
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		counts[leased.TenantID]++
		// 立刻完成，避免 inflight 影响候选集
		if _, _, err := s.Complete(ctx, CompleteRequest{JobID: leased.ID, LeaseToken: leased.LeaseToken, IdempotencyKey: leased.LeaseToken}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	ratio := float64(counts["gold"]) / float64(counts["bronze"])
	if ratio < 2.4 || ratio > 3.6 {
		t.Fatalf("3:1 权重偏差过大: gold=%d bronze=%d", counts["gold"], counts["bronze"])
	}
}

func TestMemoryStoreInflightCap(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	s.UpsertTenant(TenantQuota{ID: "capped", Weight: 1, InflightCap: 2})
	for i := 0; i < 5; i++ {
		s.CreateJob(ctx, NewJob{TenantID: "capped", Queue: "q"})
	}

	var tokens []*Job
	for i := 0; i < 2; i++ {
		leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute})
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		tokens = append(tokens, leased)
	}
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute}); !errors.Is(err, ErrNoJob) {
		t.Fatalf("达到上限应 ErrNoJob: %v", err)
	}

	// 释放一个后恢复
	if _, _, err := s.Complete(ctx, CompleteRequest{JobID: tokens[0].ID, LeaseToken: tokens[0].LeaseToken, IdempotencyKey: tokens[0].LeaseToken}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute}); err != nil {
		t.Fatalf("释放后应可认领: %v", err)
	}
}

// 场景：停用租户的任务不参与认领，恢复后可认领
func TestMemoryStoreSuspendedTenantNotClaimable(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	s.UpsertTenant(TenantQuota{ID: "frozen", Weight: 1, Suspended: true})
	if _, _, err := s.CreateJob(ctx, NewJob{TenantID: "frozen", Queue: "q"}); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute}); !errors.Is(err, ErrNoJob) {
		t.Fatalf("停用租户不应可认领: %v", err)
	}

	// 其他活跃租户不受影响
	s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q"})
	leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute})
	if err != nil || leased.TenantID != "acme" {
		t.Fatalf("活跃租户认领: %v %+v", err, leased)
	}

	// 恢复后可认领
	s.UpsertTenant(TenantQuota{ID: "frozen", Weight: 1})
	leased, err = s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute})
	if err != nil || leased.TenantID != "frozen" {
		t.Fatalf("恢复后认领: %v %+v", err, leased)
	}
}

// 场景：并发认领互斥，一个任务只发一个租约
func TestMemoryStoreConcurrentClaim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		if _, _, err := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q"}); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	const pollers = 50
	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for p := 0; p < pollers; p++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				leased, err := s.Claim(ctx, ClaimRequest{WorkerID: "w", LeaseDuration: time.Minute})
				if errors.Is(err, ErrNoJob) {
					return
				}
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				mu.Lock()
				if prev, dup := claimed[leased.ID]; dup {
					t.Errorf("任务 %s 被重复认领 (token %s 与 %s)", leased.ID, prev, leased.LeaseToken)
				}
				claimed[leased.ID] = leased.LeaseToken
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	if len(claimed) != jobs {
		t.Fatalf("应认领全部 %d 个任务，实际 %d", jobs, len(claimed))
	}
}

// 场景：完成重放与幂等键冲突
func TestMemoryStoreCompleteIdempotency(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	_, _, _ = s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q"})
	leased, _ := s.Claim(ctx, ClaimRequest{WorkerID: "w-1", LeaseDuration: time.Minute})

	first, replay, err := s.Complete(ctx, CompleteRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken,
		IdempotencyKey: leased.LeaseToken, Result: []byte("r1"),
	})
	if err != nil || replay {
		t.Fatalf("首次完成: %v", err)
	}

	// 同键重放返回原结果，即使租约已释放
	second, replay, err := s.Complete(ctx, CompleteRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken,
		IdempotencyKey: leased.LeaseToken, Result: []byte("r2"),
	})
	if err != nil || !replay {
		t.Fatalf("重放: %v replay=%v", err, replay)
	}
	if string(second.Result) != string(first.Result) {
		t.Fatalf("重放应返回首次结果: %s", second.Result)
	}

	// 不同键是冲突
	if _, _, err := s.Complete(ctx, CompleteRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken, IdempotencyKey: "other",
	}); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("异键完成应冲突: %v", err)
	}
}

// 场景：优先级老化
func TestMemoryStoreAgePriorities(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	ctx := context.Background()

	old, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", Priority: 0})
	clock.Advance(time.Hour)
	fresh, _, _ := s.CreateJob(ctx, NewJob{TenantID: "acme", Queue: "q", Priority: 0})

	n, err := s.AgePriorities(ctx, 30*time.Minute, 9)
	if err != nil || n != 1 {
		t.Fatalf("AgePriorities: %v n=%d", err, n)
	}
	gotOld, _ := s.GetJob(ctx, old.ID)
	gotFresh, _ := s.GetJob(ctx, fresh.ID)
	if gotOld.Priority != 1 || gotFresh.Priority != 0 {
		t.Fatalf("老化结果错误: old=%d fresh=%d", gotOld.Priority, gotFresh.Priority)
	}

	// 到达上限不再提升
	for i := 0; i < 20; i++ {
		clock.Advance(time.Hour)
		s.AgePriorities(ctx, 30*time.Minute, 9)
	}
	gotOld, _ = s.GetJob(ctx, old.ID)
	if gotOld.Priority != 9 {
		t.Fatalf("应停在上限 9: %d", gotOld.Priority)
	}
}
