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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol"

	"jobq-platform/internal/job"
	"jobq-platform/internal/tenant"
	"jobq-platform/pkg/log"
	"jobq-platform/pkg/secrets"
)

func testLogger() *log.Logger {
	return &log.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type testEnv struct {
	store   *job.MemoryStore
	tenants *tenant.MemStore
	keys    secrets.Store
	hertz   *server.Hertz
}

// buildTestServer 认证关闭（信任 X-Tenant-ID），admin 租户为 "ops"
func buildTestServer(t *testing.T) *testEnv {
	t.Helper()
	store := job.NewMemoryStore()
	tenants := tenant.NewMemStore()
	keys := secrets.NewMemoryStore()
	handler := NewHandler(store, tenants, nil, keys, HandlerConfig{
		LeaseDuration:    30 * time.Second,
		ExecutionTimeout: 5 * time.Minute,
		ReapPolicy:       job.ReapPolicy{CountAsAttempt: true},
	}, testLogger())
	auth := NewAuth(AuthConfig{Enabled: false, AdminTenant: "ops"}, keys, testLogger())
	r := NewRouter(handler, auth)
	return &testEnv{store: store, tenants: tenants, keys: keys, hertz: r.Build(":0")}
}

func doJSON(env *testEnv, method, path, tenantID string, payload interface{}) *protocol.Response {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	var headers []ut.Header
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	if tenantID != "" {
		headers = append(headers, ut.Header{Key: HeaderTenantID, Value: tenantID})
	}
	w := ut.PerformRequest(env.hertz.Engine, method, path,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
	return w.Result()
}

func TestSubmitAndGetJob(t *testing.T) {
	env := buildTestServer(t)

	resp := doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{
		Queue:   "emails",
		Payload: json.RawMessage(`{"to":"a@example.com"}`),
	})
	if resp.StatusCode() != 201 {
		t.Fatalf("提交状态码: %d %s", resp.StatusCode(), resp.Body())
	}
	var created JobResponse
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		t.Fatalf("解析响应: %v", err)
	}
	if created.State != "pending" || created.TenantID != "acme" || created.LeaseToken != "" {
		t.Fatalf("提交响应异常: %+v", created)
	}

	resp = doJSON(env, "GET", "/v1/jobs/"+created.ID, "acme", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("查询状态码: %d", resp.StatusCode())
	}

	// 其他租户不可见
	resp = doJSON(env, "GET", "/v1/jobs/"+created.ID, "other", nil)
	if resp.StatusCode() != 404 {
		t.Fatalf("跨租户查询应 404: %d", resp.StatusCode())
	}

	// 缺租户头拒绝
	resp = doJSON(env, "POST", "/v1/jobs", "", SubmitJobRequest{Queue: "q"})
	if resp.StatusCode() != 401 {
		t.Fatalf("缺租户头应 401: %d", resp.StatusCode())
	}
}

func TestSubmitIdempotencyStatus(t *testing.T) {
	env := buildTestServer(t)

	req := SubmitJobRequest{Queue: "q", Payload: json.RawMessage(`{"n":1}`), IdempotencyKey: "k1"}
	if resp := doJSON(env, "POST", "/v1/jobs", "acme", req); resp.StatusCode() != 201 {
		t.Fatalf("首次提交: %d", resp.StatusCode())
	}
	if resp := doJSON(env, "POST", "/v1/jobs", "acme", req); resp.StatusCode() != 200 {
		t.Fatalf("重复提交应 200: %d", resp.StatusCode())
	}
	req.Payload = json.RawMessage(`{"n":2}`)
	if resp := doJSON(env, "POST", "/v1/jobs", "acme", req); resp.StatusCode() != 409 {
		t.Fatalf("同键异载荷应 409: %d", resp.StatusCode())
	}
}

func TestSubmitPendingCap(t *testing.T) {
	env := buildTestServer(t)
	_ = env.tenants.Upsert(context.Background(), &tenant.Tenant{ID: "acme", MaxPending: 1})

	if resp := doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"}); resp.StatusCode() != 201 {
		t.Fatalf("首个提交: %d", resp.StatusCode())
	}
	if resp := doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"}); resp.StatusCode() != 429 {
		t.Fatalf("超过积压上限应 429: %d", resp.StatusCode())
	}
}

func TestWorkerProtocol(t *testing.T) {
	env := buildTestServer(t)

	if resp := doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"}); resp.StatusCode() != 201 {
		t.Fatalf("提交: %d", resp.StatusCode())
	}

	resp := doJSON(env, "POST", "/v1/workers/lease", "worker", LeaseRequest{WorkerID: "w-1"})
	if resp.StatusCode() != 200 {
		t.Fatalf("lease: %d %s", resp.StatusCode(), resp.Body())
	}
	var leased JobResponse
	_ = json.Unmarshal(resp.Body(), &leased)
	if leased.LeaseToken == "" || leased.State != "leased" {
		t.Fatalf("lease 响应应含 token: %+v", leased)
	}

	// 队列空时 204
	resp = doJSON(env, "POST", "/v1/workers/lease", "worker", LeaseRequest{WorkerID: "w-2"})
	if resp.StatusCode() != 204 {
		t.Fatalf("空队列应 204: %d", resp.StatusCode())
	}

	resp = doJSON(env, "POST", "/v1/workers/heartbeat", "worker", HeartbeatRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken,
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("heartbeat: %d %s", resp.StatusCode(), resp.Body())
	}

	// 伪 token 410
	resp = doJSON(env, "POST", "/v1/workers/heartbeat", "worker", HeartbeatRequest{
		JobID: leased.ID, LeaseToken: "lease-bogus",
	})
	if resp.StatusCode() != 410 {
		t.Fatalf("伪 token 应 410: %d", resp.StatusCode())
	}

	resp = doJSON(env, "POST", "/v1/workers/complete", "worker", CompleteRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken,
		IdempotencyKey: leased.LeaseToken, Result: json.RawMessage(`{"ok":true}`),
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("complete: %d %s", resp.StatusCode(), resp.Body())
	}
	var comp CompleteResponse
	_ = json.Unmarshal(resp.Body(), &comp)
	if comp.Replay {
		t.Fatal("首次完成不应重放")
	}

	// 同键重试 → replay=true
	resp = doJSON(env, "POST", "/v1/workers/complete", "worker", CompleteRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken,
		IdempotencyKey: leased.LeaseToken, Result: json.RawMessage(`{"ok":true}`),
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("complete 重试: %d", resp.StatusCode())
	}
	_ = json.Unmarshal(resp.Body(), &comp)
	if !comp.Replay {
		t.Fatal("同键重试应命中重放")
	}

	// 缺 idempotency_key 400
	resp = doJSON(env, "POST", "/v1/workers/complete", "worker", CompleteRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken,
	})
	if resp.StatusCode() != 400 {
		t.Fatalf("缺幂等键应 400: %d", resp.StatusCode())
	}
}

func TestFailAndAdminRedrive(t *testing.T) {
	env := buildTestServer(t)

	if resp := doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q", MaxAttempts: 1}); resp.StatusCode() != 201 {
		t.Fatalf("提交: %d", resp.StatusCode())
	}
	resp := doJSON(env, "POST", "/v1/workers/lease", "worker", LeaseRequest{WorkerID: "w-1"})
	var leased JobResponse
	_ = json.Unmarshal(resp.Body(), &leased)

	resp = doJSON(env, "POST", "/v1/workers/fail", "worker", FailRequest{
		JobID: leased.ID, LeaseToken: leased.LeaseToken, Error: "boom", Retryable: true,
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("fail: %d %s", resp.StatusCode(), resp.Body())
	}
	var failed JobResponse
	_ = json.Unmarshal(resp.Body(), &failed)
	if failed.State != "dlq" {
		t.Fatalf("MaxAttempts=1 失败应 DLQ: %+v", failed)
	}

	// 非管理租户 403
	resp = doJSON(env, "POST", "/v1/admin/redrive", "acme", RedriveRequest{JobID: leased.ID})
	if resp.StatusCode() != 403 {
		t.Fatalf("非管理租户应 403: %d", resp.StatusCode())
	}

	resp = doJSON(env, "POST", "/v1/admin/redrive", "ops", RedriveRequest{JobID: leased.ID})
	if resp.StatusCode() != 200 {
		t.Fatalf("redrive: %d %s", resp.StatusCode(), resp.Body())
	}
	var redriven JobResponse
	_ = json.Unmarshal(resp.Body(), &redriven)
	if redriven.State != "pending" || redriven.Attempts != 0 {
		t.Fatalf("redrive 响应异常: %+v", redriven)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := buildTestServer(t)

	resp := doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"})
	var created JobResponse
	_ = json.Unmarshal(resp.Body(), &created)

	resp = doJSON(env, "POST", "/v1/jobs/"+created.ID+"/cancel", "acme", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("cancel: %d %s", resp.StatusCode(), resp.Body())
	}
	var canceled JobResponse
	_ = json.Unmarshal(resp.Body(), &canceled)
	if canceled.State != "canceled" {
		t.Fatalf("应 canceled: %+v", canceled)
	}

	// 已取消再取消仍 200（幂等）
	if resp := doJSON(env, "POST", "/v1/jobs/"+created.ID+"/cancel", "acme", nil); resp.StatusCode() != 200 {
		t.Fatalf("重复取消: %d", resp.StatusCode())
	}
}

func TestAdminReap(t *testing.T) {
	env := buildTestServer(t)

	if resp := doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"}); resp.StatusCode() != 201 {
		t.Fatalf("提交: %d", resp.StatusCode())
	}
	// 立刻过期的租约
	resp := doJSON(env, "POST", "/v1/workers/lease", "worker", LeaseRequest{WorkerID: "w-1", LeaseSeconds: 1})
	if resp.StatusCode() != 200 {
		t.Fatalf("lease: %d", resp.StatusCode())
	}
	time.Sleep(1100 * time.Millisecond)

	resp = doJSON(env, "POST", "/v1/admin/reap", "ops", ReapRequest{})
	if resp.StatusCode() != 200 {
		t.Fatalf("reap: %d %s", resp.StatusCode(), resp.Body())
	}
	var reap ReapResponse
	_ = json.Unmarshal(resp.Body(), &reap)
	if reap.Reaped != 1 {
		t.Fatalf("应回收 1: %+v", reap)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := buildTestServer(t)

	resp := doJSON(env, "GET", "/v1/health", "", nil)
	if resp.StatusCode() != 200 || !bytes.Contains(resp.Body(), []byte("ok")) {
		t.Fatalf("health: %d %s", resp.StatusCode(), resp.Body())
	}

	// 产生一条指标后拉取 /metrics
	doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"})
	resp = doJSON(env, "GET", "/metrics", "", nil)
	if resp.StatusCode() != 200 {
		t.Fatalf("metrics: %d", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("jobq_jobs_submitted_total")) {
		t.Fatalf("指标缺失: %s", resp.Body())
	}
}

func TestAdminUpsertTenant(t *testing.T) {
	env := buildTestServer(t)

	// 非管理租户拒绝
	resp := doJSON(env, "PUT", "/v1/admin/tenants", "acme", UpsertTenantRequest{ID: "acme"})
	if resp.StatusCode() != 403 {
		t.Fatalf("非管理租户应 403: %d", resp.StatusCode())
	}

	resp = doJSON(env, "PUT", "/v1/admin/tenants", "ops", UpsertTenantRequest{
		ID: "acme", Weight: 3, InflightCap: 2, MaxPending: 1,
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("注册租户状态码: %d %s", resp.StatusCode(), resp.Body())
	}
	var tr TenantResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		t.Fatalf("解析响应: %v", err)
	}
	if tr.Weight != 3 || tr.Status != tenant.StatusActive {
		t.Fatalf("租户响应异常: %+v", tr)
	}

	// max_pending=1：第二次提交 429
	resp = doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"})
	if resp.StatusCode() != 201 {
		t.Fatalf("首次提交: %d", resp.StatusCode())
	}
	resp = doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"})
	if resp.StatusCode() != 429 {
		t.Fatalf("超出 pending 配额应 429: %d", resp.StatusCode())
	}

	// 停用后提交 403
	resp = doJSON(env, "PUT", "/v1/admin/tenants", "ops", UpsertTenantRequest{
		ID: "acme", Weight: 3, Status: tenant.StatusSuspended,
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("停用租户状态码: %d", resp.StatusCode())
	}
	resp = doJSON(env, "POST", "/v1/jobs", "acme", SubmitJobRequest{Queue: "q"})
	if resp.StatusCode() != 403 {
		t.Fatalf("停用租户提交应 403: %d", resp.StatusCode())
	}

	// 非法 status 拒绝
	resp = doJSON(env, "PUT", "/v1/admin/tenants", "ops", UpsertTenantRequest{ID: "x", Status: "gone"})
	if resp.StatusCode() != 400 {
		t.Fatalf("非法 status 应 400: %d", resp.StatusCode())
	}
}

func TestAdminUpsertTenantAPIKey(t *testing.T) {
	env := buildTestServer(t)
	ctx := context.Background()

	resp := doJSON(env, "PUT", "/v1/admin/tenants", "ops", UpsertTenantRequest{
		ID: "acme", Weight: 1, APIKey: "key-v1",
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("换发密钥注册: %d %s", resp.StatusCode(), resp.Body())
	}

	// 密钥写入 secrets 后端，供 HMAC 中间件按逻辑名查出
	got, err := env.keys.Get(ctx, secrets.TenantAPIKeyName("acme"))
	if err != nil || got != "key-v1" {
		t.Fatalf("secrets 中的密钥 = %q, %v", got, err)
	}
	stored, err := env.tenants.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("读取租户: %v", err)
	}
	if stored.APIKeyHash != tenant.HashAPIKey("key-v1") {
		t.Fatalf("api_key_hash 未记录: %q", stored.APIKeyHash)
	}

	// 不带密钥的配额更新保留原密钥与哈希
	resp = doJSON(env, "PUT", "/v1/admin/tenants", "ops", UpsertTenantRequest{
		ID: "acme", Weight: 5,
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("配额更新: %d %s", resp.StatusCode(), resp.Body())
	}
	stored, _ = env.tenants.Get(ctx, "acme")
	if stored.Weight != 5 || stored.APIKeyHash != tenant.HashAPIKey("key-v1") {
		t.Fatalf("更新后租户异常: %+v", stored)
	}
	if got, err := env.keys.Get(ctx, secrets.TenantAPIKeyName("acme")); err != nil || got != "key-v1" {
		t.Fatalf("更新后密钥应保留: %q, %v", got, err)
	}

	// 再次换发覆盖旧密钥
	resp = doJSON(env, "PUT", "/v1/admin/tenants", "ops", UpsertTenantRequest{
		ID: "acme", Weight: 5, APIKey: "key-v2",
	})
	if resp.StatusCode() != 200 {
		t.Fatalf("二次换发: %d", resp.StatusCode())
	}
	if got, _ := env.keys.Get(ctx, secrets.TenantAPIKeyName("acme")); got != "key-v2" {
		t.Fatalf("换发后密钥 = %q", got)
	}
	stored, _ = env.tenants.Get(ctx, "acme")
	if stored.APIKeyHash != tenant.HashAPIKey("key-v2") {
		t.Fatalf("换发后哈希未更新: %q", stored.APIKeyHash)
	}
}
