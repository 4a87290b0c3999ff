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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"jobq-platform/pkg/log"
	"jobq-platform/pkg/secrets"
)

const ctxKeyTenantID = "auth.tenant_id"

// 签名请求头
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// SignPayload 签名串：method、path、body 摘要、时间戳与 nonce 以换行拼接
func SignPayload(method, path string, body []byte, timestamp, nonce string) string {
	sum := sha256.Sum256(body)
	return method + "\n" + path + "\n" + hex.EncodeToString(sum[:]) + "\n" + timestamp + "\n" + nonce
}

// Sign 计算 HMAC-SHA256 签名（hex）
func Sign(key, payload string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// nonceCache 防重放：记住窗口期内已见过的 (tenant, nonce)
type nonceCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newNonceCache(ttl time.Duration) *nonceCache {
	return &nonceCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// remember 首次出现返回 true；重放返回 false
func (c *nonceCache) remember(tenantID, nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 顺带清理过期条目
	for k, t := range c.seen {
		if now.Sub(t) > c.ttl {
			delete(c.seen, k)
		}
	}
	key := tenantID + "\x00" + nonce
	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = now
	return true
}

// AuthConfig 认证中间件配置
type AuthConfig struct {
	Enabled     bool
	Skew        time.Duration // 时间戳容忍窗口，默认 5 分钟
	AdminTenant string        // 允许访问 /v1/admin 的租户
}

// Auth HMAC 签名认证：租户密钥来自 secrets 后端，签名覆盖方法、路径、
// body 摘要、时间戳与 nonce。禁用时直接信任 X-Tenant-ID（仅开发模式）。
type Auth struct {
	cfg     AuthConfig
	secrets secrets.Store
	nonces  *nonceCache
	logger  *log.Logger
}

// NewAuth 创建认证中间件
func NewAuth(cfg AuthConfig, store secrets.Store, logger *log.Logger) *Auth {
	if cfg.Skew <= 0 {
		cfg.Skew = 5 * time.Minute
	}
	return &Auth{
		cfg:     cfg,
		secrets: store,
		nonces:  newNonceCache(2 * cfg.Skew),
		logger:  logger,
	}
}

// Middleware 校验签名并注入租户上下文
func (a *Auth) Middleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		tid := string(ctx.GetHeader(HeaderTenantID))
		if tid == "" {
			writeError(ctx, consts.StatusUnauthorized, "missing tenant id")
			ctx.Abort()
			return
		}
		if !a.cfg.Enabled {
			ctx.Set(ctxKeyTenantID, tid)
			ctx.Next(c)
			return
		}

		timestamp := string(ctx.GetHeader(HeaderTimestamp))
		nonce := string(ctx.GetHeader(HeaderNonce))
		signature := string(ctx.GetHeader(HeaderSignature))
		if timestamp == "" || nonce == "" || signature == "" {
			writeError(ctx, consts.StatusUnauthorized, "missing signature headers")
			ctx.Abort()
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			writeError(ctx, consts.StatusUnauthorized, "invalid timestamp")
			ctx.Abort()
			return
		}
		now := time.Now()
		if d := now.Sub(time.Unix(ts, 0)); d > a.cfg.Skew || d < -a.cfg.Skew {
			writeError(ctx, consts.StatusUnauthorized, "timestamp outside allowed window")
			ctx.Abort()
			return
		}

		key, err := a.secrets.Get(c, secrets.TenantAPIKeyName(tid))
		if err != nil {
			a.logger.Warn("租户密钥解析失败", "tenant_id", tid, "error", err)
			writeError(ctx, consts.StatusUnauthorized, "unknown tenant")
			ctx.Abort()
			return
		}

		payload := SignPayload(string(ctx.Method()), string(ctx.Path()), ctx.Request.Body(), timestamp, nonce)
		want := Sign(key, payload)
		if !hmac.Equal([]byte(want), []byte(signature)) {
			writeError(ctx, consts.StatusUnauthorized, "signature mismatch")
			ctx.Abort()
			return
		}

		if !a.nonces.remember(tid, nonce, now) {
			writeError(ctx, consts.StatusUnauthorized, "nonce replayed")
			ctx.Abort()
			return
		}

		ctx.Set(ctxKeyTenantID, tid)
		ctx.Next(c)
	}
}

// RequireAdmin 仅放行管理租户；需在 Middleware 之后挂载
func (a *Auth) RequireAdmin() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		if a.cfg.AdminTenant == "" || tenantID(ctx) != a.cfg.AdminTenant {
			writeError(ctx, consts.StatusForbidden, "admin access required")
			ctx.Abort()
			return
		}
		ctx.Next(c)
	}
}
