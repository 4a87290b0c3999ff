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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/route"
)

// Router HTTP 路由器
type Router struct {
	handler *Handler
	auth    *Auth
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, auth *Auth) *Router {
	return &Router{handler: handler, auth: auth}
}

// Build 创建 Hertz server 并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.Register(&h.Engine.RouterGroup)
	return h
}

// Register 在指定分组下注册全部路由
func (r *Router) Register(root *route.RouterGroup) {
	// 无需认证
	root.GET("/v1/health", r.handler.Health)
	root.GET("/metrics", r.handler.Metrics)

	v1 := root.Group("/v1", r.auth.Middleware())

	jobs := v1.Group("/jobs")
	{
		jobs.POST("", r.handler.SubmitJob)
		jobs.GET("/:id", r.handler.GetJob)
		jobs.POST("/:id/cancel", r.handler.CancelJob)
	}

	workers := v1.Group("/workers")
	{
		workers.POST("/lease", r.handler.LeaseJob)
		workers.POST("/heartbeat", r.handler.Heartbeat)
		workers.POST("/complete", r.handler.Complete)
		workers.POST("/fail", r.handler.Fail)
	}

	admin := v1.Group("/admin", r.auth.RequireAdmin())
	{
		admin.POST("/reap", r.handler.Reap)
		admin.POST("/redrive", r.handler.Redrive)
		admin.PUT("/tenants", r.handler.UpsertTenant)
	}
}
