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
	"github.com/hertz-contrib/jwt"

	"agentd/internal/api/http/middleware"
	"agentd/pkg/log"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	jwt        *jwt.HertzJWTMiddleware
	logger     *log.Logger
}

// NewRouter 创建 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware, logger *log.Logger) *Router {
	if mw == nil {
		mw = middleware.NewMiddleware()
	}
	return &Router{handler: handler, middleware: mw, logger: logger}
}

// SetJWT 启用 JWT 认证；/api/health、/metrics 与登录接口不受保护
func (r *Router) SetJWT(j *jwt.HertzJWTMiddleware) {
	r.jwt = j
}

// Build 创建 Hertz 实例并注册路由，addr 如 ":8080"
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	r.Register(h)
	return h
}

// Register 在已有 Hertz 实例上注册中间件与路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(middleware.AccessLog(r.logger), r.middleware.CORS())

	h.GET("/metrics", r.handler.Metrics)
	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)

	if r.jwt != nil {
		api.POST("/auth/login", r.jwt.LoginHandler)
		api.POST("/auth/refresh", r.jwt.MiddlewareFunc(), r.jwt.RefreshHandler)
		api.Use(r.jwt.MiddlewareFunc(), middleware.RequireIdentity())
	}

	agents := api.Group("/agents")
	{
		agents.GET("", r.handler.ListAgents)
		agents.POST("", r.handler.CreateAgent)
		agents.GET("/:id", r.handler.GetAgent)
		agents.DELETE("/:id", r.handler.DeleteAgent)
		agents.POST("/:id/start", r.handler.StartAgent)
		agents.POST("/:id/stop", r.handler.StopAgent)
		agents.POST("/:id/cancel", r.handler.CancelAgent)
		agents.POST("/:id/messages", r.handler.SubmitMessage)
		agents.POST("/:id/events/:event_id/approve", r.handler.ApproveEvent)
		agents.POST("/:id/events/:event_id/reject", r.handler.RejectEvent)
	}

	tasks := api.Group("/tasks")
	{
		tasks.GET("", r.handler.ListTasks)
		tasks.POST("", r.handler.CreateTask)
		tasks.GET("/:id", r.handler.GetTask)
		tasks.DELETE("/:id", r.handler.DeleteTask)
		tasks.POST("/:id/trigger", r.handler.TriggerTask)
		tasks.POST("/:id/enable", r.handler.EnableTask)
		tasks.POST("/:id/disable", r.handler.DisableTask)
	}

	api.GET("/tools", r.handler.ListTools)
	api.GET("/tools/:name", r.handler.GetTool)
	api.POST("/webhooks/:provider/:agent_id", r.handler.Webhook)
}
