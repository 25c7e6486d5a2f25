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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"agentd/internal/agent/learning"
	"agentd/internal/agent/runtime"
	"agentd/internal/agent/tasks"
	"agentd/internal/eventbus"
	"agentd/internal/tool/registry"
	apperrors "agentd/pkg/errors"
	"agentd/pkg/log"
	"agentd/pkg/metrics"
)

// Deps Handler 依赖；Tasks、Bus、Tools、Learner 为 nil 时对应接口返回 503
type Deps struct {
	Runtime *runtime.Runtime
	Tasks   *tasks.Scheduler
	Bus     *eventbus.Bus
	Tools   *registry.Registry
	Learner *learning.OutcomeTracker
	// Forget 在 Agent 被删除时调用，用于清理调用间遗留状态
	Forget func(agentID string)
	Logger *log.Logger
	// HealthMaxAge 最近一次 tick 超过该时长视为不健康，默认 3 个 tick 周期
	HealthMaxAge time.Duration
}

// Handler HTTP 处理器
type Handler struct {
	rt      *runtime.Runtime
	tasks   *tasks.Scheduler
	bus     *eventbus.Bus
	tools   *registry.Registry
	learner *learning.OutcomeTracker
	forget  func(string)
	logger  *log.Logger
	maxAge  time.Duration
}

// NewHandler 创建 HTTP 处理器
func NewHandler(d Deps) *Handler {
	maxAge := d.HealthMaxAge
	if maxAge <= 0 && d.Runtime != nil {
		maxAge = 3 * d.Runtime.Config().TickInterval
	}
	return &Handler{
		rt:      d.Runtime,
		tasks:   d.Tasks,
		bus:     d.Bus,
		tools:   d.Tools,
		learner: d.Learner,
		forget:  d.Forget,
		logger:  log.OrDefault(d.Logger),
		maxAge:  maxAge,
	}
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrInvalidArg):
		return consts.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrAgentNotFound),
		apperrors.Is(err, apperrors.ErrEventNotFound),
		apperrors.Is(err, apperrors.ErrTaskNotFound),
		apperrors.Is(err, apperrors.ErrToolNotFound),
		apperrors.Is(err, apperrors.ErrNotFound):
		return consts.StatusNotFound
	case apperrors.Is(err, apperrors.ErrAgentExists),
		apperrors.Is(err, apperrors.ErrAgentInactive),
		apperrors.Is(err, apperrors.ErrQueueFull),
		apperrors.Is(err, apperrors.ErrEventDropped):
		return consts.StatusConflict
	case apperrors.Is(err, apperrors.ErrWaitTimeout):
		return consts.StatusGatewayTimeout
	case apperrors.Is(err, apperrors.ErrStopped):
		return consts.StatusServiceUnavailable
	default:
		return consts.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *app.RequestContext, err error) {
	code := statusFor(err)
	if code >= consts.StatusInternalServerError {
		h.logger.Error("请求处理失败", "path", string(c.Path()), "error", err)
	}
	c.JSON(code, map[string]string{"error": err.Error()})
}

func unavailable(c *app.RequestContext, what string) {
	c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": what + " is not configured"})
}

// HealthCheck 健康检查：最近一次 tick 足够新时返回 200，否则 503
// GET /api/health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	last := h.rt.LastTick()
	healthy := h.rt.Healthy(h.maxAge)
	body := map[string]interface{}{
		"status":       "ok",
		"busy_workers": h.rt.Busy(),
		"agents":       len(h.rt.List()),
	}
	if !last.IsZero() {
		body["last_tick"] = last.UTC().Format(time.RFC3339Nano)
	}
	if !healthy {
		body["status"] = "degraded"
		c.JSON(consts.StatusServiceUnavailable, body)
		return
	}
	c.JSON(consts.StatusOK, body)
}

// Metrics Prometheus 指标
// GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// ListTools 已注册工具的一行提示及近期调用统计
// GET /api/tools
func (h *Handler) ListTools(ctx context.Context, c *app.RequestContext) {
	if h.tools == nil {
		unavailable(c, "tool registry")
		return
	}
	body := map[string]interface{}{"tools": h.tools.Hints(h.tools.Names()...)}
	if h.learner != nil {
		body["stats"] = h.learner.Stats()
	}
	c.JSON(consts.StatusOK, body)
}

// GetTool 工具完整定义（含参数 schema）
// GET /api/tools/:name
func (h *Handler) GetTool(ctx context.Context, c *app.RequestContext) {
	if h.tools == nil {
		unavailable(c, "tool registry")
		return
	}
	name := c.Param("name")
	def, ok := h.tools.Definition(name)
	if !ok {
		h.writeError(c, apperrors.Wrapf(apperrors.ErrToolNotFound, "tool %s", name))
		return
	}
	c.JSON(consts.StatusOK, def)
}
