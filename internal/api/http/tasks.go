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
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"agentd/internal/agent/tasks"
	"agentd/internal/eventbus"
	apperrors "agentd/pkg/errors"
)

type taskRequest struct {
	ID         string `json:"id"`
	AgentID    string `json:"agent_id"`
	Schedule   string `json:"schedule"`
	Message    string `json:"message"`
	SessionKey string `json:"session_key"`
	Disabled   bool   `json:"disabled"`
}

type webhookRequest struct {
	Message    string         `json:"message"`
	SessionKey string         `json:"session_key"`
	Payload    map[string]any `json:"payload"`
}

// ListTasks GET /api/tasks
func (h *Handler) ListTasks(ctx context.Context, c *app.RequestContext) {
	if h.tasks == nil {
		unavailable(c, "task scheduler")
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"tasks": h.tasks.List()})
}

// CreateTask 添加定时任务；目标 Agent 必须已注册
// POST /api/tasks
func (h *Handler) CreateTask(ctx context.Context, c *app.RequestContext) {
	if h.tasks == nil {
		unavailable(c, "task scheduler")
		return
	}
	var req taskRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	if _, err := h.rt.Snapshot(req.AgentID); err != nil {
		h.writeError(c, err)
		return
	}
	t, err := h.tasks.Add(tasks.Task{
		ID:         strings.TrimSpace(req.ID),
		AgentID:    req.AgentID,
		Schedule:   req.Schedule,
		Message:    req.Message,
		SessionKey: req.SessionKey,
		Enabled:    !req.Disabled,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusCreated, t)
}

// GetTask GET /api/tasks/:id
func (h *Handler) GetTask(ctx context.Context, c *app.RequestContext) {
	if h.tasks == nil {
		unavailable(c, "task scheduler")
		return
	}
	t, err := h.tasks.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, t)
}

// DeleteTask DELETE /api/tasks/:id
func (h *Handler) DeleteTask(ctx context.Context, c *app.RequestContext) {
	if h.tasks == nil {
		unavailable(c, "task scheduler")
		return
	}
	id := c.Param("id")
	if err := h.tasks.Remove(id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// TriggerTask 在下一个 tick 执行一次，停用的任务同样生效
// POST /api/tasks/:id/trigger
func (h *Handler) TriggerTask(ctx context.Context, c *app.RequestContext) {
	h.taskOp(c, func(id string) error { return h.tasks.Trigger(id) })
}

// EnableTask POST /api/tasks/:id/enable
func (h *Handler) EnableTask(ctx context.Context, c *app.RequestContext) {
	h.taskOp(c, func(id string) error { return h.tasks.Enable(id) })
}

// DisableTask POST /api/tasks/:id/disable
func (h *Handler) DisableTask(ctx context.Context, c *app.RequestContext) {
	h.taskOp(c, func(id string) error { return h.tasks.Disable(id) })
}

func (h *Handler) taskOp(c *app.RequestContext, op func(string) error) {
	if h.tasks == nil {
		unavailable(c, "task scheduler")
		return
	}
	id := c.Param("id")
	if err := op(id); err != nil {
		h.writeError(c, err)
		return
	}
	t, err := h.tasks.Get(id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, t)
}

// Webhook 外部刺激入口：发布到事件总线，由 ingress 以 NORMAL 优先级入队。
// 需要审批的来源（如 webhook:github）会进入待审批列表。
// POST /api/webhooks/:provider/:agent_id
func (h *Handler) Webhook(ctx context.Context, c *app.RequestContext) {
	if h.bus == nil {
		unavailable(c, "event bus")
		return
	}
	var req webhookRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	agentID := c.Param("agent_id")
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(c, apperrors.Wrap(apperrors.ErrInvalidArg, "message is required"))
		return
	}
	if _, err := h.rt.Snapshot(agentID); err != nil {
		h.writeError(c, err)
		return
	}
	err := h.bus.PublishStimulus(ctx, eventbus.Stimulus{
		Provider:   c.Param("provider"),
		AgentID:    agentID,
		Message:    req.Message,
		SessionKey: req.SessionKey,
		Payload:    req.Payload,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{"agent_id": agentID, "status": "accepted"})
}
