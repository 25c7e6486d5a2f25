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

	"agentd/internal/agent/runtime"
	"agentd/pkg/config"
	apperrors "agentd/pkg/errors"
)

// agentRequest 创建 Agent 的请求体；时长字段使用 Go duration 字符串
type agentRequest struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Instructions      string   `json:"instructions"`
	Tools             []string `json:"tools"`
	HeartbeatInterval string   `json:"heartbeat_interval"`
	HeartbeatMessage  string   `json:"heartbeat_message"`
	ApprovalSources   []string `json:"approval_sources"`
	MaxTurns          int      `json:"max_turns"`
	Timeout           string   `json:"timeout"`
	Inactive          bool     `json:"inactive"`
}

func (r agentRequest) toConfig() runtime.AgentConfig {
	return runtime.AgentConfigFrom(config.AgentConfig{
		ID:                r.ID,
		Name:              r.Name,
		Instructions:      r.Instructions,
		Tools:             r.Tools,
		HeartbeatInterval: r.HeartbeatInterval,
		HeartbeatMessage:  r.HeartbeatMessage,
		ApprovalSources:   r.ApprovalSources,
		MaxTurns:          r.MaxTurns,
		Timeout:           r.Timeout,
		Inactive:          r.Inactive,
	})
}

type messageRequest struct {
	Message    string         `json:"message"`
	Priority   string         `json:"priority"`
	SessionKey string         `json:"session_key"`
	Source     string         `json:"source"`
	Mode       string         `json:"mode"`
	Wait       string         `json:"wait"`
	Metadata   map[string]any `json:"metadata"`
}

// ListAgents 列出所有 Agent
// GET /api/agents
func (h *Handler) ListAgents(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{"agents": h.rt.List()})
}

// CreateAgent 注册 Agent
// POST /api/agents
func (h *Handler) CreateAgent(ctx context.Context, c *app.RequestContext) {
	var req agentRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	if err := h.rt.Register(req.toConfig()); err != nil {
		h.writeError(c, err)
		return
	}
	snap, err := h.rt.Snapshot(strings.TrimSpace(req.ID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusCreated, snap)
}

// GetAgent 单个 Agent 的队列、状态与指标
// GET /api/agents/:id
func (h *Handler) GetAgent(ctx context.Context, c *app.RequestContext) {
	snap, err := h.rt.Snapshot(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, snap)
}

// DeleteAgent 移除 Agent
// DELETE /api/agents/:id
func (h *Handler) DeleteAgent(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	if err := h.rt.Deregister(id); err != nil {
		h.writeError(c, err)
		return
	}
	if h.forget != nil {
		h.forget(id)
	}
	c.JSON(consts.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// StartAgent POST /api/agents/:id/start
func (h *Handler) StartAgent(ctx context.Context, c *app.RequestContext) {
	h.lifecycle(c, h.rt.StartAgent)
}

// StopAgent POST /api/agents/:id/stop
func (h *Handler) StopAgent(ctx context.Context, c *app.RequestContext) {
	h.lifecycle(c, h.rt.StopAgent)
}

// CancelAgent 请求取消在途调用，在下一个轮次边界生效
// POST /api/agents/:id/cancel
func (h *Handler) CancelAgent(ctx context.Context, c *app.RequestContext) {
	h.lifecycle(c, h.rt.Cancel)
}

func (h *Handler) lifecycle(c *app.RequestContext, op func(string) error) {
	id := c.Param("id")
	if err := op(id); err != nil {
		h.writeError(c, err)
		return
	}
	snap, err := h.rt.Snapshot(id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, snap)
}

// SubmitMessage 提交消息。mode=sync 时等待结果（200），否则入队即返回（202）
// POST /api/agents/:id/messages
func (h *Handler) SubmitMessage(ctx context.Context, c *app.RequestContext) {
	var req messageRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request"})
		return
	}
	opts := runtime.SubmitOptions{
		Mode:       runtime.ModeAsync,
		Source:     req.Source,
		SessionKey: req.SessionKey,
		Wait:       config.Duration(req.Wait, 0),
		Metadata:   req.Metadata,
	}
	switch strings.ToLower(req.Mode) {
	case "", string(runtime.ModeAsync):
	case string(runtime.ModeSync):
		opts.Mode = runtime.ModeSync
	default:
		h.writeError(c, apperrors.Wrapf(apperrors.ErrInvalidArg, "unknown mode %q", req.Mode))
		return
	}
	if req.Priority != "" {
		p, err := runtime.ParsePriority(req.Priority)
		if err != nil {
			h.writeError(c, apperrors.Wrap(apperrors.ErrInvalidArg, err.Error()))
			return
		}
		opts.Priority = &p
	}

	receipt, err := h.rt.Submit(ctx, c.Param("id"), req.Message, opts)
	if err != nil {
		if receipt != nil {
			c.JSON(statusFor(err), map[string]interface{}{"error": err.Error(), "receipt": receipt})
			return
		}
		h.writeError(c, err)
		return
	}
	if opts.Mode == runtime.ModeSync {
		c.JSON(consts.StatusOK, receipt)
		return
	}
	c.JSON(consts.StatusAccepted, receipt)
}

// ApproveEvent 批准待审批事件，事件进入执行队列
// POST /api/agents/:id/events/:event_id/approve
func (h *Handler) ApproveEvent(ctx context.Context, c *app.RequestContext) {
	h.review(c, h.rt.Approve, "approved")
}

// RejectEvent 拒绝待审批事件
// POST /api/agents/:id/events/:event_id/reject
func (h *Handler) RejectEvent(ctx context.Context, c *app.RequestContext) {
	h.review(c, h.rt.Reject, "rejected")
}

func (h *Handler) review(c *app.RequestContext, op func(agentID, eventID string) error, status string) {
	agentID, eventID := c.Param("id"), c.Param("event_id")
	if err := op(agentID, eventID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"agent_id": agentID, "event_id": eventID, "status": status})
}
