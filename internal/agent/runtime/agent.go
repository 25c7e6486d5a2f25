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

package runtime

import (
	"strings"
	"sync/atomic"
	"time"

	"agentd/internal/agent/loop"
	"agentd/pkg/config"
)

// AgentConfig Agent 档案，Register 时提供
type AgentConfig struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	// HeartbeatInterval 0 使用 Runtime 默认值，负数关闭心跳
	HeartbeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	HeartbeatMessage  string        `json:"heartbeat_message,omitempty"`
	// ApprovalSources 来源前缀匹配的事件进入待审批列表，如 "webhook:" 或 "task:nightly"
	ApprovalSources []string      `json:"approval_sources,omitempty"`
	MaxTurns        int           `json:"max_turns,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
	Inactive        bool          `json:"inactive,omitempty"`
}

// AgentConfigFrom 把静态配置转换为运行时档案。heartbeat_interval 为 off/none/0 时关闭心跳，空串使用默认值
func AgentConfigFrom(ac config.AgentConfig) AgentConfig {
	var hb time.Duration
	switch strings.ToLower(strings.TrimSpace(ac.HeartbeatInterval)) {
	case "":
	case "off", "none", "0":
		hb = -1
	default:
		hb = config.Duration(ac.HeartbeatInterval, 0)
	}
	return AgentConfig{
		ID:                strings.TrimSpace(ac.ID),
		Name:              ac.Name,
		Instructions:      ac.Instructions,
		Tools:             ac.Tools,
		HeartbeatInterval: hb,
		HeartbeatMessage:  ac.HeartbeatMessage,
		ApprovalSources:   ac.ApprovalSources,
		MaxTurns:          ac.MaxTurns,
		Timeout:           config.Duration(ac.Timeout, 0),
		Inactive:          ac.Inactive,
	}
}

func (c AgentConfig) requiresApproval(source string) bool {
	for _, p := range c.ApprovalSources {
		if p != "" && strings.HasPrefix(source, p) {
			return true
		}
	}
	return false
}

// AgentStatus Agent 运行状态
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentStopped AgentStatus = "stopped"
)

// DefaultHistorySize 每个 Agent 保留的最近结果数
const DefaultHistorySize = 50

// HistoryEntry 一次已完成事件的摘要
type HistoryEntry struct {
	EventID    string         `json:"event_id"`
	Source     string         `json:"source"`
	Priority   Priority       `json:"priority"`
	ExitState  loop.ExitState `json:"exit_state"`
	Reason     string         `json:"reason,omitempty"`
	Response   string         `json:"response,omitempty"`
	Turns      int            `json:"turns"`
	Duration   time.Duration  `json:"duration"`
	FinishedAt time.Time      `json:"finished_at"`
}

// AgentMetrics 滚动指标
type AgentMetrics struct {
	HeartbeatsFired int            `json:"heartbeats_fired"`
	EventsProcessed int            `json:"events_processed"`
	EventsFailed    int            `json:"events_failed"`
	EventsDropped   int            `json:"events_dropped"`
	History         []HistoryEntry `json:"history"`
}

// HeartbeatInfo 心跳配置与状态
type HeartbeatInfo struct {
	Enabled   bool          `json:"enabled"`
	Interval  time.Duration `json:"interval,omitempty"`
	LastFired time.Time     `json:"last_fired,omitempty"`
	NextDue   time.Time     `json:"next_due,omitempty"`
}

// AgentSnapshot Agent 状态快照，与内部记录不共享内存
type AgentSnapshot struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Active     bool          `json:"active"`
	Status     AgentStatus   `json:"status"`
	QueueDepth int           `json:"queue_depth"`
	Queue      []AgentEvent  `json:"queue"`
	Pending    []AgentEvent  `json:"pending_approval"`
	Running    *AgentEvent   `json:"running,omitempty"`
	Heartbeat  HeartbeatInfo `json:"heartbeat"`
	Metrics    AgentMetrics  `json:"metrics"`
	Config     AgentConfig   `json:"config"`
}

// inflight 正在运行的调用
type inflight struct {
	event     *AgentEvent
	cancelled atomic.Bool
	started   time.Time
}

// agentState 单个 Agent 的运行时记录，受 Runtime.mu 保护
type agentState struct {
	cfg     AgentConfig
	active  bool
	status  AgentStatus
	queue   *EventQueue
	pending []*AgentEvent
	running *inflight

	hbInterval time.Duration
	hbMessage  string
	hbLast     time.Time
	hbNext     time.Time

	metrics AgentMetrics
}

func (a *agentState) snapshot() AgentSnapshot {
	s := AgentSnapshot{
		ID:         a.cfg.ID,
		Name:       a.cfg.Name,
		Active:     a.active,
		Status:     a.status,
		QueueDepth: a.queue.Len(),
		Queue:      a.queue.Items(),
		Pending:    make([]AgentEvent, len(a.pending)),
		Heartbeat: HeartbeatInfo{
			Enabled:   a.hbInterval > 0,
			Interval:  a.hbInterval,
			LastFired: a.hbLast,
			NextDue:   a.hbNext,
		},
		Metrics: a.metrics,
		Config:  a.cfg,
	}
	for i, e := range a.pending {
		s.Pending[i] = *e.clone()
	}
	if a.running != nil {
		s.Running = a.running.event.clone()
	}
	s.Metrics.History = append([]HistoryEntry(nil), a.metrics.History...)
	return s
}

func (a *agentState) record(h HistoryEntry, limit int) {
	a.metrics.History = append(a.metrics.History, h)
	if over := len(a.metrics.History) - limit; over > 0 {
		a.metrics.History = append([]HistoryEntry(nil), a.metrics.History[over:]...)
	}
}
