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
	"fmt"
	"strings"
	"time"
)

// Priority 事件优先级，数值越大越先调度
type Priority int

const (
	PriorityLow    Priority = -5
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("p%d", int(p))
	}
}

// ParsePriority 接受 high|normal|low，空串视为 normal
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// 事件来源标签
const (
	SourceHuman     = "human"
	SourceHeartbeat = "heartbeat"
)

// TaskSourceTag 定时任务来源
func TaskSourceTag(taskID string) string { return "task:" + taskID }

// WebhookSource webhook 来源
func WebhookSource(provider string) string { return "webhook:" + provider }

// AgentSource 其他 Agent 或自身后续事件的来源
func AgentSource(agentID string) string { return "agent:" + agentID }

// DefaultPriority 人工消息为 HIGH，心跳为 LOW，其余为 NORMAL
func DefaultPriority(source string) Priority {
	switch {
	case source == SourceHuman:
		return PriorityHigh
	case source == SourceHeartbeat:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// EventStatus 事件状态
type EventStatus string

const (
	StatusPendingApproval EventStatus = "pending_approval"
	StatusActive          EventStatus = "active"
	StatusRunning         EventStatus = "running"
	StatusCompleted       EventStatus = "completed"
	StatusFailed          EventStatus = "failed"
	StatusDropped         EventStatus = "dropped"
)

// AgentEvent 一个待调度的工作单元
type AgentEvent struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Priority   Priority       `json:"priority"`
	Message    string         `json:"message"`
	SessionKey string         `json:"session_key,omitempty"`
	Source     string         `json:"source"`
	Status     EventStatus    `json:"status"`
	Seq        uint64         `json:"seq"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (e *AgentEvent) clone() *AgentEvent {
	if e == nil {
		return nil
	}
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// EventSpec 外部刺激的描述，Enqueue 据此创建事件
type EventSpec struct {
	Message    string
	Source     string
	SessionKey string
	// Priority 为 nil 时按来源取默认优先级
	Priority *Priority
	Metadata map[string]any
}

func (s EventSpec) priority() Priority {
	if s.Priority != nil {
		return *s.Priority
	}
	return DefaultPriority(s.Source)
}
