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

package app

import (
	"context"
	"encoding/json"
	"sync"

	"agentd/internal/agent/loop"
	"agentd/internal/agent/planner"
	"agentd/internal/agent/reflection"
	"agentd/internal/agent/runtime"
	"agentd/pkg/log"
)

// 事件 Metadata 中可携带的计划
const (
	MetaPlan      = "plan"
	MetaTaskGraph = "task_graph"
)

// InvokerConfig Invoker 参数
type InvokerConfig struct {
	PlanThreshold  float64
	MaxReflections int
	// CarryState 为 true 时把上一次调用遗留的 pending_actions 与 variables 带入同一 Agent 的下一次调用
	CarryState bool
}

// Invoker 把运行时事件转换为执行循环调用，实现 runtime.Invoker
type Invoker struct {
	loop    *loop.Loop
	learner loop.Learner
	cfg     InvokerConfig
	log     *log.Logger

	mu    sync.Mutex
	carry map[string]*loop.AtomicState
}

var _ runtime.Invoker = (*Invoker)(nil)

// NewInvoker 创建 Invoker；learner 在所有 Agent 之间共享，可为 nil
func NewInvoker(lp *loop.Loop, learner loop.Learner, cfg InvokerConfig, logger *log.Logger) *Invoker {
	return &Invoker{
		loop:    lp,
		learner: learner,
		cfg:     cfg,
		log:     log.OrDefault(logger),
		carry:   make(map[string]*loop.AtomicState),
	}
}

// Invoke 实现 runtime.Invoker
func (i *Invoker) Invoke(ctx context.Context, inv runtime.Invocation) *loop.LoopResult {
	req := loop.Request{
		Task:         inv.Event.Message,
		Tools:        inv.Agent.Tools,
		Seed:         i.seed(inv.Agent.ID),
		MaxTurns:     inv.Agent.MaxTurns,
		Timeout:      inv.Agent.Timeout,
		CancelCheck:  inv.CancelCheck,
		SessionKey:   inv.Event.SessionKey,
		Instructions: inv.Agent.Instructions,
		Hooks:        i.hooks(inv.Event),
	}
	res := i.loop.Execute(ctx, req)
	i.remember(inv.Agent.ID, res)
	return res
}

func (i *Invoker) hooks(e runtime.AgentEvent) loop.Hooks {
	h := loop.Hooks{
		Reflector: reflection.New(i.cfg.MaxReflections),
		Learner:   i.learner,
	}
	plan, ok, err := PlanFromMetadata(e.Message, e.Metadata)
	if err != nil {
		i.log.Warn("忽略无法解析的计划", "agent_id", e.AgentID, "event_id", e.ID, "error", err)
	}
	if ok {
		h.Planner = planner.NewKeywordPlanner(plan, planner.WithThreshold(i.cfg.PlanThreshold))
	}
	return h
}

func (i *Invoker) seed(agentID string) *loop.AtomicState {
	if !i.cfg.CarryState {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if s, ok := i.carry[agentID]; ok {
		return s.Clone()
	}
	return nil
}

func (i *Invoker) remember(agentID string, res *loop.LoopResult) {
	if !i.cfg.CarryState || res == nil || res.State == nil {
		return
	}
	s := loop.NewAtomicState()
	for k, v := range res.State.Variables {
		s.Variables[k] = v
	}
	s.PendingActions = append(s.PendingActions, res.State.PendingActions...)
	s.Normalize()
	i.mu.Lock()
	i.carry[agentID] = s
	i.mu.Unlock()
}

// Forget 丢弃 Agent 遗留的状态
func (i *Invoker) Forget(agentID string) {
	i.mu.Lock()
	delete(i.carry, agentID)
	i.mu.Unlock()
}

// PlanFromMetadata 从事件 Metadata 读取计划：plan 为步骤列表，task_graph 为任务图。
// 两者都没有时 ok 为 false。
func PlanFromMetadata(goal string, meta map[string]any) (planner.Plan, bool, error) {
	if raw, ok := meta[MetaTaskGraph]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return planner.Plan{}, false, err
		}
		var g planner.TaskGraph
		if err := g.Unmarshal(data); err != nil {
			return planner.Plan{}, false, err
		}
		if g.Goal == "" {
			g.Goal = goal
		}
		p, err := g.Plan()
		if err != nil {
			return planner.Plan{}, false, err
		}
		return p, len(p.Steps) > 0, nil
	}
	var steps []string
	switch v := meta[MetaPlan].(type) {
	case []string:
		steps = v
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				steps = append(steps, str)
			}
		}
	default:
		return planner.Plan{}, false, nil
	}
	p := planner.PlanFromStrings(goal, steps)
	return p, len(p.Steps) > 0, nil
}
