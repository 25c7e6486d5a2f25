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

// Package tasks 维护定时任务并向运行时报告到期任务。
// 调度表达式支持标准五段 cron 与 @every/@hourly 等描述符。
package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentd/internal/agent/runtime"
	"agentd/pkg/config"
	apperrors "agentd/pkg/errors"
	"agentd/pkg/log"
)

// Task 定时任务
type Task struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Schedule   string    `json:"schedule"`
	Message    string    `json:"message"`
	SessionKey string    `json:"session_key,omitempty"`
	Enabled    bool      `json:"enabled"`
	NextDue    time.Time `json:"next_due,omitempty"`
	LastFired  time.Time `json:"last_fired,omitempty"`
	FireCount  int       `json:"fire_count"`
}

type entry struct {
	task      Task
	schedule  cron.Schedule
	triggered bool
}

// Scheduler 任务表，实现 runtime.TaskSource
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*entry
	now   func() time.Time
	log   *log.Logger
}

// Option 配置 Scheduler
type Option func(*Scheduler)

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// NewScheduler 创建空任务表
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{tasks: make(map[string]*entry), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.log = log.OrDefault(s.log)
	return s
}

// FromConfig 由静态配置创建任务表
func FromConfig(cfgs []config.TaskConfig, opts ...Option) (*Scheduler, error) {
	s := NewScheduler(opts...)
	for _, c := range cfgs {
		t := Task{ID: c.ID, AgentID: c.AgentID, Schedule: c.Schedule, Message: c.Message, Enabled: !c.Disabled}
		if _, err := s.Add(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ParseSchedule 解析调度表达式
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(strings.TrimSpace(spec))
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidArg, "schedule %q: %v", spec, err)
	}
	return sched, nil
}

// Add 添加任务并计算首次到期时间
func (s *Scheduler) Add(t Task) (Task, error) {
	if t.ID == "" || t.AgentID == "" || strings.TrimSpace(t.Message) == "" {
		return Task{}, apperrors.Wrap(apperrors.ErrInvalidArg, "task id, agent_id and message are required")
	}
	sched, err := ParseSchedule(t.Schedule)
	if err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return Task{}, apperrors.Wrapf(apperrors.ErrInvalidArg, "task %s already exists", t.ID)
	}
	t.NextDue = time.Time{}
	if t.Enabled {
		t.NextDue = sched.Next(s.now())
	}
	s.tasks[t.ID] = &entry{task: t, schedule: sched}
	s.log.Info("定时任务已添加", "task_id", t.ID, "agent_id", t.AgentID, "schedule", t.Schedule, "next_due", t.NextDue)
	return t, nil
}

// Remove 删除任务
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return apperrors.Wrapf(apperrors.ErrTaskNotFound, "task %s", id)
	}
	delete(s.tasks, id)
	return nil
}

// Enable 启用任务，从当前时间重新计算到期时间
func (s *Scheduler) Enable(id string) error {
	return s.update(id, func(e *entry, now time.Time) {
		if !e.task.Enabled {
			e.task.Enabled = true
			e.task.NextDue = e.schedule.Next(now)
		}
	})
}

// Disable 停用任务；已请求的手动触发仍会执行
func (s *Scheduler) Disable(id string) error {
	return s.update(id, func(e *entry, _ time.Time) {
		e.task.Enabled = false
		e.task.NextDue = time.Time{}
	})
}

// Trigger 请求在下一个 tick 立即执行一次，不影响常规排期
func (s *Scheduler) Trigger(id string) error {
	return s.update(id, func(e *entry, _ time.Time) { e.triggered = true })
}

func (s *Scheduler) update(id string, fn func(e *entry, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return apperrors.Wrapf(apperrors.ErrTaskNotFound, "task %s", id)
	}
	fn(e, s.now())
	return nil
}

// Get 单个任务
func (s *Scheduler) Get(id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return Task{}, apperrors.Wrapf(apperrors.ErrTaskNotFound, "task %s", id)
	}
	return e.task, nil
}

// List 所有任务，按 ID 排序
func (s *Scheduler) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Due 实现 runtime.TaskSource：返回到期或被手动触发的任务并推进排期。
// 错过多个周期的任务只触发一次。
func (s *Scheduler) Due(_ context.Context, now time.Time) ([]runtime.DueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runtime.DueTask
	for _, e := range s.tasks {
		scheduled := e.task.Enabled && !e.task.NextDue.IsZero() && !now.Before(e.task.NextDue)
		if !scheduled && !e.triggered {
			continue
		}
		e.triggered = false
		e.task.LastFired = now
		e.task.FireCount++
		if scheduled {
			e.task.NextDue = e.schedule.Next(now)
		}
		out = append(out, runtime.DueTask{
			ID:         e.task.ID,
			AgentID:    e.task.AgentID,
			Message:    e.task.Message,
			SessionKey: e.task.SessionKey,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
