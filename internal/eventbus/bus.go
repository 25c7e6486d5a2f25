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

// Package eventbus 是进程内的消息总线：调用结果向外广播，外部刺激（webhook）经总线进入运行时。
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"agentd/internal/agent/runtime"
	"agentd/pkg/log"
)

const (
	TopicOutcomes = "agent.outcomes"
	TopicStimuli  = "agent.stimuli"
)

// OutcomeMessage 调用结果消息
type OutcomeMessage struct {
	AgentID    string        `json:"agent_id"`
	EventID    string        `json:"event_id"`
	Source     string        `json:"source"`
	Priority   string        `json:"priority"`
	SessionKey string        `json:"session_key,omitempty"`
	Status     string        `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Response   string        `json:"response,omitempty"`
	Turns      int           `json:"turns"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Stimulus 外部刺激
type Stimulus struct {
	Provider   string         `json:"provider"`
	AgentID    string         `json:"agent_id"`
	Message    string         `json:"message"`
	SessionKey string         `json:"session_key,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Enqueuer 刺激的落点，由 runtime.Runtime 实现
type Enqueuer interface {
	Enqueue(ctx context.Context, agentID string, spec runtime.EventSpec) (*runtime.AgentEvent, error)
}

// Bus 基于 watermill gochannel 的总线；无订阅者时消息直接丢弃
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *log.Logger
}

// New 创建总线
func New(logger *log.Logger) *Bus {
	logger = log.OrDefault(logger)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 128}, newWatermillLogger(logger)),
		log:    logger,
	}
}

// Close 关闭总线，所有订阅通道随之关闭
func (b *Bus) Close() error { return b.pubsub.Close() }

func (b *Bus) publish(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), data))
}

// PublishOutcome 实现 runtime.OutcomeSink
func (b *Bus) PublishOutcome(_ context.Context, o runtime.Outcome) error {
	s := o.Summary()
	return b.publish(TopicOutcomes, OutcomeMessage{
		AgentID:    o.AgentID,
		EventID:    o.Event.ID,
		Source:     o.Event.Source,
		Priority:   o.Event.Priority.String(),
		SessionKey: o.Event.SessionKey,
		Status:     string(s.Status),
		Reason:     s.Reason,
		Response:   s.Response,
		Turns:      s.Turns,
		Duration:   s.Duration,
		FinishedAt: o.FinishedAt,
	})
}

// SubscribeOutcomes 订阅调用结果，ctx 结束时通道关闭
func (b *Bus) SubscribeOutcomes(ctx context.Context) (<-chan OutcomeMessage, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicOutcomes)
	if err != nil {
		return nil, err
	}
	out := make(chan OutcomeMessage, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var m OutcomeMessage
			err := json.Unmarshal(msg.Payload, &m)
			msg.Ack()
			if err != nil {
				b.log.Warn("丢弃无法解析的结果消息", "message_id", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PublishStimulus 发布外部刺激
func (b *Bus) PublishStimulus(_ context.Context, s Stimulus) error {
	if s.Provider == "" || s.AgentID == "" {
		return fmt.Errorf("stimulus requires provider and agent_id")
	}
	if strings.TrimSpace(s.Message) == "" {
		return fmt.Errorf("stimulus requires a message")
	}
	return b.publish(TopicStimuli, s)
}

// RunStimulusIngress 同步订阅刺激主题后在后台把每条刺激以 NORMAL 优先级、
// webhook:<provider> 来源写入 Enqueuer。返回的通道在 ctx 结束或总线关闭后关闭。
func (b *Bus) RunStimulusIngress(ctx context.Context, target Enqueuer) (<-chan struct{}, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicStimuli)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range msgs {
			b.ingest(ctx, target, msg)
		}
	}()
	return done, nil
}

func (b *Bus) ingest(ctx context.Context, target Enqueuer, msg *message.Message) {
	defer msg.Ack()
	var s Stimulus
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		b.log.Warn("丢弃无法解析的刺激消息", "message_id", msg.UUID, "error", err)
		return
	}
	normal := runtime.PriorityNormal
	meta := map[string]any{"provider": s.Provider}
	if len(s.Payload) > 0 {
		meta["payload"] = s.Payload
	}
	e, err := target.Enqueue(ctx, s.AgentID, runtime.EventSpec{
		Message:    s.Message,
		Source:     runtime.WebhookSource(s.Provider),
		SessionKey: s.SessionKey,
		Priority:   &normal,
		Metadata:   meta,
	})
	if err != nil {
		b.log.Warn("刺激入队失败", "agent_id", s.AgentID, "provider", s.Provider, "error", err)
		return
	}
	b.log.Debug("刺激已入队", "agent_id", s.AgentID, "event_id", e.ID, "status", e.Status)
}
