package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// EinoClient 基于 eino ChatModel 的客户端，provider 配置为 eino 时使用
type EinoClient struct {
	modelName string
	cm        model.BaseChatModel
}

// NewEinoClient 通过 eino-ext 的 OpenAI 组件创建 ChatModel
func NewEinoClient(ctx context.Context, modelName, apiKey, baseURL string) (*EinoClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("eino provider api_key not configured")
	}
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		Model:   modelName,
		APIKey:  apiKey,
		BaseURL: baseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 OpenAI ChatModel failed: %w", err)
	}
	return &EinoClient{modelName: modelName, cm: cm}, nil
}

// NewEinoClientFromModel 包装已有的 ChatModel
func NewEinoClientFromModel(modelName string, cm model.BaseChatModel) *EinoClient {
	return &EinoClient{modelName: modelName, cm: cm}
}

func toSchemaMessages(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, &schema.Message{Role: schema.Assistant, Content: m.Content})
		case RoleTool:
			out = append(out, schema.UserMessage(toolResultText(m)))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

// Chat 实现 Client
func (c *EinoClient) Chat(ctx context.Context, messages []Message, options GenerateOptions) (*Response, error) {
	var opts []model.Option
	if options.Temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(options.Temperature)))
	}
	if options.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(options.MaxTokens))
	}
	if len(options.Stop) > 0 {
		opts = append(opts, model.WithStop(options.Stop))
	}
	msg, err := c.cm.Generate(ctx, toSchemaMessages(messages), opts...)
	if err != nil {
		return nil, fmt.Errorf("eino generate: %w", err)
	}
	resp := &Response{Content: msg.Content}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     msg.ResponseMeta.Usage.PromptTokens,
			CompletionTokens: msg.ResponseMeta.Usage.CompletionTokens,
		}
	}
	return resp, nil
}

func (c *EinoClient) Model() string    { return c.modelName }
func (c *EinoClient) Provider() string { return "eino" }
