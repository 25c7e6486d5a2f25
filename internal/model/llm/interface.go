package llm

import (
	"context"
	"fmt"
	"strings"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleTool 工具结果消息；不支持该角色的 provider 会以 user 消息转发
	RoleTool = "tool"
)

// Client LLM 客户端接口
type Client interface {
	// Chat 发送消息并返回助手回复
	Chat(ctx context.Context, messages []Message, options GenerateOptions) (*Response, error)
	// Model 返回模型名称
	Model() string
	// Provider 返回提供商名称
	Provider() string
}

// GenerateOptions 生成选项
type GenerateOptions struct {
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	TopP        float64  `json:"top_p"`
	Stop        []string `json:"stop"`
	// JSONMode 要求模型只输出 JSON 对象（provider 支持时）
	JSONMode bool `json:"json_mode"`
}

// Message 聊天消息
type Message struct {
	Role    string `json:"role"`           // system, user, assistant, tool
	Name    string `json:"name,omitempty"` // tool 消息对应的工具名
	Content string `json:"content"`
}

// Usage token 用量；provider 未返回时为 0
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response 一次调用的结果
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// NewClient 创建新的 LLM 客户端；baseURL 用于 OpenAI 兼容端点（如 Qwen/DashScope），空则用默认或环境变量
func NewClient(provider, model, apiKey string, baseURL string) (Client, error) {
	switch provider {
	case "openai", "qwen", "deepseek", "":
		return NewOpenAIClientWithBaseURL(provider, model, apiKey, baseURL)
	case "claude", "anthropic":
		return NewClaudeClient(model, apiKey, baseURL)
	case "eino":
		return NewEinoClient(context.Background(), model, apiKey, baseURL)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
}

// ParseDefaultKey 解析 provider.model_key
func ParseDefaultKey(key string) (provider, modelKey string, err error) {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("default key 格式应为 provider.model_key，如 openai.gpt_4o，当前: %q", key)
	}
	return parts[0], parts[1], nil
}

// toolResultText tool 消息降级为 user 消息时的文本形态
func toolResultText(m Message) string {
	if m.Name == "" {
		return "Tool result:\n" + m.Content
	}
	return fmt.Sprintf("Tool result (%s):\n%s", m.Name, m.Content)
}
