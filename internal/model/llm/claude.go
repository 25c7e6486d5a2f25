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

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ClaudeClient Anthropic Messages API 客户端
type ClaudeClient struct {
	model   string
	apiKey  string
	baseURL string
	client  *resty.Client
}

// NewClaudeClient 创建新的 Claude 客户端
func NewClaudeClient(model, apiKey, baseURL string) (*ClaudeClient, error) {
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
		if envURL := os.Getenv("ANTHROPIC_BASE_URL"); envURL != "" {
			baseURL = envURL
		}
	}

	client := resty.New()
	client.SetTimeout(60 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(1 * time.Second)
	client.SetRetryMaxWaitTime(5 * time.Second)

	return &ClaudeClient{model: model, apiKey: apiKey, baseURL: baseURL, client: client}, nil
}

// claudeMessages system 提到顶层，tool 降级为 user，并合并相邻同角色消息（API 要求交替）
func claudeMessages(messages []Message) (string, []map[string]string) {
	var system []string
	var out []map[string]string
	for _, msg := range messages {
		role, content := msg.Role, msg.Content
		switch role {
		case RoleSystem:
			system = append(system, content)
			continue
		case RoleTool:
			role, content = RoleUser, toolResultText(msg)
		}
		if n := len(out); n > 0 && out[n-1]["role"] == role {
			out[n-1]["content"] += "\n\n" + content
			continue
		}
		out = append(out, map[string]string{"role": role, "content": content})
	}
	return strings.Join(system, "\n\n"), out
}

// Chat 实现 Client
func (c *ClaudeClient) Chat(ctx context.Context, messages []Message, options GenerateOptions) (*Response, error) {
	system, msgs := claudeMessages(messages)
	maxTokens := options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	request := map[string]interface{}{
		"model":      c.model,
		"messages":   msgs,
		"max_tokens": maxTokens,
	}
	if system != "" {
		request["system"] = system
	}
	if options.Temperature > 0 {
		request["temperature"] = options.Temperature
	}
	if len(options.Stop) > 0 {
		request["stop_sequences"] = options.Stop
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-api-key", c.apiKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetBody(request).
		Post(c.baseURL + "/messages")
	if err != nil {
		return nil, fmt.Errorf("调用 Claude API 失败: %w", err)
	}
	if response.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("Claude API 返回错误 %d: %s", response.StatusCode(), response.String())
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return nil, fmt.Errorf("解析 Claude 响应失败: %w", err)
	}
	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("Claude API 没有返回结果")
	}
	return &Response{
		Content: sb.String(),
		Usage:   Usage{PromptTokens: result.Usage.InputTokens, CompletionTokens: result.Usage.OutputTokens},
	}, nil
}

// Model 返回模型名称
func (c *ClaudeClient) Model() string { return c.model }

// Provider 返回提供商名称
func (c *ClaudeClient) Provider() string { return "claude" }
