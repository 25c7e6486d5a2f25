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

package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"agentd/internal/tool"
)

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

// HTTPTool 实现 http.request
type HTTPTool struct {
	client *resty.Client
}

// NewHTTPTool 创建 http.request 工具；超时由 registry 的调用 ctx 控制
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{client: resty.New().SetTimeout(60 * time.Second)}
}

// Name 实现 tool.Tool
func (t *HTTPTool) Name() string { return "http.request" }

// Description 实现 tool.Tool
func (t *HTTPTool) Description() string {
	return "Send an HTTP request and return status code and body.\n" +
		"method 与 url 必填，可选 body、headers。authorization 参数通常由凭证配置预绑定。"
}

// Schema 实现 tool.Tool
func (t *HTTPTool) Schema() tool.Schema {
	return tool.Schema{
		Type:        "object",
		Description: "HTTP 请求参数",
		Properties: map[string]tool.SchemaProperty{
			"method":        {Type: "string", Description: "HTTP method", Enum: []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
			"url":           {Type: "string", Description: "请求 URL"},
			"body":          {Type: "string", Description: "请求体（可选）"},
			"headers":       {Type: "object", Description: "请求头（可选）"},
			"authorization": {Type: "string", Description: "Authorization 头"},
		},
		Required: []string{"method", "url"},
	}
}

// Execute 实现 tool.Tool
func (t *HTTPTool) Execute(ctx context.Context, input map[string]any) (tool.Result, error) {
	method, _ := input["method"].(string)
	urlStr, _ := input["url"].(string)
	if method == "" || urlStr == "" {
		return tool.Fail("method and url are required"), nil
	}
	method = strings.ToUpper(method)
	if !allowedMethods[method] {
		return tool.Fail("unsupported HTTP method: %s", method), nil
	}

	req := t.client.R().SetContext(ctx)
	if h, ok := input["headers"].(map[string]any); ok {
		for k, v := range h {
			req.SetHeader(k, fmt.Sprint(v))
		}
	}
	if auth, ok := input["authorization"].(string); ok && auth != "" {
		req.SetHeader("Authorization", auth)
	}
	if b, ok := input["body"].(string); ok && b != "" {
		req.SetBody(b)
	}

	resp, err := req.Execute(method, urlStr)
	if err != nil {
		return tool.Fail("request failed: %v", err), nil
	}
	out := map[string]any{
		"status_code": resp.StatusCode(),
		"body":        string(resp.Body()),
	}
	raw, _ := json.Marshal(out)
	res := tool.Result{Success: resp.StatusCode() < 400, Output: string(raw)}
	if !res.Success {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode())
	}
	return res, nil
}
