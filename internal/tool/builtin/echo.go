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

	"agentd/internal/tool"
)

// EchoTool 实现 state.echo，原样返回 message，用于诊断与联调
type EchoTool struct{}

func (EchoTool) Name() string { return "state.echo" }

func (EchoTool) Description() string { return "Echo the given message back." }

func (EchoTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"message": {Type: "string", Description: "要回显的内容"},
		},
		Required: []string{"message"},
	}
}

func (EchoTool) Execute(_ context.Context, input map[string]any) (tool.Result, error) {
	msg, _ := input["message"].(string)
	return tool.OK(msg), nil
}
