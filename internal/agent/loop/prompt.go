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

package loop

import (
	"encoding/json"
	"strings"

	"agentd/internal/model/llm"
	"agentd/internal/tool"
)

const reasoningProtocol = `You operate in atomic turns. Each turn you see the task, a compact state object and a catalog of tool names with one-line hints.
The state is your only memory: record finished work in state_update.completed_steps and facts you need later in state_update.variables.
Reply with one JSON object and nothing else:
{"analysis": string, "tool": string or "", "intent": string, "state_update": {"completed_steps": [string], "variables": object, "remove_variables": [string], "pending_actions": [string], "current_step": int}, "done": bool, "response": string}
Pick at most one tool per turn and describe in "intent" exactly what the call must accomplish; parameters are requested separately.
Set "done": true with an empty "tool" only when the task is finished and pending_actions is empty; put the final answer for the user in "response".`

const parameterProtocol = `You produce the parameters for exactly one tool call.
Reply with one JSON object containing only the parameters, matching the tool's parameter schema. Use values from "variables" where relevant. No prose.`

// reasoningContext 推理阶段用户消息体；每轮大小只取决于状态上限与工具数
type reasoningContext struct {
	Task     string      `json:"task"`
	Turn     int         `json:"turn"`
	MaxTurns int         `json:"max_turns"`
	State    any         `json:"state"`
	Tools    []tool.Hint `json:"tools"`
	Plan     string      `json:"plan,omitempty"`
	Guidance string      `json:"guidance,omitempty"`
	Advisory string      `json:"advisory,omitempty"`
	Notes    []string    `json:"notes,omitempty"`
}

// exchange 上一轮的工具调用及结果，只保留一轮
type exchange struct {
	Tool   string
	Intent string
	Result tool.Result
}

func systemPrompt(instructions, protocol string) string {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return protocol
	}
	return instructions + "\n\n" + protocol
}

func buildReasoningMessages(instructions string, rc reasoningContext, last *exchange) []llm.Message {
	body, _ := json.Marshal(rc)
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(instructions, reasoningProtocol)},
		{Role: llm.RoleUser, Content: string(body)},
	}
	if last != nil {
		call, _ := json.Marshal(map[string]string{"tool": last.Tool, "intent": last.Intent})
		result, _ := json.Marshal(map[string]any{
			"success": last.Result.Success,
			"output":  last.Result.Output,
			"error":   last.Result.Error,
		})
		msgs = append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: string(call)},
			llm.Message{Role: llm.RoleTool, Name: last.Tool, Content: string(result)},
		)
	}
	return msgs
}

type parameterContext struct {
	Intent    string          `json:"intent"`
	Variables map[string]any  `json:"variables"`
	Tool      tool.Definition `json:"tool"`
}

func buildParameterMessages(instructions string, pc parameterContext) []llm.Message {
	body, _ := json.Marshal(pc)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(instructions, parameterProtocol)},
		{Role: llm.RoleUser, Content: string(body)},
	}
}

func retryMessages(msgs []llm.Message, reply string, err error) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+2)
	out = append(out, msgs...)
	if reply != "" {
		out = append(out, llm.Message{Role: llm.RoleAssistant, Content: clip(reply, 2000)})
	}
	return append(out, llm.Message{
		Role:    llm.RoleUser,
		Content: "Your previous reply could not be used (" + err.Error() + "). Reply again with a single valid JSON object.",
	})
}
