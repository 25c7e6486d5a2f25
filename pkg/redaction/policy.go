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

package redaction

// Policy 脱敏策略
type Policy struct {
	Fields []FieldMask // 按路径匹配
	Keys   []KeyMask   // 按键名匹配（任意层级）
}

// FieldMask 字段掩码；路径段为 "*" 时匹配该层所有键或数组元素
type FieldMask struct {
	FieldPath string // e.g. "Model.LLM.Providers.*.APIKey"
	Mode      Mode
	Salt      string // Hash 模式的 salt（可选）
}

// KeyMask 键名包含 Contains（不区分大小写）的字段按 Mode 处理；
// Under 非空时只作用于该路径下的子树
type KeyMask struct {
	Under    string
	Contains string
	Mode     Mode
}

// Mode 脱敏模式
type Mode string

const (
	ModeRedact  Mode = "redact"  // 替换为占位符
	ModeHash    Mode = "hash"    // 替换为 SHA256 hash
	ModeEncrypt Mode = "encrypt" // AES-GCM 加密（需要 key）
	ModeRemove  Mode = "remove"  // 完全移除字段
)

// Placeholder redact 模式的替换值
const Placeholder = "******"

// Redact 构造 redact 模式的路径规则
func Redact(paths ...string) []FieldMask {
	out := make([]FieldMask, 0, len(paths))
	for _, p := range paths {
		out = append(out, FieldMask{FieldPath: p, Mode: ModeRedact})
	}
	return out
}
