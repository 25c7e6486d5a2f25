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

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Engine 对 JSON 文档应用脱敏策略
type Engine struct {
	policy     *Policy
	encryptKey []byte
}

// NewEngine 创建脱敏引擎；encryptKey 仅 encrypt 模式需要（16/24/32 字节）
func NewEngine(policy *Policy, encryptKey []byte) *Engine {
	return &Engine{policy: policy, encryptKey: encryptKey}
}

// RedactData 对 JSON 对象应用策略；空字符串与 null 字段保持原样
func (e *Engine) RedactData(data []byte) ([]byte, error) {
	if e.policy == nil || len(data) == 0 {
		return data, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return data, err
	}
	if err := e.apply(obj); err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// RedactValue 将任意值编码为 JSON 后脱敏，返回通用 map
func (e *Engine) RedactValue(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("redaction: value is not an object: %w", err)
	}
	if e.policy == nil {
		return obj, nil
	}
	if err := e.apply(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (e *Engine) apply(obj map[string]any) error {
	for _, m := range e.policy.Fields {
		if err := e.walk(obj, strings.Split(m.FieldPath, "."), m); err != nil {
			return err
		}
	}
	for _, km := range e.policy.Keys {
		if err := e.applyKeys(lookup(obj, km.Under), km); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) walk(node any, parts []string, m FieldMask) error {
	switch n := node.(type) {
	case map[string]any:
		head := parts[0]
		if len(parts) == 1 {
			if head == "*" {
				for k := range n {
					if err := e.mask(n, k, m.Mode, m.Salt); err != nil {
						return err
					}
				}
				return nil
			}
			return e.mask(n, head, m.Mode, m.Salt)
		}
		if head == "*" {
			for _, child := range n {
				if err := e.walk(child, parts[1:], m); err != nil {
					return err
				}
			}
			return nil
		}
		if child, ok := n[head]; ok {
			return e.walk(child, parts[1:], m)
		}
	case []any:
		if parts[0] != "*" || len(parts) == 1 {
			return nil
		}
		for _, child := range n {
			if err := e.walk(child, parts[1:], m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyKeys(node any, km KeyMask) error {
	switch n := node.(type) {
	case map[string]any:
		needle := strings.ToLower(km.Contains)
		for k, v := range n {
			if strings.Contains(strings.ToLower(k), needle) {
				if err := e.mask(n, k, km.Mode, ""); err != nil {
					return err
				}
				continue
			}
			if err := e.applyKeys(v, km); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range n {
			if err := e.applyKeys(child, km); err != nil {
				return err
			}
		}
	}
	return nil
}

func lookup(obj map[string]any, path string) any {
	if path == "" {
		return obj
	}
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func (e *Engine) mask(obj map[string]any, key string, mode Mode, salt string) error {
	value, ok := obj[key]
	if !ok || value == nil {
		return nil
	}
	if s, isStr := value.(string); isStr && s == "" {
		return nil
	}
	switch mode {
	case ModeRedact:
		obj[key] = Placeholder
	case ModeHash:
		obj[key] = hashValue(fmt.Sprintf("%v", value), salt)
	case ModeEncrypt:
		enc, err := e.encryptValue(fmt.Sprintf("%v", value))
		if err != nil {
			return err
		}
		obj[key] = enc
	case ModeRemove:
		delete(obj, key)
	default:
		return fmt.Errorf("redaction: unknown mode %q", mode)
	}
	return nil
}

func hashValue(value, salt string) string {
	h := sha256.New()
	h.Write([]byte(value))
	if salt != "" {
		h.Write([]byte(salt))
	}
	return "hash:" + hex.EncodeToString(h.Sum(nil))
}

// encryptValue AES-GCM，nonce 前置于密文
func (e *Engine) encryptValue(value string) (string, error) {
	if len(e.encryptKey) == 0 {
		return "", fmt.Errorf("redaction: encryption key not configured")
	}
	block, err := aes.NewCipher(e.encryptKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return "enc:" + hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(value), nil)), nil
}
