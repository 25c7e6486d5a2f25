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
	"fmt"

	"agentd/internal/tool"
	"agentd/internal/tool/registry"
)

// Factories 内置工具构造表
var Factories = map[string]func() tool.Tool{
	"http.request": func() tool.Tool { return NewHTTPTool() },
	"time.now":     func() tool.Tool { return NewClockTool(nil) },
	"state.echo":   func() tool.Tool { return EchoTool{} },
}

// RegisterBuiltin 按名称注册内置工具，names 为空时注册全部
func RegisterBuiltin(reg *registry.Registry, names ...string) error {
	if len(names) == 0 {
		for n := range Factories {
			names = append(names, n)
		}
	}
	for _, n := range names {
		f, ok := Factories[n]
		if !ok {
			return fmt.Errorf("unknown builtin tool %q", n)
		}
		if err := reg.Register(f()); err != nil {
			return err
		}
	}
	return nil
}
