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

// Package loopdetect 在单次运行的执行轨迹上识别重复或循环的工具调用。
// 检测器本身无状态，每次 Check 只看传入的调用序列。
package loopdetect

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
)

// Config 检测阈值
type Config struct {
	// RepeatThreshold 连续相同调用超过该次数即判定循环（默认 3，即第 4 次触发）
	RepeatThreshold int
	// CycleThreshold 长度 [MinCycle, MaxCycle] 的子序列在轨迹中出现超过该次数即判定循环
	CycleThreshold int
	MinCycle       int
	MaxCycle       int
}

// DefaultConfig 默认阈值
func DefaultConfig() Config {
	return Config{RepeatThreshold: 3, CycleThreshold: 3, MinCycle: 2, MaxCycle: 4}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = d.RepeatThreshold
	}
	if c.CycleThreshold <= 0 {
		c.CycleThreshold = d.CycleThreshold
	}
	if c.MinCycle < 2 {
		c.MinCycle = d.MinCycle
	}
	if c.MaxCycle < c.MinCycle {
		c.MaxCycle = c.MinCycle
	}
	return c
}

// Kind 检测到的模式种类
type Kind string

const (
	KindRepeat Kind = "repeat"
	KindCycle  Kind = "cycle"
)

// Call 一次工具调用
type Call struct {
	Tool   string
	Params map[string]any
}

// Verdict 检测结果
type Verdict struct {
	Detected bool     `json:"detected"`
	Kind     Kind     `json:"kind,omitempty"`
	Pattern  []string `json:"pattern,omitempty"` // 工具名序列
	Count    int      `json:"count,omitempty"`
}

// Reason 人类可读的描述
func (v Verdict) Reason() string {
	if !v.Detected {
		return ""
	}
	switch v.Kind {
	case KindRepeat:
		return fmt.Sprintf("tool %s called %d times in a row with identical parameters", v.Pattern[0], v.Count)
	default:
		return fmt.Sprintf("tool sequence [%s] repeated %d times", strings.Join(v.Pattern, " -> "), v.Count)
	}
}

// Signature 工具名 + 规范化参数哈希；encoding/json 对 map 键排序，因此相同参数得到相同签名
func Signature(name string, params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", params))
	}
	if len(params) == 0 {
		raw = []byte("{}")
	}
	h := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// Detector 循环检测器
type Detector struct {
	cfg Config
}

// New 创建检测器，零值字段使用默认阈值
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Config 返回生效的阈值
func (d *Detector) Config() Config { return d.cfg }

// Check 对按时间顺序排列的调用序列做两项检查，先检查连续重复
func (d *Detector) Check(calls []Call) Verdict {
	if len(calls) == 0 {
		return Verdict{}
	}
	sigs := make([]string, len(calls))
	for i, c := range calls {
		sigs[i] = Signature(c.Tool, c.Params)
	}
	if v := d.checkRepeat(calls, sigs); v.Detected {
		return v
	}
	return d.checkCycle(calls, sigs)
}

func (d *Detector) checkRepeat(calls []Call, sigs []string) Verdict {
	last := sigs[len(sigs)-1]
	run := 0
	for i := len(sigs) - 1; i >= 0 && sigs[i] == last; i-- {
		run++
	}
	if run > d.cfg.RepeatThreshold {
		return Verdict{Detected: true, Kind: KindRepeat, Pattern: []string{calls[len(calls)-1].Tool}, Count: run}
	}
	return Verdict{}
}

// checkCycle 以轨迹末尾长度为 L 的窗口为候选模式，统计其在整条轨迹中不重叠出现的次数，
// 允许出现之间夹杂其他调用。全同模式交给 checkRepeat。
func (d *Detector) checkCycle(calls []Call, sigs []string) Verdict {
	n := len(sigs)
	for l := d.cfg.MinCycle; l <= d.cfg.MaxCycle; l++ {
		if n < l*(d.cfg.CycleThreshold+1) {
			continue
		}
		pattern := sigs[n-l:]
		if homogeneous(pattern) {
			continue
		}
		count := 0
		for i := 0; i+l <= n; {
			if equal(sigs[i:i+l], pattern) {
				count++
				i += l
				continue
			}
			i++
		}
		if count > d.cfg.CycleThreshold {
			names := make([]string, l)
			for i := range names {
				names[i] = calls[n-l+i].Tool
			}
			return Verdict{Detected: true, Kind: KindCycle, Pattern: names, Count: count}
		}
	}
	return Verdict{}
}

func homogeneous(s []string) bool {
	for _, x := range s[1:] {
		if x != s[0] {
			return false
		}
	}
	return true
}

func equal(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
