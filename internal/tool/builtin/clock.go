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
	"time"

	"agentd/internal/tool"
)

// ClockTool 实现 time.now
type ClockTool struct {
	now func() time.Time
}

// NewClockTool now 为 nil 时使用 time.Now
func NewClockTool(now func() time.Time) *ClockTool {
	if now == nil {
		now = time.Now
	}
	return &ClockTool{now: now}
}

func (t *ClockTool) Name() string { return "time.now" }

func (t *ClockTool) Description() string {
	return "Return the current time, optionally in an IANA time zone."
}

func (t *ClockTool) Schema() tool.Schema {
	return tool.Schema{
		Type: "object",
		Properties: map[string]tool.SchemaProperty{
			"zone": {Type: "string", Description: "IANA 时区，如 Asia/Shanghai", Default: "UTC"},
		},
	}
}

func (t *ClockTool) Execute(ctx context.Context, input map[string]any) (tool.Result, error) {
	zone, _ := input["zone"].(string)
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return tool.Fail("unknown time zone %q", zone), nil
	}
	now := t.now().In(loc)
	raw, _ := json.Marshal(map[string]any{
		"time":    now.Format(time.RFC3339),
		"zone":    zone,
		"weekday": now.Weekday().String(),
		"unix":    now.Unix(),
	})
	return tool.OK(string(raw)), nil
}
