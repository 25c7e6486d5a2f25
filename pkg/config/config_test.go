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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
api:
  port: 9000
  host: "127.0.0.1"
log:
  level: "debug"
runtime:
  queue_size: 5
agents:
  - id: "ops"
    name: "Ops"
    heartbeat_interval: "30m"
    tools: ["time.now"]
tasks:
  - id: "daily"
    agent_id: "ops"
    schedule: "0 9 * * *"
    message: "daily report"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9000 {
		t.Errorf("API.Port: got %d", cfg.API.Port)
	}
	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host: got %q", cfg.API.Host)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	if cfg.Runtime.QueueSize != 5 {
		t.Errorf("Runtime.QueueSize: got %d", cfg.Runtime.QueueSize)
	}
	// 未覆盖的值来自默认
	if cfg.Runtime.Workers != 4 || cfg.Loop.MaxTurns != 20 || cfg.Tools.MaxOutputBytes != 100*1024 {
		t.Errorf("defaults not applied: %+v %+v", cfg.Runtime, cfg.Loop)
	}
	if cfg.Loop.PlanOverlapThreshold != 0.4 {
		t.Errorf("PlanOverlapThreshold: got %v", cfg.Loop.PlanOverlapThreshold)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].ID != "ops" || cfg.Agents[0].HeartbeatInterval != "30m" {
		t.Errorf("Agents: got %+v", cfg.Agents)
	}
	if len(cfg.Tasks) != 1 || cfg.Tasks[0].Schedule != "0 9 * * *" {
		t.Errorf("Tasks: got %+v", cfg.Tasks)
	}
}

func TestLoadConfig_EnvSubstitution(t *testing.T) {
	t.Setenv("AGENTD_TEST_KEY", "sk-123")
	dir := t.TempDir()
	yaml := `
model:
  llm:
    providers:
      openai:
        api_key: "${AGENTD_TEST_KEY}"
`
	path := filepath.Join(dir, "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := cfg.Model.LLM.Providers["openai"].APIKey; got != "sk-123" {
		t.Errorf("APIKey: got %q", got)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("empty: %v", got)
	}
	if got := Duration("bad", time.Second); got != time.Second {
		t.Errorf("invalid: %v", got)
	}
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms: %v", got)
	}
}
