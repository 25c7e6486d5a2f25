package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "agentd.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentd "+version)
}

func TestConfigPrintRedactsSecrets(t *testing.T) {
	p := writeConfig(t, `
api:
  port: 9090
  middleware:
    auth: true
    jwt_key: super-secret-key
model:
  llm:
    providers:
      openai:
        api_key: sk-live-123
        models:
          gpt:
            name: gpt-4o-mini
  defaults:
    llm: openai.gpt
secrets:
  provider: memory
  seed:
    api_clients/cli: hunter2
agents:
  - id: ops
    heartbeat_interval: 15m
`)
	out, err := execute(t, "config", "print", "--config", p)
	require.NoError(t, err)
	assert.Contains(t, out, "9090")
	assert.Contains(t, out, "gpt-4o-mini")
	assert.Contains(t, out, "15m")
	assert.NotContains(t, out, "super-secret-key")
	assert.NotContains(t, out, "sk-live-123")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, redacted)
}

func TestConfigValidate(t *testing.T) {
	_, err := execute(t, "config", "validate", "--config", writeConfig(t, "log:\n  level: error\n"))
	assert.Error(t, err)

	p := writeConfig(t, `
log:
  level: error
model:
  llm:
    providers:
      openai:
        api_key: sk-test
        models:
          gpt:
            name: gpt-4o-mini
  defaults:
    llm: openai.gpt
agents:
  - id: ops
tasks:
  - id: digest
    agent_id: ops
    schedule: "@daily"
    message: summarize the day
`)
	out, err := execute(t, "config", "validate", "--config", p)
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 1 agents, 1 tasks")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "config", "print", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
