// Copyright 2026 fanjia1024
// Tests for builtin tools

package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/tool"
	"agentd/internal/tool/registry"
	"agentd/pkg/log"
	"agentd/pkg/secrets"
)

func TestHTTPTool_MissingRequiredFields(t *testing.T) {
	tl := NewHTTPTool()
	for _, input := range []map[string]any{{}, {"method": "GET"}, {"url": "http://example.com"}} {
		result, err := tl.Execute(context.Background(), input)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "method and url are required")
	}
}

func TestHTTPTool_InvalidMethod(t *testing.T) {
	result, err := NewHTTPTool().Execute(context.Background(), map[string]any{
		"method": "INVALID_METHOD",
		"url":    "http://example.com",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unsupported HTTP method")
}

func TestHTTPTool_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	result, err := NewHTTPTool().Execute(context.Background(), map[string]any{
		"method":        "post",
		"url":           srv.URL,
		"body":          `{"a":1}`,
		"headers":       map[string]any{"X-Test": "yes"},
		"authorization": "Bearer abc",
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Output), &out))
	assert.EqualValues(t, 201, out["status_code"])
	assert.Equal(t, `{"ok":true}`, out["body"])
}

func TestHTTPTool_ErrorStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	result, err := NewHTTPTool().Execute(context.Background(), map[string]any{"method": "GET", "url": srv.URL})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP 404", result.Error)
}

func TestClockTool(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl := NewClockTool(func() time.Time { return fixed })
	res, err := tl.Execute(context.Background(), map[string]any{"zone": "Asia/Shanghai"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "2026-03-01T20:00:00+08:00")

	res, _ = tl.Execute(context.Background(), map[string]any{"zone": "Mars/Olympus"})
	assert.False(t, res.Success)
}

func TestRegisterBuiltinWithCredentialBinding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get("Authorization")))
	}))
	defer srv.Close()

	reg := registry.New(registry.Options{
		Logger:      log.Discard(),
		Secrets:     secrets.NewMemoryStoreFrom(map[string]string{"api.auth": "Bearer bound"}),
		Credentials: map[string][]tool.Credential{"http.request": {{Param: "authorization", Secret: "api.auth"}}},
	})
	require.NoError(t, RegisterBuiltin(reg))
	assert.Equal(t, []string{"http.request", "state.echo", "time.now"}, reg.Names())
	require.Error(t, RegisterBuiltin(reg, "nope"))

	params, err := reg.Validate("http.request", map[string]any{"method": "GET", "url": srv.URL})
	require.NoError(t, err)
	res := reg.Execute(context.Background(), "http.request", params, 5*time.Second)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output, "Bearer bound")
}
