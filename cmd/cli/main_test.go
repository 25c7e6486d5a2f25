package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   []map[string]interface{}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	var body map[string]interface{}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &body)
	}
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer tok" && r.URL.Path != "/api/health" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"auth header is empty"}`))
		return
	}
	switch r.Method + " " + r.URL.Path {
	case "GET /api/health":
		_, _ = w.Write([]byte(`{"status":"ok","busy_workers":0}`))
	case "GET /api/agents":
		_, _ = w.Write([]byte(`{"agents":[{"id":"ops","status":"idle","active":true,"queue_depth":2}]}`))
	case "POST /api/agents":
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"` + body["id"].(string) + `"}`))
	case "POST /api/agents/ops/messages":
		if body["mode"] == "sync" {
			_, _ = w.Write([]byte(`{"event_id":"e1","status":"completed","result":{"status":"completed","response":"pong"}}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"event_id":"e1","status":"active","queue_depth":1}`))
	case "POST /api/agents/ops/stop":
		_, _ = w.Write([]byte(`{"id":"ops","status":"stopped"}`))
	case "POST /api/agents/ops/events/e9/approve":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"event e9: event not found"}`))
	case "POST /api/tasks/t1/trigger":
		_, _ = w.Write([]byte(`{"id":"t1","enabled":false}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no route"}`))
	}
}

func (f *fakeAPI) last() (string, map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func run(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(strings.NewReader(stdin))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--api", srv.URL, "--token", "tok"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	out, err := run(t, srv, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)

	out, err = run(t, srv, "", "agents")
	require.NoError(t, err)
	assert.Equal(t, "ops\tidle\tactive=true\tqueue=2\n", out)

	out, err = run(t, srv, "", "agents", "create", "ops", "--tool", "time.now", "--heartbeat", "off")
	require.NoError(t, err)
	assert.Equal(t, "ops\n", out)
	req, body := api.last()
	assert.Equal(t, "POST /api/agents", req)
	assert.Equal(t, "off", body["heartbeat_interval"])
	assert.Equal(t, []interface{}{"time.now"}, body["tools"])

	out, err = run(t, srv, "", "send", "ops", "hello", "there")
	require.NoError(t, err)
	assert.Contains(t, out, "e1\tactive")
	_, body = api.last()
	assert.Equal(t, "hello there", body["message"])

	out, err = run(t, srv, "", "send", "ops", "ping", "--sync", "--priority", "high")
	require.NoError(t, err)
	assert.Equal(t, "[completed] pong\n", out)
	_, body = api.last()
	assert.Equal(t, "sync", body["mode"])
	assert.Equal(t, "high", body["priority"])

	out, err = run(t, srv, "", "agents", "stop", "ops")
	require.NoError(t, err)
	assert.Equal(t, "ops\tstopped\n", out)

	_, err = run(t, srv, "", "approve", "ops", "e9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event not found")

	out, err = run(t, srv, "", "tasks", "trigger", "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1\tenabled=false\n", out)
}

func TestChatSendsEachLineSynchronously(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	out, err := run(t, srv, "ping\n\nexit\n", "chat", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "pong")
	_, body := api.last()
	assert.Equal(t, "chat:ops", body["session_key"])
}

func TestUnauthorized(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	root := newRootCmd(strings.NewReader(""))
	root.SetOut(io.Discard)
	root.SetArgs([]string{"--api", srv.URL, "--token", "", "agents"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
