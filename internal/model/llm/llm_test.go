package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientChat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"done\":true}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c, err := NewClient("openai", "m", "k", srv.URL)
	require.NoError(t, err)
	resp, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleTool, Name: "time.now", Content: "ok"},
	}, GenerateOptions{JSONMode: true})
	require.NoError(t, err)
	assert.Equal(t, `{"done":true}`, resp.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)

	msgs := got["messages"].([]any)
	second := msgs[1].(map[string]any)
	assert.Equal(t, "user", second["role"])
	assert.Contains(t, second["content"], "Tool result (time.now)")
	assert.NotNil(t, got["response_format"])
}

func TestOpenAIClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c, _ := NewOpenAIClientWithBaseURL("openai", "m", "k", srv.URL)
	c.client.SetRetryCount(0)
	_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, GenerateOptions{})
	require.Error(t, err)
}

func TestClaudeMessagesAlternate(t *testing.T) {
	system, msgs := claudeMessages([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "u1"},
		{Role: RoleAssistant, Content: "x"},
		{Role: RoleTool, Name: "t", Content: "r"},
		{Role: RoleUser, Content: "u2"},
	})
	assert.Equal(t, "a", system)
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[2]["role"])
	assert.Contains(t, msgs[2]["content"], "Tool result (t)")
	assert.Contains(t, msgs[2]["content"], "u2")
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient("nope", "m", "k", "")
	require.Error(t, err)
}

func TestParseDefaultKey(t *testing.T) {
	p, m, err := ParseDefaultKey("openai.gpt_4o")
	require.NoError(t, err)
	assert.Equal(t, "openai", p)
	assert.Equal(t, "gpt_4o", m)
	_, _, err = ParseDefaultKey("bad")
	require.Error(t, err)
}

func TestTokenCounter(t *testing.T) {
	c := &TokenCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Greater(t, c.Count("hello world, this is a token count"), 3)
	assert.Greater(t, c.CountMessages([]Message{{Content: "hi"}}), 4)
}

type fixedClient struct{ resp *Response }

func (f fixedClient) Chat(context.Context, []Message, GenerateOptions) (*Response, error) {
	cp := *f.resp
	return &cp, nil
}
func (fixedClient) Model() string    { return "m" }
func (fixedClient) Provider() string { return "p" }

func TestRateLimitedClientFillsUsage(t *testing.T) {
	rl := NewLLMRateLimiter(map[string]LLMLimitConfig{"p": {RequestsPerMinute: 6000, TokensPerMinute: 600000, MaxConcurrent: 1}})
	c := NewRateLimitedClient(fixedClient{resp: &Response{Content: "some answer text"}}, rl)
	resp, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "question"}}, GenerateOptions{})
	require.NoError(t, err)
	assert.Greater(t, resp.Usage.PromptTokens, 0)
	assert.Greater(t, resp.Usage.CompletionTokens, 0)
	stats := rl.GetStats("p")
	assert.Equal(t, 0, stats["current_concurrent"])
	assert.Greater(t, stats["tokens_used_minute"], 0)
}
