package redaction

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redactJSON(t *testing.T, p *Policy, key []byte, in string) map[string]any {
	t.Helper()
	out, err := NewEngine(p, key).RedactData([]byte(in))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	return m
}

func TestRedactMode(t *testing.T) {
	m := redactJSON(t, &Policy{Fields: Redact("email", "missing.path")}, nil,
		`{"email":"user@example.com","name":"John"}`)
	assert.Equal(t, Placeholder, m["email"])
	assert.Equal(t, "John", m["name"])
}

func TestEmptyValuesStay(t *testing.T) {
	m := redactJSON(t, &Policy{Fields: Redact("a", "b")}, nil, `{"a":"","b":null}`)
	assert.Equal(t, "", m["a"])
	assert.Nil(t, m["b"])
}

func TestHashMode(t *testing.T) {
	p := &Policy{Fields: []FieldMask{{FieldPath: "secret", Mode: ModeHash, Salt: "s"}}}
	a := redactJSON(t, p, nil, `{"secret":"x","public":"visible"}`)
	b := redactJSON(t, p, nil, `{"secret":"x"}`)
	h, _ := a["secret"].(string)
	assert.True(t, strings.HasPrefix(h, "hash:"))
	assert.Equal(t, a["secret"], b["secret"])
	assert.Equal(t, "visible", a["public"])
}

func TestEncryptAndRemove(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	p := &Policy{Fields: []FieldMask{
		{FieldPath: "card", Mode: ModeEncrypt},
		{FieldPath: "ssn", Mode: ModeRemove},
	}}
	m := redactJSON(t, p, key, `{"card":"4111","ssn":"123"}`)
	enc, _ := m["card"].(string)
	assert.True(t, strings.HasPrefix(enc, "enc:"))
	_, present := m["ssn"]
	assert.False(t, present)

	_, err := NewEngine(&Policy{Fields: []FieldMask{{FieldPath: "card", Mode: ModeEncrypt}}}, nil).
		RedactData([]byte(`{"card":"4111"}`))
	assert.Error(t, err)
}

func TestWildcardPaths(t *testing.T) {
	p := &Policy{Fields: Redact("providers.*.key", "seed.*", "agents.*.token")}
	m := redactJSON(t, p, nil, `{
		"providers":{"a":{"key":"k1","url":"u"},"b":{"key":"k2"}},
		"seed":{"x":"1","y":"2"},
		"agents":[{"token":"t","id":"ops"}]
	}`)
	prov := m["providers"].(map[string]any)
	assert.Equal(t, Placeholder, prov["a"].(map[string]any)["key"])
	assert.Equal(t, "u", prov["a"].(map[string]any)["url"])
	assert.Equal(t, Placeholder, prov["b"].(map[string]any)["key"])
	assert.Equal(t, map[string]any{"x": Placeholder, "y": Placeholder}, m["seed"])
	agent := m["agents"].([]any)[0].(map[string]any)
	assert.Equal(t, Placeholder, agent["token"])
	assert.Equal(t, "ops", agent["id"])
}

func TestKeyMasks(t *testing.T) {
	p := &Policy{Keys: []KeyMask{{Contains: "token", Mode: ModeRedact}}}
	m := redactJSON(t, p, nil, `{"config":{"GithubToken":"abc","region":"eu"},"list":[{"access_token":"z"}]}`)
	cfg := m["config"].(map[string]any)
	assert.Equal(t, Placeholder, cfg["GithubToken"])
	assert.Equal(t, "eu", cfg["region"])
	assert.Equal(t, Placeholder, m["list"].([]any)[0].(map[string]any)["access_token"])

	scoped := &Policy{Keys: []KeyMask{{Under: "Secrets.Config", Contains: "secret", Mode: ModeRedact}}}
	m = redactJSON(t, scoped, nil, `{"Secrets":{"Type":"vault","Config":{"client_secret":"s","address":"a"}}}`)
	sec := m["Secrets"].(map[string]any)
	assert.Equal(t, "vault", sec["Type"])
	assert.Equal(t, map[string]any{"client_secret": Placeholder, "address": "a"}, sec["Config"])
}

func TestRedactValue(t *testing.T) {
	type inner struct{ Password string }
	v := struct {
		Name string
		DB   inner
	}{Name: "n", DB: inner{Password: "p"}}
	m, err := NewEngine(&Policy{Fields: Redact("DB.Password")}, nil).RedactValue(v)
	require.NoError(t, err)
	assert.Equal(t, "n", m["Name"])
	assert.Equal(t, Placeholder, m["DB"].(map[string]any)["Password"])

	_, err = NewEngine(nil, nil).RedactValue([]int{1})
	assert.Error(t, err)
}
