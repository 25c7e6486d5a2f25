package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantErr     bool
		errContains string
	}{
		{name: "default memory", cfg: Config{}},
		{name: "memory", cfg: Config{Provider: "memory"}},
		{name: "env", cfg: Config{Provider: "env"}},
		{name: "vault lazily connects", cfg: Config{Provider: "vault", Config: map[string]string{"address": "http://127.0.0.1:1"}}},
		{name: "unknown provider", cfg: Config{Provider: "unknown"}, wantErr: true, errContains: "unsupported secret provider"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("error = %q, want contains %q", err.Error(), tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if store == nil {
				t.Fatalf("store should not be nil")
			}
		})
	}
}

func TestMemoryAndEnvStoreBasicContract(t *testing.T) {
	ctx := context.Background()
	stores := []Store{NewMemoryStore(), NewEnvStore("AGENTD_TEST_")}

	for _, s := range stores {
		if err := s.Set(ctx, "github.token", "value"); err != nil {
			t.Fatalf("set secret failed: %v", err)
		}
		got, err := s.Get(ctx, "github.token")
		if err != nil {
			t.Fatalf("get secret failed: %v", err)
		}
		if got != "value" {
			t.Fatalf("get secret = %q, want value", got)
		}
		if err := s.Delete(ctx, "github.token"); err != nil {
			t.Fatalf("delete secret failed: %v", err)
		}
		_, err = s.Get(ctx, "github.token")
		if !errors.Is(err, ErrSecretNotFound) {
			t.Fatalf("expected ErrSecretNotFound after delete, got %v", err)
		}
	}
}

func TestMemoryStoreSeedIsCopied(t *testing.T) {
	seed := map[string]string{"a": "1"}
	s := NewMemoryStoreFrom(seed)
	seed["a"] = "2"
	got, err := s.Get(context.Background(), "a")
	if err != nil || got != "1" {
		t.Fatalf("Get(a) = %q, %v", got, err)
	}
}

func TestEnvStoreNameMapping(t *testing.T) {
	t.Setenv("X_SLACK_BOT_TOKEN", "tok")
	s := NewEnvStore("X_")
	got, err := s.Get(context.Background(), "slack.bot-token")
	if err != nil || got != "tok" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}
