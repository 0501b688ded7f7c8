package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type stubRedis struct {
	values map[string]string
	err    error
	set    map[string]any
}

func (s *stubRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if s.err != nil {
		return redis.NewStringResult("", s.err)
	}
	v, ok := s.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (s *stubRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if s.set == nil {
		s.set = map[string]any{}
	}
	s.set[key] = value
	return redis.NewStatusResult("OK", s.err)
}

func TestRedisStore_Setting(t *testing.T) {
	store := NewRedisStore(&stubRedis{values: map[string]string{
		"settings:ai_default_provider": "anthropic",
		"settings:ai_model_openai":     "",
	}})

	v, ok, err := store.Setting(context.Background(), DefaultProvider)
	if err != nil || !ok || v != "anthropic" {
		t.Errorf("expected anthropic, got %q %v %v", v, ok, err)
	}

	if _, ok, err := store.Setting(context.Background(), ModelFor("openai")); ok || err != nil {
		t.Errorf("empty value should be absent without error, got %v %v", ok, err)
	}

	if _, ok, err := store.Setting(context.Background(), ModelFor("gemini")); ok || err != nil {
		t.Errorf("missing key should be absent without error, got %v %v", ok, err)
	}
}

func TestRedisStore_SettingError(t *testing.T) {
	store := NewRedisStore(&stubRedis{err: errors.New("dial tcp: connection refused")})
	_, ok, err := store.Setting(context.Background(), DefaultProvider)
	if err == nil || ok {
		t.Errorf("expected an error, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStore_Put(t *testing.T) {
	stub := &stubRedis{}
	if err := NewRedisStore(stub).Put(context.Background(), DefaultProvider, "gemini"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if stub.set["settings:ai_default_provider"] != "gemini" {
		t.Errorf("expected value written under prefixed key, got %v", stub.set)
	}
}

func TestStatic(t *testing.T) {
	s := Static{DefaultProvider: "openai"}
	if v, ok, _ := s.Setting(context.Background(), DefaultProvider); !ok || v != "openai" {
		t.Errorf("expected openai, got %q %v", v, ok)
	}
}
