package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T, s *miniredis.Miniredis) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	return NewRedisCacheWithClient(newTestClient(t, s), time.Hour), s
}

func TestNewRedisCacheWithClient(t *testing.T) {
	cache, _ := setupTestRedis(t)

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if cache.ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", cache.ttl)
	}
}

func TestNewRedisCacheDefaultsTTL(t *testing.T) {
	s := miniredis.RunT(t)
	cache := NewRedisCacheWithClient(newTestClient(t, s), 0)
	if cache.ttl != 24*time.Hour {
		t.Errorf("expected default ttl 24h, got %v", cache.ttl)
	}
}

func TestRedisCacheSetAndGet(t *testing.T) {
	cache, s := setupTestRedis(t)

	ctx := context.Background()
	doc := json.RawMessage(`{"phase":"vote"}`)
	if err := cache.Set(ctx, "s1", doc); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := cache.Get(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if string(got) != string(doc) {
		t.Errorf("expected %s, got %s", doc, got)
	}
	if !s.Exists("session-state:s1") {
		t.Error("expected prefixed key in redis")
	}
}

func TestRedisCacheMiss(t *testing.T) {
	cache, _ := setupTestRedis(t)

	_, ok, err := cache.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected miss for unknown session")
	}
}

func TestRedisCacheExpires(t *testing.T) {
	cache, s := setupTestRedis(t)

	ctx := context.Background()
	if err := cache.Set(ctx, "s1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.FastForward(2 * time.Hour)

	if _, ok, _ := cache.Get(ctx, "s1"); ok {
		t.Error("expected entry to expire")
	}
}

func TestRedisCacheUnavailable(t *testing.T) {
	cache, s := setupTestRedis(t)
	s.Close()

	if _, _, err := cache.Get(context.Background(), "s1"); err == nil {
		t.Error("expected Get to fail when redis is down")
	}
	if err := cache.Set(context.Background(), "s1", json.RawMessage(`{}`)); err == nil {
		t.Error("expected Set to fail when redis is down")
	}
}

func TestRedisCacheSharedBetweenClients(t *testing.T) {
	s := miniredis.RunT(t)
	first := NewRedisCacheWithClient(newTestClient(t, s), time.Hour)
	second := NewRedisCacheWithClient(newTestClient(t, s), time.Hour)

	ctx := context.Background()
	if err := first.Set(ctx, "s1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := second.Set(ctx, "s1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := first.Get(ctx, "s1")
	if err != nil || !ok || string(got) != `{"v":2}` {
		t.Fatalf("expected last write from other client, got %s ok=%v err=%v", got, ok, err)
	}
}
