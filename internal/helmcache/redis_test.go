package helmcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, time.Minute, "iacreg:helmcache:")
}

func TestRedisCacheGetMissWhenAbsent(t *testing.T) {
	c := newTestRedisCache(t)
	if _, ok, err := c.Get(context.Background(), "team-a"); err != nil || ok {
		t.Fatalf("expected a clean miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCacheSetThenGetRoundTrips(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	set, err := c.Set(ctx, "team-a", []byte("apiVersion: v1\nentries: {}\n"))
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := c.Get(ctx, "team-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit right after set")
	}
	if got.ETag != set.ETag || string(got.Content) != string(set.Content) {
		t.Fatalf("expected round-tripped entry to match, got %+v want %+v", got, set)
	}
}

func TestRedisCacheInvalidateRemovesEntry(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	if _, err := c.Set(ctx, "team-a", []byte("content")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Invalidate(ctx, "team-a"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, err := c.Get(ctx, "team-a"); err != nil || ok {
		t.Fatalf("expected a miss after invalidate, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCacheNamespacesKeysIndependently(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()

	if _, err := c.Set(ctx, "team-a", []byte("a-content")); err != nil {
		t.Fatalf("set team-a: %v", err)
	}
	if _, err := c.Set(ctx, "team-b", []byte("b-content")); err != nil {
		t.Fatalf("set team-b: %v", err)
	}

	a, _, err := c.Get(ctx, "team-a")
	if err != nil {
		t.Fatalf("get team-a: %v", err)
	}
	if string(a.Content) != "a-content" {
		t.Fatalf("expected team-a content untouched, got %s", a.Content)
	}
}
