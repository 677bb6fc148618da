package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/securebank-labs/bastion/pkg/engine"
)

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreRoundtrip(t *testing.T) {
	store, _ := testRedisStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	state := NewState("s1")
	state.Verified = true
	state.RecordID = "CUST-002"
	state.History = []engine.Message{
		{Role: engine.RoleUser, Content: "verify me"},
		{Role: engine.RoleAssistant, Content: "you're verified"},
	}
	if err := store.Put(ctx, state); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified || got.RecordID != "CUST-002" {
		t.Errorf("got %+v", got)
	}
	if len(got.History) != 2 || got.History[1].Content != "you're verified" {
		t.Errorf("history = %+v", got.History)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, NewState("s1")); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(31 * time.Minute)
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Error("session survived past its TTL")
	}
}

func TestRedisStorePutRefreshesTTL(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	state := NewState("s1")
	if err := store.Put(ctx, state); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(20 * time.Minute)
	if err := store.Put(ctx, state); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(20 * time.Minute)

	if _, err := store.Get(ctx, "s1"); err != nil {
		t.Errorf("active session expired despite refresh: %v", err)
	}
}

func TestRedisStoreDelete(t *testing.T) {
	store, _ := testRedisStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, NewState("s1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Error("session survived delete")
	}
}

func TestRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), "not-a-url", time.Minute); err == nil {
		t.Error("expected error for malformed url")
	}
}
