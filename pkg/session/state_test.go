package session

import (
	"context"
	"errors"
	"testing"

	"github.com/securebank-labs/bastion/pkg/engine"
)

func TestNewStateGeneratesID(t *testing.T) {
	a := NewState("")
	b := NewState("")
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids not unique: %q vs %q", a.ID, b.ID)
	}
	if a.Verified || a.RecordID != "" {
		t.Error("fresh session must start unverified and unbound")
	}

	c := NewState("explicit")
	if c.ID != "explicit" {
		t.Errorf("id = %q, want explicit", c.ID)
	}
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	state := NewState("s1")
	state.Verified = true
	state.RecordID = "CUST-001"
	state.History = []engine.Message{{Role: engine.RoleUser, Content: "hello"}}
	if err := s.Put(ctx, state); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Verified || got.RecordID != "CUST-001" || len(got.History) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := NewState("s1")
	state.History = []engine.Message{{Role: engine.RoleUser, Content: "original"}}
	if err := s.Put(ctx, state); err != nil {
		t.Fatal(err)
	}

	// Mutating what Get returned must not change the stored session.
	got, _ := s.Get(ctx, "s1")
	got.Verified = true
	got.History[0].Content = "mutated"

	again, _ := s.Get(ctx, "s1")
	if again.Verified {
		t.Error("mutation through Get leaked into the store")
	}
	if again.History[0].Content != "original" {
		t.Error("history mutation leaked into the store")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, NewState("s1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Error("session survived delete")
	}
	if err := s.Delete(ctx, "s1"); err != nil {
		t.Error("double delete should not error")
	}
}
