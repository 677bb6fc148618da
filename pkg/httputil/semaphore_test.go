package httputil

import (
	"context"
	"testing"
	"time"
)

func TestSemaphoreTryAcquire(t *testing.T) {
	s := NewSemaphore(2)

	if !s.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if !s.TryAcquire() {
		t.Fatal("second acquire should succeed")
	}
	if s.TryAcquire() {
		t.Error("third acquire should fail at capacity")
	}
	if got := s.DroppedCount(); got != 1 {
		t.Errorf("expected 1 dropped, got %d", got)
	}

	s.Release()
	if !s.TryAcquire() {
		t.Error("acquire after release should succeed")
	}
}

func TestSemaphoreAcquireContextCancel(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx)
	if err == nil {
		t.Fatal("expected context error when semaphore is full")
	}
}

func TestSemaphoreStats(t *testing.T) {
	s := NewSemaphore(3)
	s.TryAcquire()

	stats := s.Stats()
	if stats.Capacity != 3 {
		t.Errorf("capacity = %d, want 3", stats.Capacity)
	}
	if stats.InUse != 1 {
		t.Errorf("in use = %d, want 1", stats.InUse)
	}
	if stats.Available != 2 {
		t.Errorf("available = %d, want 2", stats.Available)
	}
}

func TestSemaphoreDefaultCapacity(t *testing.T) {
	s := NewSemaphore(0)
	if cap(s.sem) != 100 {
		t.Errorf("default capacity = %d, want 100", cap(s.sem))
	}
}
