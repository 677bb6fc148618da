// Package session owns conversation state and capability authority. A
// session starts unverified, may become verified and bound to exactly one
// record, and never rebinds. The state machine here is the only component
// that decides what the reasoning engine's capability requests may touch;
// nothing the engine says about verification is believed.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securebank-labs/bastion/pkg/engine"
)

// ErrNotFound means no session exists under the given id.
var ErrNotFound = errors.New("session not found")

// State is the persisted record of one conversation.
type State struct {
	ID        string           `json:"id"`
	Verified  bool             `json:"verified"`
	RecordID  string           `json:"record_id,omitempty"`
	History   []engine.Message `json:"history"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewState creates a fresh unverified session. An empty id gets a
// generated one.
func NewState(id string) *State {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &State{ID: id, CreatedAt: now, UpdatedAt: now}
}

// Store persists session state between turns.
type Store interface {
	Get(ctx context.Context, id string) (*State, error)
	Put(ctx context.Context, state *State) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in-process. Suitable for a single gateway
// instance and for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*State)}
}

// Get returns the stored state or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *state
	cp.History = append([]engine.Message(nil), state.History...)
	return &cp, nil
}

// Put stores the state.
func (s *MemoryStore) Put(ctx context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.History = append([]engine.Message(nil), state.History...)
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[state.ID] = &cp
	return nil
}

// Delete removes the session. Deleting a missing session is not an
// error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}
