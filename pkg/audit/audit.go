// Package audit records what the gateway decided and why. Events carry
// ciphertext and metadata only; the Event type has no plaintext field,
// so a sink cannot leak what the envelope protects.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/securebank-labs/bastion/pkg/envelope"
)

// Decisions recorded per turn.
const (
	DecisionDelivered     = "delivered"
	DecisionBlockedInput  = "blocked_input"
	DecisionBlockedOutput = "blocked_output"
	DecisionError         = "error"
)

// Event is one audit record.
type Event struct {
	SessionID    string             `json:"session_id"`
	TurnID       string             `json:"turn_id"`
	Timestamp    time.Time          `json:"timestamp"`
	Decision     string             `json:"decision"`
	Signatures   []string           `json:"signatures,omitempty"`
	Categories   []string           `json:"categories,omitempty"`
	RecordIDs    []string           `json:"record_ids,omitempty"`
	Similarity   float32            `json:"similarity,omitempty"`
	LeakMethod   string             `json:"leak_method,omitempty"`
	Envelope     *envelope.Envelope `json:"envelope,omitempty"`
	ProcessingMS int64              `json:"processing_ms"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
	Close() error
}

// JSONLSink appends one JSON object per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLSink opens (or creates) the audit log for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Record appends the event. Encoder writes include the trailing newline.
func (s *JSONLSink) Record(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		return fmt.Errorf("audit write failed: %w", err)
	}
	return nil
}

// Close flushes and closes the log file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NopSink discards events. Used when auditing is explicitly disabled in
// tests.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, event Event) error { return nil }
func (NopSink) Close() error                                  { return nil }
