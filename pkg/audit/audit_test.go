package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/securebank-labs/bastion/pkg/envelope"
)

func TestJSONLSinkWritesOneLinePerEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatal(err)
	}

	events := []Event{
		{
			SessionID:  "s1",
			TurnID:     "t1",
			Timestamp:  time.Now().UTC(),
			Decision:   DecisionBlockedInput,
			Signatures: []string{"ignore_previous"},
			Categories: []string{"instruction_override"},
		},
		{
			SessionID:  "s1",
			TurnID:     "t2",
			Timestamp:  time.Now().UTC(),
			Decision:   DecisionDelivered,
			Similarity: 0.31,
			LeakMethod: "embedding",
		},
	}
	for _, e := range events {
		if err := sink.Record(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	for i, line := range lines {
		var got Event
		if err := json.Unmarshal([]byte(line), &got); err != nil {
			t.Fatalf("line %d not valid JSON: %v", i, err)
		}
		if got.SessionID != "s1" {
			t.Errorf("line %d session = %s", i, got.SessionID)
		}
	}
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for i := 0; i < 2; i++ {
		sink, err := NewJSONLSink(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := sink.Record(context.Background(), Event{SessionID: "s1", Decision: DecisionDelivered}); err != nil {
			t.Fatal(err)
		}
		sink.Close()
	}

	data, _ := os.ReadFile(path)
	if got := len(strings.Split(strings.TrimSpace(string(data)), "\n")); got != 2 {
		t.Errorf("reopening truncated the log: %d lines", got)
	}
}

func TestAuditNeverContainsPlaintext(t *testing.T) {
	const secret = "Jane Smith lives at 221B Baker Street"

	km, err := envelope.NewKeyManagerFromBase64("test-key", "")
	if err != nil {
		t.Fatal(err)
	}
	env, err := km.Seal([]byte(secret), map[string]string{"session_id": "s1"})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewJSONLSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Record(context.Background(), Event{
		SessionID: "s1",
		TurnID:    "t1",
		Decision:  DecisionDelivered,
		Envelope:  env,
	}); err != nil {
		t.Fatal(err)
	}
	sink.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "Baker Street") || strings.Contains(string(data), "Jane Smith") {
		t.Fatal("audit log contains plaintext")
	}
	// The ciphertext itself must be present so the record is recoverable.
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Envelope == nil || len(got.Envelope.Ciphertext) == 0 {
		t.Error("envelope missing from audit record")
	}
}

func TestPostgresSinkRejectsBadConfig(t *testing.T) {
	if _, err := NewPostgresSink(context.Background(), "://not-a-url"); err == nil {
		t.Error("expected error for malformed postgres url")
	}
}
