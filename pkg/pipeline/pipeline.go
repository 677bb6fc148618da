// Package pipeline composes the defensive layers around a conversation
// turn: input gate, state machine and engine, draft sealing, output
// inspection, and audit. A turn's draft exists in plaintext only inside
// the envelope inspection window.
package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/securebank-labs/bastion/pkg/audit"
	"github.com/securebank-labs/bastion/pkg/engine"
	"github.com/securebank-labs/bastion/pkg/envelope"
	"github.com/securebank-labs/bastion/pkg/guard"
	"github.com/securebank-labs/bastion/pkg/httputil"
	"github.com/securebank-labs/bastion/pkg/leak"
	"github.com/securebank-labs/bastion/pkg/session"
)

// User-facing texts for non-delivery outcomes. Fixed strings; they never
// include detection detail.
const (
	inputRefusal = "I'm sorry, but I can't help with that request. If you have a question about your own account, I'm happy to assist after verification."
	busyReply    = "We're experiencing high demand right now. Please try again in a moment."
	errorReply   = "I apologize, but I encountered an error processing your request. Please try again."
)

// TurnResponse is what the transport layer returns to the caller.
type TurnResponse struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Reply     string `json:"reply"`
	Decision  string `json:"decision"`
	Verified  bool   `json:"verified"`
}

// Pipeline wires the layers for the chat endpoint.
type Pipeline struct {
	gate     *guard.Gate
	machine  *session.Machine
	keys     *envelope.KeyManager
	detector *leak.Detector
	sink     audit.Sink
	sem      *httputil.Semaphore
	stats    *Stats
}

// New assembles a pipeline. sem bounds concurrent engine turns.
func New(gate *guard.Gate, machine *session.Machine, keys *envelope.KeyManager,
	detector *leak.Detector, sink audit.Sink, sem *httputil.Semaphore) *Pipeline {
	return &Pipeline{
		gate:     gate,
		machine:  machine,
		keys:     keys,
		detector: detector,
		sink:     sink,
		sem:      sem,
		stats:    NewStats(),
	}
}

// Stats exposes the running counters.
func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// Scan classifies text through the input gate without running a turn.
func (p *Pipeline) Scan(text string) guard.Result {
	return p.gate.Evaluate(text)
}

// HandleTurn runs one full conversation turn.
func (p *Pipeline) HandleTurn(ctx context.Context, sessionID, userMessage string) TurnResponse {
	start := time.Now()
	turnID := uuid.NewString()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Input gate. A hit means the raw message never reaches the engine.
	gateRes := p.gate.Evaluate(userMessage)
	if gateRes.Blocked {
		event := audit.Event{
			SessionID:  sessionID,
			TurnID:     turnID,
			Timestamp:  time.Now().UTC(),
			Decision:   audit.DecisionBlockedInput,
			Signatures: gateRes.SignatureNames(),
			Categories: categoryNames(gateRes.Categories()),
			RecordIDs:  gateRes.RecordIDs,
		}
		p.record(ctx, event, start)
		return TurnResponse{
			SessionID: sessionID,
			TurnID:    turnID,
			Reply:     inputRefusal,
			Decision:  audit.DecisionBlockedInput,
		}
	}

	// Engine turns are bounded; shedding beats queueing under load.
	if !p.sem.TryAcquire() {
		p.record(ctx, audit.Event{
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
			Decision:  audit.DecisionError,
		}, start)
		return TurnResponse{
			SessionID: sessionID,
			TurnID:    turnID,
			Reply:     busyReply,
			Decision:  audit.DecisionError,
		}
	}
	turn, err := p.machine.HandleTurn(ctx, sessionID, userMessage)
	p.sem.Release()
	if err != nil {
		var ue *engine.UpstreamError
		if errors.As(err, &ue) {
			log.Printf("[PIPELINE] Engine failure on session %s: %v", sessionID, err)
		} else {
			log.Printf("[PIPELINE] Turn failed on session %s: %v", sessionID, err)
		}
		p.record(ctx, audit.Event{
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
			Decision:  audit.DecisionError,
		}, start)
		return TurnResponse{
			SessionID: sessionID,
			TurnID:    turnID,
			Reply:     errorReply,
			Decision:  audit.DecisionError,
		}
	}

	// Seal the draft, then inspect it through the scoped window. The
	// draft is never handled in the clear outside Inspect.
	env, err := p.keys.Seal([]byte(turn.Text), map[string]string{
		"session_id": sessionID,
		"turn_id":    turnID,
	})
	if err != nil {
		log.Printf("[PIPELINE] Seal failed on session %s: %v", sessionID, err)
		p.record(ctx, audit.Event{
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
			Decision:  audit.DecisionError,
		}, start)
		return TurnResponse{
			SessionID: sessionID,
			TurnID:    turnID,
			Reply:     errorReply,
			Decision:  audit.DecisionError,
		}
	}

	var leakRes leak.Result
	inspectErr := p.keys.Inspect(env, func(plaintext []byte) error {
		leakRes = p.detector.Inspect(ctx, string(plaintext))
		return nil
	})
	if inspectErr != nil {
		var ie *envelope.IntegrityError
		if errors.As(inspectErr, &ie) {
			log.Printf("[PIPELINE] Integrity failure on session %s key %s", sessionID, ie.KeyID)
		}
		p.record(ctx, audit.Event{
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
			Decision:  audit.DecisionError,
		}, start)
		return TurnResponse{
			SessionID: sessionID,
			TurnID:    turnID,
			Reply:     errorReply,
			Decision:  audit.DecisionError,
		}
	}

	if leakRes.Blocked {
		// Blocked drafts are discarded. The audit record carries metadata
		// only; the draft itself is gone.
		p.record(ctx, audit.Event{
			SessionID:  sessionID,
			TurnID:     turnID,
			Timestamp:  time.Now().UTC(),
			Decision:   audit.DecisionBlockedOutput,
			Categories: []string{leakRes.Category},
			RecordIDs:  recordIDList(leakRes.RecordID),
			Similarity: leakRes.Similarity,
			LeakMethod: leakRes.Method,
		}, start)
		return TurnResponse{
			SessionID: sessionID,
			TurnID:    turnID,
			Reply:     leak.SafeAlternative(leakRes.Category),
			Decision:  audit.DecisionBlockedOutput,
			Verified:  turn.Verified,
		}
	}

	// Safe to deliver. Open for the reply; the audit record keeps the
	// sealed copy.
	plaintext, err := p.keys.Open(env)
	if err != nil {
		p.record(ctx, audit.Event{
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
			Decision:  audit.DecisionError,
		}, start)
		return TurnResponse{
			SessionID: sessionID,
			TurnID:    turnID,
			Reply:     errorReply,
			Decision:  audit.DecisionError,
		}
	}

	p.record(ctx, audit.Event{
		SessionID:  sessionID,
		TurnID:     turnID,
		Timestamp:  time.Now().UTC(),
		Decision:   audit.DecisionDelivered,
		Similarity: leakRes.Similarity,
		LeakMethod: leakRes.Method,
		Envelope:   env,
	}, start)

	return TurnResponse{
		SessionID: sessionID,
		TurnID:    turnID,
		Reply:     string(plaintext),
		Decision:  audit.DecisionDelivered,
		Verified:  turn.Verified,
	}
}

// record finalizes timing, updates counters, and hands the event to the
// sink. Audit failures are logged, not surfaced to the user.
func (p *Pipeline) record(ctx context.Context, event audit.Event, start time.Time) {
	event.ProcessingMS = time.Since(start).Milliseconds()
	p.stats.Observe(event)
	if err := p.sink.Record(ctx, event); err != nil {
		log.Printf("[WARN] Audit record failed: %v", err)
	}
}

func recordIDList(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

func categoryNames(cats []guard.Category) []string {
	out := make([]string, len(cats))
	for i, c := range cats {
		out[i] = string(c)
	}
	return out
}
