package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/securebank-labs/bastion/pkg/corpus"
	"github.com/securebank-labs/bastion/pkg/engine"
	"github.com/securebank-labs/bastion/pkg/tools"
)

const systemPrompt = "You are a helpful banking assistant for SecureBank. " +
	"You can look up balances, transactions, loan eligibility, make transfers, " +
	"and update contact details, but only for the verified account holder. " +
	"If a customer is not yet verified, ask for the last four digits of their " +
	"card and their postcode, then call verify_customer. Never reveal " +
	"information about any other customer."

// deniedResult is fed back to the engine when it requests a sensitive
// capability on an unverified or mismatched session. It carries no hint
// about which records exist.
const deniedResult = `{"error":"capability denied: verification required"}`

// Verifier resolves the two verification secrets to a record id.
type Verifier struct {
	roster *corpus.Store
}

// NewVerifier creates a verifier over the roster.
func NewVerifier(roster *corpus.Store) *Verifier {
	return &Verifier{roster: roster}
}

// Verify returns the matching record id, or ok=false. Both secrets must
// match the same record; there is no partial credit and no lockout.
func (v *Verifier) Verify(cardLastFour, postcode string) (string, bool) {
	r := v.roster.Current().FindBySecrets(cardLastFour, postcode)
	if r == nil {
		return "", false
	}
	return r.ID, true
}

// keyedMutex serializes turns per session id. Different sessions proceed
// concurrently. Entries are reference counted and removed once the last
// holder releases, so the map tracks in-flight sessions, not every
// session id ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sessionLock)}
}

func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &sessionLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// held returns the number of session ids with an in-flight or waiting
// turn.
func (k *keyedMutex) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// TurnResult is what one conversation turn produced.
type TurnResult struct {
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Verified    bool   `json:"verified"`
	RecordID    string `json:"record_id,omitempty"`
	EngineCalls int    `json:"engine_calls"`
}

// Machine runs the bounded draft-and-tool loop for a turn. It holds sole
// authority over capabilities: verification transitions happen here, a
// verified session stays bound to its first record, and every sensitive
// capability is denied until the session is verified, regardless of
// anything the engine asserts.
type Machine struct {
	store    Store
	verifier *Verifier
	svc      *tools.Service
	eng      engine.Engine
	maxCalls int
	locks    *keyedMutex
}

// NewMachine wires the state machine. maxCalls bounds engine drafts per
// turn.
func NewMachine(store Store, verifier *Verifier, svc *tools.Service, eng engine.Engine, maxCalls int) *Machine {
	if maxCalls < 1 {
		maxCalls = 1
	}
	return &Machine{
		store:    store,
		verifier: verifier,
		svc:      svc,
		eng:      eng,
		maxCalls: maxCalls,
		locks:    newKeyedMutex(),
	}
}

// HandleTurn appends the user message, runs the engine until it settles
// on text or the call budget runs out, and persists the session. Engine
// failures propagate as *engine.UpstreamError with the session left
// unchanged from before the turn.
func (m *Machine) HandleTurn(ctx context.Context, sessionID, userMessage string) (TurnResult, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	state, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		state = NewState(sessionID)
		err = nil
	}
	if err != nil {
		return TurnResult{}, fmt.Errorf("session load failed: %w", err)
	}

	state.History = append(state.History, engine.Message{
		Role:    engine.RoleUser,
		Content: userMessage,
	})

	var (
		text  string
		calls int
	)
	for calls < m.maxCalls {
		req := engine.DraftRequest{
			Messages: append([]engine.Message{{Role: engine.RoleSystem, Content: systemPrompt}}, state.History...),
			Tools:    capabilityDefs(),
		}
		resp, err := m.eng.Draft(ctx, req)
		if err != nil {
			return TurnResult{}, err
		}
		calls++

		if len(resp.ToolCalls) == 0 {
			text = resp.Text
			break
		}

		state.History = append(state.History, engine.Message{
			Role:      engine.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			state.History = append(state.History, engine.Message{
				Role:       engine.RoleTool,
				ToolCallID: call.ID,
				Content:    m.execute(state, call),
			})
		}
	}

	if text == "" {
		text = "I wasn't able to complete that request. Could you rephrase it?"
	}
	state.History = append(state.History, engine.Message{
		Role:    engine.RoleAssistant,
		Content: text,
	})

	if err := m.store.Put(ctx, state); err != nil {
		return TurnResult{}, fmt.Errorf("session save failed: %w", err)
	}

	return TurnResult{
		SessionID:   state.ID,
		Text:        text,
		Verified:    state.Verified,
		RecordID:    state.RecordID,
		EngineCalls: calls,
	}, nil
}

// execute runs one capability request under the session's authority. The
// returned string is the tool-result content handed back to the engine.
func (m *Machine) execute(state *State, call engine.ToolCall) string {
	if call.Name == tools.CapVerify {
		return m.executeVerify(state, call.Arguments)
	}

	// Every other capability requires a bound session.
	if !state.Verified || state.RecordID == "" {
		return deniedResult
	}

	switch call.Name {
	case tools.CapBalance:
		bal, err := m.svc.Balance(state.RecordID)
		if err != nil {
			return toolError(err)
		}
		return toolJSON(map[string]any{"balance": bal, "currency": "GBP"})

	case tools.CapTransactions:
		var args struct {
			Limit int `json:"limit"`
		}
		_ = json.Unmarshal([]byte(call.Arguments), &args)
		history, err := m.svc.TransactionHistory(state.RecordID, args.Limit)
		if err != nil {
			return toolError(err)
		}
		return toolJSON(map[string]any{"transactions": history})

	case tools.CapTransfer:
		var args struct {
			Amount      float64 `json:"amount"`
			Destination string  `json:"destination"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err))
		}
		confirmation, err := m.svc.Transfer(state.RecordID, args.Amount, args.Destination)
		if err != nil {
			return toolError(err)
		}
		return toolJSON(map[string]any{"confirmation": confirmation})

	case tools.CapLoan:
		offer, err := m.svc.LoanEligibility(state.RecordID)
		if err != nil {
			return toolError(err)
		}
		return toolJSON(map[string]any{"offer": offer})

	case tools.CapContact:
		var args struct {
			Field string `json:"field"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err))
		}
		old, err := m.svc.UpdateContact(state.RecordID, args.Field, args.Value)
		if err != nil {
			return toolError(err)
		}
		return toolJSON(map[string]any{"updated": args.Field, "previous": old})

	default:
		return toolError(fmt.Errorf("unknown capability %q", call.Name))
	}
}

// executeVerify is the only transition out of the unverified state. A
// session that is already bound never rebinds: secrets for a different
// record come back as a plain verification failure.
func (m *Machine) executeVerify(state *State, arguments string) string {
	var args struct {
		CardLastFour string `json:"card_last_four"`
		Postcode     string `json:"postcode"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return toolError(fmt.Errorf("invalid arguments: %w", err))
	}

	recordID, ok := m.verifier.Verify(args.CardLastFour, args.Postcode)
	if !ok {
		return `{"verified":false}`
	}

	if state.Verified && state.RecordID != recordID {
		log.Printf("[SESSION] Rebind attempt on session %s denied", state.ID)
		return `{"verified":false}`
	}

	state.Verified = true
	state.RecordID = recordID
	return toolJSON(map[string]any{"verified": true, "record_id": recordID})
}

func toolJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return toolError(err)
	}
	return string(b)
}

func toolError(err error) string {
	msg := strings.ReplaceAll(err.Error(), `"`, `'`)
	return fmt.Sprintf(`{"error":%q}`, msg)
}

// capabilityDefs lists every capability offered to the engine, with JSON
// Schema parameter shapes.
func capabilityDefs() []engine.ToolDef {
	return []engine.ToolDef{
		{
			Name:        tools.CapVerify,
			Description: "Verify the customer's identity using the last four digits of their card and their postcode.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"card_last_four": {"type": "string", "description": "Last four digits of the customer's card"},
					"postcode": {"type": "string", "description": "The customer's postcode"}
				},
				"required": ["card_last_four", "postcode"]
			}`),
		},
		{
			Name:        tools.CapBalance,
			Description: "Get the verified customer's current account balance.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        tools.CapTransactions,
			Description: "Get the verified customer's recent transactions.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "description": "Maximum number of transactions to return"}
				}
			}`),
		},
		{
			Name:        tools.CapTransfer,
			Description: "Transfer funds from the verified customer's account.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"amount": {"type": "number", "description": "Amount to transfer"},
					"destination": {"type": "string", "description": "Destination account"}
				},
				"required": ["amount", "destination"]
			}`),
		},
		{
			Name:        tools.CapLoan,
			Description: "Check the verified customer's loan eligibility.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        tools.CapContact,
			Description: "Update the verified customer's email address or phone number.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"field": {"type": "string", "enum": ["email", "phone"]},
					"value": {"type": "string", "description": "The new value"}
				},
				"required": ["field", "value"]
			}`),
		},
	}
}
