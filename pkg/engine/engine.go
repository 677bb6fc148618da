// Package engine abstracts the reasoning engine that drafts replies. The
// engine proposes; it never executes. Tool calls it emits are requests
// that the conversation state machine may grant or deny, and nothing the
// engine claims about verification state is trusted.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message roles, matching the chat-completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry in the conversation transcript handed to the
// engine.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDef describes a capability offered to the engine. Parameters is a
// JSON Schema object.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a capability request emitted by the engine.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded
}

// DraftRequest carries the transcript and the capabilities on offer.
type DraftRequest struct {
	Messages []Message
	Tools    []ToolDef
}

// DraftResponse is one engine turn: either final text, or tool calls
// that need results before the engine can continue.
type DraftResponse struct {
	Text      string
	ToolCalls []ToolCall
}

// Engine drafts a reply for the current transcript.
type Engine interface {
	Draft(ctx context.Context, req DraftRequest) (DraftResponse, error)
}

// UpstreamError means the engine backend failed. It is infrastructure
// trouble, distinct from a classification block, and callers surface a
// generic apology rather than retrying.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("reasoning engine %s failed: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
