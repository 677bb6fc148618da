package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/securebank-labs/bastion/pkg/tools"
)

var (
	cardRe     = regexp.MustCompile(`\b(\d{4})\b`)
	postcodeRe = regexp.MustCompile(`(?i)\b([A-Z]{1,2}\d[A-Z\d]?\s*\d[A-Z]{2})\b`)
	amountRe   = regexp.MustCompile(`£?\s*(\d+(?:\.\d{1,2})?)`)
)

// ScriptedEngine is a deterministic engine: a fixed rule set over the
// last user message, no network, no model. It backs tests and lets the
// gateway run end to end without an API key. Tests may replace Script
// wholesale.
type ScriptedEngine struct {
	Script func(req DraftRequest) (DraftResponse, error)
}

// NewScriptedEngine returns an engine running the built-in banking
// script.
func NewScriptedEngine() *ScriptedEngine {
	return &ScriptedEngine{}
}

// Draft runs the configured script, or the built-in one.
func (e *ScriptedEngine) Draft(ctx context.Context, req DraftRequest) (DraftResponse, error) {
	if e.Script != nil {
		return e.Script(req)
	}
	return defaultScript(req)
}

// defaultScript answers the common banking intents with tool calls and
// phrases tool results back. Anything it does not recognize gets a
// generic reply.
func defaultScript(req DraftRequest) (DraftResponse, error) {
	if len(req.Messages) == 0 {
		return DraftResponse{Text: "Hello! How can I help you with your account today?"}, nil
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role == RoleTool {
		return phraseToolResult(last), nil
	}

	text := strings.ToLower(last.Content)
	call := func(name, args string) DraftResponse {
		return DraftResponse{ToolCalls: []ToolCall{{
			ID:        fmt.Sprintf("call_%s_%d", name, len(req.Messages)),
			Name:      name,
			Arguments: args,
		}}}
	}

	switch {
	case postcodeRe.MatchString(last.Content) && cardRe.MatchString(last.Content):
		card := cardRe.FindStringSubmatch(last.Content)[1]
		postcode := postcodeRe.FindStringSubmatch(last.Content)[1]
		args, _ := marshalArgs(map[string]any{"card_last_four": card, "postcode": postcode})
		return call(tools.CapVerify, args), nil

	case strings.Contains(text, "transfer"):
		m := amountRe.FindStringSubmatch(last.Content)
		if m == nil {
			return DraftResponse{Text: "How much would you like to transfer, and to which account?"}, nil
		}
		amount, _ := strconv.ParseFloat(m[1], 64)
		args, _ := marshalArgs(map[string]any{"amount": amount, "destination": "linked account"})
		return call(tools.CapTransfer, args), nil

	case strings.Contains(text, "transaction") || strings.Contains(text, "history"):
		return call(tools.CapTransactions, `{"limit":10}`), nil

	case strings.Contains(text, "loan"):
		return call(tools.CapLoan, `{}`), nil

	case strings.Contains(text, "email") || strings.Contains(text, "phone"):
		field := "email"
		if strings.Contains(text, "phone") {
			field = "phone"
		}
		args, _ := marshalArgs(map[string]any{"field": field, "value": "on file"})
		return call(tools.CapContact, args), nil

	case strings.Contains(text, "balance"):
		return call(tools.CapBalance, `{}`), nil

	default:
		return DraftResponse{Text: "I can help with balances, transactions, transfers, loan eligibility, and contact details. What would you like to do?"}, nil
	}
}

func phraseToolResult(msg Message) DraftResponse {
	content := msg.Content
	switch {
	case strings.Contains(content, `"verified":true`):
		return DraftResponse{Text: "Thanks, your identity is confirmed. How can I help with your account?"}
	case strings.Contains(content, `"verified":false`):
		return DraftResponse{Text: "I couldn't verify those details. Please double-check your card number and postcode."}
	case strings.Contains(content, "denied"):
		return DraftResponse{Text: "I'm not able to do that until your identity has been verified. Could you confirm the last four digits of your card and your postcode?"}
	default:
		return DraftResponse{Text: "Here's what I found: " + content}
	}
}

func marshalArgs(args map[string]any) (string, error) {
	b, err := json.Marshal(args)
	return string(b), err
}
