// Package transcript holds the message ledger of a chain run: the ordered
// conversation (system, user, assistant and tool messages) that represents
// the run state at any point. It also derives the messages a provider step
// adds and rebuilds a ledger from a recorded event sequence.
package transcript

import (
	"encoding/json"
	"sync"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
)

// Ledger is the ordered message sequence owned by one chain run. It is safe
// for concurrent use.
type Ledger struct {
	mu   sync.Mutex
	msgs []model.Message
}

// NewLedger returns a ledger seeded with a copy of msgs.
func NewLedger(msgs []model.Message) *Ledger {
	return &Ledger{msgs: clone(msgs)}
}

// Replace discards the current content and stores a copy of msgs.
func (l *Ledger) Replace(msgs []model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = clone(msgs)
}

// Append adds msgs at the end of the ledger.
func (l *Ledger) Append(msgs ...model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msgs...)
}

// Snapshot returns a copy of the ledger safe to hand to event consumers.
func (l *Ledger) Snapshot() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return clone(l.msgs)
}

// Len returns the number of messages.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// BuildMessagesFromResponse returns the assistant message a completed step
// adds to the ledger: reasoning first, then text, then one tool call part per
// requested call. Empty responses add nothing.
func BuildMessagesFromResponse(resp model.Response) []model.Message {
	var parts []model.Part
	if resp.Reasoning != "" {
		parts = append(parts, model.ReasoningPart{Text: resp.Reasoning})
	}
	if resp.Text != "" {
		parts = append(parts, model.TextPart{Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		args := tc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		parts = append(parts, model.ToolCallPart{ToolCallID: tc.ID, ToolName: tc.Name, Args: args})
	}
	if len(parts) == 0 {
		return nil
	}
	return []model.Message{{Role: model.RoleAssistant, Parts: parts}}
}

// Replay returns the ledger carried by the last latitude event of events.
// Provider events carry no ledger and are skipped.
func Replay(events []stream.Event) []model.Message {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Category() == stream.CategoryLatitude {
			return clone(events[i].Messages())
		}
	}
	return nil
}

// clone copies the message slice and each message's part slice. Parts are
// values except for raw JSON arguments, which are never mutated in place.
func clone(msgs []model.Message) []model.Message {
	if msgs == nil {
		return nil
	}
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = model.Message{Role: m.Role, Parts: append([]model.Part(nil), m.Parts...)}
	}
	return out
}
