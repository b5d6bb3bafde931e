package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type (
	// ConversationRole is the role of a message author.
	ConversationRole string

	// Message is a role-tagged unit of conversation content.
	Message struct {
		// Role is the message author.
		Role ConversationRole
		// Parts is the ordered content of the message.
		Parts []Part
	}

	// Part is a message content fragment. Implementations are TextPart,
	// ReasoningPart, ToolCallPart and ToolResultPart.
	Part interface {
		isPart()
	}

	// TextPart carries visible text.
	TextPart struct {
		Text string `json:"text"`
	}

	// ReasoningPart carries provider reasoning emitted before the answer.
	ReasoningPart struct {
		Text string `json:"text"`
	}

	// ToolCallPart declares a tool invocation by the assistant.
	ToolCallPart struct {
		ToolCallID string          `json:"toolCallId"`
		ToolName   string          `json:"toolName"`
		Args       json.RawMessage `json:"args"`
	}

	// ToolResultPart carries the result of a tool invocation back to the model.
	ToolResultPart struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Result     any    `json:"result"`
		IsError    bool   `json:"isError"`
	}
)

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

const (
	partTypeText       = "text"
	partTypeReasoning  = "reasoning"
	partTypeToolCall   = "tool-call"
	partTypeToolResult = "tool-result"
)

func (TextPart) isPart()       {}
func (ReasoningPart) isPart()  {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}

// NewTextMessage builds a single text part message.
func NewTextMessage(role ConversationRole, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool calls declared by the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, ToolCall{ID: tc.ToolCallID, Name: tc.ToolName, Arguments: tc.Args})
		}
	}
	return calls
}

// MarshalJSON encodes the message using a type discriminator on each part.
func (m Message) MarshalJSON() ([]byte, error) {
	content := make([]json.RawMessage, 0, len(m.Parts))
	for i, p := range m.Parts {
		raw, err := marshalPart(p)
		if err != nil {
			return nil, fmt.Errorf("encode content[%d]: %w", i, err)
		}
		content = append(content, raw)
	}
	return json.Marshal(struct {
		Role    ConversationRole  `json:"role"`
		Content []json.RawMessage `json:"content"`
	}{Role: m.Role, Content: content})
}

// UnmarshalJSON decodes a message, materializing concrete parts. Content may
// also be a plain string, which decodes to a single TextPart.
func (m *Message) UnmarshalJSON(data []byte) error {
	var tmp struct {
		Role    ConversationRole `json:"role"`
		Content json.RawMessage  `json:"content"`
	}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	if tmp.Role == "" {
		return errors.New("message role is required")
	}
	m.Role = tmp.Role
	m.Parts = nil
	if len(tmp.Content) == 0 || string(tmp.Content) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(tmp.Content, &text); err == nil {
		m.Parts = []Part{TextPart{Text: text}}
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(tmp.Content, &raws); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	m.Parts = make([]Part, 0, len(raws))
	for i, raw := range raws {
		p, err := unmarshalPart(raw)
		if err != nil {
			return fmt.Errorf("decode content[%d]: %w", i, err)
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

func marshalPart(p Part) ([]byte, error) {
	switch v := p.(type) {
	case TextPart:
		type alias TextPart
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{partTypeText, alias(v)})
	case ReasoningPart:
		type alias ReasoningPart
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{partTypeReasoning, alias(v)})
	case ToolCallPart:
		type alias ToolCallPart
		if len(v.Args) == 0 {
			v.Args = json.RawMessage(`{}`)
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{partTypeToolCall, alias(v)})
	case ToolResultPart:
		type alias ToolResultPart
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{partTypeToolResult, alias(v)})
	default:
		return nil, fmt.Errorf("unsupported part %T", p)
	}
}

func unmarshalPart(raw json.RawMessage) (Part, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case partTypeText:
		var p TextPart
		err := json.Unmarshal(raw, &p)
		return p, err
	case partTypeReasoning:
		var p ReasoningPart
		err := json.Unmarshal(raw, &p)
		return p, err
	case partTypeToolCall:
		var p ToolCallPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.ToolCallID == "" {
			return nil, errors.New("tool-call part requires toolCallId")
		}
		return p, nil
	case partTypeToolResult:
		var p ToolResultPart
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.ToolCallID == "" {
			return nil, errors.New("tool-result part requires toolCallId")
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", head.Type)
	}
}
