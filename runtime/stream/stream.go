// Package stream defines the events a chain run emits on its output stream.
//
// Latitude events describe the phases of a run (chain, step, provider and
// tool transitions). Every latitude event carries the shared envelope: the
// errorable uuid of the run and a snapshot of the message ledger at the
// instant of emission. Provider events wrap the incremental chunks streamed
// by a model provider and carry no envelope.
//
// Events are a closed set of concrete types implementing Event. Consumers
// switch on the concrete type for typed access or call Payload for generic
// serialization.
package stream

import (
	"context"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

type (
	// Category distinguishes run lifecycle events from provider chunks.
	Category string

	// EventType identifies a latitude event.
	EventType string

	// Sink receives a copy of every event a run emits (Redis streams, durable
	// logs, SSE bridges). Implementations must be safe for concurrent use.
	Sink interface {
		// Send publishes an event. Errors are reported to the caller but never
		// stop the run.
		Send(ctx context.Context, event Event) error
		// Close releases sink resources. Close is idempotent.
		Close(ctx context.Context) error
	}

	// SinkFunc adapts a function to a Sink with a no-op Close.
	SinkFunc func(ctx context.Context, event Event) error

	// Event is a chain event. The set of implementations is closed.
	Event interface {
		// Category returns CategoryLatitude or CategoryProvider.
		Category() Category
		// Type returns the event type. Provider events return the chunk type.
		Type() EventType
		// UUID returns the errorable uuid of the emitting run. Provider events
		// return the empty string.
		UUID() string
		// Messages returns the ledger snapshot carried by the event.
		Messages() []model.Message
		// Payload returns the variant-specific data in JSON-serializable form.
		Payload() any

		rebase(uuid string, messages []model.Message) Event
	}

	// Base is the shared envelope embedded by every latitude event.
	Base struct {
		t    EventType
		uuid string
		msgs []model.Message
		p    any
	}

	// ChainStarted is emitted once when the run opens its stream.
	ChainStarted struct{ Base }

	// StepStarted opens a step.
	StepStarted struct{ Base }

	// StepCompleted closes a step.
	StepCompleted struct{ Base }

	// ProviderStarted announces a provider call with the conversation config.
	ProviderStarted struct {
		Base
		Data ProviderStartedPayload
	}

	// ProviderCompleted reports the outcome of a provider call.
	ProviderCompleted struct {
		Base
		Data ProviderCompletedPayload
	}

	// ToolsStarted announces a batch of built-in tool executions.
	ToolsStarted struct {
		Base
		Data ToolsStartedPayload
	}

	// ToolCompleted reports one finished built-in tool call. The tool result
	// is the last message of the envelope.
	ToolCompleted struct {
		Base
		Data ToolCompletedPayload
	}

	// ChainCompleted is the successful terminal event.
	ChainCompleted struct {
		Base
		Data ChainCompletedPayload
	}

	// ChainError is the failed terminal event.
	ChainError struct {
		Base
		Data ChainErrorPayload
	}

	// ToolsRequested is the terminal event handing tool calls to the caller.
	ToolsRequested struct {
		Base
		Data ToolsRequestedPayload
	}

	// ProviderEvent forwards a provider chunk verbatim.
	ProviderEvent struct {
		Chunk model.Chunk
	}

	ProviderStartedPayload struct {
		Config model.Config `json:"config"`
	}

	ProviderCompletedPayload struct {
		ProviderLogUUID string             `json:"providerLogUuid"`
		TokenUsage      model.TokenUsage   `json:"tokenUsage"`
		FinishReason    model.FinishReason `json:"finishReason"`
		Response        *model.Response    `json:"response"`
	}

	ToolsStartedPayload struct {
		Tools []model.ToolCall `json:"tools"`
	}

	ToolCompletedPayload struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		IsError    bool   `json:"isError"`
	}

	ChainCompletedPayload struct {
		FinishReason model.FinishReason `json:"finishReason"`
		TokenUsage   model.TokenUsage   `json:"tokenUsage"`
	}

	ChainErrorPayload struct {
		Error ErrorInfo `json:"error"`
	}

	// ErrorInfo is the serialized form of a run error.
	ErrorInfo struct {
		Name    string `json:"name"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
		Stack   string `json:"stack,omitempty"`
	}

	ToolsRequestedPayload struct {
		Tools []model.ToolCall `json:"tools"`
	}
)

const (
	CategoryLatitude Category = "latitude-event"
	CategoryProvider Category = "provider-event"
)

const (
	EventChainStarted      EventType = "chain-started"
	EventStepStarted       EventType = "step-started"
	EventProviderStarted   EventType = "provider-started"
	EventProviderCompleted EventType = "provider-completed"
	EventToolsStarted      EventType = "tools-started"
	EventToolCompleted     EventType = "tool-completed"
	EventStepCompleted     EventType = "step-completed"
	EventChainCompleted    EventType = "chain-completed"
	EventChainError        EventType = "chain-error"
	EventToolsRequested    EventType = "tools-requested"
)

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, event Event) error { return f(ctx, event) }

// Close is a no-op.
func (SinkFunc) Close(context.Context) error { return nil }

// NewBase builds an envelope. messages is stored as given; callers pass a
// snapshot they no longer mutate.
func NewBase(t EventType, uuid string, messages []model.Message, payload any) Base {
	return Base{t: t, uuid: uuid, msgs: messages, p: payload}
}

func (b Base) Category() Category        { return CategoryLatitude }
func (b Base) Type() EventType           { return b.t }
func (b Base) UUID() string              { return b.uuid }
func (b Base) Messages() []model.Message { return b.msgs }
func (b Base) Payload() any              { return b.p }

func (b Base) with(uuid string, msgs []model.Message) Base {
	b.uuid, b.msgs = uuid, msgs
	return b
}

// IsTerminal reports whether t ends a run.
func (t EventType) IsTerminal() bool {
	return t == EventChainCompleted || t == EventChainError || t == EventToolsRequested
}

func NewChainStarted(uuid string, msgs []model.Message) ChainStarted {
	return ChainStarted{NewBase(EventChainStarted, uuid, msgs, nil)}
}

func NewStepStarted(uuid string, msgs []model.Message) StepStarted {
	return StepStarted{NewBase(EventStepStarted, uuid, msgs, nil)}
}

func NewStepCompleted(uuid string, msgs []model.Message) StepCompleted {
	return StepCompleted{NewBase(EventStepCompleted, uuid, msgs, nil)}
}

func NewProviderStarted(uuid string, msgs []model.Message, p ProviderStartedPayload) ProviderStarted {
	return ProviderStarted{Base: NewBase(EventProviderStarted, uuid, msgs, p), Data: p}
}

func NewProviderCompleted(uuid string, msgs []model.Message, p ProviderCompletedPayload) ProviderCompleted {
	return ProviderCompleted{Base: NewBase(EventProviderCompleted, uuid, msgs, p), Data: p}
}

func NewToolsStarted(uuid string, msgs []model.Message, p ToolsStartedPayload) ToolsStarted {
	return ToolsStarted{Base: NewBase(EventToolsStarted, uuid, msgs, p), Data: p}
}

func NewToolCompleted(uuid string, msgs []model.Message, p ToolCompletedPayload) ToolCompleted {
	return ToolCompleted{Base: NewBase(EventToolCompleted, uuid, msgs, p), Data: p}
}

func NewChainCompleted(uuid string, msgs []model.Message, p ChainCompletedPayload) ChainCompleted {
	return ChainCompleted{Base: NewBase(EventChainCompleted, uuid, msgs, p), Data: p}
}

func NewChainError(uuid string, msgs []model.Message, p ChainErrorPayload) ChainError {
	return ChainError{Base: NewBase(EventChainError, uuid, msgs, p), Data: p}
}

func NewToolsRequested(uuid string, msgs []model.Message, p ToolsRequestedPayload) ToolsRequested {
	return ToolsRequested{Base: NewBase(EventToolsRequested, uuid, msgs, p), Data: p}
}

func (e ChainStarted) rebase(u string, m []model.Message) Event      { e.Base = e.with(u, m); return e }
func (e StepStarted) rebase(u string, m []model.Message) Event       { e.Base = e.with(u, m); return e }
func (e StepCompleted) rebase(u string, m []model.Message) Event     { e.Base = e.with(u, m); return e }
func (e ProviderStarted) rebase(u string, m []model.Message) Event   { e.Base = e.with(u, m); return e }
func (e ProviderCompleted) rebase(u string, m []model.Message) Event { e.Base = e.with(u, m); return e }
func (e ToolsStarted) rebase(u string, m []model.Message) Event      { e.Base = e.with(u, m); return e }
func (e ToolCompleted) rebase(u string, m []model.Message) Event     { e.Base = e.with(u, m); return e }
func (e ChainCompleted) rebase(u string, m []model.Message) Event    { e.Base = e.with(u, m); return e }
func (e ChainError) rebase(u string, m []model.Message) Event        { e.Base = e.with(u, m); return e }
func (e ToolsRequested) rebase(u string, m []model.Message) Event    { e.Base = e.with(u, m); return e }

// NewProviderEvent wraps a provider chunk.
func NewProviderEvent(chunk model.Chunk) ProviderEvent { return ProviderEvent{Chunk: chunk} }

func (ProviderEvent) Category() Category                     { return CategoryProvider }
func (e ProviderEvent) Type() EventType                      { return EventType(e.Chunk.Type) }
func (ProviderEvent) UUID() string                           { return "" }
func (ProviderEvent) Messages() []model.Message              { return nil }
func (e ProviderEvent) Payload() any                         { return e.Chunk }
func (e ProviderEvent) rebase(string, []model.Message) Event { return e }

// Rebase returns ev with its envelope replaced by uuid and messages. Provider
// events are returned unchanged.
func Rebase(ev Event, uuid string, messages []model.Message) Event {
	return ev.rebase(uuid, messages)
}
