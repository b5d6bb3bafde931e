package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

type (
	envelope struct {
		Event Category        `json:"event"`
		Data  json.RawMessage `json:"data"`
	}

	header struct {
		Type     EventType       `json:"type"`
		UUID     string          `json:"uuid"`
		Messages []model.Message `json:"messages"`
	}
)

// ErrUnknownEvent is returned by Unmarshal for unrecognized categories or
// event types.
var ErrUnknownEvent = errors.New("stream: unknown event")

// Marshal encodes ev as {"event": <category>, "data": {...}}. Latitude event
// data flattens the envelope (type, uuid, messages) and the payload fields
// into one object. Provider event data is the chunk.
func Marshal(ev Event) ([]byte, error) {
	if ev.Category() == CategoryProvider {
		data, err := json.Marshal(ev.Payload())
		if err != nil {
			return nil, fmt.Errorf("stream: encode provider event: %w", err)
		}
		return json.Marshal(envelope{Event: CategoryProvider, Data: data})
	}
	fields := map[string]json.RawMessage{}
	if p := ev.Payload(); p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("stream: encode %s payload: %w", ev.Type(), err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("stream: %s payload must be an object: %w", ev.Type(), err)
		}
	}
	msgs := ev.Messages()
	if msgs == nil {
		msgs = []model.Message{}
	}
	for k, v := range map[string]any{"type": ev.Type(), "uuid": ev.UUID(), "messages": msgs} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("stream: encode %s %s: %w", ev.Type(), k, err)
		}
		fields[k] = raw
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: CategoryLatitude, Data: data})
}

// Unmarshal decodes the output of Marshal into the concrete event type.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("stream: decode envelope: %w", err)
	}
	switch env.Event {
	case CategoryProvider:
		var chunk model.Chunk
		if err := json.Unmarshal(env.Data, &chunk); err != nil {
			return nil, fmt.Errorf("stream: decode provider event: %w", err)
		}
		return NewProviderEvent(chunk), nil
	case CategoryLatitude:
	default:
		return nil, fmt.Errorf("%w: category %q", ErrUnknownEvent, env.Event)
	}

	var h header
	if err := json.Unmarshal(env.Data, &h); err != nil {
		return nil, fmt.Errorf("stream: decode event header: %w", err)
	}
	dec := func(v any) error {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("stream: decode %s payload: %w", h.Type, err)
		}
		return nil
	}
	switch h.Type {
	case EventChainStarted:
		return NewChainStarted(h.UUID, h.Messages), nil
	case EventStepStarted:
		return NewStepStarted(h.UUID, h.Messages), nil
	case EventStepCompleted:
		return NewStepCompleted(h.UUID, h.Messages), nil
	case EventProviderStarted:
		var p ProviderStartedPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		return NewProviderStarted(h.UUID, h.Messages, p), nil
	case EventProviderCompleted:
		var p ProviderCompletedPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		return NewProviderCompleted(h.UUID, h.Messages, p), nil
	case EventToolsStarted:
		var p ToolsStartedPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		return NewToolsStarted(h.UUID, h.Messages, p), nil
	case EventToolCompleted:
		var p ToolCompletedPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		return NewToolCompleted(h.UUID, h.Messages, p), nil
	case EventChainCompleted:
		var p ChainCompletedPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		return NewChainCompleted(h.UUID, h.Messages, p), nil
	case EventChainError:
		var p ChainErrorPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		return NewChainError(h.UUID, h.Messages, p), nil
	case EventToolsRequested:
		var p ToolsRequestedPayload
		if err := dec(&p); err != nil {
			return nil, err
		}
		return NewToolsRequested(h.UUID, h.Messages, p), nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownEvent, h.Type)
	}
}
