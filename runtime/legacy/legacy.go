// Package legacy converts chain events into the legacy chain stream consumed
// by older clients: one chain-step per provider call, chain-step-complete with
// its response, and a single chain-complete or chain-error at the end.
package legacy

import (
	"context"
	"encoding/json"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
)

// EventType enumerates the legacy latitude event types.
type EventType string

const (
	EventChainStep         EventType = "chain-step"
	EventChainStepComplete EventType = "chain-step-complete"
	EventChainComplete     EventType = "chain-complete"
	EventChainError        EventType = "chain-error"
)

type (
	// Event is one legacy stream event. Data is a ChainStep,
	// ChainStepComplete, ChainComplete, ChainError or, for provider events,
	// the raw model.Chunk.
	Event struct {
		Category stream.Category
		Data     any
	}

	// ChainStep announces a provider call with the messages added since the
	// previous step.
	ChainStep struct {
		Type     EventType       `json:"type"`
		UUID     string          `json:"uuid"`
		Config   model.Config    `json:"config"`
		Messages []model.Message `json:"messages"`
	}

	// ChainStepComplete carries the response of a provider call.
	ChainStepComplete struct {
		Type     EventType       `json:"type"`
		UUID     string          `json:"uuid"`
		Response *model.Response `json:"response"`
	}

	// ChainComplete ends a successful run.
	ChainComplete struct {
		Type         EventType          `json:"type"`
		UUID         string             `json:"uuid"`
		Config       model.Config       `json:"config"`
		Messages     []model.Message    `json:"messages"`
		Response     *model.Response    `json:"response"`
		FinishReason model.FinishReason `json:"finishReason"`
		TokenUsage   model.TokenUsage   `json:"tokenUsage"`
	}

	// ChainError ends a failed run.
	ChainError struct {
		Type  EventType        `json:"type"`
		UUID  string           `json:"uuid"`
		Error stream.ErrorInfo `json:"error"`
	}

	// Converter maps chain events to legacy events. It keeps the state needed
	// across events and must see every event of one run in order. A Converter
	// is not safe for concurrent use.
	Converter struct {
		config   model.Config
		sent     int
		response *model.Response
	}
)

// MarshalJSON encodes the event as {"event": category, "data": data}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event stream.Category `json:"event"`
		Data  any             `json:"data"`
	}{e.Category, e.Data})
}

// Convert returns the legacy events for ev, possibly none.
func (c *Converter) Convert(ev stream.Event) []Event {
	if pe, ok := ev.(stream.ProviderEvent); ok {
		return []Event{{Category: stream.CategoryProvider, Data: pe.Chunk}}
	}
	switch e := ev.(type) {
	case stream.ProviderStarted:
		c.config = e.Data.Config
		return []Event{latitude(ChainStep{
			Type:     EventChainStep,
			UUID:     e.UUID(),
			Config:   e.Data.Config,
			Messages: c.newMessages(e.Messages()),
		})}
	case stream.ProviderCompleted:
		c.response = e.Data.Response
		return []Event{latitude(ChainStepComplete{
			Type:     EventChainStepComplete,
			UUID:     e.UUID(),
			Response: e.Data.Response,
		})}
	case stream.ChainCompleted:
		return []Event{latitude(ChainComplete{
			Type:         EventChainComplete,
			UUID:         e.UUID(),
			Config:       c.config,
			Messages:     c.newMessages(e.Messages()),
			Response:     c.response,
			FinishReason: e.Data.FinishReason,
			TokenUsage:   e.Data.TokenUsage,
		})}
	case stream.ToolsRequested:
		resp := model.Response{}
		if c.response != nil {
			resp = *c.response
		}
		resp.ToolCalls = e.Data.Tools
		var usage model.TokenUsage
		if c.response != nil {
			usage = c.response.Usage
		}
		return []Event{latitude(ChainComplete{
			Type:         EventChainComplete,
			UUID:         e.UUID(),
			Config:       c.config,
			Messages:     c.newMessages(e.Messages()),
			Response:     &resp,
			FinishReason: model.FinishReasonToolCalls,
			TokenUsage:   usage,
		})}
	case stream.ChainError:
		return []Event{latitude(ChainError{Type: EventChainError, UUID: e.UUID(), Error: e.Data.Error})}
	}
	return nil
}

// newMessages returns the ledger messages not yet sent in a previous event.
// A ledger shorter than what was sent (the conversation was replaced) is
// sent whole.
func (c *Converter) newMessages(msgs []model.Message) []model.Message {
	if c.sent > len(msgs) {
		c.sent = 0
	}
	out := append([]model.Message{}, msgs[c.sent:]...)
	c.sent = len(msgs)
	return out
}

func latitude(data any) Event {
	return Event{Category: stream.CategoryLatitude, Data: data}
}

// Convert reads events from in until it is closed or ctx is done and streams
// their legacy conversion. The returned channel is closed when Convert stops.
func Convert(ctx context.Context, in <-chan stream.Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		var c Converter
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				for _, le := range c.Convert(ev) {
					select {
					case out <- le:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
