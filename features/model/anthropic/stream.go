package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

// anthropicStreamer adapts an Anthropic Messages streaming stream to the
// model.Streamer interface.
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	toolNameMap map[string]string
}

func newAnthropicStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	as := &anthropicStreamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		chunks:      make(chan model.Chunk, 32),
		toolNameMap: nameMap,
	}
	go as.run()
	return as
}

func (s *anthropicStreamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *anthropicStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *anthropicStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *anthropicStreamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newAnthropicChunkProcessor(s.emitChunk, s.recordUsage, s.toolNameMap)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(providerError("messages.stream", err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				s.setErr(nil)
			}
			return
		}
		if err := processor.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *anthropicStreamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *anthropicStreamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *anthropicStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// anthropicChunkProcessor converts Anthropic streaming events into model.Chunks.
// Tool input JSON is buffered per content block and emitted as one tool-call
// chunk when the block stops.
type anthropicChunkProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)

	toolBlocks  map[int]*toolBuffer
	toolNameMap map[string]string

	inputTokens int64
	stopReason  string
}

func newAnthropicChunkProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), nameMap map[string]string) *anthropicChunkProcessor {
	return &anthropicChunkProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		toolBlocks:  make(map[int]*toolBuffer),
		toolNameMap: nameMap,
	}
}

func (p *anthropicChunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		p.inputTokens = ev.Message.Usage.InputTokens
		return nil
	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" {
			return errors.New("anthropic stream: tool use block missing id")
		}
		if toolUse.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
		}
		name := toolUse.Name
		if canonical, ok := p.toolNameMap[name]; ok {
			name = canonical
		}
		p.toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: name}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Text})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeReasoning, Text: delta.Thinking})
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[idx]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, idx)
		return p.emit(model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: tb.finalInput(),
			},
		})
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		input := max(p.inputTokens, ev.Usage.InputTokens)
		u := usage(input, ev.Usage.OutputTokens)
		if p.recordUsage != nil {
			p.recordUsage(u)
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &u})
	case sdk.MessageStopEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(model.Chunk{
			Type:         model.ChunkTypeFinish,
			FinishReason: model.NormalizeFinishReason(p.stopReason),
		})
	}
	return nil
}

type toolBuffer struct {
	name      string
	id        string
	fragments []string
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(joined)
}
