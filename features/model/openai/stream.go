package openai

import (
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

// streamer adapts a Chat Completions SSE stream to model.Streamer. Chunks are
// decoded on the caller's goroutine; tool calls are assembled with the SDK
// accumulator and emitted once their arguments are complete.
type streamer struct {
	stream  *ssestream.Stream[openai.ChatCompletionChunk]
	acc     openai.ChatCompletionAccumulator
	pending []model.Chunk
	emitted map[string]bool

	finish string
	usage  model.TokenUsage
	done   bool
	err    error
}

func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.err = providerError("chat.completions.stream", err)
				continue
			}
			s.finalize()
			continue
		}
		s.handle(s.stream.Current())
	}
	ch := s.pending[0]
	s.pending = s.pending[1:]
	return ch, nil
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	if s.usage.IsZero() {
		return nil
	}
	return map[string]any{"usage": s.usage}
}

func (s *streamer) handle(chunk openai.ChatCompletionChunk) {
	s.acc.AddChunk(chunk)
	if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
		s.usage = usage(chunk.Usage)
	}
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content})
		}
		if choice.FinishReason != "" {
			s.finish = choice.FinishReason
		}
	}
	if tc, ok := s.acc.JustFinishedToolCall(); ok {
		s.emitToolCall(tc.ID, tc.Name, tc.Arguments)
	}
}

// finalize flushes tool calls the accumulator never reported as finished,
// then usage and the finish chunk.
func (s *streamer) finalize() {
	s.done = true
	if len(s.acc.Choices) > 0 {
		for _, tc := range s.acc.Choices[0].Message.ToolCalls {
			s.emitToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}
	if !s.usage.IsZero() {
		u := s.usage
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeUsage, Usage: &u})
	}
	s.pending = append(s.pending, model.Chunk{
		Type:         model.ChunkTypeFinish,
		FinishReason: model.NormalizeFinishReason(s.finish),
	})
}

func (s *streamer) emitToolCall(id, name, args string) {
	if id == "" || s.emitted[id] {
		return
	}
	s.emitted[id] = true
	s.pending = append(s.pending, model.Chunk{
		Type:     model.ChunkTypeToolCall,
		ToolCall: &model.ToolCall{ID: id, Name: name, Arguments: arguments(args)},
	})
}
