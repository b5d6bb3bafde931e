package step

import (
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/shaneholloman/latitude-llm/runtime/model"
)

// Aggregate drains s, passing every chunk to emit, and returns the response
// the chunks describe. Usage chunks are summed; when the stream reports no
// usage chunk the "usage" metadata entry is used instead. s is closed before
// Aggregate returns.
func Aggregate(s model.Streamer, emit func(model.Chunk)) (*model.Response, error) {
	defer func() {
		_ = s.Close()
	}()

	var (
		resp      model.Response
		text      strings.Builder
		reasoning strings.Builder
		sawUsage  bool
	)
	for {
		chunk, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if chunk.Type == model.ChunkTypeToolCall && chunk.ToolCall != nil && chunk.ToolCall.ID == "" {
			tc := *chunk.ToolCall
			tc.ID = uuid.NewString()
			chunk.ToolCall = &tc
		}
		emit(chunk)
		switch chunk.Type {
		case model.ChunkTypeText:
			text.WriteString(chunk.Text)
		case model.ChunkTypeReasoning:
			reasoning.WriteString(chunk.Text)
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil && chunk.ToolCall.Name != "" {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case model.ChunkTypeUsage:
			if chunk.Usage != nil {
				sawUsage = true
				resp.Usage = resp.Usage.Add(*chunk.Usage)
			}
		case model.ChunkTypeFinish:
			resp.FinishReason = chunk.FinishReason
		}
	}
	if !sawUsage {
		if u, ok := s.Metadata()["usage"].(model.TokenUsage); ok {
			resp.Usage = resp.Usage.Add(u)
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	return normalize(&resp), nil
}

// Chunks replays a complete response as the chunks a streaming provider
// would have produced. resp should be normalized first.
func Chunks(resp *model.Response) []model.Chunk {
	if resp == nil {
		return nil
	}
	var out []model.Chunk
	if resp.Reasoning != "" {
		out = append(out, model.Chunk{Type: model.ChunkTypeReasoning, Text: resp.Reasoning})
	}
	if resp.Text != "" {
		out = append(out, model.Chunk{Type: model.ChunkTypeText, Text: resp.Text})
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		out = append(out, model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &tc})
	}
	if !resp.Usage.IsZero() {
		u := resp.Usage
		out = append(out, model.Chunk{Type: model.ChunkTypeUsage, Usage: &u})
	}
	return append(out, model.Chunk{Type: model.ChunkTypeFinish, FinishReason: resp.FinishReason})
}

func normalize(resp *model.Response) *model.Response {
	out := *resp
	out.FinishReason = model.NormalizeFinishReason(string(resp.FinishReason))
	if out.FinishReason == "" {
		out.FinishReason = model.FinishReasonStop
		if len(out.ToolCalls) > 0 {
			out.FinishReason = model.FinishReasonToolCalls
		}
	}
	out.ToolCalls = append([]model.ToolCall(nil), resp.ToolCalls...)
	for i := range out.ToolCalls {
		if out.ToolCalls[i].ID == "" {
			out.ToolCalls[i].ID = uuid.NewString()
		}
	}
	return &out
}
