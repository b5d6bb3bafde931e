package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

// bedrockStreamer adapts a Bedrock ConverseStream event stream to the
// model.Streamer interface.
type bedrockStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	nameMap map[string]string
}

func newBedrockStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	bs := &bedrockStreamer{
		ctx:     cctx,
		cancel:  cancel,
		stream:  stream,
		chunks:  make(chan model.Chunk, 32),
		nameMap: nameMap,
	}
	go bs.run()
	return bs
}

func (s *bedrockStreamer) Recv() (model.Chunk, error) {
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

func (s *bedrockStreamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *bedrockStreamer) Metadata() map[string]any {
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

func (s *bedrockStreamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	processor := newChunkProcessor(s.emitChunk, s.recordUsage, s.nameMap)
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(wrapBedrockError("converse_stream", err))
				} else {
					s.setErr(processor.flush())
				}
				return
			}
			if err := processor.Handle(event); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *bedrockStreamer) emitChunk(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *bedrockStreamer) recordUsage(usage model.TokenUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *bedrockStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *bedrockStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkProcessor converts Bedrock streaming events into model.Chunks. Bedrock
// reports usage in a metadata event after messageStop, so the finish chunk is
// held until the metadata arrives or the stream ends.
type chunkProcessor struct {
	emit        func(model.Chunk) error
	recordUsage func(model.TokenUsage)
	nameMap     map[string]string

	toolBlocks map[int]*toolBuffer
	stop       *model.Chunk
}

func newChunkProcessor(emit func(model.Chunk) error, recordUsage func(model.TokenUsage), nameMap map[string]string) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		recordUsage: recordUsage,
		nameMap:     nameMap,
		toolBlocks:  make(map[int]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stop = nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			p.toolBlocks[idx] = &toolBuffer{
				id:   derefString(toolUse.Value.ToolUseId),
				name: canonicalName(derefString(toolUse.Value.Name), p.nameMap),
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
				return p.emit(model.Chunk{Type: model.ChunkTypeReasoning, Text: text.Value})
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := p.toolBlocks[idx]; tb != nil && delta.Value.Input != nil {
				tb.fragments = append(tb.fragments, *delta.Value.Input)
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		tb := p.toolBlocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, idx)
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Arguments: tb.finalInput()},
		})
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stop = &model.Chunk{
			Type:         model.ChunkTypeFinish,
			FinishReason: model.NormalizeFinishReason(string(ev.Value.StopReason)),
		}
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage != nil {
			u := usage(ev.Value.Usage)
			if p.recordUsage != nil {
				p.recordUsage(u)
			}
			if err := p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &u}); err != nil {
				return err
			}
		}
		return p.flush()
	}
	return nil
}

// flush emits the pending finish chunk, if any.
func (p *chunkProcessor) flush() error {
	if p.stop == nil {
		return nil
	}
	stop := *p.stop
	p.stop = nil
	return p.emit(stop)
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
	if !json.Valid([]byte(joined)) {
		data, _ := json.Marshal(map[string]string{"raw": joined})
		return data
	}
	return json.RawMessage(joined)
}

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, errors.New("bedrock: content block index missing")
	}
	return int(*idx), nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
