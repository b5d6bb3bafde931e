package step

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shaneholloman/latitude-llm/runtime/chain"
	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog/inmem"
	"github.com/shaneholloman/latitude-llm/runtime/retry"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	// attempt scripts one Stream call: an error returned by Stream, or the
	// chunks to yield followed by recvErr (io.EOF when nil).
	attempt struct {
		streamErr error
		chunks    []model.Chunk
		recvErr   error
	}

	fakeClient struct {
		mu       sync.Mutex
		attempts []attempt
		calls    int
		complete *model.Response
		requests []*model.Request
	}

	fakeStreamer struct {
		chunks []model.Chunk
		err    error
		meta   map[string]any
		closed bool
	}
)

func (c *fakeClient) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.complete == nil {
		return nil, errors.New("complete not scripted")
	}
	return c.complete, nil
}

func (c *fakeClient) Stream(_ context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	a := c.attempts[min(c.calls, len(c.attempts)-1)]
	c.calls++
	if a.streamErr != nil {
		return nil, a.streamErr
	}
	return &fakeStreamer{chunks: a.chunks, err: a.recvErr}, nil
}

func (s *fakeStreamer) Recv() (model.Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return model.Chunk{}, s.err
		}
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *fakeStreamer) Close() error {
	s.closed = true
	return nil
}

func (s *fakeStreamer) Metadata() map[string]any { return s.meta }

func fastRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 1}
}

func unavailable() error {
	return model.NewProviderError(model.ProviderErrorSpec{
		Provider: "openai", Kind: model.ProviderErrorKindUnavailable, HTTPStatus: 503, Retryable: true,
	})
}

func stepArgs(cfg model.Config) chain.StepArgs {
	return chain.StepArgs{
		ErrorableUUID: "doc-log-1",
		Conversation: chain.Conversation{
			Messages: []model.Message{model.NewTextMessage(model.RoleUser, "hi")},
			Config:   cfg,
		},
	}
}

func collectChunks(out *[]model.Chunk) func(model.Chunk) {
	return func(c model.Chunk) { *out = append(*out, c) }
}

func TestRunAggregatesStream(t *testing.T) {
	client := &fakeClient{attempts: []attempt{{chunks: []model.Chunk{
		{Type: model.ChunkTypeReasoning, Text: "let me think"},
		{Type: model.ChunkTypeText, Text: "Hel"},
		{Type: model.ChunkTypeText, Text: "lo"},
		{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{ID: "call-1", Name: "get_weather"}},
		{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{Name: "lookup"}},
		{Type: model.ChunkTypeUsage, Usage: &model.TokenUsage{PromptTokens: 10, TotalTokens: 10}},
		{Type: model.ChunkTypeUsage, Usage: &model.TokenUsage{CompletionTokens: 4, TotalTokens: 4}},
		{Type: model.ChunkTypeFinish, FinishReason: "tool_use"},
	}}}}
	logs := inmem.New()
	r, err := New(Options{Providers: map[string]model.Client{"openai": client}, Logs: logs})
	require.NoError(t, err)

	var chunks []model.Chunk
	resp, err := r.Run(context.Background(), stepArgs(model.Config{"provider": "openai", "model": "gpt-4o"}), collectChunks(&chunks))
	require.NoError(t, err)

	assert.Len(t, chunks, 8)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "let me think", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call-1", resp.ToolCalls[0].ID)
	assert.NotEmpty(t, resp.ToolCalls[1].ID)
	assert.Equal(t, resp.ToolCalls[1].ID, chunks[4].ToolCall.ID)
	assert.Equal(t, model.TokenUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}, resp.Usage)
	assert.Equal(t, model.FinishReasonToolCalls, resp.FinishReason)
	assert.Equal(t, "doc-log-1", resp.DocumentLogUUID)
	require.NotEmpty(t, resp.ProviderLogUUID)

	log, err := logs.Get(context.Background(), resp.ProviderLogUUID)
	require.NoError(t, err)
	assert.Equal(t, "openai", log.Provider)
	assert.Equal(t, "gpt-4o", log.Model)
	assert.Equal(t, "doc-log-1", log.DocumentLogUUID)
	assert.Equal(t, providerlog.SourceAPI, log.Source)
	assert.Equal(t, "Hello", log.ResponseText)
}

func TestRunRetriesBeforeFirstChunk(t *testing.T) {
	client := &fakeClient{attempts: []attempt{
		{streamErr: unavailable()},
		{recvErr: unavailable()},
		{chunks: []model.Chunk{{Type: model.ChunkTypeText, Text: "ok"}}},
	}}
	r, err := New(Options{Providers: map[string]model.Client{"openai": client}, Retry: fastRetry()})
	require.NoError(t, err)

	var chunks []model.Chunk
	resp, err := r.Run(context.Background(), stepArgs(nil), collectChunks(&chunks))
	require.NoError(t, err)
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, model.FinishReasonStop, resp.FinishReason)
	assert.Len(t, chunks, 1)
}

func TestRunDoesNotRetryAfterFirstChunk(t *testing.T) {
	client := &fakeClient{attempts: []attempt{
		{chunks: []model.Chunk{{Type: model.ChunkTypeText, Text: "partial"}}, recvErr: unavailable()},
		{chunks: []model.Chunk{{Type: model.ChunkTypeText, Text: "never"}}},
	}}
	r, err := New(Options{Providers: map[string]model.Client{"openai": client}, Retry: fastRetry()})
	require.NoError(t, err)

	var chunks []model.Chunk
	_, err = r.Run(context.Background(), stepArgs(nil), collectChunks(&chunks))
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
	assert.Len(t, chunks, 1)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, 503, pe.HTTPStatus())
	assert.Contains(t, err.Error(), "openai: ")
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	auth := model.NewProviderError(model.ProviderErrorSpec{Provider: "anthropic", Kind: model.ProviderErrorKindAuth, HTTPStatus: 401})
	client := &fakeClient{attempts: []attempt{{streamErr: auth}}}
	r, err := New(Options{Providers: map[string]model.Client{"anthropic": client}, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), stepArgs(nil), func(model.Chunk) {})
	require.ErrorIs(t, err, auth)
	assert.Equal(t, 1, client.calls)
}

func TestRunFallsBackToComplete(t *testing.T) {
	client := &fakeClient{
		attempts: []attempt{{streamErr: model.ErrStreamingUnsupported}},
		complete: &model.Response{
			Text:         "whole answer",
			ToolCalls:    []model.ToolCall{{Name: "get_weather"}},
			Usage:        model.TokenUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			FinishReason: "end_turn",
		},
	}
	r, err := New(Options{Providers: map[string]model.Client{"bedrock": client}})
	require.NoError(t, err)

	var chunks []model.Chunk
	resp, err := r.Run(context.Background(), stepArgs(nil), collectChunks(&chunks))
	require.NoError(t, err)

	types := make([]model.ChunkType, len(chunks))
	for i, c := range chunks {
		types[i] = c.Type
	}
	assert.Equal(t, []model.ChunkType{
		model.ChunkTypeText, model.ChunkTypeToolCall, model.ChunkTypeUsage, model.ChunkTypeFinish,
	}, types)
	assert.Equal(t, resp.ToolCalls[0].ID, chunks[1].ToolCall.ID)
	assert.NotEmpty(t, resp.ToolCalls[0].ID)
	assert.Equal(t, model.FinishReasonStop, resp.FinishReason)
	assert.Empty(t, client.complete.ToolCalls[0].ID)
}

func TestRunResolvesProviders(t *testing.T) {
	a := &fakeClient{attempts: []attempt{{chunks: []model.Chunk{{Type: model.ChunkTypeText, Text: "a"}}}}}
	b := &fakeClient{attempts: []attempt{{chunks: []model.Chunk{{Type: model.ChunkTypeText, Text: "b"}}}}}
	r, err := New(Options{Providers: map[string]model.Client{"a": a, "b": b}, DefaultProvider: "a"})
	require.NoError(t, err)

	resp, err := r.Run(context.Background(), stepArgs(nil), func(model.Chunk) {})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Text)

	resp, err = r.Run(context.Background(), stepArgs(model.Config{"provider": "b"}), func(model.Chunk) {})
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Text)

	_, err = r.Run(context.Background(), stepArgs(model.Config{"provider": "missing"}), func(model.Chunk) {})
	require.ErrorIs(t, err, ErrUnknownProvider)

	_, err = New(Options{Providers: map[string]model.Client{"a": a}, DefaultProvider: "z"})
	require.ErrorIs(t, err, ErrUnknownProvider)
	_, err = New(Options{})
	require.Error(t, err)
}

func TestBuildRequest(t *testing.T) {
	resolved := tools.ResolvedTools{}
	require.NoError(t, resolved.Add("get_weather", model.ToolDefinition{Description: "weather"}, tools.ClientSource{}))
	req := BuildRequest(chain.Conversation{
		Messages: []model.Message{model.NewTextMessage(model.RoleUser, "hi")},
		Config:   model.Config{"model": "claude-sonnet", "temperature": 0.2, "maxTokens": 512},
	}, resolved)

	assert.Equal(t, "claude-sonnet", req.Model)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
	assert.Equal(t, 512, req.MaxTokens)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_weather", req.Tools[0].Name)
}

func TestAggregateUsesMetadataUsage(t *testing.T) {
	s := &fakeStreamer{
		chunks: []model.Chunk{{Type: model.ChunkTypeText, Text: "x"}},
		meta:   map[string]any{"usage": model.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}},
	}
	resp, err := Aggregate(s, func(model.Chunk) {})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Usage.TotalTokens)
	assert.True(t, s.closed)
}
