package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openaimodel "github.com/shaneholloman/latitude-llm/features/model/openai"
	"github.com/shaneholloman/latitude-llm/runtime/model"
)

type mockChatClient struct {
	captured openai.ChatCompletionNewParams
	response *openai.ChatCompletion
	err      error
	events   []ssestream.Event
	eventErr error
}

func (m *mockChatClient) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.captured = body
	return m.response, m.err
}

func (m *mockChatClient) NewStreaming(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
	m.captured = body
	return ssestream.NewStream[openai.ChatCompletionChunk](&testDecoder{events: m.events, err: m.eventErr}, nil)
}

type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func completion(t *testing.T, raw string) *openai.ChatCompletion {
	t.Helper()
	var c openai.ChatCompletion
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return &c
}

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{response: completion(t, `{
		"id": "c1",
		"object": "chat.completion",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": "checking",
				"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"query\":\"docs\"}"}}]
			}
		}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o", MaxTokens: 256})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{model.NewTextMessage(model.RoleUser, "ping")},
		Tools: []model.ToolDefinition{{
			Name:        "lookup",
			Description: "Search",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "checking", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"docs"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, model.FinishReasonToolCalls, resp.FinishReason)
	assert.Equal(t, model.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, resp.Usage)

	req := mock.captured
	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, int64(256), req.MaxCompletionTokens.Value)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Function.Name)
	assert.Equal(t, "object", req.Tools[0].Function.Parameters["type"])
}

func TestClientEncodesToolConversation(t *testing.T) {
	mock := &mockChatClient{response: completion(t, `{"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"done"}}]}`)}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		Model:       "gpt-4o-mini",
		Temperature: 0.2,
		Messages: []model.Message{
			model.NewTextMessage(model.RoleSystem, "be brief"),
			model.NewTextMessage(model.RoleUser, "weather?"),
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.ToolCallPart{ToolCallID: "a", ToolName: "weather", Args: json.RawMessage(`{"city":"Paris"}`)},
			}},
			{Role: model.RoleTool, Parts: []model.Part{
				model.ToolResultPart{ToolCallID: "a", ToolName: "weather", Result: map[string]any{"temp": 20}},
			}},
		},
	})
	require.NoError(t, err)

	req := mock.captured
	assert.Equal(t, "gpt-4o-mini", req.Model)
	assert.InDelta(t, 0.2, req.Temperature.Value, 1e-9)
	require.Len(t, req.Messages, 4)
	require.NotNil(t, req.Messages[0].OfSystem)
	require.NotNil(t, req.Messages[2].OfAssistant)
	require.Len(t, req.Messages[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "a", req.Messages[2].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, req.Messages[3].OfTool)
	assert.Equal(t, "a", req.Messages[3].OfTool.ToolCallID)
}

func TestClientClassifiesErrors(t *testing.T) {
	apiErr := &openai.Error{
		StatusCode: http.StatusUnauthorized,
		Code:       "invalid_api_key",
		Message:    "bad key",
		Request:    httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil),
		Response:   &http.Response{StatusCode: http.StatusUnauthorized},
	}
	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{err: apiErr}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{model.NewTextMessage(model.RoleUser, "ping")},
	})
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindAuth, pe.Kind())
	assert.Equal(t, "invalid_api_key", pe.Code())
	assert.Equal(t, "openai", pe.Provider())
	assert.False(t, pe.Retryable())
}

func TestClientRequiresMessages(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{}, DefaultModel: "gpt-4o"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)

	_, err = openaimodel.New(openaimodel.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
}

func chunkEvent(raw string) ssestream.Event {
	return ssestream.Event{Data: []byte(raw)}
}

func TestClientStream(t *testing.T) {
	mock := &mockChatClient{events: []ssestream.Event{
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"hel"}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
		chunkEvent(`{"id":"c1","object":"chat.completion.chunk","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":3,"total_tokens":7}}`),
		chunkEvent(`[DONE]`),
	}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	s, err := client.Stream(context.Background(), &model.Request{
		Messages: []model.Message{model.NewTextMessage(model.RoleUser, "ping")},
	})
	require.NoError(t, err)
	defer func() {
		_ = s.Close()
	}()
	assert.True(t, mock.captured.StreamOptions.IncludeUsage.Value)

	var (
		text  string
		calls []model.ToolCall
		last  model.Chunk
		usage *model.TokenUsage
	)
	for {
		ch, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		switch ch.Type {
		case model.ChunkTypeText:
			text += ch.Text
		case model.ChunkTypeToolCall:
			calls = append(calls, *ch.ToolCall)
		case model.ChunkTypeUsage:
			usage = ch.Usage
		}
		last = ch
	}
	assert.Equal(t, "hello", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(calls[0].Arguments))
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.Equal(t, model.ChunkTypeFinish, last.Type)
	assert.Equal(t, model.FinishReasonToolCalls, last.FinishReason)
}

func TestClientStreamDecoderError(t *testing.T) {
	mock := &mockChatClient{eventErr: errors.New("connection reset")}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	s, err := client.Stream(context.Background(), &model.Request{
		Messages: []model.Message{model.NewTextMessage(model.RoleUser, "ping")},
	})
	if err == nil {
		_, err = s.Recv()
	}
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.True(t, pe.Retryable())
}
