// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates chain step requests into ChatCompletion
// calls using github.com/openai/openai-go and maps responses and streamed
// chunks back into the provider-neutral model types. A custom base URL makes it
// usable with OpenAI-compatible providers.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

const providerName = "openai"

type (
	// CompletionsClient captures the subset of the openai-go client used by the
	// adapter. It is satisfied by *openai.ChatCompletionService.
	CompletionsClient interface {
		New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		Client       CompletionsClient
		DefaultModel string
		// MaxTokens caps completion tokens when the request does not.
		MaxTokens int
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat   CompletionsClient
		model  string
		maxTok int
	}
)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel, maxTok: opts.MaxTokens}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
// A non-empty baseURL targets an OpenAI-compatible endpoint.
func NewFromAPIKey(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := openai.NewClient(opts...)
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, providerError("chat.completions", err)
	}
	return translateResponse(resp), nil
}

// Stream opens a streamed chat completion. Usage is requested with the stream
// options so the final chunk carries token counts.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, providerError("chat.completions.stream", err)
	}
	return &streamer{stream: stream, emitted: make(map[string]bool)}, nil
}

func (c *Client) prepareRequest(req *model.Request) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: encodeMessages(req.Messages),
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}

func encodeMessages(msgs []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text()))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Text()))
		case model.RoleTool:
			for _, p := range m.Parts {
				if tr, ok := p.(model.ToolResultPart); ok {
					out = append(out, openai.ToolMessage(toolResultContent(tr.Result), tr.ToolCallID))
				}
			}
		case model.RoleAssistant:
			out = append(out, encodeAssistant(m))
		}
	}
	return out
}

func encodeAssistant(m model.Message) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, p := range m.Parts {
		tc, ok := p.(model.ToolCallPart)
		if !ok {
			continue
		}
		args := string(tc.Args)
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ToolCallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.ToolName,
				Arguments: args,
			},
		})
	}
	text := m.Text()
	if len(toolCalls) == 0 {
		return openai.AssistantMessage(text)
	}
	asst := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
	if text != "" {
		asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func toolResultContent(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func encodeTools(defs []model.ToolDefinition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		fn := openai.FunctionDefinitionParam{Name: def.Name}
		if d := strings.TrimSpace(def.Description); d != "" {
			fn.Description = openai.String(d)
		}
		if len(def.Parameters) > 0 {
			fn.Parameters = openai.FunctionParameters(def.Parameters)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

func translateResponse(resp *openai.ChatCompletion) *model.Response {
	out := &model.Response{Usage: usage(resp.Usage)}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: arguments(tc.Function.Arguments),
		})
	}
	out.FinishReason = model.NormalizeFinishReason(choice.FinishReason)
	return out
}

func usage(u openai.CompletionUsage) model.TokenUsage {
	return model.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

// arguments returns raw when it is a JSON object and wraps it otherwise so
// tool calls always carry valid JSON.
func arguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	data, _ := json.Marshal(map[string]string{"raw": raw})
	return data
}

func providerError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		kind, retryable := model.ClassifyHTTPStatus(apiErr.StatusCode)
		return model.NewProviderError(model.ProviderErrorSpec{
			Provider:   providerName,
			Operation:  op,
			HTTPStatus: apiErr.StatusCode,
			Kind:       kind,
			Code:       apiErr.Code,
			Message:    apiErr.Message,
			Retryable:  retryable,
			Cause:      err,
		})
	}
	return model.NewProviderError(model.ProviderErrorSpec{
		Provider:  providerName,
		Operation: op,
		Kind:      model.ProviderErrorKindUnavailable,
		Retryable: true,
		Cause:     err,
	})
}
