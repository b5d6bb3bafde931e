// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates chain step requests into
// anthropic.Message calls using github.com/anthropics/anthropic-sdk-go and maps
// responses (text, thinking, tool uses, usage) back into model.Response.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/shaneholloman/latitude-llm/runtime/model"
)

// DefaultMaxTokens is the completion cap used when neither the request nor
// the options set one. The Messages API requires max_tokens.
const DefaultMaxTokens = 4096

const providerName = "anthropic"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty, for example
		// string(sdk.ModelClaudeSonnet4_5_20250929).
		DefaultModel string

		// MaxTokens sets the completion cap when a request does not specify
		// MaxTokens. Zero uses DefaultMaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an Anthropic-backed model client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, providerError("messages.new", err)
	}
	return translateResponse(msg, provToCanon)
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, provToCanon, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, providerError("messages.stream", err)
	}
	return newAnthropicStreamer(ctx, stream, provToCanon), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	tools, canonToProv, provToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, system, err := encodeMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, provToCanon, nil
}

// encodeMessages converts the conversation into Anthropic messages. System
// messages become system blocks; tool messages become user messages with
// tool_result blocks. Consecutive messages mapping to the same role are
// merged.
func encodeMessages(msgs []model.Message, nameMap map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var (
		conversation []sdk.MessageParam
		system       []sdk.TextBlockParam
		pending      []sdk.ContentBlockParamUnion
		pendingRole  model.ConversationRole
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if pendingRole == model.RoleAssistant {
			conversation = append(conversation, sdk.NewAssistantMessage(pending...))
		} else {
			conversation = append(conversation, sdk.NewUserMessage(pending...))
		}
		pending = nil
	}

	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
			continue
		}
		role := m.Role
		switch role {
		case model.RoleTool, model.RoleUser:
			role = model.RoleUser
		case model.RoleAssistant:
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
		if role != pendingRole {
			flush()
			pendingRole = role
		}
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					pending = append(pending, sdk.NewTextBlock(v.Text))
				}
			case model.ToolCallPart:
				if v.ToolName == "" {
					return nil, nil, errors.New("anthropic: tool call part missing name")
				}
				name, ok := nameMap[v.ToolName]
				if !ok {
					name = sanitizeToolName(v.ToolName)
				}
				args := v.Args
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				pending = append(pending, sdk.NewToolUseBlock(v.ToolCallID, args, name))
			case model.ToolResultPart:
				pending = append(pending, encodeToolResult(v))
			}
			// Reasoning parts carry no signature and are not re-encoded.
		}
	}
	flush()
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(v model.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Result.(type) {
	case nil:
		content = ""
	case string:
		content = c
	case []byte:
		content = string(c)
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolCallID, content, v.IsError)
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := sanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"anthropic: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		u := sdk.ToolUnionParamOfTool(toolInputSchema(def.Parameters), sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return toolList, canonToSan, sanToCanon, nil
}

func toolInputSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	if len(schema) == 0 {
		return sdk.ToolInputSchemaParam{}
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}
}

// sanitizeToolName maps a tool name to the characters allowed by Anthropic
// tool naming constraints by replacing any disallowed rune with '_' and
// truncating to 64 characters.
func sanitizeToolName(in string) string {
	var b strings.Builder
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// providerError classifies SDK failures. API errors are classified by HTTP
// status; other failures (transport, decoding) are treated as transient.
func providerError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind, retryable := model.ClassifyHTTPStatus(apiErr.StatusCode)
		return model.NewProviderError(model.ProviderErrorSpec{
			Provider:   providerName,
			Operation:  op,
			HTTPStatus: apiErr.StatusCode,
			Kind:       kind,
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

func translateResponse(msg *sdk.Message, nameMap map[string]string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	resp := &model.Response{}
	var text, reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			name := block.Name
			// A tool name missing from the reverse map was hallucinated by the
			// model; it is surfaced as-is and resolved as a client tool.
			if canonical, ok := nameMap[name]; ok {
				name = canonical
			}
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{ID: block.ID, Name: name, Arguments: args})
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	resp.Usage = usage(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	resp.FinishReason = model.NormalizeFinishReason(string(msg.StopReason))
	return resp, nil
}

func usage(input, output int64) model.TokenUsage {
	return model.TokenUsage{
		PromptTokens:     int(input),
		CompletionTokens: int(output),
		TotalTokens:      int(input + output),
	}
}
