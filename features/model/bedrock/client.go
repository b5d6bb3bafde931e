// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system from conversational messages, encodes
// tool schemas into Bedrock's ToolConfiguration and translates Converse
// responses (text, reasoning, tool_use blocks, usage) back into model types.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/telemetry"
)

const providerName = "bedrock"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// DefaultModel is the model identifier used when a request names none.
	DefaultModel string

	// MaxTokens sets the completion cap when a request does not specify one.
	// When zero, Bedrock applies its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float64

	// Logger is used for non-fatal diagnostics.
	Logger telemetry.Logger
}

// Client implements model.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float64
	logger       telemetry.Logger
}

type requestParts struct {
	modelID     string
	messages    []brtypes.Message
	system      []brtypes.SystemContentBlock
	toolConfig  *brtypes.ToolConfiguration
	provToCanon map[string]string
}

// New initializes a Bedrock-powered model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// NewFromConfig builds a client from a loaded AWS configuration.
func NewFromConfig(cfg aws.Config, defaultModel string, logger telemetry.Logger) (*Client, error) {
	return New(Options{
		Runtime:      bedrockruntime.NewFromConfig(cfg),
		DefaultModel: defaultModel,
		Logger:       logger,
	})
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(parts.modelID),
		Messages:        parts.messages,
		System:          parts.system,
		ToolConfig:      parts.toolConfig,
		InferenceConfig: c.inferenceConfig(req),
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError("converse", err)
	}
	return translateResponse(output, parts.provToCanon)
}

// Stream invokes ConverseStream and adapts incremental events into chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	parts, err := c.prepareRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(parts.modelID),
		Messages:        parts.messages,
		System:          parts.system,
		ToolConfig:      parts.toolConfig,
		InferenceConfig: c.inferenceConfig(req),
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapBedrockError("converse_stream", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newBedrockStreamer(ctx, stream, parts.provToCanon), nil
}

func (c *Client) prepareRequest(ctx context.Context, req *model.Request) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonToSan, sanToCanon, err := encodeTools(ctx, req.Tools, c.logger)
	if err != nil {
		return nil, err
	}
	// Bedrock rejects tool blocks in history without a tool configuration.
	if toolConfig == nil && messagesHaveToolBlocks(req.Messages) {
		toolConfig, canonToSan, sanToCanon = historyToolConfig(req.Messages)
	}
	messages, system, err := encodeMessages(ctx, req.Messages, canonToSan, c.logger)
	if err != nil {
		return nil, err
	}
	return &requestParts{
		modelID:     modelID,
		messages:    messages,
		system:      system,
		toolConfig:  toolConfig,
		provToCanon: sanToCanon,
	}, nil
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // AWS SDK requires int32
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(float32(temp))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

// isRateLimited reports whether err is a throttling condition, either by
// provider error code or HTTP 429.
func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapBedrockError(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	kind, retryable := model.ClassifyHTTPStatus(status)
	switch {
	case isRateLimited(err):
		kind, retryable = model.ProviderErrorKindRateLimited, true
	case status == 0 && apiErr == nil:
		kind, retryable = model.ProviderErrorKindUnavailable, true
	}
	return model.NewProviderError(model.ProviderErrorSpec{
		Provider:   providerName,
		Operation:  operation,
		HTTPStatus: status,
		Kind:       kind,
		Code:       code,
		Message:    msg,
		Retryable:  retryable,
		Cause:      err,
	})
}

func encodeMessages(ctx context.Context, msgs []model.Message, nameMap map[string]string, logger telemetry.Logger) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	// Tool call ids in the ledger may not match Bedrock's toolUseId pattern;
	// they are remapped per request.
	toolUseIDs := make(map[string]string)
	nextToolUseID := 0

	var (
		conversation []brtypes.Message
		system       []brtypes.SystemContentBlock
	)
	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			}
			continue
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case model.ToolCallPart:
				name, ok := nameMap[v.ToolName]
				if !ok {
					name = SanitizeToolName(v.ToolName)
				}
				tb := brtypes.ToolUseBlock{
					Name:  aws.String(name),
					Input: toDocument(ctx, v.Args, logger),
				}
				if id := toolUseIDFor(v.ToolCallID, toolUseIDs, &nextToolUseID); id != "" {
					tb.ToolUseId = aws.String(id)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			case model.ToolResultPart:
				tr := brtypes.ToolResultBlock{}
				if id := toolUseIDFor(v.ToolCallID, toolUseIDs, &nextToolUseID); id != "" {
					tr.ToolUseId = aws.String(id)
				}
				if s, ok := v.Result.(string); ok {
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: s}}
				} else {
					tr.Content = []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberJson{Value: lazyDocument(v.Result)}}
				}
				if v.IsError {
					tr.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: tr})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == model.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		// Tool results travel as user content; adjacent same-role messages merge.
		if n := len(conversation); n > 0 && conversation[n-1].Role == role {
			conversation[n-1].Content = append(conversation[n-1].Content, blocks...)
			continue
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(ctx context.Context, defs []model.ToolDefinition, logger telemetry.Logger) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		canonical := def.Name
		if canonical == "" {
			continue
		}
		sanitized := SanitizeToolName(canonical)
		if prev, ok := sanToCanon[sanitized]; ok && prev != canonical {
			return nil, nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				canonical, sanitized, prev,
			)
		}
		sanToCanon[sanitized] = canonical
		canonToSan[canonical] = sanitized
		desc := def.Description
		if desc == "" {
			desc = canonical
		}
		var schema any
		if len(def.Parameters) > 0 {
			schema = def.Parameters
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(desc),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(ctx, schema, logger)},
		}})
	}
	if len(toolList) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

// historyToolConfig declares the tools referenced by tool_use blocks in the
// history when the request itself exposes none.
func historyToolConfig(msgs []model.Message) (*brtypes.ToolConfiguration, map[string]string, map[string]string) {
	var defs []model.ToolDefinition
	seen := make(map[string]bool)
	for _, m := range msgs {
		for _, p := range m.Parts {
			if tc, ok := p.(model.ToolCallPart); ok && tc.ToolName != "" && !seen[tc.ToolName] {
				seen[tc.ToolName] = true
				defs = append(defs, model.ToolDefinition{Name: tc.ToolName})
			}
		}
	}
	cfg, canon, prov, err := encodeTools(context.Background(), defs, nil)
	if err != nil {
		return nil, nil, nil
	}
	return cfg, canon, prov
}

func toolUseIDFor(canonical string, ids map[string]string, next *int) string {
	if canonical == "" {
		return ""
	}
	if isProviderSafeToolUseID(canonical) {
		return canonical
	}
	if id, ok := ids[canonical]; ok {
		return id
	}
	*next++
	id := fmt.Sprintf("t%d", *next)
	ids[canonical] = id
	return id
}

// isProviderSafeToolUseID reports whether id matches [a-zA-Z0-9_-]{1,64}.
func isProviderSafeToolUseID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		if !isToolNameRune(r) {
			return false
		}
	}
	return true
}

func toDocument(ctx context.Context, schema any, logger telemetry.Logger) document.Interface {
	switch v := schema.(type) {
	case nil:
		return lazyDocument(map[string]any{"type": "object"})
	case json.RawMessage:
		if len(v) == 0 {
			return lazyDocument(map[string]any{})
		}
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			if logger != nil {
				logger.Warn(ctx, "bedrock: invalid JSON document", "err", err)
			}
			return lazyDocument(map[string]any{})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(v)
	}
}

func translateResponse(output *bedrockruntime.ConverseOutput, nameMap map[string]string) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{}
	var text, reasoning strings.Builder
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text.WriteString(v.Value)
			case *brtypes.ContentBlockMemberReasoningContent:
				if rt, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok && rt.Value.Text != nil {
					reasoning.WriteString(*rt.Value.Text)
				}
			case *brtypes.ContentBlockMemberToolUse:
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:        aws.ToString(v.Value.ToolUseId),
					Name:      canonicalName(aws.ToString(v.Value.Name), nameMap),
					Arguments: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	if u := output.Usage; u != nil {
		resp.Usage = usage(u)
	}
	resp.FinishReason = model.NormalizeFinishReason(string(output.StopReason))
	return resp, nil
}

func usage(u *brtypes.TokenUsage) model.TokenUsage {
	in := int(aws.ToInt32(u.InputTokens))
	out := int(aws.ToInt32(u.OutputTokens))
	total := int(aws.ToInt32(u.TotalTokens))
	if total == 0 {
		total = in + out
	}
	return model.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: total}
}

// canonicalName maps a provider tool name back to the name the chain
// declared. Unknown names were invented by the model and pass through.
func canonicalName(raw string, nameMap map[string]string) string {
	key := normalizeToolName(raw)
	if canonical, ok := nameMap[key]; ok {
		return canonical
	}
	return key
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage(`{}`)
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(data)
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func messagesHaveToolBlocks(msgs []model.Message) bool {
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.(type) {
			case model.ToolCallPart, model.ToolResultPart:
				return true
			}
		}
	}
	return false
}
