// Package model provides the provider-agnostic types exchanged between the
// chain runtime and language model adapters (Anthropic, OpenAI, Bedrock, ...).
// Adapters translate these normalized types into provider-specific formats so
// the chain manager never depends on a specific SDK.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client defines the contract the step runner uses to invoke a model.
	// Implementations wrap provider SDKs and must be safe for concurrent use.
	Client interface {
		// Complete sends a non-streaming request and returns the full response.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a request and returns a Streamer yielding incremental
		// chunks. Callers must close the returned Streamer. Providers that do
		// not support streaming return ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return chunks until io.EOF. Recv must be called from a single goroutine.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the underlying provider stream.
		Close() error
		// Metadata returns provider-specific metadata (request ids, usage).
		Metadata() map[string]any
	}

	// Request captures the normalized parameters of one provider call.
	Request struct {
		// Model is the provider-specific model identifier. Empty uses the
		// adapter default.
		Model string
		// Messages is the ordered conversation sent to the model.
		Messages []Message
		// Tools lists the tool schemas exposed to the model.
		Tools []ToolDefinition
		// Temperature controls sampling. Zero uses the provider default.
		Temperature float64
		// MaxTokens caps completion tokens. Zero uses the adapter default.
		MaxTokens int
	}

	// Response is the structured result of one provider step.
	Response struct {
		// Text is the concatenated assistant text.
		Text string `json:"text"`
		// Reasoning is the concatenated reasoning text when the provider
		// exposes it.
		Reasoning string `json:"reasoning,omitempty"`
		// ToolCalls lists the tool invocations requested by the model.
		ToolCalls []ToolCall `json:"toolCalls"`
		// Usage reports the tokens consumed by this step only.
		Usage TokenUsage `json:"usage"`
		// FinishReason explains why the model stopped generating.
		FinishReason FinishReason `json:"finishReason,omitempty"`
		// ProviderLogUUID correlates the step with its provider log.
		ProviderLogUUID string `json:"providerLogUuid,omitempty"`
		// DocumentLogUUID is the errorable the step ran on behalf of.
		DocumentLogUUID string `json:"documentLogUuid,omitempty"`
	}

	// ToolDefinition describes a tool schema passed to providers.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string `json:"name" yaml:"name"`
		// Description documents the tool for prompting purposes.
		Description string `json:"description" yaml:"description"`
		// Parameters is the JSON Schema of the tool arguments.
		Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	}

	// ToolCall captures a tool invocation requested by the model.
	ToolCall struct {
		// ID correlates the call with its tool result.
		ID string `json:"id"`
		// Name identifies the tool.
		Name string `json:"name"`
		// Arguments is the JSON-encoded argument object.
		Arguments json.RawMessage `json:"arguments"`
	}

	// Chunk is one streaming event emitted by a provider. Type indicates which
	// fields are populated.
	//
	//   - "text":       Text holds a text delta.
	//   - "reasoning":  Text holds a reasoning delta.
	//   - "tool-call":  ToolCall holds a completed tool call.
	//   - "usage":      Usage holds a usage delta.
	//   - "finish":     FinishReason explains the termination.
	Chunk struct {
		Type         ChunkType    `json:"type"`
		Text         string       `json:"text,omitempty"`
		ToolCall     *ToolCall    `json:"toolCall,omitempty"`
		Usage        *TokenUsage  `json:"usage,omitempty"`
		FinishReason FinishReason `json:"finishReason,omitempty"`
	}

	// ChunkType enumerates streaming chunk kinds.
	ChunkType string

	// Config is the free-form model configuration of a conversation (provider,
	// model, temperature, ...). It is forwarded verbatim in provider-started
	// events.
	Config map[string]any
)

const (
	ChunkTypeText      ChunkType = "text"
	ChunkTypeReasoning ChunkType = "reasoning"
	ChunkTypeToolCall  ChunkType = "tool-call"
	ChunkTypeUsage     ChunkType = "usage"
	ChunkTypeFinish    ChunkType = "finish"
)

var (
	// ErrStreamingUnsupported indicates the provider does not implement
	// streaming for the requested model.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")

	// ErrRateLimited marks provider throttling. Adapters wrap provider errors
	// with it so middlewares can back off.
	ErrRateLimited = errors.New("model: rate limited")
)

// String returns the config value stored under key or the empty string.
func (c Config) String(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}

// Float returns the numeric config value stored under key.
func (c Config) Float(key string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	switch v := c[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Int returns the integer config value stored under key.
func (c Config) Int(key string) (int, bool) {
	f, ok := c.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// Clone returns a shallow copy of the config.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ArgumentsMap decodes the call arguments into a map. Invalid or empty
// arguments decode to an empty map.
func (c ToolCall) ArgumentsMap() map[string]any {
	out := map[string]any{}
	if len(c.Arguments) == 0 {
		return out
	}
	_ = json.Unmarshal(c.Arguments, &out)
	return out
}
