package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONPreservesPartTypes(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			ReasoningPart{Text: "thinking"},
			TextPart{Text: "calling search"},
			ToolCallPart{ToolCallID: "call-1", ToolName: "lat_tool_web_search", Args: json.RawMessage(`{"query":"go"}`)},
		},
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"role":"assistant",
		"content":[
			{"type":"reasoning","text":"thinking"},
			{"type":"text","text":"calling search"},
			{"type":"tool-call","toolCallId":"call-1","toolName":"lat_tool_web_search","args":{"query":"go"}}
		]}`, string(data))

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Parts, 3)
	assert.IsType(t, ReasoningPart{}, decoded.Parts[0])
	assert.Equal(t, "calling search", decoded.Text())
	calls := decoded.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call-1", calls[0].ID)
	assert.JSONEq(t, `{"query":"go"}`, string(calls[0].Arguments))
}

func TestMessageUnmarshalStringContent(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg))
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "hello", msg.Text())
}

func TestMessageUnmarshalRejectsInvalidParts(t *testing.T) {
	var msg Message
	require.Error(t, json.Unmarshal([]byte(`{"role":"tool","content":[{"type":"tool-result","result":1}]}`), &msg))
	require.Error(t, json.Unmarshal([]byte(`{"role":"user","content":[{"type":"image"}]}`), &msg))
	require.Error(t, json.Unmarshal([]byte(`{"content":"missing role"}`), &msg))
}

func TestNormalizeFinishReason(t *testing.T) {
	cases := map[string]FinishReason{
		"":               "",
		"stop":           FinishReasonStop,
		"end_turn":       FinishReasonStop,
		"max_tokens":     FinishReasonLength,
		"tool_use":       FinishReasonToolCalls,
		"tool_calls":     FinishReasonToolCalls,
		"content_filter": FinishReasonContentFilter,
		"refusal":        FinishReasonContentFilter,
		"whatever":       FinishReasonUnknown,
	}
	for raw, want := range cases {
		assert.Equal(t, want, NormalizeFinishReason(raw), raw)
	}
	assert.Equal(t, FinishReasonStop, FinishReason("").OrStop())
	assert.Equal(t, FinishReasonLength, FinishReasonLength.OrStop())
}

func TestTokenUsageAddProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	usage := func(p, c int) TokenUsage {
		return TokenUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
	}

	properties.Property("summing steps is order independent", prop.ForAll(
		func(ps []int) bool {
			var forward, backward TokenUsage
			for i := range ps {
				forward = forward.Add(usage(ps[i], i))
			}
			for i := len(ps) - 1; i >= 0; i-- {
				backward = backward.Add(usage(ps[i], i))
			}
			return forward == backward
		},
		gen.SliceOf(gen.IntRange(0, 100000)),
	))

	properties.Property("totals equal the sum of deltas", prop.ForAll(
		func(ps []int) bool {
			var acc TokenUsage
			sum := 0
			for _, p := range ps {
				acc = acc.Add(usage(p, p))
				sum += p
			}
			return acc.PromptTokens == sum && acc.CompletionTokens == sum && acc.TotalTokens == 2*sum
		},
		gen.SliceOf(gen.IntRange(0, 100000)),
	))

	properties.Property("counters never decrease", prop.ForAll(
		func(p, c int) bool {
			base := usage(10, 10)
			next := base.Add(TokenUsage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c})
			return next.PromptTokens >= base.PromptTokens &&
				next.CompletionTokens >= base.CompletionTokens &&
				next.TotalTokens >= base.TotalTokens
		},
		gen.IntRange(-1000, 1000),
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}

func TestProviderErrorRateLimitedMatchesSentinel(t *testing.T) {
	cause := errors.New("429 too many requests")
	err := NewProviderError(ProviderErrorSpec{
		Provider:   "openai",
		Operation:  "chat.completions",
		HTTPStatus: 429,
		Kind:       ProviderErrorKindRateLimited,
		Retryable:  true,
		Cause:      cause,
	})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "openai rate_limited 429 (chat.completions)")

	pe, ok := AsProviderError(errors.Join(errors.New("outer"), err))
	require.True(t, ok)
	assert.True(t, pe.Retryable())
}

func TestClassifyHTTPStatus(t *testing.T) {
	kind, retry := ClassifyHTTPStatus(503)
	assert.Equal(t, ProviderErrorKindUnavailable, kind)
	assert.True(t, retry)
	kind, retry = ClassifyHTTPStatus(401)
	assert.Equal(t, ProviderErrorKindAuth, kind)
	assert.False(t, retry)
	kind, _ = ClassifyHTTPStatus(422)
	assert.Equal(t, ProviderErrorKindInvalidRequest, kind)
}
