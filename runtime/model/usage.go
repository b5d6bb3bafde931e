package model

import "strings"

type (
	// TokenUsage records token counts reported by a provider. Within a chain
	// run the manager sums the per-step values.
	TokenUsage struct {
		// PromptTokens counts tokens consumed by the input conversation.
		PromptTokens int `json:"promptTokens" yaml:"promptTokens"`
		// CompletionTokens counts tokens generated by the model.
		CompletionTokens int `json:"completionTokens" yaml:"completionTokens"`
		// TotalTokens is the aggregate reported by the provider.
		TotalTokens int `json:"totalTokens" yaml:"totalTokens"`
	}

	// FinishReason is the provider-reported cause of a step ending.
	FinishReason string
)

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content-filter"
	FinishReasonToolCalls     FinishReason = "tool-calls"
	FinishReasonError         FinishReason = "error"
	FinishReasonOther         FinishReason = "other"
	FinishReasonUnknown       FinishReason = "unknown"
)

// Add returns the component-wise sum of u and other. Negative components of
// other are ignored so counters never decrease.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + nonNegative(other.PromptTokens),
		CompletionTokens: u.CompletionTokens + nonNegative(other.CompletionTokens),
		TotalTokens:      u.TotalTokens + nonNegative(other.TotalTokens),
	}
}

// IsZero reports whether no tokens were recorded.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// OrStop returns r, or FinishReasonStop when r is empty.
func (r FinishReason) OrStop() FinishReason {
	if r == "" {
		return FinishReasonStop
	}
	return r
}

// NormalizeFinishReason maps provider stop reasons (OpenAI finish_reason,
// Anthropic stop_reason, Bedrock stopReason) onto FinishReason values.
func NormalizeFinishReason(raw string) FinishReason {
	switch strings.ToLower(raw) {
	case "":
		return ""
	case "stop", "end_turn", "stop_sequence", "pause_turn":
		return FinishReasonStop
	case "length", "max_tokens", "model_context_window_exceeded":
		return FinishReasonLength
	case "tool_calls", "tool_use", "function_call", "tool-calls":
		return FinishReasonToolCalls
	case "content_filter", "content_filtered", "refusal", "guardrail_intervened", "content-filter":
		return FinishReasonContentFilter
	case "error":
		return FinishReasonError
	case "other":
		return FinishReasonOther
	default:
		return FinishReasonUnknown
	}
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
