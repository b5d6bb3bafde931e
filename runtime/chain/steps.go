package chain

import (
	"context"
	"fmt"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
)

const (
	// DefaultMaxSteps bounds the provider steps of RunSteps when neither the
	// options nor the conversation config set a limit.
	DefaultMaxSteps = 20
	// AbsoluteMaxSteps caps any configured limit.
	AbsoluteMaxSteps = 150
)

// StepLoopOptions configures RunSteps.
type StepLoopOptions struct {
	// Conversation holds the initial messages and the model config. The
	// config key "maxSteps" sets the step limit when MaxSteps is zero.
	Conversation Conversation
	// MaxSteps bounds the number of provider steps.
	MaxSteps int
	// Source tags the provider logs of the run.
	Source providerlog.Source
}

// RunSteps returns the default multi-step Driver. Each iteration asks the
// provider for a response and dispatches its tool calls by source: built-in
// calls are executed, calls the server cannot resolve end the run with
// RequestTools, an agent return call or a response without tool calls ends
// the run successfully. Exceeding the step limit fails the run with
// max_step_count_exceeded_error.
func RunSteps(m *Manager, opts StepLoopOptions) Driver {
	return func(ctx context.Context) error {
		maxSteps := MaxSteps(opts.MaxSteps, opts.Conversation.Config)
		conv := opts.Conversation
		for step := 0; ; step++ {
			if step >= maxSteps {
				return NewChainError(CodeMaxStepCountExceeded,
					fmt.Sprintf("max step count exceeded (%d)", maxSteps), nil)
			}
			resp, err := m.GetProviderResponse(ctx, ProviderArgs{Conversation: conv, Source: opts.Source})
			if err != nil {
				return err
			}
			if len(resp.ToolCalls) == 0 {
				return nil
			}
			p := tools.PartitionCalls(resp.ToolCalls, m.Tools())
			if len(p.Latitude) > 0 {
				if _, err := m.ExecuteLatitudeTools(ctx, p.Latitude); err != nil {
					return err
				}
			}
			if requested := p.Requested(); len(requested) > 0 {
				return m.RequestTools(requested)
			}
			if len(p.AgentReturn) > 0 {
				return nil
			}
			conv = Conversation{Messages: m.Messages(), Config: conv.Config}
		}
	}
}

// MaxSteps resolves the step limit: explicit, then config "maxSteps", then
// DefaultMaxSteps, capped at AbsoluteMaxSteps.
func MaxSteps(explicit int, cfg model.Config) int {
	n := explicit
	if n <= 0 {
		if v, ok := cfg.Int("maxSteps"); ok {
			n = v
		}
	}
	if n <= 0 {
		n = DefaultMaxSteps
	}
	return min(n, AbsoluteMaxSteps)
}
