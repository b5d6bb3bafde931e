package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
	"github.com/shaneholloman/latitude-llm/runtime/toolerrors"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
	"github.com/shaneholloman/latitude-llm/runtime/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runUUID = "doc-log-1"

type (
	stepFunc func(ctx context.Context, args StepArgs, emit func(model.Chunk)) (*model.Response, error)
	toolFunc func(ctx context.Context, call tools.LatitudeCall) (any, error)

	recordingSink struct {
		mu     sync.Mutex
		events []stream.Event
		closes int
		// sentAfterClose counts events delivered after Close.
		sentAfterClose int
	}
)

func (f stepFunc) Run(ctx context.Context, args StepArgs, emit func(model.Chunk)) (*model.Response, error) {
	return f(ctx, args, emit)
}

func (f toolFunc) Execute(ctx context.Context, call tools.LatitudeCall) (any, error) {
	return f(ctx, call)
}

func (s *recordingSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		s.sentAfterClose++
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *recordingSink) types() []stream.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return latitudeTypes(s.events)
}

// replyWith returns a step runner streaming each response text as one chunk.
func replyWith(responses ...*model.Response) stepFunc {
	var (
		mu sync.Mutex
		i  int
	)
	return func(_ context.Context, _ StepArgs, emit func(model.Chunk)) (*model.Response, error) {
		mu.Lock()
		resp := responses[min(i, len(responses)-1)]
		i++
		mu.Unlock()
		emit(model.Chunk{Type: model.ChunkTypeText, Text: resp.Text})
		emit(model.Chunk{Type: model.ChunkTypeFinish, FinishReason: resp.FinishReason})
		cp := *resp
		return &cp, nil
	}
}

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	opts.ErrorableUUID = runUUID
	if opts.Messages == nil {
		opts.Messages = userConversation()
	}
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func userConversation() []model.Message {
	return []model.Message{
		model.NewTextMessage(model.RoleSystem, "be brief"),
		model.NewTextMessage(model.RoleUser, "what is the weather?"),
	}
}

func collect(t *testing.T, run *Run) []stream.Event {
	t.Helper()
	var events []stream.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-run.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func latitudeTypes(events []stream.Event) []stream.EventType {
	var out []stream.EventType
	for _, ev := range events {
		if ev.Category() == stream.CategoryLatitude {
			out = append(out, ev.Type())
		}
	}
	return out
}

func waitRun(t *testing.T, run *Run) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))
}

func conversation(msgs []model.Message) ProviderArgs {
	return ProviderArgs{Conversation: Conversation{Messages: msgs, Config: model.Config{"provider": "openai", "model": "gpt-4o"}}}
}

func TestSingleProviderStep(t *testing.T) {
	resp := &model.Response{
		Text:         "sunny",
		Usage:        model.TokenUsage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12},
		FinishReason: model.FinishReasonStop,
	}
	m := newManager(t, Options{StepRunner: replyWith(resp)})

	run, err := m.Start(context.Background(), func(ctx context.Context) error {
		_, err := m.GetProviderResponse(ctx, conversation(userConversation()))
		return err
	})
	require.NoError(t, err)
	events := collect(t, run)

	assert.Equal(t, []stream.EventType{
		stream.EventChainStarted,
		stream.EventStepStarted,
		stream.EventProviderStarted,
		stream.EventProviderCompleted,
		stream.EventStepCompleted,
		stream.EventChainCompleted,
	}, latitudeTypes(events))

	var chunks []string
	for _, ev := range events {
		if pe, ok := ev.(stream.ProviderEvent); ok {
			chunks = append(chunks, string(pe.Chunk.Type))
		}
		if ev.Category() == stream.CategoryLatitude {
			assert.Equal(t, runUUID, ev.UUID())
		}
	}
	assert.Equal(t, []string{"text", "finish"}, chunks)

	started := events[2].(stream.ProviderStarted)
	assert.Equal(t, "gpt-4o", started.Data.Config.String("model"))

	completed := events[len(events)-1].(stream.ChainCompleted)
	assert.Equal(t, model.FinishReasonStop, completed.Data.FinishReason)
	assert.Equal(t, 12, completed.Data.TokenUsage.TotalTokens)

	waitRun(t, run)
	last, ok := run.LastResponse.Value()
	require.True(t, ok)
	assert.Equal(t, "sunny", last.Text)
	calls, _ := run.ToolCalls.Value()
	assert.Empty(t, calls)
	runErr, _ := run.Err.Value()
	assert.NoError(t, runErr)
	msgs, _ := run.Messages.Value()
	require.Len(t, msgs, 3)
	assert.Equal(t, "sunny", msgs[2].Text())
}

func TestRequestToolsEndsRun(t *testing.T) {
	toolCall := model.ToolCall{ID: "call-a", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Paris"}`)}
	m := newManager(t, Options{StepRunner: replyWith(&model.Response{ToolCalls: []model.ToolCall{toolCall}, FinishReason: model.FinishReasonToolCalls})})

	run, err := m.Start(context.Background(), func(ctx context.Context) error {
		if _, err := m.GetProviderResponse(ctx, conversation(userConversation())); err != nil {
			return err
		}
		return m.RequestTools([]model.ToolCall{toolCall})
	})
	require.NoError(t, err)
	types := latitudeTypes(collect(t, run))

	assert.Equal(t, stream.EventToolsRequested, types[len(types)-1])
	assert.NotContains(t, types, stream.EventChainCompleted)
	waitRun(t, run)
	calls, _ := run.ToolCalls.Value()
	assert.Equal(t, []model.ToolCall{toolCall}, calls)
	runErr, _ := run.Err.Value()
	assert.NoError(t, runErr)
}

func TestDriverErrorEndsRunWithChainError(t *testing.T) {
	boom := errors.New("provider exploded")
	m := newManager(t, Options{})
	run, err := m.Start(context.Background(), func(context.Context) error { return boom })
	require.NoError(t, err)
	events := collect(t, run)

	last, ok := events[len(events)-1].(stream.ChainError)
	require.True(t, ok)
	assert.Equal(t, "provider exploded", last.Data.Error.Message)
	assert.Equal(t, "ChainError", last.Data.Error.Name)
	assert.Equal(t, string(CodeUnknown), last.Data.Error.Code)
	assert.NotEmpty(t, last.Data.Error.Stack)

	waitRun(t, run)
	runErr, _ := run.Err.Value()
	assert.ErrorIs(t, runErr, boom)
	resp, _ := run.LastResponse.Value()
	assert.Nil(t, resp)
}

func TestDriverPanicIsRecovered(t *testing.T) {
	m := newManager(t, Options{})
	run, err := m.Start(context.Background(), func(context.Context) error { panic("bad driver") })
	require.NoError(t, err)
	types := latitudeTypes(collect(t, run))
	assert.Equal(t, []stream.EventType{stream.EventChainStarted, stream.EventChainError}, types)

	waitRun(t, run)
	runErr, _ := run.Err.Value()
	var ce *ChainError
	require.ErrorAs(t, runErr, &ce)
	assert.Equal(t, CodeUnknown, ce.Code)
	assert.Contains(t, ce.Message, "bad driver")
}

func TestProviderErrorsAreClassified(t *testing.T) {
	limited := model.NewProviderError(model.ProviderErrorSpec{
		Provider: "anthropic", Kind: model.ProviderErrorKindRateLimited, HTTPStatus: 429, Retryable: true,
	})
	m := newManager(t, Options{StepRunner: stepFunc(func(context.Context, StepArgs, func(model.Chunk)) (*model.Response, error) {
		return nil, limited
	})})
	run, err := m.Start(context.Background(), func(ctx context.Context) error {
		_, err := m.GetProviderResponse(ctx, conversation(userConversation()))
		return err
	})
	require.NoError(t, err)
	types := latitudeTypes(collect(t, run))
	assert.Equal(t, stream.EventChainError, types[len(types)-1])
	assert.NotContains(t, types, stream.EventProviderCompleted)

	waitRun(t, run)
	runErr, _ := run.Err.Value()
	var ce *ChainError
	require.ErrorAs(t, runErr, &ce)
	assert.Equal(t, CodeRateLimit, ce.Code)
	assert.ErrorIs(t, runErr, model.ErrRateLimited)
}

func TestAsChainErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want RunErrorCode
	}{
		{name: "canceled", err: context.Canceled, want: CodeAbort},
		{name: "deadline", err: context.DeadlineExceeded, want: CodeAbort},
		{name: "wrapped_deadline", err: fmt.Errorf("step: %w", context.DeadlineExceeded), want: CodeAbort},
		{name: "rate_limited", err: model.ErrRateLimited, want: CodeRateLimit},
		{name: "auth", err: model.NewProviderError(model.ProviderErrorSpec{Provider: "openai", Kind: model.ProviderErrorKindAuth}), want: CodeAIProviderConfig},
		{name: "other", err: errors.New("boom"), want: CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ce := AsChainError(tc.err)
			require.NotNil(t, ce)
			assert.Equal(t, tc.want, ce.Code)
			assert.ErrorIs(t, ce, tc.err)
		})
	}
	assert.Nil(t, AsChainError(nil))
}

func TestProviderTimeoutAbortsRun(t *testing.T) {
	m := newManager(t, Options{StepRunner: stepFunc(func(ctx context.Context, _ StepArgs, _ func(model.Chunk)) (*model.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	run, err := m.Start(ctx, func(ctx context.Context) error {
		_, err := m.GetProviderResponse(ctx, conversation(userConversation()))
		return err
	})
	require.NoError(t, err)
	collect(t, run)
	waitRun(t, run)

	runErr, _ := run.Err.Value()
	var ce *ChainError
	require.ErrorAs(t, runErr, &ce)
	assert.Equal(t, CodeAbort, ce.Code)
}

func TestExecuteLatitudeToolsAbsorbsFailures(t *testing.T) {
	// The slow call resolves only once the sink saw the fast call complete.
	release := make(chan struct{})
	var once sync.Once
	sink := stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
		if ev.Type() == stream.EventToolCompleted {
			once.Do(func() { close(release) })
		}
		return nil
	})
	exec := toolFunc(func(_ context.Context, call tools.LatitudeCall) (any, error) {
		if call.ID == "slow" {
			<-release
			return map[string]any{"ok": true}, nil
		}
		return nil, toolerrors.Network("search backend unreachable", nil)
	})
	m := newManager(t, Options{ToolExecutor: exec, Sinks: []stream.Sink{sink}})
	run, err := m.Start(context.Background(), nil)
	require.NoError(t, err)

	calls := []tools.LatitudeCall{
		{ToolCall: model.ToolCall{ID: "slow", Name: "lat_tool_run_code"}, Tool: tools.LatitudeToolRunCode},
		{ToolCall: model.ToolCall{ID: "fast", Name: "lat_tool_web_search"}, Tool: tools.LatitudeToolWebSearch},
	}
	msgs, err := m.ExecuteLatitudeTools(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "slow", msgs[0].Parts[0].(model.ToolResultPart).ToolCallID)
	assert.False(t, msgs[0].Parts[0].(model.ToolResultPart).IsError)
	assert.True(t, msgs[1].Parts[0].(model.ToolResultPart).IsError)

	require.NoError(t, m.Done())
	events := collect(t, run)
	assert.Equal(t, []stream.EventType{
		stream.EventChainStarted,
		stream.EventStepStarted,
		stream.EventToolsStarted,
		stream.EventToolCompleted,
		stream.EventToolCompleted,
		stream.EventStepCompleted,
		stream.EventChainCompleted,
	}, latitudeTypes(events))

	// tool-completed follows resolution order, not call order.
	first := events[3].(stream.ToolCompleted)
	assert.Equal(t, "fast", first.Data.ToolCallID)
	assert.True(t, first.Data.IsError)
	firstMsgs := first.Messages()
	assert.Equal(t, "fast", firstMsgs[len(firstMsgs)-1].Parts[0].(model.ToolResultPart).ToolCallID)

	waitRun(t, run)
	runErr, _ := run.Err.Value()
	assert.NoError(t, runErr)
	final, _ := run.Messages.Value()
	assert.Len(t, final, 4)
}

func TestExecuteLatitudeToolsEmpty(t *testing.T) {
	m := newManager(t, Options{})
	_, err := m.ExecuteLatitudeTools(context.Background(), nil)
	require.ErrorIs(t, err, ErrNotStarted)

	run, err := m.Start(context.Background(), nil)
	require.NoError(t, err)
	msgs, err := m.ExecuteLatitudeTools(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	require.NoError(t, m.Done())
	assert.Equal(t, []stream.EventType{stream.EventChainStarted, stream.EventChainCompleted}, latitudeTypes(collect(t, run)))
}

func TestInvalidStateErrors(t *testing.T) {
	m := newManager(t, Options{StepRunner: replyWith(&model.Response{Text: "x"})})
	ctx := context.Background()

	_, err := m.GetProviderResponse(ctx, conversation(nil))
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, m.StartStep(), ErrNotStarted)
	require.ErrorIs(t, m.Done(), ErrNotStarted)

	run, err := m.Start(ctx, nil)
	require.NoError(t, err)
	_, err = m.Start(ctx, nil)
	require.ErrorIs(t, err, ErrAlreadyStarted)

	require.ErrorIs(t, m.CompleteStep(), ErrNoStep)
	require.NoError(t, m.StartStep())
	require.ErrorIs(t, m.StartStep(), ErrStepOpen)
	require.NoError(t, m.CompleteStep())
	require.NoError(t, m.Error(errors.New("stop")))

	for _, err := range []error{
		m.Done(),
		m.RequestTools(nil),
		m.Error(errors.New("again")),
		m.StartStep(),
		m.CompleteStep(),
		m.ForwardEvent(stream.NewStepStarted(runUUID, nil)),
	} {
		require.ErrorIs(t, err, ErrAlreadyFinished)
		require.ErrorIs(t, err, ErrInvalidState)
	}
	_, err = m.GetProviderResponse(ctx, conversation(nil))
	require.ErrorIs(t, err, ErrAlreadyFinished)
	_, err = m.Start(ctx, nil)
	require.ErrorIs(t, err, ErrAlreadyFinished)

	types := latitudeTypes(collect(t, run))
	assert.Equal(t, []stream.EventType{
		stream.EventChainStarted,
		stream.EventStepStarted,
		stream.EventStepCompleted,
		stream.EventChainError,
	}, types)
}

func TestGetProviderResponseClosesDanglingStep(t *testing.T) {
	m := newManager(t, Options{StepRunner: replyWith(&model.Response{Text: "a"})})
	run, err := m.Start(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, m.StartStep())
	_, err = m.GetProviderResponse(context.Background(), conversation(userConversation()))
	require.NoError(t, err)
	require.NoError(t, m.Done())

	assert.Equal(t, []stream.EventType{
		stream.EventChainStarted,
		stream.EventStepStarted,
		stream.EventStepCompleted,
		stream.EventStepStarted,
		stream.EventProviderStarted,
		stream.EventProviderCompleted,
		stream.EventStepCompleted,
		stream.EventChainCompleted,
	}, latitudeTypes(collect(t, run)))
}

func TestStrictStepsRejectsDanglingStep(t *testing.T) {
	m := newManager(t, Options{StepRunner: replyWith(&model.Response{Text: "a"}), StrictSteps: true})
	_, err := m.Start(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, m.StartStep())
	_, err = m.GetProviderResponse(context.Background(), conversation(userConversation()))
	require.ErrorIs(t, err, ErrStepOpen)
}

func TestGetProviderResponseReplacesLedger(t *testing.T) {
	m := newManager(t, Options{
		Messages:   []model.Message{model.NewTextMessage(model.RoleUser, "stale")},
		StepRunner: replyWith(&model.Response{Text: "fresh answer"}),
	})
	_, err := m.Start(context.Background(), nil)
	require.NoError(t, err)
	_, err = m.GetProviderResponse(context.Background(), conversation(userConversation()))
	require.NoError(t, err)

	msgs := m.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "be brief", msgs[0].Text())
	assert.Equal(t, "fresh answer", msgs[2].Text())
}

func TestForwardEvent(t *testing.T) {
	m := newManager(t, Options{})
	run, err := m.Start(context.Background(), nil)
	require.NoError(t, err)

	err = m.ForwardEvent(stream.NewStepStarted("other-run", nil))
	require.ErrorIs(t, err, ErrEventMismatch)
	require.ErrorIs(t, err, ErrEventIntegrity)

	sub := []model.Message{model.NewTextMessage(model.RoleUser, "sub-agent question")}
	require.NoError(t, m.ForwardEvent(stream.NewProviderEvent(model.Chunk{Type: model.ChunkTypeText, Text: "x"})))
	require.NoError(t, m.ForwardEvent(stream.NewToolCompleted(runUUID, sub, stream.ToolCompletedPayload{ToolCallID: "c"})))
	assert.Equal(t, sub, m.Messages())
	require.NoError(t, m.Done())

	events := collect(t, run)
	require.Len(t, events, 4)
	assert.IsType(t, stream.ProviderEvent{}, events[1])
	forwarded := events[2].(stream.ToolCompleted)
	assert.Equal(t, "c", forwarded.Data.ToolCallID)
	assert.Equal(t, sub, forwarded.Messages())
}

func TestCancelDropsConsumerEventsButNotSinks(t *testing.T) {
	sink := &recordingSink{}
	m := newManager(t, Options{Sinks: []stream.Sink{sink}, StepRunner: replyWith(&model.Response{Text: "a"})})
	gate := make(chan struct{})
	run, err := m.Start(context.Background(), func(ctx context.Context) error {
		<-gate
		_, err := m.GetProviderResponse(ctx, conversation(userConversation()))
		return err
	})
	require.NoError(t, err)
	first := <-run.Events()
	assert.Equal(t, stream.EventChainStarted, first.Type())
	run.Cancel()
	run.Cancel()
	close(gate)

	rest := collect(t, run)
	assert.Empty(t, rest)
	waitRun(t, run)
	assert.Equal(t, []stream.EventType{
		stream.EventChainStarted,
		stream.EventStepStarted,
		stream.EventProviderStarted,
		stream.EventProviderCompleted,
		stream.EventStepCompleted,
		stream.EventChainCompleted,
	}, sink.types())
}

type failingCloseSink struct {
	recordingSink
}

func (s *failingCloseSink) Close(ctx context.Context) error {
	_ = s.recordingSink.Close(ctx)
	return errors.New("close failed")
}

func TestSinksClosedOnceAfterRun(t *testing.T) {
	first, second := &recordingSink{}, &failingCloseSink{}
	m := newManager(t, Options{
		Sinks:      []stream.Sink{first, second},
		StepRunner: replyWith(&model.Response{Text: "a"}),
	})
	run, err := m.Start(context.Background(), func(ctx context.Context) error {
		_, err := m.GetProviderResponse(ctx, conversation(userConversation()))
		return err
	})
	require.NoError(t, err)
	collect(t, run)
	waitRun(t, run)

	assert.Equal(t, 1, first.closeCount())
	assert.Equal(t, 1, second.closeCount())
	assert.Zero(t, first.sentAfterClose)
	assert.Equal(t, stream.EventChainCompleted, first.types()[len(first.types())-1])

	require.ErrorIs(t, m.Done(), ErrAlreadyFinished)
	require.NoError(t, run.Wait(context.Background()))
	assert.Equal(t, 1, first.closeCount())
}

func TestEventsReplayToFinalLedger(t *testing.T) {
	resolved := tools.ResolvedTools{}
	require.NoError(t, resolved.Add("lat_tool_run_code", model.ToolDefinition{}, tools.LatitudeSource{Tool: tools.LatitudeToolRunCode}))
	m := newManager(t, Options{
		Tools: resolved,
		StepRunner: replyWith(
			&model.Response{ToolCalls: []model.ToolCall{{ID: "c1", Name: "lat_tool_run_code", Arguments: json.RawMessage(`{}`)}}},
			&model.Response{Text: "the answer is 2"},
		),
		ToolExecutor: toolFunc(func(context.Context, tools.LatitudeCall) (any, error) { return 2, nil }),
	})
	run, err := m.Start(context.Background(), RunSteps(m, StepLoopOptions{Conversation: Conversation{Messages: userConversation()}}))
	require.NoError(t, err)
	events := collect(t, run)
	waitRun(t, run)

	final, _ := run.Messages.Value()
	assert.Equal(t, final, transcript.Replay(events))
	require.Len(t, final, 5)
	assert.Equal(t, model.RoleTool, final[3].Role)
	assert.Equal(t, "the answer is 2", final[4].Text())
}
