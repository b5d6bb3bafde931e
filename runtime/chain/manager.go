// Package chain implements the chain stream manager: the state machine that
// drives a multi-step LLM run, streams its events to a single consumer (and
// any number of sinks) and settles the run outcome exactly once.
//
// A Manager moves through NotStarted, Started, StepOpen/StepClosed and
// Finished. Finished is reached by exactly one of Done, RequestTools or
// Error. Reaching it closes the event stream and settles the four signals of
// the Run (messages, tool calls, error and last response).
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaneholloman/latitude-llm/runtime/latitudetools"
	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
	"github.com/shaneholloman/latitude-llm/runtime/telemetry"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
	"github.com/shaneholloman/latitude-llm/runtime/transcript"
	"go.opentelemetry.io/otel/codes"
)

type (
	// Driver runs the chain. It is invoked once, in its own goroutine, by
	// Start. Returning nil ends the run with Done unless a terminal operation
	// already ran; returning an error ends it with Error.
	Driver func(ctx context.Context) error

	// StepRunner performs one provider call, passing every streamed chunk to
	// emit before returning the aggregated response.
	StepRunner interface {
		Run(ctx context.Context, args StepArgs, emit func(model.Chunk)) (*model.Response, error)
	}

	// ToolExecutor runs one built-in tool call.
	ToolExecutor interface {
		Execute(ctx context.Context, call tools.LatitudeCall) (any, error)
	}

	// Conversation is the input of one provider step.
	Conversation struct {
		Messages []model.Message
		Config   model.Config
	}

	// ProviderArgs are the arguments of GetProviderResponse.
	ProviderArgs struct {
		Conversation Conversation
		// Tools overrides the tools exposed to the provider for this step.
		// Nil uses the manager's tools.
		Tools tools.ResolvedTools
		// Source tags the provider log of the step.
		Source providerlog.Source
	}

	// StepArgs are handed to the StepRunner.
	StepArgs struct {
		ErrorableUUID string
		Conversation  Conversation
		Tools         tools.ResolvedTools
		Source        providerlog.Source
	}

	// Options configures a Manager.
	Options struct {
		// ErrorableUUID identifies the run. Required.
		ErrorableUUID string
		// Messages seeds the ledger.
		Messages []model.Message
		// TokenUsage seeds the usage accumulator.
		TokenUsage model.TokenUsage
		// StepRunner performs provider steps.
		StepRunner StepRunner
		// ToolExecutor runs built-in tools.
		ToolExecutor ToolExecutor
		// Tools lists the tools available to the run.
		Tools tools.ResolvedTools
		// Sinks receive a copy of every event.
		Sinks []stream.Sink
		// StrictSteps makes GetProviderResponse fail with ErrStepOpen instead
		// of closing a dangling step.
		StrictSteps bool
		// Telemetry defaults to no-op implementations.
		Telemetry telemetry.Bundle
	}

	// Manager is the chain stream manager. All methods are safe for
	// concurrent use.
	Manager struct {
		uuid     string
		steps    StepRunner
		executor ToolExecutor
		tools    tools.ResolvedTools
		sinks    []stream.Sink
		strict   bool
		tel      telemetry.Bundle

		mu           sync.Mutex
		ledger       *transcript.Ledger
		usage        model.TokenUsage
		lastResponse *model.Response
		finishReason model.FinishReason
		started      bool
		finished     bool
		inStep       bool
		run          *Run
		ctx          context.Context
		startedAt    time.Time
	}

	// Run is the handle returned by Start.
	Run struct {
		// Messages settles with the final ledger.
		Messages *Signal[[]model.Message]
		// ToolCalls settles with the calls handed to the caller by
		// RequestTools, or an empty slice.
		ToolCalls *Signal[[]model.ToolCall]
		// Err settles with the *ChainError the run ended with, or nil.
		Err *Signal[error]
		// LastResponse settles with the last provider response, or nil when
		// no provider step completed.
		LastResponse *Signal[*model.Response]

		events     chan stream.Event
		consumer   *queue
		sinkQueue  *queue
		cancel     chan struct{}
		cancelOnce sync.Once
		sinksDone  chan struct{}
	}
)

// New returns a Manager in the NotStarted state.
func New(opts Options) (*Manager, error) {
	if opts.ErrorableUUID == "" {
		return nil, errors.New("chain: errorable uuid is required")
	}
	resolved := opts.Tools
	if resolved == nil {
		resolved = tools.ResolvedTools{}
	}
	return &Manager{
		uuid:     opts.ErrorableUUID,
		steps:    opts.StepRunner,
		executor: opts.ToolExecutor,
		tools:    resolved,
		sinks:    append([]stream.Sink(nil), opts.Sinks...),
		strict:   opts.StrictSteps,
		tel:      opts.Telemetry.WithDefaults(),
		ledger:   transcript.NewLedger(opts.Messages),
		usage:    opts.TokenUsage,
	}, nil
}

// UUID returns the errorable uuid of the run.
func (m *Manager) UUID() string { return m.uuid }

// Tools returns the tools available to the run.
func (m *Manager) Tools() tools.ResolvedTools { return m.tools }

// Messages returns a snapshot of the ledger.
func (m *Manager) Messages() []model.Message { return m.ledger.Snapshot() }

// TokenUsage returns the usage accumulated so far.
func (m *Manager) TokenUsage() model.TokenUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// FinishReason returns the finish reason of the last provider step, or the
// empty string when none completed.
func (m *Manager) FinishReason() model.FinishReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishReason
}

// Finished reports whether the run reached its terminal state.
func (m *Manager) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished
}

// Start opens the event stream, emits chain-started and invokes driver in a
// new goroutine. A nil driver leaves termination to the caller.
func (m *Manager) Start(ctx context.Context, driver Driver) (*Run, error) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return nil, ErrAlreadyFinished
	}
	if m.started {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	run := &Run{
		Messages:     newSignal[[]model.Message](),
		ToolCalls:    newSignal[[]model.ToolCall](),
		Err:          newSignal[error](),
		LastResponse: newSignal[*model.Response](),
		events:       make(chan stream.Event),
		consumer:     newQueue(),
		sinkQueue:    newQueue(),
		cancel:       make(chan struct{}),
		sinksDone:    make(chan struct{}),
	}
	m.run = run
	m.started = true
	m.ctx = context.WithoutCancel(ctx)
	m.startedAt = time.Now()
	go run.pumpConsumer()
	go m.pumpSinks(run)
	m.emitLocked(stream.EventChainStarted, nil)
	m.mu.Unlock()

	m.tel.Logger.Info(ctx, "chain started", "uuid", m.uuid)
	if driver != nil {
		go m.drive(ctx, driver)
	}
	return run, nil
}

// GetProviderResponse replaces the ledger with the conversation messages,
// brackets a new step and runs one provider call through the StepRunner,
// forwarding its chunks as provider events. Provider failures are returned
// unchanged.
func (m *Manager) GetProviderResponse(ctx context.Context, args ProviderArgs) (*model.Response, error) {
	m.mu.Lock()
	if err := m.checkActiveLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.inStep && m.strict {
		m.mu.Unlock()
		return nil, ErrStepOpen
	}
	m.ledger.Replace(args.Conversation.Messages)
	if m.inStep {
		m.completeStepLocked()
	}
	m.startStepLocked()
	m.emitLocked(stream.EventProviderStarted, stream.ProviderStartedPayload{Config: args.Conversation.Config.Clone()})
	m.mu.Unlock()

	if m.steps == nil {
		return nil, NewChainError(CodeAIProviderConfig, "no step runner configured", nil)
	}
	resolved := args.Tools
	if resolved == nil {
		resolved = m.tools
	}
	ctx, span := m.tel.Tracer.Start(ctx, "chain.provider_step")
	defer span.End()
	start := time.Now()

	resp, err := m.steps.Run(ctx, StepArgs{
		ErrorableUUID: m.uuid,
		Conversation:  args.Conversation,
		Tools:         resolved,
		Source:        args.Source,
	}, m.forwardChunk)
	m.tel.Metrics.RecordTimer("chain.step.duration", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		resp = &model.Response{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return resp, ErrAlreadyFinished
	}
	m.ledger.Append(transcript.BuildMessagesFromResponse(*resp)...)
	m.usage = m.usage.Add(resp.Usage)
	m.finishReason = resp.FinishReason
	m.lastResponse = resp
	m.emitLocked(stream.EventProviderCompleted, stream.ProviderCompletedPayload{
		ProviderLogUUID: resp.ProviderLogUUID,
		TokenUsage:      resp.Usage,
		FinishReason:    resp.FinishReason.OrStop(),
		Response:        resp,
	})
	span.SetStatus(codes.Ok, "completed")
	return resp, nil
}

// ExecuteLatitudeTools runs the built-in tool calls concurrently. Each
// result (or failure, converted into an error tool result) is appended to
// the ledger and announced with tool-completed as soon as it finishes. The
// returned messages follow the order of calls. Tool failures never fail the
// run.
func (m *Manager) ExecuteLatitudeTools(ctx context.Context, calls []tools.LatitudeCall) ([]model.Message, error) {
	m.mu.Lock()
	if err := m.checkActiveLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if len(calls) == 0 {
		m.mu.Unlock()
		return []model.Message{}, nil
	}
	if !m.inStep {
		m.startStepLocked()
	}
	announced := make([]model.ToolCall, len(calls))
	for i, c := range calls {
		announced[i] = c.ToolCall
	}
	m.emitLocked(stream.EventToolsStarted, stream.ToolsStartedPayload{Tools: announced})
	m.mu.Unlock()

	results := make([]model.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, failed := m.executeTool(ctx, call)
			results[i] = msg

			m.mu.Lock()
			defer m.mu.Unlock()
			if m.finished {
				return
			}
			m.ledger.Append(msg)
			m.emitLocked(stream.EventToolCompleted, stream.ToolCompletedPayload{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    failed,
			})
		}()
	}
	wg.Wait()
	return results, nil
}

// StartStep opens a step.
func (m *Manager) StartStep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActiveLocked(); err != nil {
		return err
	}
	if m.inStep {
		return ErrStepOpen
	}
	m.startStepLocked()
	return nil
}

// CompleteStep closes the open step.
func (m *Manager) CompleteStep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActiveLocked(); err != nil {
		return err
	}
	if !m.inStep {
		return ErrNoStep
	}
	m.completeStepLocked()
	return nil
}

// Done ends the run successfully, closing any open step first.
func (m *Manager) Done() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActiveLocked(); err != nil {
		return err
	}
	if m.inStep {
		m.completeStepLocked()
	}
	m.emitLocked(stream.EventChainCompleted, stream.ChainCompletedPayload{
		FinishReason: m.finishReason.OrStop(),
		TokenUsage:   m.usage,
	})
	m.finishLocked("completed")
	return nil
}

// RequestTools ends the run by handing calls to the caller.
func (m *Manager) RequestTools(calls []model.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActiveLocked(); err != nil {
		return err
	}
	requested := append([]model.ToolCall{}, calls...)
	m.emitLocked(stream.EventToolsRequested, stream.ToolsRequestedPayload{Tools: requested})
	m.run.ToolCalls.settle(requested)
	m.finishLocked("tools_requested")
	return nil
}

// Error ends the run with err, converted with AsChainError.
func (m *Manager) Error(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.checkActiveLocked(); e != nil {
		return e
	}
	if err == nil {
		err = errors.New("unknown error")
	}
	ce := AsChainError(err)
	m.emitLocked(stream.EventChainError, stream.ChainErrorPayload{Error: stream.ErrorInfo{
		Name:    ce.Name(),
		Code:    string(ce.Code),
		Message: ce.Message,
		Stack:   ce.Stack(),
	}})
	m.run.Err.settle(ce)
	m.tel.Logger.Error(m.ctx, "chain failed", "uuid", m.uuid, "code", string(ce.Code), "err", err)
	m.finishLocked("failed")
	return nil
}

// ForwardEvent injects an event produced by a sub-run. Provider events pass
// through unchanged. Latitude events must carry this run's uuid; their
// ledger becomes the current ledger and they are re-emitted with the
// manager's envelope.
func (m *Manager) ForwardEvent(ev stream.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkActiveLocked(); err != nil {
		return err
	}
	if ev.Category() == stream.CategoryProvider {
		m.pushLocked(ev)
		return nil
	}
	if ev.UUID() != m.uuid {
		return fmt.Errorf("%w: got %q, want %q", ErrEventMismatch, ev.UUID(), m.uuid)
	}
	m.ledger.Replace(ev.Messages())
	m.pushLocked(stream.Rebase(ev, m.uuid, m.ledger.Snapshot()))
	return nil
}

// Events returns the event stream. It has a single reader and is closed
// once, after the run finished and every queued event was delivered or
// dropped by Cancel.
func (r *Run) Events() <-chan stream.Event { return r.events }

// Cancel stops delivery to the consumer. Remaining events are dropped; the
// run itself continues and sinks still receive every event.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() { close(r.cancel) })
}

// Wait blocks until every signal settled and the sinks received every
// event, or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	for _, done := range []<-chan struct{}{
		r.Messages.Done(), r.ToolCalls.Done(), r.Err.Done(), r.LastResponse.Done(), r.sinksDone,
	} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Run) pumpConsumer() {
	defer close(r.events)
	for {
		ev, ok := r.consumer.pop()
		if !ok {
			return
		}
		select {
		case <-r.cancel:
		default:
			select {
			case r.events <- ev:
			case <-r.cancel:
			}
		}
	}
}

func (m *Manager) pumpSinks(r *Run) {
	defer close(r.sinksDone)
	for {
		ev, ok := r.sinkQueue.pop()
		if !ok {
			m.closeSinks()
			return
		}
		for _, s := range m.sinks {
			if err := s.Send(m.ctx, ev); err != nil {
				m.tel.Logger.Warn(m.ctx, "chain sink send failed", "uuid", m.uuid, "type", string(ev.Type()), "err", err)
			}
		}
	}
}

// closeSinks closes every sink once the sink queue is drained.
func (m *Manager) closeSinks() {
	for _, s := range m.sinks {
		if err := s.Close(m.ctx); err != nil {
			m.tel.Logger.Warn(m.ctx, "chain sink close failed", "uuid", m.uuid, "err", err)
		}
	}
}

func (m *Manager) drive(ctx context.Context, driver Driver) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = NewChainError(CodeUnknown, fmt.Sprintf("driver panic: %v", r), nil)
			}
		}()
		err = driver(ctx)
	}()
	if err != nil {
		if e := m.Error(err); e != nil {
			m.tel.Logger.Warn(ctx, "driver error after chain finished", "uuid", m.uuid, "err", err)
		}
		return
	}
	if m.Finished() {
		return
	}
	if e := m.Done(); e != nil {
		m.tel.Logger.Debug(ctx, "chain finished before driver returned", "uuid", m.uuid)
	}
}

func (m *Manager) executeTool(ctx context.Context, call tools.LatitudeCall) (msg model.Message, failed bool) {
	ctx, span := m.tel.Tracer.Start(ctx, "chain.tool")
	defer span.End()
	span.AddEvent("tool", "name", call.Name, "id", call.ID)
	start := time.Now()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
			}
		}()
		if m.executor == nil {
			err = errors.New("no tool executor configured")
			return
		}
		result, err = m.executor.Execute(ctx, call)
	}()
	m.tel.Metrics.RecordTimer("chain.tool.duration", time.Since(start), "tool", call.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.tel.Metrics.IncCounter("chain.tool.failures", 1, "tool", call.Name)
		m.tel.Logger.Warn(ctx, "latitude tool failed", "uuid", m.uuid, "tool", call.Name, "err", err)
	}
	return latitudetools.BuildToolMessage(call.ToolCall, result, err), err != nil
}

func (m *Manager) forwardChunk(chunk model.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return
	}
	m.pushLocked(stream.NewProviderEvent(chunk))
}

func (m *Manager) checkActiveLocked() error {
	if m.finished {
		return ErrAlreadyFinished
	}
	if !m.started {
		return ErrNotStarted
	}
	return nil
}

func (m *Manager) startStepLocked() {
	m.inStep = true
	m.emitLocked(stream.EventStepStarted, nil)
}

func (m *Manager) completeStepLocked() {
	m.inStep = false
	m.emitLocked(stream.EventStepCompleted, nil)
}

// emitLocked stamps the envelope (uuid and ledger snapshot) on a new event
// and queues it. It is a no-op once the run finished.
func (m *Manager) emitLocked(t stream.EventType, payload any) {
	if m.finished {
		return
	}
	m.pushLocked(newEvent(t, m.uuid, m.ledger.Snapshot(), payload))
}

func (m *Manager) pushLocked(ev stream.Event) {
	if m.finished {
		return
	}
	m.run.consumer.push(ev)
	m.run.sinkQueue.push(ev)
	m.tel.Metrics.IncCounter("chain.events", 1, "type", string(ev.Type()))
}

// finishLocked runs the shared termination sequence.
func (m *Manager) finishLocked(outcome string) {
	m.finished = true
	m.run.consumer.close()
	m.run.sinkQueue.close()
	m.run.Messages.settle(m.ledger.Snapshot())
	m.run.LastResponse.settle(m.lastResponse)
	m.run.Err.settle(nil)
	m.run.ToolCalls.settle([]model.ToolCall{})
	m.tel.Metrics.RecordTimer("chain.run.duration", time.Since(m.startedAt), "outcome", outcome)
	m.tel.Logger.Info(m.ctx, "chain finished", "uuid", m.uuid, "outcome", outcome)
}

func newEvent(t stream.EventType, uuid string, msgs []model.Message, payload any) stream.Event {
	switch p := payload.(type) {
	case stream.ProviderStartedPayload:
		return stream.NewProviderStarted(uuid, msgs, p)
	case stream.ProviderCompletedPayload:
		return stream.NewProviderCompleted(uuid, msgs, p)
	case stream.ToolsStartedPayload:
		return stream.NewToolsStarted(uuid, msgs, p)
	case stream.ToolCompletedPayload:
		return stream.NewToolCompleted(uuid, msgs, p)
	case stream.ChainCompletedPayload:
		return stream.NewChainCompleted(uuid, msgs, p)
	case stream.ChainErrorPayload:
		return stream.NewChainError(uuid, msgs, p)
	case stream.ToolsRequestedPayload:
		return stream.NewToolsRequested(uuid, msgs, p)
	}
	switch t {
	case stream.EventChainStarted:
		return stream.NewChainStarted(uuid, msgs)
	case stream.EventStepStarted:
		return stream.NewStepStarted(uuid, msgs)
	case stream.EventStepCompleted:
		return stream.NewStepCompleted(uuid, msgs)
	default:
		panic(fmt.Sprintf("chain: no payload for event %q", t))
	}
}
