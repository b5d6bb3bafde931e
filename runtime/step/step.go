// Package step implements the provider step runner: one streamed model call
// per chain step, with retries before the first chunk, response aggregation
// and provider log recording.
package step

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaneholloman/latitude-llm/runtime/chain"
	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
	"github.com/shaneholloman/latitude-llm/runtime/retry"
	"github.com/shaneholloman/latitude-llm/runtime/telemetry"
	"github.com/shaneholloman/latitude-llm/runtime/tools"
	"go.opentelemetry.io/otel/codes"
)

type (
	// Options configures a Runner.
	Options struct {
		// Providers maps provider names (the "provider" config key) to model
		// clients. At least one is required.
		Providers map[string]model.Client
		// DefaultProvider is used when the conversation config names no
		// provider.
		DefaultProvider string
		// Logs records one provider log per step. Optional.
		Logs providerlog.Store
		// Retry configures retries of the provider call before its first
		// chunk. The zero value uses retry.DefaultConfig.
		Retry *retry.Config
		// Telemetry defaults to no-op implementations.
		Telemetry telemetry.Bundle
	}

	// Runner runs provider steps. It implements chain.StepRunner.
	Runner struct {
		providers       map[string]model.Client
		defaultProvider string
		logs            providerlog.Store
		retry           retry.Config
		tel             telemetry.Bundle
	}
)

// ErrUnknownProvider is returned when the conversation names a provider with
// no registered client.
var ErrUnknownProvider = errors.New("step: unknown provider")

var _ chain.StepRunner = (*Runner)(nil)

// New returns a Runner.
func New(opts Options) (*Runner, error) {
	if len(opts.Providers) == 0 {
		return nil, errors.New("step: at least one provider is required")
	}
	if opts.DefaultProvider != "" {
		if _, ok := opts.Providers[opts.DefaultProvider]; !ok {
			return nil, fmt.Errorf("%w: default %q", ErrUnknownProvider, opts.DefaultProvider)
		}
	}
	cfg := retry.DefaultConfig()
	if opts.Retry != nil {
		cfg = *opts.Retry
	}
	providers := make(map[string]model.Client, len(opts.Providers))
	for name, c := range opts.Providers {
		providers[name] = c
	}
	return &Runner{
		providers:       providers,
		defaultProvider: opts.DefaultProvider,
		logs:            opts.Logs,
		retry:           cfg,
		tel:             opts.Telemetry.WithDefaults(),
	}, nil
}

// Run performs one provider call for args, passing every chunk to emit, and
// returns the aggregated response. Errors from the provider are returned
// wrapped with the provider name.
func (r *Runner) Run(ctx context.Context, args chain.StepArgs, emit func(model.Chunk)) (*model.Response, error) {
	name, client, err := r.resolve(args.Conversation.Config)
	if err != nil {
		return nil, err
	}
	req := BuildRequest(args.Conversation, args.Tools)

	ctx, span := r.tel.Tracer.Start(ctx, "step.provider_stream")
	defer span.End()
	span.AddEvent("request", "provider", name, "model", req.Model)
	start := time.Now()

	resp, err := r.call(ctx, name, client, req, emit)
	duration := time.Since(start)
	r.tel.Metrics.RecordTimer("step.provider.duration", duration, "provider", name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	resp.ProviderLogUUID = uuid.NewString()
	resp.DocumentLogUUID = args.ErrorableUUID
	r.record(ctx, name, req, args, resp, duration)
	span.SetStatus(codes.Ok, "completed")
	return resp, nil
}

func (r *Runner) resolve(cfg model.Config) (string, model.Client, error) {
	name := cfg.String("provider")
	if name == "" {
		name = r.defaultProvider
	}
	if name == "" && len(r.providers) == 1 {
		for n := range r.providers {
			name = n
		}
	}
	client, ok := r.providers[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return name, client, nil
}

// call streams the request, retrying failures that happen before the first
// chunk. A failure after a chunk was emitted is returned as is.
func (r *Runner) call(ctx context.Context, name string, client model.Client, req *model.Request, emit func(model.Chunk)) (*model.Response, error) {
	var (
		resp      *model.Response
		emitted   bool
		streamErr error
	)
	forward := func(c model.Chunk) {
		emitted = true
		emit(c)
	}
	cfg := r.retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		r.tel.Metrics.IncCounter("step.provider.retries", 1, "provider", name)
		r.tel.Logger.Warn(ctx, "provider call failed, retrying",
			"provider", name, "attempt", attempt, "backoff", backoff.String(), "err", err)
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		s, err := client.Stream(ctx, req)
		if errors.Is(err, model.ErrStreamingUnsupported) {
			full, err := client.Complete(ctx, req)
			if err != nil {
				return err
			}
			resp = normalize(full)
			for _, c := range Chunks(resp) {
				forward(c)
			}
			return nil
		}
		if err != nil {
			return err
		}
		resp, err = Aggregate(s, forward)
		if err != nil && emitted {
			streamErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}
	return resp, nil
}

func (r *Runner) record(ctx context.Context, name string, req *model.Request, args chain.StepArgs, resp *model.Response, d time.Duration) {
	if r.logs == nil {
		return
	}
	source := args.Source
	if source == "" {
		source = providerlog.SourceAPI
	}
	log := &providerlog.ProviderLog{
		UUID:            resp.ProviderLogUUID,
		DocumentLogUUID: resp.DocumentLogUUID,
		Provider:        name,
		Model:           req.Model,
		Config:          args.Conversation.Config.Clone(),
		Messages:        req.Messages,
		ResponseText:    resp.Text,
		ToolCalls:       resp.ToolCalls,
		Usage:           resp.Usage,
		FinishReason:    resp.FinishReason,
		Duration:        d,
		Source:          source,
		GeneratedAt:     time.Now().UTC(),
	}
	if err := r.logs.Create(ctx, log); err != nil {
		r.tel.Logger.Warn(ctx, "provider log not recorded", "uuid", log.UUID, "provider", name, "err", err)
	}
}

// BuildRequest converts a conversation and its tools into a provider request.
func BuildRequest(conv chain.Conversation, resolved tools.ResolvedTools) *model.Request {
	req := &model.Request{
		Model:    conv.Config.String("model"),
		Messages: conv.Messages,
		Tools:    resolved.Definitions(),
	}
	if t, ok := conv.Config.Float("temperature"); ok {
		req.Temperature = t
	}
	if n, ok := conv.Config.Int("maxTokens"); ok {
		req.MaxTokens = n
	}
	return req
}
