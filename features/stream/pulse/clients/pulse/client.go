// Package pulse wraps goa.design/pulse streams behind the narrow interfaces
// used by the chain event sink and subscriber. Callers own the Redis
// connection and pass it to New.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero keeps the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add. Zero disables the timeout.
		OperationTimeout time.Duration
	}

	// Client opens chain event streams.
	Client interface {
		health.Pinger

		// Stream returns the named stream, creating it when missing.
		Stream(name string) (Stream, error)
	}

	// Stream publishes and consumes the events of one chain run.
	Stream interface {
		// Add publishes payload under event name and returns the Redis entry
		// ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a Pulse consumer group.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, ev *streaming.Event) error
		Close(ctx context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	consumer struct {
		*streaming.Sink
	}
)

const clientName = "chain-streams"

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	return &handle{stream: s, timeout: c.timeout}, nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return consumer{Sink: s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

func (c consumer) Close(ctx context.Context) {
	c.Sink.Close(ctx)
}
