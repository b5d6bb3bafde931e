// Package middleware provides model.Client middlewares applied at the
// provider boundary of the step runner.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/telemetry"
	"goa.design/pulse/rmap"
)

const (
	// DefaultTPM is the tokens-per-minute budget used when none is configured.
	DefaultTPM = 60000

	clusterUpdateAttempts = 3
	clusterUpdateTimeout  = 2 * time.Second
)

type (
	// LimiterOptions configures an AdaptiveRateLimiter.
	LimiterOptions struct {
		// InitialTPM is the starting tokens-per-minute budget.
		InitialTPM float64
		// MaxTPM caps recovery. Values below InitialTPM are raised to it.
		MaxTPM float64
		// Map, when set with Key, shares the budget across processes.
		Map *rmap.Map
		// Key names the shared budget entry, typically the provider name.
		Key string
		// Logger records budget changes.
		Logger telemetry.Logger
	}

	// AdaptiveRateLimiter applies an AIMD token bucket on top of a
	// model.Client. Each request is charged an estimate of its token cost;
	// throttling responses halve the budget and successes recover it
	// linearly up to MaxTPM.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64

		logger telemetry.Logger
		key    string
		// onChange publishes local adjustments to the shared map.
		onChange func(backoff bool)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used to share budgets.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// NewAdaptiveRateLimiter constructs a limiter. With a Map and Key the budget
// is coordinated across processes through a Pulse replicated map; otherwise
// the limiter is process-local.
func NewAdaptiveRateLimiter(ctx context.Context, opts LimiterOptions) *AdaptiveRateLimiter {
	var cm clusterMap
	if opts.Map != nil {
		cm = opts.Map
	}
	return newClusterLimiter(ctx, cm, opts)
}

func newLocalLimiter(opts LimiterOptions) *AdaptiveRateLimiter {
	initial := opts.InitialTPM
	if initial <= 0 {
		initial = DefaultTPM
	}
	maxTPM := opts.MaxTPM
	if maxTPM < initial {
		maxTPM = initial
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initial/60.0), int(initial)),
		currentTPM:   initial,
		minTPM:       max(initial*0.1, 1),
		maxTPM:       maxTPM,
		recoveryRate: max(initial*0.05, 1),
		logger:       logger,
		key:          opts.Key,
	}
}

// Wrap returns next with the limiter applied to Complete and Stream.
func (l *AdaptiveRateLimiter) Wrap(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current tokens-per-minute budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	if !errors.Is(err, model.ErrStreamingUnsupported) {
		c.limiter.observe(ctx, err)
	}
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	l.mu.Lock()
	lim := l.limiter
	burst := int(l.currentTPM)
	l.mu.Unlock()
	return lim.WaitN(ctx, min(estimateTokens(req), max(burst, 1)))
}

func (l *AdaptiveRateLimiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		l.adjust(ctx, false)
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(ctx, true)
	}
}

// adjust halves the budget on backoff and adds the recovery step otherwise.
func (l *AdaptiveRateLimiter) adjust(ctx context.Context, backoff bool) {
	l.mu.Lock()
	next := l.currentTPM + l.recoveryRate
	if backoff {
		next = l.currentTPM * 0.5
	}
	changed := l.setLocked(next)
	cb := l.onChange
	tpm := l.currentTPM
	l.mu.Unlock()

	if !changed {
		return
	}
	if backoff {
		l.logger.Warn(ctx, "provider rate limited, reducing budget", "provider", l.key, "tpm", tpm)
	}
	if cb != nil {
		cb(backoff)
	}
}

// replace adopts a budget published by another process.
func (l *AdaptiveRateLimiter) replace(tpm float64) {
	l.mu.Lock()
	l.setLocked(tpm)
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) bool {
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm == l.currentTPM {
		return false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens approximates the token cost of a request at one token per
// three characters of message content plus the completion budget.
func estimateTokens(req *model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				chars += len(v.Text)
			case model.ReasoningPart:
				chars += len(v.Text)
			case model.ToolCallPart:
				chars += len(v.ToolName) + len(v.Args)
			case model.ToolResultPart:
				if s, ok := v.Result.(string); ok {
					chars += len(s)
				}
			}
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description)
	}
	return chars/3 + max(req.MaxTokens, 0) + 500
}

func newClusterLimiter(ctx context.Context, m clusterMap, opts LimiterOptions) *AdaptiveRateLimiter {
	if opts.Key == "" || m == nil {
		return newLocalLimiter(opts)
	}
	key := opts.Key
	if opts.InitialTPM <= 0 {
		opts.InitialTPM = DefaultTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, formatTPM(opts.InitialTPM)); err != nil {
			return newLocalLimiter(opts)
		}
	}
	if shared, ok := parseTPM(m.Get(key)); ok {
		opts.InitialTPM = shared
	}
	l := newLocalLimiter(opts)

	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.onChange = func(backoff bool) {
		update := func(cur float64) float64 { return min(cur+step, ceiling) }
		if backoff {
			update = func(cur float64) float64 { return max(cur*0.5, floor) }
		}
		go casUpdate(context.Background(), m, key, update)
	}

	ch := m.Subscribe()
	go func() {
		for range ch {
			if v, ok := parseTPM(m.Get(key)); ok {
				l.replace(v)
			}
		}
	}()
	return l
}

// casUpdate applies update to the shared budget with test-and-set, retrying
// when another process wrote first.
func casUpdate(ctx context.Context, m clusterMap, key string, update func(float64) float64) {
	ctx, cancel := context.WithTimeout(ctx, clusterUpdateTimeout)
	defer cancel()
	for range clusterUpdateAttempts {
		curStr, ok := m.Get(key)
		cur, valid := parseTPM(curStr, ok)
		if !valid {
			return
		}
		next := formatTPM(update(cur))
		if next == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, next)
		if err != nil || prev == curStr {
			return
		}
	}
}

func parseTPM(s string, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func formatTPM(v float64) string {
	return strconv.Itoa(int(v))
}
