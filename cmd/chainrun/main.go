// Command chainrun runs a chain described in a YAML file and writes its event
// stream to stdout, one JSON event per line.
//
// # Configuration
//
// Environment variables:
//
//	ANTHROPIC_API_KEY   - enables the "anthropic" provider
//	ANTHROPIC_MODEL     - default Claude model (default: "claude-sonnet-4-5")
//	OPENAI_API_KEY      - enables the "openai" provider
//	OPENAI_BASE_URL     - OpenAI-compatible endpoint (optional)
//	OPENAI_MODEL        - default OpenAI model (default: "gpt-4o")
//	BEDROCK_MODEL       - enables the "bedrock" provider with this model
//	AWS_REGION          - Bedrock region (AWS default chain otherwise)
//	DEFAULT_PROVIDER    - provider used when the chain config names none
//	REDIS_URL           - publishes events to Pulse and shares rate limits
//	REDIS_PASSWORD      - Redis password (optional)
//	MONGO_URI           - persists the event and provider logs to MongoDB
//	MONGO_DATABASE      - MongoDB database (default: "latitude")
//	SANDBOX_URL         - code execution backend of the run code tool
//	SEARCH_URL          - search backend of the web search tool
//	RATE_LIMIT_TPM      - initial tokens-per-minute budget per provider
//	MAX_STEPS           - provider step limit (config "maxSteps" otherwise)
//	PROVIDER_TIMEOUT    - bound on the whole run (default: "10m")
//	DEBUG               - enables debug logs
//
// # Example
//
//	ANTHROPIC_API_KEY=... chainrun -f chain.yaml
//	chainrun -f chain.yaml -legacy | jq .
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	providerlogmongo "github.com/shaneholloman/latitude-llm/features/providerlog/mongo"
	providerlogclient "github.com/shaneholloman/latitude-llm/features/providerlog/mongo/clients/mongo"
	runlogmongo "github.com/shaneholloman/latitude-llm/features/runlog/mongo"
	runlogclient "github.com/shaneholloman/latitude-llm/features/runlog/mongo/clients/mongo"
	streampulse "github.com/shaneholloman/latitude-llm/features/stream/pulse"
	clientspulse "github.com/shaneholloman/latitude-llm/features/stream/pulse/clients/pulse"
	"github.com/shaneholloman/latitude-llm/runtime/chain"
	"github.com/shaneholloman/latitude-llm/runtime/latitudetools"
	"github.com/shaneholloman/latitude-llm/runtime/legacy"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
	providerloginmem "github.com/shaneholloman/latitude-llm/runtime/providerlog/inmem"
	"github.com/shaneholloman/latitude-llm/runtime/runlog"
	runloginmem "github.com/shaneholloman/latitude-llm/runtime/runlog/inmem"
	"github.com/shaneholloman/latitude-llm/runtime/step"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
	"github.com/shaneholloman/latitude-llm/runtime/telemetry"
)

const limitsMapName = "chainrun-rate-limits"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		fileF   = flag.String("f", "", "Path to the YAML chain definition (required)")
		legacyF = flag.Bool("legacy", false, "Write events in the legacy stream format")
		strictF = flag.Bool("strict-steps", false, "Fail provider calls made while a step is open")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()
	if *fileF == "" {
		flag.Usage()
		return errors.New("missing -f")
	}
	cfg := loadConfig()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(),
		log.WithFormat(format),
		log.WithOutput(os.Stderr),
		log.WithDisableBuffering(func(context.Context) bool { return true }))
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.ProviderTimeout)
	defer cancel()

	def, err := loadDefinition(*fileF)
	if err != nil {
		return err
	}
	tel := telemetry.NewClue()

	var (
		rdb    *redis.Client
		limits *rmap.Map
	)
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL, Password: cfg.RedisPassword})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		if limits, err = rmap.Join(ctx, limitsMapName, rdb); err != nil {
			return fmt.Errorf("join rate limit map: %w", err)
		}
		defer limits.Close()
	}

	providers, defaultProvider, err := buildProviders(ctx, cfg, limits, tel.Logger)
	if err != nil {
		return err
	}
	builtins, err := latitudetools.NewBuiltins(latitudetools.BuiltinsConfig{
		SandboxURL:    cfg.SandboxURL,
		SandboxAPIKey: cfg.SandboxAPIKey,
		SearchURL:     cfg.SearchURL,
		SearchAPIKey:  cfg.SearchAPIKey,
	})
	if err != nil {
		return err
	}
	resolved, err := def.resolveTools(builtins)
	if err != nil {
		return err
	}

	events, logs, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()
	runner, err := step.New(step.Options{
		Providers:       providers,
		DefaultProvider: defaultProvider,
		Logs:            logs,
		Telemetry:       tel,
	})
	if err != nil {
		return err
	}

	sinks := []stream.Sink{runlog.NewSink(events, def.UUID)}
	if rdb != nil {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 10000})
		if err != nil {
			return err
		}
		ps, err := streampulse.NewSink(streampulse.Options{Client: pc, RunID: def.UUID})
		if err != nil {
			return err
		}
		sinks = append(sinks, ps)
	}

	m, err := chain.New(chain.Options{
		ErrorableUUID: def.UUID,
		Messages:      def.conversation().Messages,
		StepRunner:    runner,
		ToolExecutor:  builtins,
		Tools:         resolved,
		Sinks:         sinks,
		StrictSteps:   *strictF,
		Telemetry:     tel,
	})
	if err != nil {
		return err
	}
	r, err := m.Start(ctx, chain.RunSteps(m, chain.StepLoopOptions{
		Conversation: def.conversation(),
		MaxSteps:     cfg.MaxSteps,
		Source:       providerlog.SourceAPI,
	}))
	if err != nil {
		return err
	}

	if err := writeEvents(ctx, os.Stdout, r.Events(), *legacyF); err != nil {
		r.Cancel()
		return err
	}
	if err := r.Wait(ctx); err != nil {
		return err
	}
	return report(ctx, def.UUID, r, logs)
}

// openStores returns the event log and provider log stores: MongoDB when
// MONGO_URI is set, in-memory otherwise.
func openStores(ctx context.Context, cfg config) (runlog.Store, providerlog.Store, func(), error) {
	if cfg.MongoURI == "" {
		return runloginmem.New(), providerloginmem.New(), func() {}, nil
	}
	mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	disconnect := func() {
		if err := mc.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	fail := func(err error) (runlog.Store, providerlog.Store, func(), error) {
		disconnect()
		return nil, nil, nil, err
	}

	rc, err := runlogclient.New(runlogclient.Options{Client: mc, Database: cfg.MongoDatabase})
	if err != nil {
		return fail(err)
	}
	if err := rc.Ping(ctx); err != nil {
		return fail(fmt.Errorf("ping mongo: %w", err))
	}
	events, err := runlogmongo.NewStore(rc)
	if err != nil {
		return fail(err)
	}
	pc, err := providerlogclient.New(providerlogclient.Options{Client: mc, Database: cfg.MongoDatabase})
	if err != nil {
		return fail(err)
	}
	logs, err := providerlogmongo.NewStore(pc)
	if err != nil {
		return fail(err)
	}
	return events, logs, disconnect, nil
}

// writeEvents encodes every event of the run as one JSON line.
func writeEvents(ctx context.Context, w io.Writer, events <-chan stream.Event, legacyFormat bool) error {
	enc := json.NewEncoder(w)
	if legacyFormat {
		for ev := range legacy.Convert(ctx, events) {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}
	for ev := range events {
		data, err := stream.Marshal(ev)
		if err != nil {
			return err
		}
		if err := enc.Encode(json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// report logs the outcome of the run and returns its error, if any.
func report(ctx context.Context, uuid string, r *chain.Run, logs providerlog.Store) error {
	runErr, _ := r.Err.Value()
	calls, _ := r.ToolCalls.Value()
	steps, err := logs.ListByDocumentLog(ctx, uuid)
	if err != nil {
		return err
	}
	var total int
	for _, pl := range steps {
		total += pl.Usage.TotalTokens
	}
	log.Print(ctx,
		log.KV{K: "uuid", V: uuid},
		log.KV{K: "steps", V: len(steps)},
		log.KV{K: "tokens", V: total},
		log.KV{K: "requested-tools", V: len(calls)},
	)
	return runErr
}
