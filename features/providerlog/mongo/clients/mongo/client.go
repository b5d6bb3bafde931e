// Package mongo hosts the MongoDB client used by the provider log store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"github.com/shaneholloman/latitude-llm/runtime/model"
	"github.com/shaneholloman/latitude-llm/runtime/providerlog"
)

const (
	defaultCollection = "provider_logs"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "providerlog-mongo"
)

// Client exposes Mongo-backed operations for provider logs.
type Client interface {
	health.Pinger

	Create(ctx context.Context, log *providerlog.ProviderLog) error
	Get(ctx context.Context, uuid string) (*providerlog.ProviderLog, error)
	ListByDocumentLog(ctx context.Context, documentLogUUID string) ([]*providerlog.ProviderLog, error)
}

// Options configures the Mongo provider log client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type (
	client struct {
		mongo   *mongodriver.Client
		logs    collection
		timeout time.Duration
	}

	// logDocument stores conversation payloads as JSON so that message parts
	// round-trip through their own encoding.
	logDocument struct {
		UUID             string        `bson:"uuid"`
		DocumentLogUUID  string        `bson:"document_log_uuid,omitempty"`
		Provider         string        `bson:"provider"`
		Model            string        `bson:"model"`
		Config           []byte        `bson:"config,omitempty"`
		Messages         []byte        `bson:"messages"`
		ResponseText     string        `bson:"response_text"`
		ToolCalls        []byte        `bson:"tool_calls,omitempty"`
		PromptTokens     int           `bson:"prompt_tokens"`
		CompletionTokens int           `bson:"completion_tokens"`
		TotalTokens      int           `bson:"total_tokens"`
		FinishReason     string        `bson:"finish_reason"`
		Duration         time.Duration `bson:"duration"`
		Source           string        `bson:"source"`
		GeneratedAt      time.Time     `bson:"generated_at"`
	}

	collection interface {
		// InsertIfMissing inserts doc unless a document matches filter. It
		// reports whether doc was inserted.
		InsertIfMissing(ctx context.Context, filter any, doc any) (bool, error)
		FindOne(ctx context.Context, filter any) singleResult
		FindSorted(ctx context.Context, filter any, sort any) (cursor, error)
		EnsureIndexes(ctx context.Context) error
	}

	singleResult interface {
		Decode(val any) error
	}

	cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

// ErrDuplicate is returned by Create when a log with the same uuid exists.
var ErrDuplicate = errors.New("provider log already exists")

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := coll.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return &client{mongo: opts.Client, logs: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Create inserts log. Logs are immutable: a second Create with the same uuid
// leaves the stored log untouched and returns ErrDuplicate.
func (c *client) Create(ctx context.Context, log *providerlog.ProviderLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	doc, err := fromProviderLog(log)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	inserted, err := c.logs.InsertIfMissing(ctx, bson.M{"uuid": log.UUID}, doc)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: %s", ErrDuplicate, log.UUID)
	}
	return nil
}

func (c *client) Get(ctx context.Context, uuid string) (*providerlog.ProviderLog, error) {
	if uuid == "" {
		return nil, errors.New("uuid is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc logDocument
	if err := c.logs.FindOne(ctx, bson.M{"uuid": uuid}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, providerlog.ErrNotFound
		}
		return nil, err
	}
	return doc.toProviderLog()
}

func (c *client) ListByDocumentLog(ctx context.Context, documentLogUUID string) (logs []*providerlog.ProviderLog, err error) {
	if documentLogUUID == "" {
		return nil, errors.New("document log uuid is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.logs.FindSorted(ctx,
		bson.M{"document_log_uuid": documentLogUUID},
		bson.D{{Key: "generated_at", Value: 1}, {Key: "_id", Value: 1}},
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()
	for cur.Next(ctx) {
		var doc logDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		pl, err := doc.toProviderLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, pl)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func fromProviderLog(l *providerlog.ProviderLog) (logDocument, error) {
	msgs, err := json.Marshal(l.Messages)
	if err != nil {
		return logDocument{}, fmt.Errorf("encode messages: %w", err)
	}
	doc := logDocument{
		UUID:             l.UUID,
		DocumentLogUUID:  l.DocumentLogUUID,
		Provider:         l.Provider,
		Model:            l.Model,
		Messages:         msgs,
		ResponseText:     l.ResponseText,
		PromptTokens:     l.Usage.PromptTokens,
		CompletionTokens: l.Usage.CompletionTokens,
		TotalTokens:      l.Usage.TotalTokens,
		FinishReason:     string(l.FinishReason),
		Duration:         l.Duration,
		Source:           string(l.Source),
		GeneratedAt:      l.GeneratedAt.UTC(),
	}
	if len(l.Config) > 0 {
		if doc.Config, err = json.Marshal(l.Config); err != nil {
			return logDocument{}, fmt.Errorf("encode config: %w", err)
		}
	}
	if len(l.ToolCalls) > 0 {
		if doc.ToolCalls, err = json.Marshal(l.ToolCalls); err != nil {
			return logDocument{}, fmt.Errorf("encode tool calls: %w", err)
		}
	}
	return doc, nil
}

func (doc logDocument) toProviderLog() (*providerlog.ProviderLog, error) {
	out := &providerlog.ProviderLog{
		UUID:            doc.UUID,
		DocumentLogUUID: doc.DocumentLogUUID,
		Provider:        doc.Provider,
		Model:           doc.Model,
		ResponseText:    doc.ResponseText,
		Usage: model.TokenUsage{
			PromptTokens:     doc.PromptTokens,
			CompletionTokens: doc.CompletionTokens,
			TotalTokens:      doc.TotalTokens,
		},
		FinishReason: model.FinishReason(doc.FinishReason),
		Duration:     doc.Duration,
		Source:       providerlog.Source(doc.Source),
		GeneratedAt:  doc.GeneratedAt,
	}
	if err := json.Unmarshal(doc.Messages, &out.Messages); err != nil {
		return nil, fmt.Errorf("decode messages of %s: %w", doc.UUID, err)
	}
	if len(doc.Config) > 0 {
		if err := json.Unmarshal(doc.Config, &out.Config); err != nil {
			return nil, fmt.Errorf("decode config of %s: %w", doc.UUID, err)
		}
	}
	if len(doc.ToolCalls) > 0 {
		if err := json.Unmarshal(doc.ToolCalls, &out.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls of %s: %w", doc.UUID, err)
		}
	}
	return out, nil
}

func (c mongoCollection) InsertIfMissing(ctx context.Context, filter any, doc any) (bool, error) {
	res, err := c.coll.UpdateOne(ctx, filter, bson.M{"$setOnInsert": doc}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount > 0, nil
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) FindSorted(ctx context.Context, filter any, sort any) (cursor, error) {
	return c.coll.Find(ctx, filter, options.Find().SetSort(sort))
}

func (c mongoCollection) EnsureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "uuid", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "document_log_uuid", Value: 1}, {Key: "generated_at", Value: 1}}},
	})
	return err
}
