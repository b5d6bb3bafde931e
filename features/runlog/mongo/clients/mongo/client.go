// Package mongo implements the low-level MongoDB client used by the chain
// event log store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"github.com/shaneholloman/latitude-llm/runtime/runlog"
	"github.com/shaneholloman/latitude-llm/runtime/stream"
)

type (
	// Client exposes Mongo-backed operations for the chain event log.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e *runlog.Event) error
		List(ctx context.Context, runID string, cursor string, limit int) (runlog.Page, error)
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	eventDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		RunID     string        `bson:"run_id"`
		Category  string        `bson:"category"`
		Type      string        `bson:"type"`
		Payload   []byte        `bson:"payload"`
		Timestamp time.Time     `bson:"timestamp"`
	}

	// collection is the subset of collection operations used by the client.
	collection interface {
		InsertOne(ctx context.Context, doc any) (any, error)
		Find(ctx context.Context, filter any, limit int64) (cursor, error)
		EnsureIndexes(ctx context.Context) error
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

const (
	defaultCollection = "chain_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a Client backed by the provided MongoDB client. It creates the
// (run_id, _id) index used by List.
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
		timeout = defaultTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := coll.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return &client{mongo: opts.Client, coll: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, e *runlog.Event) error {
	switch {
	case e == nil:
		return errors.New("event is required")
	case e.RunID == "":
		return errors.New("run id is required")
	case e.Type == "":
		return errors.New("event type is required")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.coll.InsertOne(ctx, eventDocument{
		RunID:     e.RunID,
		Category:  string(e.Category),
		Type:      string(e.Type),
		Payload:   append([]byte(nil), e.Payload...),
		Timestamp: e.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}
	oid, ok := id.(bson.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", id)
	}
	e.ID = oid.Hex()
	return nil
}

func (c *client) List(ctx context.Context, runID string, cursor string, limit int) (page runlog.Page, err error) {
	if runID == "" {
		return runlog.Page{}, errors.New("run id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	filter := bson.M{"run_id": runID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, int64(limit+1))
	if err != nil {
		return runlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var events []*runlog.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return runlog.Page{}, err
		}
		events = append(events, &runlog.Event{
			ID:        doc.ID.Hex(),
			RunID:     doc.RunID,
			Category:  stream.Category(doc.Category),
			Type:      stream.EventType(doc.Type),
			Payload:   append([]byte(nil), doc.Payload...),
			Timestamp: doc.Timestamp,
		})
	}
	if err := cur.Err(); err != nil {
		return runlog.Page{}, err
	}

	var next string
	if len(events) > limit {
		events = events[:limit]
		next = events[limit-1].ID
	}
	return runlog.Page{Events: events, NextCursor: next}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any) (any, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (c mongoCollection) Find(ctx context.Context, filter any, limit int64) (cursor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(limit)
	return c.coll.Find(ctx, filter, opts)
}

func (c mongoCollection) EnsureIndexes(ctx context.Context) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "_id", Value: 1}},
	})
	return err
}
