// Package store wraps the shared Mongo document store behind a
// collection-oriented API. Connections are lazy and retried; every failure
// logs with the owning client ID and returns an empty result so callers
// never have to distinguish "store down" from "nothing there".
package store

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dockschedule/dockschedule/pkg/config"
	"github.com/dockschedule/dockschedule/pkg/log"
)

const (
	// Collections
	CronsCollection = "crons"
	JobsCollection  = "jobs"

	connectAttempts        = 36
	connectRetryDelay      = 2 * time.Second
	serverSelectionTimeout = 2 * time.Second
)

// Client is a lazy, per-owner store session. Each publisher pool member and
// worker thread holds its own Client keyed by its short client ID.
type Client struct {
	clientID string
	cfg      *config.Config
	logger   zerolog.Logger

	mu     sync.Mutex
	client *mongo.Client
	db     string
}

// NewClient creates a store client. No connection is made until the first
// operation.
func NewClient(clientID string, cfg *config.Config) *Client {
	return &Client{
		clientID: clientID,
		cfg:      cfg,
		logger:   log.WithClientID(clientID).With().Str("component", "store").Logger(),
	}
}

// Close disconnects the underlying session if one was ever established
func (c *Client) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		if err := c.client.Disconnect(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to disconnect from store")
		}
		c.client = nil
	}
}

// connect establishes the session, retrying inside the connect budget.
// Callers hold c.mu.
func (c *Client) connect(ctx context.Context) error {
	creds, err := c.cfg.LoadStoreCredentials()
	if err != nil {
		return fmt.Errorf("failed to load store credentials: %w", err)
	}
	tlsCfg, err := c.cfg.ClientTLS("")
	if err != nil {
		return fmt.Errorf("failed to build store TLS config: %w", err)
	}
	uri := fmt.Sprintf("mongodb://%s:%s@%s/",
		url.QueryEscape(creds.User), url.QueryEscape(creds.Password), c.cfg.StoreAddr)
	opts := options.Client().
		ApplyURI(uri).
		SetTLSConfig(tlsCfg).
		SetServerSelectionTimeout(serverSelectionTimeout)

	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt != 0 {
			select {
			case <-time.After(connectRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			c.logger.Info().Int("attempt", attempt).Msg("Reconnecting to store")
		}
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			lastErr = err
			continue
		}
		if err := client.Ping(ctx, nil); err != nil {
			lastErr = err
			_ = client.Disconnect(ctx)
			continue
		}
		c.client = client
		c.db = creds.DB
		return nil
	}
	return fmt.Errorf("store unavailable after %d attempts: %w", connectAttempts, lastErr)
}

// collection returns a handle for name, connecting lazily. A nil return
// means the store is not available; callers log nothing extra and return
// their empty result.
func (c *Client) collection(ctx context.Context, name string) *mongo.Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		if err := c.connect(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Failed to connect to store")
			return nil
		}
	}
	return c.client.Database(c.db).Collection(name)
}

// InsertOne inserts a single document
func (c *Client) InsertOne(ctx context.Context, coll string, doc any) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	if _, err := col.InsertOne(ctx, doc); err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to insert document")
		return false
	}
	return true
}

// InsertMany inserts a batch of documents
func (c *Client) InsertMany(ctx context.Context, coll string, docs []any) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	if _, err := col.InsertMany(ctx, docs); err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to insert documents")
		return false
	}
	return true
}

// FindOne decodes the first match into out. An optional projection limits
// the returned fields on hot paths. Returns false when nothing matched or
// the store is unavailable.
func (c *Client) FindOne(ctx context.Context, coll string, filter any, out any, projection ...any) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	opts := options.FindOne()
	if len(projection) > 0 {
		opts.SetProjection(projection[0])
	}
	err := col.FindOne(ctx, filter, opts).Decode(out)
	if err == mongo.ErrNoDocuments {
		return false
	}
	if err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to find document")
		return false
	}
	return true
}

// FindAll decodes every match into out, which must be a pointer to a slice
func (c *Client) FindAll(ctx context.Context, coll string, filter any, out any) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	cursor, err := col.Find(ctx, filter)
	if err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to query collection")
		return false
	}
	if err := cursor.All(ctx, out); err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to decode query results")
		return false
	}
	return true
}

// FindCursor returns a raw cursor for callers that stream or sort
// themselves. Nil when the store is unavailable.
func (c *Client) FindCursor(ctx context.Context, coll string, filter any, opts ...*options.FindOptions) *mongo.Cursor {
	col := c.collection(ctx, coll)
	if col == nil {
		return nil
	}
	cursor, err := col.Find(ctx, filter, opts...)
	if err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to query collection")
		return nil
	}
	return cursor
}

// UpdateOne applies patch to the first match, optionally upserting
func (c *Client) UpdateOne(ctx context.Context, coll string, filter, patch any, upsert bool) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	opts := options.Update().SetUpsert(upsert)
	if _, err := col.UpdateOne(ctx, filter, patch, opts); err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to update document")
		return false
	}
	return true
}

// UpdateMany applies patch to every match, optionally upserting
func (c *Client) UpdateMany(ctx context.Context, coll string, filter, patch any, upsert bool) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	opts := options.Update().SetUpsert(upsert)
	if _, err := col.UpdateMany(ctx, filter, patch, opts); err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to update documents")
		return false
	}
	return true
}

// DeleteOne removes the first match
func (c *Client) DeleteOne(ctx context.Context, coll string, filter any) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	if _, err := col.DeleteOne(ctx, filter); err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to delete document")
		return false
	}
	return true
}

// DeleteMany removes every match
func (c *Client) DeleteMany(ctx context.Context, coll string, filter any) bool {
	col := c.collection(ctx, coll)
	if col == nil {
		return false
	}
	if _, err := col.DeleteMany(ctx, filter); err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to delete documents")
		return false
	}
	return true
}

// Count returns the number of matches, 0 when the store is unavailable
func (c *Client) Count(ctx context.Context, coll string, filter any) int64 {
	col := c.collection(ctx, coll)
	if col == nil {
		return 0
	}
	n, err := col.CountDocuments(ctx, filter)
	if err != nil {
		c.logger.Error().Err(err).Str("collection", coll).Msg("Failed to count documents")
		return 0
	}
	return n
}
