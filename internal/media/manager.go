// Package media stores raw diary media (voice notes, photos) in MongoDB GridFS.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"mindforms_diary_bot/internal/config"
	"mindforms_diary_bot/internal/logging"
)

// BucketName is the GridFS bucket holding raw media.
const BucketName = "media"

// mongoClient captures the subset of mongo.Client behavior we rely on to allow
// lightweight stubbing in tests without a live Mongo deployment.
type mongoClient interface {
	Ping(context.Context, *readpref.ReadPref) error
	Database(string, ...*options.DatabaseOptions) *mongo.Database
	Disconnect(context.Context) error
}

// connectMongo is overridable for tests.
var connectMongo = func(ctx context.Context, opts *options.ClientOptions) (mongoClient, error) {
	return mongo.Connect(ctx, opts)
}

// createIndexes is overridable for tests.
var createIndexes = func(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) ([]string, error) {
	return coll.Indexes().CreateMany(ctx, models)
}

// Manager owns the MongoDB client and the configured database handle.
type Manager struct {
	client mongoClient
	db     *mongo.Database
}

// NewManager connects to MongoDB and verifies connectivity with a ping.
func NewManager(ctx context.Context, cfg config.Config, log *logrus.Entry) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if log == nil {
		log = logging.Logger()
	}

	client, err := connectMongo(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	log.WithFields(logging.Fields{
		"event":    "mongo_connected",
		"database": cfg.MongoDB,
		"bucket":   BucketName,
	}).Info("media store connected")

	return &Manager{
		client: client,
		db:     client.Database(cfg.MongoDB),
	}, nil
}

// Database returns the configured database handle.
func (m *Manager) Database() *mongo.Database {
	if m == nil {
		return nil
	}
	return m.db
}

// Files returns the GridFS files collection of the media bucket.
func (m *Manager) Files() *mongo.Collection {
	return m.db.Collection(BucketName + ".files")
}

// EnsureIndexes indexes media metadata by owner so per-user exports and
// cleanups avoid collection scans. GridFS creates its own filename index.
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.db == nil {
		return errors.New("media manager is not initialized")
	}

	models := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "metadata.telegram_user_id", Value: 1},
				{Key: "uploadDate", Value: -1},
			},
			Options: options.Index().SetName("metadata_user_upload"),
		},
	}

	if _, err := createIndexes(ctx, m.Files(), models); err != nil {
		return fmt.Errorf("create media indexes: %w", err)
	}

	return nil
}

// Ping checks MongoDB connectivity against the primary.
func (m *Manager) Ping(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if m == nil || m.client == nil {
		return errors.New("media manager is not initialized")
	}

	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}

	return nil
}

// Close disconnects the Mongo client.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	return m.client.Disconnect(ctx)
}
