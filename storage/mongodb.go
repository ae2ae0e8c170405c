package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"iocpipe/core"
)

// IOCCollection is the part of *mongo.Collection the store uses, for mocking
type IOCCollection interface {
	BulkWrite(ctx context.Context, models []mongo.WriteModel, opts ...*options.BulkWriteOptions) (*mongo.BulkWriteResult, error)
	EnsureUniqueIndex(ctx context.Context, fields []string) error
}

// mongoIOCCollection adapts *mongo.Collection to IOCCollection
type mongoIOCCollection struct {
	*mongo.Collection
}

func (m *mongoIOCCollection) EnsureUniqueIndex(ctx context.Context, fields []string) error {
	keys := bson.D{}
	for _, f := range fields {
		keys = append(keys, bson.E{Key: f, Value: 1})
	}
	_, err := m.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(true).SetName("match_" + strings.Join(fields, "_")),
	})
	return err
}

// MongoDB holds the MongoDB client and database
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongoDB creates a new MongoDB connection
func NewMongoDB(uri, dbName string, maxPoolSize uint64, logger *zap.SugaredLogger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri).SetMaxPoolSize(maxPoolSize)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Infow("Connected to MongoDB", "database", dbName)

	return &MongoDB{
		Client:   client,
		Database: client.Database(dbName),
	}, nil
}

// HealthCheck performs a health check on the MongoDB connection
func (m *MongoDB) HealthCheck(ctx context.Context) error {
	return m.Client.Ping(ctx, nil)
}

// Close closes the MongoDB connection
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}

// =============================================================================
// MongoDB IOC Store
// =============================================================================

// MongoIOCStore upserts records into one collection with an unordered bulk
// write, so a bad document never blocks the rest of the batch.
type MongoIOCStore struct {
	mongoDB *MongoDB
	coll    IOCCollection
	logger  *zap.SugaredLogger
	now     func() time.Time

	indexMu sync.Mutex
	indexed map[string]bool
}

// NewMongoIOCStore creates a store over mongoDB.Database.Collection(collection)
func NewMongoIOCStore(mongoDB *MongoDB, collection string, logger *zap.SugaredLogger) *MongoIOCStore {
	s := newMongoIOCStore(&mongoIOCCollection{Collection: mongoDB.Database.Collection(collection)}, logger)
	s.mongoDB = mongoDB
	return s
}

func newMongoIOCStore(coll IOCCollection, logger *zap.SugaredLogger) *MongoIOCStore {
	return &MongoIOCStore{
		coll:    coll,
		logger:  logger,
		now:     time.Now,
		indexed: make(map[string]bool),
	}
}

// Persist upserts records. An unmatched record is inserted with createDate
// set; a matched one has every field but createDate overwritten.
func (s *MongoIOCStore) Persist(ctx context.Context, records []*core.Record, key core.MatchKey) *PersistOutcome {
	if len(records) == 0 {
		return &PersistOutcome{Empty: true}
	}

	cols, err := matchColumns(key)
	if err != nil {
		return &PersistOutcome{Failed: len(records), Err: err}
	}
	s.ensureIndex(ctx, cols)

	stamp := batchFrom(ctx, s.now).Stamp
	outcome := &PersistOutcome{}
	models := make([]mongo.WriteModel, 0, len(records))
	for _, r := range records {
		_, values, ok := core.MatchKey(cols).Extract(r)
		if !ok {
			outcome.Failed++
			continue
		}
		filter := bson.D{}
		for i, c := range cols {
			filter = append(filter, bson.E{Key: c, Value: values[i]})
		}
		update := bson.D{
			{Key: "$set", Value: setDocument(r, stamp)},
			{Key: "$setOnInsert", Value: bson.D{{Key: "createDate", Value: stamp}}},
		}
		models = append(models, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}
	if len(models) == 0 {
		return outcome
	}

	res, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if res != nil {
		outcome.Inserted = int(res.UpsertedCount)
		outcome.Updated = int(res.MatchedCount)
	}
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) && len(bulkErr.WriteErrors) > 0 {
			outcome.Failed += len(bulkErr.WriteErrors)
		} else if res == nil {
			outcome.Failed += len(models)
		}
		outcome.Err = fmt.Errorf("bulk upsert: %w", err)
	}

	s.logger.Debugw("Persisted batch",
		"records", len(records),
		"inserted", outcome.Inserted,
		"updated", outcome.Updated,
		"failed", outcome.Failed)

	return outcome
}

// Close disconnects the client when the store owns one
func (s *MongoIOCStore) Close(ctx context.Context) error {
	if s.mongoDB == nil {
		return nil
	}
	return s.mongoDB.Close(ctx)
}

// ensureIndex creates the unique match index once per key. Failure is logged
// only: upserts still work without it, just slower and without the guard.
func (s *MongoIOCStore) ensureIndex(ctx context.Context, cols []string) {
	id := strings.Join(cols, ",")

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.indexed[id] {
		return
	}
	if err := s.coll.EnsureUniqueIndex(ctx, cols); err != nil {
		s.logger.Warnw("Failed to ensure match index", "fields", cols, "error", err)
		return
	}
	s.indexed[id] = true
}

// setDocument is the $set half of an upsert: every record field plus modifyDate
func setDocument(r *core.Record, stamp time.Time) bson.D {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return bson.D{
		{Key: "value", Value: r.Value},
		{Key: "info", Value: r.Info},
		{Key: "type", Value: r.Type},
		{Key: "timestamp", Value: r.Timestamp},
		{Key: "category", Value: r.Category},
		{Key: "comment", Value: r.Comment},
		{Key: "uuid", Value: r.UUID},
		{Key: "to_ids", Value: r.ToIDs},
		{Key: "url", Value: r.URL},
		{Key: "link", Value: r.Link},
		{Key: "provider", Value: r.Provider},
		{Key: "tags", Value: tags},
		{Key: "modifyDate", Value: stamp},
	}
}
