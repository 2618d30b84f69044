package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultMongoCollection = "cart_snapshots"

type snapshotDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore stores one document per key in a single collection.
type MongoStore struct {
	collection *mongo.Collection
}

// ConnectMongoStore connects to uri and returns the store over
// database.collection once the server answers a ping.
func ConnectMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping MongoDB: %w", ErrUnavailable, err)
	}

	return NewMongoStore(client.Database(database), collection), nil
}

func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoStore{
		collection: db.Collection(collection),
	}
}

func (m *MongoStore) Get(ctx context.Context, key string) (string, error) {
	var doc snapshotDocument

	err := m.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get snapshot: %w", err)
	}

	return doc.Value, nil
}

func (m *MongoStore) Set(ctx context.Context, key, value string) error {
	filter := bson.M{"_id": key}
	update := bson.M{
		"$set": bson.M{
			"value":      value,
			"updated_at": time.Now().UTC(),
		},
	}
	opts := options.Update().SetUpsert(true)

	if _, err := m.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

func (m *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (m *MongoStore) Ping(ctx context.Context) error {
	if err := m.collection.Database().Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.collection.Database().Client().Disconnect(ctx)
}

// Server error codes returned when an index with the same keys exists with
// other options.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// CreateIndexes expires snapshots that have not been written for expireAfter.
// A zero duration skips the TTL index. An existing TTL index with another
// expiry is changed in place.
func (m *MongoStore) CreateIndexes(ctx context.Context, expireAfter time.Duration) error {
	if expireAfter <= 0 {
		return nil
	}
	keys := bson.D{{Key: "updated_at", Value: 1}}
	seconds := ttlSeconds(expireAfter)

	index := mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetExpireAfterSeconds(seconds),
	}
	_, err := m.collection.Indexes().CreateOne(ctx, index)
	if err == nil {
		return nil
	}

	var cmdErr mongo.CommandError
	if !errors.As(err, &cmdErr) || (cmdErr.Code != codeIndexOptionsConflict && cmdErr.Code != codeIndexKeySpecsConflict) {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	collMod := bson.D{
		{Key: "collMod", Value: m.collection.Name()},
		{Key: "index", Value: bson.D{
			{Key: "keyPattern", Value: keys},
			{Key: "expireAfterSeconds", Value: seconds},
		}},
	}
	if err := m.collection.Database().RunCommand(ctx, collMod).Err(); err != nil {
		return fmt.Errorf("failed to update TTL index: %w", err)
	}
	return nil
}

// ttlSeconds converts d to whole seconds within the range MongoDB accepts.
func ttlSeconds(d time.Duration) int32 {
	seconds := int64(d / time.Second)
	switch {
	case seconds < 1:
		return 1
	case seconds > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(seconds)
}
