package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pastelite/internal/storage"
)

var _ storage.Backend = (*Store)(nil)

// document is the stored shape: the encoded record plus its revision, so the
// conditional update can filter on rev without decoding the value.
type document struct {
	Key      string `bson:"_id"`
	Value    string `bson:"v"`
	Revision string `bson:"rev"`
}

// Store implements storage.Backend on a MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Open connects to uri and uses dbName.kv_store.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &Store{
		client:     client,
		collection: client.Database(dbName).Collection("kv_store"),
	}, nil
}

// Get returns the record stored under key.
func (m *Store) Get(ctx context.Context, key string) (*storage.Record, error) {
	var doc document
	err := m.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb find: %w", err)
	}
	return storage.Decode([]byte(doc.Value))
}

// Set upserts the document for key.
func (m *Store) Set(ctx context.Context, key string, rec *storage.Record) error {
	data, err := storage.Encode(rec)
	if err != nil {
		return err
	}
	_, err = m.collection.ReplaceOne(ctx,
		bson.M{"_id": key},
		document{Key: key, Value: string(data), Revision: rec.Revision},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb replace: %w", err)
	}
	return nil
}

// CompareAndSwap replaces the document only if it still carries rev.
// Single-document writes are atomic in MongoDB.
func (m *Store) CompareAndSwap(ctx context.Context, key, rev string, rec *storage.Record) (bool, error) {
	data, err := storage.Encode(rec)
	if err != nil {
		return false, err
	}
	res, err := m.collection.ReplaceOne(ctx,
		bson.M{"_id": key, "rev": rev},
		document{Key: key, Value: string(data), Revision: rec.Revision},
	)
	if err != nil {
		return false, fmt.Errorf("mongodb conditional replace: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// Close disconnects the client.
func (m *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return m.client.Disconnect(ctx)
}
