package runstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var _ Store = (*MongoStore)(nil)

type MongoStore struct {
	Collection *mongo.Collection
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{Collection: coll}
}

func (m *MongoStore) Save(ctx context.Context, rec Record) error {
	ensureID(&rec)
	_, err := m.Collection.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save run: MongoDB ReplaceOne failed: %w", err)
	}
	return nil
}

func (m *MongoStore) Latest(ctx context.Context, profileID string) (Record, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "startedAt", Value: -1}})
	res := m.Collection.FindOne(ctx, bson.M{"profileId": profileID}, opts)
	if err := res.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("latest run: MongoDB FindOne failed: %w", err)
	}
	var rec Record
	if err := res.Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode run: %w", err)
	}
	return rec, nil
}
