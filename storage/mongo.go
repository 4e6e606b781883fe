package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/Joett77/ussl/document"
)

// MongoStorage persists documents in a MongoDB collection, one document
// per row with the ID as the primary key.
type MongoStorage struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ Storage = (*MongoStorage)(nil)

type mongoDocument struct {
	ID        string `bson:"_id"`
	Meta      []byte `bson:"meta"`
	Data      []byte `bson:"data"`
	Size      int64  `bson:"size"`
	UpdatedAt int64  `bson:"updated_at"`
}

// NewMongoStorage connects to the MongoDB deployment described by the
// URI and prepares the documents collection.
func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection("documents")
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return &MongoStorage{client: client, coll: coll}, nil
}

// Store upserts a document row.
func (s *MongoStorage) Store(ctx context.Context, id document.ID, meta document.Meta, data []byte) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize meta: %w", err)
	}

	row := mongoDocument{
		ID:        string(id),
		Meta:      metaBytes,
		Data:      data,
		Size:      int64(len(metaBytes) + len(data)),
		UpdatedAt: time.Now().UnixMilli(),
	}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": row.ID}, row,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

// Load returns a stored document or ErrNotFound.
func (s *MongoStorage) Load(ctx context.Context, id document.ID) (document.Meta, []byte, error) {
	var row mongoDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return document.Meta{}, nil, ErrNotFound
	}
	if err != nil {
		return document.Meta{}, nil, fmt.Errorf("failed to load document: %w", err)
	}

	var meta document.Meta
	if err := json.Unmarshal(row.Meta, &meta); err != nil {
		return document.Meta{}, nil, fmt.Errorf("failed to decode meta: %w", err)
	}
	return meta, row.Data, nil
}

// Delete removes a document row, reporting whether it existed.
func (s *MongoStorage) Delete(ctx context.Context, id document.ID) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	return res.DeletedCount > 0, nil
}

// List returns the IDs matching the pattern, most recently updated
// first.
func (s *MongoStorage) List(ctx context.Context, pattern string) ([]document.ID, error) {
	filter := bson.M{}
	switch {
	case pattern == "" || pattern == "*":
	case pattern[len(pattern)-1] == '*':
		filter["_id"] = bson.M{"$regex": "^" + regexp.QuoteMeta(pattern[:len(pattern)-1])}
	case pattern[0] == '*':
		filter["_id"] = bson.M{"$regex": regexp.QuoteMeta(pattern[1:]) + "$"}
	default:
		filter["_id"] = pattern
	}

	cursor, err := s.coll.Find(ctx, filter, options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.M{"updated_at": -1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	ids := make([]document.ID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, document.ID(row.ID))
	}
	return ids, nil
}

// Exists reports whether a document row is present.
func (s *MongoStorage) Exists(ctx context.Context, id document.ID) (bool, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return count > 0, nil
}

// Stats returns document count and total blob size.
func (s *MongoStorage) Stats(ctx context.Context) (Stats, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	cursor, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$size"}}}},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	defer cursor.Close(ctx)

	var totals []struct {
		Total int64 `bson:"total"`
	}
	if err := cursor.All(ctx, &totals); err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := Stats{DocumentCount: int(count)}
	if len(totals) > 0 {
		stats.TotalSizeBytes = totals[0].Total
	}
	return stats, nil
}

// Close disconnects from the deployment.
func (s *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
