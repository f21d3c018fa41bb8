// Package mongo stores playback progress records in a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mpvserve/mpvserve/internal/database"
)

const collectionName = "movie_servings"

type servingDoc struct {
	Path             string `bson:"_id"`
	LastTimestamp    int64  `bson:"last_timestamp"`
	LastFilePosition int64  `bson:"last_file_position"`
	FileLength       int64  `bson:"file_length"`
}

// Store implements the progress store contract on a mongo collection.
// The document id is the progress key, so the unique index comes for free.
type Store struct {
	collection *mongo.Collection
}

func NewStore(client *mongo.Client, dbName string) *Store {
	return &Store{collection: client.Database(dbName).Collection(collectionName)}
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the index used by ListRecent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "last_timestamp", Value: -1}},
	})
	return err
}

func (s *Store) FindByKey(ctx context.Context, key string) (*database.ProgressRecord, error) {
	var doc servingDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return docToRecord(doc), nil
}

func (s *Store) Insert(ctx context.Context, rec *database.ProgressRecord) error {
	_, err := s.collection.InsertOne(ctx, recordToDoc(rec))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", database.ErrDuplicateKey, rec.Path)
		}
		return err
	}
	return nil
}

func (s *Store) Update(ctx context.Context, rec *database.ProgressRecord) error {
	update := bson.M{
		"$set": bson.M{
			"last_timestamp":     rec.LastTimestamp,
			"last_file_position": rec.LastFilePosition,
			"file_length":        rec.FileLength,
		},
	}
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": rec.Path}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", database.ErrNotFound, rec.Path)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", database.ErrNotFound, key)
	}
	return nil
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]*database.ProgressRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "last_timestamp", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []servingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]*database.ProgressRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, docToRecord(doc))
	}
	return records, nil
}

func recordToDoc(rec *database.ProgressRecord) servingDoc {
	return servingDoc{
		Path:             rec.Path,
		LastTimestamp:    rec.LastTimestamp,
		LastFilePosition: rec.LastFilePosition,
		FileLength:       rec.FileLength,
	}
}

func docToRecord(doc servingDoc) *database.ProgressRecord {
	return &database.ProgressRecord{
		Path:             doc.Path,
		LastTimestamp:    doc.LastTimestamp,
		LastFilePosition: doc.LastFilePosition,
		FileLength:       doc.FileLength,
	}
}
