// Package mongodb provides the mongodb storage driver. Counters live in a
// TTL-indexed counters collection updated through an aggregation pipeline;
// moving windows keep a capped, newest-first timestamp array per key in the
// windows collection.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
)

// defaultDatabase holds the rate limit collections unless the URI or options
// say otherwise.
const defaultDatabase = "limits"

const connectTimeout = 10 * time.Second

func init() {
	storage.Register("mongodb", New)
	storage.Register("mongodb+srv", New)
}

// Store is a mongodb-backed storage with the Counter and MovingWindow
// capabilities.
type Store struct {
	client   *mongo.Client
	counters *mongo.Collection
	windows  *mongo.Collection
}

// New connects using the raw URI (passed through to the driver) and ensures
// the TTL indexes exist.
func New(uri storage.URI, opts storage.Options) (storage.Storage, error) {
	database := uri.Query.Get("database_name")
	if database == "" {
		database = opts.Database
	}
	if database == "" {
		database = defaultDatabase
	}

	clientOpts := options.Client().ApplyURI(rawWithoutAsync(uri))
	clientOpts.SetConnectTimeout(connectTimeout)
	if opts.TLSConfig != nil {
		clientOpts.SetTLSConfig(opts.TLSConfig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, errors.New(errors.CodeConfiguration, "failed to connect to mongodb", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		counters: db.Collection("counters"),
		windows:  db.Collection("windows"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// rawWithoutAsync rebuilds the URI the driver should see: the async+ prefix
// is ours, the rest is mongodb's.
func rawWithoutAsync(uri storage.URI) string {
	if uri.Async {
		return uri.Raw[len(storage.AsyncSchemePrefix):]
	}
	return uri.Raw
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	expireAfter := int32(0)
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "expireAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(expireAfter),
	}
	for _, coll := range []*mongo.Collection{s.counters, s.windows} {
		if _, err := coll.Indexes().CreateOne(ctx, model); err != nil {
			return errors.New(errors.CodeConfiguration,
				fmt.Sprintf("failed to create ttl index on %s", coll.Name()), err)
		}
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string, expiry time.Duration, amount int64, elastic bool) (int64, error) {
	now := time.Now().UTC()
	expiration := now.Add(expiry)

	lapsed := bson.D{{Key: "$lt", Value: bson.A{"$expireAt", "$$NOW"}}}
	expireAt := any("$expireAt")
	if elastic {
		expireAt = expiration
	}
	pipeline := mongo.Pipeline{bson.D{{Key: "$set", Value: bson.D{
		{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.D{
			{Key: "if", Value: lapsed},
			{Key: "then", Value: amount},
			{Key: "else", Value: bson.D{{Key: "$add", Value: bson.A{"$count", amount}}}},
		}}}},
		{Key: "expireAt", Value: bson.D{{Key: "$cond", Value: bson.D{
			{Key: "if", Value: lapsed},
			{Key: "then", Value: expiration},
			{Key: "else", Value: expireAt},
		}}}},
	}}}}

	var updated struct {
		Count int64 `bson:"count"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		pipeline,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetProjection(bson.M{"count": 1}).
			SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		return 0, errors.Wrap(err, "mongodb incr failed")
	}
	return updated.Count, nil
}

func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	var counter struct {
		Count int64 `bson:"count"`
	}
	err := s.counters.FindOne(ctx,
		bson.M{"_id": key, "expireAt": bson.M{"$gte": time.Now().UTC()}},
		options.FindOne().SetProjection(bson.M{"count": 1}),
	).Decode(&counter)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "mongodb get failed")
	}
	return counter.Count, nil
}

func (s *Store) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	var counter struct {
		ExpireAt time.Time `bson:"expireAt"`
	}
	err := s.counters.FindOne(ctx,
		bson.M{"_id": key},
		options.FindOne().SetProjection(bson.M{"expireAt": 1}),
	).Decode(&counter)
	if err == mongo.ErrNoDocuments {
		return time.Now(), nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "mongodb get expiry failed")
	}
	return counter.ExpireAt, nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	for _, coll := range []*mongo.Collection{s.counters, s.windows} {
		if _, err := coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
			return errors.Wrap(err, "mongodb delete failed")
		}
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) (int64, error) {
	var removed int64
	for _, coll := range []*mongo.Collection{s.counters, s.windows} {
		count, err := coll.CountDocuments(ctx, bson.M{})
		if err != nil {
			return 0, errors.Wrap(err, "mongodb count failed")
		}
		if err := coll.Drop(ctx); err != nil {
			return 0, errors.Wrap(err, "mongodb drop failed")
		}
		removed += count
	}
	// Dropping a collection takes its indexes with it.
	if err := s.ensureIndexes(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *Store) Check(ctx context.Context) bool {
	return s.client.Ping(ctx, readpref.Primary()) == nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) AcquireEntry(ctx context.Context, key string, limit int64, expiry time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := time.Now()
	timestamp := float64(now.UnixMicro()) / 1e6

	entries := make(bson.A, amount)
	for i := range entries {
		entries[i] = timestamp
	}
	// The element at position limit-amount is the one the push would carry
	// past the limit; the filter requires it to be aged out or absent. When
	// the filter misses an existing document the upsert races the _id index
	// and the duplicate key error is the capacity refusal.
	filter := bson.M{
		"_id": key,
		fmt.Sprintf("entries.%d", limit-amount): bson.M{
			"$not": bson.M{"$gte": timestamp - expiry.Seconds()},
		},
	}
	update := bson.M{
		"$push": bson.M{"entries": bson.M{
			"$each":     entries,
			"$position": 0,
			"$slice":    limit,
		}},
		"$set": bson.M{"expireAt": now.UTC().Add(expiry)},
	}
	_, err := s.windows.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "mongodb acquire entry failed")
	}
	return true, nil
}

func (s *Store) MovingWindow(ctx context.Context, key string, limit int64, expiry time.Duration) (time.Time, int64, error) {
	now := time.Now()
	cutoff := float64(now.UnixMicro())/1e6 - expiry.Seconds()

	cursor, err := s.windows.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"_id": key}}},
		bson.D{{Key: "$project", Value: bson.M{
			"entries": bson.M{"$filter": bson.M{
				"input": "$entries",
				"as":    "entry",
				"cond":  bson.M{"$gte": bson.A{"$$entry", cutoff}},
			}},
		}}},
		bson.D{{Key: "$unwind", Value: "$entries"}},
		bson.D{{Key: "$group", Value: bson.M{
			"_id":    "$_id",
			"oldest": bson.M{"$min": "$entries"},
			"count":  bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return time.Time{}, 0, errors.Wrap(err, "mongodb moving window failed")
	}
	defer cursor.Close(ctx)

	var window struct {
		Oldest float64 `bson:"oldest"`
		Count  int64   `bson:"count"`
	}
	if !cursor.Next(ctx) {
		if err := cursor.Err(); err != nil {
			return time.Time{}, 0, errors.Wrap(err, "mongodb moving window failed")
		}
		return now, 0, nil
	}
	if err := cursor.Decode(&window); err != nil {
		return time.Time{}, 0, errors.Wrap(err, "mongodb moving window decode failed")
	}
	return time.UnixMicro(int64(window.Oldest * 1e6)), window.Count, nil
}

var (
	_ storage.Storage             = (*Store)(nil)
	_ storage.MovingWindowStorage = (*Store)(nil)
)
