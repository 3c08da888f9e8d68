package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the MongoDB backend. Collections map one to one onto MongoDB
// collections of the configured database. ObjectIDs surface as hex strings.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri and verifies the connection by listing collections.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	if _, err := s.db.ListCollectionNames(ctx, bson.D{}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to connect to %s: %w", database, err)
	}
	return s, nil
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

// Ping checks the connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

var mongoOps = map[Op]string{
	OpEq: "$eq", OpNe: "$ne", OpIn: "$in", OpNin: "$nin",
	OpGt: "$gt", OpGte: "$gte", OpLt: "$lt", OpLte: "$lte",
}

// toBSON renders a Filter as a MongoDB query document.
func toBSON(f Filter) (bson.M, error) {
	out := bson.M{}
	for field, c := range f {
		op, ok := mongoOps[c.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported comparison operator %q", c.Op)
		}
		v := c.Value
		if field == IDField {
			v = toObjectIDs(v)
		}
		out[field] = bson.M{op: v}
	}
	return out, nil
}

// toObjectIDs converts hex ids back to ObjectIDs so "_id" filters round-trip.
func toObjectIDs(v any) any {
	switch x := v.(type) {
	case string:
		if oid, err := primitive.ObjectIDFromHex(x); err == nil {
			return oid
		}
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = toObjectIDs(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = toObjectIDs(item)
		}
		return out
	}
	return v
}

func fromBSON(m bson.M) Document {
	doc := make(Document, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case primitive.ObjectID:
			doc[k] = x.Hex()
		case primitive.Null:
			doc[k] = nil
		default:
			doc[k] = v
		}
	}
	return doc
}

func withoutID(doc Document) bson.M {
	out := bson.M{}
	for k, v := range doc {
		if k != IDField {
			out[k] = v
		}
	}
	return out
}

func idString(v any) string {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(v)
}

func mongoDuplicate(err error, collection string) error {
	if mongo.IsDuplicateKeyError(err) {
		return &DuplicateKeyError{Collection: collection, Wrapped: err}
	}
	return err
}

func (s *MongoStore) Find(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	q, err := toBSON(filter)
	if err != nil {
		return nil, err
	}
	cur, err := s.db.Collection(collection).Find(ctx, q)
	if err != nil {
		return nil, err
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, err
	}
	docs := make([]Document, len(raw))
	for i, m := range raw {
		docs[i] = fromBSON(m)
	}
	return docs, nil
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	q, err := toBSON(filter)
	if err != nil {
		return nil, err
	}
	var m bson.M
	err = s.db.Collection(collection).FindOne(ctx, q).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromBSON(m), nil
}

func (s *MongoStore) InsertOne(ctx context.Context, collection string, doc Document) (string, error) {
	res, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc))
	if err != nil {
		return "", mongoDuplicate(err, collection)
	}
	return idString(res.InsertedID), nil
}

// InsertMany is ordered: MongoDB stops at the first failure, so earlier
// documents of a failed batch may remain.
func (s *MongoStore) InsertMany(ctx context.Context, collection string, docs []Document) ([]string, error) {
	batch := make([]any, len(docs))
	for i, d := range docs {
		batch[i] = bson.M(d)
	}
	res, err := s.db.Collection(collection).InsertMany(ctx, batch, options.InsertMany().SetOrdered(true))
	if err != nil {
		return nil, mongoDuplicate(err, collection)
	}
	ids := make([]string, len(res.InsertedIDs))
	for i, id := range res.InsertedIDs {
		ids[i] = idString(id)
	}
	return ids, nil
}

func (s *MongoStore) update(ctx context.Context, collection string, filter Filter, patch Document, many bool) (int64, error) {
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	coll := s.db.Collection(collection)
	set := withoutID(patch)
	if len(set) == 0 {
		// $set refuses an empty document; report the match count only.
		opts := options.Count()
		if !many {
			opts.SetLimit(1)
		}
		return coll.CountDocuments(ctx, q, opts)
	}
	var res *mongo.UpdateResult
	if many {
		res, err = coll.UpdateMany(ctx, q, bson.M{"$set": set})
	} else {
		res, err = coll.UpdateOne(ctx, q, bson.M{"$set": set})
	}
	if err != nil {
		return 0, mongoDuplicate(err, collection)
	}
	return res.MatchedCount, nil
}

func (s *MongoStore) UpdateOne(ctx context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(ctx, collection, filter, patch, false)
}

func (s *MongoStore) UpdateMany(ctx context.Context, collection string, filter Filter, patch Document) (int64, error) {
	return s.update(ctx, collection, filter, patch, true)
}

func (s *MongoStore) ReplaceOne(ctx context.Context, collection string, filter Filter, doc Document) (int64, error) {
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Collection(collection).ReplaceOne(ctx, q, withoutID(doc))
	if err != nil {
		return 0, mongoDuplicate(err, collection)
	}
	return res.MatchedCount, nil
}

func (s *MongoStore) DeleteOne(ctx context.Context, collection string, filter Filter) (int64, error) {
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Collection(collection).DeleteOne(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteMany(ctx context.Context, collection string, filter Filter) (int64, error) {
	q, err := toBSON(filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Collection(collection).DeleteMany(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) EnsureUniqueIndex(ctx context.Context, collection, field string) error {
	if field == IDField {
		return nil
	}
	_, err := s.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &DuplicateKeyError{Collection: collection, Field: field, Wrapped: err}
		}
		return fmt.Errorf("create unique index on %s.%s: %w", collection, field, err)
	}
	return nil
}

func (s *MongoStore) ListCollections(ctx context.Context) ([]string, error) {
	return s.db.ListCollectionNames(ctx, bson.D{})
}
