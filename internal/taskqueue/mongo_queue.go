package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue is a durable FIFO queue on a MongoDB collection. Claims use
// FindOneAndDelete so a task is handed to at most one worker per enqueue.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

type mongoTaskDoc struct {
	ID         string     `bson:"_id"`
	Payload    []byte     `bson:"payload"`
	EnqueuedAt time.Time  `bson:"enqueued_at"`
	NotBefore  *time.Time `bson:"not_before,omitempty"`
}

// NewMongoQueue uses the "tasks" collection of the named database.
// A pollInterval of zero defaults to 100ms.
func NewMongoQueue(client *mongo.Client, database string, pollInterval time.Duration) *MongoQueue {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &MongoQueue{
		coll:         client.Database(database).Collection("tasks"),
		pollInterval: pollInterval,
	}
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}
	doc := mongoTaskDoc{ID: t.ID, Payload: payload, EnqueuedAt: t.EnqueuedAt.UTC()}
	if !t.NotBefore.IsZero() {
		nb := t.NotBefore.UTC()
		doc.NotBefore = &nb
	}
	if _, err := q.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongo enqueue task %s: %w", t.ID, err)
	}
	return nil
}

func (q *MongoQueue) Dequeue(ctx context.Context) (Task, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		filter := bson.M{"$or": bson.A{
			bson.M{"not_before": bson.M{"$exists": false}},
			bson.M{"not_before": nil},
			bson.M{"not_before": bson.M{"$lte": time.Now().UTC()}},
		}}
		var doc mongoTaskDoc
		err := q.coll.FindOneAndDelete(ctx, filter,
			options.FindOneAndDelete().SetSort(bson.D{{Key: "enqueued_at", Value: 1}}),
		).Decode(&doc)
		switch {
		case err == nil:
			return DecodeTask(doc.Payload)
		case errors.Is(err, mongo.ErrNoDocuments):
			// Empty or nothing due yet; fall through to the poll wait.
		default:
			return Task{}, fmt.Errorf("mongo dequeue: %w", err)
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *MongoQueue) Len(ctx context.Context) (int, error) {
	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo queue len: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the mongo.Client is owned by the caller.
func (q *MongoQueue) Close() error { return nil }

var _ Queue = (*MongoQueue)(nil)
