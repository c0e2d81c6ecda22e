package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mkarren/stepflow/pkg/api"
)

// MongoStore persists runs and workflow definitions in MongoDB, one
// document per run with the JSON snapshot as a binary field.
type MongoStore struct {
	runs      *mongo.Collection
	workflows *mongo.Collection
}

type mongoRunDoc struct {
	ExecutionID string    `bson:"_id"`
	WorkflowID  string    `bson:"workflow_id"`
	Status      string    `bson:"status"`
	Snapshot    []byte    `bson:"snapshot"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type mongoWorkflowDoc struct {
	ID         string    `bson:"_id"`
	Name       string    `bson:"name"`
	Definition []byte    `bson:"definition"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// NewMongoStore uses the named database on an existing client and ensures
// the indexes the list queries rely on.
func NewMongoStore(ctx context.Context, client *mongo.Client, database string) (*MongoStore, error) {
	db := client.Database(database)
	s := &MongoStore{
		runs:      db.Collection("runs"),
		workflows: db.Collection("workflows"),
	}
	_, err := s.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) CreateRun(ctx context.Context, run *api.RunState) error {
	snapshot, err := EncodeRun(run)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.runs.InsertOne(ctx, mongoRunDoc{
		ExecutionID: run.ExecutionID,
		WorkflowID:  run.WorkflowID,
		Status:      string(run.CurrentStatus()),
		Snapshot:    snapshot,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("mongo insert run %s: %w", run.ExecutionID, err)
	}
	return nil
}

func (s *MongoStore) GetRun(ctx context.Context, executionID string) (*api.RunState, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": executionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("get run %s: %w", executionID, api.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mongo get run %s: %w", executionID, err)
	}
	return DecodeRun(doc.Snapshot)
}

func (s *MongoStore) UpdateRun(ctx context.Context, run *api.RunState) error {
	snapshot, err := EncodeRun(run)
	if err != nil {
		return err
	}
	res, err := s.runs.UpdateOne(ctx,
		bson.M{"_id": run.ExecutionID},
		bson.M{"$set": bson.M{
			"status":     string(run.CurrentStatus()),
			"snapshot":   snapshot,
			"updated_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("mongo update run %s: %w", run.ExecutionID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update run %s: %w", run.ExecutionID, api.ErrRunNotFound)
	}
	return nil
}

func (s *MongoStore) MergeRunMetadata(ctx context.Context, executionID string, patch map[string]any) error {
	run, err := s.GetRun(ctx, executionID)
	if err != nil {
		return err
	}
	for k, v := range patch {
		run.SetMetadata(k, v)
	}
	return s.UpdateRun(ctx, run)
}

func (s *MongoStore) ListRuns(ctx context.Context, workflowID string, status api.Status) ([]*api.RunState, error) {
	filter := bson.M{}
	if workflowID != "" {
		filter["workflow_id"] = workflowID
	}
	if status != "" {
		filter["status"] = string(status)
	}
	cur, err := s.runs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo list runs: %w", err)
	}
	defer cur.Close(ctx)

	var out []*api.RunState
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo list runs: %w", err)
		}
		run, err := DecodeRun(doc.Snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, cur.Err()
}

func (s *MongoStore) SaveWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	data, err := EncodeWorkflow(def)
	if err != nil {
		return err
	}
	_, err = s.workflows.ReplaceOne(ctx,
		bson.M{"_id": def.ID},
		mongoWorkflowDoc{ID: def.ID, Name: def.Name, Definition: data, UpdatedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo save workflow %s: %w", def.ID, err)
	}
	return nil
}

func (s *MongoStore) GetWorkflow(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	var doc mongoWorkflowDoc
	err := s.workflows.FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.WorkflowDefinition{}, fmt.Errorf("get workflow %s: %w", workflowID, api.ErrWorkflowNotFound)
	}
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("mongo get workflow %s: %w", workflowID, err)
	}
	return DecodeWorkflow(doc.Definition)
}

func (s *MongoStore) ListWorkflows(ctx context.Context) ([]api.WorkflowDefinition, error) {
	cur, err := s.workflows.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo list workflows: %w", err)
	}
	defer cur.Close(ctx)

	var out []api.WorkflowDefinition
	for cur.Next(ctx) {
		var doc mongoWorkflowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("mongo list workflows: %w", err)
		}
		def, err := DecodeWorkflow(doc.Definition)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, cur.Err()
}

// Close is a no-op; the mongo.Client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

var _ Store = (*MongoStore)(nil)
