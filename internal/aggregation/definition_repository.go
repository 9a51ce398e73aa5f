package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ibex/internal/constants"
	pkgerrors "ibex/pkg/errors"
)

type DefinitionRepository interface {
	GetByKey(ctx context.Context, key string) (*Definition, error)
	List(ctx context.Context, enabledOnly bool) ([]Definition, error)
	Create(ctx context.Context, def *Definition) error
	Update(ctx context.Context, def *Definition) error
	Delete(ctx context.Context, id string) error
}

type MongoDefinitionRepository struct {
	collection *mongo.Collection
}

func NewDefinitionRepository(db *mongo.Database) DefinitionRepository {
	return &MongoDefinitionRepository{
		collection: db.Collection(constants.AggregationDefinitionsColl),
	}
}

func (r *MongoDefinitionRepository) GetByKey(ctx context.Context, key string) (*Definition, error) {
	var def Definition
	err := r.collection.FindOne(ctx, bson.M{"key": key}).Decode(&def)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, pkgerrors.ErrNotFound.WithDetail("key", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find definition: %w", err)
	}
	return &def, nil
}

func (r *MongoDefinitionRepository) List(ctx context.Context, enabledOnly bool) ([]Definition, error) {
	filter := bson.M{}
	if enabledOnly {
		filter["enabled"] = true
	}
	opts := options.Find().SetSort(bson.D{{Key: "key", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find definitions: %w", err)
	}
	defer cursor.Close(ctx)

	var defs []Definition
	if err := cursor.All(ctx, &defs); err != nil {
		return nil, fmt.Errorf("failed to decode definitions: %w", err)
	}

	return defs, nil
}

func (r *MongoDefinitionRepository) Create(ctx context.Context, def *Definition) error {
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.ID == "" {
		def.ID = primitive.NewObjectID().Hex()
	}

	if _, err := r.collection.InsertOne(ctx, def); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return pkgerrors.ErrConflict.WithCause(err).WithDetail("key", def.Key)
		}
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	return nil
}

func (r *MongoDefinitionRepository) Update(ctx context.Context, def *Definition) error {
	def.UpdatedAt = time.Now().UTC()

	res, err := r.collection.ReplaceOne(ctx, bson.M{"_id": def.ID}, def)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	if res.MatchedCount == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", def.ID)
	}
	return nil
}

func (r *MongoDefinitionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	if res.DeletedCount == 0 {
		return pkgerrors.ErrNotFound.WithDetail("id", id)
	}
	return nil
}
