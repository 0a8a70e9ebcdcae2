package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tokengate/tokengate/domain"
)

type EntityRepository struct {
	snapshots *mongo.Collection
	history   *mongo.Collection
}

// NewEntityRepository creates the entity mirror repository shared by all
// partitions; snapshots are keyed by (partition, entity_id).
func NewEntityRepository(ctx context.Context, db *mongo.Database) (domain.EntityRepository, error) {
	snapshots := db.Collection(EntitiesCollection)
	history := db.Collection(HistoryCollection)

	_, err := snapshots.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "partition", Value: 1}, {Key: "entity_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "partition", Value: 1}, {Key: "next_update_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot indexes: %w", err)
	}

	_, err = history.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "partition", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "changed_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create history indexes: %w", err)
	}

	return &EntityRepository{snapshots: snapshots, history: history}, nil
}

func (r *EntityRepository) Get(ctx context.Context, partition string, entityID int64) (*domain.EntitySnapshot, error) {
	var snapshot domain.EntitySnapshot
	err := r.snapshots.FindOne(ctx, bson.M{"partition": partition, "entity_id": entityID}).Decode(&snapshot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *EntityRepository) GetMany(ctx context.Context, partition string, ids []int64) ([]*domain.EntitySnapshot, error) {
	cursor, err := r.snapshots.Find(ctx, bson.M{
		"partition": partition,
		"entity_id": bson.M{"$in": ids},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	var snapshots []*domain.EntitySnapshot
	if err := cursor.All(ctx, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode snapshots: %w", err)
	}
	return snapshots, nil
}

func (r *EntityRepository) Upsert(ctx context.Context, snapshot *domain.EntitySnapshot) error {
	filter := bson.M{"partition": snapshot.Partition, "entity_id": snapshot.EntityID}
	update := bson.M{"$set": snapshot}
	_, err := r.snapshots.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

func (r *EntityRepository) AppendHistory(ctx context.Context, entries []*domain.HistoryEntry) error {
	docs := make([]any, len(entries))
	for i, entry := range entries {
		docs[i] = entry
	}
	if _, err := r.history.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (r *EntityRepository) History(ctx context.Context, partition string, entityID int64, limit int64) ([]*domain.HistoryEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "changed_at", Value: -1}}).
		SetLimit(limit)
	cursor, err := r.history.Find(ctx, bson.M{"partition": partition, "entity_id": entityID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*domain.HistoryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return entries, nil
}

func (r *EntityRepository) Overdue(ctx context.Context, partition string, now time.Time, limit int64) ([]*domain.EntitySnapshot, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "next_update_at", Value: 1}}).
		SetLimit(limit)
	cursor, err := r.snapshots.Find(ctx, bson.M{
		"partition":      partition,
		"next_update_at": bson.M{"$lte": now},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to select overdue snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	var snapshots []*domain.EntitySnapshot
	if err := cursor.All(ctx, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode overdue snapshots: %w", err)
	}
	return snapshots, nil
}

func (r *EntityRepository) NextWake(ctx context.Context, partition string) (time.Time, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "next_update_at", Value: 1}})
	var snapshot domain.EntitySnapshot
	err := r.snapshots.FindOne(ctx, bson.M{"partition": partition}, opts).Decode(&snapshot)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return snapshot.NextUpdateAt, nil
}
