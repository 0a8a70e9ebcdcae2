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

type TokenRepository struct {
	coll *mongo.Collection
}

// NewTokenRepository creates the token repository and ensures the uniqueness
// indexes the data model relies on: one record per identity, proxy tokens
// unique across all records.
func NewTokenRepository(ctx context.Context, db *mongo.Database) (domain.TokenRepository, error) {
	coll := db.Collection(TokensCollection)
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "identity_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "proxy_token", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token indexes: %w", err)
	}
	return &TokenRepository{coll: coll}, nil
}

func (r *TokenRepository) Upsert(ctx context.Context, record *domain.TokenRecord) error {
	filter := bson.M{"identity_id": record.IdentityID}
	update := bson.M{"$set": record}
	_, err := r.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert token record: %w", err)
	}
	return nil
}

func (r *TokenRepository) FindByIdentity(ctx context.Context, identityID int64) (*domain.TokenRecord, error) {
	var record domain.TokenRecord
	err := r.coll.FindOne(ctx, bson.M{"identity_id": identityID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *TokenRepository) FindByProxyToken(ctx context.Context, proxyToken string) (*domain.TokenRecord, error) {
	var record domain.TokenRecord
	err := r.coll.FindOne(ctx, bson.M{"proxy_token": proxyToken}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *TokenRepository) DeleteByIdentity(ctx context.Context, identityID int64) error {
	result, err := r.coll.DeleteOne(ctx, bson.M{"identity_id": identityID})
	if err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TokenRepository) DeleteByProxyToken(ctx context.Context, proxyToken string) error {
	result, err := r.coll.DeleteOne(ctx, bson.M{"proxy_token": proxyToken})
	if err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TokenRepository) List(ctx context.Context, limit, offset int64) ([]*domain.TokenInfo, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(offset).
		SetLimit(limit)
	cursor, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list token records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*domain.TokenRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode token records: %w", err)
	}

	infos := make([]*domain.TokenInfo, len(records))
	for i, record := range records {
		infos[i] = record.Info()
	}
	return infos, nil
}

func (r *TokenRepository) Stats(ctx context.Context, now time.Time) (*domain.TokenStats, error) {
	total, err := r.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to count token records: %w", err)
	}
	expired, err := r.coll.CountDocuments(ctx, bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return nil, fmt.Errorf("failed to count expired records: %w", err)
	}
	return &domain.TokenStats{
		Total:   total,
		Active:  total - expired,
		Expired: expired,
	}, nil
}
