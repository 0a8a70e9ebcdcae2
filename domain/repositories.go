package domain

import (
	"context"
	"time"
)

// TokenRepository is the durable store for token records. Implementations
// must keep identity_id and proxy_token unique across all records.
type TokenRepository interface {
	Upsert(ctx context.Context, record *TokenRecord) error
	FindByIdentity(ctx context.Context, identityID int64) (*TokenRecord, error)
	FindByProxyToken(ctx context.Context, proxyToken string) (*TokenRecord, error)
	DeleteByIdentity(ctx context.Context, identityID int64) error
	DeleteByProxyToken(ctx context.Context, proxyToken string) error
	List(ctx context.Context, limit, offset int64) ([]*TokenInfo, error)
	Stats(ctx context.Context, now time.Time) (*TokenStats, error)
}

// EntityRepository is the durable store backing one mirror partition.
type EntityRepository interface {
	Get(ctx context.Context, partition string, entityID int64) (*EntitySnapshot, error)
	GetMany(ctx context.Context, partition string, ids []int64) ([]*EntitySnapshot, error)
	Upsert(ctx context.Context, snapshot *EntitySnapshot) error
	AppendHistory(ctx context.Context, entries []*HistoryEntry) error
	History(ctx context.Context, partition string, entityID int64, limit int64) ([]*HistoryEntry, error)
	// Overdue returns up to limit snapshots whose next_update_at is at or
	// before now, most overdue first.
	Overdue(ctx context.Context, partition string, now time.Time, limit int64) ([]*EntitySnapshot, error)
	// NextWake returns the earliest next_update_at across the partition, or
	// ErrNotFound when the partition is empty.
	NextWake(ctx context.Context, partition string) (time.Time, error)
}
