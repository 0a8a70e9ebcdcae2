package cache

import (
	"context"
	"time"
)

// Entry is the wire shape of a cached upstream response. Header values are
// flattened to single strings; the gateway only replays headers it forwarded
// in the first place.
type Entry struct {
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
	Status  int               `json:"status"`
}

// Store is a key/value cache with per-key TTL. Expiry is owned by the store:
// a Get after the TTL has elapsed reports a miss, and callers never see a
// stale entry.
//
//go:generate mockgen -source=$GOFILE -destination=../mocks/mock_$GOPACKAGE/mock_$GOFILE -package=mock_$GOPACKAGE
type Store interface {
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Get(ctx context.Context, key string) (*Entry, bool)
	Delete(ctx context.Context, key string) error
}
