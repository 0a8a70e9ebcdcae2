// Package mirror maintains a durable local copy of one class of upstream
// entities, records tracked-field changes as history, and keeps itself fresh
// through a self-rescheduling wake timer. There is no central scheduler.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tokengate/tokengate/domain"
	"github.com/tokengate/tokengate/internal/keyserial"
	"github.com/tokengate/tokengate/upstream"
)

const (
	// storeBatch caps ids per local-store query, respecting parameter limits.
	storeBatch = 500

	// wakeBatch caps entities processed per background wake cycle.
	wakeBatch = 50

	// fetchConcurrency bounds concurrent bulk-fetch chunks in GetMany.
	fetchConcurrency = 4
)

// Fetcher fetches entities from the upstream API. Satisfied by
// *upstream.EntityClient.
type Fetcher interface {
	FetchEntity(ctx context.Context, partition string, id int64, accessToken string) (map[string]any, time.Duration, error)
	FetchEntities(ctx context.Context, partition string, ids []int64, accessToken string) (map[int64]map[string]any, time.Duration, error)
}

// TokenSource supplies a valid upstream access token for an identity.
// Satisfied by *tokens.Service.
type TokenSource interface {
	GetAccessToken(ctx context.Context, identityID int64) (string, time.Time, error)
}

// Config describes one mirror partition.
type Config struct {
	// Partition names the entity class, e.g. "characters" or "corporations".
	Partition string

	// TrackedFields are the field names whose changes produce history
	// entries, e.g. affiliation fields.
	TrackedFields []string

	// AuthIdentity is the identity whose access token authenticates upstream
	// fetches. Zero means the partition's endpoints are public.
	AuthIdentity int64

	// DefaultFreshness is the refresh interval used when upstream sends no
	// freshness hint. Defaults to one hour.
	DefaultFreshness time.Duration

	// MinWakeDelay clamps how soon a wake may be scheduled. Defaults to 5s.
	MinWakeDelay time.Duration

	// RetryDelay is the fixed wake delay after a failed wake cycle.
	// Defaults to 5 minutes.
	RetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultFreshness <= 0 {
		c.DefaultFreshness = time.Hour
	}
	if c.MinWakeDelay <= 0 {
		c.MinWakeDelay = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Minute
	}
}

// Service is the mirror actor for one partition. Read/write operations are
// serialized per partition; different partitions run independently.
type Service struct {
	cfg     Config
	repo    domain.EntityRepository
	fetcher Fetcher
	tokens  TokenSource
	exec    *keyserial.Executor
	now     func() time.Time

	// timerMu guards the wake timer state. alarmScheduled is only a
	// duplicate-suppression optimization: the real schedule is always
	// recomputed from persisted next_update_at values.
	timerMu        sync.Mutex
	alarmScheduled bool
	timer          *time.Timer
	stopped        bool
}

// NewService creates a mirror Service. tokens may be nil for public
// partitions.
func NewService(cfg Config, repo domain.EntityRepository, fetcher Fetcher, tokens TokenSource) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:     cfg,
		repo:    repo,
		fetcher: fetcher,
		tokens:  tokens,
		exec:    keyserial.NewExecutor(),
		now:     time.Now,
	}
}

// Start schedules the first wake from persisted next_update_at values.
func (s *Service) Start(ctx context.Context) {
	s.schedule(ctx)
}

// Stop cancels any pending wake.
func (s *Service) Stop() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.alarmScheduled = false
}

// Upsert writes a fresh snapshot for the entity, appending history entries
// for every tracked field that changed. This is the only place history is
// produced.
func (s *Service) Upsert(ctx context.Context, entityID int64, fields map[string]any, freshnessHint time.Duration) (*domain.EntitySnapshot, error) {
	var snapshot *domain.EntitySnapshot
	err := s.exec.Do(s.cfg.Partition, func() error {
		var err error
		snapshot, err = s.upsert(ctx, entityID, fields, freshnessHint)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.schedule(ctx)
	return snapshot, nil
}

// upsert is Upsert without the serialization slot; callers must hold it.
func (s *Service) upsert(ctx context.Context, entityID int64, fields map[string]any, freshnessHint time.Duration) (*domain.EntitySnapshot, error) {
	existing, err := s.repo.Get(ctx, s.cfg.Partition, entityID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to load snapshot %d: %w", entityID, err)
	}

	now := s.now()
	if freshnessHint <= 0 {
		freshnessHint = s.cfg.DefaultFreshness
	}

	snapshot := &domain.EntitySnapshot{
		EntityID:     entityID,
		Partition:    s.cfg.Partition,
		Fields:       fields,
		LastUpdated:  now,
		NextUpdateAt: now.Add(freshnessHint),
		UpdateCount:  1,
	}

	var changes []*domain.HistoryEntry
	if existing != nil {
		snapshot.UpdateCount = existing.UpdateCount + 1
		for _, field := range s.cfg.TrackedFields {
			oldValue, newValue := existing.Fields[field], fields[field]
			if reflect.DeepEqual(oldValue, newValue) {
				continue
			}
			changes = append(changes, &domain.HistoryEntry{
				EntityID:  entityID,
				Partition: s.cfg.Partition,
				ChangedAt: now,
				FieldName: field,
				OldValue:  oldValue,
				NewValue:  newValue,
			})
		}
	}

	if len(changes) > 0 {
		if err := s.repo.AppendHistory(ctx, changes); err != nil {
			return nil, fmt.Errorf("failed to append history for %d: %w", entityID, err)
		}
		log.Ctx(ctx).Info().
			Str("partition", s.cfg.Partition).
			Int64("entity_id", entityID).
			Int("changes", len(changes)).
			Msg("tracked fields changed")
	}

	if err := s.repo.Upsert(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to write snapshot %d: %w", entityID, err)
	}

	return snapshot, nil
}

// Get returns the mirrored snapshot, or nil when the entity is not mirrored
// yet. Absence is not an error.
func (s *Service) Get(ctx context.Context, entityID int64) (*domain.EntitySnapshot, error) {
	var snapshot *domain.EntitySnapshot
	err := s.exec.Do(s.cfg.Partition, func() error {
		found, err := s.repo.Get(ctx, s.cfg.Partition, entityID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		snapshot = found
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// GetHistory returns the most recent history entries, newest first.
func (s *Service) GetHistory(ctx context.Context, entityID int64, limit int64) ([]*domain.HistoryEntry, error) {
	var entries []*domain.HistoryEntry
	err := s.exec.Do(s.cfg.Partition, func() error {
		var err error
		entries, err = s.repo.History(ctx, s.cfg.Partition, entityID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetMany resolves a list of ids against the mirror, fetching misses from
// upstream. Results come back in the caller's original id order, duplicates
// included; ids that cannot be resolved are omitted rather than failing the
// call, and one failing upstream chunk never aborts the rest.
func (s *Service) GetMany(ctx context.Context, ids []int64) ([]*domain.EntitySnapshot, error) {
	var result []*domain.EntitySnapshot
	err := s.exec.Do(s.cfg.Partition, func() error {
		var err error
		result, err = s.getMany(ctx, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.schedule(ctx)
	return result, nil
}

func (s *Service) getMany(ctx context.Context, ids []int64) ([]*domain.EntitySnapshot, error) {
	unique := dedupeIDs(ids)

	found := make(map[int64]*domain.EntitySnapshot, len(unique))
	for _, chunk := range chunkIDs(unique, storeBatch) {
		snapshots, err := s.repo.GetMany(ctx, s.cfg.Partition, chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshots: %w", err)
		}
		for _, snapshot := range snapshots {
			found[snapshot.EntityID] = snapshot
		}
	}

	var misses []int64
	for _, id := range unique {
		if _, ok := found[id]; !ok {
			misses = append(misses, id)
		}
	}

	if len(misses) > 0 {
		for id, row := range s.fetchMisses(ctx, misses) {
			snapshot, err := s.upsert(ctx, id, row.fields, row.freshness)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).
					Str("partition", s.cfg.Partition).
					Int64("entity_id", id).
					Msg("failed to persist fetched entity")
				continue
			}
			found[id] = snapshot
		}
	}

	// Re-order to the caller's original id order, duplicates preserved.
	result := make([]*domain.EntitySnapshot, 0, len(ids))
	for _, id := range ids {
		if snapshot, ok := found[id]; ok {
			result = append(result, snapshot)
		}
	}
	return result, nil
}

type fetchedRow struct {
	fields    map[string]any
	freshness time.Duration
}

// fetchMisses bulk-fetches the missing ids in provider-sized chunks. Chunks
// run concurrently; a failed chunk is logged and its ids are simply absent
// from the result.
func (s *Service) fetchMisses(ctx context.Context, misses []int64) map[int64]fetchedRow {
	accessToken, err := s.accessToken(ctx)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("partition", s.cfg.Partition).
			Msg("no access token for bulk fetch, skipping misses")
		return nil
	}

	var mu sync.Mutex
	fetched := make(map[int64]fetchedRow)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, chunk := range chunkIDs(misses, upstream.BulkLimit) {
		g.Go(func() error {
			rows, freshness, err := s.fetcher.FetchEntities(gctx, s.cfg.Partition, chunk, accessToken)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).
					Str("partition", s.cfg.Partition).
					Int("ids", len(chunk)).
					Msg("bulk fetch chunk failed")
				return nil
			}
			mu.Lock()
			for id, fields := range rows {
				fetched[id] = fetchedRow{fields: fields, freshness: freshness}
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return fetched
}

func (s *Service) accessToken(ctx context.Context) (string, error) {
	if s.cfg.AuthIdentity == 0 || s.tokens == nil {
		return "", nil
	}
	token, _, err := s.tokens.GetAccessToken(ctx, s.cfg.AuthIdentity)
	return token, err
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}

func chunkIDs(ids []int64, size int) [][]int64 {
	var chunks [][]int64
	for len(ids) > size {
		chunks = append(chunks, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}
