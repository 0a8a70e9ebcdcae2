package mirror

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/domain"
)

// --- in-memory EntityRepository ---

type memoryEntityRepo struct {
	mu         sync.Mutex
	snapshots  map[int64]*domain.EntitySnapshot
	history    []*domain.HistoryEntry
	overdueErr error
}

func newMemoryEntityRepo() *memoryEntityRepo {
	return &memoryEntityRepo{snapshots: make(map[int64]*domain.EntitySnapshot)}
}

func (m *memoryEntityRepo) Get(_ context.Context, _ string, entityID int64) (*domain.EntitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.snapshots[entityID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *snapshot
	return &clone, nil
}

func (m *memoryEntityRepo) GetMany(_ context.Context, _ string, ids []int64) ([]*domain.EntitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.EntitySnapshot
	for _, id := range ids {
		if snapshot, ok := m.snapshots[id]; ok {
			clone := *snapshot
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memoryEntityRepo) Upsert(_ context.Context, snapshot *domain.EntitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *snapshot
	m.snapshots[snapshot.EntityID] = &clone
	return nil
}

func (m *memoryEntityRepo) AppendHistory(_ context.Context, entries []*domain.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entries...)
	return nil
}

func (m *memoryEntityRepo) History(_ context.Context, _ string, entityID int64, limit int64) ([]*domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.HistoryEntry
	for i := len(m.history) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if m.history[i].EntityID == entityID {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *memoryEntityRepo) Overdue(_ context.Context, _ string, now time.Time, limit int64) ([]*domain.EntitySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overdueErr != nil {
		return nil, m.overdueErr
	}
	var out []*domain.EntitySnapshot
	for _, snapshot := range m.snapshots {
		if !snapshot.NextUpdateAt.After(now) {
			clone := *snapshot
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextUpdateAt.Before(out[j].NextUpdateAt) })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryEntityRepo) NextWake(_ context.Context, _ string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for _, snapshot := range m.snapshots {
		if next.IsZero() || snapshot.NextUpdateAt.Before(next) {
			next = snapshot.NextUpdateAt
		}
	}
	if next.IsZero() {
		return time.Time{}, domain.ErrNotFound
	}
	return next, nil
}

// --- fake Fetcher ---

type fakeFetcher struct {
	mu         sync.Mutex
	entities   map[int64]map[string]any
	freshness  time.Duration
	bulkErr    error
	fetchCalls int
	bulkCalls  int
}

func (f *fakeFetcher) FetchEntity(_ context.Context, _ string, id int64, _ string) (map[string]any, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	fields, ok := f.entities[id]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	return fields, f.freshness, nil
}

func (f *fakeFetcher) FetchEntities(_ context.Context, _ string, ids []int64, _ string) (map[int64]map[string]any, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++
	if f.bulkErr != nil {
		return nil, 0, f.bulkErr
	}
	out := make(map[int64]map[string]any)
	for _, id := range ids {
		if fields, ok := f.entities[id]; ok {
			out[id] = fields
		}
	}
	return out, f.freshness, nil
}

func newTestMirror(repo *memoryEntityRepo, fetcher *fakeFetcher) *Service {
	return NewService(Config{
		Partition:     "characters",
		TrackedFields: []string{"corporation_id", "alliance_id"},
	}, repo, fetcher, nil)
}

func TestUpsert_TrackedFieldChangeProducesOneHistoryEntry(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryEntityRepo()
	svc := newTestMirror(repo, &fakeFetcher{})
	defer svc.Stop()

	first, err := svc.Upsert(ctx, 7, map[string]any{
		"name": "Pilot", "corporation_id": float64(100), "alliance_id": float64(5),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.UpdateCount)
	assert.False(t, first.NextUpdateAt.Before(first.LastUpdated), "nextUpdateAt must be at or after the upsert")

	second, err := svc.Upsert(ctx, 7, map[string]any{
		"name": "Pilot", "corporation_id": float64(200), "alliance_id": float64(5),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.UpdateCount, "updateCount increments by exactly 1")

	history, err := svc.GetHistory(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, history, 1, "exactly one entry for one changed tracked field")
	assert.Equal(t, "corporation_id", history[0].FieldName)
	assert.Equal(t, float64(100), history[0].OldValue)
	assert.Equal(t, float64(200), history[0].NewValue)
}

func TestUpsert_UntrackedFieldChangeProducesNoHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestMirror(newMemoryEntityRepo(), &fakeFetcher{})
	defer svc.Stop()

	_, err := svc.Upsert(ctx, 7, map[string]any{"name": "Pilot", "corporation_id": float64(100)}, 0)
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, 7, map[string]any{"name": "Renamed", "corporation_id": float64(100)}, 0)
	require.NoError(t, err)

	history, err := svc.GetHistory(ctx, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUpsert_FreshnessHintDrivesNextUpdate(t *testing.T) {
	ctx := context.Background()
	svc := newTestMirror(newMemoryEntityRepo(), &fakeFetcher{})
	defer svc.Stop()

	snapshot, err := svc.Upsert(ctx, 7, map[string]any{"name": "Pilot"}, 20*time.Minute)
	require.NoError(t, err)
	assert.WithinDuration(t, snapshot.LastUpdated.Add(20*time.Minute), snapshot.NextUpdateAt, time.Second)

	// Without a hint the default (1h) applies.
	snapshot, err = svc.Upsert(ctx, 8, map[string]any{"name": "Other"}, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, snapshot.LastUpdated.Add(time.Hour), snapshot.NextUpdateAt, time.Second)
}

func TestGet_AbsentIsNotAnError(t *testing.T) {
	svc := newTestMirror(newMemoryEntityRepo(), &fakeFetcher{})
	defer svc.Stop()

	snapshot, err := svc.Get(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestGetMany_PreservesCallerOrderAndOmitsUnresolvable(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryEntityRepo()
	fetcher := &fakeFetcher{entities: map[int64]map[string]any{
		9: {"id": float64(9), "name": "Nine"},
	}}
	svc := newTestMirror(repo, fetcher)
	defer svc.Stop()

	// 5 and 3 already cached, 9 fetched, 11 unresolvable upstream.
	_, err := svc.Upsert(ctx, 5, map[string]any{"name": "Five"}, 0)
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, 3, map[string]any{"name": "Three"}, 0)
	require.NoError(t, err)

	snapshots, err := svc.GetMany(ctx, []int64{5, 3, 5, 9, 11})
	require.NoError(t, err)

	ids := make([]int64, len(snapshots))
	for i, snapshot := range snapshots {
		ids[i] = snapshot.EntityID
	}
	assert.Equal(t, []int64{5, 3, 5, 9}, ids, "caller order preserved per occurrence, unresolvable omitted")
	assert.Equal(t, 1, fetcher.bulkCalls, "deduplicated misses fetched in one chunk")

	// The fetched entity is now mirrored.
	snapshot, err := svc.Get(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "Nine", snapshot.Fields["name"])
}

func TestGetMany_ChunkFailureStillReturnsCached(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryEntityRepo()
	fetcher := &fakeFetcher{bulkErr: errors.New("upstream is down")}
	svc := newTestMirror(repo, fetcher)
	defer svc.Stop()

	_, err := svc.Upsert(ctx, 5, map[string]any{"name": "Five"}, 0)
	require.NoError(t, err)

	snapshots, err := svc.GetMany(ctx, []int64{5, 9})
	require.NoError(t, err, "a failing chunk must not fail the batch")
	require.Len(t, snapshots, 1)
	assert.Equal(t, int64(5), snapshots[0].EntityID)
}

func TestWake_RefreshesOverdueEntities(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryEntityRepo()
	fetcher := &fakeFetcher{
		entities:  map[int64]map[string]any{7: {"name": "Pilot", "corporation_id": float64(300)}},
		freshness: time.Hour,
	}
	svc := NewService(Config{
		Partition:     "characters",
		TrackedFields: []string{"corporation_id"},
		MinWakeDelay:  10 * time.Millisecond,
	}, repo, fetcher, nil)
	defer svc.Stop()

	// Already overdue: freshness hint in the past is clamped by MinWakeDelay.
	_, err := svc.Upsert(ctx, 7, map[string]any{"name": "Pilot", "corporation_id": float64(100)}, time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, err := svc.Get(ctx, 7)
		return err == nil && snapshot != nil && snapshot.UpdateCount >= 2
	}, 2*time.Second, 10*time.Millisecond, "overdue entity was not refreshed by the wake")

	history, err := svc.GetHistory(ctx, 7, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history, "the background refresh detected the affiliation change")
	assert.Equal(t, "corporation_id", history[0].FieldName)
}

func TestWake_HandlerFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryEntityRepo()
	svc := NewService(Config{
		Partition:    "characters",
		MinWakeDelay: 5 * time.Millisecond,
		RetryDelay:   time.Hour,
	}, repo, &fakeFetcher{}, nil)
	defer svc.Stop()

	_, err := svc.Upsert(ctx, 7, map[string]any{"name": "Pilot"}, time.Millisecond)
	require.NoError(t, err)

	repo.mu.Lock()
	repo.overdueErr = errors.New("store unavailable")
	repo.mu.Unlock()

	require.Eventually(t, func() bool {
		svc.timerMu.Lock()
		defer svc.timerMu.Unlock()
		return svc.alarmScheduled
	}, 2*time.Second, 5*time.Millisecond, "a failed wake must schedule a fixed retry")
}

func TestWake_FetchFailureDefersEntity(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryEntityRepo()
	svc := NewService(Config{
		Partition:  "characters",
		RetryDelay: time.Hour,
	}, repo, &fakeFetcher{}, nil)
	defer svc.Stop()

	// Overdue and unknown upstream, so every refresh attempt fails.
	require.NoError(t, repo.Upsert(ctx, &domain.EntitySnapshot{
		EntityID:     7,
		Partition:    "characters",
		Fields:       map[string]any{"name": "Pilot"},
		NextUpdateAt: time.Now().Add(-time.Minute),
		UpdateCount:  1,
	}))

	require.NoError(t, svc.refreshOverdue(ctx))

	deferred, err := svc.Get(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, deferred)
	assert.Equal(t, int64(1), deferred.UpdateCount, "a failed refresh must not bump the counter")
	assert.True(t, deferred.NextUpdateAt.After(time.Now().Add(30*time.Minute)),
		"a failed refresh must push next_update_at out, not leave the entity overdue")

	history, err := svc.GetHistory(ctx, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStart_SchedulesFromPersistedState(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryEntityRepo()
	require.NoError(t, repo.Upsert(ctx, &domain.EntitySnapshot{
		EntityID:     7,
		Partition:    "characters",
		NextUpdateAt: time.Now().Add(time.Hour),
		UpdateCount:  1,
	}))

	svc := newTestMirror(repo, &fakeFetcher{})
	defer svc.Stop()
	svc.Start(ctx)

	svc.timerMu.Lock()
	defer svc.timerMu.Unlock()
	assert.True(t, svc.alarmScheduled)
}
