package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/domain"
	"github.com/tokengate/tokengate/internal/metrics"
)

// schedule arms the wake timer for the earliest persisted next_update_at,
// clamped to at least MinWakeDelay in the future. It is a no-op when a wake
// is already pending; the in-memory flag only suppresses duplicates and is
// never trusted as a source of truth.
func (s *Service) schedule(ctx context.Context) {
	s.timerMu.Lock()
	if s.stopped || s.alarmScheduled {
		s.timerMu.Unlock()
		return
	}
	s.timerMu.Unlock()

	next, err := s.repo.NextWake(ctx, s.cfg.Partition)
	if errors.Is(err, domain.ErrNotFound) {
		return // nothing mirrored yet, the next upsert reschedules
	}
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("partition", s.cfg.Partition).
			Msg("failed to compute next wake, retrying later")
		s.armTimer(s.cfg.RetryDelay)
		return
	}

	delay := time.Until(next)
	if delay < s.cfg.MinWakeDelay {
		delay = s.cfg.MinWakeDelay
	}
	s.armTimer(delay)
}

// scheduleRetry arms a fixed-delay wake after a failed wake cycle.
func (s *Service) scheduleRetry() {
	s.armTimer(s.cfg.RetryDelay)
}

func (s *Service) armTimer(delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopped || s.alarmScheduled {
		return
	}
	s.alarmScheduled = true
	s.timer = time.AfterFunc(delay, s.onWake)
	log.Debug().
		Str("partition", s.cfg.Partition).
		Dur("delay", delay).
		Msg("wake scheduled")
}

// onWake is the timer callback. The scheduled flag is cleared before any
// other work: a crash mid-handler just means the next upsert or external
// trigger reschedules from persisted next_update_at values.
func (s *Service) onWake() {
	s.timerMu.Lock()
	s.alarmScheduled = false
	s.timer = nil
	if s.stopped {
		s.timerMu.Unlock()
		return
	}
	s.timerMu.Unlock()

	ctx := context.Background()
	err := s.exec.Do(s.cfg.Partition, func() error {
		return s.refreshOverdue(ctx)
	})
	if err != nil {
		log.Error().Err(err).
			Str("partition", s.cfg.Partition).
			Msg("wake cycle failed, scheduling retry")
		s.scheduleRetry()
		return
	}

	s.schedule(ctx)
}

// refreshOverdue re-fetches a bounded batch of the most-overdue entities.
// Per-entity failures are independent and non-fatal.
func (s *Service) refreshOverdue(ctx context.Context) error {
	overdue, err := s.repo.Overdue(ctx, s.cfg.Partition, s.now(), wakeBatch)
	if err != nil {
		return fmt.Errorf("failed to select overdue entities: %w", err)
	}
	if len(overdue) == 0 {
		return nil
	}

	accessToken, err := s.accessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire access token: %w", err)
	}

	refreshed := 0
	for _, snapshot := range overdue {
		fields, freshness, err := s.fetcher.FetchEntity(ctx, s.cfg.Partition, snapshot.EntityID, accessToken)
		if err != nil {
			metrics.IncMirrorRefreshFail()
			log.Ctx(ctx).Warn().Err(err).
				Str("partition", s.cfg.Partition).
				Int64("entity_id", snapshot.EntityID).
				Msg("background refresh failed for entity")
			s.deferEntity(ctx, snapshot)
			continue
		}
		if _, err := s.upsert(ctx, snapshot.EntityID, fields, freshness); err != nil {
			metrics.IncMirrorRefreshFail()
			log.Ctx(ctx).Warn().Err(err).
				Str("partition", s.cfg.Partition).
				Int64("entity_id", snapshot.EntityID).
				Msg("background refresh could not persist entity")
			continue
		}
		metrics.IncMirrorRefresh()
		refreshed++
	}

	log.Ctx(ctx).Debug().
		Str("partition", s.cfg.Partition).
		Int("overdue", len(overdue)).
		Int("refreshed", refreshed).
		Msg("wake cycle complete")
	return nil
}

// deferEntity pushes a failed entity's next_update_at out by RetryDelay so a
// permanently unfetchable id does not pin every wake cycle at the minimum
// delay. History and update counters are untouched.
func (s *Service) deferEntity(ctx context.Context, snapshot *domain.EntitySnapshot) {
	snapshot.NextUpdateAt = s.now().Add(s.cfg.RetryDelay)
	if err := s.repo.Upsert(ctx, snapshot); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("partition", s.cfg.Partition).
			Int64("entity_id", snapshot.EntityID).
			Msg("could not defer failed entity")
	}
}
