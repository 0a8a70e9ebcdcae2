// Package tokens is the single source of truth for per-identity upstream
// OAuth credentials, reachable either by identity id or by the opaque proxy
// token the gateway hands to clients.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/tokengate/tokengate/domain"
	"github.com/tokengate/tokengate/internal/keyserial"
	"github.com/tokengate/tokengate/internal/metrics"
)

const (
	// refreshWindow is how close to expiry a token must be before a lookup
	// triggers a synchronous refresh.
	refreshWindow = 5 * time.Minute

	// maxPageSize caps ListTokens regardless of the requested limit.
	maxPageSize = 100

	proxyTokenBytes = 32
)

// Refresher performs a single refresh attempt against the upstream token
// endpoint.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Service owns token records. All operations addressed to the same identity
// execute one at a time: two near-simultaneous lookups for one identity can
// never both decide to refresh, because the second cannot begin until the
// first has fully returned. Different identities run concurrently.
type Service struct {
	repo  domain.TokenRepository
	oauth Refresher
	exec  *keyserial.Executor
	now   func() time.Time
}

// NewService creates a token Service.
func NewService(repo domain.TokenRepository, oauth Refresher) *Service {
	return &Service{
		repo:  repo,
		oauth: oauth,
		exec:  keyserial.NewExecutor(),
		now:   time.Now,
	}
}

func identityKey(identityID int64) string {
	return "identity:" + strconv.FormatInt(identityID, 10)
}

// generateProxyToken generates a secure random proxy token: 32 random bytes,
// hex encoded.
func generateProxyToken() (string, error) {
	b := make([]byte, proxyTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate proxy token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// StoreTokens stores or replaces the identity's credentials. An existing
// record keeps its proxy token across re-authentication; a new record gets a
// freshly generated one. Returns the credential-free record projection.
func (s *Service) StoreTokens(ctx context.Context, identityID int64, displayName, accessToken, refreshToken string, expiresIn int64, scopes []string) (*domain.TokenInfo, error) {
	var info *domain.TokenInfo
	err := s.exec.Do(identityKey(identityID), func() error {
		now := s.now()
		record := &domain.TokenRecord{
			IdentityID:   identityID,
			DisplayName:  displayName,
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
			Scopes:       scopes,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		existing, err := s.repo.FindByIdentity(ctx, identityID)
		switch {
		case err == nil:
			record.ProxyToken = existing.ProxyToken
			record.CreatedAt = existing.CreatedAt
		case errors.Is(err, domain.ErrNotFound):
			token, genErr := generateProxyToken()
			if genErr != nil {
				return genErr
			}
			record.ProxyToken = token
		default:
			return fmt.Errorf("failed to look up token record: %w", err)
		}

		if err := s.repo.Upsert(ctx, record); err != nil {
			return fmt.Errorf("failed to store token record: %w", err)
		}

		log.Ctx(ctx).Info().
			Int64("identity_id", identityID).
			Str("display_name", displayName).
			Time("expires_at", record.ExpiresAt).
			Msg("tokens stored")

		info = record.Info()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetAccessToken returns a valid access token for the identity, refreshing
// it first when it is within the refresh window. A failed refresh degrades
// to the stored token: availability over freshness.
func (s *Service) GetAccessToken(ctx context.Context, identityID int64) (string, time.Time, error) {
	var accessToken string
	var expiresAt time.Time
	err := s.exec.Do(identityKey(identityID), func() error {
		record, err := s.repo.FindByIdentity(ctx, identityID)
		if err != nil {
			return err
		}
		record = s.maybeRefresh(ctx, record)
		accessToken = record.AccessToken
		expiresAt = record.ExpiresAt
		return nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return accessToken, expiresAt, nil
}

// FindByProxyToken is GetAccessToken keyed by proxy token, so the gateway
// never needs to know the real identity id up front. The record is re-read
// inside the identity's serial slot so the refresh decision is made against
// current state.
func (s *Service) FindByProxyToken(ctx context.Context, proxyToken string) (*domain.TokenRecord, error) {
	resolved, err := s.repo.FindByProxyToken(ctx, proxyToken)
	if err != nil {
		return nil, err
	}

	var record *domain.TokenRecord
	err = s.exec.Do(identityKey(resolved.IdentityID), func() error {
		current, err := s.repo.FindByProxyToken(ctx, proxyToken)
		if err != nil {
			return err
		}
		record = s.maybeRefresh(ctx, current)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// maybeRefresh attempts exactly one refresh when the record is near expiry.
// On failure the existing record is returned unchanged.
func (s *Service) maybeRefresh(ctx context.Context, record *domain.TokenRecord) *domain.TokenRecord {
	now := s.now()
	if record.ExpiresAt.Sub(now) >= refreshWindow {
		return record
	}

	fresh, err := s.oauth.Refresh(ctx, record.RefreshToken)
	if err != nil {
		metrics.IncTokenRefreshFail()
		log.Ctx(ctx).Warn().Err(err).
			Int64("identity_id", record.IdentityID).
			Time("expires_at", record.ExpiresAt).
			Msg("refresh failed, serving stored token")
		return record
	}

	record.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		record.RefreshToken = fresh.RefreshToken
	}
	record.ExpiresAt = fresh.Expiry
	record.UpdatedAt = now

	if err := s.repo.Upsert(ctx, record); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Int64("identity_id", record.IdentityID).
			Msg("failed to persist refreshed tokens")
	}

	metrics.IncTokenRefresh()
	log.Ctx(ctx).Debug().
		Int64("identity_id", record.IdentityID).
		Time("expires_at", record.ExpiresAt).
		Msg("access token refreshed")
	return record
}

// RevokeToken deletes the identity's record.
func (s *Service) RevokeToken(ctx context.Context, identityID int64) error {
	return s.exec.Do(identityKey(identityID), func() error {
		return s.repo.DeleteByIdentity(ctx, identityID)
	})
}

// DeleteByProxyToken deletes the record holding the given proxy token.
func (s *Service) DeleteByProxyToken(ctx context.Context, proxyToken string) error {
	resolved, err := s.repo.FindByProxyToken(ctx, proxyToken)
	if err != nil {
		return err
	}
	return s.exec.Do(identityKey(resolved.IdentityID), func() error {
		return s.repo.DeleteByProxyToken(ctx, proxyToken)
	})
}

// GetProxyToken returns the identity's proxy token.
func (s *Service) GetProxyToken(ctx context.Context, identityID int64) (string, error) {
	record, err := s.repo.FindByIdentity(ctx, identityID)
	if err != nil {
		return "", err
	}
	return record.ProxyToken, nil
}

// GetTokenInfo returns the credential-free record projection.
func (s *Service) GetTokenInfo(ctx context.Context, identityID int64) (*domain.TokenInfo, error) {
	record, err := s.repo.FindByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	return record.Info(), nil
}

// ListTokens returns stored records ordered by creation time descending.
// The limit is capped server-side.
func (s *Service) ListTokens(ctx context.Context, limit, offset int64) ([]*domain.TokenInfo, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// GetStats returns total/active/expired counts against the current time.
func (s *Service) GetStats(ctx context.Context) (*domain.TokenStats, error) {
	return s.repo.Stats(ctx, s.now())
}
