// Package credential owns the CRM OAuth token pair: storage, proactive
// refresh scheduling and the handshake that seeds it.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicsync/syncd/internal/crm"
	"github.com/clinicsync/syncd/internal/remote"
)

// ErrReauthRequired means the stored credential cannot be refreshed: either
// no handshake happened yet, the refresh token is gone, or the CRM rejected
// it. Recovery needs an operator to redo the OAuth handshake; no automatic
// corrective action is taken.
var ErrReauthRequired = errors.New("crm re-authentication required")

// Grants is the OAuth surface the manager needs. Implemented by crm.OAuth.
type Grants interface {
	Refresh(ctx context.Context, refreshToken string) (*crm.TokenGrant, error)
}

// Manager is the token lifecycle manager. It is the only writer of the
// credential row outside the OAuth handshake.
type Manager struct {
	repo     Repository
	grants   Grants
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewManager builds a token manager refreshing at the given interval, which
// should stay well under the token lifetime (the 5:6 ratio the config
// derives).
func NewManager(repo Repository, grants Grants, interval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		grants:   grants,
		interval: interval,
		log:      logger.With().Str("component", "credential").Logger(),
		now:      time.Now,
	}
}

// Token returns the current access token and location id. Validity is a
// policy guarantee from the refresh schedule, not a live check.
func (m *Manager) Token(ctx context.Context) (string, string, error) {
	cred, err := m.repo.Get(ctx)
	if err != nil {
		return "", "", fmt.Errorf("load credential: %w", err)
	}
	if cred == nil || cred.AccessToken == "" {
		return "", "", ErrReauthRequired
	}
	return cred.AccessToken, cred.LocationID, nil
}

// Refresh exchanges the stored refresh token for a new pair and persists it
// via a compare-and-swap replace. A version conflict (a concurrent refresh
// won the race) is retried once against the fresh row; CRM rejection is
// terminal and leaves the row untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	cred, err := m.repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if cred == nil || cred.RefreshToken == "" {
		return ErrReauthRequired
	}

	grant, err := m.grants.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if remote.IsKind(err, remote.Unauthorized) || remote.IsKind(err, remote.Validation) {
			return fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return fmt.Errorf("refresh token grant: %w", err)
	}

	cred.ApplyGrant(grant, m.now())
	ok, err := m.repo.ReplaceCAS(ctx, cred)
	if err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	if ok {
		m.log.Info().Time("expires_at", cred.ExpiresAt).Msg("crm token refreshed")
		return nil
	}

	// Lost the race against a concurrent refresh. Reapply onto the row
	// that won and try once more.
	fresh, err := m.repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("reload credential after version conflict: %w", err)
	}
	if fresh == nil {
		return ErrReauthRequired
	}
	fresh.ApplyGrant(grant, m.now())
	ok, err = m.repo.ReplaceCAS(ctx, fresh)
	if err != nil {
		return fmt.Errorf("persist credential after version conflict: %w", err)
	}
	if !ok {
		return fmt.Errorf("credential version conflict persisted across retry")
	}
	m.log.Info().Time("expires_at", fresh.ExpiresAt).Msg("crm token refreshed after version conflict")
	return nil
}

// StoreGrant persists a handshake grant, replacing any credential already
// stored for the grant's location. Used by the OAuth callback.
func (m *Manager) StoreGrant(ctx context.Context, grant *crm.TokenGrant) error {
	if grant.LocationID == "" {
		return fmt.Errorf("token grant missing location id")
	}
	cred := &Credential{LocationID: grant.LocationID}
	cred.ApplyGrant(grant, m.now())
	if err := m.repo.Upsert(ctx, cred); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	m.log.Info().Str("location_id", cred.LocationID).Msg("crm credential stored")
	return nil
}

// Run refreshes the token on the manager's interval until ctx is cancelled.
// Failures are logged and retried on the next tick; the loop never stops on
// its own.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.interval).Msg("token refresh loop started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("token refresh loop stopped")
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				if errors.Is(err, ErrReauthRequired) {
					m.log.Error().Err(err).Msg("token refresh needs operator re-authentication")
				} else {
					m.log.Warn().Err(err).Msg("token refresh failed, will retry next tick")
				}
			}
		}
	}
}
