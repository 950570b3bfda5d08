// Package coordination assigns collector containers to chat entities to
// watch, leasing claims with a TTL and periodic checkins so a crashed
// container's entities are reclaimed automatically.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/waddlebot/router/pkg/models"
)

const (
	// ClaimDuration is how long a claim is valid without a checkin.
	ClaimDuration = 30 * time.Minute
	// CheckinTimeout is how stale last_checkin can get before a claim is
	// considered abandoned and eligible for reclaiming.
	CheckinTimeout = 6 * time.Minute
	// CheckinInterval is how often a healthy container is expected to check in.
	CheckinInterval = 5 * time.Minute
)

// Store is the persistence dependency; satisfied by internal/store.Postgres.
type Store interface {
	Populate(ctx context.Context, platform models.Platform) (int, error)
	ClaimCandidates(ctx context.Context, platform models.Platform, checkinTimeout time.Duration, limit int) ([]*models.Coordination, error)
	TryClaim(ctx context.Context, id int64, containerID string, claimExpires time.Time, checkinTimeout time.Duration) (bool, error)
	Release(ctx context.Context, containerID string, entityIDs []string) (int, error)
	Checkin(ctx context.Context, containerID string, claimExpires time.Time) (int, error)
	ListClaimedBy(ctx context.Context, containerID string) ([]*models.Coordination, error)
	UpdateStatus(ctx context.Context, containerID, entityID string, isLive *bool, viewerCount *int, metadata map[string]interface{}, hasActivity bool) error
	ReportError(ctx context.Context, containerID, entityID string) (int, error)
	ReleaseOfflineEntities(ctx context.Context, containerID string) ([]string, error)
	CleanupExpiredClaims(ctx context.Context, checkinTimeout time.Duration) (int, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
}

// Coordinator wraps Store with the router's claim/release/heartbeat policy.
type Coordinator struct {
	store Store
}

func New(store Store) *Coordinator {
	return &Coordinator{store: store}
}

// Populate creates coordination rows for every active server on platform
// that doesn't have one yet. Safe to call repeatedly (e.g. on every boot).
func (c *Coordinator) Populate(ctx context.Context, platform models.Platform) (int, error) {
	n, err := c.store.Populate(ctx, platform)
	if err != nil {
		return 0, fmt.Errorf("populate coordination entities: %w", err)
	}
	return n, nil
}

// Claim attempts to claim up to maxClaims entities for containerID on
// platform. It reads 2x candidates to absorb races against other
// containers claiming the same rows concurrently.
func (c *Coordinator) Claim(ctx context.Context, platform models.Platform, containerID string, maxClaims int) ([]*models.Coordination, error) {
	candidates, err := c.store.ClaimCandidates(ctx, platform, CheckinTimeout, maxClaims*2)
	if err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}

	var claimed []*models.Coordination
	claimExpires := time.Now().Add(ClaimDuration)
	for _, cand := range candidates {
		if len(claimed) >= maxClaims {
			break
		}
		ok, err := c.store.TryClaim(ctx, cand.ID, containerID, claimExpires, CheckinTimeout)
		if err != nil {
			return claimed, fmt.Errorf("claim entity %s: %w", cand.EntityID, err)
		}
		if ok {
			cand.ClaimedBy = containerID
			cand.ClaimExpires = &claimExpires
			claimed = append(claimed, cand)
		}
	}
	return claimed, nil
}

// Release drops the claims containerID holds on entityIDs. A nil/empty
// slice releases every claim the container holds.
func (c *Coordinator) Release(ctx context.Context, containerID string, entityIDs []string) (int, error) {
	n, err := c.store.Release(ctx, containerID, entityIDs)
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return n, nil
}

// Checkin refreshes the claim_expires deadline for every entity containerID
// holds, proving the container is still alive.
func (c *Coordinator) Checkin(ctx context.Context, containerID string) (int, error) {
	n, err := c.store.Checkin(ctx, containerID, time.Now().Add(ClaimDuration))
	if err != nil {
		return 0, fmt.Errorf("checkin: %w", err)
	}
	return n, nil
}

func (c *Coordinator) ListClaimedBy(ctx context.Context, containerID string) ([]*models.Coordination, error) {
	entities, err := c.store.ListClaimedBy(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("list claimed entities: %w", err)
	}
	return entities, nil
}

// UpdateStatus reports a live/viewer-count/metadata change for one claimed
// entity, resetting error_count when hasActivity is true.
func (c *Coordinator) UpdateStatus(ctx context.Context, containerID, entityID string, isLive *bool, viewerCount *int, metadata map[string]interface{}, hasActivity bool) error {
	if err := c.store.UpdateStatus(ctx, containerID, entityID, isLive, viewerCount, metadata, hasActivity); err != nil {
		return fmt.Errorf("update coordination status: %w", err)
	}
	return nil
}

// ReportError increments the claimed entity's error_count, flipping status
// to error after three consecutive failures.
func (c *Coordinator) ReportError(ctx context.Context, containerID, entityID string) (int, error) {
	count, err := c.store.ReportError(ctx, containerID, entityID)
	if err != nil {
		return 0, fmt.Errorf("report error: %w", err)
	}
	if count >= 3 {
		log.Warn().Str("container_id", containerID).Str("entity_id", entityID).
			Int("error_count", count).Msg("entity marked error after repeated failures")
	}
	return count, nil
}

// ReleaseOfflineEntities drops claims on every entity containerID holds that
// is not live and has status offline, then re-claims an equal number of fresh candidates so the
// container's workload stays roughly stable.
func (c *Coordinator) ReleaseOfflineEntities(ctx context.Context, platform models.Platform, containerID string) ([]string, error) {
	released, err := c.store.ReleaseOfflineEntities(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("release offline entities: %w", err)
	}
	if len(released) == 0 {
		return released, nil
	}
	if _, err := c.Claim(ctx, platform, containerID, len(released)); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("failed to backfill claims after releasing offline entities")
	}
	return released, nil
}

// CleanupExpiredClaims releases every claim whose checkin has gone stale,
// regardless of owner. Intended to run on a periodic sweep.
func (c *Coordinator) CleanupExpiredClaims(ctx context.Context) (int, error) {
	n, err := c.store.CleanupExpiredClaims(ctx, CheckinTimeout)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired claims: %w", err)
	}
	return n, nil
}

func (c *Coordinator) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordination stats: %w", err)
	}
	return stats, nil
}

// Start runs CleanupExpiredClaims every CheckinInterval until ctx is canceled.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(CheckinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.CleanupExpiredClaims(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("coordination cleanup sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("released", n).Msg("coordination cleanup sweep released expired claims")
			}
		}
	}
}
