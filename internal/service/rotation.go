package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/repository"
)

// Selection is the identity picked for one send and the cap it was checked against.
type Selection struct {
	Identity   *model.SendingIdentity
	MaxPerHour int
}

// IdentitySelector rotates a campaign's sends across its identity pool. The
// cursor is the identity of the campaign's last sent record, so nothing is
// stored between calls.
type IdentitySelector struct {
	Campaigns  repository.CampaignRepositoryInterface
	Identities repository.IdentityRepositoryInterface
	Ledger     repository.DispatchRepositoryInterface
	Window     *SendingWindow
	Limiter    *RateLimiter
	Logger     *zap.Logger
}

// Pool returns the active identities a campaign may use, ordered by id. An
// empty rotation pool falls back to the primary identity.
func (s *IdentitySelector) Pool(ctx context.Context, campaign *model.Campaign) ([]*model.SendingIdentity, error) {
	ids, err := s.Campaigns.RotationPool(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("rotation pool: %w", err)
	}

	var candidates []*model.SendingIdentity
	if len(ids) > 0 {
		candidates, err = s.Identities.ListByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
	} else if campaign.PrimaryIdentityID != 0 {
		primary, err := s.Identities.GetByID(ctx, campaign.PrimaryIdentityID)
		if err != nil {
			return nil, err
		}
		if primary != nil {
			candidates = []*model.SendingIdentity{primary}
		}
	}

	pool := make([]*model.SendingIdentity, 0, len(candidates))
	for _, identity := range candidates {
		if identity.Active {
			pool = append(pool, identity)
		}
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	return pool, nil
}

// rotationStart is the index after lastIdentityID, or 0 when it is not in the pool.
func rotationStart(pool []*model.SendingIdentity, lastIdentityID int) int {
	for i, identity := range pool {
		if identity.ID == lastIdentityID {
			return (i + 1) % len(pool)
		}
	}
	return 0
}

// SelectIdentity walks the pool once starting after the last identity used
// and returns the first one inside its window and under its cap. A nil
// Selection with a nil error means nothing is eligible right now.
func (s *IdentitySelector) SelectIdentity(ctx context.Context, campaign *model.Campaign, now time.Time) (*Selection, error) {
	log := logger.OrNop(s.Logger)

	pool, err := s.Pool(ctx, campaign)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 {
		log.Debug("empty identity pool", zap.Int("campaign_id", campaign.ID))
		return nil, nil
	}

	start := 0
	last, err := s.Ledger.LastSentForCampaign(ctx, campaign.ID)
	if err != nil {
		return nil, fmt.Errorf("last sent for campaign: %w", err)
	}
	if last != nil {
		start = rotationStart(pool, last.IdentityID)
	}

	for i := 0; i < len(pool); i++ {
		identity := pool[(start+i)%len(pool)]

		allowed, limit, err := s.Window.WindowAllows(ctx, identity, now)
		if err != nil {
			return nil, err
		}
		if !allowed {
			continue
		}

		ok, err := s.Limiter.CanSend(ctx, identity.ID, limit, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Info("rate limit reached",
				zap.Int("identity_id", identity.ID),
				zap.String("identity", identity.Email),
				zap.Int("max_per_hour", limit),
			)
			continue
		}
		return &Selection{Identity: identity, MaxPerHour: limit}, nil
	}
	return nil, nil
}
