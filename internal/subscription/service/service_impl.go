package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	"github.com/aperturehq/aperture/pkg/repository"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[subscriptiondomain.Subscription]

	tiersvc tierdomain.Service
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Tiersvc tierdomain.Service
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("subscription.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
		tiersvc: p.Tiersvc,
	}
}

func (s *Service) ActiveForUser(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	sub, err := s.repo.FindOne(ctx, &subscriptiondomain.Subscription{
		UserID: userID,
		Status: subscriptiondomain.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrNoActiveSubscription
	}

	now := s.clock.Now()
	if sub.TrialExpired(now) {
		if err := s.expire(ctx, sub.ID, now); err != nil {
			return nil, err
		}
		return nil, subscriptiondomain.ErrTrialExpired
	}

	return sub, nil
}

func (s *Service) Start(ctx context.Context, req subscriptiondomain.StartRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if req.TierID == 0 {
		return nil, subscriptiondomain.ErrInvalidTier
	}

	existing, err := s.repo.FindOne(ctx, &subscriptiondomain.Subscription{
		UserID: req.UserID,
		Status: subscriptiondomain.StatusActive,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, subscriptiondomain.ErrAlreadySubscribed
	}

	tier, err := s.tiersvc.Get(ctx, req.TierID.String())
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	sub := &subscriptiondomain.Subscription{
		ID:     s.genID.Generate(),
		UserID: req.UserID,
		TierID: req.TierID,

		Status:  subscriptiondomain.StatusActive,
		IsTrial: req.IsTrial,

		StartedAt:          now,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,

		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.IsTrial {
		days := req.TrialDays
		if days <= 0 {
			days = tier.TrialDays
		}
		trialEnd := now.AddDate(0, 0, days)
		sub.TrialEndsAt = &trialEnd
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, err
	}

	return sub, nil
}

func (s *Service) Cancel(ctx context.Context, subscriptionID snowflake.ID) error {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND status = ?", subscriptionID, subscriptiondomain.StatusActive).
		Updates(map[string]any{
			"status":       subscriptiondomain.StatusCancelled,
			"cancelled_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrNotFound
	}
	return nil
}

func (s *Service) ExpireDueTrials(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("status = ? AND is_trial = ? AND trial_ends_at IS NOT NULL AND trial_ends_at < ?",
			subscriptiondomain.StatusActive, true, now).
		Updates(map[string]any{
			"status":     subscriptiondomain.StatusExpired,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Info("expired due trials", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

func (s *Service) expire(ctx context.Context, id snowflake.ID, now time.Time) error {
	return s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ? AND status = ?", id, subscriptiondomain.StatusActive).
		Updates(map[string]any{
			"status":     subscriptiondomain.StatusExpired,
			"updated_at": now,
		}).Error
}
