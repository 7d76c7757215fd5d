package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	"github.com/aperturehq/aperture/internal/observability/metrics"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
	"github.com/aperturehq/aperture/pkg/db"
	"github.com/aperturehq/aperture/pkg/db/option"
	"github.com/aperturehq/aperture/pkg/repository"
)

const maxCASAttempts = 5

var errRetry = errors.New("retry")

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics

	recordRepo repository.Repository[ledgerdomain.UsageRecord]
	eventRepo  repository.Repository[ledgerdomain.UsageEvent]

	walletsvc walletdomain.Service
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`

	Walletsvc walletdomain.Service
}

func NewService(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		metrics:    p.Metrics,
		recordRepo: repository.ProvideStore[ledgerdomain.UsageRecord](p.DB),
		eventRepo:  repository.ProvideStore[ledgerdomain.UsageEvent](p.DB),
		walletsvc:  p.Walletsvc,
	}
}

func (s *Service) CurrentUsage(ctx context.Context, userID snowflake.ID) (*ledgerdomain.Usage, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}

	now := s.clock.Now()
	rec, err := s.findCurrent(ctx, s.db, userID, now)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &ledgerdomain.Usage{}, nil
	}

	return &ledgerdomain.Usage{
		Record: *rec,
		Exists: true,
		Daily:  rec.EffectiveDaily(now),
	}, nil
}

func (s *Service) EnsureRecord(ctx context.Context, userID snowflake.ID, snap ledgerdomain.QuotaSnapshot) (*ledgerdomain.UsageRecord, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}

	now := s.clock.Now()
	rec, err := s.findCurrent(ctx, s.db, userID, now)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	rec = s.newRecord(userID, snap, now)
	if err := s.recordRepo.Create(ctx, rec); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.findCurrent(ctx, s.db, userID, now)
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) CompareAndReserve(ctx context.Context, recordID snowflake.ID, version int64, amounts ledgerdomain.Amounts) (bool, error) {
	if amounts.Negative() {
		return false, ledgerdomain.ErrInvalidAmounts
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).Exec(
		`UPDATE usage_records
		 SET reserved_token_input = reserved_token_input + ?,
		     reserved_token_output = reserved_token_output + ?,
		     reserved_images = reserved_images + ?,
		     reserved_videos = reserved_videos + ?,
		     reserved_documents = reserved_documents + ?,
		     version = version + 1,
		     updated_at = ?
		 WHERE id = ? AND version = ?`,
		amounts.TokenInput, amounts.TokenOutput, amounts.Images, amounts.Videos, amounts.Documents,
		now, recordID, version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Service) Record(ctx context.Context, req ledgerdomain.RecordRequest) (*ledgerdomain.RecordResult, error) {
	if req.UserID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Amounts.Negative() || req.Amounts.IsZero() {
		return nil, ledgerdomain.ErrInvalidAmounts
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		result, err := s.recordOnce(ctx, req)
		if errors.Is(err, errRetry) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if s.metrics != nil {
			total := req.Amounts.TokenInput + req.Amounts.TokenOutput +
				req.Amounts.Images + req.Amounts.Videos + req.Amounts.Documents
			s.metrics.RecordUsage(ctx, req.ActionType, total)
		}
		return result, nil
	}

	return nil, ledgerdomain.ErrConcurrencyBusy
}

func (s *Service) recordOnce(ctx context.Context, req ledgerdomain.RecordRequest) (*ledgerdomain.RecordResult, error) {
	now := s.clock.Now()
	startOfDay := ledgerdomain.StartOfDay(now)

	var out *ledgerdomain.RecordResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.findCurrent(ctx, tx, req.UserID, now)
		if err != nil {
			return err
		}

		if rec == nil {
			rec = s.newRecord(req.UserID, req.Snapshot, now)
			if err := s.recordRepo.WithTrx(tx).Create(ctx, rec); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return errRetry
				}
				return err
			}
		}

		daily := rec.EffectiveDaily(now)
		deduction := walletdomain.Deduction{
			TokenCredits: overflowDelta(rec.UsedTokenInput, req.Amounts.TokenInput, rec.QuotaTokenInput) +
				overflowDelta(rec.UsedTokenOutput, req.Amounts.TokenOutput, rec.QuotaTokenOutput),
			ImageCredits: overflowDelta(rec.UsedImages, req.Amounts.Images, rec.QuotaImages),
			VideoCredits: overflowDelta(rec.UsedVideos, req.Amounts.Videos, rec.QuotaVideos),
		}

		updates := map[string]any{
			"used_token_input":   rec.UsedTokenInput + req.Amounts.TokenInput,
			"used_token_output":  rec.UsedTokenOutput + req.Amounts.TokenOutput,
			"used_images":        rec.UsedImages + req.Amounts.Images,
			"used_videos":        rec.UsedVideos + req.Amounts.Videos,
			"used_documents":     rec.UsedDocuments + req.Amounts.Documents,
			"daily_token_input":  daily.TokenInput + req.Amounts.TokenInput,
			"daily_token_output": daily.TokenOutput + req.Amounts.TokenOutput,
			"daily_images":       daily.Images + req.Amounts.Images,
			"daily_videos":       daily.Videos + req.Amounts.Videos,
			"daily_reset_at":     startOfDay,
			"last_usage_at":      now,
			"version":            rec.Version + 1,
			"updated_at":         now,
		}
		if req.Settle {
			updates["reserved_token_input"] = clampSub(rec.ReservedTokenInput, req.Amounts.TokenInput)
			updates["reserved_token_output"] = clampSub(rec.ReservedTokenOutput, req.Amounts.TokenOutput)
			updates["reserved_images"] = clampSub(rec.ReservedImages, req.Amounts.Images)
			updates["reserved_videos"] = clampSub(rec.ReservedVideos, req.Amounts.Videos)
			updates["reserved_documents"] = clampSub(rec.ReservedDocuments, req.Amounts.Documents)
		}

		result := tx.WithContext(ctx).
			Model(&ledgerdomain.UsageRecord{}).
			Where("id = ? AND version = ?", rec.ID, rec.Version).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errRetry
		}

		dedResult, err := s.walletsvc.Deduct(ctx, tx, req.UserID, deduction)
		if err != nil {
			return err
		}
		if sf := dedResult.Shortfall; sf.TokenCredits > 0 || sf.ImageCredits > 0 || sf.VideoCredits > 0 {
			s.log.Warn("credit clamp discarded over-quota usage",
				zap.String("user_id", req.UserID.String()),
				zap.String("action_type", req.ActionType),
				zap.Int64("token_shortfall", sf.TokenCredits),
				zap.Int64("image_shortfall", sf.ImageCredits),
				zap.Int64("video_shortfall", sf.VideoCredits),
			)
		}

		event := &ledgerdomain.UsageEvent{
			ID:       s.genID.Generate(),
			UserID:   req.UserID,
			RecordID: rec.ID,

			ActionType: req.ActionType,

			TokenInput:  req.Amounts.TokenInput,
			TokenOutput: req.Amounts.TokenOutput,
			Images:      req.Amounts.Images,
			Videos:      req.Amounts.Videos,
			Documents:   req.Amounts.Documents,

			CreditTokens: deduction.TokenCredits - dedResult.Shortfall.TokenCredits,
			CreditImages: deduction.ImageCredits - dedResult.Shortfall.ImageCredits,
			CreditVideos: deduction.VideoCredits - dedResult.Shortfall.VideoCredits,

			RequestID: req.RequestID,
			CreatedAt: now,
		}
		if err := s.eventRepo.WithTrx(tx).Create(ctx, event); err != nil {
			return err
		}

		out = &ledgerdomain.RecordResult{
			RecordID:     rec.ID,
			CreditTokens: event.CreditTokens,
			CreditImages: event.CreditImages,
			CreditVideos: event.CreditVideos,
		}

		if s.metrics != nil {
			if event.CreditTokens > 0 {
				s.metrics.RecordCreditsDeducted(ctx, "token", event.CreditTokens)
			}
			if event.CreditImages > 0 {
				s.metrics.RecordCreditsDeducted(ctx, "image", event.CreditImages)
			}
			if event.CreditVideos > 0 {
				s.metrics.RecordCreditsDeducted(ctx, "video", event.CreditVideos)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Release(ctx context.Context, userID snowflake.ID, amounts ledgerdomain.Amounts) error {
	if userID == 0 {
		return ledgerdomain.ErrInvalidUser
	}
	if amounts.Negative() {
		return ledgerdomain.ErrInvalidAmounts
	}
	if amounts.IsZero() {
		return nil
	}

	now := s.clock.Now()
	periodStart := ledgerdomain.PeriodStartFor(now)
	return s.db.WithContext(ctx).Exec(
		`UPDATE usage_records
		 SET reserved_token_input = CASE WHEN reserved_token_input >= ? THEN reserved_token_input - ? ELSE 0 END,
		     reserved_token_output = CASE WHEN reserved_token_output >= ? THEN reserved_token_output - ? ELSE 0 END,
		     reserved_images = CASE WHEN reserved_images >= ? THEN reserved_images - ? ELSE 0 END,
		     reserved_videos = CASE WHEN reserved_videos >= ? THEN reserved_videos - ? ELSE 0 END,
		     reserved_documents = CASE WHEN reserved_documents >= ? THEN reserved_documents - ? ELSE 0 END,
		     version = version + 1,
		     updated_at = ?
		 WHERE user_id = ? AND period_start = ?`,
		amounts.TokenInput, amounts.TokenInput,
		amounts.TokenOutput, amounts.TokenOutput,
		amounts.Images, amounts.Images,
		amounts.Videos, amounts.Videos,
		amounts.Documents, amounts.Documents,
		now, userID, periodStart,
	).Error
}

func (s *Service) Events(ctx context.Context, userID snowflake.ID, since time.Time, limit int) ([]*ledgerdomain.UsageEvent, error) {
	if userID == 0 {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = 50
	}

	return s.eventRepo.Find(ctx, &ledgerdomain.UsageEvent{UserID: userID},
		option.WithWhere("created_at >= ?", since),
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Desc: true, Allow: map[string]bool{"created_at": true}}),
		option.WithLimit(limit),
	)
}

func (s *Service) findCurrent(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) (*ledgerdomain.UsageRecord, error) {
	return s.recordRepo.WithTrx(tx).FindOne(ctx, &ledgerdomain.UsageRecord{
		UserID:      userID,
		PeriodStart: ledgerdomain.PeriodStartFor(now),
	})
}

func (s *Service) newRecord(userID snowflake.ID, snap ledgerdomain.QuotaSnapshot, now time.Time) *ledgerdomain.UsageRecord {
	periodStart := ledgerdomain.PeriodStartFor(now)
	return &ledgerdomain.UsageRecord{
		ID:          s.genID.Generate(),
		UserID:      userID,
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 1, 0),

		QuotaTokenInput:  snap.TokenInputQuota,
		QuotaTokenOutput: snap.TokenOutputQuota,
		QuotaImages:      snap.ImageQuota,
		QuotaVideos:      snap.VideoQuota,
		QuotaDocuments:   snap.DocumentQuota,

		TrialDailyTokenInput:  snap.TrialDailyTokenInput,
		TrialDailyTokenOutput: snap.TrialDailyTokenOutput,
		TrialDailyImages:      snap.TrialDailyImages,
		TrialDailyVideos:      snap.TrialDailyVideos,

		CreatedAt: now,
		UpdatedAt: now,
	}
}

func overflowDelta(used, delta, quota int64) int64 {
	return max64(0, used+delta-quota) - max64(0, used-quota)
}

func clampSub(value, sub int64) int64 {
	if value <= sub {
		return 0
	}
	return value - sub
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
