package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
	"github.com/aperturehq/aperture/pkg/db"
	"github.com/aperturehq/aperture/pkg/repository"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock

	balanceRepo repository.Repository[walletdomain.CreditBalance]
	entryRepo   repository.Repository[walletdomain.WalletEntry]
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) walletdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("wallet.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		balanceRepo: repository.ProvideStore[walletdomain.CreditBalance](p.DB),
		entryRepo:   repository.ProvideStore[walletdomain.WalletEntry](p.DB),
	}
}

func (s *Service) TopUp(ctx context.Context, req walletdomain.TopUpRequest) (*walletdomain.Balances, error) {
	if req.UserID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return nil, walletdomain.ErrInvalidAmount
	}

	var tokenDelta, imageDelta, videoDelta int64
	switch req.Kind {
	case walletdomain.CreditToken:
		tokenDelta = req.Amount
	case walletdomain.CreditImage:
		imageDelta = req.Amount
	case walletdomain.CreditVideo:
		videoDelta = req.Amount
	case walletdomain.CreditUniversal:
		tokenDelta, imageDelta, videoDelta = req.Amount, req.Amount, req.Amount
	default:
		return nil, walletdomain.ErrInvalidKind
	}

	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureBalanceRow(ctx, tx, req.UserID, now); err != nil {
			return err
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_balances
			 SET token_credits = token_credits + ?,
			     image_credits = image_credits + ?,
			     video_credits = video_credits + ?,
			     updated_at = ?
			 WHERE user_id = ?`,
			tokenDelta, imageDelta, videoDelta, now, req.UserID,
		).Error; err != nil {
			return err
		}

		entry := &walletdomain.WalletEntry{
			ID:        s.genID.Generate(),
			UserID:    req.UserID,
			Kind:      req.Kind,
			Amount:    req.Amount,
			Source:    req.Source,
			CreatedAt: now,
		}
		return s.entryRepo.WithTrx(tx).Create(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	return s.Balances(ctx, req.UserID)
}

func (s *Service) Balances(ctx context.Context, userID snowflake.ID) (*walletdomain.Balances, error) {
	if userID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}

	balance, err := s.balanceRepo.FindOne(ctx, &walletdomain.CreditBalance{UserID: userID})
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return &walletdomain.Balances{}, nil
	}

	return &walletdomain.Balances{
		TokenCredits: balance.TokenCredits,
		ImageCredits: balance.ImageCredits,
		VideoCredits: balance.VideoCredits,
	}, nil
}

// Deduct clamps every pool at zero in a single statement per pool and
// reports any shortfall the clamp discarded.
func (s *Service) Deduct(ctx context.Context, tx *gorm.DB, userID snowflake.ID, ded walletdomain.Deduction) (*walletdomain.DeductionResult, error) {
	if userID == 0 {
		return nil, walletdomain.ErrInvalidUser
	}
	if ded.TokenCredits < 0 || ded.ImageCredits < 0 || ded.VideoCredits < 0 {
		return nil, walletdomain.ErrInvalidAmount
	}

	result := &walletdomain.DeductionResult{}
	if ded.TokenCredits == 0 && ded.ImageCredits == 0 && ded.VideoCredits == 0 {
		return result, nil
	}

	now := s.clock.Now()
	if err := s.ensureBalanceRow(ctx, tx, userID, now); err != nil {
		return nil, err
	}

	before, err := s.balanceRepo.WithTrx(tx).FindOne(ctx, &walletdomain.CreditBalance{UserID: userID})
	if err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET token_credits = CASE WHEN token_credits >= ? THEN token_credits - ? ELSE 0 END,
		     image_credits = CASE WHEN image_credits >= ? THEN image_credits - ? ELSE 0 END,
		     video_credits = CASE WHEN video_credits >= ? THEN video_credits - ? ELSE 0 END,
		     updated_at = ?
		 WHERE user_id = ?`,
		ded.TokenCredits, ded.TokenCredits,
		ded.ImageCredits, ded.ImageCredits,
		ded.VideoCredits, ded.VideoCredits,
		now, userID,
	).Error; err != nil {
		return nil, err
	}

	result.Shortfall = walletdomain.Deduction{
		TokenCredits: shortfall(before.TokenCredits, ded.TokenCredits),
		ImageCredits: shortfall(before.ImageCredits, ded.ImageCredits),
		VideoCredits: shortfall(before.VideoCredits, ded.VideoCredits),
	}
	return result, nil
}

func (s *Service) ensureBalanceRow(ctx context.Context, tx *gorm.DB, userID snowflake.ID, now time.Time) error {
	balance := &walletdomain.CreditBalance{
		ID:        s.genID.Generate(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.balanceRepo.WithTrx(tx).Create(ctx, balance)
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return err
	}
	return nil
}

func shortfall(available, wanted int64) int64 {
	if wanted <= available {
		return 0
	}
	return wanted - available
}
