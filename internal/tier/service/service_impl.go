package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	"github.com/aperturehq/aperture/pkg/db"
	"github.com/aperturehq/aperture/pkg/repository"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[tierdomain.Tier]
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) tierdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tier.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  repository.ProvideStore[tierdomain.Tier](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req tierdomain.CreateRequest) (*tierdomain.Response, error) {
	code := slug.Make(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, tierdomain.ErrInvalidCode
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, tierdomain.ErrInvalidName
	}

	now := s.clock.Now()
	tier := &tierdomain.Tier{
		ID:   s.genID.Generate(),
		Code: code,
		Name: strings.TrimSpace(req.Name),

		TokenInputQuota:  req.TokenInputQuota,
		TokenOutputQuota: req.TokenOutputQuota,
		ImageQuota:       req.ImageQuota,
		VideoQuota:       req.VideoQuota,
		DocumentQuota:    req.DocumentQuota,

		TrialDailyTokenInput:  req.TrialDailyTokenInput,
		TrialDailyTokenOutput: req.TrialDailyTokenOutput,
		TrialDailyImages:      req.TrialDailyImages,
		TrialDailyVideos:      req.TrialDailyVideos,

		TrialDays: req.TrialDays,
		IsDefault: req.IsDefault,
		Metadata:  datatypes.JSONMap(req.Metadata),

		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, tier); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, tierdomain.ErrDuplicate
		}
		return nil, err
	}

	return toResponse(tier), nil
}

func (s *Service) Get(ctx context.Context, id string) (*tierdomain.Response, error) {
	tierID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, tierdomain.ErrInvalidID
	}

	tier, err := s.repo.FindOne(ctx, &tierdomain.Tier{ID: tierID})
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, tierdomain.ErrNotFound
	}

	return toResponse(tier), nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*tierdomain.Response, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, tierdomain.ErrInvalidCode
	}

	tier, err := s.repo.FindOne(ctx, &tierdomain.Tier{Code: code})
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, tierdomain.ErrNotFound
	}

	return toResponse(tier), nil
}

func (s *Service) List(ctx context.Context) ([]tierdomain.Response, error) {
	tiers, err := s.repo.Find(ctx, &tierdomain.Tier{})
	if err != nil {
		return nil, err
	}

	out := make([]tierdomain.Response, 0, len(tiers))
	for _, tier := range tiers {
		out = append(out, *toResponse(tier))
	}
	return out, nil
}

func (s *Service) Default(ctx context.Context) (*tierdomain.Response, error) {
	tier, err := s.repo.FindOne(ctx, &tierdomain.Tier{IsDefault: true})
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, tierdomain.ErrNotFound
	}
	return toResponse(tier), nil
}

func toResponse(tier *tierdomain.Tier) *tierdomain.Response {
	return &tierdomain.Response{
		ID:   tier.ID.String(),
		Code: tier.Code,
		Name: tier.Name,

		TokenInputQuota:  tier.TokenInputQuota,
		TokenOutputQuota: tier.TokenOutputQuota,
		ImageQuota:       tier.ImageQuota,
		VideoQuota:       tier.VideoQuota,
		DocumentQuota:    tier.DocumentQuota,

		TrialDailyTokenInput:  tier.TrialDailyTokenInput,
		TrialDailyTokenOutput: tier.TrialDailyTokenOutput,
		TrialDailyImages:      tier.TrialDailyImages,
		TrialDailyVideos:      tier.TrialDailyVideos,

		TrialDays: tier.TrialDays,
		IsDefault: tier.IsDefault,
		CreatedAt: tier.CreatedAt,
		UpdatedAt: tier.UpdatedAt,
	}
}
