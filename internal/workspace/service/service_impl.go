package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aperturehq/aperture/internal/clock"
	workspacedomain "github.com/aperturehq/aperture/internal/workspace/domain"
	"github.com/aperturehq/aperture/pkg/db"
	"github.com/aperturehq/aperture/pkg/repository"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock

	workspaceRepo repository.Repository[workspacedomain.Workspace]
	userRepo      repository.Repository[workspacedomain.User]
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

func NewService(p ServiceParam) workspacedomain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("workspace.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		workspaceRepo: repository.ProvideStore[workspacedomain.Workspace](p.DB),
		userRepo:      repository.ProvideStore[workspacedomain.User](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, workspaceID snowflake.ID) (*workspacedomain.Workspace, error) {
	if workspaceID == 0 {
		return nil, workspacedomain.ErrInvalidWorkspace
	}

	ws, err := s.workspaceRepo.FindOne(ctx, &workspacedomain.Workspace{ID: workspaceID})
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, workspacedomain.ErrNotFound
	}
	return ws, nil
}

func (s *Service) GetUser(ctx context.Context, userID snowflake.ID) (*workspacedomain.User, error) {
	if userID == 0 {
		return nil, workspacedomain.ErrInvalidUser
	}

	user, err := s.userRepo.FindOne(ctx, &workspacedomain.User{ID: userID})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, workspacedomain.ErrUserNotFound
	}
	return user, nil
}

func (s *Service) CheckAccess(ctx context.Context, workspaceID, userID snowflake.ID) error {
	ws, err := s.Get(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.Status == workspacedomain.StatusSuspended {
		return workspacedomain.ErrSuspended
	}
	if ws.OwnerID == userID {
		return nil
	}

	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.WorkspaceID != workspaceID {
		return workspacedomain.ErrNotMember
	}
	return nil
}

func (s *Service) Create(ctx context.Context, req workspacedomain.CreateRequest) (*workspacedomain.Workspace, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, workspacedomain.ErrInvalidName
	}

	now := s.clock.Now()
	ws := &workspacedomain.Workspace{
		ID:        s.genID.Generate(),
		Name:      name,
		Slug:      slug.Make(name),
		Status:    workspacedomain.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner := &workspacedomain.User{
			ID:          s.genID.Generate(),
			WorkspaceID: ws.ID,
			Email:       strings.TrimSpace(req.OwnerMail),
			DisplayName: strings.TrimSpace(req.OwnerName),
			Role:        "standard",
			Status:      "active",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ws.OwnerID = owner.ID

		if err := s.workspaceRepo.WithTrx(tx).Create(ctx, ws); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return workspacedomain.ErrDuplicate
			}
			return err
		}
		return s.userRepo.WithTrx(tx).Create(ctx, owner)
	})
	if err != nil {
		return nil, err
	}

	return ws, nil
}

func (s *Service) Suspend(ctx context.Context, workspaceID snowflake.ID) error {
	return s.setStatus(ctx, workspaceID, workspacedomain.StatusSuspended)
}

func (s *Service) Resume(ctx context.Context, workspaceID snowflake.ID) error {
	return s.setStatus(ctx, workspaceID, workspacedomain.StatusActive)
}

func (s *Service) setStatus(ctx context.Context, workspaceID snowflake.ID, status workspacedomain.Status) error {
	result := s.db.WithContext(ctx).
		Model(&workspacedomain.Workspace{}).
		Where("id = ?", workspaceID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return workspacedomain.ErrNotFound
	}
	return nil
}
