package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apikeydomain "github.com/aperturehq/aperture/internal/apikey/domain"
	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/pkg/repository"
)

const (
	apiKeyPrefix              = "ap_live_key_"
	apiKeySecretBytes         = 32
	apiKeyRotationGracePeriod = 24 * time.Hour
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[apikeydomain.APIKey]
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  repository.ProvideStore[apikeydomain.APIKey](p.DB),
	}
}

func (s *Service) List(ctx context.Context, workspaceID snowflake.ID) ([]apikeydomain.Response, error) {
	if workspaceID == 0 {
		return nil, apikeydomain.ErrInvalidWorkspace
	}

	items, err := s.repo.Find(ctx, &apikeydomain.APIKey{WorkspaceID: workspaceID})
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for _, item := range items {
		resp = append(resp, toResponse(item))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	if req.WorkspaceID == 0 {
		return nil, apikeydomain.ErrInvalidWorkspace
	}
	if req.UserID == 0 {
		return nil, apikeydomain.ErrInvalidUser
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{apikeydomain.ScopeRequestsWrite}
	}

	now := s.clock.Now()
	keyID := newKeyID()
	plain, hash, err := generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:          s.genID.Generate(),
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		KeyID:       keyID,
		Name:        name,
		Scopes:      scopes,
		KeyHash:     hash,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Create(ctx, key); err != nil {
		return nil, err
	}

	return &apikeydomain.SecretResponse{KeyID: key.KeyID, APIKey: plain}, nil
}

func (s *Service) Rotate(ctx context.Context, workspaceID snowflake.ID, keyID string) (*apikeydomain.SecretResponse, error) {
	if workspaceID == 0 {
		return nil, apikeydomain.ErrInvalidWorkspace
	}
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, apikeydomain.ErrInvalidKeyID
	}

	var result *apikeydomain.SecretResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.WithTrx(tx).FindOne(ctx, &apikeydomain.APIKey{
			WorkspaceID: workspaceID,
			KeyID:       trimmed,
		})
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if current == nil || !current.IsActive || isExpired(current.ExpiresAt, now) {
			return apikeydomain.ErrNotFound
		}

		grace := now.Add(apiKeyRotationGracePeriod)
		current.ExpiresAt = &grace
		current.UpdatedAt = now
		if err := s.repo.WithTrx(tx).Update(ctx, current.ID.String(), current); err != nil {
			return err
		}

		nextKeyID := newKeyID()
		plain, hash, err := generateAPIKey(nextKeyID)
		if err != nil {
			return err
		}

		rotatedFrom := current.KeyID
		next := &apikeydomain.APIKey{
			ID:               s.genID.Generate(),
			WorkspaceID:      workspaceID,
			UserID:           current.UserID,
			KeyID:            nextKeyID,
			Name:             current.Name,
			Scopes:           current.Scopes,
			KeyHash:          hash,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
			RotatedFromKeyID: &rotatedFrom,
		}
		if err := s.repo.WithTrx(tx).Create(ctx, next); err != nil {
			return err
		}

		result = &apikeydomain.SecretResponse{KeyID: next.KeyID, APIKey: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Revoke(ctx context.Context, workspaceID snowflake.ID, keyID string) error {
	if workspaceID == 0 {
		return apikeydomain.ErrInvalidWorkspace
	}
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindOne(ctx, &apikeydomain.APIKey{
		WorkspaceID: workspaceID,
		KeyID:       trimmed,
	})
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}

	now := s.clock.Now()
	updates := map[string]any{
		"is_active":  false,
		"updated_at": now,
	}
	if key.ExpiresAt == nil || key.ExpiresAt.After(now) {
		updates["expires_at"] = now
	}
	return s.repo.Update(ctx, key.ID.String(), updates)
}

func (s *Service) Authenticate(ctx context.Context, raw string) (*apikeydomain.APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, apiKeyPrefix) {
		return nil, apikeydomain.ErrUnauthenticated
	}

	hash := apikeydomain.HashAPIKey(raw)
	key, err := s.repo.FindOne(ctx, &apikeydomain.APIKey{KeyHash: hash})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if key == nil || !key.IsActive || isExpired(key.ExpiresAt, now) {
		return nil, apikeydomain.ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, apikeydomain.ErrUnauthenticated
	}

	if err := s.db.WithContext(ctx).
		Model(&apikeydomain.APIKey{}).
		Where("id = ?", key.ID).
		Update("last_used_at", now).Error; err != nil {
		s.log.Warn("stamp api key last_used_at", zap.Error(err))
	}

	return key, nil
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:            key.KeyID,
		Name:             key.Name,
		Scopes:           key.Scopes,
		IsActive:         key.IsActive,
		CreatedAt:        key.CreatedAt,
		LastUsedAt:       key.LastUsedAt,
		ExpiresAt:        key.ExpiresAt,
		RotatedFromKeyID: key.RotatedFromKeyID,
	}
}

func generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	secretPart := hex.EncodeToString(secret)
	trimmed := strings.TrimPrefix(keyID, "key_")
	plain := fmt.Sprintf("%s%s_%s", apiKeyPrefix, trimmed, secretPart)
	return plain, apikeydomain.HashAPIKey(plain), nil
}

func newKeyID() string {
	return "key_" + ulid.Make().String()
}

func isExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && now.After(*expiresAt)
}
