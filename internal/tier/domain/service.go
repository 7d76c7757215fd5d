package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Response, error)
	Get(ctx context.Context, id string) (*Response, error)
	GetByCode(ctx context.Context, code string) (*Response, error)
	List(ctx context.Context) ([]Response, error)
	Default(ctx context.Context) (*Response, error)
}

type CreateRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`

	TokenInputQuota  int64 `json:"token_input_quota"`
	TokenOutputQuota int64 `json:"token_output_quota"`
	ImageQuota       int64 `json:"image_quota"`
	VideoQuota       int64 `json:"video_quota"`
	DocumentQuota    int64 `json:"document_quota"`

	TrialDailyTokenInput  int64 `json:"trial_daily_token_input"`
	TrialDailyTokenOutput int64 `json:"trial_daily_token_output"`
	TrialDailyImages      int64 `json:"trial_daily_images"`
	TrialDailyVideos      int64 `json:"trial_daily_videos"`

	TrialDays int            `json:"trial_days"`
	IsDefault bool           `json:"is_default"`
	Metadata  map[string]any `json:"metadata"`
}

type Response struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`

	TokenInputQuota  int64 `json:"token_input_quota"`
	TokenOutputQuota int64 `json:"token_output_quota"`
	ImageQuota       int64 `json:"image_quota"`
	VideoQuota       int64 `json:"video_quota"`
	DocumentQuota    int64 `json:"document_quota"`

	TrialDailyTokenInput  int64 `json:"trial_daily_token_input"`
	TrialDailyTokenOutput int64 `json:"trial_daily_token_output"`
	TrialDailyImages      int64 `json:"trial_daily_images"`
	TrialDailyVideos      int64 `json:"trial_daily_videos"`

	TrialDays int       `json:"trial_days"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrInvalidCode = errors.New("invalid_code")
	ErrInvalidName = errors.New("invalid_name")
	ErrInvalidID   = errors.New("invalid_id")
	ErrDuplicate   = errors.New("tier_already_exists")
	ErrNotFound    = errors.New("tier_not_found")
)
