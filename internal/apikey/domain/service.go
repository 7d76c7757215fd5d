package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ScopeRequestsWrite = "requests:write"
	ScopeUsageWrite    = "usage:write"
	ScopeQueueWork     = "queue:work"
	ScopeAdmin         = "admin"
)

type Service interface {
	List(ctx context.Context, workspaceID snowflake.ID) ([]Response, error)
	Create(ctx context.Context, req CreateRequest) (*SecretResponse, error)
	Rotate(ctx context.Context, workspaceID snowflake.ID, keyID string) (*SecretResponse, error)
	Revoke(ctx context.Context, workspaceID snowflake.ID, keyID string) error

	// Authenticate resolves a raw presented key to its active record and
	// stamps last_used_at. Constant-time on the hash comparison.
	Authenticate(ctx context.Context, raw string) (*APIKey, error)
}

type CreateRequest struct {
	WorkspaceID snowflake.ID `json:"-"`
	UserID      snowflake.ID `json:"-"`
	Name        string       `json:"name"`
	Scopes      []string     `json:"scopes"`
}

type Response struct {
	KeyID            string     `json:"key_id"`
	Name             string     `json:"name"`
	Scopes           []string   `json:"scopes"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at"`
	ExpiresAt        *time.Time `json:"expires_at"`
	RotatedFromKeyID *string    `json:"rotated_from_key_id"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrInvalidWorkspace = errors.New("invalid_workspace")
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidName      = errors.New("invalid_name")
	ErrInvalidKeyID     = errors.New("invalid_key_id")
	ErrNotFound         = errors.New("not_found")
	ErrUnauthenticated  = errors.New("invalid api key")
)
