package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Get(ctx context.Context, workspaceID snowflake.ID) (*Workspace, error)
	GetUser(ctx context.Context, userID snowflake.ID) (*User, error)

	// CheckAccess enforces the enqueue preconditions: the workspace must
	// exist, must not be suspended, and the user must be its owner or a
	// member. Returns nil when all hold.
	CheckAccess(ctx context.Context, workspaceID, userID snowflake.ID) error

	Create(ctx context.Context, req CreateRequest) (*Workspace, error)
	Suspend(ctx context.Context, workspaceID snowflake.ID) error
	Resume(ctx context.Context, workspaceID snowflake.ID) error
}

type CreateRequest struct {
	Name      string
	OwnerName string
	OwnerMail string
}

var (
	ErrInvalidWorkspace = errors.New("invalid_workspace")
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidName      = errors.New("invalid_name")
	ErrNotFound         = errors.New("workspace_not_found")
	ErrUserNotFound     = errors.New("user_not_found")
	ErrSuspended        = errors.New("workspace is suspended")
	ErrNotMember        = errors.New("user does not belong to workspace")
	ErrDuplicate        = errors.New("workspace_already_exists")
)
