package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

type Workspace struct {
	ID   snowflake.ID `gorm:"primaryKey"`
	Name string       `gorm:"type:text;not null"`
	Slug string       `gorm:"type:text;not null;uniqueIndex"`

	Status  Status       `gorm:"type:text;not null;default:'active'"`
	OwnerID snowflake.ID `gorm:"column:owner_id;not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Workspace) TableName() string { return "workspaces" }

// User is a member of a workspace. Role is the platform role casbin
// enforces; support and admin principals are quota-exempt.
type User struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	WorkspaceID snowflake.ID `gorm:"column:workspace_id;not null;index"`

	Email       string `gorm:"type:text;not null;uniqueIndex"`
	DisplayName string `gorm:"type:text"`
	Role        string `gorm:"type:text;not null;default:'standard'"`
	Status      string `gorm:"type:text;not null;default:'active'"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (User) TableName() string { return "users" }
