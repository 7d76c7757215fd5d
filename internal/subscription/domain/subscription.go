package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Subscription ties a user to a tier. At most one active subscription per
// user at a time.
type Subscription struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"column:user_id;not null;index:idx_subscriptions_user"`
	TierID snowflake.ID `gorm:"column:tier_id;not null"`

	Status  Status `gorm:"type:text;not null;default:'active'"`
	IsTrial bool   `gorm:"not null;default:false"`

	TrialEndsAt        *time.Time
	StartedAt          time.Time `gorm:"not null"`
	CurrentPeriodStart time.Time `gorm:"not null"`
	CurrentPeriodEnd   time.Time `gorm:"not null"`
	CancelledAt        *time.Time

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

// TrialExpired reports whether a trial subscription has run past its end.
func (s Subscription) TrialExpired(now time.Time) bool {
	return s.IsTrial && s.TrialEndsAt != nil && now.After(*s.TrialEndsAt)
}
