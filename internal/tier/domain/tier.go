package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier is immutable reference data describing what a subscription level is
// entitled to each calendar month, and how trials of it are paced per day.
type Tier struct {
	ID   snowflake.ID `gorm:"primaryKey"`
	Code string       `gorm:"type:text;not null;uniqueIndex"`
	Name string       `gorm:"type:text;not null"`

	TokenInputQuota  int64 `gorm:"not null;default:0"`
	TokenOutputQuota int64 `gorm:"not null;default:0"`
	ImageQuota       int64 `gorm:"not null;default:0"`
	VideoQuota       int64 `gorm:"not null;default:0"`
	DocumentQuota    int64 `gorm:"not null;default:0"`

	TrialDailyTokenInput  int64 `gorm:"not null;default:0"`
	TrialDailyTokenOutput int64 `gorm:"not null;default:0"`
	TrialDailyImages      int64 `gorm:"not null;default:0"`
	TrialDailyVideos      int64 `gorm:"not null;default:0"`

	TrialDays int  `gorm:"not null;default:0"`
	IsDefault bool `gorm:"not null;default:false"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Tier) TableName() string { return "tiers" }
