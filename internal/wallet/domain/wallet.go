package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditKind identifies a purchased credit pool.
type CreditKind string

const (
	CreditToken CreditKind = "token"
	CreditImage CreditKind = "image"
	CreditVideo CreditKind = "video"
	// CreditUniversal fans a top-up out to all three pools.
	CreditUniversal CreditKind = "universal"
)

// CreditBalance holds a user's purchased credit pools. Balances never go
// negative: consumption clamps at zero.
type CreditBalance struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"column:user_id;not null;uniqueIndex"`

	TokenCredits int64 `gorm:"not null;default:0"`
	ImageCredits int64 `gorm:"not null;default:0"`
	VideoCredits int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// WalletEntry is an append-only audit row for every balance change.
type WalletEntry struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	UserID snowflake.ID `gorm:"column:user_id;not null;index"`

	Kind   CreditKind `gorm:"type:text;not null"`
	Amount int64      `gorm:"not null"`
	Source string     `gorm:"type:text;not null"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (WalletEntry) TableName() string { return "wallet_entries" }
