package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Balances struct {
	TokenCredits int64 `json:"token_credits"`
	ImageCredits int64 `json:"image_credits"`
	VideoCredits int64 `json:"video_credits"`
}

// Deduction is the amount to remove from each pool. Pools clamp at zero;
// Shortfall on the result reports what the clamp discarded.
type Deduction struct {
	TokenCredits int64
	ImageCredits int64
	VideoCredits int64
}

type DeductionResult struct {
	Shortfall Deduction
}

type Service interface {
	TopUp(ctx context.Context, req TopUpRequest) (*Balances, error)
	Balances(ctx context.Context, userID snowflake.ID) (*Balances, error)

	// Deduct applies a clamped-at-zero deduction inside the caller's
	// transaction. Used by the usage ledger when consumption runs past
	// quota.
	Deduct(ctx context.Context, tx *gorm.DB, userID snowflake.ID, ded Deduction) (*DeductionResult, error)
}

type TopUpRequest struct {
	UserID snowflake.ID
	Kind   CreditKind
	Amount int64
	Source string
}

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidKind   = errors.New("invalid_credit_kind")
	ErrInvalidAmount = errors.New("invalid_credit_amount")
)
