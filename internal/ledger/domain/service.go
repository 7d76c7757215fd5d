package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Usage is the rollover-aware view the evaluator and the summary endpoint
// read. Record is the zero value when the user has not consumed anything
// this period.
type Usage struct {
	Record UsageRecord
	Exists bool
	Daily  DailyCounters
}

type RecordRequest struct {
	UserID     snowflake.ID
	ActionType string
	Amounts    Amounts
	// Snapshot seeds the period record when this is the first write of
	// the month. Zero quotas are valid (everything becomes overflow).
	Snapshot QuotaSnapshot
	// Settle releases a matching reservation in the same update.
	Settle    bool
	RequestID string
}

type RecordResult struct {
	RecordID snowflake.ID
	// CreditsDeducted is what the over-quota portion cost, per pool.
	CreditTokens int64
	CreditImages int64
	CreditVideos int64
}

type Service interface {
	// CurrentUsage reads the current period's record without writing.
	CurrentUsage(ctx context.Context, userID snowflake.ID) (*Usage, error)

	// EnsureRecord returns the current period's record, creating it with
	// the given snapshot on first use.
	EnsureRecord(ctx context.Context, userID snowflake.ID, snap QuotaSnapshot) (*UsageRecord, error)

	// CompareAndReserve adds amounts to the reserved counters only if the
	// record version is unchanged. Returns false when the caller lost the
	// race and must re-evaluate.
	CompareAndReserve(ctx context.Context, recordID snowflake.ID, version int64, amounts Amounts) (bool, error)

	// Record settles consumption: monthly and daily counters move, the
	// over-quota portion is charged to credit pools (clamped at zero),
	// and an audit event is appended.
	Record(ctx context.Context, req RecordRequest) (*RecordResult, error)

	// Release gives a reservation back, clamped at zero.
	Release(ctx context.Context, userID snowflake.ID, amounts Amounts) error

	Events(ctx context.Context, userID snowflake.ID, since time.Time, limit int) ([]*UsageEvent, error)
}

var (
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidAmounts  = errors.New("invalid_amounts")
	ErrRecordNotFound  = errors.New("usage_record_not_found")
	ErrConcurrencyBusy = errors.New("usage record contention")
)
