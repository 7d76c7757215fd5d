package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Amounts is a usage delta across every metered resource.
type Amounts struct {
	TokenInput  int64 `json:"token_input"`
	TokenOutput int64 `json:"token_output"`
	Images      int64 `json:"images"`
	Videos      int64 `json:"videos"`
	Documents   int64 `json:"documents"`
}

func (a Amounts) IsZero() bool {
	return a.TokenInput == 0 && a.TokenOutput == 0 && a.Images == 0 && a.Videos == 0 && a.Documents == 0
}

func (a Amounts) Negative() bool {
	return a.TokenInput < 0 || a.TokenOutput < 0 || a.Images < 0 || a.Videos < 0 || a.Documents < 0
}

// QuotaSnapshot is the entitlement captured on a usage record when its
// period is created. Later tier changes only affect future periods.
type QuotaSnapshot struct {
	TokenInputQuota  int64 `json:"token_input_quota"`
	TokenOutputQuota int64 `json:"token_output_quota"`
	ImageQuota       int64 `json:"image_quota"`
	VideoQuota       int64 `json:"video_quota"`
	DocumentQuota    int64 `json:"document_quota"`

	TrialDailyTokenInput  int64 `json:"trial_daily_token_input"`
	TrialDailyTokenOutput int64 `json:"trial_daily_token_output"`
	TrialDailyImages      int64 `json:"trial_daily_images"`
	TrialDailyVideos      int64 `json:"trial_daily_videos"`
}

// UsageRecord aggregates one user's consumption for one calendar month
// (UTC). Daily counters roll over lazily: they are only zeroed when a
// write touches the record on a later day, and reads treat a stale
// daily_reset_at as zero.
type UsageRecord struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      snowflake.ID `gorm:"column:user_id;not null;uniqueIndex:ux_usage_records_user_period,priority:1"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_usage_records_user_period,priority:2"`
	PeriodEnd   time.Time    `gorm:"not null"`

	QuotaTokenInput  int64 `gorm:"not null;default:0"`
	QuotaTokenOutput int64 `gorm:"not null;default:0"`
	QuotaImages      int64 `gorm:"not null;default:0"`
	QuotaVideos      int64 `gorm:"not null;default:0"`
	QuotaDocuments   int64 `gorm:"not null;default:0"`

	TrialDailyTokenInput  int64 `gorm:"not null;default:0"`
	TrialDailyTokenOutput int64 `gorm:"not null;default:0"`
	TrialDailyImages      int64 `gorm:"not null;default:0"`
	TrialDailyVideos      int64 `gorm:"not null;default:0"`

	UsedTokenInput  int64 `gorm:"not null;default:0"`
	UsedTokenOutput int64 `gorm:"not null;default:0"`
	UsedImages      int64 `gorm:"not null;default:0"`
	UsedVideos      int64 `gorm:"not null;default:0"`
	UsedDocuments   int64 `gorm:"not null;default:0"`

	ReservedTokenInput  int64 `gorm:"not null;default:0"`
	ReservedTokenOutput int64 `gorm:"not null;default:0"`
	ReservedImages      int64 `gorm:"not null;default:0"`
	ReservedVideos      int64 `gorm:"not null;default:0"`
	ReservedDocuments   int64 `gorm:"not null;default:0"`

	DailyTokenInput  int64 `gorm:"not null;default:0"`
	DailyTokenOutput int64 `gorm:"not null;default:0"`
	DailyImages      int64 `gorm:"not null;default:0"`
	DailyVideos      int64 `gorm:"not null;default:0"`

	DailyResetAt *time.Time
	LastUsageAt  *time.Time

	Version int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// Snapshot returns the entitlement captured on the record.
func (r UsageRecord) Snapshot() QuotaSnapshot {
	return QuotaSnapshot{
		TokenInputQuota:  r.QuotaTokenInput,
		TokenOutputQuota: r.QuotaTokenOutput,
		ImageQuota:       r.QuotaImages,
		VideoQuota:       r.QuotaVideos,
		DocumentQuota:    r.QuotaDocuments,

		TrialDailyTokenInput:  r.TrialDailyTokenInput,
		TrialDailyTokenOutput: r.TrialDailyTokenOutput,
		TrialDailyImages:      r.TrialDailyImages,
		TrialDailyVideos:      r.TrialDailyVideos,
	}
}

// DailyCounters is the rollover-aware daily view of a record.
type DailyCounters struct {
	TokenInput  int64 `json:"token_input"`
	TokenOutput int64 `json:"token_output"`
	Images      int64 `json:"images"`
	Videos      int64 `json:"videos"`
}

// EffectiveDaily returns today's counters: zero when daily_reset_at is
// absent or precedes the start of the current day.
func (r UsageRecord) EffectiveDaily(now time.Time) DailyCounters {
	if r.DailyResetAt == nil || r.DailyResetAt.Before(StartOfDay(now)) {
		return DailyCounters{}
	}
	return DailyCounters{
		TokenInput:  r.DailyTokenInput,
		TokenOutput: r.DailyTokenOutput,
		Images:      r.DailyImages,
		Videos:      r.DailyVideos,
	}
}

// StartOfDay truncates to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// PeriodStartFor returns the first instant of t's calendar month, UTC.
func PeriodStartFor(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// UsageEvent is the append-only audit trail of recorded usage.
type UsageEvent struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	UserID   snowflake.ID `gorm:"column:user_id;not null;index"`
	RecordID snowflake.ID `gorm:"column:record_id;not null;index"`

	ActionType string `gorm:"type:text;not null"`

	TokenInput  int64 `gorm:"not null;default:0"`
	TokenOutput int64 `gorm:"not null;default:0"`
	Images      int64 `gorm:"not null;default:0"`
	Videos      int64 `gorm:"not null;default:0"`
	Documents   int64 `gorm:"not null;default:0"`

	CreditTokens int64 `gorm:"not null;default:0"`
	CreditImages int64 `gorm:"not null;default:0"`
	CreditVideos int64 `gorm:"not null;default:0"`

	RequestID string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageEvent) TableName() string { return "usage_events" }
