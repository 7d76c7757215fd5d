package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Score maps a priority to its fixed ordering weight. Unknown values get
// the normal weight.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 80
	case PriorityLow:
		return 20
	default:
		return 50
	}
}

func NormalizePriority(raw string) Priority {
	switch Priority(raw) {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(raw)
	default:
		return PriorityNormal
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// QueueItem is one admitted asynchronous request. The idempotency key is
// unique per user among non-expired items; sweeping clears the key so the
// plain unique index only ever sees live keys.
type QueueItem struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	UserID      snowflake.ID `gorm:"column:user_id;not null;index;uniqueIndex:ux_queue_items_user_idem,priority:1"`
	WorkspaceID snowflake.ID `gorm:"column:workspace_id;not null;index"`

	RequestType string            `gorm:"type:text;not null"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`

	Priority      Priority `gorm:"type:text;not null;default:'normal'"`
	PriorityScore int      `gorm:"not null;default:50;index:idx_queue_items_claim,priority:2"`
	Status        Status   `gorm:"type:text;not null;default:'pending';index:idx_queue_items_claim,priority:1"`

	IdempotencyKey *string `gorm:"type:text;uniqueIndex:ux_queue_items_user_idem,priority:2"`

	RetryCount int    `gorm:"not null;default:0"`
	MaxRetries int    `gorm:"not null;default:3"`
	WorkerID   string `gorm:"type:text"`

	ReservedTokenInput  int64 `gorm:"not null;default:0"`
	ReservedTokenOutput int64 `gorm:"not null;default:0"`
	ReservedImages      int64 `gorm:"not null;default:0"`
	ReservedVideos      int64 `gorm:"not null;default:0"`
	ReservedDocuments   int64 `gorm:"not null;default:0"`

	Result        datatypes.JSONMap `gorm:"type:jsonb"`
	FailureReason string            `gorm:"type:text"`
	CallbackURL   string            `gorm:"type:text"`

	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index:idx_queue_items_claim,priority:3"`
	UpdatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	ExpiresAt  time.Time `gorm:"not null;index"`
}

func (QueueItem) TableName() string { return "queue_items" }

// ReservedAmounts returns the ledger reservation held by this item.
func (i QueueItem) ReservedAmounts() ledgerdomain.Amounts {
	return ledgerdomain.Amounts{
		TokenInput:  i.ReservedTokenInput,
		TokenOutput: i.ReservedTokenOutput,
		Images:      i.ReservedImages,
		Videos:      i.ReservedVideos,
		Documents:   i.ReservedDocuments,
	}
}
