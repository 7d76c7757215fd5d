package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/aperturehq/aperture/internal/identity"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
)

// ActionType selects the admission rule set for a request.
type ActionType string

const (
	ActionTextGeneration  ActionType = "text_generation"
	ActionImageGeneration ActionType = "image_generation"
	ActionVideoGeneration ActionType = "video_generation"
	ActionDocumentParsing ActionType = "document_parsing"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionTextGeneration, ActionImageGeneration, ActionVideoGeneration, ActionDocumentParsing:
		return true
	default:
		return false
	}
}

type CheckRequest struct {
	UserID snowflake.ID
	Action ActionType

	// TokensIn/TokensOut apply to text generation.
	TokensIn  int64
	TokensOut int64
	// Units applies to image, video and document actions; defaults to 1.
	Units int64
}

// Amounts maps the request onto ledger deltas.
func (r CheckRequest) Amounts() ledgerdomain.Amounts {
	units := r.Units
	if units <= 0 {
		units = 1
	}
	switch r.Action {
	case ActionTextGeneration:
		return ledgerdomain.Amounts{TokenInput: r.TokensIn, TokenOutput: r.TokensOut}
	case ActionImageGeneration:
		return ledgerdomain.Amounts{Images: units}
	case ActionVideoGeneration:
		return ledgerdomain.Amounts{Videos: units}
	case ActionDocumentParsing:
		return ledgerdomain.Amounts{Documents: units}
	default:
		return ledgerdomain.Amounts{}
	}
}

// UsageSummary is the snapshot returned with every decision and by the
// usage summary endpoint.
type UsageSummary struct {
	PeriodStart string `json:"period_start,omitempty"`

	TokenInputUsed  int64 `json:"token_input_used"`
	TokenOutputUsed int64 `json:"token_output_used"`
	ImagesUsed      int64 `json:"images_used"`
	VideosUsed      int64 `json:"videos_used"`
	DocumentsUsed   int64 `json:"documents_used"`

	TokenInputQuota  int64 `json:"token_input_quota"`
	TokenOutputQuota int64 `json:"token_output_quota"`
	ImageQuota       int64 `json:"image_quota"`
	VideoQuota       int64 `json:"video_quota"`
	DocumentQuota    int64 `json:"document_quota"`

	DailyTokenInput  int64 `json:"daily_token_input"`
	DailyTokenOutput int64 `json:"daily_token_output"`
	DailyImages      int64 `json:"daily_images"`
	DailyVideos      int64 `json:"daily_videos"`

	TokenCredits int64 `json:"token_credits"`
	ImageCredits int64 `json:"image_credits"`
	VideoCredits int64 `json:"video_credits"`

	IsTrial     bool       `json:"is_trial"`
	TrialEndsAt *time.Time `json:"trial_ends_at,omitempty"`
	Tier        string     `json:"tier,omitempty"`
}

// Decision is the evaluator's verdict. A business denial is a valid
// decision, never an error; errors are reserved for infrastructure
// failures.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Unlimited   bool          `json:"unlimited,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	UpgradeHint string        `json:"upgrade_hint,omitempty"`
	Usage       *UsageSummary `json:"usage,omitempty"`
}

// Reservation is what a successful Reserve holds against the ledger.
// Reserved is false for elevated callers, which reserve nothing.
type Reservation struct {
	Reserved bool
	RecordID snowflake.ID
	Amounts  ledgerdomain.Amounts
}

type Service interface {
	// Evaluate is read-only: it applies the rule table without touching
	// any counter.
	Evaluate(ctx context.Context, authz identity.AuthorizationContext, req CheckRequest) (*Decision, error)

	// Reserve applies the same rules but couples the check to an atomic
	// reserved-counter increment, so two concurrent admissions cannot
	// both pass on the same remaining quota.
	Reserve(ctx context.Context, authz identity.AuthorizationContext, req CheckRequest) (*Decision, *Reservation, error)
}

// Deny reasons surfaced to clients.
const (
	ReasonNoSubscription = "no active subscription"
	ReasonTrialExpired   = "trial period has expired"

	ReasonDailyInputExceeded  = "Daily input token limit exceeded"
	ReasonDailyOutputExceeded = "Daily output token limit exceeded"
	ReasonDailyImagesExceeded = "Daily image limit exceeded"
	ReasonDailyVideosExceeded = "Daily video limit exceeded"

	ReasonTokenQuotaExceeded    = "Monthly token quota exceeded and insufficient token credits"
	ReasonImageQuotaExceeded    = "Monthly image quota exceeded and insufficient image credits"
	ReasonVideoQuotaExceeded    = "Monthly video quota exceeded and insufficient video credits"
	ReasonDocumentQuotaExceeded = "Monthly document quota exceeded"
)

var (
	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAction = errors.New("invalid_action_type")
)
