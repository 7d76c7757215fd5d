package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// ActiveForUser resolves the user's active subscription. A trial that
	// has run past trial_ends_at is transitioned to expired before the
	// lookup result is returned.
	ActiveForUser(ctx context.Context, userID snowflake.ID) (*Subscription, error)

	Start(ctx context.Context, req StartRequest) (*Subscription, error)
	Cancel(ctx context.Context, subscriptionID snowflake.ID) error

	// ExpireDueTrials transitions every active trial whose end has passed.
	// Returns the number of subscriptions expired.
	ExpireDueTrials(ctx context.Context, now time.Time) (int64, error)
}

type StartRequest struct {
	UserID  snowflake.ID
	TierID  snowflake.ID
	IsTrial bool
	// TrialDays overrides the tier's trial length when > 0.
	TrialDays int
}

var (
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrTrialExpired         = errors.New("trial period has expired")
	ErrAlreadySubscribed    = errors.New("user already has an active subscription")
	ErrNotFound             = errors.New("subscription_not_found")
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidTier          = errors.New("invalid_tier")
)
