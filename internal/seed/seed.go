package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"gorm.io/gorm"

	apikeydomain "github.com/aperturehq/aperture/internal/apikey/domain"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	workspacedomain "github.com/aperturehq/aperture/internal/workspace/domain"
)

const (
	demoWorkspaceName = "Demo"
	demoWorkspaceSlug = "demo"
	demoOwnerEmail    = "owner@demo.aperture.dev"
	demoOwnerDisplay  = "Demo Owner"
)

// EnsureDefaultTiers seeds the tier catalog on first boot. Existing rows
// are left untouched; quotas are tuned per deployment through the admin
// surface, not reseeding.
func EnsureDefaultTiers(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	tiers := []tierdomain.Tier{
		{
			Code:                  "trial",
			Name:                  "Trial",
			TokenInputQuota:       200_000,
			TokenOutputQuota:      100_000,
			ImageQuota:            20,
			VideoQuota:            2,
			DocumentQuota:         20,
			TrialDailyTokenInput:  10_000,
			TrialDailyTokenOutput: 5_000,
			TrialDailyImages:      3,
			TrialDailyVideos:      1,
			TrialDays:             14,
			IsDefault:             true,
		},
		{
			Code:             "starter",
			Name:             "Starter",
			TokenInputQuota:  2_000_000,
			TokenOutputQuota: 1_000_000,
			ImageQuota:       100,
			VideoQuota:       10,
			DocumentQuota:    200,
		},
		{
			Code:             "pro",
			Name:             "Pro",
			TokenInputQuota:  20_000_000,
			TokenOutputQuota: 10_000_000,
			ImageQuota:       1_000,
			VideoQuota:       100,
			DocumentQuota:    2_000,
		},
	}

	ctx := context.Background()
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tier := range tiers {
			var existing tierdomain.Tier
			err := tx.Where("code = ?", tier.Code).First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			tier.ID = node.Generate()
			tier.CreatedAt = now
			tier.UpdatedAt = now
			if err := tx.Create(&tier).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureDemoWorkspace seeds a workspace with an owner on the default
// tier for local development. When bootstrapKey is set, an API key with
// that exact value is registered so smoke tests can authenticate without
// a create-key round trip.
func EnsureDemoWorkspace(db *gorm.DB, bootstrapKey string) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		workspace, err := ensureDemoWorkspaceTx(tx, node, now)
		if err != nil {
			return err
		}

		owner, err := ensureDemoOwnerTx(tx, node, workspace, now)
		if err != nil {
			return err
		}

		if err := ensureDemoSubscriptionTx(tx, node, owner.ID, now); err != nil {
			return err
		}

		if strings.TrimSpace(bootstrapKey) != "" {
			return ensureBootstrapKeyTx(tx, node, workspace.ID, owner.ID, bootstrapKey, now)
		}
		return nil
	})
}

func ensureDemoWorkspaceTx(tx *gorm.DB, node *snowflake.Node, now time.Time) (*workspacedomain.Workspace, error) {
	var workspace workspacedomain.Workspace
	err := tx.Where("slug = ?", demoWorkspaceSlug).First(&workspace).Error
	if err == nil {
		return &workspace, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ownerID := node.Generate()
	workspace = workspacedomain.Workspace{
		ID:        node.Generate(),
		Name:      demoWorkspaceName,
		Slug:      demoWorkspaceSlug,
		Status:    workspacedomain.StatusActive,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&workspace).Error; err != nil {
		return nil, err
	}
	return &workspace, nil
}

func ensureDemoOwnerTx(tx *gorm.DB, node *snowflake.Node, workspace *workspacedomain.Workspace, now time.Time) (*workspacedomain.User, error) {
	var owner workspacedomain.User
	err := tx.Where("email = ?", demoOwnerEmail).First(&owner).Error
	if err == nil {
		return &owner, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	owner = workspacedomain.User{
		ID:          workspace.OwnerID,
		WorkspaceID: workspace.ID,
		Email:       demoOwnerEmail,
		DisplayName: demoOwnerDisplay,
		Role:        "standard",
		Status:      "active",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if owner.ID == 0 {
		owner.ID = node.Generate()
	}
	if err := tx.Create(&owner).Error; err != nil {
		return nil, err
	}
	return &owner, nil
}

func ensureDemoSubscriptionTx(tx *gorm.DB, node *snowflake.Node, userID snowflake.ID, now time.Time) error {
	var count int64
	if err := tx.Model(&subscriptiondomain.Subscription{}).
		Where("user_id = ? AND status = ?", userID, subscriptiondomain.StatusActive).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	var tier tierdomain.Tier
	if err := tx.Where("is_default = ?", true).First(&tier).Error; err != nil {
		return err
	}

	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	trialEnds := now.AddDate(0, 0, tier.TrialDays)

	sub := subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		UserID:             userID,
		TierID:             tier.ID,
		Status:             subscriptiondomain.StatusActive,
		IsTrial:            tier.TrialDays > 0,
		StartedAt:          now,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if sub.IsTrial {
		sub.TrialEndsAt = &trialEnds
	}
	return tx.Create(&sub).Error
}

func ensureBootstrapKeyTx(tx *gorm.DB, node *snowflake.Node, workspaceID, userID snowflake.ID, plain string, now time.Time) error {
	hash := apikeydomain.HashAPIKey(plain)

	var existing apikeydomain.APIKey
	err := tx.Where("key_hash = ?", hash).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	key := apikeydomain.APIKey{
		ID:          node.Generate(),
		WorkspaceID: workspaceID,
		UserID:      userID,
		KeyID:       "key_bootstrap",
		Name:        "bootstrap",
		Scopes:      pq.StringArray{"*"},
		KeyHash:     hash,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return tx.Create(&key).Error
}
