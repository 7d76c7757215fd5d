package migration

import (
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"

	apikeydomain "github.com/aperturehq/aperture/internal/apikey/domain"
	ledgerdomain "github.com/aperturehq/aperture/internal/ledger/domain"
	queuedomain "github.com/aperturehq/aperture/internal/queue/domain"
	subscriptiondomain "github.com/aperturehq/aperture/internal/subscription/domain"
	tierdomain "github.com/aperturehq/aperture/internal/tier/domain"
	walletdomain "github.com/aperturehq/aperture/internal/wallet/domain"
	workspacedomain "github.com/aperturehq/aperture/internal/workspace/domain"
)

// AutoMigrate builds the schema from the models for dialects the SQL
// migrations do not cover, mainly sqlite in tests and local scratch
// setups.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&tierdomain.Tier{},
		&subscriptiondomain.Subscription{},
		&ledgerdomain.UsageRecord{},
		&ledgerdomain.UsageEvent{},
		&walletdomain.CreditBalance{},
		&walletdomain.WalletEntry{},
		&workspacedomain.Workspace{},
		&workspacedomain.User{},
		&apikeydomain.APIKey{},
		&queuedomain.QueueItem{},
		&gormadapter.CasbinRule{},
	)
}
