package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/config"
	"github.com/aperturehq/aperture/internal/ledger"
	"github.com/aperturehq/aperture/internal/observability"
	"github.com/aperturehq/aperture/internal/queue"
	"github.com/aperturehq/aperture/internal/quota"
	"github.com/aperturehq/aperture/internal/ratelimit"
	"github.com/aperturehq/aperture/internal/scheduler"
	"github.com/aperturehq/aperture/internal/subscription"
	"github.com/aperturehq/aperture/internal/tier"
	"github.com/aperturehq/aperture/internal/wallet"
	"github.com/aperturehq/aperture/internal/workspace"
	"github.com/aperturehq/aperture/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		tier.Module,
		subscription.Module,
		wallet.Module,
		ledger.Module,
		quota.Module,
		workspace.Module,
		queue.Module,
		ratelimit.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
