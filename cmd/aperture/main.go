package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/aperturehq/aperture/internal/clock"
	"github.com/aperturehq/aperture/internal/migration"
	"github.com/aperturehq/aperture/internal/observability"
	"github.com/aperturehq/aperture/internal/scheduler"
	"github.com/aperturehq/aperture/internal/server"
	"github.com/aperturehq/aperture/pkg/db"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		server.Module,
		migration.Module,
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
