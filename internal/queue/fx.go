package queue

import (
	"github.com/aperturehq/aperture/internal/queue/service"
	"go.uber.org/fx"
)

var Module = fx.Module("queue.service",
	fx.Provide(service.NewService),
)
