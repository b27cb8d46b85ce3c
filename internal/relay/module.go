package relay

import (
	"context"

	"go.uber.org/fx"
)

const moduleName = "relay"

var Module = fx.Module(moduleName,
	fx.Provide(
		NewRegistry,
		NewHandler,
		NewService,
	),
	fx.Invoke(func(lc fx.Lifecycle, service *Service) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return service.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return service.Stop(ctx)
			},
		})
	}),
)
