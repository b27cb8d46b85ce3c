package server

import (
	"context"

	"go.uber.org/fx"
)

const moduleName = "server"

var Module = fx.Module(moduleName,
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, server *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return server.Start(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return server.Stop(ctx)
			},
		})
	}),
)
