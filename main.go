package main

import (
	"go.uber.org/fx"

	"github.com/igefined/orderbook-relay/pkg/logger"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/health"
	"github.com/igefined/orderbook-relay/internal/metrics"
	"github.com/igefined/orderbook-relay/internal/providers"
	"github.com/igefined/orderbook-relay/internal/relay"
	"github.com/igefined/orderbook-relay/internal/server"
)

func main() {
	fx.New(options()...).Run()
}

// options lists the application modules. Hooks stop in reverse order: health
// reports NOT_SERVING first, then the relay loop is joined, and only then is
// the transport torn down.
func options() []fx.Option {
	return []fx.Option{
		logger.FxLogger,
		config.Module,
		logger.Module,
		metrics.Module,
		// Provider modules
		providers.Module,
		// Transport and business logic modules
		server.Module,
		relay.Module,
		health.Module,
	}
}
