// Package providers selects the market data provider named in config.
package providers

import (
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
	"github.com/igefined/orderbook-relay/internal/providers/deribit"
	"github.com/igefined/orderbook-relay/internal/providers/static"
)

const moduleName = "providers"

var Module = fx.Module(moduleName,
	fx.Provide(New),
)

func New(cfg *config.Config, logger *zap.Logger) (domain.Provider, error) {
	switch cfg.Provider {
	case config.ProviderDeribit:
		return deribit.New(cfg, logger), nil
	case config.ProviderStatic:
		return static.New(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
