package static

import (
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
)

func New(cfg *config.Config, logger *zap.Logger) domain.Provider {
	return NewProvider(cfg.Static, logger)
}
