package deribit

import (
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
)

// New builds the provider from application config.
func New(cfg *config.Config, logger *zap.Logger) domain.Provider {
	return NewProvider(cfg.Deribit, logger)
}
