package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound            = errors.New("order book not found")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrUnauthorized        = errors.New("provider rejected credentials")
)

// Provider fetches one order book snapshot per call. Authentication,
// retries and request timeouts are the provider's own concern.
type Provider interface {
	Name() string
	FetchOrderBook(ctx context.Context, symbol string) (*Snapshot, error)
	Connect(ctx context.Context) error
	Disconnect() error
}
