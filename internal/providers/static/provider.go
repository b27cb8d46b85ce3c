package static

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
)

const moduleName = "static"

// Provider serves synthetic order books around a configured mid price.
// Every fetch moves the mid price by up to ±1%, so subscribers see the book
// change from tick to tick without any upstream.
type Provider struct {
	logger *zap.Logger

	spreadPercent float64
	depthLevels   int

	mu        sync.Mutex
	midPrices map[string]float64
	rng       *rand.Rand
}

func NewProvider(cfg config.StaticConfig, logger *zap.Logger) *Provider {
	mid := make(map[string]float64, len(cfg.Symbols))
	for symbol, price := range cfg.Symbols {
		mid[domain.NormalizeSymbol(symbol)] = price
	}
	depth := cfg.DepthLevels
	if depth <= 0 {
		depth = 10
	}
	return &Provider{
		logger:        logger.Named(moduleName),
		spreadPercent: 0.001, // 0.1% spread
		depthLevels:   depth,
		midPrices:     mid,
		rng:           rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func (p *Provider) Name() string {
	return moduleName
}

func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for symbol, price := range p.midPrices {
		p.logger.Info("Serving synthetic order book",
			zap.String("symbol", symbol),
			zap.Float64("price", price))
	}
	return nil
}

func (p *Provider) Disconnect() error {
	return nil
}

func (p *Provider) FetchOrderBook(ctx context.Context, symbol string) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := domain.NormalizeSymbol(symbol)

	p.mu.Lock()
	midPrice, ok := p.midPrices[key]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("static %s: %w", symbol, domain.ErrNotFound)
	}
	variation := (p.rng.Float64()*2 - 1) / 100
	midPrice *= 1 + variation
	p.midPrices[key] = midPrice
	p.mu.Unlock()

	return p.createSyntheticOrderBook(symbol, midPrice, time.Now()), nil
}

func (p *Provider) createSyntheticOrderBook(symbol string, midPrice float64, at time.Time) *domain.Snapshot {
	snapshot := &domain.Snapshot{
		Symbol: symbol,
		Bids:   make([]domain.Level, 0, p.depthLevels),
		Asks:   make([]domain.Level, 0, p.depthLevels),
		Extra: map[string]json.RawMessage{
			"instrument_name": mustRaw(symbol),
			"timestamp":       json.RawMessage(strconv.FormatInt(at.UnixMilli(), 10)),
			"mark_price":      json.RawMessage(decimal.NewFromFloat(midPrice).Round(8).String()),
		},
	}

	for i := 0; i < p.depthLevels; i++ {
		priceOffset := p.spreadPercent/2 + (float64(i) * p.spreadPercent * 0.1)
		volume := decimal.NewFromFloat(1000.0 / (1 + float64(i)*0.5)).Round(4) // thinner away from the mid

		snapshot.Bids = append(snapshot.Bids, domain.Level{
			Price:  decimal.NewFromFloat(midPrice * (1 - priceOffset)).Round(8),
			Amount: volume,
		})
		snapshot.Asks = append(snapshot.Asks, domain.Level{
			Price:  decimal.NewFromFloat(midPrice * (1 + priceOffset)).Round(8),
			Amount: volume,
		})
	}

	// Bids best-first descending, asks best-first ascending.
	sort.Slice(snapshot.Bids, func(i, j int) bool {
		return snapshot.Bids[i].Price.GreaterThan(snapshot.Bids[j].Price)
	})
	sort.Slice(snapshot.Asks, func(i, j int) bool {
		return snapshot.Asks[i].Price.LessThan(snapshot.Asks[j].Price)
	})

	return snapshot
}

func mustRaw(v string) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
