package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
	"github.com/igefined/orderbook-relay/internal/metrics"
	"github.com/igefined/orderbook-relay/internal/protocol"
	"github.com/igefined/orderbook-relay/internal/registry"
)

// Service is the poll/broadcast loop: every interval it fetches each
// subscribed symbol once and fans the snapshot out to that symbol's
// subscribers.
type Service struct {
	registry    *Registry
	provider    domain.Provider
	metrics     *metrics.Metrics
	logger      *zap.Logger
	interval    time.Duration
	concurrency int

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Params struct {
	fx.In

	Config   *config.Config
	Registry *Registry
	Provider domain.Provider
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewService(params Params) *Service {
	return &Service{
		registry:    params.Registry,
		provider:    params.Provider,
		metrics:     params.Metrics,
		logger:      params.Logger.Named("relay"),
		interval:    params.Config.Relay.PollInterval,
		concurrency: params.Config.Relay.FetchConcurrency,
		stopCh:      make(chan struct{}),
	}
}

// Start connects the provider and launches the loop. A provider that cannot
// connect yet is not fatal: fetches retry on every tick.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting relay service",
		zap.String("provider", s.provider.Name()),
		zap.Duration("interval", s.interval),
		zap.Int("fetch_concurrency", s.concurrency))

	if err := s.provider.Connect(ctx); err != nil {
		s.logger.Warn("Failed to connect to provider",
			zap.String("provider", s.provider.Name()),
			zap.Error(err))
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.wg.Add(1)
	go s.broadcastLoop()

	return nil
}

// Stop signals the loop, cancels in-flight fetches and waits for the loop
// to exit or ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping relay service")

	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.cancel != nil {
			s.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.provider.Disconnect(); err != nil {
		s.logger.Error("Failed to disconnect from provider",
			zap.String("provider", s.provider.Name()),
			zap.Error(err))
	}

	return nil
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Stop signal received, stopping broadcast loop")
			return
		case <-ticker.C:
			s.tick(s.ctx)
		}
	}
}

func (s *Service) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// tick runs one poll/broadcast cycle against a copy of the registry.
func (s *Service) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		s.metrics.Ticks.Inc()
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	plan := s.registry.Plan()
	s.metrics.Symbols.Set(float64(len(plan)))
	if len(plan) == 0 {
		return
	}

	var (
		g                 errgroup.Group
		fetched, failed   atomic.Int64
		delivered, missed atomic.Int64
	)
	g.SetLimit(s.concurrency)

	for symbol, targets := range plan {
		if s.stopping() {
			break
		}
		g.Go(func() error {
			if s.stopping() {
				return nil
			}
			sent, errs, ok := s.broadcast(ctx, symbol, targets)
			if !ok {
				failed.Add(1)
				return nil
			}
			fetched.Add(1)
			delivered.Add(int64(sent))
			missed.Add(int64(errs))
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Debug("Tick completed",
		zap.Int("symbols", len(plan)),
		zap.Int64("fetched", fetched.Load()),
		zap.Int64("fetch_errors", failed.Load()),
		zap.Int64("sent", delivered.Load()),
		zap.Int64("send_errors", missed.Load()),
		zap.Duration("duration", time.Since(start)))
}

// broadcast fetches symbol once and sends the same frame to every target.
// ok is false when there was nothing to send.
func (s *Service) broadcast(ctx context.Context, symbol string, targets []registry.Target[Sender]) (sent, errs int, ok bool) {
	snapshot, err := s.provider.FetchOrderBook(ctx, symbol)
	if err != nil {
		if s.stopping() {
			return 0, 0, false
		}
		s.metrics.FetchFailed(err)
		s.logger.Warn("Failed to fetch order book",
			zap.String("provider", s.provider.Name()),
			zap.String("symbol", symbol),
			zap.Error(err))
		return 0, 0, false
	}

	frame, err := protocol.EncodeOrderBook(symbol, snapshot)
	if err != nil {
		s.logger.Error("Failed to encode order book", zap.String("symbol", symbol), zap.Error(err))
		return 0, 0, false
	}

	for _, target := range targets {
		if s.stopping() {
			break
		}
		if err := target.Conn.Send(ctx, frame); err != nil {
			errs++
			s.metrics.SendErrors.Inc()
			s.logger.Warn("Failed to send order book",
				zap.Stringer("conn", target.ID),
				zap.String("symbol", symbol),
				zap.Error(err))
			continue
		}
		sent++
		s.metrics.MessagesSent.WithLabelValues(protocol.TypeOrderBook).Inc()
	}

	return sent, errs, true
}
