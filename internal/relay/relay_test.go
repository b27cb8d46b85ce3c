package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
	"github.com/igefined/orderbook-relay/internal/metrics"
	"github.com/igefined/orderbook-relay/internal/protocol"
	"github.com/igefined/orderbook-relay/internal/registry"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeSender records every frame written to it.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	onSend func()
}

func (f *fakeSender) Send(_ context.Context, frame []byte) error {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	return nil
}

func (f *fakeSender) responses(t *testing.T) []protocol.Response {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]protocol.Response, 0, len(f.frames))
	for _, frame := range f.frames {
		resp, err := protocol.DecodeResponse(frame)
		require.NoError(t, err)
		out = append(out, resp)
	}
	return out
}

func (f *fakeSender) rawFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// fakeProvider serves fixed books and counts fetches per symbol.
type fakeProvider struct {
	mu      sync.Mutex
	books   map[string]*domain.Snapshot
	fail    map[string]error
	calls   map[string]int
	onFetch func(symbol string)
}

func newFakeProvider(symbols ...string) *fakeProvider {
	p := &fakeProvider{
		books: make(map[string]*domain.Snapshot),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
	for i, symbol := range symbols {
		p.books[symbol] = &domain.Snapshot{
			Symbol: symbol,
			Bids:   []domain.Level{domain.NewLevel(float64(100+i), 1)},
			Asks:   []domain.Level{domain.NewLevel(float64(101+i), 1)},
		}
	}
	return p
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Connect(ctx context.Context) error { return nil }

func (p *fakeProvider) Disconnect() error { return nil }

func (p *fakeProvider) FetchOrderBook(ctx context.Context, symbol string) (*domain.Snapshot, error) {
	if p.onFetch != nil {
		p.onFetch(symbol)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[symbol]++
	if err := p.fail[symbol]; err != nil {
		return nil, err
	}
	book, ok := p.books[symbol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return book, nil
}

func (p *fakeProvider) callsFor(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[symbol]
}

type fixture struct {
	registry *Registry
	provider *fakeProvider
	metrics  *metrics.Metrics
	handler  *Handler
	service  *Service
}

func newFixture(t *testing.T, provider *fakeProvider, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		Relay: config.RelayConfig{
			PollInterval:     20 * time.Millisecond,
			PushOnSubscribe:  true,
			FetchConcurrency: 4,
		},
	}
	for _, m := range mutate {
		m(cfg)
	}

	f := &fixture{
		registry: NewRegistry(),
		provider: provider,
		metrics:  metrics.NewNop(),
	}
	f.handler = NewHandler(HandlerParams{
		Config:   cfg,
		Registry: f.registry,
		Provider: provider,
		Metrics:  f.metrics,
		Logger:   zap.NewNop(),
	})
	f.service = NewService(Params{
		Config:   cfg,
		Registry: f.registry,
		Provider: provider,
		Metrics:  f.metrics,
		Logger:   zap.NewNop(),
	})
	return f
}

func (f *fixture) connect(t *testing.T) (registry.ConnectionID, *fakeSender) {
	t.Helper()
	id := registry.NewConnectionID()
	conn := &fakeSender{}
	require.NoError(t, f.handler.Handle(context.Background(), Event{Kind: EventOpen, ConnID: id, Conn: conn}))
	return id, conn
}

func (f *fixture) send(t *testing.T, id registry.ConnectionID, payload string) error {
	t.Helper()
	return f.handler.Handle(context.Background(), Event{Kind: EventMessage, ConnID: id, Payload: []byte(payload)})
}

func (f *fixture) disconnect(t *testing.T, id registry.ConnectionID) {
	t.Helper()
	require.NoError(t, f.handler.Handle(context.Background(), Event{Kind: EventClose, ConnID: id}))
}

func subscribeMsg(symbol string) string {
	return `{"action":"subscribe","symbol":"` + symbol + `"}`
}

func unsubscribeMsg(symbol string) string {
	return `{"action":"unsubscribe","symbol":"` + symbol + `"}`
}
