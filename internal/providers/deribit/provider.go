package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
)

const moduleName = "deribit"

// ErrAuth means the API rejected our credentials or token.
var ErrAuth = fmt.Errorf("deribit: %w", domain.ErrUnauthorized)

// tokens are refreshed this long before Deribit would expire them.
const tokenSlack = 30 * time.Second

type Option func(*Provider)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// Provider fetches order books over the Deribit JSON-RPC HTTP API. Public
// endpoints work without credentials; when credentials are configured every
// request carries a bearer token that is renewed on expiry or rejection.
type Provider struct {
	config config.DeribitConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
	nextID atomic.Uint64

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewProvider(cfg config.DeribitConfig, logger *zap.Logger, opts ...Option) *Provider {
	if !strings.HasSuffix(cfg.URL, "/") {
		cfg.URL += "/"
	}
	p := &Provider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.Named(moduleName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return moduleName
}

func (p *Provider) hasCredentials() bool {
	return p.config.ClientID != "" && p.config.ClientSecret != ""
}

// Connect authenticates up front when credentials are configured.
func (p *Provider) Connect(ctx context.Context) error {
	if !p.hasCredentials() {
		p.logger.Info("No credentials configured, using public endpoints only")
		return nil
	}
	if _, err := p.authenticate(ctx, true); err != nil {
		return err
	}
	p.logger.Info("Authenticated with Deribit")
	return nil
}

func (p *Provider) Disconnect() error {
	p.mu.Lock()
	p.token = ""
	p.expiresAt = time.Time{}
	p.mu.Unlock()

	p.client.CloseIdleConnections()
	return nil
}

// FetchOrderBook fetches symbol's book. Deribit instrument names are
// upper-case, so symbol is sent upper-cased but reported back as given.
func (p *Provider) FetchOrderBook(ctx context.Context, symbol string) (*domain.Snapshot, error) {
	params := orderBookParams{InstrumentName: domain.NormalizeSymbol(symbol), Depth: p.config.Depth}

	result, err := p.callAuthorized(ctx, methodGetOrderBook, params)
	if err != nil {
		return nil, fmt.Errorf("fetch order book %s: %w", symbol, err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("fetch order book %s: %w", symbol, domain.ErrNotFound)
	}

	var snapshot domain.Snapshot
	if err := json.Unmarshal(result, &snapshot); err != nil {
		return nil, fmt.Errorf("fetch order book %s: %w", symbol, err)
	}
	snapshot.Symbol = symbol

	p.logger.Debug("Fetched order book",
		zap.String("symbol", symbol),
		zap.Int("bids", len(snapshot.Bids)),
		zap.Int("asks", len(snapshot.Asks)))

	return &snapshot, nil
}

// callAuthorized issues method with the current token and retries once with
// a fresh token if the API rejects it.
func (p *Provider) callAuthorized(ctx context.Context, method string, params any) (json.RawMessage, error) {
	token, err := p.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	result, err := p.call(ctx, method, params, token)
	if err == nil || !errors.Is(err, ErrAuth) || !p.hasCredentials() {
		return result, err
	}

	p.logger.Warn("Token rejected, re-authenticating", zap.String("method", method), zap.Error(err))
	token, err = p.renewToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return p.call(ctx, method, params, token)
}

func (p *Provider) currentToken(ctx context.Context) (string, error) {
	if !p.hasCredentials() {
		return "", nil
	}
	return p.authenticate(ctx, false)
}

// authenticate returns a valid access token, requesting a new one when
// forced or when the cached token is about to expire.
func (p *Provider) authenticate(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !force && p.tokenValid() {
		return p.token, nil
	}
	return p.requestToken(ctx)
}

// renewToken replaces a token the API rejected. Concurrent callers that
// saw the same rejection share a single public/auth call.
func (p *Provider) renewToken(ctx context.Context, rejected string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != rejected && p.tokenValid() {
		return p.token, nil
	}
	return p.requestToken(ctx)
}

func (p *Provider) tokenValid() bool {
	return p.token != "" && p.now().Before(p.expiresAt)
}

// requestToken must be called with mu held.
func (p *Provider) requestToken(ctx context.Context) (string, error) {
	params := authParams{
		GrantType:    "client_credentials",
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
	}

	raw, err := p.call(ctx, methodAuth, params, "")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuth, err)
	}

	var res authResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: decode auth result: %w", ErrAuth, err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuth)
	}

	p.token = res.AccessToken
	p.expiresAt = p.now().Add(time.Duration(res.ExpiresIn)*time.Second - tokenSlack)
	return p.token, nil
}

func (p *Provider) call(ctx context.Context, method string, params any, token string) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      p.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(data, &rpc); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: %s returned %s", domain.ErrProviderUnavailable, method, resp.Status)
		}
		return nil, fmt.Errorf("decode %s response (%s): %w", method, resp.Status, err)
	}
	if rpc.Error != nil {
		if rpc.Error.unauthorized() {
			return nil, fmt.Errorf("%w: %w", ErrAuth, rpc.Error)
		}
		return nil, rpc.Error
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", method, resp.Status)
	}

	return rpc.Result, nil
}
