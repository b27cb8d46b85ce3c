package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/domain"
	"github.com/igefined/orderbook-relay/internal/metrics"
	"github.com/igefined/orderbook-relay/internal/protocol"
	"github.com/igefined/orderbook-relay/internal/registry"
)

// Registry is the connection registry shared by the handler and the
// broadcast loop.
type Registry = registry.Registry[Sender]

func NewRegistry() *Registry {
	return registry.New[Sender]()
}

// Handler applies connection events to the registry and answers client
// commands. Handle may be called concurrently for any number of
// connections.
type Handler struct {
	registry        *Registry
	provider        domain.Provider
	metrics         *metrics.Metrics
	logger          *zap.Logger
	pushOnSubscribe bool
}

type HandlerParams struct {
	fx.In

	Config   *config.Config
	Registry *Registry
	Provider domain.Provider
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewHandler(params HandlerParams) *Handler {
	return &Handler{
		registry:        params.Registry,
		provider:        params.Provider,
		metrics:         params.Metrics,
		logger:          params.Logger.Named("handler"),
		pushOnSubscribe: params.Config.Relay.PushOnSubscribe,
	}
}

// Handle dispatches one event. A returned error means a frame could not be
// delivered to the event's connection; the registry is consistent either
// way.
func (h *Handler) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventOpen:
		return h.open(ev)
	case EventMessage:
		return h.message(ctx, ev)
	case EventClose:
		h.close(ev)
		return nil
	default:
		return fmt.Errorf("relay: unsupported event %s", ev.Kind)
	}
}

// Connections returns the number of open connections.
func (h *Handler) Connections() int {
	return h.registry.Len()
}

func (h *Handler) open(ev Event) error {
	if ev.Conn == nil {
		return errors.New("relay: open event without connection")
	}
	if !h.registry.Add(ev.ConnID, ev.Conn) {
		return fmt.Errorf("relay: connection %s already open", ev.ConnID)
	}
	h.metrics.Connections.Inc()
	h.logger.Info("Connection opened", zap.Stringer("conn", ev.ConnID))
	return nil
}

func (h *Handler) close(ev Event) {
	if !h.registry.Remove(ev.ConnID) {
		return
	}
	h.metrics.Connections.Dec()
	h.logger.Info("Connection closed", zap.Stringer("conn", ev.ConnID))
}

func (h *Handler) message(ctx context.Context, ev Event) error {
	conn, ok := h.registry.Lookup(ev.ConnID)
	if !ok {
		h.logger.Debug("Dropping message for closed connection", zap.Stringer("conn", ev.ConnID))
		return nil
	}

	req, err := protocol.DecodeRequest(ev.Payload)
	if err != nil {
		var perr *protocol.ProtocolError
		if !errors.As(err, &perr) {
			return err
		}
		h.metrics.ProtocolErrors.Inc()
		h.logger.Debug("Rejected request", zap.Stringer("conn", ev.ConnID), zap.Error(err))
		return h.sendAck(ctx, conn, protocol.TypeError, perr.Message)
	}

	// Symbols are opaque to the relay and reach the provider as sent.
	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		h.metrics.ProtocolErrors.Inc()
		return h.sendAck(ctx, conn, protocol.TypeError, protocol.MsgInvalidRequest)
	}

	// DecodeRequest admits only subscribe and unsubscribe.
	if req.Action == protocol.ActionUnsubscribe {
		return h.unsubscribe(ctx, ev.ConnID, conn, symbol)
	}
	return h.subscribe(ctx, ev.ConnID, conn, symbol)
}

func (h *Handler) subscribe(ctx context.Context, id registry.ConnectionID, conn Sender, symbol string) error {
	added, err := h.registry.Subscribe(id, symbol)
	if errors.Is(err, registry.ErrUnknownConnection) {
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.Info("Subscribed",
		zap.Stringer("conn", id),
		zap.String("symbol", symbol),
		zap.Bool("new", added))

	if err := h.sendAck(ctx, conn, protocol.TypeSuccess, "Subscribed to "+symbol); err != nil {
		return err
	}
	if !h.pushOnSubscribe {
		return nil
	}
	return h.pushSnapshot(ctx, id, conn, symbol)
}

// pushSnapshot sends one fresh order book to a new subscriber so it does not
// wait a full tick. Fetch failures are left for the next tick.
func (h *Handler) pushSnapshot(ctx context.Context, id registry.ConnectionID, conn Sender, symbol string) error {
	snapshot, err := h.provider.FetchOrderBook(ctx, symbol)
	if err != nil {
		h.metrics.FetchFailed(err)
		h.logger.Warn("Failed to fetch initial order book",
			zap.Stringer("conn", id),
			zap.String("symbol", symbol),
			zap.Error(err))
		return nil
	}

	if !h.registry.IsSubscribed(id, symbol) {
		return nil
	}

	frame, err := protocol.EncodeOrderBook(symbol, snapshot)
	if err != nil {
		return err
	}
	return h.send(ctx, conn, protocol.TypeOrderBook, frame)
}

func (h *Handler) unsubscribe(ctx context.Context, id registry.ConnectionID, conn Sender, symbol string) error {
	removed, err := h.registry.Unsubscribe(id, symbol)
	if errors.Is(err, registry.ErrUnknownConnection) {
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.Info("Unsubscribed",
		zap.Stringer("conn", id),
		zap.String("symbol", symbol),
		zap.Bool("was_subscribed", removed))

	return h.sendAck(ctx, conn, protocol.TypeSuccess, "Unsubscribed from "+symbol)
}

func (h *Handler) sendAck(ctx context.Context, conn Sender, typ, message string) error {
	var (
		frame []byte
		err   error
	)
	if typ == protocol.TypeError {
		frame, err = protocol.EncodeError(message)
	} else {
		frame, err = protocol.EncodeSuccess(message)
	}
	if err != nil {
		return err
	}
	return h.send(ctx, conn, typ, frame)
}

func (h *Handler) send(ctx context.Context, conn Sender, typ string, frame []byte) error {
	if err := conn.Send(ctx, frame); err != nil {
		h.metrics.SendErrors.Inc()
		return fmt.Errorf("send %s: %w", typ, err)
	}
	h.metrics.MessagesSent.WithLabelValues(typ).Inc()
	return nil
}
