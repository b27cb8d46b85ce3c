// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"github.com/igefined/orderbook-relay/internal/domain"
)

var Module = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		func(reg *prometheus.Registry) *Metrics {
			return New(reg)
		},
	),
)

// Fetch error reasons. Symbols come from clients, so they never become
// label values.
const (
	ReasonNotFound    = "not_found"
	ReasonUnavailable = "unavailable"
	ReasonAuth        = "auth"
	ReasonCanceled    = "canceled"
	ReasonOther       = "other"
)

type Metrics struct {
	Connections    prometheus.Gauge
	Symbols        prometheus.Gauge
	Ticks          prometheus.Counter
	TickDuration   prometheus.Histogram
	FetchErrors    *prometheus.CounterVec
	SendErrors     prometheus.Counter
	MessagesSent   *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_ws_connections",
			Help: "Current number of open WebSocket connections.",
		}),
		Symbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_symbols_tracked",
			Help: "Symbols with at least one subscriber at the last tick.",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_ticks_total",
			Help: "Poll/broadcast ticks executed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_tick_duration_seconds",
			Help:    "Wall time of one poll/broadcast tick.",
			Buckets: prometheus.DefBuckets,
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_fetch_errors_total",
			Help: "Failed provider fetches by reason.",
		}, []string{"reason"}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_send_errors_total",
			Help: "Frames that could not be written to a connection.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Frames written to connections by message type.",
		}, []string{"type"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Inbound messages rejected by the codec.",
		}),
	}

	reg.MustRegister(
		m.Connections,
		m.Symbols,
		m.Ticks,
		m.TickDuration,
		m.FetchErrors,
		m.SendErrors,
		m.MessagesSent,
		m.ProtocolErrors,
	)
	return m
}

// NewNop returns collectors registered nowhere, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// FetchErrorReason maps a provider error to a fetch error reason label.
func FetchErrorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return ReasonAuth
	case errors.Is(err, domain.ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ReasonUnavailable
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonOther
	}
}

// FetchFailed counts one failed fetch under its reason.
func (m *Metrics) FetchFailed(err error) {
	m.FetchErrors.WithLabelValues(FetchErrorReason(err)).Inc()
}
