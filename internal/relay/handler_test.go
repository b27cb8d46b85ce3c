package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igefined/orderbook-relay/internal/config"
	"github.com/igefined/orderbook-relay/internal/metrics"
	"github.com/igefined/orderbook-relay/internal/protocol"
	"github.com/igefined/orderbook-relay/internal/registry"
)

func TestSubscribeAcksThenPushesOnce(t *testing.T) {
	f := newFixture(t, newFakeProvider("BTC-PERPETUAL"))
	id, conn := f.connect(t)

	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))

	got := conn.responses(t)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.TypeSuccess, got[0].Type)
	assert.Equal(t, "Subscribed to BTC-PERPETUAL", got[0].Message)
	assert.Equal(t, protocol.TypeOrderBook, got[1].Type)
	assert.Equal(t, "BTC-PERPETUAL", got[1].Symbol)
	require.NotNil(t, got[1].Data)
	assert.Len(t, got[1].Data.Bids, 1)

	assert.Equal(t, 1, f.provider.callsFor("BTC-PERPETUAL"))
	assert.Equal(t, []string{"BTC-PERPETUAL"}, f.registry.SymbolSet())
	assert.Equal(t, 1, f.handler.Connections())
}

func TestSubscribeKeepsSymbolAsSent(t *testing.T) {
	f := newFixture(t, newFakeProvider("btcusdt"))
	id, conn := f.connect(t)

	require.NoError(t, f.send(t, id, subscribeMsg(" btcusdt ")))

	got := conn.responses(t)
	require.Len(t, got, 2)
	assert.Equal(t, "Subscribed to btcusdt", got[0].Message)
	assert.Equal(t, protocol.TypeOrderBook, got[1].Type)
	assert.Equal(t, "btcusdt", got[1].Symbol)
	assert.Equal(t, 1, f.provider.callsFor("btcusdt"))
	assert.Zero(t, f.provider.callsFor("BTCUSDT"))
	assert.Equal(t, []string{"btcusdt"}, f.registry.SymbolSet())
}

func TestSubscribeFetchFailureStillAcks(t *testing.T) {
	provider := newFakeProvider()
	provider.fail["BTC-PERPETUAL"] = errors.New("upstream timeout")
	f := newFixture(t, provider)
	id, conn := f.connect(t)

	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))

	got := conn.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeSuccess, got[0].Type)
	assert.Equal(t, []string{"BTC-PERPETUAL"}, f.registry.SymbolSet())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FetchErrors.WithLabelValues(metrics.ReasonOther)))
}

func TestUnknownSymbolsKeepFetchErrorSeriesBounded(t *testing.T) {
	f := newFixture(t, newFakeProvider())
	id, _ := f.connect(t)

	for i := 0; i < 500; i++ {
		require.NoError(t, f.send(t, id, subscribeMsg(fmt.Sprintf("JUNK-%d", i))))
	}
	f.service.tick(context.Background())

	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.FetchErrors))
	assert.Equal(t, 1000.0, testutil.ToFloat64(f.metrics.FetchErrors.WithLabelValues(metrics.ReasonNotFound)))
}

func TestPushOnSubscribeDisabled(t *testing.T) {
	f := newFixture(t, newFakeProvider("BTC-PERPETUAL"), func(c *config.Config) {
		c.Relay.PushOnSubscribe = false
	})
	id, conn := f.connect(t)

	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))

	got := conn.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeSuccess, got[0].Type)
	assert.Zero(t, f.provider.callsFor("BTC-PERPETUAL"))
}

func TestMalformedMessageKeepsConnectionUsable(t *testing.T) {
	f := newFixture(t, newFakeProvider("BTC-PERPETUAL"))
	id, conn := f.connect(t)

	require.NoError(t, f.send(t, id, `{"action": "subscribe", `))
	require.NoError(t, f.send(t, id, `{"action":"subscribe"}`))
	require.NoError(t, f.send(t, id, `{"action":"subscribe","symbol":"   "}`))
	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))

	got := conn.responses(t)
	require.Len(t, got, 5)
	for _, resp := range got[:3] {
		assert.Equal(t, protocol.TypeError, resp.Type)
		assert.Equal(t, protocol.MsgInvalidRequest, resp.Message)
	}
	assert.Equal(t, protocol.TypeSuccess, got[3].Type)
	assert.Equal(t, protocol.TypeOrderBook, got[4].Type)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.ProtocolErrors))
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t, newFakeProvider())
	id, conn := f.connect(t)

	require.NoError(t, f.send(t, id, `{"action":"trade","symbol":"BTC-PERPETUAL"}`))

	got := conn.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.Equal(t, protocol.MsgInvalidAction, got[0].Message)
	assert.Empty(t, f.registry.SymbolSet())
}

func TestUnsubscribeNeverSubscribed(t *testing.T) {
	f := newFixture(t, newFakeProvider("ETH-PERPETUAL"))
	id, conn := f.connect(t)
	require.NoError(t, f.send(t, id, subscribeMsg("ETH-PERPETUAL")))
	before := f.registry.SymbolSet()

	require.NoError(t, f.send(t, id, unsubscribeMsg("BTC-PERPETUAL")))

	got := conn.responses(t)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.TypeSuccess, got[2].Type)
	assert.Equal(t, "Unsubscribed from BTC-PERPETUAL", got[2].Message)
	assert.Equal(t, before, f.registry.SymbolSet())
}

func TestSubscribeTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, newFakeProvider("BTC-PERPETUAL"))
	id, _ := f.connect(t)

	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))
	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))

	assert.Equal(t, []string{"BTC-PERPETUAL"}, f.registry.Subscriptions(id))
	assert.Len(t, f.registry.SubscribersOf("BTC-PERPETUAL"), 1)
}

func TestMessageAfterCloseIsIgnored(t *testing.T) {
	f := newFixture(t, newFakeProvider("BTC-PERPETUAL"))
	id, conn := f.connect(t)
	f.disconnect(t, id)

	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))

	assert.Zero(t, conn.count())
	assert.Empty(t, f.registry.SymbolSet())
	assert.Zero(t, f.handler.Connections())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.Connections))
}

func TestCloseDuringInitialFetchSkipsPush(t *testing.T) {
	provider := newFakeProvider("BTC-PERPETUAL")
	f := newFixture(t, provider)
	id, conn := f.connect(t)

	provider.onFetch = func(string) {
		f.disconnect(t, id)
	}
	require.NoError(t, f.send(t, id, subscribeMsg("BTC-PERPETUAL")))

	got := conn.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeSuccess, got[0].Type)
}

func TestDuplicateOpenIsRejected(t *testing.T) {
	f := newFixture(t, newFakeProvider())
	id, _ := f.connect(t)

	err := f.handler.Handle(context.Background(), Event{Kind: EventOpen, ConnID: id, Conn: &fakeSender{}})
	assert.Error(t, err)
	assert.Equal(t, 1, f.handler.Connections())
}

func TestAckSendFailureIsReported(t *testing.T) {
	f := newFixture(t, newFakeProvider("BTC-PERPETUAL"))
	id := registry.NewConnectionID()
	conn := &fakeSender{err: errBrokenPipe}
	require.NoError(t, f.handler.Handle(context.Background(), Event{Kind: EventOpen, ConnID: id, Conn: conn}))

	err := f.send(t, id, subscribeMsg("BTC-PERPETUAL"))
	assert.ErrorIs(t, err, errBrokenPipe)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SendErrors))
}

func TestUnsupportedEventKind(t *testing.T) {
	f := newFixture(t, newFakeProvider())
	err := f.handler.Handle(context.Background(), Event{Kind: EventKind(42)})
	assert.ErrorContains(t, err, "EventKind(42)")
}
