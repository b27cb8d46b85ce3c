package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/igefined/orderbook-relay/internal/config"
)

func newServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()

	cfg := &config.Config{Server: config.ServerConfig{HealthAddr: "127.0.0.1:0"}}
	s := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))

	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return s, healthpb.NewHealthClient(conn)
}

func TestServer_ServingAfterStart(t *testing.T) {
	s, client := newServer(t)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, service := range []string{"", ServiceName} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", service)
	}
}

func TestServer_StopReportsNotServing(t *testing.T) {
	s, client := newServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)

	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	go func() { _ = s.Stop(ctx) }()

	resp, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestServer_StartFailsOnBusyAddress(t *testing.T) {
	s, _ := newServer(t)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	cfg := &config.Config{Server: config.ServerConfig{HealthAddr: s.Addr().String()}}
	other := New(cfg, zaptest.NewLogger(t))
	require.Error(t, other.Start(context.Background()))
}
