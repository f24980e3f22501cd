// ABOUTME: Tests for grpc.health.v1 status tracking
// ABOUTME: Checks overall and per-session serving statuses as sessions change

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/waypost/internal/session"
)

func checkHealth(t *testing.T, gw *Gateway, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.Status
}

func TestRefreshHealth(t *testing.T) {
	gw, factory := newTestGateway(t)
	known := make(map[string]bool)

	gw.refreshHealth(known)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, gw, ""), "no sessions is healthy")

	a := createSession(t, gw, factory, "tenant-a")
	gw.refreshHealth(known)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, gw, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkHealth(t, gw, "tenant-a"))

	a.emit(session.Event{Kind: session.EventReady})
	waitStatus(t, gw, "tenant-a", session.StatusReady)
	gw.refreshHealth(known)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, gw, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkHealth(t, gw, "tenant-a"))

	gw.sessions.Delete(context.Background(), "tenant-a", session.DeleteOptions{})
	gw.refreshHealth(known)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, checkHealth(t, gw, "tenant-a"))
	assert.Empty(t, known)
}

func TestWatchHealth_FollowsSessionEvents(t *testing.T) {
	gw, factory := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.watchHealth(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		return checkHealth(t, gw, "") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	a := createSession(t, gw, factory, "tenant-a")
	require.Eventually(t, func() bool {
		return checkHealth(t, gw, "tenant-a") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	a.emit(session.Event{Kind: session.EventReady})
	require.Eventually(t, func() bool {
		return checkHealth(t, gw, "tenant-a") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
