// ABOUTME: grpc.health.v1 status tracking for the overall gateway and each session
// ABOUTME: Refreshes serving statuses on every session event and on a timer

package gateway

import (
	"context"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/waypost/internal/notify"
)

// healthRefreshInterval catches sessions going stale without any event.
const healthRefreshInterval = 30 * time.Second

// watchHealth keeps the gRPC health server in sync with the registry until ctx ends.
func (g *Gateway) watchHealth(ctx context.Context) {
	events, _ := g.hub.Broadcaster().Subscribe(ctx, notify.AllSessions)

	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()

	known := make(map[string]bool)
	g.refreshHealth(known)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			g.refreshHealth(known)
		case <-ticker.C:
			g.refreshHealth(known)
		}
	}
}

// refreshHealth publishes the current statuses. Sessions that disappeared
// since the previous call are reported as SERVICE_UNKNOWN.
func (g *Gateway) refreshHealth(known map[string]bool) {
	agg := g.sessions.HealthAll()

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if agg.OverallHealthy {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", overall)

	seen := make(map[string]bool, len(agg.Sessions))
	for _, report := range agg.Sessions {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if report.Healthy {
			status = healthpb.HealthCheckResponse_SERVING
		}
		g.health.SetServingStatus(report.ID, status)
		seen[report.ID] = true
	}

	for id := range known {
		if !seen[id] {
			g.health.SetServingStatus(id, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
			delete(known, id)
		}
	}
	for id := range seen {
		known[id] = true
	}
}
