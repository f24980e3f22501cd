// ABOUTME: Tests for per-session and aggregate health
// ABOUTME: Staleness is driven by the injected clock

package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rep := env.reg.Health("ghost")
	assert.Equal(t, StatusNotFound, rep.Status)
	assert.False(t, rep.Healthy)
	assert.Nil(t, rep.CreatedAt)
}

func TestHealth_HealthyStatuses(t *testing.T) {
	tests := []struct {
		event   EventKind
		status  Status
		healthy bool
	}{
		{EventPairingChallenge, StatusQRPending, true},
		{EventAuthenticated, StatusAuthenticated, true},
		{EventReady, StatusReady, true},
		{EventAuthFailure, StatusAuthFailed, false},
		{EventDisconnected, StatusDisconnected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			env := newTestEnv(t, func(o *Options) { o.DisconnectGrace = time.Hour })
			_, err := env.reg.Create(context.Background(), "s")
			require.NoError(t, err)

			env.factory.latest(t, "s").emit(Event{Kind: tt.event, Payload: "x"})
			env.waitStatus(t, "s", tt.status)

			rep := env.reg.Health("s")
			assert.Equal(t, tt.healthy, rep.Healthy)
			assert.False(t, rep.Stale)
		})
	}

	t.Run("initializing", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.reg.Create(context.Background(), "s")
		require.NoError(t, err)
		assert.False(t, env.reg.Health("s").Healthy)
	})
}

func TestHealth_StaleAfterThreshold(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.Create(context.Background(), "s")
	require.NoError(t, err)
	env.factory.latest(t, "s").emit(Event{Kind: EventReady})
	env.waitStatus(t, "s", StatusReady)

	env.clock.Advance(300 * time.Second)
	rep := env.reg.Health("s")
	assert.False(t, rep.Stale, "exactly at the threshold is not stale")
	assert.True(t, rep.Healthy)
	assert.Equal(t, int64(300), rep.SecondsSinceActivity)

	env.clock.Advance(time.Second)
	rep = env.reg.Health("s")
	assert.True(t, rep.Stale)
	assert.False(t, rep.Healthy)
	assert.True(t, rep.Ready)
	assert.Equal(t, int64(301), rep.UptimeSeconds)
}

func TestHealth_ConfigurableStaleThreshold(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.StaleAfter = 10 * time.Second })
	_, err := env.reg.Create(context.Background(), "s")
	require.NoError(t, err)
	env.factory.latest(t, "s").emit(Event{Kind: EventReady})
	env.waitStatus(t, "s", StatusReady)

	env.clock.Advance(11 * time.Second)
	assert.True(t, env.reg.Health("s").Stale)
}

func TestHealthAll_Empty(t *testing.T) {
	env := newTestEnv(t)

	agg := env.reg.HealthAll()
	assert.Equal(t, HealthSummary{}, agg.Summary)
	assert.True(t, agg.OverallHealthy)
	assert.Empty(t, agg.Sessions)
	assert.Equal(t, env.clock.Now(), agg.Timestamp)
}

func TestHealthAll_Ratio(t *testing.T) {
	tests := []struct {
		name    string
		healthy int
		total   int
		want    bool
	}{
		{"four of five", 4, 5, true},
		{"three of five", 3, 5, false},
		{"all five", 5, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(o *Options) { o.DisconnectGrace = time.Hour })
			ctx := context.Background()

			for i := 0; i < tt.total; i++ {
				id := fmt.Sprintf("s%d", i)
				_, err := env.reg.Create(ctx, id)
				require.NoError(t, err)
				if i < tt.healthy {
					env.factory.latest(t, id).emit(Event{Kind: EventReady})
					env.waitStatus(t, id, StatusReady)
				} else {
					env.factory.latest(t, id).emit(Event{Kind: EventAuthFailure, Payload: "nope"})
					env.waitStatus(t, id, StatusAuthFailed)
				}
			}

			agg := env.reg.HealthAll()
			assert.Equal(t, tt.total, agg.Summary.Total)
			assert.Equal(t, tt.healthy, agg.Summary.Healthy)
			assert.Equal(t, tt.healthy, agg.Summary.Ready)
			assert.Equal(t, tt.total-tt.healthy, agg.Summary.Unhealthy)
			assert.Zero(t, agg.Summary.Stale)
			assert.Len(t, agg.Sessions, tt.total)
			assert.Equal(t, tt.want, agg.OverallHealthy)
		})
	}
}

func TestOverallHealthy(t *testing.T) {
	assert.True(t, overallHealthy(0, 0))
	assert.True(t, overallHealthy(8, 10))
	assert.False(t, overallHealthy(7, 10))
	assert.False(t, overallHealthy(0, 1))
}
