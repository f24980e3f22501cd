// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers append, filtering by session and action, ordering and limits

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAuditLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Actor:     "admin",
		Action:    AuditCreateSession,
		SessionID: "alpha",
		Detail:    map[string]any{"strategy": "local"},
	}

	require.NoError(t, store.AppendAuditLog(ctx, entry))

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin", entries[0].Actor)
	assert.Equal(t, AuditCreateSession, entries[0].Action)
	assert.Equal(t, "local", entries[0].Detail["strategy"])
}

func TestListAuditLog_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seed := []struct {
		action  AuditAction
		session string
	}{
		{AuditCreateSession, "alpha"},
		{AuditExportSession, "alpha"},
		{AuditCreateSession, "beta"},
		{AuditDeleteSession, "beta"},
	}
	for i, s := range seed {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			Actor:     "admin",
			Action:    s.action,
			SessionID: s.session,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("by session newest first", func(t *testing.T) {
		id := "alpha"
		entries, err := store.ListAuditLog(ctx, AuditFilter{SessionID: &id})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, AuditExportSession, entries[0].Action)
		assert.Equal(t, AuditCreateSession, entries[1].Action)
		assert.Nil(t, entries[0].Detail)
	})

	t.Run("by action", func(t *testing.T) {
		action := AuditCreateSession
		entries, err := store.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("since", func(t *testing.T) {
		since := base.Add(90 * time.Second)
		entries, err := store.ListAuditLog(ctx, AuditFilter{Since: &since})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("limit", func(t *testing.T) {
		entries, err := store.ListAuditLog(ctx, AuditFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, AuditDeleteSession, entries[0].Action)
	})
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}
