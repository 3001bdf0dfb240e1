// File: internal/state/state_test.go
package state_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/state"
	"github.com/kexley/coinloop/internal/storage"
)

func openKV(t *testing.T) *storage.Store {
	t.Helper()
	kv, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func newStore(t *testing.T, kv *storage.Store, historyLimit int) *state.Store {
	t.Helper()
	s, err := state.NewStore(context.Background(), kv, historyLimit, zap.NewNop())
	require.NoError(t, err)
	return s
}

// TestStore_FlagsPersistAcrossRestart verifies a second store over the same
// kv sees the flags the first one wrote.
func TestStore_FlagsPersistAcrossRestart(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)

	first := newStore(t, kv, 10)
	require.NoError(t, first.SetCredentialsReady(ctx, true))
	require.NoError(t, first.SetCaptchaSolved(ctx, true))

	second := newStore(t, kv, 10)
	snapshot := second.Snapshot()
	assert.True(t, snapshot.CredentialsReady)
	assert.True(t, snapshot.CaptchaSolved)
}

// TestStore_CaptchaFlagsAreExclusive verifies marking in-progress clears
// solved and vice versa.
func TestStore_CaptchaFlagsAreExclusive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, openKV(t), 10)

	require.NoError(t, s.MarkCaptchaInProgress(ctx))
	snapshot := s.Snapshot()
	assert.True(t, snapshot.CaptchaInProgress)
	assert.False(t, snapshot.CaptchaSolved)

	require.NoError(t, s.SetCaptchaSolved(ctx, true))
	snapshot = s.Snapshot()
	assert.False(t, snapshot.CaptchaInProgress)
	assert.True(t, snapshot.CaptchaSolved)
}

// TestStore_Cooldown verifies the cooldown window opens on the mark and
// closes once the duration has passed.
func TestStore_Cooldown(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, openKV(t), 10)

	blocked, _ := s.InCooldown(time.Minute)
	assert.False(t, blocked, "fresh store must not start in cooldown")

	require.NoError(t, s.MarkAutomatedQueries(ctx))
	blocked, remaining := s.InCooldown(time.Minute)
	assert.True(t, blocked)
	assert.Greater(t, remaining, 50*time.Second)

	// A window that already elapsed relative to the anchor is closed.
	blocked, _ = s.InCooldown(time.Nanosecond)
	assert.False(t, blocked)
}

// TestStore_RecordCycle verifies the counters and the capped history log.
func TestStore_RecordCycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, openKV(t), 3)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordCycle(ctx, 2, state.HistoryEntry{
			At:     time.Now(),
			Page:   "earn",
			Detail: "cycle",
		}))
	}

	snapshot := s.Snapshot()
	assert.Equal(t, 5, snapshot.TotalCycles)
	assert.Equal(t, 10, snapshot.TotalCoins)
	assert.Len(t, s.History(), 3, "history must stay capped at the limit")
}

// TestStore_HistoryPersists verifies the history log survives a restart.
func TestStore_HistoryPersists(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)

	first := newStore(t, kv, 10)
	require.NoError(t, first.RecordCycle(ctx, 1, state.HistoryEntry{Page: "earn", Detail: "one"}))

	second := newStore(t, kv, 10)
	history := second.History()
	require.Len(t, history, 1)
	assert.Equal(t, "one", history[0].Detail)
	if diff := cmp.Diff(first.History(), second.History()); diff != "" {
		t.Errorf("history diverged after restart (-first +second):\n%s", diff)
	}
}

// TestStore_CorruptSnapshotDiscarded verifies an unreadable persisted
// snapshot starts fresh instead of failing startup.
func TestStore_CorruptSnapshotDiscarded(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)
	require.NoError(t, kv.Set(ctx, "state/runtime", "{not json"))

	s := newStore(t, kv, 10)
	assert.Equal(t, state.Runtime{}, s.Snapshot())
}
