// File: internal/transcribe/servers_test.go
package transcribe_test

import (
	"context"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/transcribe"
)

// TestServerPool_RequiresEndpoints verifies an empty endpoint list is
// rejected at construction.
func TestServerPool_RequiresEndpoints(t *testing.T) {
	_, err := transcribe.NewServerPool(context.Background(), nil, openKV(t), time.Hour, zap.NewNop())
	assert.Error(t, err)
}

// TestServerPool_PickPrefersHealthy verifies the healthier endpoint wins.
func TestServerPool_PickPrefersHealthy(t *testing.T) {
	ctx := context.Background()
	pool, err := transcribe.NewServerPool(ctx, []string{"https://a", "https://b"}, openKV(t), time.Hour, zap.NewNop())
	require.NoError(t, err)

	pool.RecordSuccess(ctx, "https://a", 100*time.Millisecond)
	pool.RecordFailure(ctx, "https://b")
	pool.RecordFailure(ctx, "https://b")

	assert.Equal(t, "https://a", pool.Pick())
}

// TestServerPool_ConsecutiveFailuresPenalized verifies a failure streak
// outweighs an otherwise decent success rate.
func TestServerPool_ConsecutiveFailuresPenalized(t *testing.T) {
	ctx := context.Background()
	pool, err := transcribe.NewServerPool(ctx, []string{"https://a", "https://b"}, openKV(t), time.Hour, zap.NewNop())
	require.NoError(t, err)

	// a: strong history, then a failure streak.
	for i := 0; i < 8; i++ {
		pool.RecordSuccess(ctx, "https://a", 100*time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		pool.RecordFailure(ctx, "https://a")
	}
	// b: mediocre but steady.
	pool.RecordSuccess(ctx, "https://b", 800*time.Millisecond)
	pool.RecordFailure(ctx, "https://b")
	pool.RecordSuccess(ctx, "https://b", 800*time.Millisecond)

	assert.Equal(t, "https://b", pool.Pick())
}

// TestServerPool_PickNeverFails verifies selection returns the least-bad
// endpoint even when every endpoint is failing.
func TestServerPool_PickNeverFails(t *testing.T) {
	ctx := context.Background()
	pool, err := transcribe.NewServerPool(ctx, []string{"https://a", "https://b"}, openKV(t), time.Hour, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		pool.RecordFailure(ctx, "https://a")
		pool.RecordFailure(ctx, "https://b")
	}
	assert.Contains(t, []string{"https://a", "https://b"}, pool.Pick())
}

// TestServerPool_SuccessResetsStreak verifies one success clears the
// consecutive-failure penalty.
func TestServerPool_SuccessResetsStreak(t *testing.T) {
	ctx := context.Background()
	pool, err := transcribe.NewServerPool(ctx, []string{"https://a"}, openKV(t), time.Hour, zap.NewNop())
	require.NoError(t, err)

	pool.RecordFailure(ctx, "https://a")
	pool.RecordFailure(ctx, "https://a")
	pool.RecordSuccess(ctx, "https://a", 100*time.Millisecond)

	rec, ok := pool.Record("https://a")
	require.True(t, ok)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, 3, rec.TotalRequests)
}

// TestServerPool_StatsPersistAcrossRestart verifies endpoint records survive
// a pool rebuild over the same store.
func TestServerPool_StatsPersistAcrossRestart(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)

	first, err := transcribe.NewServerPool(ctx, []string{"https://a"}, kv, time.Hour, zap.NewNop())
	require.NoError(t, err)
	first.RecordSuccess(ctx, "https://a", 250*time.Millisecond)

	second, err := transcribe.NewServerPool(ctx, []string{"https://a"}, kv, time.Hour, zap.NewNop())
	require.NoError(t, err)
	rec, ok := second.Record("https://a")
	require.True(t, ok)
	assert.Equal(t, 1, rec.SuccessfulRequests)
	assert.Equal(t, 250.0, rec.LatencyMs)
}

// TestServerPool_StaleStatsForgiven verifies records older than the reset
// window drop their failure history but keep the measured latency.
func TestServerPool_StaleStatsForgiven(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)

	stale := map[string]transcribe.ServerRecord{
		"https://a": {
			Endpoint:            "https://a",
			LatencyMs:           300,
			TotalRequests:       20,
			SuccessfulRequests:  2,
			ConsecutiveFailures: 9,
			LastResetAt:         time.Now().Add(-48 * time.Hour),
		},
	}
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(stale)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "servers/stats", raw))

	pool, err := transcribe.NewServerPool(ctx, []string{"https://a"}, kv, 24*time.Hour, zap.NewNop())
	require.NoError(t, err)

	rec, ok := pool.Record("https://a")
	require.True(t, ok)
	assert.Zero(t, rec.TotalRequests)
	assert.Zero(t, rec.ConsecutiveFailures)
	assert.Equal(t, 300.0, rec.LatencyMs)
}
