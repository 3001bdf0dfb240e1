// File: internal/state/credentials_test.go
package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kexley/coinloop/internal/state"
)

// TestCredentials_RoundTrip verifies the stored pair comes back intact.
func TestCredentials_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, openKV(t), 10)

	in := state.Credentials{Username: "earner@example.com", Password: "hunter2!"}
	require.NoError(t, s.SaveCredentials(ctx, in))

	out, ok, err := s.LoadCredentials(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Username, out.Username)
	assert.Equal(t, in.Password, out.Password)
}

// TestCredentials_NotStoredInPlaintext verifies the persisted record does not
// contain the raw password.
func TestCredentials_NotStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	kv := openKV(t)
	s := newStore(t, kv, 10)

	require.NoError(t, s.SaveCredentials(ctx, state.Credentials{
		Username: "earner@example.com",
		Password: "super-secret-password",
	}))

	raw, ok, err := kv.Get(ctx, "state/credentials")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "super-secret-password")
	assert.NotContains(t, raw, "earner@example.com")
}

// TestCredentials_Expiry verifies expired credentials are reported as absent.
func TestCredentials_Expiry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, openKV(t), 10)

	require.NoError(t, s.SaveCredentials(ctx, state.Credentials{
		Username:  "u",
		Password:  "p",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, ok, err := s.LoadCredentials(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestCredentials_NoExpiryMeansForever verifies a zero ExpiresAt never
// expires.
func TestCredentials_NoExpiryMeansForever(t *testing.T) {
	assert.False(t, state.Credentials{Username: "u", Password: "p"}.Expired())
}

// TestCredentials_Clear verifies removal.
func TestCredentials_Clear(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, openKV(t), 10)

	require.NoError(t, s.SaveCredentials(ctx, state.Credentials{Username: "u", Password: "p"}))
	require.NoError(t, s.ClearCredentials(ctx))

	_, ok, err := s.LoadCredentials(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestCredentials_Missing verifies an empty store reports no credentials
// without error.
func TestCredentials_Missing(t *testing.T) {
	s := newStore(t, openKV(t), 10)
	_, ok, err := s.LoadCredentials(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
