// File: internal/humanoid/pacing_test.go
package humanoid_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kexley/coinloop/internal/config"
	"github.com/kexley/coinloop/internal/humanoid"
)

func testHumanoidConfig() config.HumanoidConfig {
	return config.HumanoidConfig{
		Enabled:       true,
		PauseMeanMs:   400,
		PauseStdDevMs: 100,
		FatigueRate:   0.05,
	}
}

// TestPacer_Disabled verifies a disabled pacer never pauses.
func TestPacer_Disabled(t *testing.T) {
	p := humanoid.NewPacer(config.HumanoidConfig{Enabled: false}, nil)
	for i := 0; i < 10; i++ {
		assert.Zero(t, p.NextPause())
	}
}

// TestPacer_PausesNeverNegative verifies the normal draw is clamped at zero.
func TestPacer_PausesNeverNegative(t *testing.T) {
	p := humanoid.NewPacer(testHumanoidConfig(), rand.New(rand.NewSource(1)))
	for i := 0; i < 1000; i++ {
		assert.GreaterOrEqual(t, p.NextPause(), time.Duration(0))
	}
}

// TestPacer_FatigueLengthensPauses verifies the average pause drifts up as
// fatigue accumulates.
func TestPacer_FatigueLengthensPauses(t *testing.T) {
	p := humanoid.NewPacer(testHumanoidConfig(), rand.New(rand.NewSource(7)))

	mean := func(n int) time.Duration {
		var total time.Duration
		for i := 0; i < n; i++ {
			total += p.NextPause()
		}
		return total / time.Duration(n)
	}

	early := mean(50)
	// Burn through draws so fatigue approaches saturation.
	mean(400)
	late := mean(50)
	assert.Greater(t, late, early, "fatigued pauses should run longer")
}

// TestPacer_RestRecovers verifies resting shortens subsequent pauses again.
func TestPacer_RestRecovers(t *testing.T) {
	cfg := testHumanoidConfig()
	cfg.PauseStdDevMs = 0 // deterministic draws so only fatigue moves the value
	p := humanoid.NewPacer(cfg, rand.New(rand.NewSource(1)))

	for i := 0; i < 200; i++ {
		p.NextPause()
	}
	tired := p.NextPause()

	p.Rest(30 * time.Minute)
	rested := p.NextPause()
	assert.Less(t, rested, tired)
}

// TestSleep_HonorsCancellation verifies Sleep returns promptly when the
// context ends.
func TestSleep_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := humanoid.Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// TestSleep_ZeroDuration verifies a non-positive duration returns without
// arming a timer.
func TestSleep_ZeroDuration(t *testing.T) {
	assert.NoError(t, humanoid.Sleep(context.Background(), 0))
	assert.NoError(t, humanoid.Sleep(context.Background(), -time.Second))
}
