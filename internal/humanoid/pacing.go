// File: internal/humanoid/pacing.go
//
// Package humanoid paces browser interactions so they resemble a person
// rather than a timer. Pauses are drawn from a normal distribution and a slow
// fatigue factor lengthens them over a session.
package humanoid

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kexley/coinloop/internal/config"
)

// Pacer produces human-like delays between interactions. Safe for use from a
// single workflow goroutine; the mutex guards the rng and fatigue level for
// the odd concurrent caller.
type Pacer struct {
	mu      sync.Mutex
	cfg     config.HumanoidConfig
	rng     *rand.Rand
	fatigue float64 // 0.0 fresh .. 1.0 exhausted
}

// NewPacer creates a Pacer. A nil rng seeds one from the wall clock.
func NewPacer(cfg config.HumanoidConfig, rng *rand.Rand) *Pacer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pacer{cfg: cfg, rng: rng}
}

// NextPause returns the duration of the next cognitive pause. Fatigue makes
// pauses drift longer as the session wears on.
func (p *Pacer) NextPause() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Enabled {
		return 0
	}

	factor := 1.0 + p.fatigue
	ms := factor * (p.cfg.PauseMeanMs + p.rng.NormFloat64()*p.cfg.PauseStdDevMs)
	if ms < 0 {
		ms = 0
	}

	p.fatigue += p.cfg.FatigueRate * (1.0 - p.fatigue)
	return time.Duration(ms) * time.Millisecond
}

// Pause sleeps for a freshly drawn pause duration, honoring ctx cancellation.
func (p *Pacer) Pause(ctx context.Context) error {
	return Sleep(ctx, p.NextPause())
}

// Rest recovers part of the accumulated fatigue, e.g. after a long cycle
// delay.
func (p *Pacer) Rest(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recovery := float64(d) / float64(5*time.Minute)
	p.fatigue -= recovery
	if p.fatigue < 0 {
		p.fatigue = 0
	}
}

// Sleep is a context-aware sleep used for all deliberate delays.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
