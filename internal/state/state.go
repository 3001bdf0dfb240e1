// File: internal/state/state.go
//
// Package state owns the shared runtime flags and counters that survive page
// navigations and process restarts. Components receive the store by handle;
// nothing reads these flags through ad hoc globals.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Storage keys. The runtime snapshot is rewritten on every mutation.
const (
	keyRuntime     = "state/runtime"
	keyCredentials = "state/credentials"
	keyHistory     = "state/history"
)

// Runtime is the typed schema for the process-wide flags and counters.
type Runtime struct {
	CredentialsReady       bool      `json:"credentials_ready"`
	CaptchaSolved          bool      `json:"captcha_solved"`
	CaptchaInProgress      bool      `json:"captcha_in_progress"`
	LastAutomatedQueriesAt time.Time `json:"last_automated_queries_at"`
	TotalCycles            int       `json:"total_cycles"`
	TotalCoins             int       `json:"total_coins"`
}

// HistoryEntry records one completed earn cycle.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Page   string    `json:"page"`
	Detail string    `json:"detail"`
}

// Store wraps the persisted runtime state behind a mutex. All mutations write
// through to storage so a restart resumes where the last run stopped.
type Store struct {
	mu           sync.Mutex
	rt           Runtime
	history      []HistoryEntry
	historyLimit int

	kv  *storage.Store
	log *zap.Logger
}

// NewStore loads any persisted snapshot from kv, or starts fresh.
func NewStore(ctx context.Context, kv *storage.Store, historyLimit int, logger *zap.Logger) (*Store, error) {
	s := &Store{
		historyLimit: historyLimit,
		kv:           kv,
		log:          logger.Named("state"),
	}

	if raw, ok, err := kv.Get(ctx, keyRuntime); err != nil {
		return nil, fmt.Errorf("failed to load runtime state: %w", err)
	} else if ok {
		if err := json.UnmarshalFromString(raw, &s.rt); err != nil {
			// A corrupt snapshot is discarded rather than wedging startup.
			s.log.Warn("Discarding unreadable runtime state snapshot", zap.Error(err))
			s.rt = Runtime{}
		}
	}

	if raw, ok, err := kv.Get(ctx, keyHistory); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	} else if ok {
		if err := json.UnmarshalFromString(raw, &s.history); err != nil {
			s.log.Warn("Discarding unreadable history log", zap.Error(err))
			s.history = nil
		}
	}

	return s, nil
}

// Snapshot returns a copy of the current runtime state.
func (s *Store) Snapshot() Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// Update applies fn to the runtime state under the lock and persists the
// result.
func (s *Store) Update(ctx context.Context, fn func(*Runtime)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.rt)
	return s.persistRuntime(ctx)
}

// SetCredentialsReady flips the credentials-ready gate.
func (s *Store) SetCredentialsReady(ctx context.Context, ready bool) error {
	return s.Update(ctx, func(rt *Runtime) { rt.CredentialsReady = ready })
}

// SetCaptchaSolved records the solver outcome and clears the in-progress flag.
func (s *Store) SetCaptchaSolved(ctx context.Context, solved bool) error {
	return s.Update(ctx, func(rt *Runtime) {
		rt.CaptchaSolved = solved
		rt.CaptchaInProgress = false
	})
}

// MarkCaptchaInProgress flags that a solver session owns the challenge.
func (s *Store) MarkCaptchaInProgress(ctx context.Context) error {
	return s.Update(ctx, func(rt *Runtime) {
		rt.CaptchaInProgress = true
		rt.CaptchaSolved = false
	})
}

// MarkAutomatedQueries anchors the anti-automation cooldown window at now.
func (s *Store) MarkAutomatedQueries(ctx context.Context) error {
	return s.Update(ctx, func(rt *Runtime) { rt.LastAutomatedQueriesAt = time.Now() })
}

// InCooldown reports whether the anti-automation cooldown window is still
// open, and if so how long remains.
func (s *Store) InCooldown(cooldown time.Duration) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt.LastAutomatedQueriesAt.IsZero() {
		return false, 0
	}
	remaining := cooldown - time.Since(s.rt.LastAutomatedQueriesAt)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// RecordCycle increments the cycle/coin counters and appends to the capped
// history log.
func (s *Store) RecordCycle(ctx context.Context, coins int, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rt.TotalCycles++
	s.rt.TotalCoins += coins
	if err := s.persistRuntime(ctx); err != nil {
		return err
	}

	s.history = append(s.history, entry)
	if s.historyLimit > 0 && len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	raw, err := json.MarshalToString(s.history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	return s.kv.Set(ctx, keyHistory, raw)
}

// History returns a copy of the history log, oldest first.
func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Store) persistRuntime(ctx context.Context) error {
	raw, err := json.MarshalToString(s.rt)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime state: %w", err)
	}
	return s.kv.Set(ctx, keyRuntime, raw)
}
