// File: internal/solver/solver.go
//
// Package solver drives the reCAPTCHA audio-challenge loop: a polling state
// machine that clicks through the challenge UI, ships audio URLs to the
// transcription endpoints, and signals completion to the rest of the bot
// over the message bus.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/bus"
	"github.com/kexley/coinloop/internal/config"
	"github.com/kexley/coinloop/internal/state"
)

// Status is the solver's coarse lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCooldown
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCooldown:
		return "cooldown"
	}
	return "unknown"
}

// ErrMaxAttempts is returned when the solver gives up after exhausting its
// transcription attempts. Distinct from a block: no page reload is issued.
var ErrMaxAttempts = errors.New("max transcription attempts exhausted")

// ErrBlocked is returned when the host rendered its anti-automation block;
// the caller must wait out the cooldown and reload.
var ErrBlocked = errors.New("anti-automation block detected")

// session is the per-challenge state, reset on every Run.
type session struct {
	requestCount    int
	waitingForAudio bool
	// audioURL is the last challenge audio URL submitted for transcription;
	// used to tell a fresh challenge from a repeat.
	audioURL          string
	submittedSpent    bool // the submitted URL failed; warrants a reload
	language          string
	initialStatusText string
	checkboxClicked   bool
	audioClicked      bool
}

// Solver runs the polling state machine over one challenge page.
type Solver struct {
	cfg   config.SolverConfig
	page  ChallengePage
	stt   Transcriber
	state *state.Store
	bus   *bus.Bus
	log   *zap.Logger

	mu       sync.Mutex
	status   Status
	sess     session
	inflight sync.WaitGroup
}

// New wires a solver over the given challenge page.
func New(cfg config.SolverConfig, page ChallengePage, stt Transcriber, st *state.Store, b *bus.Bus, logger *zap.Logger) *Solver {
	return &Solver{
		cfg:    cfg,
		page:   page,
		stt:    stt,
		state:  st,
		bus:    b,
		log:    logger.Named("solver"),
		status: StatusIdle,
	}
}

// Status returns the solver's current lifecycle status.
func (s *Solver) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CooldownRemaining reports how much of the anti-automation cooldown window
// is left, or zero when the window is closed.
func (s *Solver) CooldownRemaining() time.Duration {
	blocked, remaining := s.state.InCooldown(s.cfg.Cooldown)
	if !blocked {
		return 0
	}
	return remaining
}

// Run executes the solver until the challenge completes, fails, or a block
// forces a cooldown. It blocks the calling goroutine.
func (s *Solver) Run(ctx context.Context) (Status, error) {
	// Restarting inside the anti-automation cooldown window is deliberately
	// deferred; the caller retries after the window closes.
	if blocked, remaining := s.state.InCooldown(s.cfg.Cooldown); blocked {
		s.log.Info("Solver start deferred by cooldown", zap.Duration("remaining", remaining))
		s.setStatus(StatusCooldown)
		return StatusCooldown, nil
	}

	if err := s.awaitCredentials(ctx); err != nil {
		return StatusIdle, err
	}

	if err := s.begin(ctx); err != nil {
		return StatusIdle, err
	}
	defer s.inflight.Wait()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setStatus(StatusIdle)
			return StatusIdle, ctx.Err()
		case <-ticker.C:
			done, err := s.safeTick(ctx)
			if err != nil {
				return s.Status(), err
			}
			if done {
				return s.Status(), nil
			}
		}
	}
}

// awaitCredentials blocks until the credentials-ready signal arrives: direct
// state flag first, then the bus, then a bounded-wait force-proceed so a lost
// message cannot deadlock the solver forever.
func (s *Solver) awaitCredentials(ctx context.Context) error {
	if s.state.Snapshot().CredentialsReady {
		return nil
	}

	msgs, cancel := s.bus.Subscribe(bus.TypeCredentialsReady)
	defer cancel()

	// Re-check after subscribing to close the race with a flag set between
	// the first check and the subscription.
	if s.state.Snapshot().CredentialsReady {
		return nil
	}

	s.log.Info("Waiting for credentials-ready signal", zap.Duration("max_wait", s.cfg.CredentialsWait))
	timer := time.NewTimer(s.cfg.CredentialsWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-msgs:
		return nil
	case <-timer.C:
		s.log.Warn("Credentials-ready signal never arrived; proceeding anyway")
		return nil
	}
}

// begin captures the session baselines and flags the challenge as owned.
func (s *Solver) begin(ctx context.Context) error {
	lang, err := s.page.Language(ctx)
	if err != nil || lang == "" {
		lang = "en"
	}
	statusText, err := s.page.StatusText(ctx)
	if err != nil {
		statusText = ""
	}

	s.mu.Lock()
	s.status = StatusRunning
	s.sess = session{language: lang, initialStatusText: statusText}
	s.mu.Unlock()

	if err := s.state.MarkCaptchaInProgress(ctx); err != nil {
		return fmt.Errorf("failed to mark captcha in progress: %w", err)
	}
	s.log.Info("Solver started", zap.String("lang", lang))
	return nil
}

// safeTick wraps one tick in a recover so a broken tick stops the loop
// instead of spinning forever.
func (s *Solver) safeTick(ctx context.Context) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Solver tick panicked", zap.Any("panic", r))
			s.setStatus(StatusFailed)
			done, err = true, fmt.Errorf("solver tick panicked: %v", r)
		}
	}()
	return s.tick(ctx)
}

// tick runs one poll iteration. Unexpected per-element errors are treated as
// a skipped step and retried on the next tick.
func (s *Solver) tick(ctx context.Context) (bool, error) {
	// A rendered block message overrides everything else: stop, clean up,
	// anchor the cooldown, and ask for a full reload.
	if blocked, err := s.page.BlockShown(ctx); err == nil && blocked {
		return true, s.handleBlock(ctx)
	}

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	// (a) Click the anchor checkbox once.
	if !sess.checkboxClicked {
		if visible, err := s.page.CheckboxVisible(ctx); err == nil && visible {
			if err := s.page.ClickCheckbox(ctx); err != nil {
				s.log.Debug("Checkbox click failed, will retry", zap.Error(err))
				return false, nil
			}
			s.mu.Lock()
			s.sess.checkboxClicked = true
			s.mu.Unlock()
			return false, nil
		}
	}

	// (b) A status-text change means the challenge resolved without us
	// (e.g. a low-risk auto-pass).
	if statusText, err := s.page.StatusText(ctx); err == nil && statusText != sess.initialStatusText {
		return true, s.complete(ctx)
	}

	// (c) Give up once the attempt budget is spent. No reload: "tried and
	// gave up" is not "blocked, must restart".
	if sess.requestCount >= s.cfg.MaxAttempts {
		s.log.Warn("Giving up", zap.Int("attempts", sess.requestCount))
		s.setStatus(StatusFailed)
		return true, ErrMaxAttempts
	}

	// (d) Switch from the image challenge to the audio challenge.
	if !sess.audioClicked {
		if visible, err := s.page.AudioButtonVisible(ctx); err == nil && visible {
			if err := s.page.ClickAudioButton(ctx); err != nil {
				s.log.Debug("Audio button click failed, will retry", zap.Error(err))
				return false, nil
			}
			s.mu.Lock()
			s.sess.audioClicked = true
			s.mu.Unlock()
			return false, nil
		}
	}

	// (e) Reload when the challenge shows an audio error, or when the
	// current audio was already submitted and did not succeed.
	audioURL, err := s.page.AudioSourceURL(ctx)
	if err != nil {
		s.log.Debug("Audio source probe failed, will retry", zap.Error(err))
		return false, nil
	}
	errShown, _ := s.page.AudioErrorShown(ctx)
	spentRepeat := audioURL != "" && audioURL == sess.audioURL && sess.submittedSpent && !sess.waitingForAudio
	if errShown || spentRepeat {
		if err := s.page.ClickReload(ctx); err != nil {
			s.log.Debug("Reload click failed, will retry", zap.Error(err))
		}
		return false, nil
	}

	// (f) Submit a fresh audio URL, at most one request in flight.
	if audioURL != "" && audioURL != sess.audioURL && !sess.waitingForAudio {
		s.submitAudio(ctx, audioURL, sess.language)
	}

	return false, nil
}

// submitAudio ships the audio URL to the transcription endpoints in the
// background; the poll loop keeps running. The response is applied only if
// the challenge has not rotated since.
func (s *Solver) submitAudio(ctx context.Context, audioURL, lang string) {
	s.mu.Lock()
	s.sess.waitingForAudio = true
	s.sess.audioURL = audioURL
	s.sess.submittedSpent = false
	s.sess.requestCount++
	attempt := s.sess.requestCount
	s.mu.Unlock()

	s.log.Info("Submitting challenge audio", zap.Int("attempt", attempt))

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		transcript, err := s.stt.Transcribe(ctx, audioURL, lang)

		s.mu.Lock()
		s.sess.waitingForAudio = false
		stale := s.sess.audioURL != audioURL || s.status != StatusRunning
		if err != nil {
			s.sess.submittedSpent = true
		}
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("Transcription failed", zap.Int("attempt", attempt), zap.Error(err))
			return
		}
		if stale {
			// The challenge rotated while we waited; the transcript belongs
			// to a superseded audio URL.
			s.log.Debug("Discarding stale transcript", zap.Int("attempt", attempt))
			return
		}
		if err := s.applyTranscript(ctx, audioURL, transcript); err != nil {
			s.log.Warn("Failed to apply transcript", zap.Error(err))
			s.mu.Lock()
			s.sess.submittedSpent = true
			s.mu.Unlock()
		}
	}()
}

// applyTranscript fills the answer and clicks verify, guarded against a
// rotated challenge and against double-submission.
func (s *Solver) applyTranscript(ctx context.Context, audioURL, transcript string) error {
	current, err := s.page.AudioSourceURL(ctx)
	if err != nil {
		return err
	}
	if current != audioURL {
		s.log.Debug("Challenge rotated before answer could be applied")
		return nil
	}

	existing, err := s.page.AnswerFieldText(ctx)
	if err != nil {
		return err
	}
	if existing != "" {
		s.log.Debug("Answer field already populated; skipping to avoid double submission")
		return nil
	}

	if err := s.page.FillAnswer(ctx, transcript); err != nil {
		return err
	}
	return s.page.ClickVerify(ctx)
}

// complete marks shared state and broadcasts the solved signal to every
// context that may be waiting on it.
func (s *Solver) complete(ctx context.Context) error {
	s.setStatus(StatusCompleted)
	if err := s.state.SetCaptchaSolved(ctx, true); err != nil {
		return err
	}
	s.bus.Publish(bus.Message{
		Type:   bus.TypeCaptchaSolved,
		Origin: "solver",
	})
	s.log.Info("Challenge solved")
	return nil
}

// handleBlock is the anti-automation recovery path: no ordinary retry, just
// cleanup, a cooldown anchor, and a full reload request.
func (s *Solver) handleBlock(ctx context.Context) error {
	s.log.Warn("Anti-automation block detected; entering cooldown")
	s.setStatus(StatusCooldown)

	if err := s.page.ClearSiteTracking(ctx); err != nil {
		s.log.Warn("Failed to clear site tracking state", zap.Error(err))
	}
	if err := s.state.MarkAutomatedQueries(ctx); err != nil {
		return err
	}
	s.bus.Publish(bus.Message{
		Type:   bus.TypeReloadRequired,
		Origin: "solver",
	})
	return ErrBlocked
}

func (s *Solver) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
