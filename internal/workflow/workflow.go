// File: internal/workflow/workflow.go
//
// Package workflow is the main-page side of the bot: it classifies whatever
// the rewards site is showing and dispatches the matching handler, mutating
// the shared runtime state as steps complete.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/bus"
	"github.com/kexley/coinloop/internal/config"
	"github.com/kexley/coinloop/internal/humanoid"
	"github.com/kexley/coinloop/internal/state"
)

// Workflow owns the detect-dispatch loop for the main tab.
type Workflow struct {
	cfg      config.WorkflowConfig
	page     Page
	detector *Detector
	sel      *Selectors
	state    *state.Store
	bus      *bus.Bus
	pacer    *humanoid.Pacer
	log      *zap.Logger
}

// New wires a workflow over the given page.
func New(cfg config.WorkflowConfig, page Page, sel *Selectors, st *state.Store, b *bus.Bus, pacer *humanoid.Pacer, logger *zap.Logger) *Workflow {
	return &Workflow{
		cfg:      cfg,
		page:     page,
		detector: NewDetector(sel),
		sel:      sel,
		state:    st,
		bus:      b,
		pacer:    pacer,
		log:      logger.Named("workflow"),
	}
}

// Run drives the earning loop until the target cycle count is reached or the
// context ends. Reload requests from the solver are honored between steps.
func (w *Workflow) Run(ctx context.Context) error {
	reloads, cancel := w.bus.Subscribe(bus.TypeReloadRequired)
	defer cancel()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		snapshot := w.state.Snapshot()
		if w.cfg.TargetCycles > 0 && snapshot.TotalCycles >= w.cfg.TargetCycles {
			w.log.Info("Target cycles reached", zap.Int("cycles", snapshot.TotalCycles))
			return nil
		}

		select {
		case <-reloads:
			w.log.Info("Reload requested; refreshing page")
			if err := w.page.Reload(ctx); err != nil {
				w.log.Warn("Page reload failed", zap.Error(err))
			}
			// A reload after a block deserves the full cycle delay before
			// the next probe.
			if err := humanoid.Sleep(ctx, w.cfg.CycleDelay); err != nil {
				return err
			}
			continue
		default:
		}

		pageType := w.detector.Detect(ctx, w.page)
		if err := w.dispatch(ctx, pageType); err != nil {
			w.log.Warn("Handler failed", zap.String("page", string(pageType)), zap.Error(err))
		}

		w.pacer.Rest(w.cfg.CycleDelay)
		if err := humanoid.Sleep(ctx, w.cfg.CycleDelay); err != nil {
			return err
		}
	}
}

func (w *Workflow) dispatch(ctx context.Context, pageType PageType) error {
	w.log.Debug("Dispatching", zap.String("page", string(pageType)))
	switch pageType {
	case PageLogin:
		return w.handleLogin(ctx)
	case PageEarn:
		return w.handleEarn(ctx)
	case PageHome:
		return w.handleHome(ctx)
	case PageLogout:
		return w.handleLogout(ctx)
	case PagePopup:
		return w.handlePopup(ctx)
	default:
		return fmt.Errorf("unrecognized page layout")
	}
}

// handleLogin fills the stored credentials and raises the credentials-ready
// signal that gates the solver.
func (w *Workflow) handleLogin(ctx context.Context) error {
	creds, ok, err := w.state.LoadCredentials(ctx)
	if err != nil {
		return err
	}
	if !ok {
		creds, ok, err = w.requestCredentials(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no usable credentials stored")
		}
	}

	if err := w.page.Type(ctx, w.sel.Get("login_username"), creds.Username); err != nil {
		return err
	}
	if err := w.pacer.Pause(ctx); err != nil {
		return err
	}
	if err := w.page.Type(ctx, w.sel.Get("login_password"), creds.Password); err != nil {
		return err
	}

	if err := w.state.SetCredentialsReady(ctx, true); err != nil {
		return err
	}
	w.bus.Publish(bus.Message{Type: bus.TypeCredentialsReady, Origin: "workflow"})

	// The submit only goes through once the challenge is out of the way.
	if w.state.Snapshot().CaptchaSolved {
		if err := w.pacer.Pause(ctx); err != nil {
			return err
		}
		return w.page.Click(ctx, w.sel.Get("login_submit"))
	}
	w.log.Debug("Holding login submit until the captcha clears")
	return nil
}

// requestCredentials asks whichever context holds fresh credentials to store
// them and re-reads the store once the reply arrives. An unanswered request
// within the wait is not fatal; the next cycle asks again.
func (w *Workflow) requestCredentials(ctx context.Context) (state.Credentials, bool, error) {
	req := bus.Message{Type: bus.TypeCredentialsRequest, Origin: "workflow"}
	if w.cfg.CredentialsWait <= 0 {
		w.bus.Publish(req)
		return state.Credentials{}, false, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.CredentialsWait)
	defer cancel()
	if _, err := w.bus.Request(reqCtx, req); err != nil {
		w.log.Debug("Credentials request went unanswered", zap.Error(err))
		return state.Credentials{}, false, nil
	}
	return w.state.LoadCredentials(ctx)
}

// handleEarn performs one earning interaction and records the cycle.
func (w *Workflow) handleEarn(ctx context.Context) error {
	if err := w.pacer.Pause(ctx); err != nil {
		return err
	}
	if err := w.page.Click(ctx, w.sel.Get("earn_action")); err != nil {
		return err
	}

	coins := 1
	if text, err := w.page.Text(ctx, w.sel.Get("earn_counter")); err == nil && text != "" {
		// The counter is display-only; the increment matters, not the total.
		w.log.Debug("Earn counter", zap.String("value", text))
	}

	return w.state.RecordCycle(ctx, coins, state.HistoryEntry{
		At:     time.Now(),
		Page:   string(PageEarn),
		Detail: "earn action clicked",
	})
}

// handleHome navigates from the dashboard into the earning section.
func (w *Workflow) handleHome(ctx context.Context) error {
	if err := w.pacer.Pause(ctx); err != nil {
		return err
	}
	return w.page.Click(ctx, w.sel.Get("home_earn_link"))
}

// handleLogout clears the session flags so the next login starts clean.
func (w *Workflow) handleLogout(ctx context.Context) error {
	if err := w.state.SetCredentialsReady(ctx, false); err != nil {
		return err
	}
	if err := w.state.SetCaptchaSolved(ctx, false); err != nil {
		return err
	}
	return w.page.Reload(ctx)
}

// handlePopup dismisses whatever modal is overlaying the page.
func (w *Workflow) handlePopup(ctx context.Context) error {
	if err := w.pacer.Pause(ctx); err != nil {
		return err
	}
	return w.page.Click(ctx, w.sel.Get("popup_dismiss"))
}
