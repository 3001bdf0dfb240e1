// File: internal/workflow/workflow_test.go
package workflow_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/bus"
	"github.com/kexley/coinloop/internal/config"
	"github.com/kexley/coinloop/internal/humanoid"
	"github.com/kexley/coinloop/internal/state"
	"github.com/kexley/coinloop/internal/storage"
	"github.com/kexley/coinloop/internal/workflow"
)

// fakePage is a scripted main-tab page: selectors marked present are
// "visible", and interactions are recorded.
type fakePage struct {
	mu       sync.Mutex
	present  map[string]bool
	texts    map[string]string
	typed    map[string]string
	clicks   map[string]int
	reloads  int
	location string
}

func newFakePage() *fakePage {
	return &fakePage{
		present: make(map[string]bool),
		texts:   make(map[string]string),
		typed:   make(map[string]string),
		clicks:  make(map[string]int),
	}
}

func (p *fakePage) Exists(ctx context.Context, sel string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.present[sel], nil
}

func (p *fakePage) Click(ctx context.Context, sel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.present[sel] {
		return errors.New("element not found: " + sel)
	}
	p.clicks[sel]++
	return nil
}

func (p *fakePage) Type(ctx context.Context, sel, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.present[sel] {
		return errors.New("element not found: " + sel)
	}
	p.typed[sel] = text
	return nil
}

func (p *fakePage) Text(ctx context.Context, sel string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texts[sel], nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.location = url
	return nil
}

func (p *fakePage) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return nil
}

func (p *fakePage) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, nil
}

func (p *fakePage) clickCount(sel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clicks[sel]
}

func (p *fakePage) typedText(sel string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[sel]
}

var _ workflow.Page = (*fakePage)(nil)

type workflowEnv struct {
	cfg   config.WorkflowConfig
	page  *fakePage
	sel   *workflow.Selectors
	state *state.Store
	bus   *bus.Bus
	pacer *humanoid.Pacer
}

func newWorkflowEnv(t *testing.T) *workflowEnv {
	t.Helper()
	kv, err := storage.Open(filepath.Join(t.TempDir(), "kv.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	st, err := state.NewStore(context.Background(), kv, 10, zap.NewNop())
	require.NoError(t, err)

	return &workflowEnv{
		cfg: config.WorkflowConfig{
			TargetCycles: 0,
			CycleDelay:   5 * time.Millisecond,
			HistoryLimit: 10,
		},
		page:  newFakePage(),
		sel:   workflow.NewSelectors(nil),
		state: st,
		bus:   bus.New(zap.NewNop()),
		pacer: humanoid.NewPacer(config.HumanoidConfig{Enabled: false}, nil),
	}
}

func (e *workflowEnv) newWorkflow() *workflow.Workflow {
	return workflow.New(e.cfg, e.page, e.sel, e.state, e.bus, e.pacer, zap.NewNop())
}

// mark flags the selector for key as present on the page.
func (e *workflowEnv) mark(key string) {
	e.page.mu.Lock()
	e.page.present[e.sel.Get(key)] = true
	e.page.mu.Unlock()
}

// TestDetector_Classification verifies each probe maps to its page type and
// that popups take precedence over everything underneath.
func TestDetector_Classification(t *testing.T) {
	cases := []struct {
		name string
		keys []string
		want workflow.PageType
	}{
		{"login", []string{"probe_login"}, workflow.PageLogin},
		{"earn", []string{"probe_earn"}, workflow.PageEarn},
		{"home", []string{"probe_home"}, workflow.PageHome},
		{"logout", []string{"probe_logout"}, workflow.PageLogout},
		{"popup over login", []string{"probe_login", "probe_popup"}, workflow.PagePopup},
		{"nothing", nil, workflow.PageUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newWorkflowEnv(t)
			for _, key := range tc.keys {
				env.mark(key)
			}
			d := workflow.NewDetector(env.sel)
			assert.Equal(t, tc.want, d.Detect(context.Background(), env.page))
		})
	}
}

// TestSelectors_FallbackTable verifies the built-in table answers when no
// module registry is attached.
func TestSelectors_FallbackTable(t *testing.T) {
	sel := workflow.NewSelectors(nil)
	assert.NotEmpty(t, sel.Get("probe_login"))
	assert.NotEmpty(t, sel.Get("login_submit"))
	assert.Empty(t, sel.Get("no_such_key"))
}

// TestWorkflow_TargetCyclesStopsRun verifies the loop exits cleanly once the
// configured cycle count is reached.
func TestWorkflow_TargetCyclesStopsRun(t *testing.T) {
	env := newWorkflowEnv(t)
	env.cfg.TargetCycles = 1
	require.NoError(t, env.state.RecordCycle(context.Background(), 1, state.HistoryEntry{Page: "earn"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, env.newWorkflow().Run(ctx))
}

// TestWorkflow_LoginFillsCredentialsAndHoldsSubmit verifies the login handler
// types the stored pair, raises the ready signal, and does not submit until
// the captcha clears.
func TestWorkflow_LoginFillsCredentialsAndHoldsSubmit(t *testing.T) {
	ctx := context.Background()
	env := newWorkflowEnv(t)
	env.mark("probe_login")
	env.mark("login_username")
	env.mark("login_password")
	env.mark("login_submit")
	require.NoError(t, env.state.SaveCredentials(ctx, state.Credentials{
		Username: "earner@example.com",
		Password: "hunter2",
	}))

	ready, cancelSub := env.bus.Subscribe(bus.TypeCredentialsReady)
	defer cancelSub()

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = env.newWorkflow().Run(runCtx)

	assert.Equal(t, "earner@example.com", env.page.typedText(env.sel.Get("login_username")))
	assert.Equal(t, "hunter2", env.page.typedText(env.sel.Get("login_password")))
	assert.True(t, env.state.Snapshot().CredentialsReady)
	assert.Zero(t, env.page.clickCount(env.sel.Get("login_submit")),
		"submit must wait for the captcha")

	select {
	case msg := <-ready:
		assert.Equal(t, "workflow", msg.Origin)
	case <-time.After(time.Second):
		t.Fatal("expected a credentials_ready broadcast")
	}
}

// TestWorkflow_LoginSubmitsAfterCaptcha verifies the submit goes through once
// the solved flag is set.
func TestWorkflow_LoginSubmitsAfterCaptcha(t *testing.T) {
	ctx := context.Background()
	env := newWorkflowEnv(t)
	env.mark("probe_login")
	env.mark("login_username")
	env.mark("login_password")
	env.mark("login_submit")
	require.NoError(t, env.state.SaveCredentials(ctx, state.Credentials{Username: "u", Password: "p"}))
	require.NoError(t, env.state.SetCaptchaSolved(ctx, true))

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = env.newWorkflow().Run(runCtx)

	assert.GreaterOrEqual(t, env.page.clickCount(env.sel.Get("login_submit")), 1)
}

// TestWorkflow_MissingCredentialsRequested verifies the handler broadcasts a
// credentials request instead of typing nothing.
func TestWorkflow_MissingCredentialsRequested(t *testing.T) {
	env := newWorkflowEnv(t)
	env.mark("probe_login")

	requests, cancelSub := env.bus.Subscribe(bus.TypeCredentialsRequest)
	defer cancelSub()

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = env.newWorkflow().Run(runCtx)

	select {
	case msg := <-requests:
		assert.Equal(t, bus.TypeCredentialsRequest, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a credentials_request broadcast")
	}
	assert.Empty(t, env.page.typedText(env.sel.Get("login_username")))
}

// TestWorkflow_CredentialRequestAnswered verifies the login handler waits for
// a reply to its credentials request, re-reads the store, and fills the pair
// stored while it waited.
func TestWorkflow_CredentialRequestAnswered(t *testing.T) {
	env := newWorkflowEnv(t)
	env.cfg.CredentialsWait = time.Second
	env.mark("probe_login")
	env.mark("login_username")
	env.mark("login_password")

	// Play the keeper of the store: save credentials on request and reply so
	// the handler stops waiting.
	requests, cancelSub := env.bus.Subscribe(bus.TypeCredentialsRequest)
	defer cancelSub()
	go func() {
		req, ok := <-requests
		if !ok {
			return
		}
		_ = env.state.SaveCredentials(context.Background(), state.Credentials{
			Username: "late@example.com",
			Password: "s3cret",
		})
		env.bus.Publish(bus.Message{
			Type:      bus.TypeCredentialsReady,
			InReplyTo: req.ID,
			Origin:    "store",
		})
	}()

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = env.newWorkflow().Run(runCtx)

	assert.Equal(t, "late@example.com", env.page.typedText(env.sel.Get("login_username")))
	assert.Equal(t, "s3cret", env.page.typedText(env.sel.Get("login_password")))
	assert.True(t, env.state.Snapshot().CredentialsReady)
}

// TestWorkflow_EarnRecordsCycle verifies the earn handler clicks the action
// and bumps the counters.
func TestWorkflow_EarnRecordsCycle(t *testing.T) {
	env := newWorkflowEnv(t)
	env.cfg.TargetCycles = 2
	env.mark("probe_earn")
	env.mark("earn_action")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.newWorkflow().Run(ctx))

	snapshot := env.state.Snapshot()
	assert.Equal(t, 2, snapshot.TotalCycles)
	assert.Equal(t, 2, snapshot.TotalCoins)
	assert.Equal(t, 2, env.page.clickCount(env.sel.Get("earn_action")))
	assert.Len(t, env.state.History(), 2)
}

// TestWorkflow_ReloadRequestHonored verifies a reload_required message makes
// the loop refresh the page before the next probe.
func TestWorkflow_ReloadRequestHonored(t *testing.T) {
	env := newWorkflowEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	wf := env.newWorkflow()
	go func() {
		defer close(done)
		_ = wf.Run(ctx)
	}()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	env.bus.Publish(bus.Message{Type: bus.TypeReloadRequired, Origin: "solver"})
	<-done

	env.page.mu.Lock()
	reloads := env.page.reloads
	env.page.mu.Unlock()
	assert.GreaterOrEqual(t, reloads, 1)
}

// TestWorkflow_LogoutClearsSessionFlags verifies the logout handler resets
// the flags and reloads for a fresh login.
func TestWorkflow_LogoutClearsSessionFlags(t *testing.T) {
	ctx := context.Background()
	env := newWorkflowEnv(t)
	env.mark("probe_logout")
	require.NoError(t, env.state.SetCredentialsReady(ctx, true))
	require.NoError(t, env.state.SetCaptchaSolved(ctx, true))

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = env.newWorkflow().Run(runCtx)

	snapshot := env.state.Snapshot()
	assert.False(t, snapshot.CredentialsReady)
	assert.False(t, snapshot.CaptchaSolved)
	env.page.mu.Lock()
	reloads := env.page.reloads
	env.page.mu.Unlock()
	assert.GreaterOrEqual(t, reloads, 1)
}

// TestWorkflow_PopupDismissed verifies the popup handler clicks the dismiss
// control.
func TestWorkflow_PopupDismissed(t *testing.T) {
	env := newWorkflowEnv(t)
	env.mark("probe_popup")
	env.mark("popup_dismiss")

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = env.newWorkflow().Run(runCtx)

	assert.GreaterOrEqual(t, env.page.clickCount(env.sel.Get("popup_dismiss")), 1)
}
