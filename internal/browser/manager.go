// File: internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kexley/coinloop/internal/config"
)

// Manager owns the headless browser process. Session contexts (tabs) derive
// from the allocator context it holds.
type Manager struct {
	cfg config.BrowserConfig
	log *zap.Logger

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	// wg tracks open tabs for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches the browser process and verifies it responds.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{cfg: cfg, log: logger.Named("browser")}

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	m.allocatorCtx = allocCtx
	m.allocatorCancel = cancel

	// Confirm the browser starts and responds before handing it out.
	testCtx, cancelTest := context.WithTimeout(allocCtx, cfg.StartupTimeout)
	defer cancelTest()
	tabCtx, cancelTab := chromedp.NewContext(testCtx)
	defer cancelTab()

	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.log.Info("Browser launched", zap.Bool("headless", cfg.Headless))
	return m, nil
}

// buildAllocatorOptions assembles flags for a stealthy browser instance. The
// default option set is kept; stealth flags are applied after it, so a false
// bool here removes the matching default flag from the command line entirely.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range m.stealthFlags() {
		opts = append(opts, chromedp.Flag(name, value))
	}
	opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	return opts
}

// stealthFlags is the flag set layered over the defaults. User-supplied args
// land in the same map, so they can override anything here.
func (m *Manager) stealthFlags() map[string]interface{} {
	flags := map[string]interface{}{
		// The defaults pass --enable-automation, which announces automation
		// to the page.
		"enable-automation":         false,
		"headless":                  m.cfg.Headless,
		"ignore-certificate-errors": m.cfg.IgnoreTLSErrors,
		// navigator.webdriver stays false with this Blink feature disabled.
		"disable-blink-features": "AutomationControlled",
		"disable-extensions":     true,
		"disable-gpu":            m.cfg.Headless,
	}

	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
	}

	for _, arg := range m.cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	return flags
}

// NewTab creates an isolated tab context. The returned cancel must be called
// when the tab is done.
func (m *Manager) NewTab() (context.Context, context.CancelFunc) {
	tabCtx, cancel := chromedp.NewContext(m.allocatorCtx)
	m.wg.Add(1)

	var once sync.Once
	wrapped := func() {
		once.Do(func() {
			cancel()
			m.wg.Done()
		})
	}
	return tabCtx, wrapped
}

// Shutdown waits for open tabs (respecting ctx) and terminates the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("Shutdown deadline exceeded, forcing browser termination", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
