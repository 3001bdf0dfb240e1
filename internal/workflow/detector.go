// File: internal/workflow/detector.go
package workflow

import (
	"context"

	"github.com/kexley/coinloop/internal/loader"
)

// PageType classifies what the rewards site is currently showing.
type PageType string

const (
	PageLogin   PageType = "login"
	PageEarn    PageType = "earn"
	PageHome    PageType = "home"
	PageLogout  PageType = "logout"
	PagePopup   PageType = "popup"
	PageUnknown PageType = "unknown"
)

// Fallback selectors used when the core module does not export overrides.
// The site ships selector updates through the module channel so a markup
// change does not require a new binary.
var defaultSelectors = map[string]string{
	"probe_login":  "form#login-form input[type=password]",
	"probe_earn":   "#earn-panel .earn-action",
	"probe_home":   "#dashboard-root",
	"probe_logout": "#logged-out-banner",
	"probe_popup":  ".modal-overlay[data-active='true']",

	"login_username": "form#login-form input[name=username]",
	"login_password": "form#login-form input[name=password]",
	"login_submit":   "form#login-form button[type=submit]",
	"earn_action":    "#earn-panel .earn-action",
	"earn_counter":   "#earn-panel .coin-counter",
	"home_earn_link": "a[href*='/earn']",
	"popup_dismiss":  ".modal-overlay[data-active='true'] .modal-close",
}

// Selectors resolves selector keys against the loaded core module first,
// falling back to the built-in table.
type Selectors struct {
	registry *loader.Loader
}

// NewSelectors builds a selector resolver over the module registry. A nil
// registry uses the built-in table only.
func NewSelectors(registry *loader.Loader) *Selectors {
	return &Selectors{registry: registry}
}

// Get returns the selector for key.
func (s *Selectors) Get(key string) string {
	if s.registry != nil {
		if exports, ok := s.registry.Exports("core"); ok {
			if sel, ok := exports.String("selector_" + key); ok && sel != "" {
				return sel
			}
		}
	}
	return defaultSelectors[key]
}

// Detector probes the page to classify it. Popups are checked first because
// they overlay every other page type.
type Detector struct {
	sel *Selectors
}

// NewDetector builds a detector using the given selector resolver.
func NewDetector(sel *Selectors) *Detector {
	return &Detector{sel: sel}
}

// Detect returns the current page type. A probe error is treated as "not
// this page" so one flaky selector cannot wedge classification.
func (d *Detector) Detect(ctx context.Context, page Page) PageType {
	probes := []struct {
		key string
		typ PageType
	}{
		{"probe_popup", PagePopup},
		{"probe_login", PageLogin},
		{"probe_logout", PageLogout},
		{"probe_earn", PageEarn},
		{"probe_home", PageHome},
	}
	for _, probe := range probes {
		if found, err := page.Exists(ctx, d.sel.Get(probe.key)); err == nil && found {
			return probe.typ
		}
	}
	return PageUnknown
}
