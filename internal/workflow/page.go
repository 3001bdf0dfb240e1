// File: internal/workflow/page.go
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Page abstracts the main-tab DOM so handlers and the detector can be tested
// without a browser.
type Page interface {
	Exists(ctx context.Context, sel string) (bool, error)
	Click(ctx context.Context, sel string) error
	Type(ctx context.Context, sel, text string) error
	Text(ctx context.Context, sel string) (string, error)
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
}

// cdpOpTimeout bounds individual DOM operations on the main tab.
const cdpOpTimeout = 5 * time.Second

// CDPPage drives the main tab over the DevTools protocol.
type CDPPage struct {
	tabCtx context.Context
	log    *zap.Logger
}

// NewCDPPage wraps an existing chromedp tab context.
func NewCDPPage(tabCtx context.Context, logger *zap.Logger) *CDPPage {
	return &CDPPage{tabCtx: tabCtx, log: logger.Named("page")}
}

func (p *CDPPage) run(actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(p.tabCtx, cdpOpTimeout)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

func (p *CDPPage) Exists(ctx context.Context, sel string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(
		`(function(){var el=document.querySelector(%q);return !!(el&&el.offsetParent!==null);})()`, sel)
	if err := p.run(chromedp.Evaluate(expr, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (p *CDPPage) Click(ctx context.Context, sel string) error {
	return p.run(chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *CDPPage) Type(ctx context.Context, sel, text string) error {
	return p.run(
		chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	)
}

func (p *CDPPage) Text(ctx context.Context, sel string) (string, error) {
	var text string
	expr := fmt.Sprintf(
		`(function(){var el=document.querySelector(%q);return el?el.textContent.trim():"";})()`, sel)
	if err := p.run(chromedp.Evaluate(expr, &text)); err != nil {
		return "", err
	}
	return text, nil
}

func (p *CDPPage) Navigate(ctx context.Context, url string) error {
	opCtx, cancel := context.WithTimeout(p.tabCtx, 60*time.Second)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.Navigate(url))
}

func (p *CDPPage) Reload(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(p.tabCtx, 60*time.Second)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.Reload())
}

func (p *CDPPage) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := p.run(chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

var _ Page = (*CDPPage)(nil)
