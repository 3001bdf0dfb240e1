// File: internal/solver/page_cdp.go
package solver

import (
	"context"
	"fmt"
	"strings"
	"time"

	cdpstorage "github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// reCAPTCHA frame and element selectors. The anchor frame holds the
// checkbox; the bframe holds the audio challenge UI.
const (
	anchorFrameURLPart    = "/recaptcha/api2/anchor"
	challengeFrameURLPart = "/recaptcha/api2/bframe"

	selCheckbox    = "#recaptcha-anchor"
	selStatus      = "#recaptcha-accessibility-status"
	selAudioButton = "#recaptcha-audio-button"
	selAudioSource = "#audio-source"
	selAnswerField = "#audio-response"
	selVerify      = "#recaptcha-verify-button"
	selReload      = "#recaptcha-reload-button"
	selAudioError  = ".rc-audiochallenge-error-message"
	selBlockHeader = ".rc-doscaptcha-header-text"
)

// domOpTimeout bounds every single DOM interaction so a missing element
// surfaces as an error on this tick instead of hanging the poll loop.
const domOpTimeout = 3 * time.Second

// CDPPage drives the real challenge iframes over the DevTools protocol. It
// re-discovers the frame targets on every call because the challenge iframe
// is recreated when the widget reloads.
type CDPPage struct {
	// browserCtx is the chromedp context of the tab hosting the widget.
	browserCtx context.Context
	log        *zap.Logger
}

// NewCDPPage wraps an existing chromedp tab context.
func NewCDPPage(browserCtx context.Context, logger *zap.Logger) *CDPPage {
	return &CDPPage{browserCtx: browserCtx, log: logger.Named("cdppage")}
}

// frameCtx returns a chromedp context attached to the iframe whose URL
// contains urlPart.
func (p *CDPPage) frameCtx(ctx context.Context, urlPart string) (context.Context, context.CancelFunc, error) {
	targets, err := chromedp.Targets(p.browserCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list targets: %w", err)
	}
	for _, t := range targets {
		if t.Type == "iframe" && strings.Contains(t.URL, urlPart) {
			frame, cancel := chromedp.NewContext(p.browserCtx, chromedp.WithTargetID(t.TargetID))
			return frame, cancel, nil
		}
	}
	return nil, nil, fmt.Errorf("no iframe target matching %q", urlPart)
}

// run executes actions against the given frame with the per-op timeout.
func (p *CDPPage) run(ctx context.Context, urlPart string, actions ...chromedp.Action) error {
	frame, cancel, err := p.frameCtx(ctx, urlPart)
	if err != nil {
		return err
	}
	defer cancel()

	opCtx, opCancel := context.WithTimeout(frame, domOpTimeout)
	defer opCancel()
	return chromedp.Run(opCtx, actions...)
}

// visible evaluates element visibility without waiting for the node to
// appear.
func (p *CDPPage) visible(ctx context.Context, urlPart, sel string) (bool, error) {
	var shown bool
	expr := fmt.Sprintf(
		`(function(){var el=document.querySelector(%q);return !!(el&&el.offsetParent!==null);})()`, sel)
	if err := p.run(ctx, urlPart, chromedp.Evaluate(expr, &shown)); err != nil {
		return false, err
	}
	return shown, nil
}

func (p *CDPPage) CheckboxVisible(ctx context.Context) (bool, error) {
	return p.visible(ctx, anchorFrameURLPart, selCheckbox)
}

func (p *CDPPage) ClickCheckbox(ctx context.Context) error {
	return p.run(ctx, anchorFrameURLPart, chromedp.Click(selCheckbox, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *CDPPage) StatusText(ctx context.Context) (string, error) {
	var text string
	expr := fmt.Sprintf(
		`(function(){var el=document.querySelector(%q);return el?el.textContent:"";})()`, selStatus)
	if err := p.run(ctx, anchorFrameURLPart, chromedp.Evaluate(expr, &text)); err != nil {
		return "", err
	}
	return text, nil
}

func (p *CDPPage) AudioButtonVisible(ctx context.Context) (bool, error) {
	return p.visible(ctx, challengeFrameURLPart, selAudioButton)
}

func (p *CDPPage) ClickAudioButton(ctx context.Context) error {
	return p.run(ctx, challengeFrameURLPart, chromedp.Click(selAudioButton, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *CDPPage) AudioErrorShown(ctx context.Context) (bool, error) {
	var text string
	expr := fmt.Sprintf(
		`(function(){var el=document.querySelector(%q);return el?el.textContent.trim():"";})()`, selAudioError)
	if err := p.run(ctx, challengeFrameURLPart, chromedp.Evaluate(expr, &text)); err != nil {
		return false, err
	}
	return text != "", nil
}

func (p *CDPPage) ClickReload(ctx context.Context) error {
	return p.run(ctx, challengeFrameURLPart, chromedp.Click(selReload, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *CDPPage) AudioSourceURL(ctx context.Context) (string, error) {
	var src string
	expr := fmt.Sprintf(
		`(function(){var el=document.querySelector(%q);return el?(el.src||""):"";})()`, selAudioSource)
	if err := p.run(ctx, challengeFrameURLPart, chromedp.Evaluate(expr, &src)); err != nil {
		return "", err
	}
	return src, nil
}

func (p *CDPPage) AnswerFieldText(ctx context.Context) (string, error) {
	var value string
	if err := p.run(ctx, challengeFrameURLPart, chromedp.Value(selAnswerField, &value, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return value, nil
}

func (p *CDPPage) FillAnswer(ctx context.Context, text string) error {
	return p.run(ctx, challengeFrameURLPart,
		chromedp.Click(selAnswerField, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.SendKeys(selAnswerField, text, chromedp.ByQuery),
	)
}

func (p *CDPPage) ClickVerify(ctx context.Context) error {
	return p.run(ctx, challengeFrameURLPart, chromedp.Click(selVerify, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *CDPPage) BlockShown(ctx context.Context) (bool, error) {
	var text string
	expr := fmt.Sprintf(
		`(function(){var el=document.querySelector(%q);return el?el.textContent.trim():"";})()`, selBlockHeader)
	if err := p.run(ctx, challengeFrameURLPart, chromedp.Evaluate(expr, &text)); err != nil {
		// The bframe may not exist yet; that is not a block.
		return false, nil
	}
	return text != "", nil
}

func (p *CDPPage) Language(ctx context.Context) (string, error) {
	var lang string
	opCtx, cancel := context.WithTimeout(p.browserCtx, domOpTimeout)
	defer cancel()
	if err := chromedp.Run(opCtx,
		chromedp.Evaluate(`document.documentElement.lang || "en"`, &lang)); err != nil {
		return "", err
	}
	return lang, nil
}

// ClearSiteTracking wipes cookies and origin storage for the challenge
// provider so the post-cooldown attempt is not recognized immediately.
func (p *CDPPage) ClearSiteTracking(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(p.browserCtx, domOpTimeout)
	defer cancel()
	return chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := cdpstorage.ClearCookies().Do(ctx); err != nil {
			return err
		}
		return cdpstorage.ClearDataForOrigin("https://www.google.com", "all").Do(ctx)
	}))
}

var _ ChallengePage = (*CDPPage)(nil)
