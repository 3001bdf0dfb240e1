// File: internal/solver/page.go
package solver

import "context"

// ChallengePage abstracts the reCAPTCHA challenge DOM so the state machine
// can be driven and tested without a browser. The chromedp implementation
// lives in page_cdp.go.
type ChallengePage interface {
	// CheckboxVisible reports whether the anchor checkbox is on screen.
	CheckboxVisible(ctx context.Context) (bool, error)
	ClickCheckbox(ctx context.Context) error

	// StatusText returns the accessibility status node's current content.
	// A change from the value captured at solver start means the challenge
	// resolved by some other means.
	StatusText(ctx context.Context) (string, error)

	AudioButtonVisible(ctx context.Context) (bool, error)
	ClickAudioButton(ctx context.Context) error

	// AudioErrorShown reports whether the challenge shows an explicit audio
	// error message.
	AudioErrorShown(ctx context.Context) (bool, error)
	ClickReload(ctx context.Context) error

	// AudioSourceURL returns the current challenge audio URL, or "" when no
	// audio challenge is displayed.
	AudioSourceURL(ctx context.Context) (string, error)

	AnswerFieldText(ctx context.Context) (string, error)
	FillAnswer(ctx context.Context, text string) error
	ClickVerify(ctx context.Context) error

	// BlockShown reports whether the host rendered its anti-automation
	// ("automated queries") block message.
	BlockShown(ctx context.Context) (bool, error)

	// Language returns the page's declared language tag.
	Language(ctx context.Context) (string, error)

	// ClearSiteTracking wipes the transient site storage the host uses to
	// flag automated clients, so the post-cooldown attempt starts clean.
	ClearSiteTracking(ctx context.Context) error
}

// Transcriber turns a challenge audio URL into answer text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL, lang string) (string, error)
}
