// File: internal/transcribe/client.go
//
// Package transcribe talks to the external speech-to-text endpoints that turn
// challenge audio URLs into answer text, and ranks those endpoints by
// observed health.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kexley/coinloop/internal/config"
)

// Response validity bounds. Anything outside is treated as a failed attempt.
const (
	minTranscriptLen = 2
	maxTranscriptLen = 50
)

// ErrUntranscribable is returned for the sentinel "0" body, the endpoint's
// explicit could-not-transcribe signal.
var ErrUntranscribable = errors.New("endpoint could not transcribe the audio")

// ErrInvalidTranscript is returned for bodies that fail the shape checks.
var ErrInvalidTranscript = errors.New("invalid transcription response")

// Client submits audio URLs for transcription, pacing calls with a rate
// limiter and recording per-endpoint outcomes in the pool.
type Client struct {
	cfg     config.TranscribeConfig
	pool    *ServerPool
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient wires a transcription client over the given endpoint pool.
func NewClient(cfg config.TranscribeConfig, pool *ServerPool, httpClient *http.Client, logger *zap.Logger) *Client {
	perSecond := cfg.RatePerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1.0 / 6.0
	}
	return &Client{
		cfg:     cfg,
		pool:    pool,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:     logger.Named("transcribe"),
	}
}

// CanonicalAudioURL rewrites the known challenge-audio hostname to its
// canonical form; the endpoints only whitelist the canonical host.
func CanonicalAudioURL(audioURL string) string {
	u, err := url.Parse(audioURL)
	if err != nil {
		return audioURL
	}
	if u.Host == "www.recaptcha.net" || u.Host == "recaptcha.net" {
		u.Host = "www.google.com"
	}
	return u.String()
}

// Transcribe sends the audio URL and language tag to the best-ranked
// endpoint and returns the validated transcript.
func (c *Client) Transcribe(ctx context.Context, audioURL, lang string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	endpoint := c.pool.Pick()
	start := time.Now()
	transcript, err := c.post(ctx, endpoint, CanonicalAudioURL(audioURL), lang)
	elapsed := time.Since(start)

	if err != nil {
		c.pool.RecordFailure(ctx, endpoint)
		c.log.Warn("Transcription attempt failed",
			zap.String("endpoint", endpoint),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return "", err
	}

	c.pool.RecordSuccess(ctx, endpoint, elapsed)
	c.log.Info("Transcription received",
		zap.String("endpoint", endpoint),
		zap.Duration("elapsed", elapsed),
		zap.Int("length", len(transcript)))
	return transcript, nil
}

func (c *Client) post(ctx context.Context, endpoint, audioURL, lang string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	form := url.Values{
		"input": {audioURL},
		"lang":  {lang},
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("failed to read transcription response: %w", err)
	}
	return ValidateTranscript(string(body))
}

// ValidateTranscript accepts only a short plain string: 2-50 characters, no
// HTML markup, and not the literal sentinel "0".
func ValidateTranscript(body string) (string, error) {
	transcript := strings.TrimSpace(body)
	if transcript == "0" {
		return "", ErrUntranscribable
	}
	if len(transcript) < minTranscriptLen || len(transcript) > maxTranscriptLen {
		return "", fmt.Errorf("%w: length %d outside [%d, %d]", ErrInvalidTranscript, len(transcript), minTranscriptLen, maxTranscriptLen)
	}
	if strings.ContainsAny(transcript, "<>") {
		return "", fmt.Errorf("%w: contains markup", ErrInvalidTranscript)
	}
	return transcript, nil
}

// ProbeLatency measures one round trip to every endpoint and records it in
// the pool. Used at startup to seed the ranking.
func (c *Client) ProbeLatency(ctx context.Context) {
	for _, endpoint := range c.cfg.Endpoints {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.pool.RecordFailure(ctx, endpoint)
			continue
		}
		resp.Body.Close()
		c.pool.RecordLatency(ctx, endpoint, time.Since(start))
	}
}
