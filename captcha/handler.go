// Package captcha implements the detection and multi-strategy solve flow
// from spec §4.4: a fixed-selector detector, three solve strategies tried in
// order (reCAPTCHA tile selection, hCaptcha checkbox, text/image challenge),
// and a host-keyed shortcut cache that lets a later visit skip straight to
// the strategy that worked before.
package captcha

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/config"
	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// State names a position in the §4.4 state machine.
type State string

const (
	StateIdle      State = "idle"
	StateDetected  State = "detected"
	StateSolved    State = "solved"
	StateFailed    State = "failed"
)

// Typer is the minimal capability the text/image strategy needs to answer a
// challenge: type text into a matched field. Satisfied by browser.Session's
// Type method, so the handler does not depend on the tools package.
type Typer interface {
	Type(ctx context.Context, fieldMatcher, text string, pressEnter bool) error
}

// Handler runs detection and the ordered solve strategies against one
// browser session.
type Handler struct {
	session *browser.Session
	vision  llm.Provider
	cache   *Cache
	cfg     config.CaptchaConfig
	logger  *zap.Logger
}

// NewHandler builds a Handler bound to session, using vision for tile
// selection and text-challenge reading, and cache for the host shortcut.
func NewHandler(session *browser.Session, vision llm.Provider, cache *Cache, cfg config.CaptchaConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{session: session, vision: vision, cache: cache, cfg: cfg, logger: logger.With(zap.String("component", "captcha_handler"))}
}

// PreCheck implements the Decision Loop's and Replay Engine's CAPTCHA
// pre-check: detect, and if found, attempt to solve. It returns whether a
// CAPTCHA was detected and, if so, whether it was solved.
func (h *Handler) PreCheck(ctx context.Context, pageURL string, typer Typer) (detected, solved bool, err error) {
	if !h.cfg.SolverEnabled {
		detected, err = h.Detect(ctx)
		return detected, false, err
	}

	detected, err = h.Detect(ctx)
	if err != nil || !detected {
		return detected, false, err
	}

	host := hostOf(pageURL)
	solved, err = h.Solve(ctx, host, typer)
	return true, solved, err
}

// Detect runs the fixed visibility-constrained selector check from §4.4: any
// qualifying reCAPTCHA anchor iframe, hCaptcha challenge iframe, or generic
// .captcha/#captcha element that is visible and non-hidden.
func (h *Handler) Detect(ctx context.Context) (bool, error) {
	var found bool
	err := h.session.Do(func(d browser.Driver) error {
		raw, evalErr := d.EvalInPage(ctx, detectScript)
		if evalErr != nil {
			return evalErr
		}
		found = decodeBool(raw)
		return nil
	})
	return found, err
}

// Solve runs the §4.4 strategies in order — reCAPTCHA, hCaptcha, then
// text/image — stopping at the first that verifies solved, and caches the
// winning strategy for host. If every strategy fails it returns false along
// with the last strategy error (nil if no strategy errored); the caller
// surfaces the unsolved CAPTCHA as a failed Step.
func (h *Handler) Solve(ctx context.Context, host string, typer Typer) (bool, error) {
	if shortcut, ok := h.cache.Get(ctx, host); ok {
		if solved, err := h.trySolveOne(ctx, shortcut.Strategy, typer); err == nil && solved {
			return true, nil
		}
	}

	attempts := []struct {
		name string
		try  func(context.Context, Typer) (bool, error)
	}{
		{"recaptcha", h.trySolveRecaptcha},
		{"hcaptcha", h.trySolveHcaptcha},
		{"text_image", h.trySolveTextImage},
	}

	var lastErr error
	for attempt := 0; attempt < maxInt(h.cfg.MaxAttempts, 1); attempt++ {
		for _, a := range attempts {
			solved, err := a.try(ctx, typer)
			if err != nil {
				lastErr = err
				continue
			}
			if solved {
				verified, verr := h.verify(ctx)
				if verr == nil && verified {
					h.cache.Set(ctx, host, Shortcut{Strategy: a.name})
					return true, nil
				}
			}
		}
	}
	return false, lastErr
}

func (h *Handler) trySolveOne(ctx context.Context, strategy string, typer Typer) (bool, error) {
	switch strategy {
	case "recaptcha":
		return h.trySolveRecaptcha(ctx, typer)
	case "hcaptcha":
		return h.trySolveHcaptcha(ctx, typer)
	case "text_image":
		return h.trySolveTextImage(ctx, typer)
	default:
		return false, fmt.Errorf("unknown cached strategy %q", strategy)
	}
}

// verify re-runs detection; SOLVED iff no qualifying element remains.
func (h *Handler) verify(ctx context.Context) (bool, error) {
	detected, err := h.Detect(ctx)
	if err != nil {
		return false, err
	}
	return !detected, nil
}

// askVision submits screenshot(s) plus a text prompt to the vision-capable
// provider and returns the assistant's text reply.
func (h *Handler) askVision(ctx context.Context, system, prompt string, images []types.ImageContent) (string, error) {
	if h.vision == nil {
		return "", fmt.Errorf("captcha: no vision provider configured")
	}
	msgs := []types.Message{
		{Role: types.RoleSystem, Content: system},
		{Role: types.RoleUser, Content: prompt, Images: images},
	}
	resp, err := h.vision.Completion(ctx, &llm.ChatRequest{Messages: msgs, MaxTokens: 512})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("captcha: empty vision response")
	}
	return resp.Choices[0].Message.Content, nil
}

func imageFromJPEG(data []byte) types.ImageContent {
	return types.ImageContent{Type: "base64", Data: base64.StdEncoding.EncodeToString(data)}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

func decodeBool(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case []byte:
		return string(v) == "true"
	case string:
		return v == "true"
	default:
		return false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// pollUntil polls fn every interval until it returns true or deadline
// elapses, used by the hCaptcha checked-class check (§4.4: "within 2s").
func pollUntil(ctx context.Context, deadline time.Duration, interval time.Duration, fn func() (bool, error)) (bool, error) {
	timeout := time.After(deadline)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := fn()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timeout:
			return false, nil
		case <-ticker.C:
		}
	}
}

// detectScript implements the §4.4 detection rule: visible, positive-area,
// non-meta reCAPTCHA anchor iframes, hCaptcha challenge iframes, or generic
// .captcha/#captcha elements.
const detectScript = `(function() {
  function visible(el) {
    var rect = el.getBoundingClientRect();
    if (rect.width <= 0 || rect.height <= 0) return false;
    var style = window.getComputedStyle(el);
    return style.display !== 'none' && style.visibility !== 'hidden';
  }
  var candidates = Array.from(document.querySelectorAll(
    'iframe[src*="recaptcha"], iframe[src*="hcaptcha"], .captcha, #captcha'
  ));
  for (var i = 0; i < candidates.length; i++) {
    var el = candidates[i];
    if (el.tagName === 'IFRAME' && /recaptcha/.test(el.src) && /anchor/.test(el.title || '') === false && el.getAttribute('aria-hidden') === 'true') {
      continue;
    }
    if (visible(el)) return true;
  }
  return false;
})()`
