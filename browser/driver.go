// Package browser defines the typed browser capability the decision loop and
// replay engine consume, and a concrete Playwright-backed implementation.
package browser

import (
	"context"
	"time"
)

// WaitUntil names the quiescence policy a navigation or action waits for.
type WaitUntil string

const (
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "networkidle"
)

// Frame identifies one frame in the page's frame tree.
type Frame struct {
	Name string
	URL  string
}

// Driver is the typed capability a session's Decision Loop or Replay Engine
// drives. All methods are synchronous: they return only once the page has
// quiesced (within a bounded grace) or with an error describing the failure
// class. Implementations must be safe to drive from one goroutine at a time;
// callers are responsible for the single-writer discipline described in
// spec §5 (this package does not itself serialize calls).
type Driver interface {
	// Navigate loads a URL, retrying with an escalating wait policy
	// (dom-content-loaded first, then network-idle).
	Navigate(ctx context.Context, url string) error

	// Click resolves and clicks an element. The target is either free text
	// (matched against the highlighted inventory) or a numeric label index
	// produced by the Annotator.
	Click(ctx context.Context, target string) error

	// Type finds the field matching fieldMatcher (placeholder, label,
	// aria-label, name, or id — substring, case-insensitive), clears it,
	// types text with humanized per-keystroke timing, and presses Enter if
	// pressEnter is true.
	Type(ctx context.Context, fieldMatcher, text string, pressEnter bool) error

	// Scroll scrolls the viewport. direction is "up" or "down"; amount is in
	// pixels, defaulting to one viewport height when zero.
	Scroll(ctx context.Context, direction string, amount int) error

	// Back navigates one step back in history.
	Back(ctx context.Context) error

	// Screenshot captures the current viewport as a JPEG.
	Screenshot(ctx context.Context) ([]byte, error)

	// EvalInPage runs a JavaScript expression in the page's main frame and
	// returns its JSON-serializable result.
	EvalInPage(ctx context.Context, script string) (any, error)

	// Frames lists the page's current frames.
	Frames(ctx context.Context) ([]Frame, error)

	// ClickInFrame clicks targetSelector inside the frame matched by
	// frameSelector (a CSS selector for the iframe element, resolved against
	// the top-level page). Used by the CAPTCHA Handler to reach controls
	// inside cross-origin challenge frames that a top-frame EvalInPage cannot
	// see into.
	ClickInFrame(ctx context.Context, frameSelector, targetSelector string) error

	// EvalInFrame runs script inside the frame matched by frameSelector and
	// returns its JSON-serializable result.
	EvalInFrame(ctx context.Context, frameSelector, script string) (any, error)

	// CurrentURL returns the page's current URL.
	CurrentURL(ctx context.Context) (string, error)

	// Close releases the underlying browser/page resources.
	Close() error
}

// Config configures a Driver's viewport, timeouts, and launch options.
type Config struct {
	Engine            string // chromium, firefox, webkit
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	UserAgent         string
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

// ErrClass classifies a Driver failure so tools and the Decision Loop can
// decide whether to retry locally or surface a step failure.
type ErrClass string

const (
	ErrClassTimeout      ErrClass = "timeout"
	ErrClassNotFound     ErrClass = "not_found"
	ErrClassNavigation   ErrClass = "navigation"
	ErrClassEval         ErrClass = "eval"
	ErrClassUnknown      ErrClass = "unknown"
)

// Error wraps a Driver failure with its class for upstream retry decisions.
type Error struct {
	Class ErrClass
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Class)
	}
	return e.Op + ": " + string(e.Class) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
