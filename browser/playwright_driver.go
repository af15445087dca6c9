package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// PlaywrightDriver implements Driver against a single Playwright page. It
// owns the pw.Playwright process handle and the browser it launched, so
// Close tears down the whole chain.
type PlaywrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	cfg     Config
	logger  *zap.Logger
}

// NewPlaywrightDriver launches a browser per cfg and returns a Driver bound
// to a single fresh page.
func NewPlaywrightDriver(cfg Config, logger *zap.Logger) (*PlaywrightDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 800
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 10 * time.Second
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
	}

	var browserType playwright.BrowserType
	switch cfg.Engine {
	case "firefox":
		browserType = pw.Firefox
	case "webkit":
		browserType = pw.WebKit
	default:
		browserType = pw.Chromium
	}

	browser, err := browserType.Launch(launchOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	pageOpts := playwright.BrowserNewPageOptions{
		Viewport: &playwright.Size{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight},
	}
	if cfg.UserAgent != "" {
		pageOpts.UserAgent = playwright.String(cfg.UserAgent)
	}
	page, err := browser.NewPage(pageOpts)
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("open page: %w", err)
	}

	return &PlaywrightDriver{
		pw:      pw,
		browser: browser,
		page:    page,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "playwright_driver")),
	}, nil
}

// Navigate implements Driver.Navigate with the escalating wait policy from
// spec §4.1: dom-content-loaded first, retried once waiting for network-idle
// if that fails, then a bounded network-idle grace.
func (d *PlaywrightDriver) Navigate(ctx context.Context, url string) error {
	timeout := playwright.Float(float64(d.cfg.NavigationTimeout.Milliseconds()))
	_, err := d.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   timeout,
	})
	if err != nil {
		_, err = d.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
			Timeout:   timeout,
		})
	}
	if err != nil {
		return &Error{Class: ErrClassNavigation, Op: "navigate", Err: err}
	}
	// Best-effort network-idle grace; a slow-polling page should not fail
	// the whole navigation.
	_ = d.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(5000),
	})
	return nil
}

// Click implements the two-stage resolution from spec §4.1: exact text
// match across common identifier attributes, then substring match, then —
// if the target is purely numeric — the Annotator's numbered label.
func (d *PlaywrightDriver) Click(ctx context.Context, target string) error {
	if _, err := d.clickByText(target, true); err == nil {
		return nil
	}
	if _, err := d.clickByText(target, false); err == nil {
		return nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(target)); err == nil {
		return d.clickByLabelIndex(n)
	}
	return &Error{Class: ErrClassNotFound, Op: "click", Err: fmt.Errorf("no element matched %q", target)}
}

func (d *PlaywrightDriver) clickByText(target string, exact bool) (bool, error) {
	attrs := []string{"textContent", "value", "aria-label", "title", "placeholder"}
	for _, attr := range attrs {
		var locator playwright.Locator
		switch attr {
		case "textContent":
			locator = d.page.GetByText(target, playwright.PageGetByTextOptions{Exact: playwright.Bool(exact)})
		default:
			op := "*="
			if exact {
				op = "="
			}
			locator = d.page.Locator(fmt.Sprintf(`[%s%s%q]`, attr, op, target))
		}
		count, err := locator.Count()
		if err != nil || count == 0 {
			continue
		}
		if err := locator.First().Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(float64(d.cfg.ActionTimeout.Milliseconds())),
		}); err == nil {
			d.settle()
			return true, nil
		}
	}
	return false, fmt.Errorf("no text match for %q", target)
}

func (d *PlaywrightDriver) clickByLabelIndex(n int) error {
	// Nth(n-1) indexes within the set of elements matching this class
	// selector, in document order — unlike :nth-of-type, which counts
	// position among siblings sharing a tag name, not a class. Every
	// annotator badge is a <div> appended to document.body alongside
	// whatever other <div>s the page already has, so :nth-of-type would
	// resolve against the wrong population.
	locator := d.page.Locator(fmt.Sprintf(".%s", annotatorLabelClass)).Nth(n - 1)
	box, err := locator.BoundingBox()
	if err != nil || box == nil {
		return &Error{Class: ErrClassNotFound, Op: "click_by_label", Err: fmt.Errorf("label %d not found", n)}
	}
	// The Annotator places each badge 25px above its element's top edge, so
	// the element itself starts 25px below the badge.
	if err := d.page.Mouse().Click(box.X+box.Width/2, box.Y+25+4); err != nil {
		return &Error{Class: ErrClassUnknown, Op: "click_by_label", Err: err}
	}
	d.settle()
	return nil
}

// Type implements field resolution and humanized per-keystroke timing.
func (d *PlaywrightDriver) Type(ctx context.Context, fieldMatcher, text string, pressEnter bool) error {
	locator, err := d.resolveField(fieldMatcher)
	if err != nil {
		return err
	}
	if err := locator.Fill(""); err != nil {
		return &Error{Class: ErrClassUnknown, Op: "type_clear", Err: err}
	}
	for _, r := range text {
		if err := locator.Type(string(r), playwright.LocatorTypeOptions{
			Delay: playwright.Float(float64(30 + rand.Intn(70))),
		}); err != nil {
			return &Error{Class: ErrClassUnknown, Op: "type", Err: err}
		}
	}
	if pressEnter {
		if err := locator.Press("Enter"); err != nil {
			return &Error{Class: ErrClassUnknown, Op: "type_enter", Err: err}
		}
	}
	d.settle()
	return nil
}

func (d *PlaywrightDriver) resolveField(matcher string) (playwright.Locator, error) {
	candidates := []string{
		fmt.Sprintf(`[placeholder*="%s" i]`, matcher),
		fmt.Sprintf(`[aria-label*="%s" i]`, matcher),
		fmt.Sprintf(`[name*="%s" i]`, matcher),
		fmt.Sprintf(`[id*="%s" i]`, matcher),
	}
	for _, sel := range candidates {
		loc := d.page.Locator(sel)
		if count, err := loc.Count(); err == nil && count > 0 {
			return loc.First(), nil
		}
	}
	return nil, &Error{Class: ErrClassNotFound, Op: "resolve_field", Err: fmt.Errorf("no field matched %q", matcher)}
}

// Scroll scrolls the viewport by amount pixels (default one viewport
// height) in the given direction.
func (d *PlaywrightDriver) Scroll(ctx context.Context, direction string, amount int) error {
	if amount == 0 {
		amount = d.cfg.ViewportHeight
	}
	dy := amount
	if direction == "up" {
		dy = -amount
	}
	_, err := d.page.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy))
	if err != nil {
		return &Error{Class: ErrClassEval, Op: "scroll", Err: err}
	}
	d.settle()
	return nil
}

// Back navigates one step back in browser history.
func (d *PlaywrightDriver) Back(ctx context.Context) error {
	if _, err := d.page.GoBack(); err != nil {
		return &Error{Class: ErrClassNavigation, Op: "back", Err: err}
	}
	d.settle()
	return nil
}

// Screenshot captures the viewport as JPEG bytes.
func (d *PlaywrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := d.page.Screenshot(playwright.PageScreenshotOptions{
		Type: playwright.ScreenshotTypeJpeg,
	})
	if err != nil {
		return nil, &Error{Class: ErrClassUnknown, Op: "screenshot", Err: err}
	}
	return data, nil
}

// EvalInPage runs script in the main frame and returns the decoded result.
func (d *PlaywrightDriver) EvalInPage(ctx context.Context, script string) (any, error) {
	result, err := d.page.Evaluate(script)
	if err != nil {
		return nil, &Error{Class: ErrClassEval, Op: "eval_in_page", Err: err}
	}
	if s, ok := result.(string); ok {
		return []byte(s), nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, &Error{Class: ErrClassEval, Op: "eval_in_page_encode", Err: err}
	}
	return encoded, nil
}

// Frames lists the page's current frames.
func (d *PlaywrightDriver) Frames(ctx context.Context) ([]Frame, error) {
	frames := d.page.Frames()
	out := make([]Frame, 0, len(frames))
	for _, f := range frames {
		out = append(out, Frame{Name: f.Name(), URL: f.URL()})
	}
	return out, nil
}

// ClickInFrame clicks targetSelector inside the iframe matched by
// frameSelector, piercing cross-origin boundaries via Playwright's
// FrameLocator.
func (d *PlaywrightDriver) ClickInFrame(ctx context.Context, frameSelector, targetSelector string) error {
	frame := d.page.FrameLocator(frameSelector)
	if err := frame.Locator(targetSelector).Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(d.cfg.ActionTimeout.Milliseconds())),
	}); err != nil {
		return &Error{Class: ErrClassNotFound, Op: "click_in_frame", Err: err}
	}
	d.settle()
	return nil
}

// EvalInFrame runs script inside the iframe matched by frameSelector.
// Playwright cannot evaluate arbitrary script against a FrameLocator
// directly, so this resolves the frame's content frame and evaluates there;
// cross-origin frames restrict this to what the frame itself exposes.
func (d *PlaywrightDriver) EvalInFrame(ctx context.Context, frameSelector, script string) (any, error) {
	locator := d.page.Locator(frameSelector)
	handle, err := locator.ElementHandle()
	if err != nil {
		return nil, &Error{Class: ErrClassNotFound, Op: "eval_in_frame", Err: err}
	}
	frame, err := handle.ContentFrame()
	if err != nil || frame == nil {
		return nil, &Error{Class: ErrClassNotFound, Op: "eval_in_frame", Err: fmt.Errorf("no content frame for %q", frameSelector)}
	}
	result, err := frame.Evaluate(script)
	if err != nil {
		return nil, &Error{Class: ErrClassEval, Op: "eval_in_frame", Err: err}
	}
	if s, ok := result.(string); ok {
		return []byte(s), nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, &Error{Class: ErrClassEval, Op: "eval_in_frame_encode", Err: err}
	}
	return encoded, nil
}

// CurrentURL returns the page's current URL.
func (d *PlaywrightDriver) CurrentURL(ctx context.Context) (string, error) {
	return d.page.URL(), nil
}

// Close tears down the page, browser, and Playwright process.
func (d *PlaywrightDriver) Close() error {
	if err := d.page.Close(); err != nil {
		d.logger.Warn("close page failed", zap.Error(err))
	}
	if err := d.browser.Close(); err != nil {
		d.logger.Warn("close browser failed", zap.Error(err))
	}
	return d.pw.Stop()
}

// settle implements the "post-action settle" humanized-timing pause from
// spec §4.1 so page scripts triggered by the action get a moment to react
// before the next instruction.
func (d *PlaywrightDriver) settle() {
	time.Sleep(150 * time.Millisecond)
}
