package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

const (
	recaptchaAnchorFrame    = `iframe[src*="recaptcha"][src*="anchor"]`
	recaptchaChallengeFrame = `iframe[src*="recaptcha"][src*="bframe"]`
	recaptchaOuterAttempts  = 5
	recaptchaCheckboxRetry  = 3
)

// trySolveRecaptcha implements §4.4 strategy 1: click the anchor checkbox;
// if that alone does not solve it, switch to the challenge frame and use the
// vision model to pick matching tiles, retrying up to recaptchaOuterAttempts
// times on an "incorrect response" rejection.
func (h *Handler) trySolveRecaptcha(ctx context.Context, _ Typer) (bool, error) {
	var anchorPresent bool
	err := h.session.Do(func(d browser.Driver) error {
		raw, evalErr := d.EvalInPage(ctx, presenceScript(recaptchaAnchorFrame))
		if evalErr != nil {
			return evalErr
		}
		anchorPresent = decodeBool(raw)
		return nil
	})
	if err != nil || !anchorPresent {
		return false, err
	}

	for attempt := 0; attempt < recaptchaCheckboxRetry; attempt++ {
		checked, err := h.clickRecaptchaCheckbox(ctx)
		if err != nil {
			continue
		}
		if checked {
			return true, nil
		}
	}

	return h.solveRecaptchaChallenge(ctx)
}

func (h *Handler) clickRecaptchaCheckbox(ctx context.Context) (bool, error) {
	var checked bool
	err := h.session.Do(func(d browser.Driver) error {
		if clickErr := d.ClickInFrame(ctx, recaptchaAnchorFrame, "#recaptcha-anchor"); clickErr != nil {
			return clickErr
		}
		raw, evalErr := d.EvalInFrame(ctx, recaptchaAnchorFrame, `document.getElementById('recaptcha-anchor').getAttribute('aria-checked')`)
		if evalErr != nil {
			return evalErr
		}
		checked = decodeString(raw) == "true"
		return nil
	})
	return checked, err
}

// solveRecaptchaChallenge implements the tile-selection loop: read the
// instructions, collect each unselected tile's image, ask the vision model which
// tiles match, click them, verify. Instructions containing "once there are
// none left" are treated as continuous mode: keep selecting newly appearing
// tiles until the model returns an empty list, then click verify.
func (h *Handler) solveRecaptchaChallenge(ctx context.Context) (bool, error) {
	present, err := h.evalFrameBool(ctx, recaptchaChallengeFrame, `!!document.querySelector('.rc-imageselect')`)
	if err != nil || !present {
		return false, err
	}

	instructions, err := h.evalFrameString(ctx, recaptchaChallengeFrame, `(document.querySelector('.rc-imageselect-desc-no-canonical, .rc-imageselect-desc') || {}).innerText || ''`)
	if err != nil {
		return false, err
	}
	continuous := strings.Contains(strings.ToLower(instructions), "once there are none left")

	for outer := 0; outer < recaptchaOuterAttempts; outer++ {
		for {
			indices, err := h.selectMatchingTiles(ctx, instructions)
			if err != nil {
				return false, err
			}
			if len(indices) == 0 {
				break
			}
			if err := h.clickTiles(ctx, indices); err != nil {
				return false, err
			}
			if !continuous {
				break
			}
		}

		if err := h.session.Do(func(d browser.Driver) error {
			return d.ClickInFrame(ctx, recaptchaChallengeFrame, "#recaptcha-verify-button")
		}); err != nil {
			continue
		}

		rejected, err := h.evalFrameBool(ctx, recaptchaChallengeFrame, `!!document.querySelector('.rc-imageselect-incorrect-response:not([style*="display: none"])')`)
		if err == nil && !rejected {
			return true, nil
		}
	}
	return false, nil
}

// selectMatchingTiles reads the image src of every unselected tile, decodes
// those that are base64 data: URLs, sends them plus the instruction text to
// the vision model, and returns the 1-based indices it reports (or none).
// Tiles whose src is not a data: URL are skipped; no tile is screenshotted.
func (h *Handler) selectMatchingTiles(ctx context.Context, instructions string) ([]int, error) {
	var tiles [][]byte
	err := h.session.Do(func(d browser.Driver) error {
		raw, evalErr := d.EvalInFrame(ctx, recaptchaChallengeFrame, tileURLsScript)
		if evalErr != nil {
			return evalErr
		}
		urls := decodeStringSlice(raw)
		for _, dataURL := range urls {
			data, decodeErr := decodeDataURL(dataURL)
			if decodeErr != nil {
				continue
			}
			tiles = append(tiles, data)
		}
		return nil
	})
	if err != nil || len(tiles) == 0 {
		return nil, err
	}

	images := make([]types.ImageContent, 0, len(tiles))
	for _, t := range tiles {
		images = append(images, imageFromJPEG(t))
	}

	system := "You are solving a reCAPTCHA image challenge. Reply with only the comma-separated 1-based indices of tiles matching the instruction, or 0 if none match."
	reply, err := h.askVision(ctx, system, instructions, images)
	if err != nil {
		return nil, err
	}
	return parseIndices(reply), nil
}

func (h *Handler) clickTiles(ctx context.Context, indices []int) error {
	return h.session.Do(func(d browser.Driver) error {
		for _, i := range indices {
			selector := fmt.Sprintf(`.rc-imageselect-tile:nth-child(%d)`, i)
			if err := d.ClickInFrame(ctx, recaptchaChallengeFrame, selector); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Handler) evalFrameBool(ctx context.Context, frameSelector, script string) (bool, error) {
	var out bool
	err := h.session.Do(func(d browser.Driver) error {
		raw, evalErr := d.EvalInFrame(ctx, frameSelector, script)
		if evalErr != nil {
			return evalErr
		}
		out = decodeBool(raw)
		return nil
	})
	return out, err
}

func (h *Handler) evalFrameString(ctx context.Context, frameSelector, script string) (string, error) {
	var out string
	err := h.session.Do(func(d browser.Driver) error {
		raw, evalErr := d.EvalInFrame(ctx, frameSelector, script)
		if evalErr != nil {
			return evalErr
		}
		out = decodeString(raw)
		return nil
	})
	return out, err
}

func presenceScript(selector string) string {
	return fmt.Sprintf(`!!document.querySelector(%q)`, selector)
}

const tileURLsScript = `JSON.stringify(Array.from(document.querySelectorAll('.rc-imageselect-tile:not(.rc-imageselect-tileselected) img')).map(function(img){return img.src;}))`

func parseIndices(reply string) []int {
	reply = strings.TrimSpace(reply)
	if reply == "" || reply == "0" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(reply, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func decodeDataURL(dataURL string) ([]byte, error) {
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, fmt.Errorf("not a data URL")
	}
	return base64.StdEncoding.DecodeString(dataURL[idx+1:])
}

func decodeString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func decodeStringSlice(raw any) []string {
	b, ok := raw.([]byte)
	if !ok {
		if s, ok2 := raw.(string); ok2 {
			b = []byte(s)
		} else {
			return nil
		}
	}
	var out []string
	_ = json.Unmarshal(b, &out)
	return out
}
