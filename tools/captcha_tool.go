package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/captcha"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// CaptchaTool implements handle_captcha: delegates to the CAPTCHA Handler
// (spec §4.4). Unlike the other tools it is not dispatched from ordinary
// model turns — the Decision Loop and Replay Engine call the same Handler
// directly as a pre-check before every Command — but it is still registered
// so a model that decides to call it explicitly gets a well-formed result
// instead of an "unknown tool" error.
type CaptchaTool struct {
	handler *captcha.Handler
	session *browser.Session
	logger  *zap.Logger
}

// NewCaptchaTool builds the handle_captcha tool bound to handler.
func NewCaptchaTool(handler *captcha.Handler, session *browser.Session, logger *zap.Logger) *CaptchaTool {
	return &CaptchaTool{handler: handler, session: session, logger: logger}
}

func (t *CaptchaTool) Name() string { return "handle_captcha" }

func (t *CaptchaTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Detect and attempt to solve any CAPTCHA currently blocking the page.",
		Parameters:  objectSchema(map[string]any{}),
	}
}

func (t *CaptchaTool) Execute(ctx context.Context, _ json.RawMessage) (*types.ToolResult, error) {
	var pageURL string
	if err := t.session.Do(func(d browser.Driver) error {
		u, urlErr := d.CurrentURL(ctx)
		pageURL = u
		return urlErr
	}); err != nil {
		return nil, fmt.Errorf("handle_captcha: %w", err)
	}

	detected, solved, err := t.handler.PreCheck(ctx, pageURL, t.session)
	if err != nil {
		return nil, fmt.Errorf("handle_captcha: %w", err)
	}
	if detected && !solved {
		return nil, fmt.Errorf("handle_captcha: detected but could not solve")
	}
	return ok(map[string]any{"detected": detected, "solved": solved})
}
