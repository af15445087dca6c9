package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// typingRetries/typingBackoff implement the 3-retry/1s-backoff contract for
// the two typing tools (spec §4.3).
const (
	typingRetries = 3
	typingBackoff = time.Second
)

func ok(v any) (*types.ToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &types.ToolResult{Result: b}, nil
}

// -- handle_url ---------------------------------------------------------

// URLTool implements handle_url: navigates to an absolute URL.
type URLTool struct {
	session *browser.Session
	logger  *zap.Logger
}

// NewURLTool builds the handle_url tool bound to session.
func NewURLTool(session *browser.Session, logger *zap.Logger) *URLTool {
	return &URLTool{session: session, logger: logger}
}

func (t *URLTool) Name() string { return "handle_url" }

func (t *URLTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Navigate the browser to an absolute URL.",
		Parameters:  objectSchema(map[string]any{"url": stringProp("Absolute URL to navigate to, including scheme.")}, "url"),
	}
}

func (t *URLTool) Execute(ctx context.Context, args json.RawMessage) (*types.ToolResult, error) {
	var in struct{ URL string `json:"url"` }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("handle_url: invalid arguments: %w", err)
	}
	parsed, err := url.Parse(in.URL)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("handle_url: %q is not an absolute URL", in.URL)
	}
	if err := t.session.Do(func(d browser.Driver) error {
		return d.Navigate(ctx, in.URL)
	}); err != nil {
		return nil, fmt.Errorf("handle_url: %w", err)
	}
	return ok(map[string]any{"navigated_to": in.URL})
}

// -- handle_search --------------------------------------------------------

// searchSelectors is the prioritized selector list handle_search tries in
// order before giving up (spec §4.3): generic search inputs first, then
// placeholder substring matches, then a handful of well-known site ids.
var searchSelectors = []string{
	"search",
	"q",
	"query",
	"search-box",
	"searchbox",
	"searchInput",
	"twotabsearchtextbox",
}

// SearchTool implements handle_search: locates a visible search input via a
// prioritized selector list, types the query, and submits it.
type SearchTool struct {
	session *browser.Session
	logger  *zap.Logger
}

// NewSearchTool builds the handle_search tool bound to session.
func NewSearchTool(session *browser.Session, logger *zap.Logger) *SearchTool {
	return &SearchTool{session: session, logger: logger}
}

func (t *SearchTool) Name() string { return "handle_search" }

func (t *SearchTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Type a query into the page's search input and submit it.",
		Parameters:  objectSchema(map[string]any{"query": stringProp("Search query text.")}, "query"),
	}
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) (*types.ToolResult, error) {
	var in struct{ Query string `json:"query"` }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("handle_search: invalid arguments: %w", err)
	}

	var lastErr error
	for _, matcher := range searchSelectors {
		err := t.session.Do(func(d browser.Driver) error {
			return d.Type(ctx, matcher, in.Query, true)
		})
		if err == nil {
			return ok(map[string]any{"matched": matcher, "query": in.Query})
		}
		lastErr = err
	}
	return nil, fmt.Errorf("handle_search: no search input found: %w", lastErr)
}

// -- handle_click ----------------------------------------------------------

// ClickTool implements handle_click: resolves an identifier to an element
// and clicks it (two-stage text match, then numbered label, per §4.1).
type ClickTool struct {
	session *browser.Session
	logger  *zap.Logger
}

// NewClickTool builds the handle_click tool bound to session.
func NewClickTool(session *browser.Session, logger *zap.Logger) *ClickTool {
	return &ClickTool{session: session, logger: logger}
}

func (t *ClickTool) Name() string { return "handle_click" }

func (t *ClickTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Click an element identified by its visible text or annotator label number.",
		Parameters:  objectSchema(map[string]any{"identifier": stringProp("Visible text, aria-label, or numeric annotator label of the element to click.")}, "identifier"),
	}
}

func (t *ClickTool) Execute(ctx context.Context, args json.RawMessage) (*types.ToolResult, error) {
	var in struct{ Identifier string `json:"identifier"` }
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("handle_click: invalid arguments: %w", err)
	}
	if err := t.session.Do(func(d browser.Driver) error {
		return d.Click(ctx, in.Identifier)
	}); err != nil {
		return nil, fmt.Errorf("handle_click: %w", err)
	}
	return ok(map[string]any{"clicked": in.Identifier})
}

// -- handle_typing / handle_typing_with_enter ------------------------------

// TypingTool implements handle_typing and, when pressEnter is set,
// handle_typing_with_enter: field matched by placeholder/label/aria-label/
// name/id (substring, case-insensitive), cleared then typed, retried up to
// typingRetries times with typingBackoff between attempts (spec §4.3).
type TypingTool struct {
	session    *browser.Session
	pressEnter bool
	logger     *zap.Logger
}

// NewTypingTool builds handle_typing (pressEnter=false) or
// handle_typing_with_enter (pressEnter=true) bound to session.
func NewTypingTool(session *browser.Session, pressEnter bool, logger *zap.Logger) *TypingTool {
	return &TypingTool{session: session, pressEnter: pressEnter, logger: logger}
}

func (t *TypingTool) Name() string {
	if t.pressEnter {
		return "handle_typing_with_enter"
	}
	return "handle_typing"
}

func (t *TypingTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Clear a field matched by placeholder/label/aria-label/name/id and type text into it.",
		Parameters: objectSchema(map[string]any{
			"placeholder_value": stringProp("Substring matched case-insensitively against the target field's placeholder, label, aria-label, name, or id."),
			"text":              stringProp("Text to type into the field."),
		}, "placeholder_value", "text"),
	}
}

func (t *TypingTool) Execute(ctx context.Context, args json.RawMessage) (*types.ToolResult, error) {
	var in struct {
		PlaceholderValue string `json:"placeholder_value"`
		Text             string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%s: invalid arguments: %w", t.Name(), err)
	}

	var lastErr error
	for attempt := 0; attempt < typingRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(typingBackoff):
			}
		}
		lastErr = t.session.Do(func(d browser.Driver) error {
			return d.Type(ctx, in.PlaceholderValue, in.Text, t.pressEnter)
		})
		if lastErr == nil {
			return ok(map[string]any{"field": in.PlaceholderValue})
		}
		if t.logger != nil {
			t.logger.Debug("typing attempt failed", zap.String("tool", t.Name()), zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}
	}
	return nil, fmt.Errorf("%s: %w", t.Name(), lastErr)
}

// -- handle_scroll -----------------------------------------------------

// ScrollTool implements handle_scroll: defaults to scrolling down one
// viewport height when direction/amount are omitted (spec §4.3).
type ScrollTool struct {
	session *browser.Session
	logger  *zap.Logger
}

// NewScrollTool builds the handle_scroll tool bound to session.
func NewScrollTool(session *browser.Session, logger *zap.Logger) *ScrollTool {
	return &ScrollTool{session: session, logger: logger}
}

func (t *ScrollTool) Name() string { return "handle_scroll" }

func (t *ScrollTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Scroll the page. Defaults to scrolling down by one viewport height.",
		Parameters: objectSchema(map[string]any{
			"direction": stringProp("\"up\" or \"down\". Defaults to \"down\"."),
			"amount":    intProp("Pixels to scroll. Defaults to one viewport height."),
		}),
	}
}

func (t *ScrollTool) Execute(ctx context.Context, args json.RawMessage) (*types.ToolResult, error) {
	var in struct {
		Direction string `json:"direction"`
		Amount    int    `json:"amount"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("handle_scroll: invalid arguments: %w", err)
		}
	}
	if in.Direction == "" {
		in.Direction = "down"
	}
	if err := t.session.Do(func(d browser.Driver) error {
		return d.Scroll(ctx, in.Direction, in.Amount)
	}); err != nil {
		return nil, fmt.Errorf("handle_scroll: %w", err)
	}
	return ok(map[string]any{"direction": in.Direction, "amount": in.Amount})
}

// -- handle_back -------------------------------------------------------

// BackTool implements handle_back: navigates one step back in history.
type BackTool struct {
	session *browser.Session
	logger  *zap.Logger
}

// NewBackTool builds the handle_back tool bound to session.
func NewBackTool(session *browser.Session, logger *zap.Logger) *BackTool {
	return &BackTool{session: session, logger: logger}
}

func (t *BackTool) Name() string { return "handle_back" }

func (t *BackTool) Schema() types.ToolSchema {
	return types.ToolSchema{
		Name:        t.Name(),
		Description: "Navigate one step back in browser history.",
		Parameters:  objectSchema(map[string]any{}),
	}
}

func (t *BackTool) Execute(ctx context.Context, _ json.RawMessage) (*types.ToolResult, error) {
	if err := t.session.Do(func(d browser.Driver) error {
		return d.Back(ctx)
	}); err != nil {
		return nil, fmt.Errorf("handle_back: %w", err)
	}
	return ok(map[string]any{"navigated": "back"})
}
