package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AryanChopraa/autosurf-server-node/browser"
)

type recordingDriver struct {
	navigateErr error
	typeErr     error
	lastURL     string
	lastMatcher string
	lastText    string
	lastEnter   bool
	typeCalls   int
}

func (d *recordingDriver) Navigate(ctx context.Context, url string) error {
	d.lastURL = url
	return d.navigateErr
}
func (d *recordingDriver) Click(ctx context.Context, target string) error { return nil }
func (d *recordingDriver) Type(ctx context.Context, matcher, text string, enter bool) error {
	d.typeCalls++
	d.lastMatcher, d.lastText, d.lastEnter = matcher, text, enter
	return d.typeErr
}
func (d *recordingDriver) Scroll(ctx context.Context, dir string, amount int) error { return nil }
func (d *recordingDriver) Back(ctx context.Context) error                          { return nil }
func (d *recordingDriver) Screenshot(ctx context.Context) ([]byte, error)          { return nil, nil }
func (d *recordingDriver) EvalInPage(ctx context.Context, script string) (any, error) {
	return nil, nil
}
func (d *recordingDriver) Frames(ctx context.Context) ([]browser.Frame, error) { return nil, nil }
func (d *recordingDriver) ClickInFrame(ctx context.Context, fs, ts string) error { return nil }
func (d *recordingDriver) EvalInFrame(ctx context.Context, fs, script string) (any, error) {
	return nil, nil
}
func (d *recordingDriver) CurrentURL(ctx context.Context) (string, error) { return "", nil }
func (d *recordingDriver) Close() error                                   { return nil }

func TestURLTool_RejectsRelativeURL(t *testing.T) {
	driver := &recordingDriver{}
	session := browser.NewSession("run-1", driver, nil)
	tool := NewURLTool(session, nil)

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"/relative/path"}`))
	require.Error(t, err)
	assert.Empty(t, driver.lastURL)
}

func TestURLTool_NavigatesAbsoluteURL(t *testing.T) {
	driver := &recordingDriver{}
	session := browser.NewSession("run-1", driver, nil)
	tool := NewURLTool(session, nil)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", driver.lastURL)
	assert.False(t, result.IsError())
}

func TestTypingTool_RetriesOnFailure(t *testing.T) {
	driver := &recordingDriver{typeErr: errors.New("field not ready")}
	session := browser.NewSession("run-1", driver, nil)
	tool := NewTypingTool(session, false, nil)

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"placeholder_value":"email","text":"a@b.com"}`))
	require.Error(t, err)
	assert.Equal(t, typingRetries, driver.typeCalls)
}

func TestTypingWithEnterTool_PressesEnter(t *testing.T) {
	driver := &recordingDriver{}
	session := browser.NewSession("run-1", driver, nil)
	tool := NewTypingTool(session, true, nil)

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"placeholder_value":"search","text":"golang"}`))
	require.NoError(t, err)
	assert.True(t, driver.lastEnter)
	assert.Equal(t, "search", driver.lastMatcher)
}

func TestScrollTool_DefaultsDirectionDown(t *testing.T) {
	driver := &recordingDriver{}
	session := browser.NewSession("run-1", driver, nil)
	tool := NewScrollTool(session, nil)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Result, &out))
	assert.Equal(t, "down", out["direction"])
}

func TestSearchTool_TriesSelectorsInOrder(t *testing.T) {
	driver := &recordingDriver{typeErr: errors.New("not found")}
	session := browser.NewSession("run-1", driver, nil)
	tool := NewSearchTool(session, nil)

	_, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"golang"}`))
	require.Error(t, err)
	assert.Equal(t, len(searchSelectors), driver.typeCalls)
}
