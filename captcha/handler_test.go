package captcha

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/config"
)

type scriptedDriver struct {
	evalResult string
	url        string
}

func (d *scriptedDriver) Navigate(ctx context.Context, url string) error { return nil }
func (d *scriptedDriver) Click(ctx context.Context, target string) error { return nil }
func (d *scriptedDriver) Type(ctx context.Context, m, t string, enter bool) error { return nil }
func (d *scriptedDriver) Scroll(ctx context.Context, dir string, amount int) error { return nil }
func (d *scriptedDriver) Back(ctx context.Context) error                          { return nil }
func (d *scriptedDriver) Screenshot(ctx context.Context) ([]byte, error)          { return []byte("jpeg"), nil }
func (d *scriptedDriver) EvalInPage(ctx context.Context, script string) (any, error) {
	return d.evalResult, nil
}
func (d *scriptedDriver) Frames(ctx context.Context) ([]browser.Frame, error) { return nil, nil }
func (d *scriptedDriver) ClickInFrame(ctx context.Context, fs, ts string) error { return nil }
func (d *scriptedDriver) EvalInFrame(ctx context.Context, fs, script string) (any, error) {
	return d.evalResult, nil
}
func (d *scriptedDriver) CurrentURL(ctx context.Context) (string, error) { return d.url, nil }
func (d *scriptedDriver) Close() error                                   { return nil }

func TestHandler_DetectNone(t *testing.T) {
	driver := &scriptedDriver{evalResult: "false"}
	session := browser.NewSession("run-1", driver, nil)
	h := NewHandler(session, nil, NewCache(time.Minute, nil), config.CaptchaConfig{SolverEnabled: true, MaxAttempts: 1}, nil)

	detected, err := h.Detect(context.Background())
	require.NoError(t, err)
	assert.False(t, detected)
}

func TestHandler_PreCheckSkipsSolveWhenDisabled(t *testing.T) {
	driver := &scriptedDriver{evalResult: "true", url: "https://example.com/page"}
	session := browser.NewSession("run-2", driver, nil)
	h := NewHandler(session, nil, NewCache(time.Minute, nil), config.CaptchaConfig{SolverEnabled: false}, nil)

	detected, solved, err := h.PreCheck(context.Background(), "https://example.com/page", session)
	require.NoError(t, err)
	assert.True(t, detected)
	assert.False(t, solved)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com", hostOf("https://example.com/page?x=1"))
}
