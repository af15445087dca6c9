package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/captcha"
	"github.com/AryanChopraa/autosurf-server-node/config"
	"github.com/AryanChopraa/autosurf-server-node/model"
	"github.com/AryanChopraa/autosurf-server-node/tools"
)

type fakeDriver struct{ navigated []string }

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.navigated = append(f.navigated, url)
	return nil
}
func (f *fakeDriver) Click(ctx context.Context, target string) error                     { return nil }
func (f *fakeDriver) Type(ctx context.Context, m, t string, enter bool) error             { return nil }
func (f *fakeDriver) Scroll(ctx context.Context, dir string, amount int) error            { return nil }
func (f *fakeDriver) Back(ctx context.Context) error                                      { return nil }
func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error)                      { return []byte("jpeg"), nil }
func (f *fakeDriver) EvalInPage(ctx context.Context, script string) (any, error)          { return "false", nil }
func (f *fakeDriver) Frames(ctx context.Context) ([]browser.Frame, error)                 { return nil, nil }
func (f *fakeDriver) ClickInFrame(ctx context.Context, fs, ts string) error                { return nil }
func (f *fakeDriver) EvalInFrame(ctx context.Context, fs, script string) (any, error)      { return nil, nil }
func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error)                      { return "https://example.com", nil }
func (f *fakeDriver) Close() error                                                        { return nil }

func TestEngine_ReplaysTraceInOrder(t *testing.T) {
	driver := &fakeDriver{}
	session := browser.NewSession("automation-1", driver, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	engine := NewEngine(session, registry, nil, nil, "", nil, nil)

	automation := &model.Automation{
		ID:        "automation-1",
		Name:      "search example",
		Objective: "go to example.com",
		Trace: model.Trace{
			{Kind: model.CommandNavigate, URL: "https://example.com"},
			{Kind: model.CommandScroll, Direction: "down", Amount: 200},
		},
	}
	run := &model.Run{ID: "run-1"}

	err := engine.Run(context.Background(), automation, run)

	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, "completed successfully", run.FinalAnswer)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, []string{"https://example.com"}, driver.navigated)
	assert.Equal(t, automation.Trace, run.Trace)
}

func TestEngine_AbortsOnDispatchFailure(t *testing.T) {
	driver := &fakeDriver{}
	session := browser.NewSession("automation-2", driver, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	engine := NewEngine(session, registry, nil, nil, "", nil, nil)

	automation := &model.Automation{
		ID:   "automation-2",
		Name: "broken",
		Trace: model.Trace{
			{Kind: model.CommandNavigate, URL: "not-a-url"},
			{Kind: model.CommandScroll, Direction: "down", Amount: 200},
		},
	}
	run := &model.Run{ID: "run-2"}

	err := engine.Run(context.Background(), automation, run)

	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Len(t, run.Steps, 0, "the failing first command must not be recorded as a completed Step")
}

// captchaDriver always reports a detected challenge, forcing PreCheck's
// "detected, not solved" branch whenever the solver is disabled.
type captchaDriver struct{ fakeDriver }

func (*captchaDriver) EvalInPage(ctx context.Context, script string) (any, error) {
	return "true", nil
}

func TestEngine_AbortsOnUnsolvedCaptcha(t *testing.T) {
	driver := &captchaDriver{}
	session := browser.NewSession("automation-3", driver, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	captchaHandler := captcha.NewHandler(session, nil, captcha.NewCache(time.Minute, nil), config.CaptchaConfig{SolverEnabled: false}, nil)
	engine := NewEngine(session, registry, captchaHandler, nil, "", nil, nil)

	automation := &model.Automation{
		ID:   "automation-3",
		Name: "blocked",
		Trace: model.Trace{
			{Kind: model.CommandNavigate, URL: "https://example.com"},
		},
	}
	run := &model.Run{ID: "run-3"}

	err := engine.Run(context.Background(), automation, run)

	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Empty(t, run.Steps, "a command blocked by an unsolved captcha must never dispatch")
	assert.Empty(t, driver.navigated, "the driver must never be asked to act on a page behind an unsolved captcha")
}
