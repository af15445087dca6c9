package decision

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/captcha"
	"github.com/AryanChopraa/autosurf-server-node/config"
	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/model"
	"github.com/AryanChopraa/autosurf-server-node/tools"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

type fakeDriver struct{}

func (fakeDriver) Navigate(ctx context.Context, url string) error { return nil }
func (fakeDriver) Click(ctx context.Context, target string) error { return nil }
func (fakeDriver) Type(ctx context.Context, m, t string, enter bool) error { return nil }
func (fakeDriver) Scroll(ctx context.Context, dir string, amount int) error { return nil }
func (fakeDriver) Back(ctx context.Context) error                          { return nil }
func (fakeDriver) Screenshot(ctx context.Context) ([]byte, error)          { return []byte("jpeg"), nil }
func (fakeDriver) EvalInPage(ctx context.Context, script string) (any, error) {
	return "false", nil
}
func (fakeDriver) Frames(ctx context.Context) ([]browser.Frame, error)       { return nil, nil }
func (fakeDriver) ClickInFrame(ctx context.Context, fs, ts string) error     { return nil }
func (fakeDriver) EvalInFrame(ctx context.Context, fs, script string) (any, error) {
	return nil, nil
}
func (fakeDriver) CurrentURL(ctx context.Context) (string, error) { return "https://example.com", nil }
func (fakeDriver) Close() error                                   { return nil }

// scriptedProvider returns one queued response per Completion call.
type scriptedProvider struct {
	responses []types.Message
	calls     int
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	msg := p.responses[p.calls]
	p.calls++
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: msg}}}, nil
}
func (p *scriptedProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}
func (p *scriptedProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (p *scriptedProvider) Name() string                       { return "scripted" }
func (p *scriptedProvider) SupportsVision() bool                { return true }
func (p *scriptedProvider) SupportsNativeFunctionCalling() bool { return true }

func TestLoop_CompletesWithoutToolCall(t *testing.T) {
	session := browser.NewSession("run-1", fakeDriver{}, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	provider := &scriptedProvider{responses: []types.Message{
		{Role: types.RoleAssistant, Content: "The heading is Example Domain."},
	}}
	loop := NewLoop(provider, "test-model", session, registry, nil, nil, nil)

	run := &model.Run{ID: "run-1", Objective: "report the heading"}
	err := loop.Run(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Equal(t, "The heading is Example Domain.", run.FinalAnswer)
	assert.Empty(t, run.Steps)
}

func TestLoop_DispatchesToolCallAndRecordsTrace(t *testing.T) {
	session := browser.NewSession("run-2", fakeDriver{}, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	navigateArgs, _ := json.Marshal(map[string]string{"url": "https://example.com", "action": "navigate", "explanation": "go to example.com"})
	provider := &scriptedProvider{responses: []types.Message{
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "call-1", Name: "handle_url", Arguments: navigateArgs}}},
		{Role: types.RoleAssistant, Content: "Done."},
	}}
	loop := NewLoop(provider, "test-model", session, registry, nil, nil, nil)

	run := &model.Run{ID: "run-2", Objective: "go to example.com"}
	err := loop.Run(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, "navigate", run.Steps[0].Action)
	require.Len(t, run.Trace, 1)
	assert.Equal(t, model.CommandNavigate, run.Trace[0].Kind)
	assert.Equal(t, "https://example.com", run.Trace[0].URL)
}

func TestLoop_RepetitionInjectsGuidanceWithoutExtraStep(t *testing.T) {
	session := browser.NewSession("run-3", fakeDriver{}, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	scrollArgs, _ := json.Marshal(map[string]string{"direction": "down", "action": "scroll", "explanation": "look for the item"})
	provider := &scriptedProvider{responses: []types.Message{
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "handle_scroll", Arguments: scrollArgs}}},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c2", Name: "handle_scroll", Arguments: scrollArgs}}},
		{Role: types.RoleAssistant, Content: "Found it."},
	}}
	loop := NewLoop(provider, "test-model", session, registry, nil, nil, nil)

	run := &model.Run{ID: "run-3", Objective: "find something"}
	err := loop.Run(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	assert.Len(t, run.Steps, 1, "the repeated second turn must not add a second Step")
	assert.Equal(t, 3, provider.calls)
}

func TestLoop_MaxStepsFails(t *testing.T) {
	session := browser.NewSession("run-4", fakeDriver{}, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	responses := make([]types.Message, 0, MaxIterations)
	for i := 0; i < MaxIterations; i++ {
		args, _ := json.Marshal(map[string]string{"direction": "down", "action": "scroll", "explanation": "pass " + string(rune('a'+i))})
		responses = append(responses, types.Message{
			Role:      types.RoleAssistant,
			Content:   "",
			ToolCalls: []types.ToolCall{{ID: "c", Name: "handle_scroll", Arguments: args}},
		})
	}
	provider := &scriptedProvider{responses: responses}
	loop := NewLoop(provider, "test-model", session, registry, nil, nil, nil)

	run := &model.Run{ID: "run-4", Objective: "scroll forever"}
	err := loop.Run(context.Background(), run)

	require.Error(t, err)
	assert.Equal(t, model.RunFailed, run.Status)
	assert.Len(t, run.Steps, MaxIterations)
}

// captchaDriver always reports a detected challenge, forcing PreCheck's
// "detected, not solved" branch whenever the solver is disabled.
type captchaDriver struct{ fakeDriver }

func (captchaDriver) EvalInPage(ctx context.Context, script string) (any, error) {
	return "true", nil
}

func TestLoop_UnsolvedCaptchaSkipsDispatchForThatIteration(t *testing.T) {
	session := browser.NewSession("run-5", captchaDriver{}, nil)
	registry := tools.NewDefaultRegistry(session, nil, nil)
	captchaHandler := captcha.NewHandler(session, nil, captcha.NewCache(time.Minute, nil), config.CaptchaConfig{SolverEnabled: false}, nil)
	navigateArgs, _ := json.Marshal(map[string]string{"url": "https://example.com", "action": "navigate", "explanation": "go to example.com"})
	provider := &scriptedProvider{responses: []types.Message{
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "call-1", Name: "handle_url", Arguments: navigateArgs}}},
		{Role: types.RoleAssistant, Content: "Done."},
	}}
	loop := NewLoop(provider, "test-model", session, registry, captchaHandler, nil, nil)

	run := &model.Run{ID: "run-5", Objective: "go to example.com"}
	err := loop.Run(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, run.Status)
	require.Len(t, run.Steps, 1)
	assert.True(t, run.Steps[0].Failed, "the step under an unsolved captcha must be marked failed")
	assert.Equal(t, "captcha unsolvable", run.Steps[0].Error)
	assert.Empty(t, run.Trace, "a skipped dispatch must never produce a Trace Command")
}
