package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/config"
	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/model"
	"github.com/AryanChopraa/autosurf-server-node/store"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// noRun is a RunLookup that always reports store.ErrNotFound, the shape used
// by every test below that starts a brand new Run.
func noRun(ctx context.Context, userID, runID string) (*model.Run, error) {
	return nil, store.ErrNotFound
}

func signedToken(t *testing.T, secret, userID string, extra jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{"user_id": userID}
	for k, v := range extra {
		claims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestSupervisor_VerifyToken(t *testing.T) {
	sup := New(config.JWTConfig{Secret: "test-secret"}, config.CaptchaConfig{}, nil, nil, "", nil, nil, nil, nil, nil)

	t.Run("valid", func(t *testing.T) {
		token := signedToken(t, "test-secret", "user-42", nil)
		userID, err := sup.verifyToken(token)
		require.NoError(t, err)
		assert.Equal(t, "user-42", userID)
	})

	t.Run("missing user_id claim", func(t *testing.T) {
		token := signedToken(t, "test-secret", "", nil)
		_, err := sup.verifyToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signedToken(t, "wrong-secret", "user-42", nil)
		_, err := sup.verifyToken(token)
		assert.Error(t, err)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := sup.verifyToken("not-a-jwt")
		assert.Error(t, err)
	})
}

// fakeDriver is a minimal browser.Driver that satisfies every Decision Loop
// tool dispatch without touching a real browser, mirroring the fake used in
// decision/loop_test.go.
type fakeDriver struct{}

func (fakeDriver) Navigate(ctx context.Context, url string) error                      { return nil }
func (fakeDriver) Click(ctx context.Context, target string) error                      { return nil }
func (fakeDriver) Type(ctx context.Context, m, t string, enter bool) error             { return nil }
func (fakeDriver) Scroll(ctx context.Context, dir string, amount int) error            { return nil }
func (fakeDriver) Back(ctx context.Context) error                                      { return nil }
func (fakeDriver) Screenshot(ctx context.Context) ([]byte, error)                      { return []byte("jpeg"), nil }
func (fakeDriver) EvalInPage(ctx context.Context, script string) (any, error)          { return "false", nil }
func (fakeDriver) Frames(ctx context.Context) ([]browser.Frame, error)                 { return nil, nil }
func (fakeDriver) ClickInFrame(ctx context.Context, fs, ts string) error               { return nil }
func (fakeDriver) EvalInFrame(ctx context.Context, fs, script string) (any, error)     { return nil, nil }
func (fakeDriver) CurrentURL(ctx context.Context) (string, error)                      { return "https://example.com", nil }
func (fakeDriver) Close() error                                                        { return nil }

// scriptedProvider returns one queued assistant message per Completion call.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []types.Message
	calls     int
}

func (p *scriptedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
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

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

// TestSupervisor_HandleAgent_EndToEnd drives one live run through the real
// WebSocket upgrade path: authenticate, start_agent, then read events until
// the Decision Loop's completion message arrives.
func TestSupervisor_HandleAgent_EndToEnd(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Message{
		{Role: types.RoleAssistant, Content: "The page title is Example Domain."},
	}}

	var persisted []*model.Run
	var mu sync.Mutex

	sup := New(
		config.JWTConfig{Secret: "test-secret"},
		config.CaptchaConfig{},
		func(ctx context.Context) (browser.Driver, error) { return fakeDriver{}, nil },
		provider,
		"test-model",
		nil,
		noRun,
		func(ctx context.Context, run *model.Run) error {
			mu.Lock()
			defer mu.Unlock()
			persisted = append(persisted, run)
			return nil
		},
		nil,
		nil,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/agent", sup.HandleAgent)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/agent"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	token := signedToken(t, "test-secret", "user-1", nil)
	authMsg, _ := json.Marshal(map[string]string{"type": "authenticate", "token": token})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, authMsg))

	startMsg, _ := json.Marshal(map[string]string{"type": "start_agent", "runId": "run-1", "objective": "report the page title"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, startMsg))

	var finalEvent *model.Event
	for finalEvent == nil {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var e model.Event
		require.NoError(t, json.Unmarshal(data, &e))
		if e.Type == model.EventCompletion || e.Type == model.EventError {
			finalEvent = &e
		}
	}

	require.NotNil(t, finalEvent)
	assert.Equal(t, model.EventCompletion, finalEvent.Type)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, persisted)
	assert.Equal(t, model.RunCompleted, persisted[len(persisted)-1].Status)
}

func TestSupervisor_HandleAgent_RejectsSecondSessionWithSameRunID(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Message{
		{Role: types.RoleAssistant, Content: "done"},
	}}

	sup := New(
		config.JWTConfig{Secret: "test-secret"},
		config.CaptchaConfig{},
		func(ctx context.Context) (browser.Driver, error) { return fakeDriver{}, nil },
		provider,
		"test-model",
		nil,
		noRun,
		func(ctx context.Context, run *model.Run) error { return nil },
		nil,
		nil,
	)

	released := make(chan struct{})
	sup.active.Store("run-shared", &activeSession{cancel: func() { close(released) }})
	t.Cleanup(func() { sup.active.Delete("run-shared") })

	mux := http.NewServeMux()
	mux.HandleFunc("/agent", sup.HandleAgent)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/agent"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	token := signedToken(t, "test-secret", "user-1", nil)
	authMsg, _ := json.Marshal(map[string]string{"type": "authenticate", "token": token})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, authMsg))

	startMsg, _ := json.Marshal(map[string]string{"type": "start_agent", "runId": "run-shared", "objective": "anything"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, startMsg))

	_, _, err = conn.Read(ctx)
	var closeErr websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.StatusPolicyViolation, closeErr.Code)
	}
}

// TestSupervisor_HandleAgent_ResumesTerminalRunWithoutRerunning covers spec
// §4.7 point 3 / invariant I2: restarting an already-terminal Run's id must
// replay its persisted record, not drive the Decision Loop against a blank
// one. The scriptedProvider has no queued response, so any Completion call
// would panic on an out-of-range slice index and fail the test.
func TestSupervisor_HandleAgent_ResumesTerminalRunWithoutRerunning(t *testing.T) {
	provider := &scriptedProvider{}

	terminalRun := &model.Run{
		ID:          "run-done",
		UserID:      "user-1",
		Objective:   "already finished",
		Status:      model.RunCompleted,
		FinalAnswer: "the stored final answer",
		Steps:       []model.Step{{Number: 1, Action: "handle_url"}},
	}

	var persistCalls int
	sup := New(
		config.JWTConfig{Secret: "test-secret"},
		config.CaptchaConfig{},
		func(ctx context.Context) (browser.Driver, error) { return fakeDriver{}, nil },
		provider,
		"test-model",
		nil,
		func(ctx context.Context, userID, runID string) (*model.Run, error) {
			if runID == terminalRun.ID {
				return terminalRun, nil
			}
			return nil, store.ErrNotFound
		},
		func(ctx context.Context, run *model.Run) error {
			persistCalls++
			return nil
		},
		nil,
		nil,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/agent", sup.HandleAgent)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/agent"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	token := signedToken(t, "test-secret", "user-1", nil)
	authMsg, _ := json.Marshal(map[string]string{"type": "authenticate", "token": token})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, authMsg))

	startMsg, _ := json.Marshal(map[string]string{"type": "start_agent", "runId": "run-done"})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, startMsg))

	var finalEvent *model.Event
	for finalEvent == nil {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var e model.Event
		require.NoError(t, json.Unmarshal(data, &e))
		if e.Type == model.EventCompletion || e.Type == model.EventError {
			finalEvent = &e
		}
	}

	require.Equal(t, model.EventCompletion, finalEvent.Type)
	assert.Equal(t, "completed", finalEvent.Status)
	assert.Equal(t, "the stored final answer", finalEvent.FinalAnswer)
	assert.Equal(t, 0, provider.calls, "resuming a terminal run must not call the model")
	assert.Equal(t, 0, persistCalls, "resuming a terminal run must not re-persist it")
}
