// Package supervisor implements the Session Supervisor (spec §4.7): the
// WebSocket boundary that authenticates a client, owns exactly one active
// agent or replay per session, drives it against a fresh browser Driver, and
// streams its events and periodic screenshots back out.
package supervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/captcha"
	"github.com/AryanChopraa/autosurf-server-node/config"
	"github.com/AryanChopraa/autosurf-server-node/decision"
	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/model"
	"github.com/AryanChopraa/autosurf-server-node/replay"
	"github.com/AryanChopraa/autosurf-server-node/store"
	"github.com/AryanChopraa/autosurf-server-node/tools"
)

// LiveScreenshotInterval and ReplayScreenshotInterval are the periodic
// screenshot pump cadences from spec §4.7.
const (
	LiveScreenshotInterval    = 1 * time.Second
	ReplayScreenshotInterval  = 500 * time.Millisecond
	heartbeatPingInterval     = 30 * time.Second
	heartbeatPongTimeout      = 15 * time.Second
)

// DriverFactory builds a fresh browser Driver for one session.
type DriverFactory func(ctx context.Context) (browser.Driver, error)

// AutomationLookup resolves an Automation by ID for the requesting user.
type AutomationLookup func(ctx context.Context, userID, automationID string) (*model.Automation, error)

// RunLookup resolves a Run by ID for the requesting user. Implementations
// return store.ErrNotFound (or any error satisfying errors.Is against it)
// when no such Run exists yet, which handle() treats as "start a new Run".
type RunLookup func(ctx context.Context, userID, runID string) (*model.Run, error)

// RunPersister writes through Run mutations to the Store Adapter.
type RunPersister func(ctx context.Context, run *model.Run) error

// Supervisor owns every active session (spec §4.7 invariant: one agent per
// session) and wires a Decision Loop or Replay Engine to a client
// connection on demand.
type Supervisor struct {
	jwtCfg           config.JWTConfig
	captchaCfg       config.CaptchaConfig
	newDriver        DriverFactory
	provider         llm.Provider
	model            string
	lookupAutomation AutomationLookup
	lookupRun        RunLookup
	persist          RunPersister
	captchaCache     *captcha.Cache
	logger           *zap.Logger

	active sync.Map // sessionID (string) -> *activeSession
}

type activeSession struct {
	cancel context.CancelFunc
}

// New builds a Supervisor. provider/model drive both the Decision Loop and
// the CAPTCHA Handler's vision calls (spec §4.4: "vision calls ... reuse the
// llm.Provider"). redisClient may be nil, in which case the CAPTCHA selector
// cache (spec §9) runs purely in-process instead of being shared across
// instances.
func New(jwtCfg config.JWTConfig, captchaCfg config.CaptchaConfig, newDriver DriverFactory, provider llm.Provider, modelName string, lookupAutomation AutomationLookup, lookupRun RunLookup, persist RunPersister, redisClient *redis.Client, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		jwtCfg:           jwtCfg,
		captchaCfg:       captchaCfg,
		newDriver:        newDriver,
		provider:         provider,
		model:            modelName,
		lookupAutomation: lookupAutomation,
		lookupRun:        lookupRun,
		persist:          persist,
		captchaCache:     captcha.NewCache(0, redisClient),
		logger:           logger.With(zap.String("component", "session_supervisor")),
	}
}

// authenticateMsg is the required first message on every connection (spec
// §4.7).
type authenticateMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// startAgentMsg starts a live Decision Loop run. The wire contract (spec §6)
// is `{type:"start_agent", runId}`: the Run, and its objective, are expected
// to already exist (spec §3: "Created externally (PENDING)"). Objective is
// accepted but optional, used only to seed a Run that RunLookup can't find —
// letting the route double as a bootstrap path when nothing created one.
type startAgentMsg struct {
	Type      string `json:"type"`
	RunID     string `json:"runId"`
	Objective string `json:"objective"`
}

// startScriptMsg starts an Automation replay.
type startScriptMsg struct {
	Type         string `json:"type"`
	RunID        string `json:"runId"`
	AutomationID string `json:"automationId"`
}

// clientMsg is the generic envelope used to sniff the "type" field before
// decoding into the concrete shape.
type clientMsg struct {
	Type string `json:"type"`
}

// HandleAgent upgrades the connection and drives one live Decision Loop run
// (the /agent route, spec §4.7).
func (s *Supervisor) HandleAgent(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, false)
}

// HandleAutomation upgrades the connection and drives one Replay Engine run
// (the /automation route, spec §4.7).
func (s *Supervisor) HandleAutomation(w http.ResponseWriter, r *http.Request) {
	s.handle(w, r, true)
}

func (s *Supervisor) handle(w http.ResponseWriter, r *http.Request, isReplay bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.CloseNow()

	userID, err := s.authenticate(ctx, conn)
	if err != nil {
		s.logger.Info("authentication failed", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	sessionID, err := s.readSessionStart(ctx, conn, isReplay)
	if err != nil {
		s.logger.Info("session start failed", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	if _, alreadyActive := s.active.LoadOrStore(sessionID.sessionID(), &activeSession{cancel: cancel}); alreadyActive {
		conn.Close(websocket.StatusPolicyViolation, "session already active")
		return
	}
	defer s.active.Delete(sessionID.sessionID())

	driver, err := s.newDriver(ctx)
	if err != nil {
		s.logger.Warn("driver creation failed", zap.Error(err))
		s.writeEvent(ctx, conn, model.Event{Type: model.EventError, Error: err.Error()})
		return
	}
	defer driver.Close()

	session := browser.NewSession(sessionID.sessionID(), driver, s.logger)
	captchaHandler := captcha.NewHandler(session, s.provider, s.captchaCache, s.captchaCfg, s.logger)
	registry := tools.NewDefaultRegistry(session, captchaHandler, s.logger)

	sink := model.SinkFunc(func(e model.Event) {
		s.writeEvent(ctx, conn, e)
	})

	pumpInterval := LiveScreenshotInterval
	if isReplay {
		pumpInterval = ReplayScreenshotInterval
	}
	pumpCtx, stopPump := context.WithCancel(ctx)
	var background errgroup.Group
	background.Go(func() error {
		s.pumpScreenshots(pumpCtx, conn, session, sessionID.sessionID(), pumpInterval)
		return nil
	})
	background.Go(func() error {
		s.heartbeat(pumpCtx, conn)
		return nil
	})
	defer func() {
		stopPump()
		background.Wait()
	}()

	if isReplay {
		run := &model.Run{ID: sessionID.runID, UserID: userID, StartedAt: time.Now()}
		automation, err := s.lookupAutomation(ctx, userID, sessionID.automationID)
		if err != nil {
			s.writeEvent(ctx, conn, model.Event{Type: model.EventError, Error: err.Error()})
			return
		}
		run.Objective = automation.Objective
		engine := replay.NewEngine(session, registry, captchaHandler, s.provider, s.model, sink, s.logger)
		if err := engine.Run(ctx, automation, run); err != nil {
			s.logger.Info("replay ended", zap.Error(err))
		}
		s.persistRun(ctx, run)
		return
	}

	// Dispatch (spec §4.7 point 3): load the Run scoped to the user. A Run
	// reaches terminal exactly once, so resuming an already-COMPLETED/FAILED
	// id must replay its persisted record rather than rerun the Decision
	// Loop against a blank one.
	run, err := s.lookupRun(ctx, userID, sessionID.runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeEvent(ctx, conn, model.Event{Type: model.EventError, Error: err.Error()})
		return
	}
	if err != nil {
		run = &model.Run{ID: sessionID.runID, UserID: userID, Objective: sessionID.objective, StartedAt: time.Now()}
	} else if run.Status.IsTerminal() {
		status := "completed"
		if run.Status == model.RunFailed {
			status = "failed"
		}
		sink.Emit(model.Event{
			Type: model.EventCompletion, RunID: run.ID, Status: status,
			FinalAnswer: run.FinalAnswer, Steps: run.Steps, Commands: run.Trace,
		})
		return
	}
	if run.Objective == "" {
		run.Objective = sessionID.objective
	}

	run.Status = model.RunInProgress
	s.persistRun(ctx, run)
	loop := decision.NewLoop(s.provider, s.model, session, registry, captchaHandler, sink, s.logger)
	loop.Persist = s.persist
	if err := loop.Run(ctx, run); err != nil {
		s.logger.Info("decision loop ended", zap.Error(err))
	}
}

func (s *Supervisor) persistRun(ctx context.Context, run *model.Run) {
	if s.persist == nil {
		return
	}
	if err := s.persist(ctx, run); err != nil {
		s.logger.Warn("persist run failed", zap.Error(err))
	}
}

// sessionStart carries whichever start_* message the client sent, for both
// routes, so handle() has one code path up to the run-type branch.
type sessionStart struct {
	runID        string
	objective    string
	automationID string
}

func (s sessionStart) sessionID() string { return s.runID }

func (s *Supervisor) authenticate(ctx context.Context, conn *websocket.Conn) (userID string, err error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("read authenticate message: %w", err)
	}
	var msg authenticateMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("decode authenticate message: %w", err)
	}
	if msg.Type != "authenticate" {
		return "", fmt.Errorf("expected authenticate message, got %q", msg.Type)
	}
	return s.verifyToken(msg.Token)
}

func (s *Supervisor) verifyToken(tokenStr string) (string, error) {
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtCfg.Secret), nil
	}
	token, err := jwt.Parse(tokenStr, keyFunc, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", fmt.Errorf("token missing user_id claim")
	}
	return userID, nil
}

func (s *Supervisor) readSessionStart(ctx context.Context, conn *websocket.Conn, isReplay bool) (sessionStart, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return sessionStart{}, fmt.Errorf("read start message: %w", err)
	}
	var probe clientMsg
	if err := json.Unmarshal(data, &probe); err != nil {
		return sessionStart{}, fmt.Errorf("decode start message: %w", err)
	}
	if isReplay {
		if probe.Type != "start_script" {
			return sessionStart{}, fmt.Errorf("expected start_script, got %q", probe.Type)
		}
		var msg startScriptMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return sessionStart{}, err
		}
		if msg.RunID == "" || msg.AutomationID == "" {
			return sessionStart{}, fmt.Errorf("start_script requires runId and automationId")
		}
		return sessionStart{runID: msg.RunID, automationID: msg.AutomationID}, nil
	}
	if probe.Type != "start_agent" {
		return sessionStart{}, fmt.Errorf("expected start_agent, got %q", probe.Type)
	}
	var msg startAgentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return sessionStart{}, err
	}
	if msg.RunID == "" {
		return sessionStart{}, fmt.Errorf("start_agent requires runId")
	}
	return sessionStart{runID: msg.RunID, objective: msg.Objective}, nil
}

func (s *Supervisor) writeEvent(ctx context.Context, conn *websocket.Conn, e model.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.logger.Debug("event write failed", zap.Error(err))
	}
}

// pumpScreenshots emits screenshot_update events on a fixed cadence, using
// the session's non-blocking TryScreenshot so the pump never contends with
// in-flight tool dispatch (spec §5/§9).
func (s *Supervisor) pumpScreenshots(ctx context.Context, conn *websocket.Conn, session *browser.Session, runID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, ok, err := session.TryScreenshot(ctx)
			if !ok || err != nil || len(data) == 0 {
				continue
			}
			s.writeEvent(ctx, conn, model.Event{
				Type:       model.EventScreenshotUpdate,
				RunID:      runID,
				Screenshot: encodeScreenshot(data),
			})
		}
	}
}

// heartbeat pings the client every heartbeatPingInterval and drops the
// connection if no pong-equivalent traffic arrives within
// heartbeatPongTimeout (spec §4.7).
func (s *Supervisor) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeatPongTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Info("heartbeat ping failed, closing connection", zap.Error(err))
				conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}

func encodeScreenshot(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
