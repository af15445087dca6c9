// Package replay implements the Replay Engine (spec §4.6): dispatches a
// stored Automation's Trace command-by-command through the same Tool Set
// the Decision Loop uses, under the same CAPTCHA guard, and produces a
// vision-model summary (or a neutral fallback) after the last command.
package replay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/captcha"
	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/model"
	"github.com/AryanChopraa/autosurf-server-node/tools"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// StabilityGrace is the pause after each dispatched command (spec §4.6:
// "sleep a stability grace (≈1s)").
const StabilityGrace = time.Second

// Engine replays one Automation's Trace against one browser session.
type Engine struct {
	session        *browser.Session
	registry       *tools.Registry
	captchaHandler *captcha.Handler
	vision         llm.Provider
	visionModel    string
	sink           model.Sink
	logger         *zap.Logger
}

// NewEngine builds a Replay Engine bound to session and registry. vision may
// be nil, in which case completion falls back to a neutral message.
func NewEngine(session *browser.Session, registry *tools.Registry, captchaHandler *captcha.Handler, vision llm.Provider, visionModel string, sink model.Sink, logger *zap.Logger) *Engine {
	if sink == nil {
		sink = model.DiscardSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		session:        session,
		registry:       registry,
		captchaHandler: captchaHandler,
		vision:         vision,
		visionModel:    visionModel,
		sink:           sink,
		logger:         logger.With(zap.String("component", "replay_engine")),
	}
}

// Run dispatches automation's Trace in order against run, producing the
// final completion message. run.Trace is overwritten with automation.Trace
// so the persisted record mirrors exactly what was replayed (spec §8
// scenario: "the sequence ... equals the Automation's stored Trace").
func (e *Engine) Run(ctx context.Context, automation *model.Automation, run *model.Run) error {
	run.Trace = automation.Trace

	for i, cmd := range automation.Trace {
		number := i + 1

		if e.captchaHandler != nil {
			if blocked := e.runCaptchaPreCheck(ctx, run); blocked {
				return e.fail(ctx, run, fmt.Sprintf("step %d: captcha unsolvable", number))
			}
		}

		e.sink.Emit(model.Event{Type: model.EventStepStarted, RunID: run.ID, Number: number})

		if cmd.Kind == model.CommandClick && isNumericLabel(cmd.Identifier) {
			// The stored identifier is a numbered annotator label, not visible
			// text — re-annotate the replayed page so the label this command
			// targets exists in the DOM before the click resolves against it
			// (browser.PlaywrightDriver.clickByLabelIndex).
			if _, annErr := e.session.Annotate(ctx); annErr != nil {
				e.logger.Warn("annotate before replayed click failed", zap.Error(annErr))
			}
		}

		call, err := CallFromCommand(cmd)
		if err != nil {
			return e.fail(ctx, run, fmt.Sprintf("step %d: %v", number, err))
		}
		result, dispatchErr := e.registry.Dispatch(ctx, call)
		if dispatchErr != nil || (result != nil && result.IsError()) {
			reason := errString(dispatchErr, result)
			return e.fail(ctx, run, fmt.Sprintf("step %d (%s): %s", number, cmd.Kind, reason))
		}

		run.Steps = append(run.Steps, model.Step{Number: number, Action: string(cmd.Kind)})
		e.sink.Emit(model.Event{Type: model.EventStepCompleted, RunID: run.ID, Number: number})

		select {
		case <-ctx.Done():
			return e.fail(ctx, run, "cancelled")
		case <-time.After(StabilityGrace):
		}
	}

	return e.complete(ctx, automation, run)
}

// runCaptchaPreCheck reports whether the step ahead is blocked by a CAPTCHA
// the handler could not solve. A blocked step is fatal to the whole replay
// (spec §7: "CAPTCHA unsolvable ... replay aborts"), so Run treats a true
// return as a reason to stop rather than dispatch the current Command
// against a page still behind the challenge.
func (e *Engine) runCaptchaPreCheck(ctx context.Context, run *model.Run) bool {
	var pageURL string
	_ = e.session.Do(func(d browser.Driver) error {
		u, err := d.CurrentURL(ctx)
		pageURL = u
		return err
	})
	detected, solved, err := e.captchaHandler.PreCheck(ctx, pageURL, e.session)
	if err != nil {
		e.logger.Warn("captcha pre-check error", zap.Error(err))
	}
	if !detected {
		return false
	}
	e.sink.Emit(model.Event{Type: model.EventCaptchaDetected, RunID: run.ID})
	if !solved {
		return true
	}
	e.sink.Emit(model.Event{Type: model.EventCaptchaSolved, RunID: run.ID})
	return false
}

func (e *Engine) complete(ctx context.Context, automation *model.Automation, run *model.Run) error {
	message := e.summarize(ctx, automation)
	run.Status = model.RunCompleted
	run.CompletedAt = time.Now()
	run.FinalAnswer = message
	e.sink.Emit(model.Event{Type: model.EventCompletion, RunID: run.ID, Status: "completed", Message: message, Steps: run.Steps, Commands: run.Trace})
	return nil
}

// summarize captures a final screenshot and asks the vision model for a
// one-line summary; on any failure (or no vision model configured) it falls
// back to a neutral message (spec §4.6).
func (e *Engine) summarize(ctx context.Context, automation *model.Automation) string {
	const fallback = "completed successfully"
	if err := e.session.ClearAnnotations(ctx); err != nil {
		e.logger.Warn("clear annotations before summary failed", zap.Error(err))
	}
	if e.vision == nil {
		return fallback
	}
	shot, err := e.session.Screenshot(ctx)
	if err != nil || len(shot) == 0 {
		return fallback
	}
	resp, err := e.vision.Completion(ctx, &llm.ChatRequest{
		Model: e.visionModel,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: fmt.Sprintf("Automation %q (objective: %q) just finished. Summarize the final page state in one sentence.", automation.Name, automation.Objective),
				Images: []types.ImageContent{{Type: "base64", Data: encodeJPEG(shot)}}},
		},
		MaxTokens: 200,
	})
	if err != nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return fallback
	}
	return resp.Choices[0].Message.Content
}

func (e *Engine) fail(ctx context.Context, run *model.Run, reason string) error {
	run.Status = model.RunFailed
	run.CompletedAt = time.Now()
	e.sink.Emit(model.Event{Type: model.EventCompletion, RunID: run.ID, Status: "failed", Message: reason, Steps: run.Steps, Commands: run.Trace})
	return fmt.Errorf("replay failed: %s", reason)
}

// isNumericLabel reports whether identifier is a bare integer, the form
// the Annotator assigns and browser.Driver.Click falls back to once both
// text-match stages miss (spec §4.1).
func isNumericLabel(identifier string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(identifier))
	return err == nil
}

func errString(err error, result *types.ToolResult) string {
	if err != nil {
		return err.Error()
	}
	if result != nil {
		return result.Error
	}
	return "unknown error"
}

// CallFromCommand maps a stored Command back to the tool call that
// produces it, the inverse of decision.commandFromCall. Exported so a
// round-trip property test can drive it from outside this package.
func CallFromCommand(cmd model.Command) (types.ToolCall, error) {
	switch cmd.Kind {
	case model.CommandNavigate:
		return toolCall("handle_url", map[string]any{"url": cmd.URL})
	case model.CommandSearch:
		return toolCall("handle_search", map[string]any{"query": cmd.Query})
	case model.CommandClick:
		return toolCall("handle_click", map[string]any{"identifier": cmd.Identifier})
	case model.CommandType:
		return toolCall("handle_typing", map[string]any{"placeholder_value": cmd.Placeholder, "text": cmd.Text})
	case model.CommandTypeAndEnter:
		return toolCall("handle_typing_with_enter", map[string]any{"placeholder_value": cmd.Placeholder, "text": cmd.Text})
	case model.CommandScroll:
		return toolCall("handle_scroll", map[string]any{"direction": cmd.Direction, "amount": cmd.Amount})
	case model.CommandBack:
		return toolCall("handle_back", map[string]any{})
	default:
		return types.ToolCall{}, fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func toolCall(name string, args map[string]any) (types.ToolCall, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return types.ToolCall{}, err
	}
	return types.ToolCall{Name: name, Arguments: b}, nil
}

func encodeJPEG(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
