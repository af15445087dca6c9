// Package decision implements the per-run Decision Loop (spec §4.5): an
// append-only conversation with a vision-capable language model, alternating
// model turns with Tool Set dispatch, recording a Trace, and enforcing the
// step budget and anti-repetition guard.
package decision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/browser"
	"github.com/AryanChopraa/autosurf-server-node/captcha"
	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/llm/tokenizer"
	"github.com/AryanChopraa/autosurf-server-node/model"
	"github.com/AryanChopraa/autosurf-server-node/tools"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// MaxIterations is the hard cap from spec §4.5: the 26th iteration is never
// attempted.
const MaxIterations = 25

var tracer = otel.Tracer("agentflow/decision")

// bracketDecorator strips the kind of "[thinking] ..." or "[Action] ..."
// prefixes a model turn may use to narrate itself, so the anti-repetition
// check compares the substantive text only.
var bracketDecorator = regexp.MustCompile(`\[[^\]]*\]`)

// commonToolFields are the two optional fields present on every tool call's
// arguments per spec §6, used to populate the Step.
type commonToolFields struct {
	Action      string `json:"action"`
	Explanation string `json:"explanation"`
}

// Loop runs one Run's decision cycle against one browser Session.
type Loop struct {
	provider       llm.Provider
	model          string
	session        *browser.Session
	registry       *tools.Registry
	captchaHandler *captcha.Handler
	sink           model.Sink
	logger         *zap.Logger

	// Persist is called after every mutation to Run (step append, status
	// transition) so the caller can write through to the Store Adapter.
	// May be nil.
	Persist func(ctx context.Context, run *model.Run) error
}

// NewLoop builds a Decision Loop bound to one session, provider, and tool
// registry. sink receives every event in emission order (spec §5).
func NewLoop(provider llm.Provider, modelName string, session *browser.Session, registry *tools.Registry, captchaHandler *captcha.Handler, sink model.Sink, logger *zap.Logger) *Loop {
	if sink == nil {
		sink = model.DiscardSink
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		provider:       provider,
		model:          modelName,
		session:        session,
		registry:       registry,
		captchaHandler: captchaHandler,
		sink:           sink,
		logger:         logger.With(zap.String("component", "decision_loop")),
	}
}

// Run drives run to a terminal state, mutating its Steps/Trace/FinalAnswer/
// Status in place and persisting via l.Persist at every transition.
func (l *Loop) Run(ctx context.Context, run *model.Run) error {
	conversation := []types.Message{
		{Role: types.RoleSystem, Content: systemPrompt(run.Objective)},
		{Role: types.RoleUser, Content: run.Objective},
	}
	var previousAssistantText string

	for iteration := 0; iteration < MaxIterations; iteration++ {
		spanCtx, span := tracer.Start(ctx, "decision.iteration",
			oteltrace.WithAttributes(
				attribute.String("run_id", run.ID),
				attribute.Int("iteration", iteration),
			))

		conversation = l.trimToBudget(conversation)

		choice, err := l.callModel(spanCtx, conversation)
		span.End()
		if err != nil {
			return l.fail(ctx, run, fmt.Sprintf("model call failed: %v", err))
		}

		var fields commonToolFields
		var call types.ToolCall
		if len(choice.ToolCalls) > 0 {
			call = choice.ToolCalls[0]
			_ = json.Unmarshal(call.Arguments, &fields)
			if fields.Action == "" {
				fields.Action = call.Name
			}
		}

		turnText := stripDecorators(choice.Content)
		if len(choice.ToolCalls) > 0 {
			turnText = stripDecorators(fields.Action + "|" + fields.Explanation)
		}
		if turnText != "" && turnText == previousAssistantText {
			conversation = append(conversation,
				choice,
				types.Message{Role: types.RoleUser, Content: "That repeats your previous response. Try a different approach."},
			)
			continue // repetition: consumes an iteration, no Step, budget not reset
		}
		previousAssistantText = turnText

		if len(choice.ToolCalls) == 0 {
			run.FinalAnswer = choice.Content
			return l.complete(ctx, run)
		}

		conversation = append(conversation, choice)

		step := model.Step{Number: run.NextStepNumber(), Action: fields.Action, Explanation: fields.Explanation}
		run.Steps = append(run.Steps, step)
		l.sink.Emit(model.Event{Type: model.EventStepUpdate, RunID: run.ID, Step: &step})
		l.persist(ctx, run)

		if l.captchaHandler != nil && l.runCaptchaPreCheck(ctx, run) {
			// CAPTCHA unsolvable: fatal to the current iteration. The Step is
			// already marked failed inside runCaptchaPreCheck; skip dispatch
			// entirely rather than run call against a page still blocked by
			// the challenge.
			recordStep("failed")
			conversation = append(conversation, types.Message{
				Role:       types.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    "Error: captcha unsolvable",
			})
			l.persist(ctx, run)
			continue
		}

		result, dispatchErr := l.registry.Dispatch(ctx, call)
		if dispatchErr != nil || (result != nil && result.IsError()) {
			run.Steps[len(run.Steps)-1].Failed = true
			if dispatchErr != nil {
				run.Steps[len(run.Steps)-1].Error = dispatchErr.Error()
			} else {
				run.Steps[len(run.Steps)-1].Error = result.Error
			}
			recordStep("failed")
			conversation = append(conversation, types.Message{
				Role:       types.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    fmt.Sprintf("Error: %s", run.Steps[len(run.Steps)-1].Error),
			})
			l.persist(ctx, run)
			continue
		}
		recordStep("ok")

		if cmd, ok := commandFromCall(call); ok {
			run.Trace = append(run.Trace, cmd)
		}

		// Annotate before capture so the screenshot the model sees on the next
		// turn carries the numbered label overlay its numeric click targets
		// resolve against (browser.Driver.Click, playwright_driver.go's
		// clickByLabelIndex). Annotate self-clears first, so the overlay never
		// doubles up across iterations; the labels stay in the DOM until the
		// next Annotate call, which is what the following tool dispatch needs
		// if it clicks by numeric index.
		if _, annErr := l.session.Annotate(ctx); annErr != nil {
			l.logger.Warn("annotate before screenshot failed", zap.Error(annErr))
		}
		shot, shotErr := l.session.Screenshot(ctx)
		toolMsg := result.ToMessage()
		if shotErr == nil && len(shot) > 0 {
			toolMsg.Images = []types.ImageContent{{Type: "base64", Data: encodeJPEG(shot)}}
		}
		conversation = append(conversation, toolMsg)
		l.persist(ctx, run)
	}

	return l.fail(ctx, run, "max steps")
}

// tokenReserve is held back from a model's max context for the completion
// itself, so trimToBudget never packs the conversation to exactly the limit.
const tokenReserve = 1024

// trimToBudget bounds the conversation sent on the next turn to the
// model's context window (SPEC_FULL.md §6: "token counting ... bounding
// prompt size before each Decision Loop turn"), dropping the oldest
// tool-turn messages first. The system prompt (index 0) and the original
// objective (index 1) are never dropped.
func (l *Loop) trimToBudget(conversation []types.Message) []types.Message {
	tk := tokenizer.GetTokenizerOrEstimator(l.model)
	budget := tk.MaxTokens() - tokenReserve
	if budget <= 0 {
		return conversation
	}

	for len(conversation) > 2 {
		count, err := tk.CountMessages(toTokenizerMessages(conversation))
		if err != nil || count <= budget {
			break
		}
		// Drop the oldest non-pinned message (index 2, right after system
		// prompt + objective).
		conversation = append(conversation[:2:2], conversation[3:]...)
	}
	return conversation
}

func toTokenizerMessages(msgs []types.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		out[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func (l *Loop) callModel(ctx context.Context, conversation []types.Message) (types.Message, error) {
	resp, err := l.provider.Completion(ctx, &llm.ChatRequest{
		Model:    l.model,
		Messages: conversation,
		Tools:    l.registry.Schemas(),
	})
	if err != nil {
		return types.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return types.Message{}, fmt.Errorf("empty model response")
	}
	return resp.Choices[0].Message, nil
}

// runCaptchaPreCheck reports whether the step about to dispatch is blocked
// by a CAPTCHA the handler could not solve. A blocked step is fatal to the
// current iteration (spec §7): the caller must skip tool dispatch rather
// than run it against a page still behind the challenge.
func (l *Loop) runCaptchaPreCheck(ctx context.Context, run *model.Run) bool {
	var pageURL string
	_ = l.session.Do(func(d browser.Driver) error {
		u, err := d.CurrentURL(ctx)
		pageURL = u
		return err
	})

	detected, solved, err := l.captchaHandler.PreCheck(ctx, pageURL, l.session)
	if err != nil {
		l.logger.Warn("captcha pre-check error", zap.Error(err))
	}
	if !detected {
		return false
	}
	l.sink.Emit(model.Event{Type: model.EventCaptchaDetected, RunID: run.ID})
	if solved {
		l.sink.Emit(model.Event{Type: model.EventCaptchaSolved, RunID: run.ID})
		return false
	}
	if len(run.Steps) > 0 {
		run.Steps[len(run.Steps)-1].Failed = true
		run.Steps[len(run.Steps)-1].Error = "captcha unsolvable"
	}
	return true
}

func (l *Loop) complete(ctx context.Context, run *model.Run) error {
	if err := l.session.ClearAnnotations(ctx); err != nil {
		l.logger.Warn("clear annotations on completion failed", zap.Error(err))
	}
	run.Status = model.RunCompleted
	run.CompletedAt = time.Now()
	l.persist(ctx, run)
	l.sink.Emit(model.Event{Type: model.EventCompletion, RunID: run.ID, Status: "completed", FinalAnswer: run.FinalAnswer, Steps: run.Steps, Commands: run.Trace})
	return nil
}

func (l *Loop) fail(ctx context.Context, run *model.Run, reason string) error {
	if err := l.session.ClearAnnotations(ctx); err != nil {
		l.logger.Warn("clear annotations on failure failed", zap.Error(err))
	}
	run.Status = model.RunFailed
	run.CompletedAt = time.Now()
	l.persist(ctx, run)
	l.sink.Emit(model.Event{Type: model.EventCompletion, RunID: run.ID, Status: "failed", Message: reason, Steps: run.Steps, Commands: run.Trace})
	return fmt.Errorf("decision loop failed: %s", reason)
}

func (l *Loop) persist(ctx context.Context, run *model.Run) {
	if l.Persist == nil {
		return
	}
	if err := l.Persist(ctx, run); err != nil {
		l.logger.Warn("persist run failed", zap.Error(err))
	}
}

func encodeJPEG(data []byte) string { return base64.StdEncoding.EncodeToString(data) }

func stripDecorators(text string) string {
	return strings.TrimSpace(bracketDecorator.ReplaceAllString(text, ""))
}

func systemPrompt(objective string) string {
	return "You control a web browser through a fixed set of tools to accomplish the user's objective. " +
		"Look at the annotated screenshot after every action. Call exactly one tool per turn, or reply with " +
		"plain text (no tool call) once the objective is accomplished — that text is the final answer.\n\nObjective: " + objective
}

// commandFromCall maps a dispatched tool call to its Trace Command, skipping
// handle_captcha (excluded from the persisted Trace per spec §3).
func commandFromCall(call types.ToolCall) (model.Command, bool) {
	var args map[string]any
	_ = json.Unmarshal(call.Arguments, &args)
	str := func(k string) string { s, _ := args[k].(string); return s }
	num := func(k string) int {
		f, _ := args[k].(float64)
		return int(f)
	}

	switch call.Name {
	case "handle_url":
		return model.Command{Kind: model.CommandNavigate, URL: str("url")}, true
	case "handle_search":
		return model.Command{Kind: model.CommandSearch, Query: str("query")}, true
	case "handle_click":
		return model.Command{Kind: model.CommandClick, Identifier: str("identifier")}, true
	case "handle_typing":
		return model.Command{Kind: model.CommandType, Placeholder: str("placeholder_value"), Text: str("text")}, true
	case "handle_typing_with_enter":
		return model.Command{Kind: model.CommandTypeAndEnter, Placeholder: str("placeholder_value"), Text: str("text")}, true
	case "handle_scroll":
		return model.Command{Kind: model.CommandScroll, Direction: str("direction"), Amount: num("amount")}, true
	case "handle_back":
		return model.Command{Kind: model.CommandBack}, true
	default:
		return model.Command{}, false
	}
}
