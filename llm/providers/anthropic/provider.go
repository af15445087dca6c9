// Package anthropic adapts Anthropic's Messages API to the llm.Provider
// interface via the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/llm/circuitbreaker"
	"github.com/AryanChopraa/autosurf-server-node/llm/retry"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	Timeout    time.Duration
}

// Provider implements llm.Provider against Claude's vision-capable models.
type Provider struct {
	client  anthropicsdk.Client
	cfg     Config
	breaker circuitbreaker.CircuitBreaker
	retryer retry.Retryer
	logger  *zap.Logger
}

// New constructs an Anthropic-backed provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client:  anthropicsdk.NewClient(opts...),
		cfg:     cfg,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), logger),
		retryer: retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
		logger:  logger,
	}
}

func (p *Provider) Name() string               { return "anthropic" }
func (p *Provider) SupportsVision() bool        { return true }
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

// Completion sends a single request to the Messages API, retried and
// circuit-broken the way the browser automation loop expects a flaky
// upstream vision model to behave.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	params, err := buildParams(p.cfg, req)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build anthropic request").WithCause(err)
	}

	var resp *anthropicsdk.Message
	callErr := p.breaker.Call(ctx, func() error {
		return p.retryer.Do(ctx, func() error {
			r, err := p.client.Messages.New(ctx, params)
			if err != nil {
				return mapError(err)
			}
			resp = r
			return nil
		})
	})
	if callErr != nil {
		return nil, callErr
	}

	return toChatResponse(resp), nil
}

// Stream is not used by the decision loop today (it consumes screenshots one
// turn at a time) but is implemented so Provider satisfies the interface and
// so a future streaming UI can subscribe to partial reasoning text.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	params, err := buildParams(p.cfg, req)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build anthropic request").WithCause(err)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		stream := p.client.Messages.NewStreaming(ctx, params)
		var text string
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
				if d, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta); ok {
					text += d.Text
					out <- llm.StreamChunk{
						Provider: p.Name(),
						Model:    req.Model,
						Delta:    types.Message{Role: types.RoleAssistant, Content: d.Text},
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Provider: p.Name(), Err: mapErrorAsType(err)}
		}
	}()
	return out, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	_, err := p.client.Messages.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(p.cfg.Model),
		MaxTokens: 1,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock("ping")),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency, ErrorRate: 1}, nil
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func buildParams(cfg Config, req *llm.ChatRequest) (anthropicsdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = cfg.Model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var system string
	messages := make([]anthropicsdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			system = m.Content
			continue
		}
		blocks, err := toContentBlocks(m)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		if m.Role == types.RoleAssistant {
			messages = append(messages, anthropicsdk.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropicsdk.NewUserMessage(blocks...))
		}
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropicsdk.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return anthropicsdk.MessageNewParams{}, fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
			tools = append(tools, anthropicsdk.ToolUnionParam{
				OfTool: &anthropicsdk.ToolParam{
					Name:        t.Name,
					Description: anthropicsdk.String(t.Description),
					InputSchema: anthropicsdk.ToolInputSchemaParam{
						Properties: schema["properties"],
					},
				},
			})
		}
		params.Tools = tools
	}
	return params, nil
}

func toContentBlocks(m types.Message) ([]anthropicsdk.ContentBlockParamUnion, error) {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(m.Images)+1)
	for _, img := range m.Images {
		data := img.Data
		if img.Type == "url" {
			// Claude's Messages API only accepts base64/URL image sources
			// natively through its source type, not arbitrary HTTP fetch here.
			blocks = append(blocks, anthropicsdk.NewImageBlock(anthropicsdk.Base64ImageSourceParam{
				Data:      img.URL,
				MediaType: anthropicsdk.Base64ImageSourceMediaTypeImagePNG,
			}))
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode image content: %w", err)
		}
		blocks = append(blocks, anthropicsdk.NewImageBlock(anthropicsdk.Base64ImageSourceParam{
			Data:      base64.StdEncoding.EncodeToString(decoded),
			MediaType: anthropicsdk.Base64ImageSourceMediaTypeImagePNG,
		}))
	}
	if m.Content != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal(tc.Arguments, &input)
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	if m.Role == types.RoleTool {
		blocks = []anthropicsdk.ContentBlockParamUnion{
			anthropicsdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
		}
	}
	return blocks, nil
}

func toChatResponse(resp *anthropicsdk.Message) *llm.ChatResponse {
	msg := types.Message{Role: types.RoleAssistant, Timestamp: time.Now()}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			msg.Content += b.Text
		case anthropicsdk.ToolUseBlock:
			args, _ := json.Marshal(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: "anthropic",
		Model:    string(resp.Model),
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: string(resp.StopReason),
			Message:      msg,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		CreatedAt: time.Now(),
	}
}

func mapError(err error) error {
	return mapErrorAsType(err)
}

func mapErrorAsType(err error) *types.Error {
	if err == nil {
		return nil
	}
	code := types.ErrUpstreamError
	retryable := true
	var apiErr *anthropicsdk.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		switch apiErr.StatusCode {
		case 401, 403:
			code, retryable = types.ErrUnauthorized, false
		case 429:
			code, retryable = types.ErrRateLimited, true
		case 400:
			code, retryable = types.ErrInvalidRequest, false
		}
	}
	return types.NewError(code, "anthropic request failed").
		WithCause(err).
		WithRetryable(retryable).
		WithProvider("anthropic")
}

func asAnthropicError(err error, target **anthropicsdk.Error) bool {
	apiErr, ok := err.(*anthropicsdk.Error)
	if ok {
		*target = apiErr
	}
	return ok
}
