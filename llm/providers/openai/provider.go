// Package openai adapts the Chat Completions API to the llm.Provider
// interface via the official openai-go client.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/AryanChopraa/autosurf-server-node/llm"
	"github.com/AryanChopraa/autosurf-server-node/llm/circuitbreaker"
	"github.com/AryanChopraa/autosurf-server-node/llm/retry"
	"github.com/AryanChopraa/autosurf-server-node/types"
)

// Config configures the OpenAI provider.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Provider implements llm.Provider against GPT-4o-class vision models.
type Provider struct {
	client  openai.Client
	cfg     Config
	breaker circuitbreaker.CircuitBreaker
	retryer retry.Retryer
	logger  *zap.Logger
}

// New constructs an OpenAI-backed provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4o
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		client:  openai.NewClient(opts...),
		cfg:     cfg,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), logger),
		retryer: retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
		logger:  logger,
	}
}

func (p *Provider) Name() string                        { return "openai" }
func (p *Provider) SupportsVision() bool                 { return true }
func (p *Provider) SupportsNativeFunctionCalling() bool  { return true }

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	params, err := buildParams(p.cfg, req)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build openai request").WithCause(err)
	}

	var resp *openai.ChatCompletion
	callErr := p.breaker.Call(ctx, func() error {
		return p.retryer.Do(ctx, func() error {
			r, err := p.client.Chat.Completions.New(ctx, params)
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

func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	params, err := buildParams(p.cfg, req)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "build openai request").WithCause(err)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			out <- llm.StreamChunk{
				Provider: p.Name(),
				Model:    req.Model,
				Delta:    types.Message{Role: types.RoleAssistant, Content: delta.Content},
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
	_, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("ping"),
		},
		MaxTokens: openai.Int(1),
	})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency, ErrorRate: 1}, nil
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

func buildParams(cfg Config, req *llm.ChatRequest) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = cfg.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := toMessageParam(m)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
			tools = append(tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  schema,
			}))
		}
		params.Tools = tools
	}
	return params, nil
}

func toMessageParam(m types.Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return openai.SystemMessage(m.Content), nil
	case types.RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID), nil
	case types.RoleAssistant:
		return openai.AssistantMessage(m.Content), nil
	default:
		if len(m.Images) == 0 {
			return openai.UserMessage(m.Content), nil
		}
		parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, openai.TextContentPart(m.Content))
		}
		for _, img := range m.Images {
			url := img.URL
			if img.Type == "base64" {
				url = "data:image/png;base64," + img.Data
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
		}
		return openai.UserMessage(parts), nil
	}
}

func toChatResponse(resp *openai.ChatCompletion) *llm.ChatResponse {
	choices := make([]llm.ChatChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		msg := types.Message{
			Role:      types.RoleAssistant,
			Content:   c.Message.Content,
			Timestamp: time.Now(),
		}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		choices = append(choices, llm.ChatChoice{
			Index:        int(c.Index),
			FinishReason: string(c.FinishReason),
			Message:      msg,
		})
	}
	return &llm.ChatResponse{
		ID:       resp.ID,
		Provider: "openai",
		Model:    resp.Model,
		Choices:  choices,
		Usage: llm.ChatUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
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
	var apiErr *openai.Error
	if ok := asOpenAIError(err, &apiErr); ok {
		switch apiErr.StatusCode {
		case 401, 403:
			code, retryable = types.ErrUnauthorized, false
		case 429:
			code, retryable = types.ErrRateLimited, true
		case 400:
			code, retryable = types.ErrInvalidRequest, false
		}
	}
	return types.NewError(code, "openai request failed").
		WithCause(err).
		WithRetryable(retryable).
		WithProvider("openai")
}

func asOpenAIError(err error, target **openai.Error) bool {
	apiErr, ok := err.(*openai.Error)
	if ok {
		*target = apiErr
	}
	return ok
}
