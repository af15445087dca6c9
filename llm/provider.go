// Package llm defines the provider-agnostic interface that every vision-capable
// LLM backend (Anthropic, OpenAI) implements. Request and message payloads reuse
// the zero-dependency types package so the same Message the browser driver
// screenshots into carries straight through to a provider call without copying.
package llm

import (
	"context"
	"time"

	"github.com/AryanChopraa/autosurf-server-node/types"
)

// ChatRequest is a single turn sent to a Provider.
type ChatRequest struct {
	TraceID     string            `json:"trace_id"`
	TenantID    string            `json:"tenant_id,omitempty"`
	RunID       string            `json:"run_id,omitempty"`
	Model       string            `json:"model"`
	Messages    []types.Message   `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Tools       []types.ToolSchema `json:"tools,omitempty"`
	ToolChoice  string            `json:"tool_choice,omitempty"` // auto/none/<tool name>
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatUsage reports token accounting for a completion.
type ChatUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// ChatChoice is one candidate response from a provider.
type ChatChoice struct {
	Index        int           `json:"index"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Message      types.Message `json:"message"`
}

// ChatResponse is the result of a Completion call.
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// StreamChunk is one increment of a Stream call.
type StreamChunk struct {
	ID           string          `json:"id,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	Index        int             `json:"index,omitempty"`
	Delta        types.Message   `json:"delta"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *ChatUsage      `json:"usage,omitempty"`
	Err          *types.Error    `json:"error,omitempty"`
}

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	ErrorRate float64       `json:"error_rate"`
}

// Provider is the interface every vision-capable LLM backend implements.
// Tool calls travel through ChatRequest.Tools / ChatChoice.Message.ToolCalls;
// execution of the tool itself is the caller's responsibility.
type Provider interface {
	// Completion issues a synchronous chat request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming chat request.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight availability probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's unique identifier (e.g. "anthropic", "openai").
	Name() string

	// SupportsVision reports whether the provider accepts image content in messages.
	SupportsVision() bool

	// SupportsNativeFunctionCalling reports whether the provider natively supports tools.
	SupportsNativeFunctionCalling() bool
}
