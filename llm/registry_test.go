package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{ name string }

func (s *stubProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Provider: s.name, Model: req.Model}, nil
}
func (s *stubProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}
func (s *stubProvider) Name() string                         { return s.name }
func (s *stubProvider) SupportsVision() bool                  { return true }
func (s *stubProvider) SupportsNativeFunctionCalling() bool   { return true }

func TestProviderRegistry_RegisterAndGet(t *testing.T) {
	r := NewProviderRegistry()
	r.Register("anthropic", &stubProvider{name: "anthropic"})

	p, ok := r.Get("anthropic")
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestProviderRegistry_Default(t *testing.T) {
	r := NewProviderRegistry()
	_, err := r.Default()
	require.Error(t, err)

	r.Register("openai", &stubProvider{name: "openai"})
	require.NoError(t, r.SetDefault("openai"))

	p, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	require.Error(t, r.SetDefault("nope"))
}

func TestProviderRegistry_ListAndUnregister(t *testing.T) {
	r := NewProviderRegistry()
	r.Register("b", &stubProvider{name: "b"})
	r.Register("a", &stubProvider{name: "a"})
	assert.Equal(t, []string{"a", "b"}, r.List())

	require.NoError(t, r.SetDefault("a"))
	r.Unregister("a")
	_, ok := r.Get("a")
	assert.False(t, ok)
	_, err := r.Default()
	assert.Error(t, err)
}
