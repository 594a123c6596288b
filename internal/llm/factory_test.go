package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider(t *testing.T) {
	caps := Capabilities{SupportsVision: true, MaxContext: 128000}

	for _, name := range []string{ProviderOpenAI, ProviderOpenRouter, ProviderGroq, ProviderGLM} {
		t.Run(name, func(t *testing.T) {
			p, err := NewProvider(context.Background(), ProviderConfig{Name: name, APIKey: "k", Capabilities: caps})
			require.NoError(t, err)
			assert.IsType(t, &OpenAIProvider{}, p)
			assert.Equal(t, name, p.Name())
			assert.Equal(t, caps, p.Capabilities())
		})
	}

	t.Run("anthropic", func(t *testing.T) {
		p, err := NewProvider(context.Background(), ProviderConfig{Name: ProviderAnthropic, APIKey: "k", Model: "claude-x"})
		require.NoError(t, err)
		assert.IsType(t, &AnthropicProvider{}, p)
		assert.Equal(t, "claude-x", p.Model())
	})

	t.Run("gemini", func(t *testing.T) {
		p, err := NewProvider(context.Background(), ProviderConfig{Name: ProviderGemini, APIKey: "k"})
		require.NoError(t, err)
		assert.IsType(t, &GeminiProvider{}, p)
		assert.Equal(t, defaultGeminiModel, p.Model())
	})

	t.Run("unknown", func(t *testing.T) {
		p, err := NewProvider(context.Background(), ProviderConfig{Name: "unknown"})
		assert.Nil(t, p)
		assert.ErrorContains(t, err, `unsupported LLM provider: "unknown"`)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NewProvider(context.Background(), ProviderConfig{})
		assert.Error(t, err)
	})
}
