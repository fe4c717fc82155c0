package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("cohere", "key", "")
	assert.Error(t, err)
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := New("anthropic", "", "")
	assert.Error(t, err)
}

func TestNewAnthropicDefaultModel(t *testing.T) {
	client, err := NewAnthropicClient("test-key", "")
	require.NoError(t, err)
	assert.Equal(t, defaultAnthropicModel, client.ModelName())
}

func TestNewOpenAIDefaultModel(t *testing.T) {
	client, err := NewOpenAIClient("test-key", "")
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, client.ModelName())
}

func TestTemperatureUnsupported(t *testing.T) {
	assert.True(t, temperatureUnsupported("o3-mini"))
	assert.True(t, temperatureUnsupported("gpt-5"))
	assert.False(t, temperatureUnsupported("llama-3"))
}
