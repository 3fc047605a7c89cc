package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/provider"
	"chatrelay/internal/provider/llme"
	"chatrelay/internal/provider/ollama"
	"chatrelay/internal/provider/openai"
)

func TestRegisterConfiguredProviders(t *testing.T) {
	cfg := config.Default()
	cfg.ActiveProvider = "llme"

	registry := provider.NewRegistry()
	require.NoError(t, RegisterConfiguredProviders(cfg, registry))

	assert.Equal(t, cfg.ProviderNames(), registry.Names())

	active, err := registry.Active()
	require.NoError(t, err)
	assert.IsType(t, &llme.Provider{}, active)

	for name, want := range map[string]any{
		"ollama":   &ollama.Provider{},
		"lmstudio": &openai.Provider{},
		"vllm":     &openai.Provider{},
		"openai":   &openai.Provider{},
	} {
		p, err := registry.Lookup(name)
		require.NoError(t, err)
		assert.IsType(t, want, p, name)
		assert.Equal(t, name, p.Name())
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("mystery", config.ProviderConfig{Kind: "grpc", BaseURL: "http://h"})
	assert.Error(t, err)

	registry := provider.NewRegistry()
	cfg := config.Default()
	cfg.ActiveProvider = "absent"
	assert.ErrorIs(t, RegisterConfiguredProviders(cfg, registry), provider.ErrUnknownProvider)
}
