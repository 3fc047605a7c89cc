package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.ActiveProvider)
	assert.Equal(t, 10, cfg.Retention.MaxConversations)
	assert.Equal(t, 10, cfg.Retention.ListLimit)
	assert.Equal(t, []string{"llme", "lmstudio", "ollama", "openai", "vllm"}, cfg.ProviderNames())
	assert.Equal(t, KindOpenAI, cfg.Providers["lmstudio"].Kind)
	assert.Equal(t, "gemma3:4b", cfg.Active().DefaultModel)
}

func TestLoadMergesPartialProviderEntries(t *testing.T) {
	path := writeFile(t, "chatrelay.yaml", `
server:
  port: 8080
retention:
  max_conversations: 5
  serialize_per_owner: true
active_provider: vllm
providers:
  vllm:
    base_url: http://gpu-box:8000/v1/
    retries: -1
  deepseek:
    base_url: https://api.deepseek.com/v1
    default_model: deepseek-chat
    headers:
      X-Team: research
`)
	t.Setenv("AI_SERVICE", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "X-User-ID", cfg.Server.OwnerHeader)
	assert.Equal(t, 5, cfg.Retention.ListLimit)
	assert.True(t, cfg.Retention.SerializePerOwner)

	vllm := cfg.Active()
	assert.Equal(t, KindOpenAI, vllm.Kind)
	assert.Equal(t, "http://gpu-box:8000/v1", vllm.BaseURL)
	assert.Equal(t, "gpt-3.5-turbo", vllm.DefaultModel)
	assert.Equal(t, "/health", vllm.HealthPath)
	assert.Equal(t, 0, vllm.Retries)
	assert.Equal(t, 60*time.Second, vllm.Timeout)

	deepseek := cfg.Providers["deepseek"]
	assert.Equal(t, KindOpenAI, deepseek.Kind)
	assert.Equal(t, "research", deepseek.Headers["X-Team"])
	assert.Equal(t, 2, deepseek.Retries)

	// Built-in providers stay available next to the file's entries.
	assert.Contains(t, cfg.Providers, "ollama")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AI_SERVICE", "openai")
	t.Setenv("PORT", "4000")
	t.Setenv("DB_PATH", "/tmp/chat.db")
	t.Setenv("MAX_CONVERSATIONS", "3")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OPENAI_DEFAULT_MODEL", "deepseek-reasoner")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama.internal:11434")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.ActiveProvider)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "/tmp/chat.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Retention.MaxConversations)
	assert.Equal(t, 3, cfg.Retention.ListLimit)
	assert.Equal(t, "sk-env", cfg.Active().APIKey)
	assert.Equal(t, "deepseek-reasoner", cfg.Active().DefaultModel)
	assert.Equal(t, "http://ollama.internal:11434", cfg.Providers["ollama"].BaseURL)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "CHATRELAY_TEST_DOTENV=from-file\nCHATRELAY_TEST_KEEP=from-file\n")
	t.Setenv("CHATRELAY_TEST_KEEP", "from-env")
	t.Cleanup(func() { os.Unsetenv("CHATRELAY_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("CHATRELAY_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("CHATRELAY_TEST_KEEP"))
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":         func(c *Config) { c.Server.Port = 70000 },
		"bad owner header": func(c *Config) { c.Server.OwnerHeader = "X User" },
		"zero retention":   func(c *Config) { c.Retention.MaxConversations = 0 },
		"unknown active":   func(c *Config) { c.ActiveProvider = "claude" },
		"empty database":   func(c *Config) { c.Database.Path = " " },
		"bad kind": func(c *Config) {
			p := c.Providers["ollama"]
			p.Kind = "grpc"
			c.Providers["ollama"] = p
		},
		"bad scheme": func(c *Config) {
			p := c.Providers["vllm"]
			p.BaseURL = "ftp://host"
			c.Providers["vllm"] = p
		},
		"bad health path": func(c *Config) {
			p := c.Providers["llme"]
			p.HealthPath = "health"
			c.Providers["llme"] = p
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.applyDefaults()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "broken.yaml", "server: [port"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
