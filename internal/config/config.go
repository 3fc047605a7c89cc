package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider kinds select the adapter strategy used for a configured provider.
const (
	KindOllama = "ollama"
	KindOpenAI = "openai"
	KindLLME   = "llme"
)

const (
	defaultPort             = 3001
	defaultOwnerHeader      = "X-User-ID"
	defaultDatabasePath     = "data/chatrelay.db"
	defaultMaxConversations = 10
	defaultTimeout          = 60 * time.Second
	defaultRetries          = 2
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server         ServerConfig              `yaml:"server"`
	Database       DatabaseConfig            `yaml:"database"`
	Retention      RetentionConfig           `yaml:"retention"`
	ActiveProvider string                    `yaml:"active_provider"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
	// OwnerHeader names the header an upstream gateway uses to pass the authenticated user id.
	OwnerHeader string `yaml:"owner_header"`
}

// DatabaseConfig locates the conversation store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RetentionConfig bounds how many conversations each owner keeps.
type RetentionConfig struct {
	MaxConversations  int  `yaml:"max_conversations"`
	ListLimit         int  `yaml:"list_limit"`
	SerializePerOwner bool `yaml:"serialize_per_owner"`
}

// ProviderConfig describes one text-generation backend. It is immutable once loaded.
type ProviderConfig struct {
	Kind         string        `yaml:"kind"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	Retries      int           `yaml:"retries"`
	HealthPath   string        `yaml:"health_path"`
	Headers      Headers       `yaml:"headers"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// Default returns the built-in configuration covering every supported backend.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        defaultPort,
			OwnerHeader: defaultOwnerHeader,
		},
		Database: DatabaseConfig{Path: defaultDatabasePath},
		Retention: RetentionConfig{MaxConversations: defaultMaxConversations},
		ActiveProvider: "ollama",
		Providers: map[string]ProviderConfig{
			"ollama": {
				Kind:         KindOllama,
				BaseURL:      "http://localhost:11434",
				DefaultModel: "gemma3:4b",
				Timeout:      240 * time.Second,
				Retries:      defaultRetries,
				HealthPath:   "/api/tags",
			},
			"lmstudio": {
				Kind:         KindOpenAI,
				BaseURL:      "http://localhost:11234/v1",
				DefaultModel: "google/gemma-3n-e4b",
				Timeout:      defaultTimeout,
				Retries:      defaultRetries,
				HealthPath:   "/models",
			},
			"vllm": {
				Kind:         KindOpenAI,
				BaseURL:      "http://localhost:8000/v1",
				DefaultModel: "gpt-3.5-turbo",
				Timeout:      defaultTimeout,
				Retries:      defaultRetries,
				HealthPath:   "/health",
			},
			"llme": {
				Kind:         KindLLME,
				BaseURL:      "http://localhost:8000/api/v1",
				DefaultModel: "qwen2.5-7b-instruct",
				Timeout:      defaultTimeout,
				Retries:      defaultRetries,
				HealthPath:   "/health",
			},
			"openai": {
				Kind:         KindOpenAI,
				BaseURL:      "https://api.deepseek.com/v1",
				DefaultModel: "deepseek-chat",
				Timeout:      defaultTimeout,
				Retries:      defaultRetries,
				HealthPath:   "/models",
			},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the process
// environment, then validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv populates the process environment from the given .env files. Missing files
// are ignored; variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %q: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides. Provider variables use the upper-cased
// provider name as prefix, e.g. OLLAMA_BASE_URL or OPENAI_API_KEY.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookupNonEmpty(lookup, "AI_SERVICE"); ok {
		c.ActiveProvider = v
	}
	if v, ok := lookupNonEmpty(lookup, "PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v, ok := lookupNonEmpty(lookup, "DB_PATH"); ok {
		c.Database.Path = v
	}
	if v, ok := lookupNonEmpty(lookup, "MAX_CONVERSATIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retention.MaxConversations = n
		}
	}

	for name, p := range c.Providers {
		prefix := envPrefix(name)
		if v, ok := lookupNonEmpty(lookup, prefix+"_BASE_URL"); ok {
			p.BaseURL = v
		}
		if v, ok := lookupNonEmpty(lookup, prefix+"_DEFAULT_MODEL"); ok {
			p.DefaultModel = v
		}
		if v, ok := lookupNonEmpty(lookup, prefix+"_API_KEY"); ok {
			p.APIKey = v
		}
		c.Providers[name] = p
	}
}

func (c *Config) applyDefaults() {
	if c.Server.OwnerHeader == "" {
		c.Server.OwnerHeader = defaultOwnerHeader
	}
	if c.Retention.ListLimit == 0 {
		c.Retention.ListLimit = c.Retention.MaxConversations
	}

	// A provider entry in YAML replaces the built-in one wholesale, so fields it leaves out
	// fall back to the built-in descriptor of the same name.
	builtin := Default().Providers
	for name, p := range c.Providers {
		base, known := builtin[name]
		if !known {
			base = ProviderConfig{Kind: inferKind(name), Timeout: defaultTimeout, Retries: defaultRetries}
		}
		if p.Kind == "" {
			p.Kind = base.Kind
		}
		if p.BaseURL == "" {
			p.BaseURL = base.BaseURL
		}
		if p.DefaultModel == "" {
			p.DefaultModel = base.DefaultModel
		}
		if p.HealthPath == "" {
			p.HealthPath = base.HealthPath
		}
		if p.Timeout == 0 {
			p.Timeout = base.Timeout
		}
		switch {
		case p.Retries == 0:
			p.Retries = base.Retries
		case p.Retries < 0:
			p.Retries = 0
		}
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
		c.Providers[name] = p
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if !isCanonicalHTTPHeader(c.Server.OwnerHeader) {
		return fmt.Errorf("server.owner_header %q is not a valid HTTP header name", c.Server.OwnerHeader)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path must be provided")
	}
	if c.Retention.MaxConversations < 1 {
		return fmt.Errorf("retention.max_conversations must be at least 1, got %d", c.Retention.MaxConversations)
	}
	if c.Retention.ListLimit < 1 {
		return fmt.Errorf("retention.list_limit must be at least 1, got %d", c.Retention.ListLimit)
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	if _, ok := c.Providers[c.ActiveProvider]; !ok {
		return fmt.Errorf("active_provider %q is not configured (known: %s)", c.ActiveProvider, strings.Join(c.ProviderNames(), ", "))
	}

	for _, name := range c.ProviderNames() {
		if err := validateProvider(name, c.Providers[name]); err != nil {
			return err
		}
	}

	return nil
}

// Active returns the descriptor of the selected provider.
func (c Config) Active() ProviderConfig {
	return c.Providers[c.ActiveProvider]
}

// ProviderNames lists configured providers in a stable order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateProvider(name string, provider ProviderConfig) error {
	switch provider.Kind {
	case KindOllama, KindOpenAI, KindLLME:
	default:
		return fmt.Errorf("provider %s: kind %q must be one of %q, %q or %q", name, provider.Kind, KindOllama, KindOpenAI, KindLLME)
	}
	if provider.BaseURL == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if !strings.HasPrefix(provider.BaseURL, "http://") && !strings.HasPrefix(provider.BaseURL, "https://") {
		return fmt.Errorf("provider %s: base_url %q must use http or https", name, provider.BaseURL)
	}
	if strings.TrimSpace(provider.DefaultModel) == "" {
		return fmt.Errorf("provider %s: default_model must be provided", name)
	}
	if provider.Timeout <= 0 {
		return fmt.Errorf("provider %s: timeout must be positive", name)
	}
	if provider.HealthPath != "" && !strings.HasPrefix(provider.HealthPath, "/") {
		return fmt.Errorf("provider %s: health_path %q must start with /", name, provider.HealthPath)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	return nil
}

func inferKind(name string) string {
	switch strings.ToLower(name) {
	case KindOllama:
		return KindOllama
	case KindLLME:
		return KindLLME
	default:
		return KindOpenAI
	}
}

func envPrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func lookupNonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
