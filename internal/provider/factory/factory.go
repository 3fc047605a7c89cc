package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/provider"
	llmeProvider "chatrelay/internal/provider/llme"
	ollamaProvider "chatrelay/internal/provider/ollama"
	openaiProvider "chatrelay/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProviders constructs one adapter per configured provider, stores them in
// the registry and selects the configured active provider.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	for _, name := range cfg.ProviderNames() {
		p, err := New(name, cfg.Providers[name])
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", name, err)
		}
		if err := registry.Register(p); err != nil {
			return fmt.Errorf("register %s provider: %w", name, err)
		}
	}

	if err := registry.SetActive(cfg.ActiveProvider); err != nil {
		return fmt.Errorf("select active provider: %w", err)
	}
	return nil
}

// New builds the adapter strategy matching the descriptor's kind.
func New(name string, pc config.ProviderConfig) (provider.Provider, error) {
	client := newHTTPClient(pc.Timeout)

	var (
		p   provider.Provider
		err error
	)
	switch pc.Kind {
	case config.KindOllama:
		p, err = ollamaProvider.New(name, pc, client)
	case config.KindOpenAI:
		p, err = openaiProvider.New(name, pc, client)
	case config.KindLLME:
		p, err = llmeProvider.New(name, pc, client)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", pc.Kind)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// newHTTPClient bounds the wait for response headers rather than the whole exchange, so
// long streamed generations are not cut off. Blocking calls add their own deadline.
func newHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}

	return &http.Client{
		Transport: transport,
	}
}
