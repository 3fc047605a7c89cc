package llme

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

// Provider talks to an LLM engine that accepts a flattened prompt rather than a message
// list. Streams are returned as token/finished records.
type Provider struct {
	name         string
	defaultModel string
	healthPath   string
	transport    *provider.Transport
}

// New constructs an LLM engine provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	transport, err := provider.NewTransport(name, cfg, client)
	if err != nil {
		return nil, err
	}

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}

	return &Provider{
		name:         name,
		defaultModel: cfg.DefaultModel,
		healthPath:   healthPath,
		transport:    transport,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	body, err := p.transport.GetJSON(ctx, "/models")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned an invalid model list", provider.ErrProviderUnavailable, p.name)
	}

	var result []models.Model
	for _, id := range gjson.GetBytes(body, "data.#.id").Array() {
		if id.String() != "" {
			result = append(result, models.Model{ID: id.String(), Provider: p.name})
		}
	}
	return result, nil
}

func (p *Provider) CheckHealth(ctx context.Context) bool {
	_, err := p.transport.GetJSON(ctx, p.healthPath)
	return err == nil
}

func (p *Provider) GenerateChat(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	payload, err := p.buildPromptPayload(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}

	if req.Stream {
		body, err := p.transport.OpenStream(ctx, "/generate/stream", payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
		}
		return &models.ChatResult{Stream: &models.Stream{Body: body, Format: models.FormatTokenFinished}}, nil
	}

	body, err := p.transport.PostJSON(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", provider.ErrGenerationFailed, p.name)
	}

	for _, path := range []string{"choices.0.message.content", "choices.0.text", "text"} {
		if v := gjson.GetBytes(body, path); v.Exists() {
			return &models.ChatResult{Content: v.String()}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s response carried no text", provider.ErrGenerationFailed, p.name)
}

type promptPayload struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Stream      bool     `json:"stream"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

func (p *Provider) buildPromptPayload(req models.ChatRequest) (promptPayload, error) {
	if len(req.Messages) == 0 {
		return promptPayload{}, errors.New("at least one message is required")
	}

	// The template follows the configured model family even when a request names
	// another model, matching how the engine is deployed.
	payload := promptPayload{
		Prompt: TemplateFor(p.defaultModel)(req.Messages),
		Model:  provider.ModelFor(req.Model, req.Options, p.defaultModel),
		Stream: req.Stream,
	}
	if v, ok := provider.OptionFloat(req.Options, provider.OptionTemperature); ok {
		payload.Temperature = &v
	}
	if v, ok := provider.OptionInt(req.Options, provider.OptionMaxTokens); ok {
		payload.MaxTokens = &v
	}
	return payload, nil
}
