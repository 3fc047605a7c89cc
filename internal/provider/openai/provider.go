package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
)

// Provider implements the Provider interface for OpenAI-compatible APIs such as
// OpenAI, DeepSeek, LM Studio and vLLM. Streams are returned as OpenAI-delta records.
type Provider struct {
	name         string
	defaultModel string
	healthPath   string
	transport    *provider.Transport
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	transport, err := provider.NewTransport(name, cfg, client)
	if err != nil {
		return nil, err
	}

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/models"
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
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		model := models.Model{ID: id, Provider: p.name}
		if created := m.Get("created").Int(); created > 0 {
			ts := time.Unix(created, 0).UTC()
			model.ModifiedAt = &ts
		}
		result = append(result, model)
		return true
	})
	return result, nil
}

func (p *Provider) CheckHealth(ctx context.Context) bool {
	_, err := p.transport.GetJSON(ctx, p.healthPath)
	return err == nil
}

func (p *Provider) GenerateChat(ctx context.Context, req models.ChatRequest) (*models.ChatResult, error) {
	payload, err := p.buildChatPayload(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}

	if req.Stream {
		body, err := p.transport.OpenStream(ctx, "/chat/completions", payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
		}
		return &models.ChatResult{Stream: &models.Stream{Body: body, Format: models.FormatOpenAIDelta}}, nil
	}

	body, err := p.transport.PostJSON(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", provider.ErrGenerationFailed, p.name)
	}
	if !gjson.GetBytes(body, "choices.0").Exists() {
		return nil, fmt.Errorf("%w: %s response did not include choices", provider.ErrGenerationFailed, p.name)
	}

	return &models.ChatResult{Content: gjson.GetBytes(body, "choices.0.message.content").String()}, nil
}

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *Provider) buildChatPayload(req models.ChatRequest) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("at least one message is required")
	}

	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	payload := chatPayload{
		Model:    provider.ModelFor(req.Model, req.Options, p.defaultModel),
		Messages: messages,
		Stream:   req.Stream,
	}

	// top_k has no OpenAI equivalent and is dropped.
	if v, ok := provider.OptionInt(req.Options, provider.OptionMaxTokens); ok {
		payload.MaxTokens = &v
	}
	if v, ok := provider.OptionFloat(req.Options, provider.OptionTemperature); ok {
		payload.Temperature = &v
	}
	if v, ok := provider.OptionFloat(req.Options, provider.OptionTopP); ok {
		payload.TopP = &v
	}

	return payload, nil
}
