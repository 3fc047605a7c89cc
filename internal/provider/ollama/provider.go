package ollama

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

// Sampling defaults applied when the caller leaves an option unset.
const (
	defaultTemperature   = 0.7
	defaultTopP          = 0.9
	defaultTopK          = 40
	defaultRepeatPenalty = 1.1
	defaultNumPredict    = 2048
)

// Provider implements the native Ollama chat API.
type Provider struct {
	name         string
	defaultModel string
	healthPath   string
	transport    *provider.Transport
}

// New constructs an Ollama provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	transport, err := provider.NewTransport(name, cfg, client)
	if err != nil {
		return nil, err
	}

	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/api/tags"
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
	body, err := p.transport.GetJSON(ctx, "/api/tags")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned an invalid model list", provider.ErrProviderUnavailable, p.name)
	}

	var result []models.Model
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		model := models.Model{
			ID:       m.Get("name").String(),
			Provider: p.name,
			Size:     m.Get("size").Int(),
		}
		if ts, err := time.Parse(time.RFC3339Nano, m.Get("modified_at").String()); err == nil {
			model.ModifiedAt = &ts
		}
		if model.ID != "" {
			result = append(result, model)
		}
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
		body, err := p.transport.OpenStream(ctx, "/api/chat", payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", provider.ErrProviderUnavailable, err)
		}
		return &models.ChatResult{Stream: &models.Stream{Body: body, Format: models.FormatNative}}, nil
	}

	body, err := p.transport.PostJSON(ctx, "/api/chat", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", provider.ErrGenerationFailed, p.name)
	}

	content := gjson.GetBytes(body, "message.content")
	if !content.Exists() {
		content = gjson.GetBytes(body, "response")
	}
	return &models.ChatResult{Content: content.String()}, nil
}

type chatPayload struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Options  samplingOptions `json:"options"`
	Stream   bool            `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type samplingOptions struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	NumPredict    int     `json:"num_predict"`
}

func (p *Provider) buildChatPayload(req models.ChatRequest) (chatPayload, error) {
	if len(req.Messages) == 0 {
		return chatPayload{}, errors.New("at least one message is required")
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = models.RoleUser
		}
		messages = append(messages, chatMessage{Role: role, Content: msg.Content})
	}

	opts := samplingOptions{
		Temperature:   defaultTemperature,
		TopP:          defaultTopP,
		TopK:          defaultTopK,
		RepeatPenalty: defaultRepeatPenalty,
		NumPredict:    defaultNumPredict,
	}
	if v, ok := provider.OptionFloat(req.Options, provider.OptionTemperature); ok {
		opts.Temperature = v
	}
	if v, ok := provider.OptionFloat(req.Options, provider.OptionTopP); ok {
		opts.TopP = v
	}
	if v, ok := provider.OptionInt(req.Options, provider.OptionTopK); ok {
		opts.TopK = v
	}
	if v, ok := provider.OptionInt(req.Options, provider.OptionMaxTokens); ok {
		opts.NumPredict = v
	}
	if v, ok := provider.OptionFloat(req.Options, "repeat_penalty"); ok {
		opts.RepeatPenalty = v
	}

	return chatPayload{
		Model:    provider.ModelFor(req.Model, req.Options, p.defaultModel),
		Messages: messages,
		Options:  opts,
		Stream:   req.Stream,
	}, nil
}
