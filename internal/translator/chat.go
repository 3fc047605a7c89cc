// Package translator converts client wire payloads to and from internal types.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/relay"
)

var (
	errEmptyMessage  = errors.New("message must not be empty")
	errEmptyTitle    = errors.New("title must not be empty")
	errInvalidOption = errors.New("invalid option")
)

const maxTitleRunes = 200

// ChatRequest models the body of the chat endpoints.
type ChatRequest struct {
	ConversationID string
	Message        string
	Options        map[string]any
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		ConversationID string         `json:"conversationId"`
		Message        string         `json:"message"`
		Options        map[string]any `json:"options"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.ConversationID = strings.TrimSpace(raw.ConversationID)
	r.Message = raw.Message

	options, err := normalizeOptions(raw.Options)
	if err != nil {
		return err
	}
	r.Options = options

	return r.validate()
}

func (r *ChatRequest) validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errEmptyMessage
	}
	return nil
}

// ToTurn binds the request to the calling owner.
func (r ChatRequest) ToTurn(ownerID string) relay.Turn {
	return relay.Turn{
		OwnerID:        ownerID,
		ConversationID: r.ConversationID,
		Message:        r.Message,
		Options:        r.Options,
	}
}

// normalizeOptions keeps the generation options adapters understand and checks their ranges.
// Unknown keys are dropped.
func normalizeOptions(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if value == nil {
			continue
		}

		switch key {
		case provider.OptionModel:
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a string", errInvalidOption, key)
			}
			if s = strings.TrimSpace(s); s != "" {
				out[key] = s
			}
		case provider.OptionTemperature:
			f, err := numberIn(key, value, 0, 2)
			if err != nil {
				return nil, err
			}
			out[key] = f
		case provider.OptionTopP:
			f, err := numberIn(key, value, 0, 1)
			if err != nil {
				return nil, err
			}
			out[key] = f
		case "repeat_penalty":
			f, err := numberIn(key, value, 0, 10)
			if err != nil {
				return nil, err
			}
			out[key] = f
		case provider.OptionTopK, provider.OptionMaxTokens:
			n, err := positiveInt(key, value)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
	}
	return out, nil
}

func numberIn(key string, value any, lo, hi float64) (float64, error) {
	f, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", errInvalidOption, key)
	}
	if f < lo || f > hi {
		return 0, fmt.Errorf("%w: %s must be between %g and %g", errInvalidOption, key, lo, hi)
	}
	return f, nil
}

func positiveInt(key string, value any) (int, error) {
	f, ok := value.(float64)
	if !ok || f != math.Trunc(f) || f < 1 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", errInvalidOption, key)
	}
	return int(f), nil
}

// TitleRequest models the body of the conversation create and rename endpoints.
type TitleRequest struct {
	Title string `json:"title"`
}

// RenameTitle returns the trimmed title, which must be present.
func (r TitleRequest) RenameTitle() (string, error) {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return "", errEmptyTitle
	}
	if len([]rune(title)) > maxTitleRunes {
		return "", fmt.Errorf("title must be at most %d characters", maxTitleRunes)
	}
	return title, nil
}

// ConversationResponse is a conversation together with its messages.
type ConversationResponse struct {
	models.Conversation
	Messages []models.Message `json:"messages"`
}

// FromConversation builds the conversation payload. Messages always encode as an array.
func FromConversation(conv models.Conversation, msgs []models.Message) ConversationResponse {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return ConversationResponse{Conversation: conv, Messages: msgs}
}

// ConversationListResponse wraps the owner's conversations, newest first.
type ConversationListResponse struct {
	Conversations []models.Conversation `json:"conversations"`
	Limit         int                   `json:"limit"`
}

// FromConversations builds the list payload.
func FromConversations(convs []models.Conversation, limit int) ConversationListResponse {
	if convs == nil {
		convs = []models.Conversation{}
	}
	return ConversationListResponse{Conversations: convs, Limit: limit}
}

// ChatResponse is the result of a blocking chat turn.
type ChatResponse struct {
	ConversationID    string         `json:"conversationId"`
	IsNewConversation bool           `json:"isNewConversation"`
	UserMessage       models.Message `json:"userMessage"`
	AIMessage         models.Message `json:"aiMessage"`
}

// FromReply builds the blocking chat payload.
func FromReply(reply *relay.Reply) ChatResponse {
	return ChatResponse{
		ConversationID:    reply.ConversationID,
		IsNewConversation: reply.Created,
		UserMessage:       reply.UserMessage,
		AIMessage:         reply.Message,
	}
}

// ModelsResponse lists the active provider's models.
type ModelsResponse struct {
	Provider string         `json:"provider"`
	Models   []models.Model `json:"models"`
}

// FromModels builds the model list payload.
func FromModels(providerName string, list []models.Model) ModelsResponse {
	if list == nil {
		list = []models.Model{}
	}
	return ModelsResponse{Provider: providerName, Models: list}
}

// HealthResponse reports service and active provider status.
type HealthResponse struct {
	Status          string    `json:"status"`
	Provider        string    `json:"provider"`
	ProviderHealthy bool      `json:"providerHealthy"`
	Time            time.Time `json:"time"`
}
