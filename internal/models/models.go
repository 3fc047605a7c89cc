package models

import (
	"encoding/json"
	"io"
	"time"
)

// Message roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single role-tagged turn in the prompt context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical generation request handed to a provider.
type ChatRequest struct {
	Model    string
	Messages []ChatMessage
	Stream   bool
	Options  map[string]any
}

// RecordFormat tags the shape of the newline-delimited records in a raw provider stream.
type RecordFormat string

const (
	// FormatOpenAIDelta carries text at choices[0].delta.content.
	FormatOpenAIDelta RecordFormat = "openai-delta"
	// FormatNative carries text at message.content.
	FormatNative RecordFormat = "native"
	// FormatTokenFinished carries text at token, valid only while finished is false.
	FormatTokenFinished RecordFormat = "token-finished"
)

// Stream is an undecoded provider response body together with its record shape.
type Stream struct {
	Body   io.ReadCloser
	Format RecordFormat
}

// ChatResult holds either the final text (blocking mode) or a raw stream.
type ChatResult struct {
	Content string
	Stream  *Stream
}

// Model identifies a model offered by a provider. Size and ModifiedAt are set only when the
// vendor reports them.
type Model struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Size       int64      `json:"size,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
}

// PullProgress is one status record of a model download.
type PullProgress struct {
	Status    string
	Digest    string
	Total     int64
	Completed int64
}

// Conversation is a persisted chat thread owned by exactly one user.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a persisted, append-only turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventType discriminates canonical relay events.
type EventType string

const (
	EventConversation EventType = "conversation"
	EventStart        EventType = "start"
	EventToken        EventType = "token"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is the vendor-independent unit of outward streaming output.
type Event struct {
	Type    EventType
	ID      string
	Content string
	Message string
}

func ConversationEvent(id string) Event { return Event{Type: EventConversation, ID: id} }
func StartEvent() Event { return Event{Type: EventStart} }
func TokenEvent(content string) Event { return Event{Type: EventToken, Content: content} }
func DoneEvent() Event { return Event{Type: EventDone} }
func ErrorEvent(message string) Event { return Event{Type: EventError, Message: message} }

// Terminal reports whether the event ends a relay stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// MarshalJSON renders the event in its wire shape. Error events carry no type field.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventConversation:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			ID   string    `json:"id"`
		}{e.Type, e.ID})
	case EventToken:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case EventError:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{e.Message})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}
