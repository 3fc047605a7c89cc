package retention

import (
	"context"
	"time"

	"chatrelay/internal/models"
)

// Store is the narrow persistence surface the retention policy needs.
//
// Implementations must cascade DeleteConversation to the conversation's messages and must
// bump the parent conversation's UpdatedAt on InsertMessage. Lookups of missing rows return
// ErrNotFound.
type Store interface {
	CreateConversation(ctx context.Context, conv models.Conversation) error
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	// ListConversations returns the owner's conversations, most recently updated first.
	ListConversations(ctx context.Context, ownerID string, limit int) ([]models.Conversation, error)
	CountConversations(ctx context.Context, ownerID string) (int, error)
	// OldestConversation returns the owner's conversation with the smallest UpdatedAt, ties
	// broken by insertion order.
	OldestConversation(ctx context.Context, ownerID string) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	UpdateTitle(ctx context.Context, id, title string, updatedAt time.Time) error
	IsOwner(ctx context.Context, conversationID, ownerID string) (bool, error)

	InsertMessage(ctx context.Context, msg models.Message) error
	// ListMessages returns messages by ascending timestamp, ties broken by insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)

	Close() error
}
