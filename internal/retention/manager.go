// Package retention owns conversation lifecycle: creation with bounded per-owner retention,
// the ownership gate, and append-only message storage.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/models"
)

// DefaultTitle names conversations created without a title.
const DefaultTitle = "New conversation"

// DefaultMaxConversations is the per-owner retention bound when none is configured.
const DefaultMaxConversations = 10

var (
	// ErrOwnershipViolation indicates the caller does not own the referenced conversation.
	ErrOwnershipViolation = errors.New("ownership violation")
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument indicates a malformed owner, role or title.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Options tunes the retention policy.
type Options struct {
	// MaxConversations is the per-owner bound K.
	MaxConversations int
	// ListLimit caps ListConversations when the caller passes no limit. Defaults to K.
	ListLimit int
	// SerializePerOwner runs count-evict-insert under a per-owner mutex so concurrent
	// creates from one owner cannot overshoot K. Off by default.
	SerializePerOwner bool
	// Now supplies timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Manager enforces the retention policy over a Store.
type Manager struct {
	store  Store
	opts   Options
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*ownerLock
}

// ownerLock is released from the map once no create for that owner holds or waits on it.
type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// New constructs a Manager. A nil logger falls back to slog.Default.
func New(store Store, opts Options, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if opts.MaxConversations == 0 {
		opts.MaxConversations = DefaultMaxConversations
	}
	if opts.MaxConversations < 1 {
		return nil, fmt.Errorf("max conversations must be at least 1, got %d", opts.MaxConversations)
	}
	if opts.ListLimit <= 0 {
		opts.ListLimit = opts.MaxConversations
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:  store,
		opts:   opts,
		logger: logger,
		locks:  make(map[string]*ownerLock),
	}, nil
}

// MaxConversations reports the per-owner bound.
func (m *Manager) MaxConversations() int {
	return m.opts.MaxConversations
}

// CreateConversation inserts a new conversation for ownerID, first evicting the owner's
// least recently updated conversation when the owner already holds K.
//
// Without SerializePerOwner the count check and the insert are separate store operations,
// so concurrent creates by one owner can transiently leave K+1 rows; the next create evicts
// the surplus.
func (m *Manager) CreateConversation(ctx context.Context, ownerID, title string) (models.Conversation, error) {
	if strings.TrimSpace(ownerID) == "" {
		return models.Conversation{}, fmt.Errorf("%w: owner id must not be empty", ErrInvalidArgument)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}

	if m.opts.SerializePerOwner {
		unlock := m.lockOwner(ownerID)
		defer unlock()
	}

	count, err := m.store.CountConversations(ctx, ownerID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("count conversations: %w", err)
	}

	for ; count >= m.opts.MaxConversations; count-- {
		if err := m.evictOldest(ctx, ownerID); err != nil {
			return models.Conversation{}, err
		}
	}

	now := m.opts.Now().UTC()
	conv := models.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	m.logger.Debug("conversation created", "conversation_id", conv.ID, "owner_id", ownerID)
	return conv, nil
}

func (m *Manager) evictOldest(ctx context.Context, ownerID string) error {
	oldest, err := m.store.OldestConversation(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("find oldest conversation: %w", err)
	}

	// A concurrent delete of the same row is harmless.
	if err := m.store.DeleteConversation(ctx, oldest.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("evict conversation %s: %w", oldest.ID, err)
	}

	m.logger.Info("evicted conversation",
		"conversation_id", oldest.ID,
		"owner_id", ownerID,
		"updated_at", oldest.UpdatedAt,
		"limit", m.opts.MaxConversations,
	)
	return nil
}

// CheckOwnership reports whether ownerID owns conversationID. Callers must treat false as a
// hard stop before reading or mutating anything reachable from the id.
func (m *Manager) CheckOwnership(ctx context.Context, conversationID, ownerID string) (bool, error) {
	if conversationID == "" || ownerID == "" {
		return false, nil
	}
	owns, err := m.store.IsOwner(ctx, conversationID, ownerID)
	if err != nil {
		return false, fmt.Errorf("check ownership: %w", err)
	}
	return owns, nil
}

// SaveMessage appends a message and bumps the conversation's UpdatedAt.
func (m *Manager) SaveMessage(ctx context.Context, conversationID, role, content string) (models.Message, error) {
	switch role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
	default:
		return models.Message{}, fmt.Errorf("%w: role %q", ErrInvalidArgument, role)
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      m.opts.Now().UTC(),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return models.Message{}, fmt.Errorf("save %s message: %w", role, err)
	}
	return msg, nil
}

// ListConversations returns up to limit of the owner's conversations, most recently
// updated first. A non-positive limit uses the configured list limit.
func (m *Manager) ListConversations(ctx context.Context, ownerID string, limit int) ([]models.Conversation, error) {
	if limit <= 0 || limit > m.opts.ListLimit {
		limit = m.opts.ListLimit
	}
	convs, err := m.store.ListConversations(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// GetMessages returns the conversation's messages in chronological order. It performs no
// ownership check; callers gate with CheckOwnership first.
func (m *Manager) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := m.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// GetConversation returns an owned conversation together with its messages.
func (m *Manager) GetConversation(ctx context.Context, conversationID, ownerID string) (models.Conversation, []models.Message, error) {
	if err := m.requireOwner(ctx, conversationID, ownerID); err != nil {
		return models.Conversation{}, nil, err
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, nil, fmt.Errorf("get conversation: %w", err)
	}
	msgs, err := m.GetMessages(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	return conv, msgs, nil
}

// DeleteConversation removes an owned conversation and its messages.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID, ownerID string) error {
	if err := m.requireOwner(ctx, conversationID, ownerID); err != nil {
		return err
	}
	if err := m.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// RenameConversation changes an owned conversation's title.
func (m *Manager) RenameConversation(ctx context.Context, conversationID, ownerID, title string) (models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Conversation{}, fmt.Errorf("%w: title must not be empty", ErrInvalidArgument)
	}
	if err := m.requireOwner(ctx, conversationID, ownerID); err != nil {
		return models.Conversation{}, err
	}
	if err := m.store.UpdateTitle(ctx, conversationID, title, m.opts.Now().UTC()); err != nil {
		return models.Conversation{}, fmt.Errorf("rename conversation: %w", err)
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (m *Manager) requireOwner(ctx context.Context, conversationID, ownerID string) error {
	owns, err := m.CheckOwnership(ctx, conversationID, ownerID)
	if err != nil {
		return err
	}
	if !owns {
		return ErrOwnershipViolation
	}
	return nil
}

func (m *Manager) lockOwner(ownerID string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[ownerID]
	if !ok {
		l = &ownerLock{}
		m.locks[ownerID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.locksMu.Lock()
		defer m.locksMu.Unlock()
		if l.refs--; l.refs == 0 {
			delete(m.locks, ownerID)
		}
	}
}

// TitleFrom derives a conversation title from the opening user message.
func TitleFrom(message string) string {
	const maxRunes = 30

	message = strings.TrimSpace(message)
	runes := []rune(message)
	if len(runes) <= maxRunes {
		return message
	}
	return string(runes[:maxRunes]) + "..."
}
