// Package relay drives one chat turn: it resolves the conversation, forwards the prompt to a
// provider, re-emits decoded tokens as canonical events and persists the final reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/decoder"
	"chatrelay/internal/models"
	"chatrelay/internal/provider"
	"chatrelay/internal/retention"
)

// NewConversationID requests a fresh conversation for the turn.
const NewConversationID = "new"

const discardTimeout = 5 * time.Second

var (
	// ErrEmptyMessage indicates a turn without user text.
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrCancelled indicates the caller went away before the turn finished.
	ErrCancelled = errors.New("cancelled by caller")
	// ErrPersistence indicates a conversation or message could not be stored.
	ErrPersistence = errors.New("failed to save conversation")
)

// Conversations is the slice of the retention manager the relay depends on.
type Conversations interface {
	CreateConversation(ctx context.Context, ownerID, title string) (models.Conversation, error)
	CheckOwnership(ctx context.Context, conversationID, ownerID string) (bool, error)
	GetMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SaveMessage(ctx context.Context, conversationID, role, content string) (models.Message, error)
	DeleteConversation(ctx context.Context, conversationID, ownerID string) error
}

// Sink receives the outward events of a streamed turn. A Send error means the receiver is
// gone and ends the turn.
type Sink interface {
	Send(models.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.Event) error

func (f SinkFunc) Send(e models.Event) error { return f(e) }

// Turn is one user message addressed to a conversation.
type Turn struct {
	OwnerID string
	// ConversationID selects an existing conversation; empty or "new" creates one.
	ConversationID string
	Message        string
	Options        map[string]any
}

// Reply is the outcome of a blocking turn.
type Reply struct {
	ConversationID string
	Created        bool
	UserMessage    models.Message
	Message        models.Message
}

// Relay connects conversations to a single provider.
type Relay struct {
	conversations Conversations
	provider      provider.Provider
	logger        *slog.Logger
}

// New constructs a Relay. A nil logger falls back to slog.Default.
func New(conversations Conversations, p provider.Provider, logger *slog.Logger) (*Relay, error) {
	if conversations == nil {
		return nil, errors.New("conversations must not be nil")
	}
	if p == nil {
		return nil, errors.New("provider must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{conversations: conversations, provider: p, logger: logger}, nil
}

// Provider returns the provider turns are sent to.
func (r *Relay) Provider() provider.Provider {
	return r.provider
}

type prepared struct {
	conversationID string
	created        bool
	userMessage    models.Message
	prompt         []models.ChatMessage
}

// prepare creates or verifies the conversation, loads its history and stores the user
// message. The provider is never contacted when prepare fails, and a conversation created
// here is removed again if the user message never reached it.
func (r *Relay) prepare(ctx context.Context, turn Turn, onCreate func(id string) error) (p prepared, err error) {
	defer func() {
		if err != nil && p.created {
			r.discard(ctx, turn.OwnerID, p.conversationID)
		}
	}()

	if turn.ConversationID == "" || turn.ConversationID == NewConversationID {
		conv, err := r.conversations.CreateConversation(ctx, turn.OwnerID, retention.TitleFrom(turn.Message))
		if err != nil {
			return p, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		p.conversationID = conv.ID
		p.created = true
		if onCreate != nil {
			if err := onCreate(conv.ID); err != nil {
				return p, err
			}
		}
	} else {
		owns, err := r.conversations.CheckOwnership(ctx, turn.ConversationID, turn.OwnerID)
		if err != nil {
			return p, err
		}
		if !owns {
			return p, retention.ErrOwnershipViolation
		}
		p.conversationID = turn.ConversationID

		history, err := r.conversations.GetMessages(ctx, turn.ConversationID)
		if err != nil {
			return p, err
		}
		for _, msg := range history {
			p.prompt = append(p.prompt, models.ChatMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	userMessage, err := r.conversations.SaveMessage(ctx, p.conversationID, models.RoleUser, turn.Message)
	if err != nil {
		return p, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	p.userMessage = userMessage
	p.prompt = append(p.prompt, models.ChatMessage{Role: models.RoleUser, Content: turn.Message})
	return p, nil
}

// Stream runs a turn and reports it through sink. Once a provider request has been started
// the sink sees exactly one Start, the tokens in provider order and exactly one Done or Error,
// unless the caller goes away, in which case no terminal event is sent, nothing further is
// persisted and ErrCancelled is returned.
func (r *Relay) Stream(ctx context.Context, turn Turn, sink Sink) error {
	if strings.TrimSpace(turn.Message) == "" {
		return ErrEmptyMessage
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	logger := r.logger.With("owner_id", turn.OwnerID, "provider", r.provider.Name())

	p, err := r.prepare(ctx, turn, func(id string) error {
		if err := sink.Send(models.ConversationEvent(id)); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return r.cancelled(logger, err)
		}
		logger.Warn("turn rejected", "conversation_id", turn.ConversationID, "error", err)
		return r.fail(sink, err)
	}
	logger = logger.With("conversation_id", p.conversationID)

	if err := sink.Send(models.StartEvent()); err != nil {
		return r.cancelled(logger, err)
	}

	result, err := r.provider.GenerateChat(ctx, models.ChatRequest{
		Messages: p.prompt,
		Stream:   true,
		Options:  turn.Options,
	})
	if err == nil && (result == nil || result.Stream == nil || result.Stream.Body == nil) {
		err = fmt.Errorf("%w: %s returned no stream", provider.ErrProviderUnavailable, r.provider.Name())
	}
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(logger, ctx.Err())
		}
		logger.Error("provider request failed", "error", err)
		return r.fail(sink, err)
	}

	body := result.Stream.Body
	defer body.Close()
	// Unblocks a pending read as soon as the caller goes away.
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	var (
		reply  strings.Builder
		tokens int
	)
	dec := decoder.New(body, result.Stream.Format, r.logger)
	for {
		token, err := dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(logger, ctx.Err())
			}
			logger.Error("provider stream failed", "tokens", tokens, "error", err)
			return r.fail(sink, err)
		}

		reply.WriteString(token)
		tokens++
		if err := sink.Send(models.TokenEvent(token)); err != nil {
			cancel()
			return r.cancelled(logger, err)
		}
	}

	if ctx.Err() != nil {
		return r.cancelled(logger, ctx.Err())
	}

	if _, err := r.conversations.SaveMessage(ctx, p.conversationID, models.RoleAssistant, reply.String()); err != nil {
		if ctx.Err() != nil {
			return r.cancelled(logger, ctx.Err())
		}
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
		logger.Error("saving reply failed", "error", err)
		return r.fail(sink, err)
	}

	if err := sink.Send(models.DoneEvent()); err != nil {
		return r.cancelled(logger, err)
	}

	logger.Info("turn completed",
		"tokens", tokens,
		"bytes", reply.Len(),
		"duration", time.Since(started),
	)
	return nil
}

// Complete runs a turn against the provider's blocking API.
func (r *Relay) Complete(ctx context.Context, turn Turn) (*Reply, error) {
	if strings.TrimSpace(turn.Message) == "" {
		return nil, ErrEmptyMessage
	}

	p, err := r.prepare(ctx, turn, nil)
	if err != nil {
		return nil, err
	}

	result, err := r.provider.GenerateChat(ctx, models.ChatRequest{
		Messages: p.prompt,
		Options:  turn.Options,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: %s returned no result", provider.ErrGenerationFailed, r.provider.Name())
	}

	msg, err := r.conversations.SaveMessage(ctx, p.conversationID, models.RoleAssistant, result.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return &Reply{
		ConversationID: p.conversationID,
		Created:        p.created,
		UserMessage:    p.userMessage,
		Message:        msg,
	}, nil
}

// discard removes an empty conversation left behind by an aborted turn. It runs detached
// from ctx since the caller may already be gone. Conversations evicted to make room for it
// stay evicted.
func (r *Relay) discard(ctx context.Context, ownerID, conversationID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	if err := r.conversations.DeleteConversation(ctx, conversationID, ownerID); err != nil {
		r.logger.Warn("discarding empty conversation failed", "conversation_id", conversationID, "error", err)
		return
	}
	r.logger.Debug("discarded empty conversation", "conversation_id", conversationID)
}

func (r *Relay) fail(sink Sink, err error) error {
	if sendErr := sink.Send(models.ErrorEvent(EventMessage(err))); sendErr != nil {
		r.logger.Debug("error event not delivered", "error", sendErr)
	}
	return err
}

func (r *Relay) cancelled(logger *slog.Logger, cause error) error {
	logger.Debug("turn abandoned by caller", "cause", cause)
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// EventMessage renders err as the text carried by an Error event.
func EventMessage(err error) string {
	switch {
	case errors.Is(err, retention.ErrOwnershipViolation):
		return retention.ErrOwnershipViolation.Error()
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	default:
		return err.Error()
	}
}
