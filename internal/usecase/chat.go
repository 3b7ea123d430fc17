package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
	"github.com/GuGu2310/mental-health-chatbot/internal/sender"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type MessageSender interface {
	TrySend(ctx context.Context, msg domain.OutboundMessage, st *sender.State) sender.Outcome
}

// GuardRegistry hands out the in-flight guard for a conversation. ok is false
// when no more conversations can be tracked.
type GuardRegistry interface {
	Acquire(conversationID string) (st *sender.State, release func(), ok bool)
	Forget(conversationID string) bool
}

// ConversationCloser ends a conversation on the backend.
type ConversationCloser interface {
	ClearConversation(ctx context.Context, conversationID string) error
}

type TranscriptStore interface {
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
	SaveCompletedTurn(ctx context.Context, turn domain.Turn) error
	EndConversation(ctx context.Context, conversationID string) error
}

type ChatService struct {
	sender MessageSender
	guards GuardRegistry
	closer ConversationCloser
	store  TranscriptStore
	log    *slog.Logger
}

type ChatInput struct {
	Message        string
	ConversationID string
}

type ChatOutput struct {
	ConversationID   string
	Reply            string
	Crisis           bool
	Sentiment        *float64
	SupportResources []domain.SupportResource
	Timestamp        string
	MessageID        int64
	Attempts         int
}

func NewChatService(s MessageSender, g GuardRegistry, closer ConversationCloser, store TranscriptStore, logger *slog.Logger) (*ChatService, error) {
	if s == nil {
		return nil, errors.New("usecase: message sender must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: guard registry must not be nil")
	}
	if closer == nil {
		return nil, errors.New("usecase: conversation closer must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: transcript store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{sender: s, guards: g, closer: closer, store: store, log: logger}, nil
}

// Send relays one message. A caller without a conversation id gets a new
// one; the relay id names both the backend session and the transcript.
func (s *ChatService) Send(ctx context.Context, in ChatInput) (ChatOutput, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		convID = newUUID()
	}

	st, release, ok := s.guards.Acquire(convID)
	if !ok {
		return ChatOutput{}, newError(ErrorRateLimited, "conversation_capacity", nil)
	}
	defer release()

	out := s.sender.TrySend(ctx, domain.OutboundMessage{Text: in.Message, ConversationID: convID}, st)
	if out.Failure != nil {
		return ChatOutput{}, fromFailure(out.Failure)
	}
	if out.Reply == nil {
		return ChatOutput{}, newError(ErrorInternal, "empty_outcome", nil)
	}
	reply := out.Reply

	// The backend already stored the exchange; losing the local mirror must
	// not lose the reply.
	if err := s.store.SaveCompletedTurn(ctx, domain.Turn{
		ConversationID: convID,
		Message:        strings.TrimSpace(in.Message),
		Reply:          reply.BotResponse,
		Sentiment:      reply.Sentiment,
		Crisis:         out.Crisis,
	}); err != nil {
		s.log.Warn("usecase: transcript write failed", "conversation_id", convID, "err", err)
	}

	return ChatOutput{
		ConversationID:   convID,
		Reply:            reply.BotResponse,
		Crisis:           out.Crisis,
		Sentiment:        reply.Sentiment,
		SupportResources: reply.SupportResources,
		Timestamp:        reply.Timestamp,
		MessageID:        reply.MessageID,
		Attempts:         out.Attempts,
	}, nil
}

// Clear ends a conversation: the backend closes it, the transcript is marked
// ended and the guard is dropped. A send in flight makes Clear fail with
// ErrorBusy. Sending to the id afterwards starts over.
func (s *ChatService) Clear(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}

	st, release, ok := s.guards.Acquire(conversationID)
	if !ok {
		return newError(ErrorRateLimited, "conversation_capacity", nil)
	}
	defer release()
	unhold, ok := st.Hold()
	if !ok {
		e := newError(ErrorBusy, "send_in_flight", nil)
		e.Message = "a message is still being sent"
		return e
	}
	defer unhold()

	if err := s.closer.ClearConversation(ctx, conversationID); err != nil {
		return upstreamError(ctx, err, "clear_chat")
	}
	if err := s.store.EndConversation(ctx, conversationID); err != nil {
		s.log.Warn("usecase: marking conversation ended failed", "conversation_id", conversationID, "err", err)
	}

	unhold()
	release()
	s.guards.Forget(conversationID)
	s.log.Info("usecase: conversation cleared", "conversation_id", conversationID)
	return nil
}

// History returns the stored transcript in chronological order.
func (s *ChatService) History(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	turns, err := s.store.GetHistory(ctx, conversationID, limit)
	if err != nil {
		return nil, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	return turns, nil
}

var newUUID = func() string {
	return uuid.NewString()
}
