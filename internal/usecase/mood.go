package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
	"github.com/GuGu2310/mental-health-chatbot/internal/integrations/backend"
	"github.com/GuGu2310/mental-health-chatbot/internal/mood"
	"github.com/GuGu2310/mental-health-chatbot/internal/retry"
)

const (
	// statsWindow matches the backend's mood page, which lists the ten latest entries.
	statsWindow   = 10
	maxNotesChars = 1000
)

// MoodBackend records mood entries in the backend session of a conversation.
type MoodBackend interface {
	RecordMood(ctx context.Context, conversationID string, level int, notes string) (string, error)
	DeleteMood(ctx context.Context, conversationID string, id int64) (string, error)
}

type MoodStore interface {
	SaveMoodEntry(ctx context.Context, conversationID string, level int, notes string) (domain.MoodEntry, error)
	ListMoodEntries(ctx context.Context, conversationID string, limit int) ([]domain.MoodEntry, error)
	DeleteMoodEntry(ctx context.Context, conversationID, entryKey string) error
}

type MoodService struct {
	backend MoodBackend
	store   MoodStore
	policy  retry.Policy
	log     *slog.Logger
}

type MoodInput struct {
	ConversationID string
	Level          int
	Notes          string
}

type MoodOutput struct {
	Message string
	Entry   domain.MoodEntry
	Label   string
}

type DeleteMoodInput struct {
	ConversationID string
	// ID is the backend's mood entry id.
	ID int64
	// EntryKey optionally names the local mirror item to drop as well.
	EntryKey string
}

type StatsOutput struct {
	Entries []domain.MoodEntry
	Summary mood.Summary
}

// NewMoodService retries backend calls with policy. When policy has no
// Retryable predicate, backend rejections, failed logins, malformed answers
// and client errors are not retried.
func NewMoodService(b MoodBackend, store MoodStore, policy retry.Policy, logger *slog.Logger) (*MoodService, error) {
	if b == nil {
		return nil, errors.New("usecase: mood backend must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: mood store must not be nil")
	}
	if policy.Retryable == nil {
		policy.Retryable = moodRetryable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MoodService{backend: b, store: store, policy: policy, log: logger}, nil
}

func (s *MoodService) Record(ctx context.Context, in MoodInput) (MoodOutput, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return MoodOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if !domain.ValidMoodLevel(in.Level) {
		return MoodOutput{}, newError(ErrorInvalidInput, "invalid_mood_level", nil)
	}
	notes := strings.TrimSpace(in.Notes)
	if utf8.RuneCountInString(notes) > maxNotesChars {
		return MoodOutput{}, newError(ErrorInvalidInput, "notes_too_long", nil)
	}

	msg, err := s.call(ctx, func(ctx context.Context) (string, error) {
		return s.backend.RecordMood(ctx, convID, in.Level, notes)
	})
	if err != nil {
		return MoodOutput{}, upstreamError(ctx, err, "mood_record")
	}

	entry, err := s.store.SaveMoodEntry(ctx, convID, in.Level, notes)
	if err != nil {
		// Recorded upstream already; a retry by the user would duplicate it.
		s.log.Warn("usecase: mood mirror write failed", "conversation_id", convID, "err", err)
		entry = domain.MoodEntry{ConversationID: convID, Level: in.Level, Notes: notes}
	}
	return MoodOutput{Message: msg, Entry: entry, Label: domain.MoodLabel(in.Level)}, nil
}

func (s *MoodService) Delete(ctx context.Context, in DeleteMoodInput) (string, error) {
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return "", newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if in.ID <= 0 {
		return "", newError(ErrorInvalidInput, "invalid_mood_id", nil)
	}

	msg, err := s.call(ctx, func(ctx context.Context) (string, error) {
		return s.backend.DeleteMood(ctx, convID, in.ID)
	})
	if err != nil {
		return "", upstreamError(ctx, err, "mood_delete")
	}

	if key := strings.TrimSpace(in.EntryKey); key != "" {
		if err := s.store.DeleteMoodEntry(ctx, convID, key); err != nil {
			return "", newError(ErrorInternal, "dynamodb_delete_error", err)
		}
	}
	return msg, nil
}

// Stats summarizes the most recent mood entries of a conversation.
func (s *MoodService) Stats(ctx context.Context, conversationID string) (StatsOutput, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return StatsOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	entries, err := s.store.ListMoodEntries(ctx, conversationID, statsWindow)
	if err != nil {
		return StatsOutput{}, newError(ErrorInternal, "dynamodb_mood_list_error", err)
	}
	return StatsOutput{Entries: entries, Summary: mood.Summarize(entries)}, nil
}

func (s *MoodService) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	return retry.Do(ctx, s.policy, func(ctx context.Context, a retry.Attempt) (string, error) {
		msg, err := fn(ctx)
		if err != nil {
			s.log.Debug("usecase: mood call failed", "attempt", a.Number, "err", err)
		}
		return msg, err
	})
}

func moodRetryable(err error) bool {
	switch {
	case errors.Is(err, backend.ErrRejected),
		errors.Is(err, backend.ErrUnauthenticated),
		errors.Is(err, backend.ErrMalformedResponse):
		return false
	}
	return retry.IsTransient(err)
}
