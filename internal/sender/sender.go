// Package sender posts user chat messages to the backend with a bounded retry
// and refuses to start a send while another one for the same conversation is
// still in flight.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
	"github.com/GuGu2310/mental-health-chatbot/internal/retry"
)

// DefaultMaxLength is the message limit, in characters, when Config leaves it unset.
const DefaultMaxLength = 500

// Transport delivers one message to the backend and returns the raw 2xx body.
// Non-2xx responses must surface as errors exposing HTTPStatusCode().
type Transport interface {
	PostMessage(ctx context.Context, msg domain.OutboundMessage) ([]byte, error)
}

// Connectivity reports whether the network is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// State is the in-flight guard of one conversation widget. The zero value is
// idle and ready to use.
type State struct {
	busy atomic.Bool
}

// Busy reports whether a send is between dispatch and outcome delivery.
func (s *State) Busy() bool { return s.busy.Load() }

// Hold marks the conversation busy for work other than a send, such as
// ending it. ok is false when it is already busy. Calling release more than
// once is a no-op.
func (s *State) Hold() (release func(), ok bool) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { s.busy.Store(false) }) }, true
}

// Config bounds message length and sets the retry policy of a Sender.
type Config struct {
	MaxLength int
	Retry     retry.Policy
}

// DefaultConfig is a 500 character limit with retry.DefaultPolicy.
func DefaultConfig() Config {
	return Config{MaxLength: DefaultMaxLength, Retry: retry.DefaultPolicy()}
}

// Sender is safe to share between conversations; each conversation brings its
// own *State.
type Sender struct {
	transport Transport
	online    Connectivity
	cfg       Config
	log       *slog.Logger
}

// Option customizes a Sender.
type Option func(*Sender)

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sender) {
		if l != nil {
			s.log = l
		}
	}
}

// WithConnectivity checks reachability before every send.
func WithConnectivity(c Connectivity) Option {
	return func(s *Sender) {
		s.online = c
	}
}

// New returns a Sender posting through t. A non-positive MaxLength uses DefaultMaxLength.
func New(t Transport, cfg Config, opts ...Option) (*Sender, error) {
	if t == nil {
		return nil, errors.New("sender: transport must not be nil")
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	s := &Sender{
		transport: t,
		cfg:       cfg,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TrySend validates msg, then posts it with retries while holding st busy.
// Every failure comes back inside the Outcome; TrySend never panics and
// always leaves st idle when it returns.
func (s *Sender) TrySend(ctx context.Context, msg domain.OutboundMessage, st *State) (out Outcome) {
	if st == nil {
		return failure(KindInternal, "sender state is nil", nil, 0)
	}
	if st.Busy() {
		return failure(KindBusy, "a message is already being sent", nil, 0)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return failure(KindEmpty, "message is empty", nil, 0)
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxLength {
		return failure(KindTooLong, fmt.Sprintf("message is %d characters, limit is %d", n, s.cfg.MaxLength), nil, 0)
	}
	if s.online != nil && !s.online.Online(ctx) {
		return failure(KindOffline, "network is unreachable", nil, 0)
	}

	if !st.busy.CompareAndSwap(false, true) {
		return failure(KindBusy, "a message is already being sent", nil, 0)
	}
	attempts := 0
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sender: transport panicked", "panic", r)
			out = failure(KindInternal, "unexpected transport fault", fmt.Errorf("panic: %v", r), attempts)
		}
		st.busy.Store(false)
	}()

	req := domain.OutboundMessage{Text: text, ConversationID: strings.TrimSpace(msg.ConversationID)}
	body, err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context, a retry.Attempt) ([]byte, error) {
		attempts = a.Number
		s.log.Debug("sender: dispatching", "attempt", a.Number, "conversation_id", req.ConversationID)
		b, err := s.transport.PostMessage(ctx, req)
		if err != nil {
			s.log.Debug("sender: attempt failed", "attempt", a.Number, "err", err)
		}
		return b, err
	})
	if err != nil {
		return s.failureFor(ctx, err, attempts)
	}
	return Classify(body, attempts)
}

func (s *Sender) failureFor(ctx context.Context, err error, attempts int) Outcome {
	if errors.Is(err, retry.ErrExhausted) {
		return failure(KindNetworkExhausted, fmt.Sprintf("could not reach the backend after %d attempts", attempts), err, attempts)
	}
	if ctx.Err() != nil {
		return failure(KindCanceled, "send canceled", err, attempts)
	}
	if status, ok := retry.StatusCode(err); ok && retry.IsClientError(status) {
		var bodier responseBodier
		errors.As(err, &bodier)
		return failure(KindApplicationError, rejectionMessage(err, bodier), err, attempts)
	}
	// A custom retry predicate declined a non-status error.
	return failure(KindNetworkExhausted, "backend request failed", err, attempts)
}
