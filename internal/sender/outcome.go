package sender

import (
	"fmt"

	"github.com/GuGu2310/mental-health-chatbot/internal/domain"
)

// Kind classifies why a send did not produce a reply.
type Kind string

const (
	// Rejected before any network call.
	KindBusy    Kind = "busy"
	KindEmpty   Kind = "empty"
	KindTooLong Kind = "too_long"
	KindOffline Kind = "offline"

	KindNetworkExhausted Kind = "network_exhausted"
	KindProtocolError    Kind = "protocol_error"
	KindApplicationError Kind = "application_error"
	KindCanceled         Kind = "canceled"
	KindInternal         Kind = "internal"
)

// Failure is the terminal error outcome of a send.
type Failure struct {
	Kind    Kind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Err == nil {
		return fmt.Sprintf("sender: %s: %s", f.Kind, f.Message)
	}
	return fmt.Sprintf("sender: %s: %s: %v", f.Kind, f.Message, f.Err)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Outcome is returned exactly once per TrySend. Exactly one of Reply and
// Failure is set.
type Outcome struct {
	Reply *domain.BotReply
	// Crisis mirrors Reply.IsCrisis; acting on it is the caller's job.
	Crisis   bool
	Failure  *Failure
	Attempts int
}

// OK reports whether the outcome carries a reply.
func (o Outcome) OK() bool { return o.Failure == nil && o.Reply != nil }

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

func success(reply *domain.BotReply, attempts int) Outcome {
	return Outcome{Reply: reply, Crisis: reply.IsCrisis, Attempts: attempts}
}

func failure(kind Kind, message string, err error, attempts int) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Message: message, Err: err}, Attempts: attempts}
}
