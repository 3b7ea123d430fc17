package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/GuGu2310/mental-health-chatbot/internal/integrations/backend"
	"github.com/GuGu2310/mental-health-chatbot/internal/retry"
	"github.com/GuGu2310/mental-health-chatbot/internal/sender"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorBusy         ErrorCode = "BUSY"
	ErrorOffline      ErrorCode = "OFFLINE"
	ErrorRejected     ErrorCode = "REJECTED"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorCanceled     ErrorCode = "CANCELED"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	// Message is safe to show to the end user. Empty means a generic text.
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// fromFailure maps a sender failure onto the coded error surfaced to callers.
func fromFailure(f *sender.Failure) *Error {
	var e *Error
	switch f.Kind {
	case sender.KindBusy:
		e = newError(ErrorBusy, "send_in_flight", f)
	case sender.KindEmpty:
		e = newError(ErrorInvalidInput, "empty_message", f)
	case sender.KindTooLong:
		e = newError(ErrorInvalidInput, "message_too_long", f)
	case sender.KindOffline:
		e = newError(ErrorOffline, "backend_unreachable", f)
	case sender.KindNetworkExhausted:
		if status, ok := retry.StatusCode(f); ok && status == http.StatusTooManyRequests {
			e = newError(ErrorRateLimited, "backend_rate_limited", f)
		} else {
			e = newError(ErrorUpstream, "backend_unavailable", f)
		}
	case sender.KindProtocolError:
		e = newError(ErrorUpstream, "backend_malformed_response", f)
	case sender.KindApplicationError:
		e = newError(ErrorRejected, "backend_rejected", f)
	case sender.KindCanceled:
		e = newError(ErrorCanceled, "send_canceled", f)
	default:
		e = newError(ErrorInternal, "send_internal_error", f)
	}
	e.Message = f.Message
	return e
}

// upstreamError classifies a failed mood backend call.
func upstreamError(ctx context.Context, err error, op string) *Error {
	if ctx.Err() != nil {
		return newError(ErrorCanceled, op+"_canceled", err)
	}
	var rejected *backend.RejectedError
	if errors.As(err, &rejected) {
		e := newError(ErrorRejected, op+"_rejected", err)
		e.Message = rejected.Message
		return e
	}
	if errors.Is(err, backend.ErrUnauthenticated) {
		return newError(ErrorUpstream, op+"_unauthenticated", err)
	}
	if errors.Is(err, backend.ErrMalformedResponse) {
		return newError(ErrorUpstream, op+"_malformed_response", err)
	}
	if status, ok := retry.StatusCode(err); ok {
		if status == http.StatusTooManyRequests {
			return newError(ErrorRateLimited, op+"_rate_limited", err)
		}
		if retry.IsClientError(status) {
			return newError(ErrorRejected, op+"_rejected", err)
		}
	}
	return newError(ErrorUpstream, op+"_error", err)
}
