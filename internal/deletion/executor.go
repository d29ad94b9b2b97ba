package deletion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatwarden/internal/errors"
)

// Client is the slice of the messaging platform the executor needs.
type Client interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// OutcomeKind classifies the result of one delete attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Outcome is the classified result of AttemptDelete.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

// Executor performs delete calls and classifies their outcome.
// It never sleeps or loops; timing belongs to the Scheduler.
type Executor struct {
	client Client
	logger zerolog.Logger
}

// NewExecutor creates an executor around client.
func NewExecutor(client Client, logger zerolog.Logger) *Executor {
	return &Executor{
		client: client,
		logger: logger.With().Str("component", "deletion_executor").Logger(),
	}
}

// AttemptDelete issues one delete call for key.
// A message that is already gone counts as success.
func (e *Executor) AttemptDelete(ctx context.Context, key Key) Outcome {
	err := e.client.DeleteMessage(ctx, key.ChatID, key.MessageID)
	out := Classify(err)
	if out.Kind == OutcomeSuccess && err != nil {
		e.logger.Debug().Str("key", key.String()).Msg("message already deleted")
	}
	return out
}

// Classify maps a delete-call error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeSuccess}
	case errors.Is(err, perrors.ErrNotFound):
		return Outcome{Kind: OutcomeSuccess, Reason: "not_found", Err: err}
	case errors.Is(err, perrors.ErrInvalidInput):
		return Outcome{Kind: OutcomePermanent, Reason: "invalid_input", Err: err}
	case perrors.IsPermanent(err):
		return Outcome{Kind: OutcomePermanent, Reason: "forbidden", Err: err}
	case errors.Is(err, perrors.ErrRateLimit):
		return Outcome{Kind: OutcomeRetryable, Reason: "rate_limited", Err: err}
	case errors.Is(err, perrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Outcome{Kind: OutcomeRetryable, Reason: "timeout", Err: err}
	default:
		// Unknown failures are treated as transport errors.
		return Outcome{Kind: OutcomeRetryable, Reason: "transport_error", Err: err}
	}
}
