package main

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OutcomeRouter decides what happens to a message once its outcome is known.
// The dispatcher calls Route exactly once per message.
//
// Policy for failures: send the raw body to the DLQ and, only if that send
// was accepted, delete the source copy. Leaving the source copy alive would
// dead-letter the same message again on every visibility expiry. If the DLQ
// send fails (or no DLQ is configured) the message stays in the queue and
// reappears after the visibility timeout.
type OutcomeRouter struct {
	queue *QueueClient
}

func NewOutcomeRouter(queue *QueueClient) *OutcomeRouter {
	return &OutcomeRouter{queue: queue}
}

func (r *OutcomeRouter) Route(ctx context.Context, msg types.Message, outcome Outcome) {
	rl := log.With().
		Str("message_id", aws.ToString(msg.MessageId)).
		Str("outcome", outcome.Kind.String()).
		Logger()

	switch outcome.Kind {
	case OutcomeSuccess:
		r.delete(ctx, msg, rl)

	case OutcomeActionFailed, OutcomeDecodeFailed:
		if !r.queue.HasDeadLetter() {
			rl.Warn().Err(outcome.Err).Msg("No DLQ configured, leaving message for redelivery")
			return
		}

		body := aws.ToString(msg.Body)
		if err := r.queue.SendToDeadLetter(ctx, body); err != nil {
			rl.Error().Err(err).Msg("Failed to send message to DLQ, leaving for redelivery")
			return
		}
		rl.Info().Err(outcome.Err).Msg("Message sent to DLQ")

		r.delete(ctx, msg, rl)
	}
}

func (r *OutcomeRouter) delete(ctx context.Context, msg types.Message, rl zerolog.Logger) {
	err := r.queue.Delete(ctx, msg.ReceiptHandle)
	switch {
	case errors.Is(err, ErrReceiptGone):
		// visibility timeout raced us, the delivery is already gone
		rl.Warn().Msg("Receipt handle expired before delete")
	case err != nil:
		rl.Error().Err(err).Msg("Failed to delete message from queue")
	default:
		rl.Debug().Msg("Message deleted from queue")
	}
}
