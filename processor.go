package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// MessageProcessor turns one received message into an Outcome. It never
// touches the queue itself; delete and dead-letter routing stay with the
// caller so the policy lives in one place.
type MessageProcessor struct {
	action     PageAction
	defaultURL string
	timeout    time.Duration
}

func NewMessageProcessor(action PageAction, defaultURL string, timeout time.Duration) *MessageProcessor {
	return &MessageProcessor{
		action:     action,
		defaultURL: defaultURL,
		timeout:    timeout,
	}
}

func (p *MessageProcessor) Process(ctx context.Context, msg types.Message) Outcome {
	requestID := xid.New().String()
	pl := log.With().
		Str("request_id", requestID).
		Str("message_id", aws.ToString(msg.MessageId)).
		Logger()

	body := aws.ToString(msg.Body)

	var payload TaskPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		pl.Error().Err(err).Str("body", body).Msg("Failed to decode message body")
		return DecodeFailure(err)
	}

	targetURL := payload.TargetURL
	if targetURL == "" {
		targetURL = p.defaultURL
	}

	visitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	startTime := time.Now()
	pl.Info().Str("url", targetURL).Msg("Navigating to target")

	if err := p.action.Visit(visitCtx, targetURL); err != nil {
		pl.Error().Err(err).Str("url", targetURL).Dur("duration", time.Since(startTime)).Msg("Navigation failed")
		return ActionFailure(err)
	}

	pl.Info().Str("url", targetURL).Dur("duration", time.Since(startTime)).Msg("Navigation complete")
	return Succeeded()
}
