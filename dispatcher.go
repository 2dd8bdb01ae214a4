package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

type DispatcherConfig struct {
	PollInterval   time.Duration // sleep after an empty receive
	ReceiveBackoff time.Duration // sleep after a receive transport error
	RouteTimeout   time.Duration // bound on the delete/DLQ calls for one outcome
	StatsInterval  time.Duration // 0 disables periodic queue stats
}

func (c DispatcherConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.ReceiveBackoff <= 0 {
		return fmt.Errorf("receive backoff must be positive, got %s", c.ReceiveBackoff)
	}
	if c.RouteTimeout <= 0 {
		return fmt.Errorf("route timeout must be positive, got %s", c.RouteTimeout)
	}
	return nil
}

// Dispatcher runs the receive/process/route loop. Each batch fans out one
// goroutine per received message and joins them all before the next receive,
// so the number of open browser sessions never exceeds the batch size and
// every message in a batch finishes inside the shared visibility timeout.
type Dispatcher struct {
	queue     *QueueClient
	processor *MessageProcessor
	router    *OutcomeRouter
	cfg       DispatcherConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(queue *QueueClient, processor *MessageProcessor, router *OutcomeRouter, cfg DispatcherConfig) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:     queue,
		processor: processor,
		router:    router,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	if d.cfg.StatsInterval > 0 {
		go d.monitorQueueStats()
	}
	d.poll()
}

// Stop cancels the poll loop and blocks until the current batch has fully
// drained. In-flight messages finish against their own contexts, so shutdown
// never aborts a navigation mid-flight or leaks a browser session.
func (d *Dispatcher) Stop() {
	d.cancel()
	<-d.done
}

func (d *Dispatcher) poll() {
	defer close(d.done)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		messages, err := d.queue.ReceiveBatch(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("Failed to receive messages from SQS")
			if !d.sleep(d.cfg.ReceiveBackoff) {
				return
			}
			continue
		}

		if len(messages) == 0 {
			if !d.sleep(d.cfg.PollInterval) {
				return
			}
			continue
		}

		log.Info().Int("count", len(messages)).Msg("Received messages from SQS")

		var wg sync.WaitGroup
		for i := range messages {
			wg.Add(1)
			go func(msg types.Message) {
				defer wg.Done()
				d.handle(msg)
			}(messages[i])
		}
		wg.Wait()
	}
}

// handle processes and routes one message. It deliberately does not use the
// poll context: a message already received keeps its full time budget even
// while the dispatcher is shutting down.
func (d *Dispatcher) handle(msg types.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("message_id", aws.ToString(msg.MessageId)).
				Interface("panic", r).
				Msg("Worker recovered from panic, leaving message for redelivery")
		}
	}()

	outcome := d.processor.Process(context.Background(), msg)

	// routing gets its own deadline so a stalled delete or DLQ send can
	// never wedge the batch join or Stop
	routeCtx, cancel := context.WithTimeout(context.Background(), d.cfg.RouteTimeout)
	defer cancel()
	d.router.Route(routeCtx, msg, outcome)
}

// sleep waits for the given duration unless the dispatcher is stopped first.
func (d *Dispatcher) sleep(duration time.Duration) bool {
	select {
	case <-time.After(duration):
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Dispatcher) monitorQueueStats() {
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := d.queue.Stats(d.ctx)
			if err != nil {
				if d.ctx.Err() == nil {
					log.Error().Err(err).Msg("Failed to fetch queue stats")
				}
				continue
			}
			log.Info().
				Str("available", stats.Available).
				Str("in_flight", stats.InFlight).
				Str("delayed", stats.Delayed).
				Msg("SQS queue stats")
		case <-d.ctx.Done():
			return
		}
	}
}
