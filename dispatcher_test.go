package main

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   10 * time.Millisecond,
		ReceiveBackoff: 10 * time.Millisecond,
		RouteTimeout:   time.Second,
	}
}

func TestDispatcherConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*DispatcherConfig)
		expectErr bool
	}{
		{name: "valid", mutate: func(c *DispatcherConfig) {}, expectErr: false},
		{name: "zero poll interval", mutate: func(c *DispatcherConfig) { c.PollInterval = 0 }, expectErr: true},
		{name: "negative poll interval", mutate: func(c *DispatcherConfig) { c.PollInterval = -time.Second }, expectErr: true},
		{name: "zero receive backoff", mutate: func(c *DispatcherConfig) { c.ReceiveBackoff = 0 }, expectErr: true},
		{name: "zero route timeout", mutate: func(c *DispatcherConfig) { c.RouteTimeout = 0 }, expectErr: true},
		{name: "stats disabled is allowed", mutate: func(c *DispatcherConfig) { c.StatsInterval = 0 }, expectErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testDispatcherConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newTestDispatcher(t *testing.T, mockSQS *MockSQSClient, action PageAction, timeout time.Duration) *Dispatcher {
	t.Helper()
	queue, err := NewQueueClient(mockSQS, testQueueConfig())
	assert.NoError(t, err)
	processor := NewMessageProcessor(action, "https://fallback.example.com", timeout)
	return NewDispatcher(queue, processor, NewOutcomeRouter(queue), testDispatcherConfig())
}

func emptyReceive() *sqs.ReceiveMessageOutput {
	return &sqs.ReceiveMessageOutput{}
}

func TestDispatcherMixedBatch(t *testing.T) {
	// batch of 3: two navigable targets and one that times out. Expect the
	// two successes deleted, the timed-out body dead-lettered verbatim and
	// its source copy deleted after the DLQ accepted it.
	mockSQS := new(MockSQSClient)
	action := &stubAction{
		visit: func(ctx context.Context, url string) error {
			if strings.Contains(url, "slow") {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}

	slowBody := `{"WEBSITE_URL":"https://slow.example.com/c"}`
	batch := &sqs.ReceiveMessageOutput{Messages: []types.Message{
		testMessage("a", `{"WEBSITE_URL":"https://example.com/a"}`),
		testMessage("b", `{"WEBSITE_URL":"https://example.com/b"}`),
		testMessage("c", slowBody),
	}}

	var deletes, dlqSends atomic.Int32

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(batch, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(emptyReceive(), nil)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { deletes.Add(1) }).
		Return(&sqs.DeleteMessageOutput{}, nil)
	mockSQS.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		return aws.ToString(in.MessageBody) == slowBody
	})).Run(func(args mock.Arguments) { dlqSends.Add(1) }).
		Return(&sqs.SendMessageOutput{}, nil)

	dispatcher := newTestDispatcher(t, mockSQS, action, 50*time.Millisecond)
	go dispatcher.Start()

	assert.Eventually(t, func() bool {
		return deletes.Load() == 3 && dlqSends.Load() == 1
	}, 3*time.Second, 10*time.Millisecond)

	dispatcher.Stop()

	assert.Equal(t, int32(3), deletes.Load())
	assert.Equal(t, int32(1), dlqSends.Load())
	assert.Len(t, action.visits(), 3)
}

func TestDispatcherJoinsBatchBeforeNextReceive(t *testing.T) {
	mockSQS := new(MockSQSClient)
	action := &stubAction{}

	batch := &sqs.ReceiveMessageOutput{Messages: []types.Message{
		testMessage("a", `{}`),
		testMessage("b", `{}`),
		testMessage("c", `{}`),
	}}

	var routed atomic.Int32
	// routed messages observed at the moment of the second receive
	routedAtSecondReceive := make(chan int32, 1)

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(batch, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case routedAtSecondReceive <- routed.Load():
			default:
			}
		}).
		Return(emptyReceive(), nil)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { routed.Add(1) }).
		Return(&sqs.DeleteMessageOutput{}, nil)

	dispatcher := newTestDispatcher(t, mockSQS, action, time.Second)
	go dispatcher.Start()

	select {
	case n := <-routedAtSecondReceive:
		assert.Equal(t, int32(3), n, "all workers must be joined before the next receive")
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher never polled again")
	}

	dispatcher.Stop()
	assert.Len(t, action.visits(), 3)
}

func TestDispatcherEmptyReceiveStartsNoWorkers(t *testing.T) {
	mockSQS := new(MockSQSClient)
	action := &stubAction{}

	var receives atomic.Int32
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { receives.Add(1) }).
		Return(emptyReceive(), nil)

	dispatcher := newTestDispatcher(t, mockSQS, action, time.Second)
	go dispatcher.Start()

	// poll interval is 10ms, so the loop must come back around
	assert.Eventually(t, func() bool {
		return receives.Load() >= 2
	}, 3*time.Second, 5*time.Millisecond)

	dispatcher.Stop()

	assert.Empty(t, action.visits())
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
	mockSQS.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestDispatcherSurvivesReceiveError(t *testing.T) {
	mockSQS := new(MockSQSClient)
	action := &stubAction{}

	var receives atomic.Int32
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { receives.Add(1) }).
		Return(nil, errors.New("transport error")).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { receives.Add(1) }).
		Return(emptyReceive(), nil)

	dispatcher := newTestDispatcher(t, mockSQS, action, time.Second)
	go dispatcher.Start()

	assert.Eventually(t, func() bool {
		return receives.Load() >= 2
	}, 3*time.Second, 5*time.Millisecond)

	dispatcher.Stop()
}

func TestDispatcherSurvivesExpiredReceiptDuringRouting(t *testing.T) {
	mockSQS := new(MockSQSClient)
	action := &stubAction{}

	batch := &sqs.ReceiveMessageOutput{Messages: []types.Message{
		testMessage("a", `{}`),
	}}

	var receives atomic.Int32
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(batch, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { receives.Add(1) }).
		Return(emptyReceive(), nil)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).
		Return(nil, &types.ReceiptHandleIsInvalid{Message: aws.String("expired")}).Once()

	dispatcher := newTestDispatcher(t, mockSQS, action, time.Second)
	go dispatcher.Start()

	// the failed delete must not kill the loop
	assert.Eventually(t, func() bool {
		return receives.Load() >= 1
	}, 3*time.Second, 5*time.Millisecond)

	dispatcher.Stop()
	mockSQS.AssertExpectations(t)
}

func TestDispatcherRecoversWorkerPanic(t *testing.T) {
	mockSQS := new(MockSQSClient)
	action := &stubAction{
		visit: func(ctx context.Context, url string) error {
			panic("browser driver exploded")
		},
	}

	batch := &sqs.ReceiveMessageOutput{Messages: []types.Message{
		testMessage("a", `{"WEBSITE_URL":"https://example.com/a"}`),
	}}

	var receives atomic.Int32
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(batch, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { receives.Add(1) }).
		Return(emptyReceive(), nil)

	dispatcher := newTestDispatcher(t, mockSQS, action, time.Second)
	go dispatcher.Start()

	// the panicking worker must not kill the loop
	assert.Eventually(t, func() bool {
		return receives.Load() >= 2
	}, 3*time.Second, 5*time.Millisecond)

	dispatcher.Stop()

	assert.Len(t, action.visits(), 1)
	// no outcome was decided, so the message is left for redelivery
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
	mockSQS.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestDispatcherBoundsRoutingTime(t *testing.T) {
	mockSQS := new(MockSQSClient)
	action := &stubAction{}

	batch := &sqs.ReceiveMessageOutput{Messages: []types.Message{
		testMessage("a", `{"WEBSITE_URL":"https://example.com/a"}`),
	}}

	var receives atomic.Int32
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(batch, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { receives.Add(1) }).
		Return(emptyReceive(), nil)
	// a delete that never returns on its own, only when its context expires
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			<-ctx.Done()
		}).
		Return(nil, context.DeadlineExceeded)

	cfg := testDispatcherConfig()
	cfg.RouteTimeout = 50 * time.Millisecond
	queue, err := NewQueueClient(mockSQS, testQueueConfig())
	assert.NoError(t, err)
	processor := NewMessageProcessor(action, "https://fallback.example.com", time.Second)
	dispatcher := NewDispatcher(queue, processor, NewOutcomeRouter(queue), cfg)

	go dispatcher.Start()

	// the stalled delete must time out and let the loop poll again
	assert.Eventually(t, func() bool {
		return receives.Load() >= 1
	}, 3*time.Second, 5*time.Millisecond)

	finished := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on a stalled routing call")
	}
}

func TestDispatcherStopWaitsForLoopExit(t *testing.T) {
	mockSQS := new(MockSQSClient)
	action := &stubAction{}

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(emptyReceive(), nil)

	dispatcher := newTestDispatcher(t, mockSQS, action, time.Second)
	go dispatcher.Start()

	time.Sleep(30 * time.Millisecond)

	finished := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}
