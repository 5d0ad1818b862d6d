package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/wa-relay/contracts"
	"github.com/glimte/wa-relay/internal/metrics"
)

const (
	mainQueue  = "whatsapp_messages"
	errorQueue = "whatsapp_errors"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockPublisher) Publish(ctx context.Context, queue string, body []byte, headers map[string]interface{}) error {
	args := m.Called(ctx, queue, body, headers)
	return args.Error(0)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func textMessage() contracts.NormalizedMessage {
	return contracts.NormalizedMessage{
		PhoneNumberID: contracts.StringPtr("P"),
		From:          contracts.StringPtr("F"),
		Type:          contracts.MessageTypeText,
		Body:          contracts.StringPtr("hi"),
	}
}

func newTestCoordinator(pub Publisher, sleeper *recordingSleeper, opts ...Option) *Coordinator {
	base := []Option{
		WithSleeper(sleeper),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }),
	}
	return NewCoordinator(pub, mainQueue, errorQueue, append(base, opts...)...)
}

func TestNewCoordinatorDefaults(t *testing.T) {
	c := NewCoordinator(&mockPublisher{}, mainQueue, errorQueue)

	assert.Equal(t, 3, c.maxRetries)
	assert.Equal(t, 2*time.Second, c.initialDelay)
	assert.Equal(t, 30*time.Second, c.maxDelay)
	assert.NotNil(t, c.sleeper)
	assert.NotNil(t, c.logger)
}

func TestDeliver(t *testing.T) {
	t.Run("routes to error queue after exhausting attempts", func(t *testing.T) {
		pub := &mockPublisher{}
		sleeper := &recordingSleeper{}
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, mock.Anything).Return(errors.New("channel closed"))
		pub.On("Publish", mock.Anything, errorQueue, mock.Anything, mock.Anything).Return(nil)

		ok, err := newTestCoordinator(pub, sleeper).Deliver(context.Background(), textMessage())

		require.NoError(t, err)
		assert.False(t, ok)
		pub.AssertNumberOfCalls(t, "Publish", 4)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)

		var envelope contracts.ErrorEnvelope
		for _, call := range pub.Calls {
			if call.Method == "Publish" && call.Arguments.String(1) == errorQueue {
				require.NoError(t, json.Unmarshal(call.Arguments.Get(2).([]byte), &envelope))
			}
		}
		assert.Equal(t, "channel closed", envelope.Error)
		assert.Equal(t, "2024-05-01T12:00:00.000Z", envelope.Timestamp)
		assert.Equal(t, "hi", contracts.Deref(envelope.Message.Body))
	})

	t.Run("stops at the first successful attempt", func(t *testing.T) {
		pub := &mockPublisher{}
		sleeper := &recordingSleeper{}
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, mock.Anything).Return(errors.New("flow control")).Once()
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, mock.Anything).Return(nil).Once()

		ok, err := newTestCoordinator(pub, sleeper).Deliver(context.Background(), textMessage())

		require.NoError(t, err)
		assert.True(t, ok)
		pub.AssertNumberOfCalls(t, "Publish", 2)
		pub.AssertNotCalled(t, "Publish", mock.Anything, errorQueue, mock.Anything, mock.Anything)
		assert.Equal(t, []time.Duration{2 * time.Second}, sleeper.delays)
	})

	t.Run("fails immediately without a channel", func(t *testing.T) {
		pub := &mockPublisher{}
		sleeper := &recordingSleeper{}
		pub.On("IsConnected").Return(false)

		ok, err := newTestCoordinator(pub, sleeper).Deliver(context.Background(), textMessage())

		assert.ErrorIs(t, err, ErrNoChannel)
		assert.False(t, ok)
		pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Empty(t, sleeper.delays)
	})

	t.Run("counts a dropped channel as a failed attempt", func(t *testing.T) {
		pub := &mockPublisher{}
		sleeper := &recordingSleeper{}
		pub.On("IsConnected").Return(true).Once()
		pub.On("IsConnected").Return(true).Once()
		pub.On("IsConnected").Return(false).Once()
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, mock.Anything).Return(errors.New("channel closed")).Once()
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, mock.Anything).Return(nil).Once()

		ok, err := newTestCoordinator(pub, sleeper).Deliver(context.Background(), textMessage())

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.delays)
	})

	t.Run("error queue failure is swallowed", func(t *testing.T) {
		pub := &mockPublisher{}
		m := metrics.New()
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker gone"))

		ok, err := newTestCoordinator(pub, &recordingSleeper{}, WithMetrics(m)).
			DeliverWith(context.Background(), textMessage(), 1, time.Second)

		require.NoError(t, err)
		assert.False(t, ok)
		pub.AssertNumberOfCalls(t, "Publish", 2)
		expected := `
# HELP wa_relay_error_queue_failures_total Error envelopes that could not be written to the error queue
# TYPE wa_relay_error_queue_failures_total counter
wa_relay_error_queue_failures_total 1
`
		assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "wa_relay_error_queue_failures_total"))
	})

	t.Run("tags main queue publishes with the attempt number", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, map[string]interface{}{HeaderRetryAttempt: 1}).Return(errors.New("nack"))
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, map[string]interface{}{HeaderRetryAttempt: 2}).Return(nil)

		ok, err := newTestCoordinator(pub, &recordingSleeper{}).Deliver(context.Background(), textMessage())

		require.NoError(t, err)
		assert.True(t, ok)
		pub.AssertExpectations(t)
	})

	t.Run("publishes the normalized message as json", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, mock.Anything).Return(nil)

		_, err := newTestCoordinator(pub, &recordingSleeper{}).Deliver(context.Background(), textMessage())
		require.NoError(t, err)

		var body []byte
		for _, call := range pub.Calls {
			if call.Method == "Publish" {
				body = call.Arguments.Get(2).([]byte)
			}
		}
		assert.JSONEq(t, `{"phone_number_id":"P","from":"F","type":"text","body":"hi","audio_id":null}`, string(body))
	})

	t.Run("caps the backoff", func(t *testing.T) {
		pub := &mockPublisher{}
		sleeper := &recordingSleeper{}
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("nack"))

		_, err := newTestCoordinator(pub, sleeper, WithMaxDelay(5*time.Second)).
			DeliverWith(context.Background(), textMessage(), 5, 2*time.Second)

		require.NoError(t, err)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, sleeper.delays)
	})

	t.Run("treats non-positive retries as a single attempt", func(t *testing.T) {
		pub := &mockPublisher{}
		pub.On("IsConnected").Return(true)
		pub.On("Publish", mock.Anything, mainQueue, mock.Anything, mock.Anything).Return(nil)

		ok, err := newTestCoordinator(pub, &recordingSleeper{}).DeliverWith(context.Background(), textMessage(), 0, time.Second)

		require.NoError(t, err)
		assert.True(t, ok)
		pub.AssertNumberOfCalls(t, "Publish", 1)
	})
}
