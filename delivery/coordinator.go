// Package delivery moves normalized messages onto the main queue with
// bounded exponential-backoff retries, falling back to a single best-effort
// write of an error envelope to the error queue.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/wa-relay/contracts"
	"github.com/glimte/wa-relay/internal/metrics"
	"github.com/glimte/wa-relay/internal/reliability"
)

// HeaderRetryAttempt carries the 1-based attempt number on main queue publishes
const HeaderRetryAttempt = "x-retry-attempt"

// ErrNoChannel is returned when delivery starts without a live broker channel
var ErrNoChannel = errors.New("delivery: no broker channel available")

// Publisher is the broker surface the coordinator needs
type Publisher interface {
	IsConnected() bool
	Publish(ctx context.Context, queue string, body []byte, headers map[string]interface{}) error
}

// Coordinator delivers messages to the main queue
type Coordinator struct {
	publisher    Publisher
	mainQueue    string
	errorQueue   string
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	sleeper      reliability.Sleeper
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures the Coordinator
type Option func(*Coordinator)

// WithMaxRetries sets the number of main queue attempts
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) {
		c.maxRetries = n
	}
}

// WithInitialDelay sets the wait after the first failed attempt
func WithInitialDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.initialDelay = d
	}
}

// WithMaxDelay caps each wait between attempts. Zero leaves it uncapped.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.maxDelay = d
	}
}

// WithSleeper replaces how the coordinator waits between attempts
func WithSleeper(s reliability.Sleeper) Option {
	return func(c *Coordinator) {
		c.sleeper = s
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithClock sets the time source used for error envelope timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator publishing through publisher
func NewCoordinator(publisher Publisher, mainQueue, errorQueue string, opts ...Option) *Coordinator {
	c := &Coordinator{
		publisher:    publisher,
		mainQueue:    mainQueue,
		errorQueue:   errorQueue,
		maxRetries:   3,
		initialDelay: 2 * time.Second,
		maxDelay:     30 * time.Second,
		sleeper:      reliability.TimerSleeper,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver runs DeliverWith using the configured retry settings
func (c *Coordinator) Deliver(ctx context.Context, msg contracts.NormalizedMessage) (bool, error) {
	return c.DeliverWith(ctx, msg, c.maxRetries, c.initialDelay)
}

// DeliverWith publishes msg to the main queue, making at most maxRetries
// attempts. Waits start at initialDelay and double after each failure.
// It returns true once the main queue accepts the message and false after the
// attempts are exhausted and the error envelope write was tried. The only
// error is ErrNoChannel, returned before any attempt when the broker is down.
func (c *Coordinator) DeliverWith(ctx context.Context, msg contracts.NormalizedMessage, maxRetries int, initialDelay time.Duration) (bool, error) {
	start := time.Now()

	if !c.publisher.IsConnected() {
		c.metrics.Delivery(metrics.DeliveryUnavailable, time.Since(start))
		return false, ErrNoChannel
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encoding message: %w", err)
	}

	backoff := reliability.NewExponentialBackoff(initialDelay, c.maxDelay)
	logger := c.logger.With("from", contracts.Deref(msg.From), "type", msg.Type)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		// The channel may have been dropped by a reconnect since the last attempt
		if !c.publisher.IsConnected() {
			lastErr = ErrNoChannel
		} else {
			headers := map[string]interface{}{HeaderRetryAttempt: attempt}
			lastErr = c.publisher.Publish(ctx, c.mainQueue, body, headers)
			c.metrics.PublishAttempt(c.mainQueue, lastErr)
			if lastErr == nil {
				logger.Info("message queued", "queue", c.mainQueue, "attempt", attempt)
				c.metrics.Delivery(metrics.DeliveryQueued, time.Since(start))
				return true, nil
			}
		}

		if attempt == maxRetries {
			logger.Error("publish failed, attempts exhausted",
				"error", lastErr,
				"attempt", attempt,
				"maxRetries", maxRetries)
			break
		}

		delay := backoff.NextDelay(attempt - 1)
		logger.Warn("publish failed, retrying",
			"error", lastErr,
			"attempt", attempt,
			"maxRetries", maxRetries,
			"nextRetryIn", delay)

		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			logger.Warn("retry wait interrupted", "error", err, "attempt", attempt)
			break
		}
	}

	c.sendToErrorQueue(context.WithoutCancel(ctx), msg, lastErr)
	c.metrics.Delivery(metrics.DeliveryDeadLetter, time.Since(start))
	return false, nil
}

// sendToErrorQueue makes one attempt to record msg on the error queue.
// A failure here is logged and dropped.
func (c *Coordinator) sendToErrorQueue(ctx context.Context, msg contracts.NormalizedMessage, cause error) {
	envelope := contracts.NewErrorEnvelope(msg, cause, c.now())

	body, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("failed to encode error envelope", "error", err)
		c.metrics.ErrorQueueFailure()
		return
	}

	err = c.publisher.Publish(ctx, c.errorQueue, body, nil)
	c.metrics.PublishAttempt(c.errorQueue, err)
	if err != nil {
		c.logger.Error("failed to write to error queue, message lost",
			"error", err,
			"queue", c.errorQueue,
			"cause", envelope.Error)
		c.metrics.ErrorQueueFailure()
		return
	}

	c.logger.Warn("message sent to error queue", "queue", c.errorQueue, "cause", envelope.Error)
}
