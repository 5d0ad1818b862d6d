package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/wa-relay/internal/reliability"
)

// State is the lifecycle state of the broker connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications.
// Callbacks run synchronously on the client's goroutines and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Client owns the broker connection and the single channel used for publishing.
// Only the connect and reconnect routines replace the connection state; request
// goroutines read it through IsConnected and Publish.
type Client struct {
	url            string
	topology       Topology
	dial           Dialer
	reconnect      reliability.BackoffPolicy
	sleeper        reliability.Sleeper
	connectTimeout time.Duration
	logger         *slog.Logger

	mu        sync.RWMutex
	conn      Connection
	ch        Channel
	state     State
	connected bool
	started   bool
	closed    bool

	connectMu sync.Mutex
	publishMu sync.Mutex

	lifeCtx    context.Context
	cancelLife context.CancelFunc
	wg         sync.WaitGroup

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// closeEvents carries the close notifications of one connection generation
type closeEvents struct {
	conn <-chan *amqp.Error
	ch   <-chan *amqp.Error
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between connection attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnect = reliability.NewFixedDelay(delay)
	}
}

// WithReconnectPolicy replaces the delay policy between connection attempts
func WithReconnectPolicy(policy reliability.BackoffPolicy) ClientOption {
	return func(c *Client) {
		c.reconnect = policy
	}
}

// WithSleeper sets how the client waits between connection attempts
func WithSleeper(sleeper reliability.Sleeper) ClientOption {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dialer Dialer) ClientOption {
	return func(c *Client) {
		c.dial = dialer
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

// WithStateListener registers a listener at construction time
func WithStateListener(listener ConnectionStateListener) ClientOption {
	return func(c *Client) {
		c.stateListeners = append(c.stateListeners, listener)
	}
}

// NewClient creates a client for url that declares topology on every connect
func NewClient(url string, topology Topology, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: broker url is required", ErrInvalidConfiguration)
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		url:            url,
		topology:       topology,
		dial:           DialAMQP,
		reconnect:      reliability.NewFixedDelay(5 * time.Second),
		sleeper:        reliability.TimerSleeper,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.lifeCtx, c.cancelLife = context.WithCancel(context.Background())
	return c, nil
}

// Topology returns the queues the client declares
func (c *Client) Topology() Topology {
	return c.topology
}

// Connect blocks until the connection is established and both queues are
// declared, retrying forever on the reconnect delay. It returns early only when
// ctx is cancelled or the client is closed. After the first success a
// background supervisor reconnects whenever the connection or channel drops.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.RLock()
	closed, started := c.closed, c.started
	c.mu.RUnlock()
	if closed {
		return ErrClientClosed
	}
	if started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.lifeCtx, cancel)
	defer stop()

	events, err := c.connectLoop(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.supervise(events)
	return nil
}

// IsConnected reports whether a live channel is available for publishing
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.ch != nil
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Close closes the channel and then the connection. A failure on one step does
// not prevent the other; both are logged. Close does not trigger a reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelLife()
	conn, ch := c.conn, c.ch
	c.conn, c.ch = nil, nil
	c.connected = false
	c.state = StateClosed
	c.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logger.Error("failed to close RabbitMQ channel", "error", err)
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		} else {
			c.logger.Info("RabbitMQ channel closed")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Error("failed to close RabbitMQ connection", "error", err)
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		} else {
			c.logger.Info("RabbitMQ connection closed")
		}
	}

	c.wg.Wait()
	return errors.Join(errs...)
}

// connectLoop retries connectOnce until it succeeds or ctx is done
func (c *Client) connectLoop(ctx context.Context) (closeEvents, error) {
	for attempt := 0; ; attempt++ {
		if err := c.interrupted(ctx); err != nil {
			return closeEvents{}, err
		}

		c.setState(StateConnecting)
		if attempt > 0 {
			c.notifyReconnecting(attempt)
		}

		events, err := c.connectOnce(ctx)
		if err == nil {
			return events, nil
		}
		if errors.Is(err, ErrClientClosed) {
			return closeEvents{}, err
		}

		delay := c.reconnect.NextDelay(attempt)
		c.logger.Error("failed to connect to RabbitMQ, retrying",
			"error", err,
			"attempt", attempt+1,
			"nextRetryIn", delay)
		c.setState(StateDisconnected)

		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			if ierr := c.interrupted(ctx); ierr != nil {
				return closeEvents{}, ierr
			}
			return closeEvents{}, err
		}
	}
}

// connectOnce dials, opens the publishing channel and declares the topology
func (c *Client) connectOnce(ctx context.Context) (closeEvents, error) {
	conn, err := c.dialWithTimeout(ctx)
	if err != nil {
		return closeEvents{}, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return closeEvents{}, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := c.topology.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return closeEvents{}, err
	}

	// Buffered so the library never blocks delivering a close error
	events := closeEvents{
		conn: conn.NotifyClose(make(chan *amqp.Error, 1)),
		ch:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return closeEvents{}, ErrClientClosed
	}
	c.conn = conn
	c.ch = ch
	c.connected = true
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ and queues declared",
		"url", SanitizeURL(c.url),
		"mainQueue", c.topology.MainQueue,
		"errorQueue", c.topology.ErrorQueue)

	c.notifyConnected()
	return events, nil
}

type dialResult struct {
	conn Connection
	err  error
}

// dialWithTimeout runs the dialer in a goroutine so a hung dial can be abandoned
func (c *Client) dialWithTimeout(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	results := make(chan dialResult)
	abandon := make(chan struct{})
	defer close(abandon)

	go func() {
		conn, err := c.dial(c.url)
		select {
		case results <- dialResult{conn: conn, err: err}:
		case <-abandon:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(c.url),
				Err:       res.err,
				Timestamp: time.Now(),
				Attempts:  1,
			}
		}
		return res.conn, nil

	case <-dialCtx.Done():
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// supervise waits for the current connection generation to drop and rebuilds it
func (c *Client) supervise(events closeEvents) {
	defer c.wg.Done()

	for {
		var cause error
		select {
		case <-c.lifeCtx.Done():
			return
		case amqpErr, ok := <-events.conn:
			cause = closeCause("connection", amqpErr, ok)
		case amqpErr, ok := <-events.ch:
			cause = closeCause("channel", amqpErr, ok)
		}

		if c.lifeCtx.Err() != nil {
			return
		}

		delay := c.reconnect.NextDelay(0)
		c.markDisconnected(cause, delay)

		if err := c.sleeper.Sleep(c.lifeCtx, delay); err != nil {
			return
		}

		next, err := c.connectLoop(c.lifeCtx)
		if err != nil {
			return
		}
		c.logger.Info("successfully reconnected to RabbitMQ")
		events = next
	}
}

// markDisconnected drops the channel handle first so publishers fail fast,
// then releases whatever part of the old generation is still open
func (c *Client) markDisconnected(cause error, delay time.Duration) {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.conn, c.ch = nil, nil
	c.connected = false
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("RabbitMQ connection lost, reconnecting",
		"error", cause,
		"reconnectIn", delay)

	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}

	c.notifyDisconnected(cause)
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = state
}

// interrupted returns ErrClientClosed after Close, otherwise ctx.Err()
func (c *Client) interrupted(ctx context.Context) error {
	if c.lifeCtx.Err() != nil {
		return ErrClientClosed
	}
	return ctx.Err()
}

func closeCause(source string, amqpErr *amqp.Error, ok bool) error {
	if ok && amqpErr != nil {
		return fmt.Errorf("%s closed: %w", source, amqpErr)
	}
	return fmt.Errorf("%s closed", source)
}

// AddStateListener adds a connection state listener
func (c *Client) AddStateListener(listener ConnectionStateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.stateListeners = append(c.stateListeners, listener)
}

// notifyConnected notifies all listeners of successful connection
func (c *Client) notifyConnected() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (c *Client) notifyDisconnected(err error) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		listener.OnDisconnected(err)
	}
}

// notifyReconnecting notifies all listeners of reconnection attempt
func (c *Client) notifyReconnecting(attempt int) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.stateListeners {
		listener.OnReconnecting(attempt)
	}
}
