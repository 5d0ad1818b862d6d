// Package app wires the relay together and runs it until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/glimte/wa-relay/delivery"
	"github.com/glimte/wa-relay/health"
	"github.com/glimte/wa-relay/internal/config"
	"github.com/glimte/wa-relay/internal/metrics"
	"github.com/glimte/wa-relay/internal/rabbitmq"
	"github.com/glimte/wa-relay/internal/reliability"
	"github.com/glimte/wa-relay/internal/server"
	"github.com/glimte/wa-relay/webhook"
)

// Version is set at build time
var Version = "dev"

// App owns the queue client and the HTTP server
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	client  *rabbitmq.Client
	server  *server.Server
}

// Option configures the App
type Option func(*options)

type options struct {
	dialer  rabbitmq.Dialer
	sleeper reliability.Sleeper
}

// WithDialer replaces the broker dialer
func WithDialer(d rabbitmq.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithSleeper replaces the wait used for reconnects and delivery retries
func WithSleeper(s reliability.Sleeper) Option {
	return func(o *options) {
		o.sleeper = s
	}
}

// New validates cfg and builds every component
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{dialer: rabbitmq.DialAMQP, sleeper: reliability.TimerSleeper}
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()

	client, err := rabbitmq.NewClient(cfg.Rabbit.URL,
		rabbitmq.Topology{MainQueue: cfg.Rabbit.QueueMain, ErrorQueue: cfg.Rabbit.QueueError},
		rabbitmq.WithLogger(logger.With("component", "rabbitmq")),
		rabbitmq.WithReconnectPolicy(reconnectPolicy(cfg)),
		rabbitmq.WithConnectTimeout(cfg.ConnectTimeout()),
		rabbitmq.WithDialer(o.dialer),
		rabbitmq.WithSleeper(o.sleeper),
		rabbitmq.WithStateListener(m),
	)
	if err != nil {
		return nil, err
	}

	coordinator := delivery.NewCoordinator(client, cfg.Rabbit.QueueMain, cfg.Rabbit.QueueError,
		delivery.WithMaxRetries(cfg.Delivery.MaxRetries),
		delivery.WithInitialDelay(cfg.InitialRetryDelay()),
		delivery.WithMaxDelay(cfg.MaxRetryDelay()),
		delivery.WithSleeper(o.sleeper),
		delivery.WithMetrics(m),
		delivery.WithLogger(logger.With("component", "delivery")),
	)

	var limiter *rate.Limiter
	if cfg.Webhook.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Webhook.RateLimitRPS), cfg.Webhook.RateLimitBurst)
	}

	hook := webhook.NewHandler(webhook.HandlerConfig{
		VerifyToken: cfg.Webhook.VerifyToken,
		AppSecret:   cfg.Webhook.AppSecret,
		BodyLimit:   cfg.Webhook.BodyLimitBytes,
		Deliverer:   coordinator,
		Gate:        client,
		Limiter:     limiter,
		Metrics:     m,
		Logger:      logger.With("component", "webhook"),
	})

	registry := health.NewRegistry()
	registry.SetMetadata("version", Version)
	registry.Register(health.NewRabbitMQChecker(client))
	registry.Register(health.NewQueueChecker(cfg.Rabbit.QueueMain, client, cfg.Rabbit.QueueWarningThreshold))
	registry.Register(health.NewQueueChecker(cfg.Rabbit.QueueError, client, cfg.Rabbit.QueueWarningThreshold))
	registry.Register(health.NewSecretChecker(cfg.Webhook.AppSecret))

	srv := server.New(cfg.Addr(), server.Dependencies{
		Webhook:       hook,
		Health:        registry,
		Metrics:       m,
		Logger:        logger,
		ShutdownGrace: cfg.ShutdownGrace(),
	})

	return &App{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		client:  client,
		server:  srv,
	}, nil
}

func reconnectPolicy(cfg *config.Config) reliability.BackoffPolicy {
	if cfg.Rabbit.ReconnectJitter {
		return reliability.NewJitteredDelay(cfg.ReconnectDelay())
	}
	return reliability.NewFixedDelay(cfg.ReconnectDelay())
}

// Run connects to the broker, then serves until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	return a.run(ctx, func(ctx context.Context) error {
		return a.server.Start(ctx)
	})
}

// Serve is Run on an existing listener
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	return a.run(ctx, func(ctx context.Context) error {
		return a.server.Serve(ctx, listener)
	})
}

// Client exposes the queue client
func (a *App) Client() *rabbitmq.Client {
	return a.client
}

func (a *App) run(ctx context.Context, serve func(context.Context) error) error {
	if a.cfg.Webhook.AppSecret == "" {
		a.logger.Warn("WHATSAPP_APP_SECRET is not set, webhook POSTs will be rejected with 500")
	}

	// Traffic is only accepted once the broker is reachable
	a.logger.Info("connecting to RabbitMQ", "url", rabbitmq.SanitizeURL(a.cfg.Rabbit.URL))
	if err := a.client.Connect(ctx); err != nil {
		a.shutdownClient()
		return fmt.Errorf("connecting to broker: %w", err)
	}

	// The broker outlives the server so that draining requests can still publish
	drained := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(drained)
		return serve(gctx)
	})
	g.Go(func() error {
		<-drained
		a.shutdownClient()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) shutdownClient() {
	if err := a.client.Close(); err != nil {
		a.logger.Error("error closing RabbitMQ client", "error", err)
	}
}
