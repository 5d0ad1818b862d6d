package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/glimte/wa-relay/internal/app"
	"github.com/glimte/wa-relay/internal/config"
	"github.com/glimte/wa-relay/internal/rabbitmq"
	"github.com/glimte/wa-relay/internal/telemetry"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile     string
		configPaths []string
	)

	rootCmd := &cobra.Command{
		Use:   "wa-relay",
		Short: "Relay WhatsApp webhooks into RabbitMQ",
		Long: `wa-relay receives WhatsApp Business webhooks, verifies their signature,
normalizes the message and publishes it to a durable RabbitMQ queue with
retries and an error queue fallback.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "Optional YAML config file(s), later files win")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPaths...)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
			telemetry.SetDefault(logger)

			app.Version = version
			relay, err := app.New(cfg, logger)
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
				return err
			}
			return nil
		},
	}

	var queuesTimeout time.Duration
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show depth and consumers of the main and error queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPaths...)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), queuesTimeout)
			defer cancel()

			client, err := rabbitmq.NewClient(cfg.Rabbit.URL,
				rabbitmq.Topology{MainQueue: cfg.Rabbit.QueueMain, ErrorQueue: cfg.Rabbit.QueueError},
				rabbitmq.WithLogger(telemetry.NewLogger("error", "text", cmd.ErrOrStderr())),
				rabbitmq.WithReconnectDelay(time.Second))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-30s %10s %10s\n", "QUEUE", "MESSAGES", "CONSUMERS")
			for _, name := range []string{cfg.Rabbit.QueueMain, cfg.Rabbit.QueueError} {
				stats, err := client.InspectQueue(ctx, name)
				if err != nil {
					return fmt.Errorf("failed to inspect %s: %w", name, err)
				}
				fmt.Fprintf(out, "%-30s %10d %10d\n", stats.Name, stats.Messages, stats.Consumers)
			}
			return nil
		},
	}
	queuesCmd.Flags().DurationVar(&queuesTimeout, "timeout", 10*time.Second, "Give up connecting after this long")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wa-relay %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildTime)
		},
	}

	rootCmd.AddCommand(serveCmd, queuesCmd, newSignCmd(), versionCmd)
	return rootCmd
}

// loadEnvFile loads path into the environment without overriding set variables.
// A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		slog.Warn("failed to load env file", "path", path, "error", err)
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
