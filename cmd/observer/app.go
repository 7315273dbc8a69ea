package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"basegraph.app/observer/common/id"
	"basegraph.app/observer/common/logger"
	"basegraph.app/observer/common/otel"
	"basegraph.app/observer/core/config"
	"basegraph.app/observer/core/db"
	"basegraph.app/observer/internal/enqueuer"
	"basegraph.app/observer/internal/model"
	"basegraph.app/observer/internal/queue"
)

// app holds the process-wide dependencies every command shares.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *otel.Telemetry
	database  *db.DB
	producer  *queue.RedisProducer
	instance  string
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if f := cmd.Flags().Lookup("default-seq"); f != nil && f.Changed {
		cfg.Realtime.DefaultSeq = defaultSeq
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// bootstrap wires telemetry, logging, postgres and redis in that order.
// withQueue is false for commands that never push.
func bootstrap(ctx context.Context, cfg config.Config, withQueue bool) (*app, error) {
	instance := uuid.NewString()
	cfg.OTel.InstanceID = instance

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("initializing otel: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger.Setup(cfg),
		telemetry: telemetry,
		instance:  instance,
	}

	if telemetry != nil {
		a.logger.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	}

	if err := id.Init(cfg.NodeID); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("initializing snowflake id generator: %w", err)
	}

	a.database, err = db.New(ctx, cfg.DB)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := a.database.EnsureSchema(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.logger.InfoContext(ctx, "database connected")

	if withQueue {
		redisOpts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			a.close(ctx)
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}

		a.producer = queue.NewRedisProducer(redisClient, queue.ProducerConfig{
			Stream: cfg.Queue.Stream,
			MaxLen: cfg.Queue.MaxLen,
			Weights: map[model.Priority]int{
				model.PriorityHigh: cfg.Queue.HighPriority,
				model.PriorityLow:  cfg.Queue.LowPriority,
			},
			Origin: a.instance,
		}, a.logger)
		a.logger.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)
	}

	return a, nil
}

func (a *app) enqueuer(opts ...enqueuer.Option) *enqueuer.Retrying {
	return enqueuer.New(a.producer, enqueuer.RetryPolicy{
		MaxAttempts: a.cfg.Enqueue.MaxAttempts,
		BaseDelay:   a.cfg.Enqueue.BaseDelay,
		MaxDelay:    a.cfg.Enqueue.MaxDelay,
		Multiplier:  2,
		Jitter:      0.2,
	}, a.logger, opts...)
}

// close releases connections and flushes telemetry. It uses its own
// deadline so a cancelled run context still gets a chance to flush.
func (a *app) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.WarnContext(shutdownCtx, "redis close error", "error", err)
		}
	}
	if a.database != nil {
		a.database.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "otel shutdown error: %v\n", err)
		}
	}
}
