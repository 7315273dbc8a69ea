package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"basegraph.app/observer/core/config"
	"basegraph.app/observer/internal/changes"
	"basegraph.app/observer/internal/enqueuer"
	"basegraph.app/observer/internal/http/handler"
	"basegraph.app/observer/internal/http/middleware"
	httprouter "basegraph.app/observer/internal/http/router"
	"basegraph.app/observer/internal/observer"
	"basegraph.app/observer/internal/store"
	"basegraph.app/observer/internal/supervisor"
)

var defaultSeq int64

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Run the realtime and stale observers",
	Long: `Tail the registry change log from the persisted cursor and periodically
refresh stale analysis results. Both feed the same analysis queue.

The process exits with a non-zero status when the queue stays unreachable
after all retries, so a process manager can restart it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateRealtime(); err != nil {
			return err
		}
		return observe(cmd.Context(), cfg)
	},
}

func init() {
	observeCmd.Flags().Int64Var(&defaultSeq, "default-seq", 0, "change log sequence to start from when no cursor is persisted; overrides DEFAULT_SEQ")
}

func observe(parent context.Context, cfg config.Config) error {
	fmt.Printf("%s\n", banner)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	a.logger.InfoContext(ctx, "observer starting",
		"env", cfg.Env,
		"instance", a.instance,
		"changes_url", cfg.Realtime.ChangesURL,
		"stream", cfg.Queue.Stream)

	enq := a.enqueuer(enqueuer.WithOnFatal(func(err error) {
		a.logger.ErrorContext(ctx, "analysis queue unreachable, shutting down", "error", err)
	}))

	feed := changes.NewCouchFeed(cfg.Realtime.ChangesURL, cfg.Realtime.Heartbeat, &http.Client{})
	conn := a.database.Conn()

	realtime := observer.NewRealtime(
		feed,
		store.NewCursorStore(conn, cfg.Realtime.CursorName),
		enq,
		observer.RealtimeConfig{
			DefaultSeq:     cfg.Realtime.DefaultSeq,
			IgnorePrefixes: cfg.Realtime.IgnorePrefixes,
			Reconnect: enqueuer.RetryPolicy{
				MaxAttempts: cfg.Realtime.MaxReconnects,
				BaseDelay:   cfg.Realtime.ReconnectBaseDelay,
				MaxDelay:    cfg.Realtime.ReconnectMaxDelay,
				Multiplier:  2,
				Jitter:      0.2,
			},
		},
		a.logger,
	)

	stale := observer.NewStale(store.NewResultStore(conn), enq, observer.StaleConfig{
		Interval:        cfg.Stale.Interval,
		Threshold:       cfg.Stale.Threshold,
		FailedThreshold: cfg.Stale.FailedThreshold,
		BatchLimit:      cfg.Stale.BatchLimit,
		RatePerSecond:   cfg.Stale.RatePerSecond,
	}, a.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	status := handler.NewStatusHandler(realtime, stale, enq, a.producer)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(cfg, status),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		a.logger.InfoContext(ctx, "status server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.ErrorContext(ctx, "status server error", "error", err)
		}
	}()

	runErr := supervisor.New(enq, a.logger, realtime, stale).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.ErrorContext(shutdownCtx, "status server shutdown error", "error", err)
	}

	if runErr != nil {
		a.logger.ErrorContext(shutdownCtx, "observer stopped", "error", runErr, "cursor", realtime.Cursor())
		return runErr
	}
	a.logger.InfoContext(shutdownCtx, "observer shutdown complete", "cursor", realtime.Cursor())
	return nil
}

func setupRouter(cfg config.Config, status *handler.StatusHandler) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	httprouter.SetupRoutes(router, status)
	return router
}

const banner = `
  ___  _
 / _ \| |__  ___  ___ _ ____   _____ _ __
| | | | '_ \/ __|/ _ \ '__\ \ / / _ \ '__|
| |_| | |_) \__ \  __/ |   \ V /  __/ |
 \___/|_.__/|___/\___|_|    \_/ \___|_|
`
