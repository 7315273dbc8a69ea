package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"basegraph.app/observer/common/logger"
)

// ErrProducerStopped is returned when a producer returns without error while
// the pipeline is still supposed to be running.
var ErrProducerStopped = errors.New("producer stopped unexpectedly")

// Producer is a long-running source of enqueue requests.
type Producer interface {
	Name() string
	Run(ctx context.Context) error
}

// FatalSignal reports when the shared enqueuer gave up on a request.
type FatalSignal interface {
	Fatal() <-chan struct{}
	Err() error
}

// Supervisor runs the producers concurrently against one shared enqueuer and
// tears all of them down as soon as one fails or the enqueuer signals fatal.
type Supervisor struct {
	producers []Producer
	fatal     FatalSignal
	logger    *slog.Logger
}

func New(fatal FatalSignal, logger *slog.Logger, producers ...Producer) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		producers: producers,
		fatal:     fatal,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled or the pipeline fails. A graceful
// shutdown returns nil; anything else is the first failure observed.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "supervisor"})

	g, gctx := errgroup.WithContext(ctx)

	for _, p := range s.producers {
		g.Go(func() error {
			s.logger.InfoContext(gctx, "producer starting", "producer", p.Name())

			err := p.Run(gctx)
			switch {
			case gctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)):
				s.logger.InfoContext(gctx, "producer stopped", "producer", p.Name())
				return nil
			case err == nil:
				err = ErrProducerStopped
			}

			s.logger.ErrorContext(gctx, "producer failed", "producer", p.Name(), "error", err)
			return fmt.Errorf("%s: %w", p.Name(), err)
		})
	}

	if s.fatal != nil {
		g.Go(func() error {
			select {
			case <-s.fatal.Fatal():
				err := s.fatal.Err()
				s.logger.ErrorContext(gctx, "enqueuer failed fatally, stopping pipeline", "error", err)
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		s.logger.InfoContext(ctx, "pipeline shut down")
	}
	return err
}

// ExitCode maps the result of Run to a process exit status.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
