// Package enqueuer pushes discovered packages into the analysis queue.
//
// A push that keeps failing after the configured attempts means the queue
// is unreachable. Buffering discoveries in memory would grow without bound
// and lose cursor consistency, so exhaustion is reported as a FatalError and
// the enqueuer raises its fatal signal for the supervisor to stop the process.
package enqueuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"basegraph.app/observer/common/logger"
	"basegraph.app/observer/internal/model"
	"basegraph.app/observer/internal/queue"
)

var (
	ErrInvalidName     = errors.New("package name must not be empty")
	ErrInvalidPriority = errors.New("unknown priority")
)

// FatalError reports that a push was retried MaxAttempts times without success.
type FatalError struct {
	Name     string
	Priority model.Priority
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pushing %q (%s) failed after %d attempts: %v", e.Name, e.Priority, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Enqueuer is what producers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, priority model.Priority) error
}

// Retrying wraps a queue.Pusher with bounded exponential-backoff retry.
// It is safe for concurrent use; calls from different producers are independent.
type Retrying struct {
	pusher queue.Pusher
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	fatalOnce sync.Once
	fatalCh   chan struct{}
	fatalErr  error
	onFatal   func(error)
}

type Option func(*Retrying)

// WithOnFatal registers a hook invoked once, when the first fatal error occurs.
func WithOnFatal(fn func(error)) Option {
	return func(r *Retrying) { r.onFatal = fn }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrying) { r.sleep = fn }
}

func New(pusher queue.Pusher, policy RetryPolicy, logger *slog.Logger, opts ...Option) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retrying{
		pusher:  pusher,
		policy:  policy.withDefaults(),
		logger:  logger,
		sleep:   sleepContext,
		fatalCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Fatal is closed once any Enqueue call exhausted its retries.
func (r *Retrying) Fatal() <-chan struct{} {
	return r.fatalCh
}

// Err returns the first fatal error, or nil if the signal has not fired.
func (r *Retrying) Err() error {
	select {
	case <-r.fatalCh:
		return r.fatalErr
	default:
		return nil
	}
}

// Enqueue pushes name with the given priority, retrying transient failures.
// It returns nil on success, a *FatalError on exhaustion, or the context
// error if ctx is cancelled while waiting between attempts.
func (r *Retrying) Enqueue(ctx context.Context, name string, priority model.Priority) error {
	if name == "" {
		return ErrInvalidName
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(priority))
	}
	if err := r.Err(); err != nil {
		return err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Package:  logger.Ptr(name),
		Priority: logger.Ptr(priority.String()),
	})

	b := r.policy.NewBackOff()
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = r.push(ctx, name, priority, attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.InfoContext(ctx, "package pushed after retries", "attempts", attempt)
			}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		r.logger.WarnContext(ctx, "push failed, retrying",
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"retry_in", delay,
			"error", lastErr)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	fatal := &FatalError{
		Name:     name,
		Priority: priority,
		Attempts: r.policy.MaxAttempts,
		Err:      lastErr,
	}
	r.raise(ctx, fatal)
	return fatal
}

func (r *Retrying) push(ctx context.Context, name string, priority model.Priority, attempt int) error {
	sc := logger.StartSpan(ctx, "enqueuer.push",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("package.name", name),
			attribute.String("queue.priority", priority.String()),
			attribute.Int("attempt", attempt),
		))
	defer sc.End()

	err := r.pusher.Push(sc.Context(), name, priority)
	sc.RecordError(err)
	return err
}

func (r *Retrying) raise(ctx context.Context, fatal *FatalError) {
	r.fatalOnce.Do(func() {
		r.fatalErr = fatal
		r.logger.ErrorContext(ctx, "too many failed attempts while pushing package into the queue",
			"attempts", fatal.Attempts,
			"error", fatal.Err)
		close(r.fatalCh)
		if r.onFatal != nil {
			r.onFatal(fatal)
		}
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
