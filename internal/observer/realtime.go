package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"basegraph.app/observer/common/logger"
	"basegraph.app/observer/internal/changes"
	"basegraph.app/observer/internal/enqueuer"
	"basegraph.app/observer/internal/model"
	"basegraph.app/observer/internal/store"
)

// ErrReconnectExhausted is returned when a bounded reconnect policy gave up.
var ErrReconnectExhausted = errors.New("change feed reconnect attempts exhausted")

type State string

const (
	StateInitializing State = "initializing"
	StateStreaming    State = "streaming"
	StateRecovering   State = "recovering"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

type RealtimeConfig struct {
	DefaultSeq     int64
	IgnorePrefixes []string
	Reconnect      enqueuer.RetryPolicy // MaxAttempts 0 = forever
}

// Realtime tails the registry change log from a persisted cursor and
// enqueues every relevant change with high priority. The cursor only moves
// past an event once its push confirmed, so a restart replays at most the
// events whose enqueue was in flight.
type Realtime struct {
	feed     changes.Feed
	cursors  store.CursorStore
	enqueuer enqueuer.Enqueuer
	cfg      RealtimeConfig
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	state State
	seq   int64
}

func NewRealtime(feed changes.Feed, cursors store.CursorStore, enq enqueuer.Enqueuer, cfg RealtimeConfig, logger *slog.Logger) *Realtime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		cfg.Reconnect.BaseDelay = time.Second
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		cfg.Reconnect.MaxDelay = cfg.Reconnect.BaseDelay
	}
	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = 2
	}
	return &Realtime{
		feed:     feed,
		cursors:  cursors,
		enqueuer: enq,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
		state:    StateInitializing,
		seq:      cfg.DefaultSeq,
	}
}

func (r *Realtime) Name() string { return "realtime" }

func (r *Realtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Cursor is the last sequence whose event was fully handled.
func (r *Realtime) Cursor() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

func (r *Realtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Realtime) setCursor(seq int64) {
	r.mu.Lock()
	r.seq = seq
	r.mu.Unlock()
}

// Run blocks until ctx is cancelled, an enqueue fails fatally, or a bounded
// reconnect policy is exhausted. Cancellation returns ctx.Err().
func (r *Realtime) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "observer.realtime"})

	seq, err := r.loadCursor(ctx)
	if err != nil {
		r.setState(StateStopped)
		return err
	}
	r.setCursor(seq)

	r.logger.InfoContext(ctx, "realtime observer started", "since", seq)

	b := r.cfg.Reconnect.NewBackOff()
	failures := 0

	for {
		delivered, err := r.stream(ctx)
		if ctx.Err() != nil {
			r.setState(StateStopped)
			return ctx.Err()
		}
		if enqueuer.IsFatal(err) {
			r.setState(StateStopped)
			return err
		}

		if delivered {
			b.Reset()
			failures = 0
		}
		failures++

		if r.cfg.Reconnect.MaxAttempts > 0 && failures > r.cfg.Reconnect.MaxAttempts {
			r.setState(StateFailed)
			r.logger.ErrorContext(ctx, "giving up on change feed", "attempts", failures-1, "error", err)
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}

		r.setState(StateRecovering)
		delay := b.NextBackOff()
		r.logger.WarnContext(ctx, "change feed interrupted, reconnecting",
			"since", r.Cursor(),
			"attempt", failures,
			"retry_in", delay,
			"error", err)

		if err := r.sleep(ctx, delay); err != nil {
			r.setState(StateStopped)
			return err
		}
	}
}

func (r *Realtime) loadCursor(ctx context.Context) (int64, error) {
	b := r.cfg.Reconnect.NewBackOff()
	for {
		seq, err := r.cursors.Load(ctx)
		if err == nil {
			return seq, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			r.logger.InfoContext(ctx, "no persisted cursor, using default", "default_seq", r.cfg.DefaultSeq)
			return r.cfg.DefaultSeq, nil
		}

		delay := b.NextBackOff()
		r.logger.WarnContext(ctx, "failed to load cursor, retrying", "retry_in", delay, "error", err)
		if err := r.sleep(ctx, delay); err != nil {
			return 0, err
		}
	}
}

// stream consumes one connection of the feed. delivered reports whether at
// least one event was handled, which resets the reconnect backoff.
func (r *Realtime) stream(ctx context.Context) (delivered bool, err error) {
	s, err := r.feed.Since(ctx, r.Cursor())
	if err != nil {
		return false, err
	}
	defer s.Close()

	r.setState(StateStreaming)

	for {
		ev, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return delivered, fmt.Errorf("change feed closed: %w", err)
			}
			return delivered, err
		}

		handled, err := r.handle(ctx, ev)
		if err != nil {
			return delivered, err
		}
		delivered = delivered || handled
	}
}

func (r *Realtime) handle(ctx context.Context, ev model.ChangeEvent) (bool, error) {
	current := r.Cursor()
	if ev.Seq <= current {
		// Redelivered or out of order, already covered by the cursor.
		return false, nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Seq:     logger.Ptr(ev.Seq),
		Package: logger.Ptr(ev.Name),
	})

	if r.relevant(ev) {
		if err := r.enqueuer.Enqueue(ctx, ev.Name, model.PriorityHigh); err != nil {
			return false, err
		}
		r.logger.DebugContext(ctx, "enqueued change", "kind", ev.Kind)
	}

	r.setCursor(ev.Seq)
	if err := r.cursors.Save(ctx, ev.Seq); err != nil {
		// The next successful save covers this one; a restart replays from the
		// last saved position, which is safe.
		r.logger.WarnContext(ctx, "failed to persist cursor", "error", err)
	}
	return true, nil
}

func (r *Realtime) relevant(ev model.ChangeEvent) bool {
	if ev.Name == "" {
		return false
	}
	for _, prefix := range r.cfg.IgnorePrefixes {
		if strings.HasPrefix(ev.Name, prefix) {
			return false
		}
	}
	return true
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
