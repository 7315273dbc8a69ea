package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"basegraph.app/observer/common/id"
	"basegraph.app/observer/common/logger"
	"basegraph.app/observer/internal/enqueuer"
	"basegraph.app/observer/internal/model"
	"basegraph.app/observer/internal/store"
)

type StaleConfig struct {
	Interval        time.Duration
	Threshold       time.Duration
	FailedThreshold time.Duration
	BatchLimit      int
	RatePerSecond   float64 // <= 0 disables pacing
}

// PassResult summarizes the most recent scan pass.
type PassResult struct {
	ScanID     int64     `json:"scan_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Enqueued   int       `json:"enqueued"`
	Error      string    `json:"error,omitempty"`
}

// Stale periodically looks for analysis results that are too old (or that
// failed) and enqueues their packages with low priority.
type Stale struct {
	results  store.ResultStore
	enqueuer enqueuer.Enqueuer
	cfg      StaleConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *PassResult
}

func NewStale(results store.ResultStore, enq enqueuer.Enqueuer, cfg StaleConfig, logger *slog.Logger) *Stale {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailedThreshold <= 0 {
		cfg.FailedThreshold = cfg.Threshold
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Stale{
		results:  results,
		enqueuer: enq,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Stale) Name() string { return "stale" }

// LastPass returns the result of the most recent pass, or nil before the first.
func (s *Stale) LastPass() *PassResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	p := *s.last
	return &p
}

// Run scans immediately and then every Interval. Store failures skip the
// pass; only a fatal enqueue error or cancellation ends the loop.
func (s *Stale) Run(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "observer.stale"})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "stale observer started",
		"interval", s.cfg.Interval,
		"threshold", s.cfg.Threshold,
		"failed_threshold", s.cfg.FailedThreshold)

	for {
		if _, err := s.ScanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if enqueuer.IsFatal(err) {
				return err
			}
			s.logger.ErrorContext(ctx, "stale scan pass failed, retrying next cycle", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce runs a single pass and returns how many packages were enqueued.
func (s *Stale) ScanOnce(ctx context.Context) (int, error) {
	scanID := id.New()
	ctx = logger.WithLogFields(ctx, logger.LogFields{ScanID: logger.Ptr(scanID)})

	sc := logger.StartSpan(ctx, "stale.scan_pass")
	defer sc.End()
	ctx = sc.Context()

	started := s.now()
	query := model.StaleQuery{
		Before:       started.Add(-s.cfg.Threshold),
		FailedBefore: started.Add(-s.cfg.FailedThreshold),
		Limit:        s.cfg.BatchLimit,
	}

	enqueued, err := s.scan(ctx, query)
	sc.RecordError(err)

	result := &PassResult{
		ScanID:     scanID,
		StartedAt:  started,
		FinishedAt: s.now(),
		Enqueued:   enqueued,
	}
	if err != nil {
		result.Error = err.Error()
	}
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()

	if err == nil {
		s.logger.InfoContext(ctx, "stale scan pass complete",
			"enqueued", enqueued,
			"duration_ms", result.FinishedAt.Sub(started).Milliseconds())
	}
	return enqueued, err
}

func (s *Stale) scan(ctx context.Context, query model.StaleQuery) (int, error) {
	seen := make(map[string]struct{})
	enqueued := 0

	for candidate, err := range s.results.FindStale(ctx, query) {
		if err != nil {
			return enqueued, err
		}
		if _, dup := seen[candidate.Name]; dup || candidate.Name == "" {
			continue
		}
		seen[candidate.Name] = struct{}{}

		if err := s.limiter.Wait(ctx); err != nil {
			return enqueued, err
		}

		cctx := logger.WithLogFields(ctx, logger.LogFields{Package: logger.Ptr(candidate.Name)})
		if err := s.enqueuer.Enqueue(cctx, candidate.Name, model.PriorityLow); err != nil {
			return enqueued, err
		}
		enqueued++

		s.logger.DebugContext(cctx, "enqueued stale package",
			"last_processed_at", candidate.LastProcessedAt,
			"failed", candidate.Failed)
	}

	return enqueued, nil
}
