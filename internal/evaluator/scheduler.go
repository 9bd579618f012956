package evaluator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fintrack/sentinel/internal/session"
	"github.com/fintrack/sentinel/internal/trust"
)

// Scheduler drives background re-scoring for sessions whose NextScoringAt
// elapsed without traffic. Quiet sessions still age, and their token-age
// score decays.
type Scheduler struct {
	evaluator  *Evaluator
	trustStore trust.Store
	interval   time.Duration
	batchSize  int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewScheduler creates the re-scoring worker. interval is typically ten
// seconds in production; batchSize bounds how many due sessions one pass
// touches.
func NewScheduler(evaluator *Evaluator, trustStore trust.Store, interval time.Duration, batchSize int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Scheduler{
		evaluator:  evaluator,
		trustStore: trustStore,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the scheduling loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs the scheduling loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduling loop to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
}

// safeSweep isolates one pass so a panic cannot kill the loop.
func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("rescore sweep panicked", "panic", rec)
		}
	}()

	now := time.Now().UTC()
	due, err := s.trustStore.ListScoringDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Warn("failed to list due sessions", "error", err)
		return
	}

	rescored := 0
	for _, ts := range due {
		if _, err := s.evaluator.Rescore(ctx, ts.SessionID); err != nil {
			// A session deleted out from under us is not an error worth
			// surfacing per tick.
			if errors.Is(err, session.ErrNotFound) || errors.Is(err, trust.ErrNotFound) {
				continue
			}
			s.logger.Warn("background rescore failed", "session", ts.SessionID, "error", err)
			continue
		}
		rescored++
	}
	if rescored > 0 {
		s.logger.Debug("background rescore pass", "due", len(due), "rescored", rescored)
	}
}
