package challenge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically finalizes pending challenges whose TTL elapsed.
// Expiry is also applied lazily on response; the sweeper covers sessions
// that never respond at all.
type Sweeper struct {
	orchestrator *Orchestrator
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

// NewSweeper creates an expiry sweep worker. interval is typically one
// minute in production.
func NewSweeper(orchestrator *Orchestrator, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		orchestrator: orchestrator,
		interval:     interval,
		batchSize:    100,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
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

// Stop signals the sweep loop to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
}

// safeSweep isolates one pass so a panic cannot kill the loop.
func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("challenge sweep panicked", "panic", rec)
		}
	}()

	n, err := s.orchestrator.ExpireOverdue(ctx, time.Now().UTC(), s.batchSize)
	if err != nil {
		s.logger.Warn("challenge sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("expired overdue challenges", "count", n)
	}
}
