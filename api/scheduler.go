/*
scheduler.go - Background runtime: worker pool and stale-claim reaper

PURPOSE:
  Drives the engine's background half. Starts the worker pool that drains
  the command queue, and periodically reclaims processing claims whose
  owner died mid-command so their items become claimable again.

DESIGN:
  - Worker pool lifecycle is delegated to ledger.WorkerPool
  - A ticker goroutine calls ReclaimStale every CheckInterval
  - Reclaimed command ids are logged; the next poll re-processes them
  - Safe to Start/Stop once each; Stop drains both halves

CONFIGURATION:
  - CheckInterval: How often to look for stale claims (default: half the
    configured staleness threshold)
  - Enabled: Whether the reaper ticks (default: StaleAfterMS > 0; the
    worker pool runs either way)

USAGE:
  sched := NewScheduler(engine, logger)
  sched.Start()
  // ... later
  sched.Stop()

SEE ALSO:
  - ledger/worker.go: The pool being run
  - handlers.go: ReclaimStale endpoint (manual reclaim)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/ledger"
)

// Scheduler runs the worker pool and the stale-claim reaper.
type Scheduler struct {
	Engine        *ledger.Engine
	CheckInterval time.Duration
	Enabled       bool

	logger  *zap.Logger
	workers *ledger.WorkerPool
	ticker  *time.Ticker
	stop    chan bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewScheduler creates a scheduler over the given engine. logger may be nil.
func NewScheduler(engine *ledger.Engine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	staleAfter := engine.Config().StaleAfter()
	interval := staleAfter / 2
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		Engine:        engine,
		CheckInterval: interval,
		Enabled:       staleAfter > 0,
		logger:        logger,
		workers:       ledger.NewWorkerPool(engine, logger),
		stop:          make(chan bool),
	}
}

// Start launches the worker pool and, when enabled, the reaper ticker.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.workers.Start(context.Background()); err != nil {
		return err
	}
	s.started = true

	if !s.Enabled {
		s.logger.Info("reaper disabled, workers only")
		return nil
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.logger.Info("scheduler started",
		zap.Duration("check_interval", s.CheckInterval),
		zap.Int("workers", s.Engine.Config().WorkerCount),
	)
	return nil
}

// Stop halts the reaper and drains the worker pool.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
	}
	s.started = false

	err := s.workers.Stop()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.checkAndReclaim()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndReclaim()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) checkAndReclaim() {
	ctx := context.Background()
	olderThan := s.Engine.Config().StaleAfter()
	if olderThan <= 0 {
		return
	}

	ids, err := s.Engine.ReclaimStale(ctx, olderThan)
	if err != nil {
		s.logger.Error("stale claim reclaim failed", zap.Error(err))
		return
	}
	if len(ids) > 0 {
		reclaimed := make([]string, 0, len(ids))
		for _, id := range ids {
			reclaimed = append(reclaimed, string(id))
		}
		s.logger.Warn("reclaimed stale processing claims",
			zap.Strings("command_ids", reclaimed),
		)
	}
}

// RunNow triggers an immediate reclaim pass (for testing/admin).
func (s *Scheduler) RunNow() {
	s.checkAndReclaim()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *Scheduler) GetNextRunTime() time.Time {
	return time.Now().Add(s.CheckInterval)
}
