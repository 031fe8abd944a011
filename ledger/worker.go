/*
worker.go - Background processing pool

PURPOSE:
  Drains the command queue with a pool of independent workers. Each worker
  loops: claim the oldest due item, run it to a post-processing status,
  repeat; when nothing is due it sleeps one poll interval. Workers share
  nothing but the store; claim contention is resolved by the queue's
  compare-and-set.

LIFECYCLE:
  pool := ledger.NewWorkerPool(engine, logger)
  pool.Start(ctx)
  ...
  pool.Stop()  // cancels the workers and waits for in-flight commands

  Stop does not interrupt a command mid-commit; the store transaction
  either lands or rolls back, and an unfinished claim is picked up by the
  stale-claim reaper.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerPool runs the engine's background processors.
type WorkerPool struct {
	engine   *Engine
	count    int
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewWorkerPool sizes a pool from the engine's config.
func NewWorkerPool(engine *Engine, logger *zap.Logger) *WorkerPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		engine:   engine,
		count:    engine.Config().WorkerCount,
		interval: engine.Config().PollInterval(),
		logger:   logger,
	}
}

// Start launches the workers. Calling Start on a running pool is an error.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	poolID := NewID()[:8]
	for i := 0; i < p.count; i++ {
		processorID := fmt.Sprintf("%s-worker-%d", poolID, i)
		g.Go(func() error {
			return p.run(gctx, processorID)
		})
	}
	g.Go(func() error {
		return p.reportDepth(gctx)
	})

	p.cancel = cancel
	p.group = g
	p.running = true
	p.logger.Info("worker pool started",
		zap.Int("workers", p.count),
		zap.Duration("poll_interval", p.interval),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight commands to settle.
func (p *WorkerPool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel, group := p.cancel, p.group
	p.running = false
	p.mu.Unlock()

	cancel()
	err := group.Wait()
	p.logger.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// run is one worker's loop.
func (p *WorkerPool) run(ctx context.Context, processorID string) error {
	for {
		cmd, item, err := p.engine.ProcessNext(ctx, processorID)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			p.logger.Error("processing failed",
				zap.String("processor_id", processorID),
				zap.Error(err),
			)
		case cmd == nil:
			// Nothing due; sleep one interval.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.interval):
			}
			continue
		default:
			p.logger.Debug("command settled",
				zap.String("processor_id", processorID),
				zap.String("command_id", string(cmd.ID)),
				zap.String("status", string(item.Status)),
			)
		}
	}
}

// reportDepth refreshes the queue depth gauges periodically.
func (p *WorkerPool) reportDepth(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.engine.QueueDepth(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("queue depth refresh failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce processes due commands until the queue has nothing claimable,
// then returns how many commands it settled. Intended for tests and
// one-shot tooling, not for the steady-state pool.
func (p *WorkerPool) DrainOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		cmd, _, err := p.engine.ProcessNext(ctx, "drain")
		if err != nil {
			return processed, err
		}
		if cmd == nil {
			return processed, nil
		}
		processed++
	}
}
