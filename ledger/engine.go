/*
engine.go - Public entry points

PURPOSE:
  The Engine is what callers hold: it owns the queue, the OCC processor,
  the dispatcher, and the store, and exposes the three submission modes
  plus the worker-facing processing calls.

SUBMISSION MODES:
  Submit        enqueue only; a worker processes later. The call returns
                as soon as the command is durably pending.
  SubmitSync    enqueue, then claim and process inline. Failures are
                recorded on the queue item exactly as a worker would.
  SubmitNoSave  all-or-nothing: validation or processing failure persists
                nothing and returns input-shaped errors.

EXAMPLE:
  engine, _ := ledger.NewEngine(store, ledger.DefaultConfig(), nil, nil, logger)
  cmd, err := engine.Submit(ctx, commandMap)
  var verr *ledger.ValidationError
  if errors.As(err, &verr) { ... verr.Errors ... }

SEE ALSO:
  - dispatcher.go: The flows behind these entry points
  - worker.go: The background pool draining the queue
*/
package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Engine is the core transactional engine: validated intake, durable
// queueing, and OCC-protected processing of ledger commands.
type Engine struct {
	store      TxStore
	cfg        Config
	clock      Clock
	queue      *Queue
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewEngine wires an engine over the given store. clock, publisher, and
// logger may be nil; they default to the system clock, a no-op publisher,
// and a no-op logger.
func NewEngine(store TxStore, cfg Config, clock Clock, publisher Publisher, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	queue := NewQueue(store, cfg, clock)
	occ := NewOCCProcessor(store, cfg, clock, logger)
	keyer := NewKeyer(cfg.IdempotencySecret)
	dispatcher := NewDispatcher(store, queue, occ, keyer, publisher, clock, logger)

	return &Engine{
		store:      store,
		cfg:        cfg,
		clock:      clock,
		queue:      queue,
		dispatcher: dispatcher,
		logger:     logger,
	}, nil
}

// Store exposes the engine's store for read surfaces.
func (e *Engine) Store() TxStore { return e.store }

// Queue exposes the queue for schedulers and tests.
func (e *Engine) Queue() *Queue { return e.queue }

// Config returns the engine's policy.
func (e *Engine) Config() Config { return e.cfg }

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit validates and enqueues a command for background processing.
func (e *Engine) Submit(ctx context.Context, m CommandMap) (Command, error) {
	return e.dispatcher.Enqueue(ctx, m)
}

// SubmitSync enqueues a command and processes it inline. The returned item
// carries the durable outcome; inspect its Status and Errors. When a
// background worker wins the claim race instead, the item reflects
// whatever state that worker left it in.
func (e *Engine) SubmitSync(ctx context.Context, m CommandMap) (Command, CommandQueueItem, error) {
	cmd, err := e.dispatcher.Enqueue(ctx, m)
	if err != nil {
		return Command{}, CommandQueueItem{}, err
	}

	item, err := e.queue.Claim(ctx, cmd.ID, "inline")
	if err != nil {
		if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNotClaimable) {
			current, readErr := e.store.QueueItem(ctx, cmd.ID)
			if readErr != nil {
				return cmd, CommandQueueItem{}, readErr
			}
			return cmd, current, nil
		}
		return cmd, CommandQueueItem{}, err
	}

	final, err := e.dispatcher.Process(ctx, cmd, item)
	return cmd, final, err
}

// SubmitNoSave validates and processes a command in one all-or-nothing
// transaction. Failures persist nothing and come back as ValidationError.
func (e *Engine) SubmitNoSave(ctx context.Context, m CommandMap) (Command, error) {
	return e.dispatcher.ProcessNoSave(ctx, m)
}

// =============================================================================
// WORKER-FACING PROCESSING
// =============================================================================

// Process claims one specific command and runs it to a post-processing
// status on behalf of processorID.
func (e *Engine) Process(ctx context.Context, commandID CommandID, processorID string) (CommandQueueItem, error) {
	item, err := e.queue.Claim(ctx, commandID, processorID)
	if err != nil {
		return CommandQueueItem{}, err
	}
	cmd, err := e.store.CommandByID(ctx, commandID)
	if err != nil {
		return item, err
	}
	return e.dispatcher.Process(ctx, cmd, item)
}

// ProcessNext claims and processes the oldest due command. Returns
// (nil, nil, nil) when nothing is due.
func (e *Engine) ProcessNext(ctx context.Context, processorID string) (*Command, *CommandQueueItem, error) {
	cmd, item, err := e.queue.ClaimNextDue(ctx, processorID)
	if err != nil || cmd == nil {
		return nil, nil, err
	}
	final, err := e.dispatcher.Process(ctx, *cmd, *item)
	if err != nil {
		return cmd, nil, err
	}
	return cmd, &final, nil
}

// ReclaimStale reverts abandoned processing claims to pending. Policy
// belongs to the caller; the engine only executes it.
func (e *Engine) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]CommandID, error) {
	reclaimed, err := e.queue.ReclaimStale(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		e.logger.Warn("reclaimed stale processing claims", zap.Int("count", len(reclaimed)))
	}
	return reclaimed, nil
}

// QueueDepth reports per-status queue counts and refreshes the depth
// gauges.
func (e *Engine) QueueDepth(ctx context.Context) (map[QueueStatus]int, error) {
	counts, err := e.store.CountQueueByStatus(ctx)
	if err != nil {
		return nil, err
	}
	observeQueueDepth(counts)
	return counts, nil
}
