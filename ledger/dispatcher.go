/*
dispatcher.go - Action routing and the two processing modes

PURPOSE:
  The dispatcher sits between the public engine API and the handlers. It
  owns three flows:

  Enqueue        validate, fingerprint, and durably record a command with a
                 pending queue item. One atomic write; nothing processed.
  Process        run a claimed command's unit of work under the OCC
                 processor and translate the outcome into a queue
                 transition (processed, failed, occ_timeout, dead_letter,
                 or revert to pending).
  ProcessNoSave  validate and process in one all-or-nothing transaction.
                 Any failure rolls everything back and comes back as an
                 input-shaped validation result; nothing is persisted.

OUTCOME TRANSLATION (Process):
  DependencyError, predecessor missing/dead  -> dead_letter
  DependencyError, predecessor in flight     -> revert to pending
  OCCExhaustedError                          -> occ_timeout mark
  PermanentError                             -> dead_letter
  anything else                              -> failed mark (retry cycle)

SEE ALSO:
  - engine.go: The public wrappers (Submit, SubmitSync, SubmitNoSave)
  - handler_transaction.go, handler_account.go: The routed builds
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Dispatcher routes validated commands to their handlers and drives queue
// transitions from handler outcomes.
type Dispatcher struct {
	store     TxStore
	queue     *Queue
	occ       *OCCProcessor
	keyer     *Keyer
	txns      *TransactionHandler
	accounts  *AccountHandler
	publisher Publisher
	clock     Clock
	logger    *zap.Logger
}

// NewDispatcher wires the dispatcher. publisher and logger may be nil.
func NewDispatcher(store TxStore, queue *Queue, occ *OCCProcessor, keyer *Keyer, publisher Publisher, clock Clock, logger *zap.Logger) *Dispatcher {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     store,
		queue:     queue,
		occ:       occ,
		keyer:     keyer,
		txns:      NewTransactionHandler(queue, clock),
		accounts:  NewAccountHandler(queue, clock),
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// NewCommand materializes the durable record for a validated map.
func NewCommand(instanceID InstanceID, m CommandMap, now time.Time) Command {
	return Command{
		ID:           CommandID(NewID()),
		InstanceID:   instanceID,
		Action:       m.Action,
		Source:       m.Source,
		SourceIdempk: m.SourceIdempk,
		UpdateIdempk: m.UpdateIdempk,
		UpdateSource: m.UpdateSource,
		Map:          m,
		InsertedAt:   now,
	}
}

// =============================================================================
// VALIDATION AND ENQUEUE
// =============================================================================

// validate runs structural checks and resolves the instance. Both modes
// reject here without persisting anything.
func (d *Dispatcher) validate(ctx context.Context, m CommandMap) (Instance, *ValidationError) {
	if verr := m.Validate(); verr != nil {
		return Instance{}, verr
	}
	inst, err := d.store.InstanceByAddress(ctx, m.InstanceAddress)
	if IsNotFound(err) {
		return Instance{}, NewValidationError("instance_address", "does not exist")
	}
	if err != nil {
		return Instance{}, NewValidationError("base", err.Error())
	}
	return inst, nil
}

// Enqueue validates and durably records a command without processing it.
// Returns an input-shaped ValidationError on rejection; on success the
// command sits pending for a worker.
func (d *Dispatcher) Enqueue(ctx context.Context, m CommandMap) (Command, error) {
	inst, verr := d.validate(ctx, m)
	if verr != nil {
		return Command{}, verr
	}

	now := d.clock.Now()
	cmd := NewCommand(inst.ID, m, now)
	item := NewQueueItem(cmd.ID, now)

	if err := d.enqueueMulti(cmd, item).Run(ctx, d.store); err != nil {
		d.logger.Debug("enqueue rejected",
			zap.String("source", cmd.Source),
			zap.String("source_idempk", cmd.SourceIdempk),
			zap.Error(err),
		)
		return Command{}, d.mapError(cmd.Action, err)
	}

	d.logger.Info("command enqueued",
		zap.String("command_id", string(cmd.ID)),
		zap.String("action", string(cmd.Action)),
		zap.String("source", cmd.Source),
	)
	return cmd, nil
}

// enqueueMulti builds the intake write: fingerprint, command row, pending
// queue item, and (for pending creates) the transaction lookup pointer.
func (d *Dispatcher) enqueueMulti(cmd Command, item CommandQueueItem) *Multi {
	m := NewMulti()
	m.Add(StepIdempotency, func(ctx context.Context, s Store) error {
		return s.InsertIdempotencyKey(ctx, d.keyer.Record(cmd.InstanceID, cmd.Map, d.clock))
	})
	m.Add(StepNewCommand, func(ctx context.Context, s Store) error {
		return s.CreateCommand(ctx, cmd)
	})
	m.Add(StepQueueItem, func(ctx context.Context, s Store) error {
		return s.CreateQueueItem(ctx, item)
	})
	if data, ok := cmd.Map.TransactionPayload(); ok &&
		cmd.Action == ActionCreateTransaction && data.Status == TransactionPending {
		m.Add(StepPendingLookup, func(ctx context.Context, s Store) error {
			return s.InsertPendingLookup(ctx, PendingTransactionLookup{
				ID:           NewID(),
				InstanceID:   cmd.InstanceID,
				Source:       cmd.Source,
				SourceIdempk: cmd.SourceIdempk,
				CommandID:    cmd.ID,
				InsertedAt:   item.InsertedAt,
			})
		})
	}
	return m
}

// =============================================================================
// PROCESS - claimed command to terminal-or-retry state
// =============================================================================

// Process runs a claimed command to a post-processing status. The returned
// item reflects the durable outcome; the error is non-nil only for
// infrastructure failures that prevented recording an outcome.
func (d *Dispatcher) Process(ctx context.Context, cmd Command, item CommandQueueItem) (CommandQueueItem, error) {
	started := time.Now()

	build, routeErr := d.route(cmd, item)
	if routeErr != nil {
		final, err := d.queue.MarkDeadLetter(ctx, d.store, item, routeErr.Error())
		if err != nil {
			return item, err
		}
		observeProcessed(cmd.Action, final.Status, time.Since(started))
		return final, nil
	}

	runErr := d.occ.Run(ctx, cmd.ID, build)
	if runErr == nil {
		final, err := d.store.QueueItem(ctx, cmd.ID)
		if err != nil {
			return item, err
		}
		observeProcessed(cmd.Action, final.Status, time.Since(started))
		d.publish(ctx, cmd)
		d.logger.Info("command processed",
			zap.String("command_id", string(cmd.ID)),
			zap.String("action", string(cmd.Action)),
		)
		return final, nil
	}

	final, err := d.settleFailure(ctx, cmd, item, runErr)
	if err != nil {
		return item, err
	}
	observeProcessed(cmd.Action, final.Status, time.Since(started))
	d.logger.Warn("command did not process",
		zap.String("command_id", string(cmd.ID)),
		zap.String("action", string(cmd.Action)),
		zap.String("status", string(final.Status)),
		zap.Error(runErr),
	)
	return final, nil
}

// settleFailure translates a handler error into the right queue transition.
func (d *Dispatcher) settleFailure(ctx context.Context, cmd Command, item CommandQueueItem, runErr error) (CommandQueueItem, error) {
	var depErr *DependencyError
	if errors.As(runErr, &depErr) {
		if depErr.PredecessorStatus == nil || *depErr.PredecessorStatus == QueueDeadLetter {
			return d.queue.MarkDeadLetter(ctx, d.store, item, depErr.Error())
		}
		return d.queue.RevertToPending(ctx, d.store, item, depErr.Error())
	}

	var occErr *OCCExhaustedError
	if errors.As(runErr, &occErr) {
		return d.queue.MarkFailed(ctx, d.store, item, occErr.Error(), QueueOCCTimeout)
	}

	var permErr *PermanentError
	if errors.As(runErr, &permErr) {
		return d.queue.MarkDeadLetter(ctx, d.store, item, permErr.Error())
	}

	return d.queue.MarkFailed(ctx, d.store, item, runErr.Error(), QueueFailed)
}

// route picks the handler build for an action.
func (d *Dispatcher) route(cmd Command, item CommandQueueItem) (UnitOfWork, error) {
	switch cmd.Action {
	case ActionCreateTransaction:
		return func() *Multi { return d.txns.BuildCreate(cmd, item) }, nil
	case ActionUpdateTransaction:
		return func() *Multi { return d.txns.BuildUpdate(cmd, item) }, nil
	case ActionCreateAccount:
		return func() *Multi { return d.accounts.BuildCreate(cmd, item) }, nil
	case ActionUpdateAccount:
		return func() *Multi { return d.accounts.BuildUpdate(cmd, item) }, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrActionNotSupported, cmd.Action)
}

// =============================================================================
// NO-SAVE MODE - all-or-nothing
// =============================================================================

// ProcessNoSave validates, records, and processes a command inside one
// transaction. Any failure rolls the whole write back and returns an
// input-shaped ValidationError; on success the persisted state is
// identical to the save path's.
func (d *Dispatcher) ProcessNoSave(ctx context.Context, m CommandMap) (Command, error) {
	inst, verr := d.validate(ctx, m)
	if verr != nil {
		return Command{}, verr
	}

	now := d.clock.Now()
	cmd := NewCommand(inst.ID, m, now)

	build, routeErr := d.routeNoSave(cmd)
	if routeErr != nil {
		return Command{}, d.mapError(cmd.Action, routeErr)
	}

	// Empty command id: collisions must not write to a queue item that the
	// rollback erases.
	if err := d.occ.Run(ctx, "", build); err != nil {
		return Command{}, d.mapError(cmd.Action, err)
	}

	d.publish(ctx, cmd)
	d.logger.Info("command processed without save-on-error",
		zap.String("command_id", string(cmd.ID)),
		zap.String("action", string(cmd.Action)),
	)
	return cmd, nil
}

// routeNoSave composes intake and handling into one build. The queue item
// is created pending and marked processed inside the same transaction.
func (d *Dispatcher) routeNoSave(cmd Command) (UnitOfWork, error) {
	item := NewQueueItem(cmd.ID, cmd.InsertedAt)
	handle, err := d.route(cmd, item)
	if err != nil {
		return nil, err
	}
	return func() *Multi {
		return d.enqueueMulti(cmd, item).Extend(handle())
	}, nil
}

// mapError folds a commit failure onto the input shape via the category's
// response handler.
func (d *Dispatcher) mapError(action Action, err error) error {
	return ResponseHandlerFor(CategoryFor(action)).MapError(action, err)
}

// publish hands the command's journal event to the publisher. Best-effort:
// failures are logged and never touch the command's status.
func (d *Dispatcher) publish(ctx context.Context, cmd Command) {
	ev, err := d.store.JournalEventByCommand(ctx, cmd.ID)
	if err != nil {
		d.logger.Error("loading journal event for publish failed",
			zap.String("command_id", string(cmd.ID)), zap.Error(err))
		return
	}
	if err := d.publisher.Publish(ctx, ev); err != nil {
		d.logger.Error("publishing journal event failed",
			zap.String("event_id", string(ev.ID)), zap.Error(err))
	}
}
