/*
queue.go - Command queue state machine

PURPOSE:
  Drives every CommandQueueItem through its lifecycle:

      pending ----claim----> processing ----success----> processed
      failed, occ_timeout --claim (after delay)--> processing
      processing --transient error--> failed
      processing --OCC exhaustion--> occ_timeout
      processing --permanent error--> dead_letter
      processing --dependency pending--> pending   (no retry count)

  processed and dead_letter are terminal. Claiming is a compare-and-set on
  (status, lock_version); two workers can never both own an item.

RETRY POLICY:
  Every failed/occ_timeout mark increments retry_count and schedules
  next_retry_after with exponential backoff and jitter. Crossing MaxRetries
  promotes to dead_letter. revert_to_pending schedules a plain base delay
  and leaves retry_count alone: waiting on a dependency is not a failure.

TRANSITION SCOPES:
  MarkProcessed joins the handler's atomic write (pass the transaction
  scope). Failure marks run after that write rolled back (pass the queue's
  base store). Claim and ReclaimStale always run standalone.

SEE ALSO:
  - store.go: The CAS primitives these transitions ride on
  - worker.go: The poll loop calling ClaimNextDue
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Queue owns the state machine policy around queue items.
type Queue struct {
	store TxStore
	cfg   Config
	clock Clock
}

// NewQueue builds a queue over the given store and policy.
func NewQueue(store TxStore, cfg Config, clock Clock) *Queue {
	return &Queue{store: store, cfg: cfg, clock: clock}
}

// Store exposes the underlying store for callers composing larger writes.
func (q *Queue) Store() TxStore { return q.store }

// NewQueueItem builds the pending sidecar for a freshly accepted command.
func NewQueueItem(commandID CommandID, now time.Time) CommandQueueItem {
	return CommandQueueItem{
		CommandID:  commandID,
		Status:     QueuePending,
		InsertedAt: now,
		UpdatedAt:  now,
	}
}

// =============================================================================
// CLAIMING
// =============================================================================

// Claim moves one queue item to processing on behalf of processorID.
// Returns ErrAlreadyClaimed when another processor holds it and
// ErrNotClaimable when the item is terminal or not yet due.
func (q *Queue) Claim(ctx context.Context, commandID CommandID, processorID string) (CommandQueueItem, error) {
	item, err := q.store.QueueItem(ctx, commandID)
	if err != nil {
		return CommandQueueItem{}, err
	}
	now := q.clock.Now()
	if err := claimableNow(item, now); err != nil {
		return CommandQueueItem{}, err
	}
	claimed, err := q.store.ClaimQueueItem(ctx, commandID, processorID, item.LockVersion, now)
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return CommandQueueItem{}, ErrAlreadyClaimed
		}
		return CommandQueueItem{}, err
	}
	return claimed, nil
}

// ClaimNextDue claims the oldest due queue item, racing fairly against
// other processors. Returns (nil, nil, nil) when nothing is due.
func (q *Queue) ClaimNextDue(ctx context.Context, processorID string) (*Command, *CommandQueueItem, error) {
	now := q.clock.Now()
	due, err := q.store.DueQueueItems(ctx, now, q.cfg.ClaimBatchSize)
	if err != nil {
		return nil, nil, err
	}
	for _, candidate := range due {
		claimed, err := q.store.ClaimQueueItem(ctx, candidate.CommandID, processorID, candidate.LockVersion, now)
		if err != nil {
			if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrStaleVersion) {
				continue // lost the race for this one
			}
			return nil, nil, err
		}
		cmd, err := q.store.CommandByID(ctx, claimed.CommandID)
		if err != nil {
			return nil, nil, err
		}
		return &cmd, &claimed, nil
	}
	return nil, nil, nil
}

// claimableNow checks status and retry delay against now.
func claimableNow(item CommandQueueItem, now time.Time) error {
	if item.Status == QueueProcessing {
		return ErrAlreadyClaimed
	}
	if !item.Status.Claimable() {
		return fmt.Errorf("%w: status %s is terminal", ErrNotClaimable, item.Status)
	}
	if item.NextRetryAfter != nil && item.NextRetryAfter.After(now) {
		return fmt.Errorf("%w: retry delay elapses at %s", ErrNotClaimable, item.NextRetryAfter.Format(time.RFC3339))
	}
	return nil
}

// =============================================================================
// TRANSITIONS OUT OF PROCESSING
// =============================================================================

// MarkProcessed finalizes a successfully handled item. Pass the handler's
// transaction scope as s so the mark commits atomically with the side
// effects it certifies.
func (q *Queue) MarkProcessed(ctx context.Context, s Store, item CommandQueueItem) (CommandQueueItem, error) {
	now := q.clock.Now()
	item.Status = QueueProcessed
	item.ProcessingCompletedAt = &now
	item.NextRetryAfter = nil
	item.UpdatedAt = now
	return s.UpdateQueueItem(ctx, item)
}

// MarkFailed records a failed attempt of the given kind (QueueFailed or
// QueueOCCTimeout), increments retry_count, and either schedules a retry
// or promotes to dead_letter once MaxRetries is crossed.
func (q *Queue) MarkFailed(ctx context.Context, s Store, item CommandQueueItem, reason string, kind QueueStatus) (CommandQueueItem, error) {
	if kind != QueueFailed && kind != QueueOCCTimeout {
		return CommandQueueItem{}, fmt.Errorf("mark failed: kind %s is not a failure status", kind)
	}
	now := q.clock.Now()
	if err := s.AppendQueueError(ctx, item.CommandID, QueueError{Message: reason, InsertedAt: now}, false); err != nil {
		return CommandQueueItem{}, err
	}

	item.RetryCount++
	item.UpdatedAt = now
	if item.RetryCount >= q.cfg.MaxRetries {
		item.Status = QueueDeadLetter
		item.NextRetryAfter = nil
		item.ProcessingCompletedAt = &now
		return s.UpdateQueueItem(ctx, item)
	}

	next := now.Add(q.backoffDelay(item.RetryCount))
	item.Status = kind
	item.NextRetryAfter = &next
	return s.UpdateQueueItem(ctx, item)
}

// MarkDeadLetter parks an item terminally, recording why.
func (q *Queue) MarkDeadLetter(ctx context.Context, s Store, item CommandQueueItem, reason string) (CommandQueueItem, error) {
	now := q.clock.Now()
	if err := s.AppendQueueError(ctx, item.CommandID, QueueError{Message: reason, InsertedAt: now}, false); err != nil {
		return CommandQueueItem{}, err
	}
	item.Status = QueueDeadLetter
	item.NextRetryAfter = nil
	item.ProcessingCompletedAt = &now
	item.UpdatedAt = now
	return s.UpdateQueueItem(ctx, item)
}

// RevertToPending puts an item back to pending with a plain base delay.
// Used when a dependency (the create behind an update) is not processed
// yet. Does not touch retry_count: waiting is not failing.
func (q *Queue) RevertToPending(ctx context.Context, s Store, item CommandQueueItem, reason string) (CommandQueueItem, error) {
	now := q.clock.Now()
	if err := s.AppendQueueError(ctx, item.CommandID, QueueError{Message: reason, InsertedAt: now}, false); err != nil {
		return CommandQueueItem{}, err
	}
	next := now.Add(q.cfg.RetryInterval())
	item.Status = QueuePending
	item.NextRetryAfter = &next
	item.UpdatedAt = now
	return s.UpdateQueueItem(ctx, item)
}

// =============================================================================
// RECLAIM
// =============================================================================

// ReclaimStale reverts items stuck in processing since before now-olderThan
// back to pending. The core never reclaims on its own; schedulers and
// operators call this. Items whose worker finished concurrently are skipped.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]CommandID, error) {
	now := q.clock.Now()
	cutoff := now.Add(-olderThan)
	stale, err := q.store.StaleProcessing(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var reclaimed []CommandID
	for _, item := range stale {
		reason := fmt.Sprintf("processing claim by %s reclaimed after %s", item.ProcessorID, olderThan)
		if _, err := q.RevertToPending(ctx, q.store, item, reason); err != nil {
			if errors.Is(err, ErrStaleVersion) {
				continue // the worker came back and moved it first
			}
			return reclaimed, err
		}
		reclaimed = append(reclaimed, item.CommandID)
	}
	return reclaimed, nil
}

// =============================================================================
// BACKOFF
// =============================================================================

// backoffDelay doubles the base interval per retry, caps it, and shaves a
// random jitter of up to 20% so synchronized failures spread out.
func (q *Queue) backoffDelay(retryCount int) time.Duration {
	d := q.cfg.RetryInterval()
	ceiling := q.cfg.MaxBackoff()
	for i := 0; i < retryCount && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d - jitter
}
