/*
occ.go - Optimistic concurrency retry loop

PURPOSE:
  Account balance writes are versioned: a write whose row_version is stale
  fails with ErrStaleVersion and leaves no trace, because the whole
  multi-step transaction rolls back. This processor wraps such a unit of
  work and retries it, rebuilding from scratch each attempt so every retry
  re-reads fresh account rows.

WHY RETRY-AND-REBUILD INSTEAD OF LOCKING:
  Balances are contended across unrelated transactions; a lock held for a
  whole handler would serialize the ledger. Collisions are expected, cheap
  to detect, and cheap to retry.

PER-ATTEMPT BOOKKEEPING:
  Each collision appends a durable error record to the command's queue item
  and increments occ_retry_count, without transitioning status. The final
  collision surfaces OCCExhaustedError; the dispatcher decides whether that
  becomes an occ_timeout mark or a caller-visible error.

SEE ALSO:
  - queue.go: The occ_timeout transition taken on exhaustion
  - handler_transaction.go: The units of work being retried
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// UnitOfWork builds one attempt's multi from scratch. It must capture no
// state read on a previous attempt; all reads belong inside the steps.
type UnitOfWork func() *Multi

// OCCProcessor retries versioned writes on stale-version collisions.
type OCCProcessor struct {
	store  TxStore
	cfg    Config
	clock  Clock
	logger *zap.Logger
}

// NewOCCProcessor builds a processor over the given store and policy.
func NewOCCProcessor(store TxStore, cfg Config, clock Clock, logger *zap.Logger) *OCCProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OCCProcessor{store: store, cfg: cfg, clock: clock, logger: logger}
}

// Run executes the unit of work, retrying on stale-version collisions up
// to MaxOCCRetries attempts. When commandID is set, each collision is
// recorded durably on that command's queue item. Non-collision errors pass
// through untouched. Exhaustion returns *OCCExhaustedError.
func (p *OCCProcessor) Run(ctx context.Context, commandID CommandID, build UnitOfWork) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.OCCBackoffBase()
	bo.MaxInterval = 32 * p.cfg.OCCBackoffBase()
	bo.RandomizationFactor = 0.5
	bo.Reset()

	for attempt := 1; ; attempt++ {
		err := build().Run(ctx, p.store)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStaleVersion) {
			return err
		}

		occConflictsTotal.Inc()
		p.logger.Warn("occ collision, rebuilding unit of work",
			zap.String("command_id", string(commandID)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.cfg.MaxOCCRetries),
		)
		if commandID != "" {
			qe := QueueError{
				Message:    fmt.Sprintf("OCC conflict on attempt %d: %v", attempt, err),
				InsertedAt: p.clock.Now(),
			}
			if aerr := p.store.AppendQueueError(ctx, commandID, qe, true); aerr != nil {
				p.logger.Error("recording occ collision failed",
					zap.String("command_id", string(commandID)),
					zap.Error(aerr),
				)
			}
		}

		if attempt >= p.cfg.MaxOCCRetries {
			return &OCCExhaustedError{Retries: p.cfg.MaxOCCRetries}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}
