/*
worker_test.go - Worker pool drain and lifecycle

PURPOSE:
  Exercises the background pool over the in-memory store: one-shot
  draining, exactly-once settlement under contending workers, and the
  start/stop lifecycle guards.

SEE ALSO:
  - worker.go: The pool under test
  - engine_test.go: Fixture and command map helpers
*/
package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

func TestWorkerPool_DrainOnce_SettlesEverythingDue(t *testing.T) {
	f := newEngineFixture(t, ledger.DefaultConfig())
	ctx := context.Background()

	// GIVEN three enqueued sales
	for _, idempk := range []string{"sale-001", "sale-002", "sale-003"} {
		_, err := f.engine.Submit(ctx, saleMap(idempk, ledger.TransactionPosted, 100))
		require.NoError(t, err)
	}

	// WHEN draining once
	pool := ledger.NewWorkerPool(f.engine, nil)
	n, err := pool.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// THEN every command settled and each sale booked exactly once
	counts, err := f.mem.CountQueueByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[ledger.QueueProcessed])
	assert.Zero(t, counts[ledger.QueuePending])
	assert.Equal(t, int64(300), f.account(t, "acct-cash").Posted.Debit)

	// AND a second drain finds nothing due
	n, err = pool.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkerPool_DrainOnce_SkipsItemsWaitingOnRetryBackoff(t *testing.T) {
	f := newEngineFixture(t, ledger.DefaultConfig())
	ctx := context.Background()

	// GIVEN one good command and one that fails validation
	_, err := f.engine.Submit(ctx, saleMap("sale-001", ledger.TransactionPosted, 100))
	require.NoError(t, err)
	bad := saleMap("sale-bad", ledger.TransactionPosted, 100)
	payload, _ := bad.TransactionPayload()
	payload.Entries[0].AccountAddress = "ghost:cash"
	bad.Payload = payload
	badCmd, err := f.engine.Submit(ctx, bad)
	require.NoError(t, err)

	// WHEN draining
	pool := ledger.NewWorkerPool(f.engine, nil)
	n, err := pool.DrainOnce(ctx)
	require.NoError(t, err)

	// THEN both were attempted, but the failed one now waits out its
	// backoff window and is not re-claimed within the same drain
	assert.Equal(t, 2, n)
	item := f.queueItem(t, badCmd.ID)
	assert.Equal(t, ledger.QueueFailed, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.NextRetryAfter)
}

func TestWorkerPool_StartStop(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.PollIntervalMS = 10
	cfg.WorkerCount = 4
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	// GIVEN five enqueued sales
	for _, idempk := range []string{"sale-001", "sale-002", "sale-003", "sale-004", "sale-005"} {
		_, err := f.engine.Submit(ctx, saleMap(idempk, ledger.TransactionPosted, 100))
		require.NoError(t, err)
	}

	// WHEN running the pool
	pool := ledger.NewWorkerPool(f.engine, nil)
	require.NoError(t, pool.Start(ctx))
	assert.Error(t, pool.Start(ctx), "a running pool must reject a second start")

	require.Eventually(t, func() bool {
		counts, err := f.mem.CountQueueByStatus(ctx)
		return err == nil && counts[ledger.QueueProcessed] == 5
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Stop())
	require.NoError(t, pool.Stop(), "stopping a stopped pool is a no-op")

	// THEN contending workers settled each command exactly once
	assert.Equal(t, int64(500), f.account(t, "acct-cash").Posted.Debit)
	assert.Equal(t, int64(500), f.account(t, "acct-sales").Posted.Credit)
}
