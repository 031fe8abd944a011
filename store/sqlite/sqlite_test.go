/*
sqlite_test.go - SQLite store against the shared contract

PURPOSE:
  Exercises the SQL representation of the store contract on an in-memory
  database: unique indexes, RowsAffected version guards, JSON columns for
  the command map and queue error log, link tables, and real transaction
  rollback. Pure contract behavior is pinned in ledger/store.
*/
package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// FIXTURES
// =============================================================================

var sqlEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestStore opens an in-memory database with the schema applied and one
// instance seeded. Foreign keys are on, so parents always go in first.
func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateInstance(context.Background(), ledger.Instance{
		ID: "inst-1", Address: "acme", InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch,
	}))
	return s
}

func sqlAccount(id ledger.AccountID, address string) ledger.Account {
	return ledger.Account{
		ID:            id,
		InstanceID:    "inst-1",
		Address:       address,
		Name:          "Test account",
		Type:          ledger.AccountAsset,
		Currency:      "USD",
		NormalBalance: ledger.NormalDebit,
		InsertedAt:    sqlEpoch,
		UpdatedAt:     sqlEpoch,
	}
}

func sqlCommand(id ledger.CommandID, at time.Time) ledger.Command {
	return ledger.Command{
		ID:           id,
		InstanceID:   "inst-1",
		Action:       ledger.ActionCreateTransaction,
		Source:       "pos",
		SourceIdempk: string(id),
		Map: ledger.CommandMap{
			Action:          ledger.ActionCreateTransaction,
			InstanceAddress: "acme",
			Source:          "pos",
			SourceIdempk:    string(id),
		},
		InsertedAt: at,
	}
}

func seedQueuedCommand(t *testing.T, s *sqlite.Store, id ledger.CommandID, at time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateCommand(ctx, sqlCommand(id, at)))
	require.NoError(t, s.CreateQueueItem(ctx, ledger.NewQueueItem(id, at)))
}

// =============================================================================
// INSTANCES AND ACCOUNTS
// =============================================================================

func TestStore_Instances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, ledger.Instance{ID: "inst-2", Address: "globex", InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch}))

	err := s.CreateInstance(ctx, ledger.Instance{ID: "inst-3", Address: "acme", InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch})
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)

	in, err := s.InstanceByAddress(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, ledger.InstanceID("inst-2"), in.ID)
	assert.WithinDuration(t, sqlEpoch, in.InsertedAt, time.Second)

	_, err = s.InstanceByAddress(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrInstanceNotFound)
	_, err = s.InstanceByID(ctx, "inst-99")
	assert.ErrorIs(t, err, ledger.ErrInstanceNotFound)

	all, err := s.Instances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].Address)
	assert.Equal(t, "globex", all[1].Address)
}

func TestStore_Accounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// description stays empty through the nullable column
	a := sqlAccount("acct-1", "assets:cash")
	a.Description = ""
	require.NoError(t, s.CreateAccount(ctx, a))

	got, err := s.AccountByAddress(ctx, "inst-1", "assets:cash")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountID("acct-1"), got.ID)
	assert.Equal(t, "Test account", got.Name)
	assert.Empty(t, got.Description)
	assert.Equal(t, ledger.NormalDebit, got.NormalBalance)
	assert.Zero(t, got.RowVersion)

	// unique on (instance_id, address)
	err = s.CreateAccount(ctx, sqlAccount("acct-2", "assets:cash"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)

	// same address under another instance is a different row
	require.NoError(t, s.CreateInstance(ctx, ledger.Instance{ID: "inst-2", Address: "globex", InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch}))
	other := sqlAccount("acct-3", "assets:cash")
	other.InstanceID = "inst-2"
	require.NoError(t, s.CreateAccount(ctx, other))

	_, err = s.AccountByID(ctx, "acct-99")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	byAddr, err := s.AccountsByAddresses(ctx, "inst-1", []string{"assets:cash", "ghost:one"})
	require.NoError(t, err)
	require.Len(t, byAddr, 1)

	all, err := s.Accounts(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestStore_UpdateAccountBalances_VersionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, sqlAccount("acct-1", "assets:cash")))

	moved := sqlAccount("acct-1", "assets:cash")
	moved.Posted = ledger.BalanceSide{Debit: 500}
	moved.UpdatedAt = sqlEpoch.Add(time.Minute)

	// wrong version: rejected without touching the row
	assert.ErrorIs(t, s.UpdateAccountBalances(ctx, moved, 3), ledger.ErrStaleVersion)
	got, err := s.AccountByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, got.Posted.Debit)

	// matching version: balances land, version advances in the database
	require.NoError(t, s.UpdateAccountBalances(ctx, moved, 0))
	got, err = s.AccountByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Posted.Debit)
	assert.Equal(t, int64(1), got.RowVersion)

	missing := sqlAccount("acct-99", "assets:other")
	assert.ErrorIs(t, s.UpdateAccountBalances(ctx, missing, 0), ledger.ErrAccountNotFound)
}

func TestStore_UpdateAccountFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, sqlAccount("acct-1", "assets:cash")))

	require.NoError(t, s.UpdateAccountFields(ctx, "acct-1", "Cash drawer", "Front desk", sqlEpoch.Add(time.Hour)))

	got, err := s.AccountByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "Cash drawer", got.Name)
	assert.Equal(t, "Front desk", got.Description)

	assert.ErrorIs(t, s.UpdateAccountFields(ctx, "acct-99", "x", "y", sqlEpoch), ledger.ErrAccountNotFound)
}

// =============================================================================
// TRANSACTIONS AND ENTRIES
// =============================================================================

func seedEntryAccounts(t *testing.T, s *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, sqlAccount("acct-a", "assets:cash")))
	require.NoError(t, s.CreateAccount(ctx, sqlAccount("acct-b", "revenue:sales")))
}

func TestStore_TransactionWithEntriesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntryAccounts(t, s)

	txn := ledger.Transaction{
		ID:         "txn-1",
		InstanceID: "inst-1",
		Status:     ledger.TransactionPending,
		Entries: []ledger.Entry{
			ledger.NewEntry("txn-1", "acct-a", 1500, "USD", ledger.SideDebit, sqlEpoch),
			ledger.NewEntry("txn-1", "acct-b", 1500, "USD", ledger.SideCredit, sqlEpoch),
		},
		InsertedAt: sqlEpoch,
		UpdatedAt:  sqlEpoch,
	}
	require.NoError(t, s.CreateTransaction(ctx, txn))

	got, err := s.TransactionByID(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionPending, got.Status)
	require.Len(t, got.Entries, 2)
	// entries come back in insertion order
	assert.Equal(t, ledger.AccountID("acct-a"), got.Entries[0].AccountID)
	assert.Equal(t, ledger.SideDebit, got.Entries[0].Side)
	assert.Equal(t, int64(1500), got.Entries[0].Value)
	assert.Equal(t, ledger.AccountID("acct-b"), got.Entries[1].AccountID)

	_, err = s.TransactionByID(ctx, "txn-99")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestStore_UpdateTransaction_ReplaceEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedEntryAccounts(t, s)

	txn := ledger.Transaction{
		ID:         "txn-1",
		InstanceID: "inst-1",
		Status:     ledger.TransactionPending,
		Entries: []ledger.Entry{
			ledger.NewEntry("txn-1", "acct-a", 1000, "USD", ledger.SideDebit, sqlEpoch),
			ledger.NewEntry("txn-1", "acct-b", 1000, "USD", ledger.SideCredit, sqlEpoch),
		},
		InsertedAt: sqlEpoch,
		UpdatedAt:  sqlEpoch,
	}
	require.NoError(t, s.CreateTransaction(ctx, txn))

	// status-only write keeps the entry rows
	posted := txn
	posted.Status = ledger.TransactionPosted
	posted.UpdatedAt = sqlEpoch.Add(time.Minute)
	require.NoError(t, s.UpdateTransaction(ctx, posted, false))

	got, err := s.TransactionByID(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionPosted, got.Status)
	assert.Len(t, got.Entries, 2)

	// replaceEntries deletes and reinserts the legs
	replaced := got
	replaced.Entries = []ledger.Entry{
		ledger.NewEntry("txn-1", "acct-a", 700, "USD", ledger.SideDebit, sqlEpoch),
		ledger.NewEntry("txn-1", "acct-b", 700, "USD", ledger.SideCredit, sqlEpoch),
	}
	require.NoError(t, s.UpdateTransaction(ctx, replaced, true))

	got, err = s.TransactionByID(ctx, "txn-1")
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, int64(700), got.Entries[0].Value)

	missing := ledger.Transaction{ID: "txn-99", Status: ledger.TransactionPosted, UpdatedAt: sqlEpoch}
	assert.ErrorIs(t, s.UpdateTransaction(ctx, missing, false), ledger.ErrTransactionNotFound)
}

func TestStore_Transactions_NewestFirstWithLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []ledger.TransactionID{"txn-1", "txn-2", "txn-3"} {
		require.NoError(t, s.CreateTransaction(ctx, ledger.Transaction{
			ID: id, InstanceID: "inst-1", Status: ledger.TransactionPending,
			InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch,
		}))
	}

	out, err := s.Transactions(ctx, "inst-1", 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, ledger.TransactionID("txn-3"), out[0].ID)

	out, err = s.Transactions(ctx, "inst-1", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestStore_CommandMapSurvivesJSONColumn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cmd := sqlCommand("cmd-1", sqlEpoch)
	cmd.Map.Payload = ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: 1500, Currency: "USD"},
			{AccountAddress: "revenue:sales", Amount: -1500, Currency: "USD"},
		},
	}
	require.NoError(t, s.CreateCommand(ctx, cmd))

	got, err := s.CommandByID(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionCreateTransaction, got.Action)
	assert.Equal(t, "pos", got.Source)
	assert.Equal(t, "cmd-1", got.SourceIdempk)

	// the payload union decodes back to its typed form
	payload, ok := got.Map.TransactionPayload()
	require.True(t, ok)
	assert.Equal(t, ledger.TransactionPosted, payload.Status)
	require.Len(t, payload.Entries, 2)
	assert.Equal(t, int64(-1500), payload.Entries[1].Amount)

	_, err = s.CommandByID(ctx, "cmd-99")
	assert.ErrorIs(t, err, ledger.ErrCommandNotFound)
}

func TestStore_CommandsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)
	seedQueuedCommand(t, s, "cmd-2", sqlEpoch.Add(time.Second))

	item, err := s.QueueItem(ctx, "cmd-2")
	require.NoError(t, err)
	item.Status = ledger.QueueDeadLetter
	item.UpdatedAt = sqlEpoch.Add(time.Minute)
	_, err = s.UpdateQueueItem(ctx, item)
	require.NoError(t, err)

	all, err := s.CommandsByStatus(ctx, "inst-1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, ledger.CommandID("cmd-2"), all[0].Command.ID)
	assert.Equal(t, ledger.QueueDeadLetter, all[0].Queue.Status)

	pending, err := s.CommandsByStatus(ctx, "inst-1", ledger.QueuePending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ledger.CommandID("cmd-1"), pending[0].Command.ID)
}

// =============================================================================
// QUEUE ITEMS
// =============================================================================

func TestStore_ClaimQueueItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)
	now := sqlEpoch.Add(time.Minute)

	got, err := s.ClaimQueueItem(ctx, "cmd-1", "worker-1", 0, now)
	require.NoError(t, err)
	assert.Equal(t, ledger.QueueProcessing, got.Status)
	assert.Equal(t, "worker-1", got.ProcessorID)
	require.NotNil(t, got.ProcessingStartedAt)
	assert.WithinDuration(t, now, *got.ProcessingStartedAt, time.Second)
	assert.Equal(t, int64(1), got.LockVersion)

	_, err = s.ClaimQueueItem(ctx, "cmd-1", "worker-2", 1, now)
	assert.ErrorIs(t, err, ledger.ErrAlreadyClaimed)

	_, err = s.ClaimQueueItem(ctx, "cmd-99", "worker-1", 0, now)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_ClaimQueueItem_RespectsRetryWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)

	item, err := s.QueueItem(ctx, "cmd-1")
	require.NoError(t, err)
	item.Status = ledger.QueueFailed
	after := sqlEpoch.Add(time.Hour)
	item.NextRetryAfter = &after
	item.UpdatedAt = sqlEpoch
	_, err = s.UpdateQueueItem(ctx, item)
	require.NoError(t, err)

	_, err = s.ClaimQueueItem(ctx, "cmd-1", "worker-1", 1, sqlEpoch.Add(time.Minute))
	assert.ErrorIs(t, err, ledger.ErrNotClaimable)

	claimed, err := s.ClaimQueueItem(ctx, "cmd-1", "worker-1", 1, after.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ledger.QueueProcessing, claimed.Status)
}

func TestStore_UpdateQueueItem_VersionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)

	item, err := s.QueueItem(ctx, "cmd-1")
	require.NoError(t, err)
	item.Status = ledger.QueueFailed
	item.RetryCount = 1
	after := sqlEpoch.Add(2 * time.Second)
	item.NextRetryAfter = &after
	item.UpdatedAt = sqlEpoch.Add(time.Second)

	updated, err := s.UpdateQueueItem(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ledger.QueueFailed, updated.Status)
	require.NotNil(t, updated.NextRetryAfter)
	assert.WithinDuration(t, after, *updated.NextRetryAfter, time.Second)
	assert.Equal(t, int64(1), updated.LockVersion)

	_, err = s.UpdateQueueItem(ctx, item)
	assert.ErrorIs(t, err, ledger.ErrStaleVersion)

	_, err = s.UpdateQueueItem(ctx, ledger.NewQueueItem("cmd-99", sqlEpoch))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_AppendQueueError_JSONLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)

	require.NoError(t, s.AppendQueueError(ctx, "cmd-1",
		ledger.QueueError{Message: "boom", InsertedAt: sqlEpoch.Add(time.Second)}, false))
	require.NoError(t, s.AppendQueueError(ctx, "cmd-1",
		ledger.QueueError{Message: "OCC conflict on attempt 1", InsertedAt: sqlEpoch.Add(2 * time.Second)}, true))

	item, err := s.QueueItem(ctx, "cmd-1")
	require.NoError(t, err)
	require.Len(t, item.Errors, 2)
	assert.Equal(t, "boom", item.Errors[0].Message)
	assert.Equal(t, "OCC conflict on attempt 1", item.Errors[1].Message)
	assert.Equal(t, 1, item.OCCRetryCount)
	// the log write must not consume the claim version
	assert.Zero(t, item.LockVersion)

	// and a later guarded update keeps the recorded log
	item.Status = ledger.QueueProcessed
	item.UpdatedAt = sqlEpoch.Add(3 * time.Second)
	updated, err := s.UpdateQueueItem(ctx, item)
	require.NoError(t, err)
	require.Len(t, updated.Errors, 2)
	assert.Equal(t, 1, updated.OCCRetryCount)

	assert.ErrorIs(t, s.AppendQueueError(ctx, "cmd-99", ledger.QueueError{Message: "x", InsertedAt: sqlEpoch}, false), ledger.ErrNotFound)
}

func TestStore_DueQueueItems_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := sqlEpoch.Add(time.Minute)

	// two pending items due since insertion, tie broken by command id
	seedQueuedCommand(t, s, "cmd-b", sqlEpoch)
	seedQueuedCommand(t, s, "cmd-a", sqlEpoch)

	// a failed item due ten seconds in
	seedQueuedCommand(t, s, "cmd-retry", sqlEpoch)
	item, err := s.QueueItem(ctx, "cmd-retry")
	require.NoError(t, err)
	item.Status = ledger.QueueFailed
	after := sqlEpoch.Add(10 * time.Second)
	item.NextRetryAfter = &after
	item.UpdatedAt = sqlEpoch
	_, err = s.UpdateQueueItem(ctx, item)
	require.NoError(t, err)

	// not yet due
	seedQueuedCommand(t, s, "cmd-future", sqlEpoch)
	item, err = s.QueueItem(ctx, "cmd-future")
	require.NoError(t, err)
	item.Status = ledger.QueueOCCTimeout
	later := now.Add(time.Hour)
	item.NextRetryAfter = &later
	item.UpdatedAt = sqlEpoch
	_, err = s.UpdateQueueItem(ctx, item)
	require.NoError(t, err)

	// already claimed
	seedQueuedCommand(t, s, "cmd-claimed", sqlEpoch)
	_, err = s.ClaimQueueItem(ctx, "cmd-claimed", "worker-1", 0, now)
	require.NoError(t, err)

	due, err := s.DueQueueItems(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, ledger.CommandID("cmd-a"), due[0].CommandID)
	assert.Equal(t, ledger.CommandID("cmd-b"), due[1].CommandID)
	assert.Equal(t, ledger.CommandID("cmd-retry"), due[2].CommandID)

	limited, err := s.DueQueueItems(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ledger.CommandID("cmd-a"), limited[0].CommandID)
}

func TestStore_StaleProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-stuck", sqlEpoch)
	seedQueuedCommand(t, s, "cmd-fresh", sqlEpoch)

	_, err := s.ClaimQueueItem(ctx, "cmd-stuck", "worker-dead", 0, sqlEpoch)
	require.NoError(t, err)
	_, err = s.ClaimQueueItem(ctx, "cmd-fresh", "worker-live", 0, sqlEpoch.Add(time.Hour))
	require.NoError(t, err)

	stale, err := s.StaleProcessing(ctx, sqlEpoch.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, ledger.CommandID("cmd-stuck"), stale[0].CommandID)
	assert.Equal(t, "worker-dead", stale[0].ProcessorID)
}

func TestStore_CountQueueByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)
	seedQueuedCommand(t, s, "cmd-2", sqlEpoch)
	_, err := s.ClaimQueueItem(ctx, "cmd-2", "worker-1", 0, sqlEpoch)
	require.NoError(t, err)

	counts, err := s.CountQueueByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ledger.QueuePending])
	assert.Equal(t, 1, counts[ledger.QueueProcessing])
}

// =============================================================================
// IDEMPOTENCY KEYS AND PENDING LOOKUPS
// =============================================================================

func TestStore_IdempotencyKeys_UniquePerInstanceHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash := []byte{0x01, 0x02, 0x03}

	require.NoError(t, s.InsertIdempotencyKey(ctx, ledger.IdempotencyKeyRecord{
		ID: "idem-1", InstanceID: "inst-1", KeyHash: hash, FirstSeenAt: sqlEpoch,
	}))

	err := s.InsertIdempotencyKey(ctx, ledger.IdempotencyKeyRecord{
		ID: "idem-2", InstanceID: "inst-1", KeyHash: hash, FirstSeenAt: sqlEpoch,
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	require.NoError(t, s.CreateInstance(ctx, ledger.Instance{ID: "inst-2", Address: "globex", InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch}))
	require.NoError(t, s.InsertIdempotencyKey(ctx, ledger.IdempotencyKeyRecord{
		ID: "idem-3", InstanceID: "inst-2", KeyHash: hash, FirstSeenAt: sqlEpoch,
	}))
}

func TestStore_PendingLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)

	l := ledger.PendingTransactionLookup{
		ID: "pl-1", InstanceID: "inst-1", Source: "pos",
		SourceIdempk: "sale-001", CommandID: "cmd-1", InsertedAt: sqlEpoch,
	}
	require.NoError(t, s.InsertPendingLookup(ctx, l))

	dup := l
	dup.ID = "pl-2"
	assert.ErrorIs(t, s.InsertPendingLookup(ctx, dup), ledger.ErrDuplicatePendingLookup)

	got, err := s.PendingLookup(ctx, "inst-1", "pos", "sale-001")
	require.NoError(t, err)
	assert.Equal(t, ledger.CommandID("cmd-1"), got.CommandID)

	_, err = s.PendingLookup(ctx, "inst-1", "gateway", "sale-001")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// JOURNAL EVENTS
// =============================================================================

func TestStore_JournalEvents_LinkTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)
	require.NoError(t, s.CreateTransaction(ctx, ledger.Transaction{
		ID: "txn-1", InstanceID: "inst-1", Status: ledger.TransactionPosted,
		InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch,
	}))

	cmd := sqlCommand("cmd-1", sqlEpoch)
	ev := ledger.NewJournalEvent(cmd,
		[]ledger.AccountID{"acct-a", "acct-b"}, []ledger.TransactionID{"txn-1"}, sqlEpoch)
	require.NoError(t, s.AppendJournalEvent(ctx, ev))

	got, err := s.JournalEventByCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	// links come back in recorded order
	assert.Equal(t, []ledger.AccountID{"acct-a", "acct-b"}, got.AccountIDs)
	assert.Equal(t, []ledger.TransactionID{"txn-1"}, got.TransactionIDs)
	assert.Equal(t, "pos", got.Map.Source)

	// and the command resolves to its transaction through the link table
	txn, err := s.TransactionByCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionID("txn-1"), txn.ID)

	_, err = s.JournalEventByCommand(ctx, "cmd-99")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = s.TransactionByCommand(ctx, "cmd-99")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestStore_JournalEvents_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)
	seedQueuedCommand(t, s, "cmd-2", sqlEpoch.Add(time.Second))

	require.NoError(t, s.AppendJournalEvent(ctx,
		ledger.NewJournalEvent(sqlCommand("cmd-1", sqlEpoch), []ledger.AccountID{"acct-a"}, nil, sqlEpoch)))
	require.NoError(t, s.AppendJournalEvent(ctx,
		ledger.NewJournalEvent(sqlCommand("cmd-2", sqlEpoch), []ledger.AccountID{"acct-b"}, nil, sqlEpoch.Add(time.Second))))

	feed, err := s.JournalEvents(ctx, "inst-1", 0)
	require.NoError(t, err)
	require.Len(t, feed, 2)
	assert.Equal(t, ledger.CommandID("cmd-2"), feed[0].CommandID)

	feed, err = s.JournalEvents(ctx, "inst-1", 1)
	require.NoError(t, err)
	require.Len(t, feed, 1)
}

// =============================================================================
// TRANSACTIONAL WRAPPER AND RESET
// =============================================================================

func TestStore_WithTx_CommitsOnSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.CreateAccount(ctx, sqlAccount("acct-1", "assets:cash")); err != nil {
			return err
		}
		return tx.CreateCommand(ctx, sqlCommand("cmd-1", sqlEpoch))
	})
	require.NoError(t, err)

	_, err = s.AccountByID(ctx, "acct-1")
	assert.NoError(t, err)
	_, err = s.CommandByID(ctx, "cmd-1")
	assert.NoError(t, err)
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, sqlAccount("acct-1", "assets:cash")))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		moved := sqlAccount("acct-1", "assets:cash")
		moved.Posted = ledger.BalanceSide{Debit: 777}
		moved.UpdatedAt = sqlEpoch.Add(time.Minute)
		if err := tx.UpdateAccountBalances(ctx, moved, 0); err != nil {
			return err
		}
		if err := tx.CreateAccount(ctx, sqlAccount("acct-2", "assets:vault")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.AccountByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, got.Posted.Debit)
	assert.Zero(t, got.RowVersion)
	_, err = s.AccountByID(ctx, "acct-2")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, sqlAccount("acct-1", "assets:cash")))
	seedQueuedCommand(t, s, "cmd-1", sqlEpoch)

	require.NoError(t, s.Reset(ctx))

	all, err := s.Instances(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	counts, err := s.CountQueueByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	// the schema is intact for fresh writes
	require.NoError(t, s.CreateInstance(ctx, ledger.Instance{ID: "inst-1", Address: "acme", InsertedAt: sqlEpoch, UpdatedAt: sqlEpoch}))
}