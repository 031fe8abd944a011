/*
store.go - Persistence interface for the ledger engine

PURPOSE:
  Defines the interface between the engine and the database. Handlers never
  touch a driver: they compose granular Store calls inside one WithTx so a
  multi-step write commits or rolls back as a unit.

KEY INTERFACES:
  Store:   Granular reads and writes per entity
  TxStore: Store plus WithTx for atomic multi-step writes

CONCURRENCY CONTRACT:
  - UpdateAccountBalances compares the caller's row version and fails with
    ErrStaleVersion when the row moved. The OCC processor retries on that.
  - ClaimQueueItem and UpdateQueueItem compare-and-set on lock_version so
    two workers can never both own a queue item.
  - AppendQueueError is append-only and never touches lock_version; it is
    safe to call mid-claim without invalidating the claim.

APPEND-ONLY TABLES:
  balance_history_entries, journal_events, and queue item error lists are
  never updated or deleted. Entry rewrites on a still-pending transaction
  replace the entry rows; their history rows remain as soft references.

IMPLEMENTATIONS:
  - store/memory.go: In-memory store for tests
  - store/sqlite: Embedded SQLite store
  - store/postgres: pgx-backed store for shared deployments

SEE ALSO:
  - multi.go: Step composition inside WithTx
  - queue.go: The state machine built on the queue primitives
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// READ MODELS
// =============================================================================

// CommandRecord pairs a command with its queue sidecar for read surfaces.
type CommandRecord struct {
	Command Command
	Queue   CommandQueueItem
}

// =============================================================================
// STORE
// =============================================================================

// Store is the persistence surface of the engine. All methods are safe for
// concurrent use. Writes inside a WithTx see their own uncommitted state.
type Store interface {
	// --- Instances ---

	// CreateInstance inserts a tenant. Address is unique; duplicates fail
	// with ErrDuplicateKey.
	CreateInstance(ctx context.Context, in Instance) error

	// InstanceByAddress resolves a tenant by its human-readable address.
	InstanceByAddress(ctx context.Context, address string) (Instance, error)

	// InstanceByID resolves a tenant by id.
	InstanceByID(ctx context.Context, id InstanceID) (Instance, error)

	// Instances lists all tenants ordered by address.
	Instances(ctx context.Context) ([]Instance, error)

	// --- Accounts ---

	// CreateAccount inserts an account. (instance_id, address) is unique;
	// duplicates fail with ErrDuplicateKey.
	CreateAccount(ctx context.Context, a Account) error

	// AccountByAddress resolves one account within an instance.
	AccountByAddress(ctx context.Context, instanceID InstanceID, address string) (Account, error)

	// AccountByID resolves one account by id.
	AccountByID(ctx context.Context, id AccountID) (Account, error)

	// AccountsByAddresses resolves a batch of addresses within an instance
	// in one query. Missing addresses are simply absent from the result;
	// the caller diagnoses which ones.
	AccountsByAddresses(ctx context.Context, instanceID InstanceID, addresses []string) ([]Account, error)

	// AccountsByIDs resolves a batch of accounts by id.
	AccountsByIDs(ctx context.Context, ids []AccountID) ([]Account, error)

	// Accounts lists an instance's accounts ordered by address.
	Accounts(ctx context.Context, instanceID InstanceID) ([]Account, error)

	// UpdateAccountBalances writes the account's balance buckets if and
	// only if the stored row_version equals expectedVersion, then bumps
	// the version. A moved row fails with ErrStaleVersion.
	UpdateAccountBalances(ctx context.Context, a Account, expectedVersion int64) error

	// UpdateAccountFields applies the mutable account fields (name,
	// description). Balance buckets and row_version are untouched.
	UpdateAccountFields(ctx context.Context, id AccountID, name, description string, now time.Time) error

	// --- Transactions ---

	// CreateTransaction inserts a transaction and its entries.
	CreateTransaction(ctx context.Context, t Transaction) error

	// TransactionByID loads a transaction with its entries.
	TransactionByID(ctx context.Context, id TransactionID) (Transaction, error)

	// Transactions lists an instance's transactions, newest first.
	Transactions(ctx context.Context, instanceID InstanceID, limit int) ([]Transaction, error)

	// UpdateTransaction writes the transaction's status. When
	// replaceEntries is set, the stored entry rows are replaced with
	// t.Entries; otherwise they are kept.
	UpdateTransaction(ctx context.Context, t Transaction, replaceEntries bool) error

	// TransactionByCommand resolves the transaction a processed command
	// produced, via its journal event's transaction links.
	TransactionByCommand(ctx context.Context, commandID CommandID) (Transaction, error)

	// --- Balance history ---

	// AppendBalanceHistory records one post-application balance snapshot.
	AppendBalanceHistory(ctx context.Context, h BalanceHistoryEntry) error

	// BalanceHistory lists an account's snapshots, oldest first.
	BalanceHistory(ctx context.Context, accountID AccountID, limit int) ([]BalanceHistoryEntry, error)

	// --- Commands ---

	// CreateCommand inserts the durable command row.
	CreateCommand(ctx context.Context, c Command) error

	// CommandByID loads one command.
	CommandByID(ctx context.Context, id CommandID) (Command, error)

	// CommandsByStatus lists an instance's commands joined with their
	// queue items, newest first. An empty status matches all.
	CommandsByStatus(ctx context.Context, instanceID InstanceID, status QueueStatus, limit int) ([]CommandRecord, error)

	// --- Queue items ---

	// CreateQueueItem inserts the processing sidecar for a command.
	CreateQueueItem(ctx context.Context, q CommandQueueItem) error

	// QueueItem loads the sidecar for one command.
	QueueItem(ctx context.Context, commandID CommandID) (CommandQueueItem, error)

	// ClaimQueueItem moves a claimable, due item to processing: one
	// compare-and-set on (status, lock_version) that stamps processorID
	// and processing_started_at and bumps lock_version. Returns the
	// updated item. Fails with ErrAlreadyClaimed when another processor
	// holds it, ErrNotClaimable when terminal or not yet due.
	ClaimQueueItem(ctx context.Context, commandID CommandID, processorID string, expectedLockVersion int64, now time.Time) (CommandQueueItem, error)

	// UpdateQueueItem writes status, retry_count, next_retry_after, and
	// the processing timestamps if and only if the stored lock_version
	// equals q.LockVersion, then bumps it. Returns the updated item. The
	// error list and occ_retry_count are never written here. A moved row
	// fails with ErrStaleVersion.
	UpdateQueueItem(ctx context.Context, q CommandQueueItem) (CommandQueueItem, error)

	// AppendQueueError appends one error record to the item's log,
	// optionally incrementing occ_retry_count. Never touches status or
	// lock_version.
	AppendQueueError(ctx context.Context, commandID CommandID, qe QueueError, incrementOCCRetry bool) error

	// DueQueueItems lists claimable items whose next_retry_after has
	// elapsed, oldest first.
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]CommandQueueItem, error)

	// StaleProcessing lists items stuck in processing since before cutoff.
	StaleProcessing(ctx context.Context, cutoff time.Time) ([]CommandQueueItem, error)

	// CountQueueByStatus returns item counts per status.
	CountQueueByStatus(ctx context.Context) (map[QueueStatus]int, error)

	// --- Idempotency ---

	// InsertIdempotencyKey records a request fingerprint. Duplicates fail
	// with ErrDuplicateIdempotencyKey.
	InsertIdempotencyKey(ctx context.Context, rec IdempotencyKeyRecord) error

	// --- Pending transaction lookups ---

	// InsertPendingLookup records the create-command pointer for a pending
	// transaction. Duplicates on (instance_id, source, source_idempk)
	// fail with ErrDuplicatePendingLookup.
	InsertPendingLookup(ctx context.Context, l PendingTransactionLookup) error

	// PendingLookup resolves a pointer; ErrNotFound when absent.
	PendingLookup(ctx context.Context, instanceID InstanceID, source, sourceIdempk string) (PendingTransactionLookup, error)

	// --- Journal events ---

	// AppendJournalEvent inserts an event and its account/transaction
	// link rows.
	AppendJournalEvent(ctx context.Context, ev JournalEvent) error

	// JournalEventByCommand resolves the event a processed command wrote.
	JournalEventByCommand(ctx context.Context, commandID CommandID) (JournalEvent, error)

	// JournalEvents lists an instance's events, newest first.
	JournalEvents(ctx context.Context, instanceID InstanceID, limit int) ([]JournalEvent, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
// Use this for every multi-step write: if fn returns an error the
// transaction rolls back, otherwise it commits.
type TxStore interface {
	Store

	// WithTx executes fn within one database transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}
