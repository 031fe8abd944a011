/*
Package ledger provides the core transactional engine of a double-entry
accounting ledger.

PURPOSE:
  Externally submitted commands (create/update account, create/update
  transaction) are validated, recorded durably, and driven through a worker
  queue to balanced ledger mutations. The engine guarantees idempotency per
  external request, optimistic concurrency control on account balances, and
  at-least-once retry semantics with dead-lettering.

KEY CONCEPTS IN THIS FILE (types.go):
  - Instance: A ledger tenant. Owns accounts, transactions, and commands.
  - Account: A balance-bearing ledger line with posted/pending debit and
    credit sides and a row version for OCC.
  - Transaction/Entry: An atomic balanced movement and its per-account legs.
  - Command/CommandQueueItem: The durable request record and its processing
    sidecar (status, retry counters, error log, lock version).
  - JournalEvent: Append-only record of each successful side effect.

DESIGN PRINCIPLES:
  1. Durability first: every accepted request becomes a Command before any
     ledger row is touched.
  2. Integer money: entry values are int64 minor units; display conversion
     happens at the edges (see currency.go).
  3. Versioned writes: accounts carry RowVersion; stale writes fail and are
     retried by the OCC processor.
  4. Append-only history: balance history and journal events are never
     updated or deleted.

SEE ALSO:
  - commandmap.go: External request shape and validation
  - queue.go: Queue item state machine and retry scheduling
  - engine.go: Public entry points (Submit, Process, workers)
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InstanceID string
type AccountID string
type TransactionID string
type EntryID string
type CommandID string
type EventID string

// NewID returns a fresh random identifier.
func NewID() string { return uuid.NewString() }

// =============================================================================
// ACCOUNT ENUMS - type and normal balance
// =============================================================================

type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity, AccountRevenue, AccountExpense:
		return true
	}
	return false
}

// NormalBalance says which side a positive balance sits on.
type NormalBalance string

const (
	NormalDebit  NormalBalance = "debit"
	NormalCredit NormalBalance = "credit"
)

// NormalBalanceFor derives the normal balance from the account type.
// Assets and expenses grow on the debit side; the rest on the credit side.
func NormalBalanceFor(t AccountType) NormalBalance {
	switch t {
	case AccountAsset, AccountExpense:
		return NormalDebit
	default:
		return NormalCredit
	}
}

// =============================================================================
// ENTRY SIDE - debit or credit
// =============================================================================

type EntrySide string

const (
	SideDebit  EntrySide = "debit"
	SideCredit EntrySide = "credit"
)

func (s EntrySide) Valid() bool { return s == SideDebit || s == SideCredit }

// Opposite returns the other side.
func (s EntrySide) Opposite() EntrySide {
	if s == SideDebit {
		return SideCredit
	}
	return SideDebit
}

// =============================================================================
// TRANSACTION STATUS
// =============================================================================

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "pending"
	TransactionPosted   TransactionStatus = "posted"
	TransactionArchived TransactionStatus = "archived"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionPending, TransactionPosted, TransactionArchived:
		return true
	}
	return false
}

// Terminal reports whether no further status change is permitted.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionPosted || s == TransactionArchived
}

// =============================================================================
// COMMAND ACTION AND CATEGORY
// =============================================================================

type Action string

const (
	ActionCreateTransaction Action = "create_transaction"
	ActionUpdateTransaction Action = "update_transaction"
	ActionCreateAccount     Action = "create_account"
	ActionUpdateAccount     Action = "update_account"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreateTransaction, ActionUpdateTransaction, ActionCreateAccount, ActionUpdateAccount:
		return true
	}
	return false
}

// IsUpdate reports whether the action targets an existing entity and
// therefore requires an update_idempk.
func (a Action) IsUpdate() bool {
	return a == ActionUpdateTransaction || a == ActionUpdateAccount
}

// Category groups actions by the entity they mutate.
type Category string

const (
	CategoryTransaction Category = "transaction"
	CategoryAccount     Category = "account"
)

// CategoryFor maps an action to its category. Unknown actions map to the
// empty category; the dispatcher rejects those with action_not_supported.
func CategoryFor(a Action) Category {
	switch a {
	case ActionCreateTransaction, ActionUpdateTransaction:
		return CategoryTransaction
	case ActionCreateAccount, ActionUpdateAccount:
		return CategoryAccount
	}
	return ""
}

// =============================================================================
// QUEUE STATUS
// =============================================================================

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueProcessed  QueueStatus = "processed"
	QueueFailed     QueueStatus = "failed"
	QueueOCCTimeout QueueStatus = "occ_timeout"
	QueueDeadLetter QueueStatus = "dead_letter"
)

// Terminal reports whether the queue item can never be claimed again.
func (s QueueStatus) Terminal() bool {
	return s == QueueProcessed || s == QueueDeadLetter
}

// Claimable reports whether a worker may move the item to processing,
// subject to next_retry_after.
func (s QueueStatus) Claimable() bool {
	return s == QueuePending || s == QueueFailed || s == QueueOCCTimeout
}

// =============================================================================
// ENTITIES
// =============================================================================

// Instance is a ledger tenant. It exclusively owns its accounts,
// transactions, and commands; it is never deleted while children exist.
type Instance struct {
	ID         InstanceID
	Address    string
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// BalanceSide holds the two sides of one balance bucket.
// Both values are non-negative minor units.
type BalanceSide struct {
	Debit  int64
	Credit int64
}

// Account is a balance-bearing ledger line. Posted and Pending each carry a
// debit and a credit side; Available is derived, never stored. RowVersion is
// the monotonic counter the OCC loop checks on every balance write.
type Account struct {
	ID            AccountID
	InstanceID    InstanceID
	Address       string
	Name          string
	Description   string
	Type          AccountType
	Currency      string
	NormalBalance NormalBalance
	Posted        BalanceSide
	Pending       BalanceSide
	RowVersion    int64
	InsertedAt    time.Time
	UpdatedAt     time.Time
}

// Transaction is an atomic balanced movement across two or more accounts.
type Transaction struct {
	ID         TransactionID
	InstanceID InstanceID
	Status     TransactionStatus
	Entries    []Entry
	InsertedAt time.Time
	UpdatedAt  time.Time
}

// Entry is a single leg of a transaction. Value is a non-negative integer in
// minor units; the sign lives in Side.
type Entry struct {
	ID            EntryID
	TransactionID TransactionID
	AccountID     AccountID
	Value         int64
	Currency      string
	Side          EntrySide
	InsertedAt    time.Time
}

// BalanceHistoryEntry is an append-only snapshot of an account's balances
// immediately after one entry was applied to it.
type BalanceHistoryEntry struct {
	ID         string
	EntryID    EntryID
	AccountID  AccountID
	Posted     BalanceSide
	Pending    BalanceSide
	Available  int64
	InsertedAt time.Time
}

// Command is the durable record of one external request. The embedded
// CommandMap is the verbatim validated input.
type Command struct {
	ID           CommandID
	InstanceID   InstanceID
	Action       Action
	Source       string
	SourceIdempk string
	UpdateIdempk string
	UpdateSource string
	Map          CommandMap
	InsertedAt   time.Time
}

// QueueError is one entry in a queue item's append-only error log.
type QueueError struct {
	Message    string    `json:"message"`
	InsertedAt time.Time `json:"inserted_at"`
}

// CommandQueueItem is the processing sidecar of a Command. RetryCount counts
// failed/occ_timeout cycles against MaxRetries; OCCRetryCount counts
// individual version collisions. LockVersion backs the claim compare-and-set.
type CommandQueueItem struct {
	CommandID             CommandID
	Status                QueueStatus
	RetryCount            int
	OCCRetryCount         int
	NextRetryAfter        *time.Time
	ProcessorID           string
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	Errors                []QueueError
	LockVersion           int64
	InsertedAt            time.Time
	UpdatedAt             time.Time
}

// IdempotencyKeyRecord enforces at-most-one Command per external request.
// KeyHash is the HMAC fingerprint (see idempotency.go); the store holds a
// unique index on (instance_id, key_hash).
type IdempotencyKeyRecord struct {
	ID          string
	InstanceID  InstanceID
	KeyHash     []byte
	FirstSeenAt time.Time
}

// PendingTransactionLookup lets an update command locate the create command
// of its still-pending transaction. Unique on (instance_id, source,
// source_idempk).
type PendingTransactionLookup struct {
	ID           string
	InstanceID   InstanceID
	Source       string
	SourceIdempk string
	CommandID    CommandID
	InsertedAt   time.Time
}

// JournalEvent is one append-only log row per successful side effect,
// carrying the originating command map for external consumers. Affected
// accounts and transactions hang off link rows.
type JournalEvent struct {
	ID             EventID
	InstanceID     InstanceID
	CommandID      CommandID
	Action         Action
	Source         string
	SourceIdempk   string
	Map            CommandMap
	AccountIDs     []AccountID
	TransactionIDs []TransactionID
	InsertedAt     time.Time
}
