/*
Package sqlite provides a SQLite-backed implementation of the ledger storage
interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences (see
  store/postgres).

INTERFACES IMPLEMENTED:
  ledger.Store:   Granular reads and writes per entity
  ledger.TxStore: Store plus WithTx for atomic multi-step writes

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on balance_history_entries,
    journal_events, or the event link tables
  - Queue item error logs grow via read-modify-write of errors_json under
    the store mutex; no error is ever rewritten or dropped
  - The only entry rewrite is the pending-transaction case, which replaces
    the entry rows wholesale inside the caller's transaction

KEY TABLES:
  instances:                   Ledger tenants
  accounts:                    Balance rows with row_version for OCC
  transactions / entries:      Balanced movements and their legs
  balance_history_entries:     Post-application balance snapshots
  commands / command_queue_items: Durable requests and their processing state
  idempotency_keys:            Request fingerprints, unique per instance
  pending_transaction_lookups: Create-command pointers for pending updates
  journal_events + link tables: Append-only effect log

VERSIONED WRITES:
  UpdateAccountBalances and the queue item writes guard with
  "WHERE ... AND <version> = ?" and report ErrStaleVersion (or
  ErrAlreadyClaimed for claims) when zero rows move. This is what the OCC
  retry loop keys off.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within one process; WithTx holds the
  write lock for the whole transaction so SQLite sees one writer at a time.
  The version guards above keep multi-process deployments correct.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := ledger.NewEngine(store, cfg, ledger.SystemClock{}, nil, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: pgx-backed implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/ledger-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Tenants
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		address TEXT NOT NULL UNIQUE,
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Balance-bearing ledger lines; row_version backs the OCC loop
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		address TEXT NOT NULL,
		name TEXT,
		description TEXT,
		type TEXT NOT NULL,
		currency TEXT NOT NULL,
		normal_balance TEXT NOT NULL,
		posted_debit INTEGER NOT NULL DEFAULT 0,
		posted_credit INTEGER NOT NULL DEFAULT 0,
		pending_debit INTEGER NOT NULL DEFAULT 0,
		pending_credit INTEGER NOT NULL DEFAULT 0,
		row_version INTEGER NOT NULL DEFAULT 0,
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- One address per account within an instance
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_instance_address
		ON accounts(instance_id, address);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		status TEXT NOT NULL,
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_instance
		ON transactions(instance_id);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		account_id TEXT NOT NULL REFERENCES accounts(id),
		value INTEGER NOT NULL,
		currency TEXT NOT NULL,
		side TEXT NOT NULL,
		inserted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_transaction
		ON entries(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON entries(account_id);

	-- Append-only balance snapshots; entry rows may be replaced on pending
	-- rewrites, so entry_id is a soft reference
	CREATE TABLE IF NOT EXISTS balance_history_entries (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		posted_debit INTEGER NOT NULL,
		posted_credit INTEGER NOT NULL,
		pending_debit INTEGER NOT NULL,
		pending_credit INTEGER NOT NULL,
		available INTEGER NOT NULL,
		inserted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_balance_history_account
		ON balance_history_entries(account_id);

	-- Durable request records; map_json is the verbatim validated input
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		action TEXT NOT NULL,
		source TEXT NOT NULL,
		source_idempk TEXT NOT NULL,
		update_idempk TEXT,
		update_source TEXT,
		map_json TEXT NOT NULL,
		inserted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_instance
		ON commands(instance_id);

	-- Processing sidecar; lock_version backs the claim compare-and-set
	CREATE TABLE IF NOT EXISTS command_queue_items (
		command_id TEXT PRIMARY KEY REFERENCES commands(id),
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		occ_retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_after TEXT,
		processor_id TEXT,
		processing_started_at TEXT,
		processing_completed_at TEXT,
		errors_json TEXT NOT NULL DEFAULT '[]',
		lock_version INTEGER NOT NULL DEFAULT 0,
		inserted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status_due
		ON command_queue_items(status, next_retry_after);

	-- CRITICAL: enforce at-most-one command per external request
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		key_hash BLOB NOT NULL,
		first_seen_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_instance_hash
		ON idempotency_keys(instance_id, key_hash);

	-- Create-command pointers for updates of still-pending transactions
	CREATE TABLE IF NOT EXISTS pending_transaction_lookups (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		source TEXT NOT NULL,
		source_idempk TEXT NOT NULL,
		command_id TEXT NOT NULL REFERENCES commands(id),
		inserted_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_lookup_key
		ON pending_transaction_lookups(instance_id, source, source_idempk);

	-- Append-only effect log; one event per processed command
	CREATE TABLE IF NOT EXISTS journal_events (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL REFERENCES instances(id),
		command_id TEXT NOT NULL UNIQUE REFERENCES commands(id),
		action TEXT NOT NULL,
		source TEXT NOT NULL,
		source_idempk TEXT NOT NULL,
		map_json TEXT NOT NULL,
		inserted_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS event_account_links (
		event_id TEXT NOT NULL REFERENCES journal_events(id),
		account_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (event_id, position)
	);

	CREATE TABLE IF NOT EXISTS event_transaction_links (
		event_id TEXT NOT NULL REFERENCES journal_events(id),
		transaction_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (event_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_event_tx_links_transaction
		ON event_transaction_links(transaction_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is the subset of *sql.DB and *sql.Tx the query helpers run against.
// Every helper takes one so the same code serves plain calls and WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// INSTANCES
// =============================================================================

// CreateInstance inserts a tenant. Duplicate addresses fail with
// ledger.ErrDuplicateKey.
func (s *Store) CreateInstance(ctx context.Context, in ledger.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createInstance(ctx, s.db, in)
}

func (s *Store) createInstance(ctx context.Context, db dbtx, in ledger.Instance) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO instances (id, address, inserted_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		string(in.ID), in.Address, fmtTime(in.InsertedAt), fmtTime(in.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (s *Store) InstanceByAddress(ctx context.Context, address string) (ledger.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.instanceByAddress(ctx, s.db, address)
}

func (s *Store) instanceByAddress(ctx context.Context, db dbtx, address string) (ledger.Instance, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, address, inserted_at, updated_at
		FROM instances WHERE address = ?`, address)
	return scanInstance(row)
}

func (s *Store) InstanceByID(ctx context.Context, id ledger.InstanceID) (ledger.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.instanceByID(ctx, s.db, id)
}

func (s *Store) instanceByID(ctx context.Context, db dbtx, id ledger.InstanceID) (ledger.Instance, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, address, inserted_at, updated_at
		FROM instances WHERE id = ?`, string(id))
	return scanInstance(row)
}

func scanInstance(row *sql.Row) (ledger.Instance, error) {
	var (
		in                    ledger.Instance
		insertedAt, updatedAt string
	)
	err := row.Scan(&in.ID, &in.Address, &insertedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return ledger.Instance{}, ledger.ErrInstanceNotFound
	}
	if err != nil {
		return ledger.Instance{}, fmt.Errorf("failed to scan instance: %w", err)
	}
	in.InsertedAt = parseTime(insertedAt)
	in.UpdatedAt = parseTime(updatedAt)
	return in, nil
}

func (s *Store) Instances(ctx context.Context) ([]ledger.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.instances(ctx, s.db)
}

func (s *Store) instances(ctx context.Context, db dbtx) ([]ledger.Instance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, address, inserted_at, updated_at
		FROM instances ORDER BY address ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Instance
	for rows.Next() {
		var (
			in                    ledger.Instance
			insertedAt, updatedAt string
		)
		if err := rows.Scan(&in.ID, &in.Address, &insertedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		in.InsertedAt = parseTime(insertedAt)
		in.UpdatedAt = parseTime(updatedAt)
		out = append(out, in)
	}
	return out, rows.Err()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, instance_id, address, name, description, type, currency,
	normal_balance, posted_debit, posted_credit, pending_debit, pending_credit,
	row_version, inserted_at, updated_at`

// CreateAccount inserts an account. Duplicate (instance_id, address) pairs
// fail with ledger.ErrDuplicateKey.
func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createAccount(ctx, s.db, a)
}

func (s *Store) createAccount(ctx context.Context, db dbtx, a ledger.Account) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts
		(id, instance_id, address, name, description, type, currency, normal_balance,
		 posted_debit, posted_credit, pending_debit, pending_credit, row_version,
		 inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.InstanceID), a.Address,
		nullString(a.Name), nullString(a.Description),
		string(a.Type), a.Currency, string(a.NormalBalance),
		a.Posted.Debit, a.Posted.Credit, a.Pending.Debit, a.Pending.Credit,
		a.RowVersion, fmtTime(a.InsertedAt), fmtTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *Store) AccountByAddress(ctx context.Context, instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accountByAddress(ctx, s.db, instanceID, address)
}

func (s *Store) accountByAddress(ctx context.Context, db dbtx, instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	accounts, err := s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts
		WHERE instance_id = ? AND address = ?`, string(instanceID), address)
	if err != nil {
		return ledger.Account{}, err
	}
	if len(accounts) == 0 {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return accounts[0], nil
}

func (s *Store) AccountByID(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accountByID(ctx, s.db, id)
}

func (s *Store) accountByID(ctx context.Context, db dbtx, id ledger.AccountID) (ledger.Account, error) {
	accounts, err := s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts WHERE id = ?`, string(id))
	if err != nil {
		return ledger.Account{}, err
	}
	if len(accounts) == 0 {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return accounts[0], nil
}

// AccountsByAddresses resolves a batch of addresses. Missing addresses are
// absent from the result; the transformer diagnoses which ones.
func (s *Store) AccountsByAddresses(ctx context.Context, instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accountsByAddresses(ctx, s.db, instanceID, addresses)
}

func (s *Store) accountsByAddresses(ctx context.Context, db dbtx, instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(addresses)-1) + "?"
	args := make([]any, 0, len(addresses)+1)
	args = append(args, string(instanceID))
	for _, addr := range addresses {
		args = append(args, addr)
	}

	return s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts
		WHERE instance_id = ? AND address IN (`+placeholders+`)`, args...)
}

func (s *Store) AccountsByIDs(ctx context.Context, ids []ledger.AccountID) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accountsByIDs(ctx, s.db, ids)
}

func (s *Store) accountsByIDs(ctx context.Context, db dbtx, ids []ledger.AccountID) ([]ledger.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, string(id))
	}

	return s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts
		WHERE id IN (`+placeholders+`)`, args...)
}

func (s *Store) Accounts(ctx context.Context, instanceID ledger.InstanceID) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accounts(ctx, s.db, instanceID)
}

func (s *Store) accounts(ctx context.Context, db dbtx, instanceID ledger.InstanceID) ([]ledger.Account, error) {
	return s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts
		WHERE instance_id = ? ORDER BY address ASC`, string(instanceID))
}

func (s *Store) queryAccounts(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Account, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccount(rows *sql.Rows) (ledger.Account, error) {
	var (
		a                     ledger.Account
		name, description     sql.NullString
		insertedAt, updatedAt string
	)
	err := rows.Scan(
		&a.ID, &a.InstanceID, &a.Address, &name, &description,
		&a.Type, &a.Currency, &a.NormalBalance,
		&a.Posted.Debit, &a.Posted.Credit, &a.Pending.Debit, &a.Pending.Credit,
		&a.RowVersion, &insertedAt, &updatedAt,
	)
	if err != nil {
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Name = name.String
	a.Description = description.String
	a.InsertedAt = parseTime(insertedAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// UpdateAccountBalances writes the balance buckets guarded by row_version.
// Zero rows moved means either the account is gone or the version is stale.
func (s *Store) UpdateAccountBalances(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateAccountBalances(ctx, s.db, a, expectedVersion)
}

func (s *Store) updateAccountBalances(ctx context.Context, db dbtx, a ledger.Account, expectedVersion int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET posted_debit = ?, posted_credit = ?, pending_debit = ?, pending_credit = ?,
		    row_version = row_version + 1, updated_at = ?
		WHERE id = ? AND row_version = ?`,
		a.Posted.Debit, a.Posted.Credit, a.Pending.Debit, a.Pending.Credit,
		fmtTime(a.UpdatedAt), string(a.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account balances: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from a version race
		var count int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM accounts WHERE id = ?", string(a.ID),
		).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrAccountNotFound
		}
		return ledger.ErrStaleVersion
	}
	return nil
}

func (s *Store) UpdateAccountFields(ctx context.Context, id ledger.AccountID, name, description string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateAccountFields(ctx, s.db, id, name, description, now)
}

func (s *Store) updateAccountFields(ctx context.Context, db dbtx, id ledger.AccountID, name, description string, now time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accounts SET name = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		nullString(name), nullString(description), fmtTime(now), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update account fields: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransaction inserts a transaction and its entry rows.
func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createTransaction(ctx, s.db, t)
}

func (s *Store) createTransaction(ctx context.Context, db dbtx, t ledger.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (id, instance_id, status, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(t.ID), string(t.InstanceID), string(t.Status),
		fmtTime(t.InsertedAt), fmtTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	return s.insertEntries(ctx, db, t.Entries)
}

func (s *Store) insertEntries(ctx context.Context, db dbtx, entries []ledger.Entry) error {
	for _, e := range entries {
		_, err := db.ExecContext(ctx, `
			INSERT INTO entries (id, transaction_id, account_id, value, currency, side, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(e.ID), string(e.TransactionID), string(e.AccountID),
			e.Value, e.Currency, string(e.Side), fmtTime(e.InsertedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
	}
	return nil
}

func (s *Store) TransactionByID(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transactionByID(ctx, s.db, id)
}

func (s *Store) transactionByID(ctx context.Context, db dbtx, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, db, `
		SELECT id, instance_id, status, inserted_at, updated_at
		FROM transactions WHERE id = ?`, string(id))
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *Store) Transactions(ctx context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transactionsByInstance(ctx, s.db, instanceID, limit)
}

func (s *Store) transactionsByInstance(ctx context.Context, db dbtx, instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx, db, `
		SELECT id, instance_id, status, inserted_at, updated_at
		FROM transactions WHERE instance_id = ?
		ORDER BY rowid DESC LIMIT ?`, string(instanceID), limitOrAll(limit))
}

// queryTransactions loads transaction rows and their entries. The per-row
// entry query is fine at these volumes; revisit if listings grow hot.
func (s *Store) queryTransactions(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	var txs []ledger.Transaction
	for rows.Next() {
		var (
			t                     ledger.Transaction
			insertedAt, updatedAt string
		)
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.Status, &insertedAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.InsertedAt = parseTime(insertedAt)
		t.UpdatedAt = parseTime(updatedAt)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range txs {
		entries, err := s.entriesByTransaction(ctx, db, txs[i].ID)
		if err != nil {
			return nil, err
		}
		txs[i].Entries = entries
	}
	return txs, nil
}

func (s *Store) entriesByTransaction(ctx context.Context, db dbtx, id ledger.TransactionID) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, value, currency, side, inserted_at
		FROM entries WHERE transaction_id = ? ORDER BY rowid ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e          ledger.Entry
			insertedAt string
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Value, &e.Currency, &e.Side, &insertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.InsertedAt = parseTime(insertedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateTransaction writes the status and optionally replaces the entry rows
// (the pending-transaction rewrite case).
func (s *Store) UpdateTransaction(ctx context.Context, t ledger.Transaction, replaceEntries bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateTransaction(ctx, s.db, t, replaceEntries)
}

func (s *Store) updateTransaction(ctx context.Context, db dbtx, t ledger.Transaction, replaceEntries bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE transactions SET status = ?, updated_at = ? WHERE id = ?`,
		string(t.Status), fmtTime(t.UpdatedAt), string(t.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrTransactionNotFound
	}

	if replaceEntries {
		if _, err := db.ExecContext(ctx,
			"DELETE FROM entries WHERE transaction_id = ?", string(t.ID)); err != nil {
			return fmt.Errorf("failed to replace entries: %w", err)
		}
		return s.insertEntries(ctx, db, t.Entries)
	}
	return nil
}

// TransactionByCommand resolves the transaction a processed command produced
// via its journal event's transaction links.
func (s *Store) TransactionByCommand(ctx context.Context, commandID ledger.CommandID) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transactionByCommand(ctx, s.db, commandID)
}

func (s *Store) transactionByCommand(ctx context.Context, db dbtx, commandID ledger.CommandID) (ledger.Transaction, error) {
	var txID string
	err := db.QueryRowContext(ctx, `
		SELECT l.transaction_id
		FROM event_transaction_links l
		JOIN journal_events ev ON ev.id = l.event_id
		WHERE ev.command_id = ?
		ORDER BY l.position ASC LIMIT 1`, string(commandID),
	).Scan(&txID)
	if err == sql.ErrNoRows {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to resolve command transaction: %w", err)
	}

	return s.transactionByID(ctx, db, ledger.TransactionID(txID))
}

// =============================================================================
// BALANCE HISTORY
// =============================================================================

func (s *Store) AppendBalanceHistory(ctx context.Context, h ledger.BalanceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendBalanceHistory(ctx, s.db, h)
}

func (s *Store) appendBalanceHistory(ctx context.Context, db dbtx, h ledger.BalanceHistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO balance_history_entries
		(id, entry_id, account_id, posted_debit, posted_credit, pending_debit,
		 pending_credit, available, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, string(h.EntryID), string(h.AccountID),
		h.Posted.Debit, h.Posted.Credit, h.Pending.Debit, h.Pending.Credit,
		h.Available, fmtTime(h.InsertedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance history: %w", err)
	}
	return nil
}

func (s *Store) BalanceHistory(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.balanceHistory(ctx, s.db, accountID, limit)
}

func (s *Store) balanceHistory(ctx context.Context, db dbtx, accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, entry_id, account_id, posted_debit, posted_credit,
		       pending_debit, pending_credit, available, inserted_at
		FROM balance_history_entries
		WHERE account_id = ? ORDER BY rowid ASC LIMIT ?`,
		string(accountID), limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query balance history: %w", err)
	}
	defer rows.Close()

	var out []ledger.BalanceHistoryEntry
	for rows.Next() {
		var (
			h          ledger.BalanceHistoryEntry
			insertedAt string
		)
		if err := rows.Scan(&h.ID, &h.EntryID, &h.AccountID,
			&h.Posted.Debit, &h.Posted.Credit, &h.Pending.Debit, &h.Pending.Credit,
			&h.Available, &insertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance history: %w", err)
		}
		h.InsertedAt = parseTime(insertedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// COMMANDS
// =============================================================================

func (s *Store) CreateCommand(ctx context.Context, c ledger.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createCommand(ctx, s.db, c)
}

func (s *Store) createCommand(ctx context.Context, db dbtx, c ledger.Command) error {
	mapJSON, err := json.Marshal(c.Map)
	if err != nil {
		return fmt.Errorf("failed to encode command map: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO commands
		(id, instance_id, action, source, source_idempk, update_idempk,
		 update_source, map_json, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.InstanceID), string(c.Action),
		c.Source, c.SourceIdempk, nullString(c.UpdateIdempk),
		nullString(c.UpdateSource), string(mapJSON), fmtTime(c.InsertedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (s *Store) CommandByID(ctx context.Context, id ledger.CommandID) (ledger.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.commandByID(ctx, s.db, id)
}

func (s *Store) commandByID(ctx context.Context, db dbtx, id ledger.CommandID) (ledger.Command, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, instance_id, action, source, source_idempk, update_idempk,
		       update_source, map_json, inserted_at
		FROM commands WHERE id = ?`, string(id))

	var (
		c                          ledger.Command
		updateIdempk, updateSource sql.NullString
		mapJSON, insertedAt        string
	)
	err := row.Scan(&c.ID, &c.InstanceID, &c.Action, &c.Source, &c.SourceIdempk,
		&updateIdempk, &updateSource, &mapJSON, &insertedAt)
	if err == sql.ErrNoRows {
		return ledger.Command{}, ledger.ErrCommandNotFound
	}
	if err != nil {
		return ledger.Command{}, fmt.Errorf("failed to scan command: %w", err)
	}

	c.UpdateIdempk = updateIdempk.String
	c.UpdateSource = updateSource.String
	c.InsertedAt = parseTime(insertedAt)
	if err := json.Unmarshal([]byte(mapJSON), &c.Map); err != nil {
		return ledger.Command{}, fmt.Errorf("failed to decode command map: %w", err)
	}
	return c, nil
}

// CommandsByStatus lists commands joined with their queue items, newest
// first. An empty status matches all.
func (s *Store) CommandsByStatus(ctx context.Context, instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.commandsByStatus(ctx, s.db, instanceID, status, limit)
}

func (s *Store) commandsByStatus(ctx context.Context, db dbtx, instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	query := `
		SELECT c.id, c.instance_id, c.action, c.source, c.source_idempk,
		       c.update_idempk, c.update_source, c.map_json, c.inserted_at,
		       q.command_id, q.status, q.retry_count, q.occ_retry_count,
		       q.next_retry_after, q.processor_id, q.processing_started_at,
		       q.processing_completed_at, q.errors_json, q.lock_version,
		       q.inserted_at, q.updated_at
		FROM commands c
		JOIN command_queue_items q ON q.command_id = c.id
		WHERE c.instance_id = ?`
	args := []any{string(instanceID)}

	if status != "" {
		query += " AND q.status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY c.rowid DESC LIMIT ?"
	args = append(args, limitOrAll(limit))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []ledger.CommandRecord
	for rows.Next() {
		var (
			rec                        ledger.CommandRecord
			updateIdempk, updateSource sql.NullString
			mapJSON, cInserted         string
		)
		q := &queueItemRow{}
		err := rows.Scan(
			&rec.Command.ID, &rec.Command.InstanceID, &rec.Command.Action,
			&rec.Command.Source, &rec.Command.SourceIdempk,
			&updateIdempk, &updateSource, &mapJSON, &cInserted,
			&q.CommandID, &q.Status, &q.RetryCount, &q.OCCRetryCount,
			&q.NextRetryAfter, &q.ProcessorID, &q.ProcessingStartedAt,
			&q.ProcessingCompletedAt, &q.ErrorsJSON, &q.LockVersion,
			&q.InsertedAt, &q.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}

		rec.Command.UpdateIdempk = updateIdempk.String
		rec.Command.UpdateSource = updateSource.String
		rec.Command.InsertedAt = parseTime(cInserted)
		if err := json.Unmarshal([]byte(mapJSON), &rec.Command.Map); err != nil {
			return nil, fmt.Errorf("failed to decode command map: %w", err)
		}
		item, err := q.toQueueItem()
		if err != nil {
			return nil, err
		}
		rec.Queue = item
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// QUEUE ITEMS
// =============================================================================

const queueColumns = `command_id, status, retry_count, occ_retry_count,
	next_retry_after, processor_id, processing_started_at,
	processing_completed_at, errors_json, lock_version, inserted_at, updated_at`

// queueItemRow is the scan target for command_queue_items.
type queueItemRow struct {
	CommandID             string
	Status                string
	RetryCount            int
	OCCRetryCount         int
	NextRetryAfter        sql.NullString
	ProcessorID           sql.NullString
	ProcessingStartedAt   sql.NullString
	ProcessingCompletedAt sql.NullString
	ErrorsJSON            string
	LockVersion           int64
	InsertedAt            string
	UpdatedAt             string
}

func (r *queueItemRow) scan(rows *sql.Rows) error {
	return rows.Scan(&r.CommandID, &r.Status, &r.RetryCount, &r.OCCRetryCount,
		&r.NextRetryAfter, &r.ProcessorID, &r.ProcessingStartedAt,
		&r.ProcessingCompletedAt, &r.ErrorsJSON, &r.LockVersion,
		&r.InsertedAt, &r.UpdatedAt)
}

func (r *queueItemRow) toQueueItem() (ledger.CommandQueueItem, error) {
	q := ledger.CommandQueueItem{
		CommandID:             ledger.CommandID(r.CommandID),
		Status:                ledger.QueueStatus(r.Status),
		RetryCount:            r.RetryCount,
		OCCRetryCount:         r.OCCRetryCount,
		NextRetryAfter:        parseTimePtr(r.NextRetryAfter),
		ProcessorID:           r.ProcessorID.String,
		ProcessingStartedAt:   parseTimePtr(r.ProcessingStartedAt),
		ProcessingCompletedAt: parseTimePtr(r.ProcessingCompletedAt),
		LockVersion:           r.LockVersion,
		InsertedAt:            parseTime(r.InsertedAt),
		UpdatedAt:             parseTime(r.UpdatedAt),
	}
	if r.ErrorsJSON != "" && r.ErrorsJSON != "[]" {
		if err := json.Unmarshal([]byte(r.ErrorsJSON), &q.Errors); err != nil {
			return q, fmt.Errorf("failed to decode queue errors: %w", err)
		}
	}
	return q, nil
}

func (s *Store) CreateQueueItem(ctx context.Context, q ledger.CommandQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createQueueItem(ctx, s.db, q)
}

func (s *Store) createQueueItem(ctx context.Context, db dbtx, q ledger.CommandQueueItem) error {
	errorsJSON := []byte("[]")
	if len(q.Errors) > 0 {
		var err error
		errorsJSON, err = json.Marshal(q.Errors)
		if err != nil {
			return fmt.Errorf("failed to encode queue errors: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO command_queue_items
		(command_id, status, retry_count, occ_retry_count, next_retry_after,
		 processor_id, processing_started_at, processing_completed_at,
		 errors_json, lock_version, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(q.CommandID), string(q.Status), q.RetryCount, q.OCCRetryCount,
		nullTime(q.NextRetryAfter), nullString(q.ProcessorID),
		nullTime(q.ProcessingStartedAt), nullTime(q.ProcessingCompletedAt),
		string(errorsJSON), q.LockVersion, fmtTime(q.InsertedAt), fmtTime(q.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (s *Store) QueueItem(ctx context.Context, commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queueItem(ctx, s.db, commandID)
}

func (s *Store) queueItem(ctx context.Context, db dbtx, commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	items, err := s.queryQueueItems(ctx, db, `
		SELECT `+queueColumns+` FROM command_queue_items
		WHERE command_id = ?`, string(commandID))
	if err != nil {
		return ledger.CommandQueueItem{}, err
	}
	if len(items) == 0 {
		return ledger.CommandQueueItem{}, ledger.ErrNotFound
	}
	return items[0], nil
}

func (s *Store) queryQueueItems(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.CommandQueueItem, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	var out []ledger.CommandQueueItem
	for rows.Next() {
		r := &queueItemRow{}
		if err := r.scan(rows); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		q, err := r.toQueueItem()
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// ClaimQueueItem moves a claimable, due item to processing via one guarded
// UPDATE on (status, lock_version).
func (s *Store) ClaimQueueItem(ctx context.Context, commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.claimQueueItem(ctx, s.db, commandID, processorID, expectedLockVersion, now)
}

func (s *Store) claimQueueItem(ctx context.Context, db dbtx, commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
	q, err := s.queueItem(ctx, db, commandID)
	if err != nil {
		return ledger.CommandQueueItem{}, err
	}
	if q.Status == ledger.QueueProcessing {
		return ledger.CommandQueueItem{}, ledger.ErrAlreadyClaimed
	}
	if !q.Status.Claimable() {
		return ledger.CommandQueueItem{}, ledger.ErrNotClaimable
	}
	if q.NextRetryAfter != nil && q.NextRetryAfter.After(now) {
		return ledger.CommandQueueItem{}, ledger.ErrNotClaimable
	}

	res, err := db.ExecContext(ctx, `
		UPDATE command_queue_items
		SET status = ?, processor_id = ?, processing_started_at = ?,
		    lock_version = lock_version + 1, updated_at = ?
		WHERE command_id = ? AND lock_version = ? AND status IN (?, ?, ?)`,
		string(ledger.QueueProcessing), processorID, fmtTime(now), fmtTime(now),
		string(commandID), expectedLockVersion,
		string(ledger.QueuePending), string(ledger.QueueFailed), string(ledger.QueueOCCTimeout),
	)
	if err != nil {
		return ledger.CommandQueueItem{}, fmt.Errorf("failed to claim queue item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.CommandQueueItem{}, err
	}
	if affected == 0 {
		// Raced: someone moved the row between the read and the update
		return ledger.CommandQueueItem{}, ledger.ErrAlreadyClaimed
	}

	return s.queueItem(ctx, db, commandID)
}

// UpdateQueueItem writes the mutable fields guarded by lock_version and
// returns the updated item. Error log and occ_retry_count are never written
// here; AppendQueueError owns those.
func (s *Store) UpdateQueueItem(ctx context.Context, q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateQueueItem(ctx, s.db, q)
}

func (s *Store) updateQueueItem(ctx context.Context, db dbtx, q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE command_queue_items
		SET status = ?, retry_count = ?, next_retry_after = ?, processor_id = ?,
		    processing_started_at = ?, processing_completed_at = ?,
		    lock_version = lock_version + 1, updated_at = ?
		WHERE command_id = ? AND lock_version = ?`,
		string(q.Status), q.RetryCount, nullTime(q.NextRetryAfter),
		nullString(q.ProcessorID), nullTime(q.ProcessingStartedAt),
		nullTime(q.ProcessingCompletedAt), fmtTime(q.UpdatedAt),
		string(q.CommandID), q.LockVersion,
	)
	if err != nil {
		return ledger.CommandQueueItem{}, fmt.Errorf("failed to update queue item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.CommandQueueItem{}, err
	}
	if affected == 0 {
		var count int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM command_queue_items WHERE command_id = ?",
			string(q.CommandID),
		).Scan(&count); err != nil {
			return ledger.CommandQueueItem{}, err
		}
		if count == 0 {
			return ledger.CommandQueueItem{}, ledger.ErrNotFound
		}
		return ledger.CommandQueueItem{}, ledger.ErrStaleVersion
	}

	return s.queueItem(ctx, db, q.CommandID)
}

// AppendQueueError appends one record to the item's error log. Status and
// lock_version stay untouched so a held claim survives the write.
func (s *Store) AppendQueueError(ctx context.Context, commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendQueueError(ctx, s.db, commandID, qe, incrementOCCRetry)
}

func (s *Store) appendQueueError(ctx context.Context, db dbtx, commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
	q, err := s.queueItem(ctx, db, commandID)
	if err != nil {
		return err
	}

	errorsJSON, err := json.Marshal(append(q.Errors, qe))
	if err != nil {
		return fmt.Errorf("failed to encode queue errors: %w", err)
	}

	occIncrement := 0
	if incrementOCCRetry {
		occIncrement = 1
	}

	_, err = db.ExecContext(ctx, `
		UPDATE command_queue_items
		SET errors_json = ?, occ_retry_count = occ_retry_count + ?, updated_at = ?
		WHERE command_id = ?`,
		string(errorsJSON), occIncrement, fmtTime(qe.InsertedAt), string(commandID),
	)
	if err != nil {
		return fmt.Errorf("failed to append queue error: %w", err)
	}
	return nil
}

// DueQueueItems lists claimable items whose retry time has elapsed, oldest
// first. Ties break on command_id for a stable claim order.
func (s *Store) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dueQueueItems(ctx, s.db, now, limit)
}

func (s *Store) dueQueueItems(ctx context.Context, db dbtx, now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	return s.queryQueueItems(ctx, db, `
		SELECT `+queueColumns+` FROM command_queue_items
		WHERE status IN (?, ?, ?)
		  AND (next_retry_after IS NULL OR next_retry_after <= ?)
		ORDER BY COALESCE(next_retry_after, inserted_at) ASC, command_id ASC
		LIMIT ?`,
		string(ledger.QueuePending), string(ledger.QueueFailed),
		string(ledger.QueueOCCTimeout), fmtTime(now), limitOrAll(limit))
}

// StaleProcessing lists items stuck in processing since before cutoff.
func (s *Store) StaleProcessing(ctx context.Context, cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.staleProcessing(ctx, s.db, cutoff)
}

func (s *Store) staleProcessing(ctx context.Context, db dbtx, cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	return s.queryQueueItems(ctx, db, `
		SELECT `+queueColumns+` FROM command_queue_items
		WHERE status = ? AND processing_started_at IS NOT NULL
		  AND processing_started_at < ?
		ORDER BY processing_started_at ASC`,
		string(ledger.QueueProcessing), fmtTime(cutoff))
}

func (s *Store) CountQueueByStatus(ctx context.Context) (map[ledger.QueueStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countQueueByStatus(ctx, s.db)
}

func (s *Store) countQueueByStatus(ctx context.Context, db dbtx) (map[ledger.QueueStatus]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM command_queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[ledger.QueueStatus(status)] = count
	}
	return out, rows.Err()
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

// InsertIdempotencyKey records a request fingerprint. Duplicates on
// (instance_id, key_hash) fail with ledger.ErrDuplicateIdempotencyKey.
func (s *Store) InsertIdempotencyKey(ctx context.Context, rec ledger.IdempotencyKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertIdempotencyKey(ctx, s.db, rec)
}

func (s *Store) insertIdempotencyKey(ctx context.Context, db dbtx, rec ledger.IdempotencyKeyRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (id, instance_id, key_hash, first_seen_at)
		VALUES (?, ?, ?, ?)`,
		rec.ID, string(rec.InstanceID), rec.KeyHash, fmtTime(rec.FirstSeenAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	return nil
}

// =============================================================================
// PENDING TRANSACTION LOOKUPS
// =============================================================================

// InsertPendingLookup records the create-command pointer for a pending
// transaction. Duplicates fail with ledger.ErrDuplicatePendingLookup.
func (s *Store) InsertPendingLookup(ctx context.Context, l ledger.PendingTransactionLookup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertPendingLookup(ctx, s.db, l)
}

func (s *Store) insertPendingLookup(ctx context.Context, db dbtx, l ledger.PendingTransactionLookup) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO pending_transaction_lookups
		(id, instance_id, source, source_idempk, command_id, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, string(l.InstanceID), l.Source, l.SourceIdempk,
		string(l.CommandID), fmtTime(l.InsertedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicatePendingLookup
		}
		return fmt.Errorf("failed to insert pending lookup: %w", err)
	}
	return nil
}

func (s *Store) PendingLookup(ctx context.Context, instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pendingLookup(ctx, s.db, instanceID, source, sourceIdempk)
}

func (s *Store) pendingLookup(ctx context.Context, db dbtx, instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, instance_id, source, source_idempk, command_id, inserted_at
		FROM pending_transaction_lookups
		WHERE instance_id = ? AND source = ? AND source_idempk = ?`,
		string(instanceID), source, sourceIdempk)

	var (
		l          ledger.PendingTransactionLookup
		insertedAt string
	)
	err := row.Scan(&l.ID, &l.InstanceID, &l.Source, &l.SourceIdempk, &l.CommandID, &insertedAt)
	if err == sql.ErrNoRows {
		return ledger.PendingTransactionLookup{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.PendingTransactionLookup{}, fmt.Errorf("failed to scan pending lookup: %w", err)
	}
	l.InsertedAt = parseTime(insertedAt)
	return l, nil
}

// =============================================================================
// JOURNAL EVENTS
// =============================================================================

func (s *Store) AppendJournalEvent(ctx context.Context, ev ledger.JournalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appendJournalEvent(ctx, s.db, ev)
}

func (s *Store) appendJournalEvent(ctx context.Context, db dbtx, ev ledger.JournalEvent) error {
	mapJSON, err := json.Marshal(ev.Map)
	if err != nil {
		return fmt.Errorf("failed to encode event map: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO journal_events
		(id, instance_id, command_id, action, source, source_idempk, map_json, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.ID), string(ev.InstanceID), string(ev.CommandID),
		string(ev.Action), ev.Source, ev.SourceIdempk,
		string(mapJSON), fmtTime(ev.InsertedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal event: %w", err)
	}

	for i, accountID := range ev.AccountIDs {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO event_account_links (event_id, account_id, position)
			VALUES (?, ?, ?)`,
			string(ev.ID), string(accountID), i); err != nil {
			return fmt.Errorf("failed to insert event account link: %w", err)
		}
	}
	for i, txID := range ev.TransactionIDs {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO event_transaction_links (event_id, transaction_id, position)
			VALUES (?, ?, ?)`,
			string(ev.ID), string(txID), i); err != nil {
			return fmt.Errorf("failed to insert event transaction link: %w", err)
		}
	}
	return nil
}

func (s *Store) JournalEventByCommand(ctx context.Context, commandID ledger.CommandID) (ledger.JournalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.journalEventByCommand(ctx, s.db, commandID)
}

func (s *Store) journalEventByCommand(ctx context.Context, db dbtx, commandID ledger.CommandID) (ledger.JournalEvent, error) {
	events, err := s.queryJournalEvents(ctx, db, `
		SELECT id, instance_id, command_id, action, source, source_idempk, map_json, inserted_at
		FROM journal_events WHERE command_id = ?`, string(commandID))
	if err != nil {
		return ledger.JournalEvent{}, err
	}
	if len(events) == 0 {
		return ledger.JournalEvent{}, ledger.ErrNotFound
	}
	return events[0], nil
}

func (s *Store) JournalEvents(ctx context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.journalEvents(ctx, s.db, instanceID, limit)
}

func (s *Store) journalEvents(ctx context.Context, db dbtx, instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	return s.queryJournalEvents(ctx, db, `
		SELECT id, instance_id, command_id, action, source, source_idempk, map_json, inserted_at
		FROM journal_events WHERE instance_id = ?
		ORDER BY rowid DESC LIMIT ?`, string(instanceID), limitOrAll(limit))
}

func (s *Store) queryJournalEvents(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.JournalEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal events: %w", err)
	}

	var events []ledger.JournalEvent
	for rows.Next() {
		var (
			ev                  ledger.JournalEvent
			mapJSON, insertedAt string
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.CommandID, &ev.Action,
			&ev.Source, &ev.SourceIdempk, &mapJSON, &insertedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan journal event: %w", err)
		}
		ev.InsertedAt = parseTime(insertedAt)
		if err := json.Unmarshal([]byte(mapJSON), &ev.Map); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode event map: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range events {
		if err := s.loadEventLinks(ctx, db, &events[i]); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) loadEventLinks(ctx context.Context, db dbtx, ev *ledger.JournalEvent) error {
	rows, err := db.QueryContext(ctx, `
		SELECT account_id FROM event_account_links
		WHERE event_id = ? ORDER BY position ASC`, string(ev.ID))
	if err != nil {
		return fmt.Errorf("failed to query event account links: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ev.AccountIDs = append(ev.AccountIDs, ledger.AccountID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT transaction_id FROM event_transaction_links
		WHERE event_id = ? ORDER BY position ASC`, string(ev.ID))
	if err != nil {
		return fmt.Errorf("failed to query event transaction links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ev.TransactionIDs = append(ev.TransactionIDs, ledger.TransactionID(id))
	}
	return rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The store mutex
// is held for the duration so the snapshot the callback sees is stable.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx, parent: s}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every Store call through the open *sql.Tx. The parent's
// lock-free helpers do the work; no method here touches the mutex.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) CreateInstance(ctx context.Context, in ledger.Instance) error {
	return ts.parent.createInstance(ctx, ts.tx, in)
}

func (ts *txStore) InstanceByAddress(ctx context.Context, address string) (ledger.Instance, error) {
	return ts.parent.instanceByAddress(ctx, ts.tx, address)
}

func (ts *txStore) InstanceByID(ctx context.Context, id ledger.InstanceID) (ledger.Instance, error) {
	return ts.parent.instanceByID(ctx, ts.tx, id)
}

func (ts *txStore) Instances(ctx context.Context) ([]ledger.Instance, error) {
	return ts.parent.instances(ctx, ts.tx)
}

func (ts *txStore) CreateAccount(ctx context.Context, a ledger.Account) error {
	return ts.parent.createAccount(ctx, ts.tx, a)
}

func (ts *txStore) AccountByAddress(ctx context.Context, instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	return ts.parent.accountByAddress(ctx, ts.tx, instanceID, address)
}

func (ts *txStore) AccountByID(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return ts.parent.accountByID(ctx, ts.tx, id)
}

func (ts *txStore) AccountsByAddresses(ctx context.Context, instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	return ts.parent.accountsByAddresses(ctx, ts.tx, instanceID, addresses)
}

func (ts *txStore) AccountsByIDs(ctx context.Context, ids []ledger.AccountID) ([]ledger.Account, error) {
	return ts.parent.accountsByIDs(ctx, ts.tx, ids)
}

func (ts *txStore) Accounts(ctx context.Context, instanceID ledger.InstanceID) ([]ledger.Account, error) {
	return ts.parent.accounts(ctx, ts.tx, instanceID)
}

func (ts *txStore) UpdateAccountBalances(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	return ts.parent.updateAccountBalances(ctx, ts.tx, a, expectedVersion)
}

func (ts *txStore) UpdateAccountFields(ctx context.Context, id ledger.AccountID, name, description string, now time.Time) error {
	return ts.parent.updateAccountFields(ctx, ts.tx, id, name, description, now)
}

func (ts *txStore) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	return ts.parent.createTransaction(ctx, ts.tx, t)
}

func (ts *txStore) TransactionByID(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return ts.parent.transactionByID(ctx, ts.tx, id)
}

func (ts *txStore) Transactions(ctx context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	return ts.parent.transactionsByInstance(ctx, ts.tx, instanceID, limit)
}

func (ts *txStore) UpdateTransaction(ctx context.Context, t ledger.Transaction, replaceEntries bool) error {
	return ts.parent.updateTransaction(ctx, ts.tx, t, replaceEntries)
}

func (ts *txStore) TransactionByCommand(ctx context.Context, commandID ledger.CommandID) (ledger.Transaction, error) {
	return ts.parent.transactionByCommand(ctx, ts.tx, commandID)
}

func (ts *txStore) AppendBalanceHistory(ctx context.Context, h ledger.BalanceHistoryEntry) error {
	return ts.parent.appendBalanceHistory(ctx, ts.tx, h)
}

func (ts *txStore) BalanceHistory(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	return ts.parent.balanceHistory(ctx, ts.tx, accountID, limit)
}

func (ts *txStore) CreateCommand(ctx context.Context, c ledger.Command) error {
	return ts.parent.createCommand(ctx, ts.tx, c)
}

func (ts *txStore) CommandByID(ctx context.Context, id ledger.CommandID) (ledger.Command, error) {
	return ts.parent.commandByID(ctx, ts.tx, id)
}

func (ts *txStore) CommandsByStatus(ctx context.Context, instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	return ts.parent.commandsByStatus(ctx, ts.tx, instanceID, status, limit)
}

func (ts *txStore) CreateQueueItem(ctx context.Context, q ledger.CommandQueueItem) error {
	return ts.parent.createQueueItem(ctx, ts.tx, q)
}

func (ts *txStore) QueueItem(ctx context.Context, commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	return ts.parent.queueItem(ctx, ts.tx, commandID)
}

func (ts *txStore) ClaimQueueItem(ctx context.Context, commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
	return ts.parent.claimQueueItem(ctx, ts.tx, commandID, processorID, expectedLockVersion, now)
}

func (ts *txStore) UpdateQueueItem(ctx context.Context, q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	return ts.parent.updateQueueItem(ctx, ts.tx, q)
}

func (ts *txStore) AppendQueueError(ctx context.Context, commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
	return ts.parent.appendQueueError(ctx, ts.tx, commandID, qe, incrementOCCRetry)
}

func (ts *txStore) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	return ts.parent.dueQueueItems(ctx, ts.tx, now, limit)
}

func (ts *txStore) StaleProcessing(ctx context.Context, cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	return ts.parent.staleProcessing(ctx, ts.tx, cutoff)
}

func (ts *txStore) CountQueueByStatus(ctx context.Context) (map[ledger.QueueStatus]int, error) {
	return ts.parent.countQueueByStatus(ctx, ts.tx)
}

func (ts *txStore) InsertIdempotencyKey(ctx context.Context, rec ledger.IdempotencyKeyRecord) error {
	return ts.parent.insertIdempotencyKey(ctx, ts.tx, rec)
}

func (ts *txStore) InsertPendingLookup(ctx context.Context, l ledger.PendingTransactionLookup) error {
	return ts.parent.insertPendingLookup(ctx, ts.tx, l)
}

func (ts *txStore) PendingLookup(ctx context.Context, instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	return ts.parent.pendingLookup(ctx, ts.tx, instanceID, source, sourceIdempk)
}

func (ts *txStore) AppendJournalEvent(ctx context.Context, ev ledger.JournalEvent) error {
	return ts.parent.appendJournalEvent(ctx, ts.tx, ev)
}

func (ts *txStore) JournalEventByCommand(ctx context.Context, commandID ledger.CommandID) (ledger.JournalEvent, error) {
	return ts.parent.journalEventByCommand(ctx, ts.tx, commandID)
}

func (ts *txStore) JournalEvents(ctx context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	return ts.parent.journalEvents(ctx, ts.tx, instanceID, limit)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"event_transaction_links", "event_account_links", "journal_events",
		"pending_transaction_lookups", "idempotency_keys",
		"command_queue_items", "commands", "balance_history_entries",
		"entries", "transactions", "accounts", "instances",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// limitOrAll maps a non-positive limit to SQLite's "no limit" sentinel.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// Interface guards.
var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*txStore)(nil)
)
