/*
Package postgres provides a PostgreSQL-backed implementation of the ledger
storage interfaces using pgx.

PURPOSE:
  Implements ledger.Store and ledger.TxStore with the same contract as
  store/sqlite. This is the backend for multi-process deployments.

CONCURRENCY:
  Unlike the SQLite store there is no process-level mutex. PostgreSQL's MVCC
  plus the row_version / lock_version guards keep concurrent writers correct,
  including writers in different processes. WithTx runs the callback inside
  one READ COMMITTED transaction; the guarded UPDATEs surface lost races as
  ErrStaleVersion / ErrAlreadyClaimed exactly like the other backends.

DIALECT NOTES:
  - $N placeholders, TIMESTAMPTZ timestamps, BYTEA key hashes, JSONB payloads
  - Batch address/ID lookups use = ANY($N) with array arguments
  - Insertion order comes from a seq BIGSERIAL column (SQLite uses rowid)
  - Unique violations are detected via pgconn.PgError code 23505

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite: single-process backend with the full contract discussion
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/ledger-engine/ledger"
)

// Store implements ledger.TxStore using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL with the given DSN, verifies the connection
// and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// migrate creates the database schema. Statements run one at a time because
// the extended protocol rejects multi-statement strings.
func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL UNIQUE,
			inserted_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			address TEXT NOT NULL,
			name TEXT,
			description TEXT,
			type TEXT NOT NULL,
			currency TEXT NOT NULL,
			normal_balance TEXT NOT NULL,
			posted_debit BIGINT NOT NULL DEFAULT 0,
			posted_credit BIGINT NOT NULL DEFAULT 0,
			pending_debit BIGINT NOT NULL DEFAULT 0,
			pending_credit BIGINT NOT NULL DEFAULT 0,
			row_version BIGINT NOT NULL DEFAULT 0,
			inserted_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_instance_address
			ON accounts(instance_id, address)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			status TEXT NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_instance
			ON transactions(instance_id)`,

		`CREATE TABLE IF NOT EXISTS entries (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL REFERENCES transactions(id),
			account_id TEXT NOT NULL REFERENCES accounts(id),
			value BIGINT NOT NULL,
			currency TEXT NOT NULL,
			side TEXT NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_transaction
			ON entries(transaction_id)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_account
			ON entries(account_id)`,

		`CREATE TABLE IF NOT EXISTS balance_history_entries (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			entry_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			posted_debit BIGINT NOT NULL,
			posted_credit BIGINT NOT NULL,
			pending_debit BIGINT NOT NULL,
			pending_credit BIGINT NOT NULL,
			available BIGINT NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_history_account
			ON balance_history_entries(account_id)`,

		`CREATE TABLE IF NOT EXISTS commands (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			action TEXT NOT NULL,
			source TEXT NOT NULL,
			source_idempk TEXT NOT NULL,
			update_idempk TEXT,
			update_source TEXT,
			map_json JSONB NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_instance
			ON commands(instance_id)`,

		`CREATE TABLE IF NOT EXISTS command_queue_items (
			command_id TEXT PRIMARY KEY REFERENCES commands(id),
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			occ_retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_after TIMESTAMPTZ,
			processor_id TEXT,
			processing_started_at TIMESTAMPTZ,
			processing_completed_at TIMESTAMPTZ,
			errors_json JSONB NOT NULL DEFAULT '[]',
			lock_version BIGINT NOT NULL DEFAULT 0,
			inserted_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_status_due
			ON command_queue_items(status, next_retry_after)`,

		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			key_hash BYTEA NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_instance_hash
			ON idempotency_keys(instance_id, key_hash)`,

		`CREATE TABLE IF NOT EXISTS pending_transaction_lookups (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			source TEXT NOT NULL,
			source_idempk TEXT NOT NULL,
			command_id TEXT NOT NULL REFERENCES commands(id),
			inserted_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_lookup_key
			ON pending_transaction_lookups(instance_id, source, source_idempk)`,

		`CREATE TABLE IF NOT EXISTS journal_events (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL REFERENCES instances(id),
			command_id TEXT NOT NULL UNIQUE REFERENCES commands(id),
			action TEXT NOT NULL,
			source TEXT NOT NULL,
			source_idempk TEXT NOT NULL,
			map_json JSONB NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS event_account_links (
			event_id TEXT NOT NULL REFERENCES journal_events(id),
			account_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (event_id, position)
		)`,

		`CREATE TABLE IF NOT EXISTS event_transaction_links (
			event_id TEXT NOT NULL REFERENCES journal_events(id),
			transaction_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (event_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_tx_links_transaction
			ON event_transaction_links(transaction_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// pgdb is the subset of *pgxpool.Pool and pgx.Tx the query helpers run
// against. Every helper takes one so the same code serves plain calls and
// WithTx.
type pgdb interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// INSTANCES
// =============================================================================

func (s *Store) CreateInstance(ctx context.Context, in ledger.Instance) error {
	return s.createInstance(ctx, s.pool, in)
}

func (s *Store) createInstance(ctx context.Context, db pgdb, in ledger.Instance) error {
	_, err := db.Exec(ctx, `
		INSERT INTO instances (id, address, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4)`,
		string(in.ID), in.Address, in.InsertedAt, in.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (s *Store) InstanceByAddress(ctx context.Context, address string) (ledger.Instance, error) {
	return s.instanceByAddress(ctx, s.pool, address)
}

func (s *Store) instanceByAddress(ctx context.Context, db pgdb, address string) (ledger.Instance, error) {
	row := db.QueryRow(ctx, `
		SELECT id, address, inserted_at, updated_at
		FROM instances WHERE address = $1`, address)
	return scanInstance(row)
}

func (s *Store) InstanceByID(ctx context.Context, id ledger.InstanceID) (ledger.Instance, error) {
	return s.instanceByID(ctx, s.pool, id)
}

func (s *Store) instanceByID(ctx context.Context, db pgdb, id ledger.InstanceID) (ledger.Instance, error) {
	row := db.QueryRow(ctx, `
		SELECT id, address, inserted_at, updated_at
		FROM instances WHERE id = $1`, string(id))
	return scanInstance(row)
}

func scanInstance(row pgx.Row) (ledger.Instance, error) {
	var in ledger.Instance
	err := row.Scan(&in.ID, &in.Address, &in.InsertedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Instance{}, ledger.ErrInstanceNotFound
	}
	if err != nil {
		return ledger.Instance{}, fmt.Errorf("failed to scan instance: %w", err)
	}
	return in, nil
}

func (s *Store) Instances(ctx context.Context) ([]ledger.Instance, error) {
	return s.instances(ctx, s.pool)
}

func (s *Store) instances(ctx context.Context, db pgdb) ([]ledger.Instance, error) {
	rows, err := db.Query(ctx, `
		SELECT id, address, inserted_at, updated_at
		FROM instances ORDER BY address ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Instance
	for rows.Next() {
		var in ledger.Instance
		if err := rows.Scan(&in.ID, &in.Address, &in.InsertedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
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

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	return s.createAccount(ctx, s.pool, a)
}

func (s *Store) createAccount(ctx context.Context, db pgdb, a ledger.Account) error {
	_, err := db.Exec(ctx, `
		INSERT INTO accounts
		(id, instance_id, address, name, description, type, currency, normal_balance,
		 posted_debit, posted_credit, pending_debit, pending_credit, row_version,
		 inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		string(a.ID), string(a.InstanceID), a.Address,
		nullIfEmpty(a.Name), nullIfEmpty(a.Description),
		string(a.Type), a.Currency, string(a.NormalBalance),
		a.Posted.Debit, a.Posted.Credit, a.Pending.Debit, a.Pending.Credit,
		a.RowVersion, a.InsertedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *Store) AccountByAddress(ctx context.Context, instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	return s.accountByAddress(ctx, s.pool, instanceID, address)
}

func (s *Store) accountByAddress(ctx context.Context, db pgdb, instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	accounts, err := s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts
		WHERE instance_id = $1 AND address = $2`, string(instanceID), address)
	if err != nil {
		return ledger.Account{}, err
	}
	if len(accounts) == 0 {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return accounts[0], nil
}

func (s *Store) AccountByID(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return s.accountByID(ctx, s.pool, id)
}

func (s *Store) accountByID(ctx context.Context, db pgdb, id ledger.AccountID) (ledger.Account, error) {
	accounts, err := s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1`, string(id))
	if err != nil {
		return ledger.Account{}, err
	}
	if len(accounts) == 0 {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return accounts[0], nil
}

func (s *Store) AccountsByAddresses(ctx context.Context, instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	return s.accountsByAddresses(ctx, s.pool, instanceID, addresses)
}

func (s *Store) accountsByAddresses(ctx context.Context, db pgdb, instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	return s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts
		WHERE instance_id = $1 AND address = ANY($2)`, string(instanceID), addresses)
}

func (s *Store) AccountsByIDs(ctx context.Context, ids []ledger.AccountID) ([]ledger.Account, error) {
	return s.accountsByIDs(ctx, s.pool, ids)
}

func (s *Store) accountsByIDs(ctx context.Context, db pgdb, ids []ledger.AccountID) ([]ledger.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	return s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts WHERE id = ANY($1)`, raw)
}

func (s *Store) Accounts(ctx context.Context, instanceID ledger.InstanceID) ([]ledger.Account, error) {
	return s.accounts(ctx, s.pool, instanceID)
}

func (s *Store) accounts(ctx context.Context, db pgdb, instanceID ledger.InstanceID) ([]ledger.Account, error) {
	return s.queryAccounts(ctx, db, `
		SELECT `+accountColumns+` FROM accounts
		WHERE instance_id = $1 ORDER BY address ASC`, string(instanceID))
}

func (s *Store) queryAccounts(ctx context.Context, db pgdb, query string, args ...any) ([]ledger.Account, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var (
			a                 ledger.Account
			name, description *string
		)
		err := rows.Scan(
			&a.ID, &a.InstanceID, &a.Address, &name, &description,
			&a.Type, &a.Currency, &a.NormalBalance,
			&a.Posted.Debit, &a.Posted.Credit, &a.Pending.Debit, &a.Pending.Credit,
			&a.RowVersion, &a.InsertedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Name = deref(name)
		a.Description = deref(description)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateAccountBalances(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	return s.updateAccountBalances(ctx, s.pool, a, expectedVersion)
}

func (s *Store) updateAccountBalances(ctx context.Context, db pgdb, a ledger.Account, expectedVersion int64) error {
	tag, err := db.Exec(ctx, `
		UPDATE accounts
		SET posted_debit = $1, posted_credit = $2, pending_debit = $3, pending_credit = $4,
		    row_version = row_version + 1, updated_at = $5
		WHERE id = $6 AND row_version = $7`,
		a.Posted.Debit, a.Posted.Credit, a.Pending.Debit, a.Pending.Credit,
		a.UpdatedAt, string(a.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account balances: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a version race
		var count int
		if err := db.QueryRow(ctx,
			"SELECT COUNT(*) FROM accounts WHERE id = $1", string(a.ID),
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
	return s.updateAccountFields(ctx, s.pool, id, name, description, now)
}

func (s *Store) updateAccountFields(ctx context.Context, db pgdb, id ledger.AccountID, name, description string, now time.Time) error {
	tag, err := db.Exec(ctx, `
		UPDATE accounts SET name = $1, description = $2, updated_at = $3
		WHERE id = $4`,
		nullIfEmpty(name), nullIfEmpty(description), now, string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update account fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) error {
	return s.createTransaction(ctx, s.pool, t)
}

func (s *Store) createTransaction(ctx context.Context, db pgdb, t ledger.Transaction) error {
	_, err := db.Exec(ctx, `
		INSERT INTO transactions (id, instance_id, status, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		string(t.ID), string(t.InstanceID), string(t.Status), t.InsertedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return s.insertEntries(ctx, db, t.Entries)
}

func (s *Store) insertEntries(ctx context.Context, db pgdb, entries []ledger.Entry) error {
	for _, e := range entries {
		_, err := db.Exec(ctx, `
			INSERT INTO entries (id, transaction_id, account_id, value, currency, side, inserted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(e.ID), string(e.TransactionID), string(e.AccountID),
			e.Value, e.Currency, string(e.Side), e.InsertedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}
	}
	return nil
}

func (s *Store) TransactionByID(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return s.transactionByID(ctx, s.pool, id)
}

func (s *Store) transactionByID(ctx context.Context, db pgdb, id ledger.TransactionID) (ledger.Transaction, error) {
	txs, err := s.queryTransactions(ctx, db, `
		SELECT id, instance_id, status, inserted_at, updated_at
		FROM transactions WHERE id = $1`, string(id))
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *Store) Transactions(ctx context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	return s.transactionsByInstance(ctx, s.pool, instanceID, limit)
}

func (s *Store) transactionsByInstance(ctx context.Context, db pgdb, instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	return s.queryTransactions(ctx, db, `
		SELECT id, instance_id, status, inserted_at, updated_at
		FROM transactions WHERE instance_id = $1
		ORDER BY seq DESC LIMIT $2`, string(instanceID), limitArg(limit))
}

func (s *Store) queryTransactions(ctx context.Context, db pgdb, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	var txs []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		if err := rows.Scan(&t.ID, &t.InstanceID, &t.Status, &t.InsertedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
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

func (s *Store) entriesByTransaction(ctx context.Context, db pgdb, id ledger.TransactionID) ([]ledger.Entry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, transaction_id, account_id, value, currency, side, inserted_at
		FROM entries WHERE transaction_id = $1 ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Value, &e.Currency, &e.Side, &e.InsertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) UpdateTransaction(ctx context.Context, t ledger.Transaction, replaceEntries bool) error {
	return s.updateTransaction(ctx, s.pool, t, replaceEntries)
}

func (s *Store) updateTransaction(ctx context.Context, db pgdb, t ledger.Transaction, replaceEntries bool) error {
	tag, err := db.Exec(ctx, `
		UPDATE transactions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(t.Status), t.UpdatedAt, string(t.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTransactionNotFound
	}

	if replaceEntries {
		if _, err := db.Exec(ctx,
			"DELETE FROM entries WHERE transaction_id = $1", string(t.ID)); err != nil {
			return fmt.Errorf("failed to replace entries: %w", err)
		}
		return s.insertEntries(ctx, db, t.Entries)
	}
	return nil
}

func (s *Store) TransactionByCommand(ctx context.Context, commandID ledger.CommandID) (ledger.Transaction, error) {
	return s.transactionByCommand(ctx, s.pool, commandID)
}

func (s *Store) transactionByCommand(ctx context.Context, db pgdb, commandID ledger.CommandID) (ledger.Transaction, error) {
	var txID string
	err := db.QueryRow(ctx, `
		SELECT l.transaction_id
		FROM event_transaction_links l
		JOIN journal_events ev ON ev.id = l.event_id
		WHERE ev.command_id = $1
		ORDER BY l.position ASC LIMIT 1`, string(commandID),
	).Scan(&txID)
	if errors.Is(err, pgx.ErrNoRows) {
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
	return s.appendBalanceHistory(ctx, s.pool, h)
}

func (s *Store) appendBalanceHistory(ctx context.Context, db pgdb, h ledger.BalanceHistoryEntry) error {
	_, err := db.Exec(ctx, `
		INSERT INTO balance_history_entries
		(id, entry_id, account_id, posted_debit, posted_credit, pending_debit,
		 pending_credit, available, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.ID, string(h.EntryID), string(h.AccountID),
		h.Posted.Debit, h.Posted.Credit, h.Pending.Debit, h.Pending.Credit,
		h.Available, h.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance history: %w", err)
	}
	return nil
}

func (s *Store) BalanceHistory(ctx context.Context, accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	return s.balanceHistory(ctx, s.pool, accountID, limit)
}

func (s *Store) balanceHistory(ctx context.Context, db pgdb, accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT id, entry_id, account_id, posted_debit, posted_credit,
		       pending_debit, pending_credit, available, inserted_at
		FROM balance_history_entries
		WHERE account_id = $1 ORDER BY seq ASC LIMIT $2`,
		string(accountID), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query balance history: %w", err)
	}
	defer rows.Close()

	var out []ledger.BalanceHistoryEntry
	for rows.Next() {
		var h ledger.BalanceHistoryEntry
		if err := rows.Scan(&h.ID, &h.EntryID, &h.AccountID,
			&h.Posted.Debit, &h.Posted.Credit, &h.Pending.Debit, &h.Pending.Credit,
			&h.Available, &h.InsertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// =============================================================================
// COMMANDS
// =============================================================================

func (s *Store) CreateCommand(ctx context.Context, c ledger.Command) error {
	return s.createCommand(ctx, s.pool, c)
}

func (s *Store) createCommand(ctx context.Context, db pgdb, c ledger.Command) error {
	mapJSON, err := json.Marshal(c.Map)
	if err != nil {
		return fmt.Errorf("failed to encode command map: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO commands
		(id, instance_id, action, source, source_idempk, update_idempk,
		 update_source, map_json, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(c.ID), string(c.InstanceID), string(c.Action),
		c.Source, c.SourceIdempk, nullIfEmpty(c.UpdateIdempk),
		nullIfEmpty(c.UpdateSource), mapJSON, c.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (s *Store) CommandByID(ctx context.Context, id ledger.CommandID) (ledger.Command, error) {
	return s.commandByID(ctx, s.pool, id)
}

func (s *Store) commandByID(ctx context.Context, db pgdb, id ledger.CommandID) (ledger.Command, error) {
	row := db.QueryRow(ctx, `
		SELECT id, instance_id, action, source, source_idempk, update_idempk,
		       update_source, map_json, inserted_at
		FROM commands WHERE id = $1`, string(id))

	var (
		c                          ledger.Command
		updateIdempk, updateSource *string
		mapJSON                    []byte
	)
	err := row.Scan(&c.ID, &c.InstanceID, &c.Action, &c.Source, &c.SourceIdempk,
		&updateIdempk, &updateSource, &mapJSON, &c.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Command{}, ledger.ErrCommandNotFound
	}
	if err != nil {
		return ledger.Command{}, fmt.Errorf("failed to scan command: %w", err)
	}

	c.UpdateIdempk = deref(updateIdempk)
	c.UpdateSource = deref(updateSource)
	if err := json.Unmarshal(mapJSON, &c.Map); err != nil {
		return ledger.Command{}, fmt.Errorf("failed to decode command map: %w", err)
	}
	return c, nil
}

func (s *Store) CommandsByStatus(ctx context.Context, instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	return s.commandsByStatus(ctx, s.pool, instanceID, status, limit)
}

func (s *Store) commandsByStatus(ctx context.Context, db pgdb, instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	query := `
		SELECT c.id, c.instance_id, c.action, c.source, c.source_idempk,
		       c.update_idempk, c.update_source, c.map_json, c.inserted_at,
		       q.command_id, q.status, q.retry_count, q.occ_retry_count,
		       q.next_retry_after, q.processor_id, q.processing_started_at,
		       q.processing_completed_at, q.errors_json, q.lock_version,
		       q.inserted_at, q.updated_at
		FROM commands c
		JOIN command_queue_items q ON q.command_id = c.id
		WHERE c.instance_id = $1`
	args := []any{string(instanceID)}

	if status != "" {
		query += fmt.Sprintf(" AND q.status = $%d", len(args)+1)
		args = append(args, string(status))
	}
	query += fmt.Sprintf(" ORDER BY c.seq DESC LIMIT $%d", len(args)+1)
	args = append(args, limitArg(limit))

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []ledger.CommandRecord
	for rows.Next() {
		var (
			rec                        ledger.CommandRecord
			updateIdempk, updateSource *string
			mapJSON, errorsJSON        []byte
			processorID                *string
		)
		q := &rec.Queue
		err := rows.Scan(
			&rec.Command.ID, &rec.Command.InstanceID, &rec.Command.Action,
			&rec.Command.Source, &rec.Command.SourceIdempk,
			&updateIdempk, &updateSource, &mapJSON, &rec.Command.InsertedAt,
			&q.CommandID, &q.Status, &q.RetryCount, &q.OCCRetryCount,
			&q.NextRetryAfter, &processorID, &q.ProcessingStartedAt,
			&q.ProcessingCompletedAt, &errorsJSON, &q.LockVersion,
			&q.InsertedAt, &q.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}

		rec.Command.UpdateIdempk = deref(updateIdempk)
		rec.Command.UpdateSource = deref(updateSource)
		q.ProcessorID = deref(processorID)
		if err := json.Unmarshal(mapJSON, &rec.Command.Map); err != nil {
			return nil, fmt.Errorf("failed to decode command map: %w", err)
		}
		if err := decodeQueueErrors(errorsJSON, &q.Errors); err != nil {
			return nil, err
		}
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

func (s *Store) CreateQueueItem(ctx context.Context, q ledger.CommandQueueItem) error {
	return s.createQueueItem(ctx, s.pool, q)
}

func (s *Store) createQueueItem(ctx context.Context, db pgdb, q ledger.CommandQueueItem) error {
	errorsJSON := []byte("[]")
	if len(q.Errors) > 0 {
		var err error
		errorsJSON, err = json.Marshal(q.Errors)
		if err != nil {
			return fmt.Errorf("failed to encode queue errors: %w", err)
		}
	}

	_, err := db.Exec(ctx, `
		INSERT INTO command_queue_items
		(command_id, status, retry_count, occ_retry_count, next_retry_after,
		 processor_id, processing_started_at, processing_completed_at,
		 errors_json, lock_version, inserted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		string(q.CommandID), string(q.Status), q.RetryCount, q.OCCRetryCount,
		q.NextRetryAfter, nullIfEmpty(q.ProcessorID),
		q.ProcessingStartedAt, q.ProcessingCompletedAt,
		errorsJSON, q.LockVersion, q.InsertedAt, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (s *Store) QueueItem(ctx context.Context, commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	return s.queueItem(ctx, s.pool, commandID)
}

func (s *Store) queueItem(ctx context.Context, db pgdb, commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	items, err := s.queryQueueItems(ctx, db, `
		SELECT `+queueColumns+` FROM command_queue_items
		WHERE command_id = $1`, string(commandID))
	if err != nil {
		return ledger.CommandQueueItem{}, err
	}
	if len(items) == 0 {
		return ledger.CommandQueueItem{}, ledger.ErrNotFound
	}
	return items[0], nil
}

func (s *Store) queryQueueItems(ctx context.Context, db pgdb, query string, args ...any) ([]ledger.CommandQueueItem, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	var out []ledger.CommandQueueItem
	for rows.Next() {
		var (
			q           ledger.CommandQueueItem
			processorID *string
			errorsJSON  []byte
		)
		err := rows.Scan(&q.CommandID, &q.Status, &q.RetryCount, &q.OCCRetryCount,
			&q.NextRetryAfter, &processorID, &q.ProcessingStartedAt,
			&q.ProcessingCompletedAt, &errorsJSON, &q.LockVersion,
			&q.InsertedAt, &q.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		q.ProcessorID = deref(processorID)
		if err := decodeQueueErrors(errorsJSON, &q.Errors); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) ClaimQueueItem(ctx context.Context, commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
	return s.claimQueueItem(ctx, s.pool, commandID, processorID, expectedLockVersion, now)
}

func (s *Store) claimQueueItem(ctx context.Context, db pgdb, commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
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

	tag, err := db.Exec(ctx, `
		UPDATE command_queue_items
		SET status = $1, processor_id = $2, processing_started_at = $3,
		    lock_version = lock_version + 1, updated_at = $4
		WHERE command_id = $5 AND lock_version = $6 AND status IN ($7, $8, $9)`,
		string(ledger.QueueProcessing), processorID, now, now,
		string(commandID), expectedLockVersion,
		string(ledger.QueuePending), string(ledger.QueueFailed), string(ledger.QueueOCCTimeout),
	)
	if err != nil {
		return ledger.CommandQueueItem{}, fmt.Errorf("failed to claim queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Raced: someone moved the row between the read and the update
		return ledger.CommandQueueItem{}, ledger.ErrAlreadyClaimed
	}

	return s.queueItem(ctx, db, commandID)
}

func (s *Store) UpdateQueueItem(ctx context.Context, q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	return s.updateQueueItem(ctx, s.pool, q)
}

func (s *Store) updateQueueItem(ctx context.Context, db pgdb, q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	tag, err := db.Exec(ctx, `
		UPDATE command_queue_items
		SET status = $1, retry_count = $2, next_retry_after = $3, processor_id = $4,
		    processing_started_at = $5, processing_completed_at = $6,
		    lock_version = lock_version + 1, updated_at = $7
		WHERE command_id = $8 AND lock_version = $9`,
		string(q.Status), q.RetryCount, q.NextRetryAfter,
		nullIfEmpty(q.ProcessorID), q.ProcessingStartedAt,
		q.ProcessingCompletedAt, q.UpdatedAt,
		string(q.CommandID), q.LockVersion,
	)
	if err != nil {
		return ledger.CommandQueueItem{}, fmt.Errorf("failed to update queue item: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var count int
		if err := db.QueryRow(ctx,
			"SELECT COUNT(*) FROM command_queue_items WHERE command_id = $1",
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

func (s *Store) AppendQueueError(ctx context.Context, commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
	return s.appendQueueError(ctx, s.pool, commandID, qe, incrementOCCRetry)
}

func (s *Store) appendQueueError(ctx context.Context, db pgdb, commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
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

	_, err = db.Exec(ctx, `
		UPDATE command_queue_items
		SET errors_json = $1, occ_retry_count = occ_retry_count + $2, updated_at = $3
		WHERE command_id = $4`,
		errorsJSON, occIncrement, qe.InsertedAt, string(commandID),
	)
	if err != nil {
		return fmt.Errorf("failed to append queue error: %w", err)
	}
	return nil
}

func (s *Store) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	return s.dueQueueItems(ctx, s.pool, now, limit)
}

func (s *Store) dueQueueItems(ctx context.Context, db pgdb, now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	return s.queryQueueItems(ctx, db, `
		SELECT `+queueColumns+` FROM command_queue_items
		WHERE status IN ($1, $2, $3)
		  AND (next_retry_after IS NULL OR next_retry_after <= $4)
		ORDER BY COALESCE(next_retry_after, inserted_at) ASC, command_id ASC
		LIMIT $5`,
		string(ledger.QueuePending), string(ledger.QueueFailed),
		string(ledger.QueueOCCTimeout), now, limitArg(limit))
}

func (s *Store) StaleProcessing(ctx context.Context, cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	return s.staleProcessing(ctx, s.pool, cutoff)
}

func (s *Store) staleProcessing(ctx context.Context, db pgdb, cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	return s.queryQueueItems(ctx, db, `
		SELECT `+queueColumns+` FROM command_queue_items
		WHERE status = $1 AND processing_started_at IS NOT NULL
		  AND processing_started_at < $2
		ORDER BY processing_started_at ASC`,
		string(ledger.QueueProcessing), cutoff)
}

func (s *Store) CountQueueByStatus(ctx context.Context) (map[ledger.QueueStatus]int, error) {
	return s.countQueueByStatus(ctx, s.pool)
}

func (s *Store) countQueueByStatus(ctx context.Context, db pgdb) (map[ledger.QueueStatus]int, error) {
	rows, err := db.Query(ctx, `
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

func (s *Store) InsertIdempotencyKey(ctx context.Context, rec ledger.IdempotencyKeyRecord) error {
	return s.insertIdempotencyKey(ctx, s.pool, rec)
}

func (s *Store) insertIdempotencyKey(ctx context.Context, db pgdb, rec ledger.IdempotencyKeyRecord) error {
	_, err := db.Exec(ctx, `
		INSERT INTO idempotency_keys (id, instance_id, key_hash, first_seen_at)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, string(rec.InstanceID), rec.KeyHash, rec.FirstSeenAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	return nil
}

// =============================================================================
// PENDING TRANSACTION LOOKUPS
// =============================================================================

func (s *Store) InsertPendingLookup(ctx context.Context, l ledger.PendingTransactionLookup) error {
	return s.insertPendingLookup(ctx, s.pool, l)
}

func (s *Store) insertPendingLookup(ctx context.Context, db pgdb, l ledger.PendingTransactionLookup) error {
	_, err := db.Exec(ctx, `
		INSERT INTO pending_transaction_lookups
		(id, instance_id, source, source_idempk, command_id, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, string(l.InstanceID), l.Source, l.SourceIdempk,
		string(l.CommandID), l.InsertedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicatePendingLookup
		}
		return fmt.Errorf("failed to insert pending lookup: %w", err)
	}
	return nil
}

func (s *Store) PendingLookup(ctx context.Context, instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	return s.pendingLookup(ctx, s.pool, instanceID, source, sourceIdempk)
}

func (s *Store) pendingLookup(ctx context.Context, db pgdb, instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	row := db.QueryRow(ctx, `
		SELECT id, instance_id, source, source_idempk, command_id, inserted_at
		FROM pending_transaction_lookups
		WHERE instance_id = $1 AND source = $2 AND source_idempk = $3`,
		string(instanceID), source, sourceIdempk)

	var l ledger.PendingTransactionLookup
	err := row.Scan(&l.ID, &l.InstanceID, &l.Source, &l.SourceIdempk, &l.CommandID, &l.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.PendingTransactionLookup{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.PendingTransactionLookup{}, fmt.Errorf("failed to scan pending lookup: %w", err)
	}
	return l, nil
}

// =============================================================================
// JOURNAL EVENTS
// =============================================================================

func (s *Store) AppendJournalEvent(ctx context.Context, ev ledger.JournalEvent) error {
	return s.appendJournalEvent(ctx, s.pool, ev)
}

func (s *Store) appendJournalEvent(ctx context.Context, db pgdb, ev ledger.JournalEvent) error {
	mapJSON, err := json.Marshal(ev.Map)
	if err != nil {
		return fmt.Errorf("failed to encode event map: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO journal_events
		(id, instance_id, command_id, action, source, source_idempk, map_json, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(ev.ID), string(ev.InstanceID), string(ev.CommandID),
		string(ev.Action), ev.Source, ev.SourceIdempk, mapJSON, ev.InsertedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert journal event: %w", err)
	}

	for i, accountID := range ev.AccountIDs {
		if _, err := db.Exec(ctx, `
			INSERT INTO event_account_links (event_id, account_id, position)
			VALUES ($1, $2, $3)`,
			string(ev.ID), string(accountID), i); err != nil {
			return fmt.Errorf("failed to insert event account link: %w", err)
		}
	}
	for i, txID := range ev.TransactionIDs {
		if _, err := db.Exec(ctx, `
			INSERT INTO event_transaction_links (event_id, transaction_id, position)
			VALUES ($1, $2, $3)`,
			string(ev.ID), string(txID), i); err != nil {
			return fmt.Errorf("failed to insert event transaction link: %w", err)
		}
	}
	return nil
}

func (s *Store) JournalEventByCommand(ctx context.Context, commandID ledger.CommandID) (ledger.JournalEvent, error) {
	return s.journalEventByCommand(ctx, s.pool, commandID)
}

func (s *Store) journalEventByCommand(ctx context.Context, db pgdb, commandID ledger.CommandID) (ledger.JournalEvent, error) {
	events, err := s.queryJournalEvents(ctx, db, `
		SELECT id, instance_id, command_id, action, source, source_idempk, map_json, inserted_at
		FROM journal_events WHERE command_id = $1`, string(commandID))
	if err != nil {
		return ledger.JournalEvent{}, err
	}
	if len(events) == 0 {
		return ledger.JournalEvent{}, ledger.ErrNotFound
	}
	return events[0], nil
}

func (s *Store) JournalEvents(ctx context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	return s.journalEvents(ctx, s.pool, instanceID, limit)
}

func (s *Store) journalEvents(ctx context.Context, db pgdb, instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	return s.queryJournalEvents(ctx, db, `
		SELECT id, instance_id, command_id, action, source, source_idempk, map_json, inserted_at
		FROM journal_events WHERE instance_id = $1
		ORDER BY seq DESC LIMIT $2`, string(instanceID), limitArg(limit))
}

func (s *Store) queryJournalEvents(ctx context.Context, db pgdb, query string, args ...any) ([]ledger.JournalEvent, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal events: %w", err)
	}

	var events []ledger.JournalEvent
	for rows.Next() {
		var (
			ev      ledger.JournalEvent
			mapJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.CommandID, &ev.Action,
			&ev.Source, &ev.SourceIdempk, &mapJSON, &ev.InsertedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan journal event: %w", err)
		}
		if err := json.Unmarshal(mapJSON, &ev.Map); err != nil {
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

func (s *Store) loadEventLinks(ctx context.Context, db pgdb, ev *ledger.JournalEvent) error {
	rows, err := db.Query(ctx, `
		SELECT account_id FROM event_account_links
		WHERE event_id = $1 ORDER BY position ASC`, string(ev.ID))
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

	rows, err = db.Query(ctx, `
		SELECT transaction_id FROM event_transaction_links
		WHERE event_id = $1 ORDER BY position ASC`, string(ev.ID))
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

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txStore := &txStore{tx: tx, parent: s}
	if err := fn(txStore); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// txStore routes every Store call through the open pgx.Tx.
type txStore struct {
	tx     pgx.Tx
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
	tables := []string{
		"event_transaction_links", "event_account_links", "journal_events",
		"pending_transaction_lookups", "idempotency_keys",
		"command_queue_items", "commands", "balance_history_entries",
		"entries", "transactions", "accounts", "instances",
	}
	for _, table := range tables {
		if _, err := s.pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func decodeQueueErrors(raw []byte, dst *[]ledger.QueueError) error {
	if len(raw) == 0 || string(raw) == "[]" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode queue errors: %w", err)
	}
	return nil
}

// limitArg maps a non-positive limit to NULL, which PostgreSQL treats as
// LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Interface guards.
var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*txStore)(nil)
)
