/*
handler_transaction.go - Create and update transaction units of work

PURPOSE:
  Builds the atomic multi-step writes behind create_transaction and
  update_transaction. Each build produces a fresh Multi so the OCC
  processor can rerun it with fresh account reads after a collision.

CREATE STEPS:
  transaction   -> transform payload, insert transaction + entries, apply
                   balances with versioned writes, append history
  journal_event -> append event + link rows
  queue_item    -> mark the claimed item processed

UPDATE STEPS:
  pending_transaction_lookup                 -> find the create predecessor
                                                and branch on its status
  get_create_transaction_command_transaction -> load the created transaction
  transaction                                -> apply status/entry change
  journal_event, queue_item                  -> as above

BALANCE ALGEBRA ON UPDATE:
  pending -> posted  (no entries)   settle: pending moves into posted
  pending -> posted  (new entries)  reverse old pending, apply new to posted
  pending -> pending (new entries)  reverse old pending, apply new to pending
  pending -> archived               reverse old pending, keep entry rows

  Dependency checks run before any balance work: an update whose create is
  not processed yet never gets as far as validating its entries.

SEE ALSO:
  - transformer.go: Payload-to-entries conversion used by both builds
  - dispatcher.go: Routing and the branching on DependencyError
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// TransactionHandler builds units of work for transaction commands.
type TransactionHandler struct {
	queue *Queue
	clock Clock
}

// NewTransactionHandler wires the handler to the queue transitions it
// finishes with.
func NewTransactionHandler(queue *Queue, clock Clock) *TransactionHandler {
	return &TransactionHandler{queue: queue, clock: clock}
}

// =============================================================================
// CREATE
// =============================================================================

// BuildCreate returns the unit of work for one create_transaction attempt.
func (h *TransactionHandler) BuildCreate(cmd Command, item CommandQueueItem) *Multi {
	var created Transaction

	m := NewMulti()
	m.Add(StepTransaction, func(ctx context.Context, s Store) error {
		data, ok := cmd.Map.TransactionPayload()
		if !ok {
			return &PermanentError{Err: errors.New("command payload is not transaction data")}
		}
		tt, err := Transform(ctx, s, cmd.InstanceID, data)
		if err != nil {
			return err
		}
		created, err = h.insertTransformed(ctx, s, tt)
		return err
	})
	m.Add(StepJournalEvent, func(ctx context.Context, s Store) error {
		ev := NewJournalEvent(cmd, AccountIDsOf(created.Entries), []TransactionID{created.ID}, h.clock.Now())
		return s.AppendJournalEvent(ctx, ev)
	})
	m.Add(StepQueueItem, func(ctx context.Context, s Store) error {
		_, err := h.queue.MarkProcessed(ctx, s, item)
		return err
	})
	return m
}

// insertTransformed writes the transaction, its entries, the balance
// changes, and the history snapshots. A status-only transform (archived
// create) yields an entry-less shell.
func (h *TransactionHandler) insertTransformed(ctx context.Context, s Store, tt TransformedTransaction) (Transaction, error) {
	now := h.clock.Now()
	txn := NewTransaction(tt.InstanceID, tt.Status, now)
	txn.Entries = buildEntries(tt, txn.ID, now)

	mut := newAccountMutator(now)
	for _, a := range tt.Accounts {
		mut.load(a)
	}

	if len(txn.Entries) > 0 {
		if bad := CheckBalanced(txn.Entries); len(bad) > 0 {
			return Transaction{}, &UnbalancedError{Currencies: bad}
		}
		for _, e := range txn.Entries {
			mut.apply(txn.Status, e)
		}
	}

	if err := s.CreateTransaction(ctx, txn); err != nil {
		return Transaction{}, err
	}
	if err := mut.flush(ctx, s); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

// =============================================================================
// UPDATE
// =============================================================================

// BuildUpdate returns the unit of work for one update_transaction attempt.
// The first two steps locate and load the create predecessor; their tagged
// errors (DependencyError) abort the attempt and steer the dispatcher.
func (h *TransactionHandler) BuildUpdate(cmd Command, item CommandQueueItem) *Multi {
	var (
		lookup  PendingTransactionLookup
		current Transaction
		touched []AccountID
	)

	m := NewMulti()
	m.Add(StepPendingLookup, func(ctx context.Context, s Store) error {
		l, err := s.PendingLookup(ctx, cmd.InstanceID, cmd.Source, cmd.SourceIdempk)
		if IsNotFound(err) {
			return &DependencyError{
				Code: CodeCreateCommandNotFound,
				Message: fmt.Sprintf("no create command for source %s source_idempk %s",
					cmd.Source, cmd.SourceIdempk),
			}
		}
		if err != nil {
			return err
		}
		lookup = l

		qi, err := s.QueueItem(ctx, l.CommandID)
		if err != nil {
			return err
		}
		if qi.Status == QueueProcessed {
			return nil
		}
		st := qi.Status
		return &DependencyError{
			PredecessorStatus: &st,
			Message:           fmt.Sprintf("create command %s is %s", l.CommandID, st),
		}
	})
	m.Add(StepGetCreateTransaction, func(ctx context.Context, s Store) error {
		t, err := s.TransactionByCommand(ctx, lookup.CommandID)
		if err != nil {
			return err
		}
		current = t
		return nil
	})
	m.Add(StepTransaction, func(ctx context.Context, s Store) error {
		var err error
		touched, err = h.applyUpdate(ctx, s, cmd, &current)
		return err
	})
	m.Add(StepJournalEvent, func(ctx context.Context, s Store) error {
		ev := NewJournalEvent(cmd, touched, []TransactionID{current.ID}, h.clock.Now())
		return s.AppendJournalEvent(ctx, ev)
	})
	m.Add(StepQueueItem, func(ctx context.Context, s Store) error {
		_, err := h.queue.MarkProcessed(ctx, s, item)
		return err
	})
	return m
}

// applyUpdate mutates the current transaction per the payload and writes
// the balance consequences. Returns the accounts whose balances moved.
func (h *TransactionHandler) applyUpdate(ctx context.Context, s Store, cmd Command, current *Transaction) ([]AccountID, error) {
	data, ok := cmd.Map.TransactionPayload()
	if !ok {
		return nil, &PermanentError{Err: errors.New("command payload is not transaction data")}
	}
	if !ValidTransition(current.Status, data.Status) {
		return nil, &PermanentError{Err: fmt.Errorf("%w: cannot change %s to %s",
			ErrTerminalTransaction, current.Status, data.Status)}
	}

	tt, err := Transform(ctx, s, cmd.InstanceID, data)
	if err != nil {
		return nil, err
	}

	now := h.clock.Now()
	mut := newAccountMutator(now)
	if err := h.loadCurrentAccounts(ctx, s, current.Entries, mut); err != nil {
		return nil, err
	}
	for _, a := range tt.Accounts {
		mut.load(a)
	}

	replace := false
	switch data.Status {
	case TransactionArchived:
		for _, e := range current.Entries {
			mut.reverse(TransactionPending, e)
		}

	case TransactionPosted:
		if tt.StatusOnly() {
			for _, e := range current.Entries {
				mut.settle(e)
			}
		} else {
			newEntries := buildEntries(tt, current.ID, now)
			if bad := CheckBalanced(newEntries); len(bad) > 0 {
				return nil, &UnbalancedError{Currencies: bad}
			}
			for _, e := range current.Entries {
				mut.reverse(TransactionPending, e)
			}
			for _, e := range newEntries {
				mut.apply(TransactionPosted, e)
			}
			current.Entries = newEntries
			replace = true
		}

	case TransactionPending:
		if !tt.StatusOnly() {
			newEntries := buildEntries(tt, current.ID, now)
			if bad := CheckBalanced(newEntries); len(bad) > 0 {
				return nil, &UnbalancedError{Currencies: bad}
			}
			for _, e := range current.Entries {
				mut.reverse(TransactionPending, e)
			}
			for _, e := range newEntries {
				mut.apply(TransactionPending, e)
			}
			current.Entries = newEntries
			replace = true
		}
	}

	current.Status = data.Status
	current.UpdatedAt = now
	if err := s.UpdateTransaction(ctx, *current, replace); err != nil {
		return nil, err
	}
	if err := mut.flush(ctx, s); err != nil {
		return nil, err
	}
	return mut.touchedIDs(), nil
}

// loadCurrentAccounts registers the accounts behind the stored entries so
// reversals and settlements have rows to work on.
func (h *TransactionHandler) loadCurrentAccounts(ctx context.Context, s Store, entries []Entry, mut *accountMutator) error {
	ids := AccountIDsOf(entries)
	if len(ids) == 0 {
		return nil
	}
	accounts, err := s.AccountsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(accounts) != len(ids) {
		return fmt.Errorf("%w: %d of %d accounts behind existing entries",
			ErrAccountNotFound, len(accounts), len(ids))
	}
	for _, a := range accounts {
		mut.load(a)
	}
	return nil
}

// buildEntries materializes stored entry rows from a transform result.
func buildEntries(tt TransformedTransaction, txnID TransactionID, now time.Time) []Entry {
	if len(tt.Entries) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(tt.Entries))
	for _, te := range tt.Entries {
		out = append(out, NewEntry(txnID, te.AccountID, te.Value, te.Currency, te.Side, now))
	}
	return out
}

// =============================================================================
// ACCOUNT MUTATOR - accumulate balance changes, write each account once
// =============================================================================

// accountMutator holds working copies of account rows, applies entry
// arithmetic to them, snapshots history after every application, and
// finally writes each touched account once with the row version it was
// read at.
type accountMutator struct {
	now      time.Time
	accounts map[AccountID]Account
	versions map[AccountID]int64
	touched  map[AccountID]bool
	history  []BalanceHistoryEntry
}

func newAccountMutator(now time.Time) *accountMutator {
	return &accountMutator{
		now:      now,
		accounts: map[AccountID]Account{},
		versions: map[AccountID]int64{},
		touched:  map[AccountID]bool{},
	}
}

// load registers a working copy. The first registration of an account wins;
// later reads within the same transaction are identical by definition.
func (m *accountMutator) load(a Account) {
	if _, ok := m.accounts[a.ID]; ok {
		return
	}
	m.accounts[a.ID] = a
	m.versions[a.ID] = a.RowVersion
}

func (m *accountMutator) apply(status TransactionStatus, e Entry) {
	a := m.accounts[e.AccountID]
	a.ApplyEntry(status, e)
	m.record(a, e.ID)
}

func (m *accountMutator) reverse(status TransactionStatus, e Entry) {
	a := m.accounts[e.AccountID]
	a.ReverseEntry(status, e)
	m.record(a, e.ID)
}

func (m *accountMutator) settle(e Entry) {
	a := m.accounts[e.AccountID]
	a.SettleEntry(e)
	m.record(a, e.ID)
}

func (m *accountMutator) record(a Account, entryID EntryID) {
	a.UpdatedAt = m.now
	m.accounts[a.ID] = a
	m.touched[a.ID] = true
	m.history = append(m.history, NewBalanceHistoryEntry(a, entryID, m.now))
}

// touchedIDs returns the mutated account ids in stable order.
func (m *accountMutator) touchedIDs() []AccountID {
	out := make([]AccountID, 0, len(m.touched))
	for id := range m.touched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// flush writes every touched account with its original row version, then
// appends the history snapshots. A stale version surfaces ErrStaleVersion
// and rolls the whole attempt back.
func (m *accountMutator) flush(ctx context.Context, s Store) error {
	for _, id := range m.touchedIDs() {
		if err := s.UpdateAccountBalances(ctx, m.accounts[id], m.versions[id]); err != nil {
			return err
		}
	}
	for _, h := range m.history {
		if err := s.AppendBalanceHistory(ctx, h); err != nil {
			return err
		}
	}
	return nil
}
