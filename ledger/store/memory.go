// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type acctKey struct {
	InstanceID ledger.InstanceID
	Address    string
}

type idemKey struct {
	InstanceID ledger.InstanceID
	Hash       string
}

type lookupKey struct {
	InstanceID   ledger.InstanceID
	Source       string
	SourceIdempk string
}

type Memory struct {
	mu sync.RWMutex

	instances     map[ledger.InstanceID]ledger.Instance
	instanceAddrs map[string]ledger.InstanceID

	accounts     map[ledger.AccountID]ledger.Account
	accountAddrs map[acctKey]ledger.AccountID

	transactions map[ledger.TransactionID]ledger.Transaction
	txnOrder     []ledger.TransactionID

	history map[ledger.AccountID][]ledger.BalanceHistoryEntry

	commands map[ledger.CommandID]ledger.Command
	cmdOrder []ledger.CommandID

	queue map[ledger.CommandID]ledger.CommandQueueItem

	idempotency map[idemKey]ledger.IdempotencyKeyRecord
	lookups     map[lookupKey]ledger.PendingTransactionLookup

	events       map[ledger.EventID]ledger.JournalEvent
	eventByCmd   map[ledger.CommandID]ledger.EventID
	eventOrder   []ledger.EventID
}

func NewMemory() *Memory {
	return &Memory{
		instances:     make(map[ledger.InstanceID]ledger.Instance),
		instanceAddrs: make(map[string]ledger.InstanceID),
		accounts:      make(map[ledger.AccountID]ledger.Account),
		accountAddrs:  make(map[acctKey]ledger.AccountID),
		transactions:  make(map[ledger.TransactionID]ledger.Transaction),
		history:       make(map[ledger.AccountID][]ledger.BalanceHistoryEntry),
		commands:      make(map[ledger.CommandID]ledger.Command),
		queue:         make(map[ledger.CommandID]ledger.CommandQueueItem),
		idempotency:   make(map[idemKey]ledger.IdempotencyKeyRecord),
		lookups:       make(map[lookupKey]ledger.PendingTransactionLookup),
		events:        make(map[ledger.EventID]ledger.JournalEvent),
		eventByCmd:    make(map[ledger.CommandID]ledger.EventID),
	}
}

// --- copies: callers never share backing arrays with the store ---

func cloneTransaction(t ledger.Transaction) ledger.Transaction {
	t.Entries = append([]ledger.Entry(nil), t.Entries...)
	return t
}

func cloneQueueItem(q ledger.CommandQueueItem) ledger.CommandQueueItem {
	q.Errors = append([]ledger.QueueError(nil), q.Errors...)
	if q.NextRetryAfter != nil {
		t := *q.NextRetryAfter
		q.NextRetryAfter = &t
	}
	if q.ProcessingStartedAt != nil {
		t := *q.ProcessingStartedAt
		q.ProcessingStartedAt = &t
	}
	if q.ProcessingCompletedAt != nil {
		t := *q.ProcessingCompletedAt
		q.ProcessingCompletedAt = &t
	}
	return q
}

func cloneEvent(ev ledger.JournalEvent) ledger.JournalEvent {
	ev.AccountIDs = append([]ledger.AccountID(nil), ev.AccountIDs...)
	ev.TransactionIDs = append([]ledger.TransactionID(nil), ev.TransactionIDs...)
	return ev
}

// =============================================================================
// INSTANCES
// =============================================================================

func (m *Memory) CreateInstance(_ context.Context, in ledger.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createInstanceLocked(in)
}

func (m *Memory) createInstanceLocked(in ledger.Instance) error {
	if _, ok := m.instanceAddrs[in.Address]; ok {
		return ledger.ErrDuplicateKey
	}
	m.instances[in.ID] = in
	m.instanceAddrs[in.Address] = in.ID
	return nil
}

func (m *Memory) InstanceByAddress(_ context.Context, address string) (ledger.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instanceByAddressLocked(address)
}

func (m *Memory) instanceByAddressLocked(address string) (ledger.Instance, error) {
	id, ok := m.instanceAddrs[address]
	if !ok {
		return ledger.Instance{}, ledger.ErrInstanceNotFound
	}
	return m.instances[id], nil
}

func (m *Memory) InstanceByID(_ context.Context, id ledger.InstanceID) (ledger.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instanceByIDLocked(id)
}

func (m *Memory) instanceByIDLocked(id ledger.InstanceID) (ledger.Instance, error) {
	in, ok := m.instances[id]
	if !ok {
		return ledger.Instance{}, ledger.ErrInstanceNotFound
	}
	return in, nil
}

func (m *Memory) Instances(_ context.Context) ([]ledger.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instancesLocked()
}

func (m *Memory) instancesLocked() ([]ledger.Instance, error) {
	out := make([]ledger.Instance, 0, len(m.instances))
	for _, in := range m.instances {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(a)
}

func (m *Memory) createAccountLocked(a ledger.Account) error {
	k := acctKey{InstanceID: a.InstanceID, Address: a.Address}
	if _, ok := m.accountAddrs[k]; ok {
		return ledger.ErrDuplicateKey
	}
	m.accounts[a.ID] = a
	m.accountAddrs[k] = a.ID
	return nil
}

func (m *Memory) AccountByAddress(_ context.Context, instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountByAddressLocked(instanceID, address)
}

func (m *Memory) accountByAddressLocked(instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	id, ok := m.accountAddrs[acctKey{InstanceID: instanceID, Address: address}]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return m.accounts[id], nil
}

func (m *Memory) AccountByID(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountByIDLocked(id)
}

func (m *Memory) accountByIDLocked(id ledger.AccountID) (ledger.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (m *Memory) AccountsByAddresses(_ context.Context, instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsByAddressesLocked(instanceID, addresses)
}

func (m *Memory) accountsByAddressesLocked(instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	out := make([]ledger.Account, 0, len(addresses))
	for _, addr := range addresses {
		if id, ok := m.accountAddrs[acctKey{InstanceID: instanceID, Address: addr}]; ok {
			out = append(out, m.accounts[id])
		}
	}
	return out, nil
}

func (m *Memory) AccountsByIDs(_ context.Context, ids []ledger.AccountID) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsByIDsLocked(ids)
}

func (m *Memory) accountsByIDsLocked(ids []ledger.AccountID) ([]ledger.Account, error) {
	out := make([]ledger.Account, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) Accounts(_ context.Context, instanceID ledger.InstanceID) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountsLocked(instanceID)
}

func (m *Memory) accountsLocked(instanceID ledger.InstanceID) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range m.accounts {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *Memory) UpdateAccountBalances(_ context.Context, a ledger.Account, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAccountBalancesLocked(a, expectedVersion)
}

func (m *Memory) updateAccountBalancesLocked(a ledger.Account, expectedVersion int64) error {
	stored, ok := m.accounts[a.ID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if stored.RowVersion != expectedVersion {
		return ledger.ErrStaleVersion
	}
	stored.Posted = a.Posted
	stored.Pending = a.Pending
	stored.UpdatedAt = a.UpdatedAt
	stored.RowVersion = expectedVersion + 1
	m.accounts[a.ID] = stored
	return nil
}

func (m *Memory) UpdateAccountFields(_ context.Context, id ledger.AccountID, name, description string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAccountFieldsLocked(id, name, description, now)
}

func (m *Memory) updateAccountFieldsLocked(id ledger.AccountID, name, description string, now time.Time) error {
	stored, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	stored.Name = name
	stored.Description = description
	stored.UpdatedAt = now
	m.accounts[id] = stored
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) CreateTransaction(_ context.Context, t ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTransactionLocked(t)
}

func (m *Memory) createTransactionLocked(t ledger.Transaction) error {
	m.transactions[t.ID] = cloneTransaction(t)
	m.txnOrder = append(m.txnOrder, t.ID)
	return nil
}

func (m *Memory) TransactionByID(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionByIDLocked(id)
}

func (m *Memory) transactionByIDLocked(id ledger.TransactionID) (ledger.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (m *Memory) Transactions(_ context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsLocked(instanceID, limit)
}

func (m *Memory) transactionsLocked(instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for i := len(m.txnOrder) - 1; i >= 0; i-- {
		t := m.transactions[m.txnOrder[i]]
		if t.InstanceID != instanceID {
			continue
		}
		out = append(out, cloneTransaction(t))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) UpdateTransaction(_ context.Context, t ledger.Transaction, replaceEntries bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTransactionLocked(t, replaceEntries)
}

func (m *Memory) updateTransactionLocked(t ledger.Transaction, replaceEntries bool) error {
	stored, ok := m.transactions[t.ID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	stored.Status = t.Status
	stored.UpdatedAt = t.UpdatedAt
	if replaceEntries {
		stored.Entries = append([]ledger.Entry(nil), t.Entries...)
	}
	m.transactions[t.ID] = stored
	return nil
}

func (m *Memory) TransactionByCommand(_ context.Context, commandID ledger.CommandID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionByCommandLocked(commandID)
}

func (m *Memory) transactionByCommandLocked(commandID ledger.CommandID) (ledger.Transaction, error) {
	evID, ok := m.eventByCmd[commandID]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	ev := m.events[evID]
	if len(ev.TransactionIDs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return m.transactionByIDLocked(ev.TransactionIDs[0])
}

// =============================================================================
// BALANCE HISTORY
// =============================================================================

func (m *Memory) AppendBalanceHistory(_ context.Context, h ledger.BalanceHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendBalanceHistoryLocked(h)
}

func (m *Memory) appendBalanceHistoryLocked(h ledger.BalanceHistoryEntry) error {
	m.history[h.AccountID] = append(m.history[h.AccountID], h)
	return nil
}

func (m *Memory) BalanceHistory(_ context.Context, accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceHistoryLocked(accountID, limit)
}

func (m *Memory) balanceHistoryLocked(accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	rows := m.history[accountID]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]ledger.BalanceHistoryEntry(nil), rows...), nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func (m *Memory) CreateCommand(_ context.Context, c ledger.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCommandLocked(c)
}

func (m *Memory) createCommandLocked(c ledger.Command) error {
	m.commands[c.ID] = c
	m.cmdOrder = append(m.cmdOrder, c.ID)
	return nil
}

func (m *Memory) CommandByID(_ context.Context, id ledger.CommandID) (ledger.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commandByIDLocked(id)
}

func (m *Memory) commandByIDLocked(id ledger.CommandID) (ledger.Command, error) {
	c, ok := m.commands[id]
	if !ok {
		return ledger.Command{}, ledger.ErrCommandNotFound
	}
	return c, nil
}

func (m *Memory) CommandsByStatus(_ context.Context, instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commandsByStatusLocked(instanceID, status, limit)
}

func (m *Memory) commandsByStatusLocked(instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	var out []ledger.CommandRecord
	for i := len(m.cmdOrder) - 1; i >= 0; i-- {
		c := m.commands[m.cmdOrder[i]]
		if c.InstanceID != instanceID {
			continue
		}
		q, ok := m.queue[c.ID]
		if !ok {
			continue
		}
		if status != "" && q.Status != status {
			continue
		}
		out = append(out, ledger.CommandRecord{Command: c, Queue: cloneQueueItem(q)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// QUEUE ITEMS
// =============================================================================

func (m *Memory) CreateQueueItem(_ context.Context, q ledger.CommandQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createQueueItemLocked(q)
}

func (m *Memory) createQueueItemLocked(q ledger.CommandQueueItem) error {
	m.queue[q.CommandID] = cloneQueueItem(q)
	return nil
}

func (m *Memory) QueueItem(_ context.Context, commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queueItemLocked(commandID)
}

func (m *Memory) queueItemLocked(commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	q, ok := m.queue[commandID]
	if !ok {
		return ledger.CommandQueueItem{}, ledger.ErrNotFound
	}
	return cloneQueueItem(q), nil
}

func (m *Memory) ClaimQueueItem(_ context.Context, commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimQueueItemLocked(commandID, processorID, expectedLockVersion, now)
}

func (m *Memory) claimQueueItemLocked(commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
	q, ok := m.queue[commandID]
	if !ok {
		return ledger.CommandQueueItem{}, ledger.ErrNotFound
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
	if q.LockVersion != expectedLockVersion {
		return ledger.CommandQueueItem{}, ledger.ErrAlreadyClaimed
	}
	q.Status = ledger.QueueProcessing
	q.ProcessorID = processorID
	started := now
	q.ProcessingStartedAt = &started
	q.LockVersion++
	q.UpdatedAt = now
	m.queue[commandID] = q
	return cloneQueueItem(q), nil
}

func (m *Memory) UpdateQueueItem(_ context.Context, q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateQueueItemLocked(q)
}

func (m *Memory) updateQueueItemLocked(q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	stored, ok := m.queue[q.CommandID]
	if !ok {
		return ledger.CommandQueueItem{}, ledger.ErrNotFound
	}
	if stored.LockVersion != q.LockVersion {
		return ledger.CommandQueueItem{}, ledger.ErrStaleVersion
	}
	stored.Status = q.Status
	stored.RetryCount = q.RetryCount
	stored.NextRetryAfter = q.NextRetryAfter
	stored.ProcessorID = q.ProcessorID
	stored.ProcessingStartedAt = q.ProcessingStartedAt
	stored.ProcessingCompletedAt = q.ProcessingCompletedAt
	stored.UpdatedAt = q.UpdatedAt
	stored.LockVersion++
	m.queue[q.CommandID] = cloneQueueItem(stored)
	return cloneQueueItem(stored), nil
}

func (m *Memory) AppendQueueError(_ context.Context, commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendQueueErrorLocked(commandID, qe, incrementOCCRetry)
}

func (m *Memory) appendQueueErrorLocked(commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
	stored, ok := m.queue[commandID]
	if !ok {
		return ledger.ErrNotFound
	}
	stored.Errors = append(append([]ledger.QueueError(nil), stored.Errors...), qe)
	if incrementOCCRetry {
		stored.OCCRetryCount++
	}
	stored.UpdatedAt = qe.InsertedAt
	m.queue[commandID] = stored
	return nil
}

func (m *Memory) DueQueueItems(_ context.Context, now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dueQueueItemsLocked(now, limit)
}

func (m *Memory) dueQueueItemsLocked(now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	var out []ledger.CommandQueueItem
	for _, q := range m.queue {
		if !q.Status.Claimable() {
			continue
		}
		if q.NextRetryAfter != nil && q.NextRetryAfter.After(now) {
			continue
		}
		out = append(out, cloneQueueItem(q))
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := dueAt(out[i]), dueAt(out[j])
		if di.Equal(dj) {
			return out[i].CommandID < out[j].CommandID
		}
		return di.Before(dj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func dueAt(q ledger.CommandQueueItem) time.Time {
	if q.NextRetryAfter != nil {
		return *q.NextRetryAfter
	}
	return q.InsertedAt
}

func (m *Memory) StaleProcessing(_ context.Context, cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.staleProcessingLocked(cutoff)
}

func (m *Memory) staleProcessingLocked(cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	var out []ledger.CommandQueueItem
	for _, q := range m.queue {
		if q.Status != ledger.QueueProcessing {
			continue
		}
		if q.ProcessingStartedAt == nil || !q.ProcessingStartedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneQueueItem(q))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProcessingStartedAt.Before(*out[j].ProcessingStartedAt)
	})
	return out, nil
}

func (m *Memory) CountQueueByStatus(_ context.Context) (map[ledger.QueueStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countQueueByStatusLocked()
}

func (m *Memory) countQueueByStatusLocked() (map[ledger.QueueStatus]int, error) {
	out := make(map[ledger.QueueStatus]int)
	for _, q := range m.queue {
		out[q.Status]++
	}
	return out, nil
}

// =============================================================================
// IDEMPOTENCY KEYS
// =============================================================================

func (m *Memory) InsertIdempotencyKey(_ context.Context, rec ledger.IdempotencyKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertIdempotencyKeyLocked(rec)
}

func (m *Memory) insertIdempotencyKeyLocked(rec ledger.IdempotencyKeyRecord) error {
	k := idemKey{InstanceID: rec.InstanceID, Hash: string(rec.KeyHash)}
	if _, ok := m.idempotency[k]; ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.idempotency[k] = rec
	return nil
}

// =============================================================================
// PENDING TRANSACTION LOOKUPS
// =============================================================================

func (m *Memory) InsertPendingLookup(_ context.Context, l ledger.PendingTransactionLookup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPendingLookupLocked(l)
}

func (m *Memory) insertPendingLookupLocked(l ledger.PendingTransactionLookup) error {
	k := lookupKey{InstanceID: l.InstanceID, Source: l.Source, SourceIdempk: l.SourceIdempk}
	if _, ok := m.lookups[k]; ok {
		return ledger.ErrDuplicatePendingLookup
	}
	m.lookups[k] = l
	return nil
}

func (m *Memory) PendingLookup(_ context.Context, instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingLookupLocked(instanceID, source, sourceIdempk)
}

func (m *Memory) pendingLookupLocked(instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	l, ok := m.lookups[lookupKey{InstanceID: instanceID, Source: source, SourceIdempk: sourceIdempk}]
	if !ok {
		return ledger.PendingTransactionLookup{}, ledger.ErrNotFound
	}
	return l, nil
}

// =============================================================================
// JOURNAL EVENTS
// =============================================================================

func (m *Memory) AppendJournalEvent(_ context.Context, ev ledger.JournalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendJournalEventLocked(ev)
}

func (m *Memory) appendJournalEventLocked(ev ledger.JournalEvent) error {
	m.events[ev.ID] = cloneEvent(ev)
	m.eventByCmd[ev.CommandID] = ev.ID
	m.eventOrder = append(m.eventOrder, ev.ID)
	return nil
}

func (m *Memory) JournalEventByCommand(_ context.Context, commandID ledger.CommandID) (ledger.JournalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.journalEventByCommandLocked(commandID)
}

func (m *Memory) journalEventByCommandLocked(commandID ledger.CommandID) (ledger.JournalEvent, error) {
	id, ok := m.eventByCmd[commandID]
	if !ok {
		return ledger.JournalEvent{}, ledger.ErrNotFound
	}
	return cloneEvent(m.events[id]), nil
}

func (m *Memory) JournalEvents(_ context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.journalEventsLocked(instanceID, limit)
}

func (m *Memory) journalEventsLocked(instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	var out []ledger.JournalEvent
	for i := len(m.eventOrder) - 1; i >= 0; i-- {
		ev := m.events[m.eventOrder[i]]
		if ev.InstanceID != instanceID {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Snapshot current state
	snapshot := tm.snapshot()

	// Create a transactional view
	txStore := &txMemoryView{parent: tm}

	// Execute function
	if err := fn(txStore); err != nil {
		// Rollback
		tm.restore(snapshot)
		return err
	}

	// Commit (already done via direct writes)
	return nil
}

type memorySnapshot struct {
	instances     map[ledger.InstanceID]ledger.Instance
	instanceAddrs map[string]ledger.InstanceID
	accounts      map[ledger.AccountID]ledger.Account
	accountAddrs  map[acctKey]ledger.AccountID
	transactions  map[ledger.TransactionID]ledger.Transaction
	txnOrder      []ledger.TransactionID
	history       map[ledger.AccountID][]ledger.BalanceHistoryEntry
	commands      map[ledger.CommandID]ledger.Command
	cmdOrder      []ledger.CommandID
	queue         map[ledger.CommandID]ledger.CommandQueueItem
	idempotency   map[idemKey]ledger.IdempotencyKeyRecord
	lookups       map[lookupKey]ledger.PendingTransactionLookup
	events        map[ledger.EventID]ledger.JournalEvent
	eventByCmd    map[ledger.CommandID]ledger.EventID
	eventOrder    []ledger.EventID
}

// snapshot copies every map. The locked mutators replace map values wholesale
// with freshly backed slices, so value-level copies are only needed for the
// history slices and the append-only order slices.
func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		instances:     make(map[ledger.InstanceID]ledger.Instance, len(tm.instances)),
		instanceAddrs: make(map[string]ledger.InstanceID, len(tm.instanceAddrs)),
		accounts:      make(map[ledger.AccountID]ledger.Account, len(tm.accounts)),
		accountAddrs:  make(map[acctKey]ledger.AccountID, len(tm.accountAddrs)),
		transactions:  make(map[ledger.TransactionID]ledger.Transaction, len(tm.transactions)),
		txnOrder:      append([]ledger.TransactionID(nil), tm.txnOrder...),
		history:       make(map[ledger.AccountID][]ledger.BalanceHistoryEntry, len(tm.history)),
		commands:      make(map[ledger.CommandID]ledger.Command, len(tm.commands)),
		cmdOrder:      append([]ledger.CommandID(nil), tm.cmdOrder...),
		queue:         make(map[ledger.CommandID]ledger.CommandQueueItem, len(tm.queue)),
		idempotency:   make(map[idemKey]ledger.IdempotencyKeyRecord, len(tm.idempotency)),
		lookups:       make(map[lookupKey]ledger.PendingTransactionLookup, len(tm.lookups)),
		events:        make(map[ledger.EventID]ledger.JournalEvent, len(tm.events)),
		eventByCmd:    make(map[ledger.CommandID]ledger.EventID, len(tm.eventByCmd)),
		eventOrder:    append([]ledger.EventID(nil), tm.eventOrder...),
	}
	for k, v := range tm.instances {
		s.instances[k] = v
	}
	for k, v := range tm.instanceAddrs {
		s.instanceAddrs[k] = v
	}
	for k, v := range tm.accounts {
		s.accounts[k] = v
	}
	for k, v := range tm.accountAddrs {
		s.accountAddrs[k] = v
	}
	for k, v := range tm.transactions {
		s.transactions[k] = v
	}
	for k, v := range tm.history {
		s.history[k] = append([]ledger.BalanceHistoryEntry(nil), v...)
	}
	for k, v := range tm.commands {
		s.commands[k] = v
	}
	for k, v := range tm.queue {
		s.queue[k] = v
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range tm.lookups {
		s.lookups[k] = v
	}
	for k, v := range tm.events {
		s.events[k] = v
	}
	for k, v := range tm.eventByCmd {
		s.eventByCmd[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.instances = s.instances
	tm.instanceAddrs = s.instanceAddrs
	tm.accounts = s.accounts
	tm.accountAddrs = s.accountAddrs
	tm.transactions = s.transactions
	tm.txnOrder = s.txnOrder
	tm.history = s.history
	tm.commands = s.commands
	tm.cmdOrder = s.cmdOrder
	tm.queue = s.queue
	tm.idempotency = s.idempotency
	tm.lookups = s.lookups
	tm.events = s.events
	tm.eventByCmd = s.eventByCmd
	tm.eventOrder = s.eventOrder
}

// txMemoryView is the Store handed to WithTx callbacks. The parent's mutex is
// already held, so every method delegates to the locked variants.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateInstance(_ context.Context, in ledger.Instance) error {
	return tv.parent.createInstanceLocked(in)
}

func (tv *txMemoryView) InstanceByAddress(_ context.Context, address string) (ledger.Instance, error) {
	return tv.parent.instanceByAddressLocked(address)
}

func (tv *txMemoryView) InstanceByID(_ context.Context, id ledger.InstanceID) (ledger.Instance, error) {
	return tv.parent.instanceByIDLocked(id)
}

func (tv *txMemoryView) Instances(_ context.Context) ([]ledger.Instance, error) {
	return tv.parent.instancesLocked()
}

func (tv *txMemoryView) CreateAccount(_ context.Context, a ledger.Account) error {
	return tv.parent.createAccountLocked(a)
}

func (tv *txMemoryView) AccountByAddress(_ context.Context, instanceID ledger.InstanceID, address string) (ledger.Account, error) {
	return tv.parent.accountByAddressLocked(instanceID, address)
}

func (tv *txMemoryView) AccountByID(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return tv.parent.accountByIDLocked(id)
}

func (tv *txMemoryView) AccountsByAddresses(_ context.Context, instanceID ledger.InstanceID, addresses []string) ([]ledger.Account, error) {
	return tv.parent.accountsByAddressesLocked(instanceID, addresses)
}

func (tv *txMemoryView) AccountsByIDs(_ context.Context, ids []ledger.AccountID) ([]ledger.Account, error) {
	return tv.parent.accountsByIDsLocked(ids)
}

func (tv *txMemoryView) Accounts(_ context.Context, instanceID ledger.InstanceID) ([]ledger.Account, error) {
	return tv.parent.accountsLocked(instanceID)
}

func (tv *txMemoryView) UpdateAccountBalances(_ context.Context, a ledger.Account, expectedVersion int64) error {
	return tv.parent.updateAccountBalancesLocked(a, expectedVersion)
}

func (tv *txMemoryView) UpdateAccountFields(_ context.Context, id ledger.AccountID, name, description string, now time.Time) error {
	return tv.parent.updateAccountFieldsLocked(id, name, description, now)
}

func (tv *txMemoryView) CreateTransaction(_ context.Context, t ledger.Transaction) error {
	return tv.parent.createTransactionLocked(t)
}

func (tv *txMemoryView) TransactionByID(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return tv.parent.transactionByIDLocked(id)
}

func (tv *txMemoryView) Transactions(_ context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.Transaction, error) {
	return tv.parent.transactionsLocked(instanceID, limit)
}

func (tv *txMemoryView) UpdateTransaction(_ context.Context, t ledger.Transaction, replaceEntries bool) error {
	return tv.parent.updateTransactionLocked(t, replaceEntries)
}

func (tv *txMemoryView) TransactionByCommand(_ context.Context, commandID ledger.CommandID) (ledger.Transaction, error) {
	return tv.parent.transactionByCommandLocked(commandID)
}

func (tv *txMemoryView) AppendBalanceHistory(_ context.Context, h ledger.BalanceHistoryEntry) error {
	return tv.parent.appendBalanceHistoryLocked(h)
}

func (tv *txMemoryView) BalanceHistory(_ context.Context, accountID ledger.AccountID, limit int) ([]ledger.BalanceHistoryEntry, error) {
	return tv.parent.balanceHistoryLocked(accountID, limit)
}

func (tv *txMemoryView) CreateCommand(_ context.Context, c ledger.Command) error {
	return tv.parent.createCommandLocked(c)
}

func (tv *txMemoryView) CommandByID(_ context.Context, id ledger.CommandID) (ledger.Command, error) {
	return tv.parent.commandByIDLocked(id)
}

func (tv *txMemoryView) CommandsByStatus(_ context.Context, instanceID ledger.InstanceID, status ledger.QueueStatus, limit int) ([]ledger.CommandRecord, error) {
	return tv.parent.commandsByStatusLocked(instanceID, status, limit)
}

func (tv *txMemoryView) CreateQueueItem(_ context.Context, q ledger.CommandQueueItem) error {
	return tv.parent.createQueueItemLocked(q)
}

func (tv *txMemoryView) QueueItem(_ context.Context, commandID ledger.CommandID) (ledger.CommandQueueItem, error) {
	return tv.parent.queueItemLocked(commandID)
}

func (tv *txMemoryView) ClaimQueueItem(_ context.Context, commandID ledger.CommandID, processorID string, expectedLockVersion int64, now time.Time) (ledger.CommandQueueItem, error) {
	return tv.parent.claimQueueItemLocked(commandID, processorID, expectedLockVersion, now)
}

func (tv *txMemoryView) UpdateQueueItem(_ context.Context, q ledger.CommandQueueItem) (ledger.CommandQueueItem, error) {
	return tv.parent.updateQueueItemLocked(q)
}

func (tv *txMemoryView) AppendQueueError(_ context.Context, commandID ledger.CommandID, qe ledger.QueueError, incrementOCCRetry bool) error {
	return tv.parent.appendQueueErrorLocked(commandID, qe, incrementOCCRetry)
}

func (tv *txMemoryView) DueQueueItems(_ context.Context, now time.Time, limit int) ([]ledger.CommandQueueItem, error) {
	return tv.parent.dueQueueItemsLocked(now, limit)
}

func (tv *txMemoryView) StaleProcessing(_ context.Context, cutoff time.Time) ([]ledger.CommandQueueItem, error) {
	return tv.parent.staleProcessingLocked(cutoff)
}

func (tv *txMemoryView) CountQueueByStatus(_ context.Context) (map[ledger.QueueStatus]int, error) {
	return tv.parent.countQueueByStatusLocked()
}

func (tv *txMemoryView) InsertIdempotencyKey(_ context.Context, rec ledger.IdempotencyKeyRecord) error {
	return tv.parent.insertIdempotencyKeyLocked(rec)
}

func (tv *txMemoryView) InsertPendingLookup(_ context.Context, l ledger.PendingTransactionLookup) error {
	return tv.parent.insertPendingLookupLocked(l)
}

func (tv *txMemoryView) PendingLookup(_ context.Context, instanceID ledger.InstanceID, source, sourceIdempk string) (ledger.PendingTransactionLookup, error) {
	return tv.parent.pendingLookupLocked(instanceID, source, sourceIdempk)
}

func (tv *txMemoryView) AppendJournalEvent(_ context.Context, ev ledger.JournalEvent) error {
	return tv.parent.appendJournalEventLocked(ev)
}

func (tv *txMemoryView) JournalEventByCommand(_ context.Context, commandID ledger.CommandID) (ledger.JournalEvent, error) {
	return tv.parent.journalEventByCommandLocked(commandID)
}

func (tv *txMemoryView) JournalEvents(_ context.Context, instanceID ledger.InstanceID, limit int) ([]ledger.JournalEvent, error) {
	return tv.parent.journalEventsLocked(instanceID, limit)
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances = make(map[ledger.InstanceID]ledger.Instance)
	m.instanceAddrs = make(map[string]ledger.InstanceID)
	m.accounts = make(map[ledger.AccountID]ledger.Account)
	m.accountAddrs = make(map[acctKey]ledger.AccountID)
	m.transactions = make(map[ledger.TransactionID]ledger.Transaction)
	m.txnOrder = nil
	m.history = make(map[ledger.AccountID][]ledger.BalanceHistoryEntry)
	m.commands = make(map[ledger.CommandID]ledger.Command)
	m.cmdOrder = nil
	m.queue = make(map[ledger.CommandID]ledger.CommandQueueItem)
	m.idempotency = make(map[idemKey]ledger.IdempotencyKeyRecord)
	m.lookups = make(map[lookupKey]ledger.PendingTransactionLookup)
	m.events = make(map[ledger.EventID]ledger.JournalEvent)
	m.eventByCmd = make(map[ledger.CommandID]ledger.EventID)
	m.eventOrder = nil
	return nil
}

// Interface guards.
var (
	_ ledger.Store   = (*Memory)(nil)
	_ ledger.TxStore = (*TxMemory)(nil)
	_ ledger.Store   = (*txMemoryView)(nil)
)
