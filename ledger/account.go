/*
account.go - Balance arithmetic

PURPOSE:
  All mutations of an account's balance buckets live here, as pure
  value-level arithmetic. Handlers read an account, apply entries through
  these helpers, and hand the result to the store together with the row
  version they read. The store rejects the write if the version moved.

BUCKETS AND SIDES:
  Each account carries two buckets (posted, pending), each with a debit and
  a credit side. A transaction in status pending reserves space in the
  pending bucket; posting moves its contribution to posted; archiving
  reverses it. Available is derived from posted only.
*/
package ledger

import "time"

// =============================================================================
// BALANCE SIDE ARITHMETIC
// =============================================================================

// Add returns the bucket with value added on the given side.
func (b BalanceSide) Add(side EntrySide, value int64) BalanceSide {
	if side == SideDebit {
		b.Debit += value
	} else {
		b.Credit += value
	}
	return b
}

// Sub returns the bucket with value removed from the given side.
func (b BalanceSide) Sub(side EntrySide, value int64) BalanceSide {
	if side == SideDebit {
		b.Debit -= value
	} else {
		b.Credit -= value
	}
	return b
}

// Net returns debit minus credit.
func (b BalanceSide) Net() int64 { return b.Debit - b.Credit }

// =============================================================================
// DERIVED BALANCES
// =============================================================================

// Available is the spendable posted balance oriented by the account's
// normal side: debit-normal accounts report posted.debit - posted.credit,
// credit-normal accounts the negation.
func (a Account) Available() int64 {
	net := a.Posted.Net()
	if a.NormalBalance == NormalCredit {
		return -net
	}
	return net
}

// PendingNet is the not-yet-posted reservation oriented the same way as
// Available.
func (a Account) PendingNet() int64 {
	net := a.Pending.Net()
	if a.NormalBalance == NormalCredit {
		return -net
	}
	return net
}

// =============================================================================
// ENTRY APPLICATION
// =============================================================================

// bucketFor maps a transaction status to the balance bucket it affects.
// Archived transactions affect neither bucket.
func bucketFor(status TransactionStatus) (pending bool, affects bool) {
	switch status {
	case TransactionPending:
		return true, true
	case TransactionPosted:
		return false, true
	}
	return false, false
}

// ApplyEntry adds an entry's value to the bucket selected by the
// transaction status. Archived is a no-op.
func (a *Account) ApplyEntry(status TransactionStatus, e Entry) {
	pending, affects := bucketFor(status)
	if !affects {
		return
	}
	if pending {
		a.Pending = a.Pending.Add(e.Side, e.Value)
	} else {
		a.Posted = a.Posted.Add(e.Side, e.Value)
	}
}

// ReverseEntry removes an entry's previous contribution from the bucket
// selected by the transaction status.
func (a *Account) ReverseEntry(status TransactionStatus, e Entry) {
	pending, affects := bucketFor(status)
	if !affects {
		return
	}
	if pending {
		a.Pending = a.Pending.Sub(e.Side, e.Value)
	} else {
		a.Posted = a.Posted.Sub(e.Side, e.Value)
	}
}

// SettleEntry moves an entry's pending contribution into the posted bucket.
func (a *Account) SettleEntry(e Entry) {
	a.Pending = a.Pending.Sub(e.Side, e.Value)
	a.Posted = a.Posted.Add(e.Side, e.Value)
}

// =============================================================================
// BALANCE HISTORY
// =============================================================================

// NewBalanceHistoryEntry snapshots the account's balances as they stand
// after the given entry was applied.
func NewBalanceHistoryEntry(a Account, entryID EntryID, now time.Time) BalanceHistoryEntry {
	return BalanceHistoryEntry{
		ID:         NewID(),
		EntryID:    entryID,
		AccountID:  a.ID,
		Posted:     a.Posted,
		Pending:    a.Pending,
		Available:  a.Available(),
		InsertedAt: now,
	}
}

// =============================================================================
// BALANCE CHECK
// =============================================================================

// CheckBalanced verifies the double-entry law over a set of entries: for
// every currency, the debit values and credit values must sum equal.
// Returns the offending currencies in input order when they do not.
func CheckBalanced(entries []Entry) []string {
	type sums struct{ debit, credit int64 }
	perCurrency := map[string]*sums{}
	order := make([]string, 0, 2)
	for _, e := range entries {
		s, ok := perCurrency[e.Currency]
		if !ok {
			s = &sums{}
			perCurrency[e.Currency] = s
			order = append(order, e.Currency)
		}
		if e.Side == SideDebit {
			s.debit += e.Value
		} else {
			s.credit += e.Value
		}
	}
	var unbalanced []string
	for _, c := range order {
		if s := perCurrency[c]; s.debit != s.credit {
			unbalanced = append(unbalanced, c)
		}
	}
	return unbalanced
}
