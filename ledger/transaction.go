/*
transaction.go - Transaction lifecycle rules and constructors

PURPOSE:
  Status transition rules for transactions and the constructors handlers use
  to assemble transactions and entries. A transaction is only ever mutable
  while pending; posted and archived are terminal.

TRANSITIONS:
  pending -> posted     finalize; pending balances settle into posted
  pending -> archived   cancel; pending balances are reversed
  pending -> pending    entry rewrite; old contribution reversed, new applied
*/
package ledger

import "time"

// ValidTransition reports whether a status change is permitted.
func ValidTransition(from, to TransactionStatus) bool {
	return from == TransactionPending && to.Valid()
}

// NewTransaction builds an empty transaction shell in the given status.
func NewTransaction(instanceID InstanceID, status TransactionStatus, now time.Time) Transaction {
	return Transaction{
		ID:         TransactionID(NewID()),
		InstanceID: instanceID,
		Status:     status,
		InsertedAt: now,
		UpdatedAt:  now,
	}
}

// NewEntry builds one stored leg for a transaction.
func NewEntry(txnID TransactionID, accountID AccountID, value int64, currency string, side EntrySide, now time.Time) Entry {
	return Entry{
		ID:            EntryID(NewID()),
		TransactionID: txnID,
		AccountID:     accountID,
		Value:         value,
		Currency:      currency,
		Side:          side,
		InsertedAt:    now,
	}
}

// EntriesByAccount groups a transaction's entries by the account they hit.
// Handlers use this to apply all of an account's legs in one versioned write.
func EntriesByAccount(entries []Entry) map[AccountID][]Entry {
	out := make(map[AccountID][]Entry, len(entries))
	for _, e := range entries {
		out[e.AccountID] = append(out[e.AccountID], e)
	}
	return out
}

// AccountIDsOf returns the distinct account ids referenced by entries, in
// first-appearance order.
func AccountIDsOf(entries []Entry) []AccountID {
	seen := make(map[AccountID]bool, len(entries))
	out := make([]AccountID, 0, len(entries))
	for _, e := range entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			out = append(out, e.AccountID)
		}
	}
	return out
}
