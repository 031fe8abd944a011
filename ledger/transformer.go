/*
transformer.go - Payload entries to store-ready transaction shape

PURPOSE:
  Converts a TransactionData payload, whose entries name accounts by
  address and carry signed amounts, into the stored shape: entries naming
  accounts by id with a non-negative value and an explicit side. Runs
  inside the handler's unit of work so every OCC attempt re-reads fresh
  account rows.

CLASSIFICATION RULE:
  The sign of an amount is relative to the account's normal balance:
    debit-normal account:  positive -> debit,  negative -> credit
    credit-normal account: positive -> credit, negative -> debit
  The stored value is always |amount|.

STATUS-ONLY SHORT-CIRCUIT:
  Empty entries, or target status archived, skip validation and resolution
  entirely and yield a shape with no entries. Archiving never needs the
  payload's entries; the stored transaction already has them.

ERROR CODES:
  invalid_entry_data, no_accounts_found, some_accounts_not_found,
  no_accounts_and_or_entries_provided, account_entries_mismatch,
  missing_entry_for_account

SEE ALSO:
  - account.go: How the resulting entries hit balance buckets
  - handler_transaction.go: The unit of work calling this
*/
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// =============================================================================
// OUTPUT SHAPE
// =============================================================================

// TransformedEntry is one store-ready leg: account by id, absolute value,
// explicit side.
type TransformedEntry struct {
	AccountID AccountID
	Address   string
	Value     int64
	Currency  string
	Side      EntrySide
}

// TransformedTransaction is the store-ready transaction shape. Accounts
// carries the resolved rows (with their row versions) so the caller can
// apply balances without a second read.
type TransformedTransaction struct {
	InstanceID InstanceID
	Status     TransactionStatus
	Entries    []TransformedEntry
	Accounts   map[AccountID]Account
}

// StatusOnly reports whether the transform skipped entries.
func (t TransformedTransaction) StatusOnly() bool { return len(t.Entries) == 0 }

// =============================================================================
// TRANSFORM
// =============================================================================

// Transform validates and resolves a transaction payload within an instance.
// Returns a TransformError on validation or resolution failure.
func Transform(ctx context.Context, s Store, instanceID InstanceID, data TransactionData) (TransformedTransaction, error) {
	out := TransformedTransaction{InstanceID: instanceID, Status: data.Status}

	// Status-only path: nothing to validate or resolve.
	if len(data.Entries) == 0 || data.Status == TransactionArchived {
		return out, nil
	}

	if fe := validateEntries(data.Entries); !fe.Empty() {
		return out, &TransformError{
			Code:    CodeInvalidEntryData,
			Message: "one or more entries are invalid",
			Fields:  fe,
		}
	}

	addresses := distinctAddresses(data.Entries)
	accounts, err := s.AccountsByAddresses(ctx, instanceID, addresses)
	if err != nil {
		return out, err
	}
	byAddress, terr := pairAccounts(addresses, accounts, data.Entries)
	if terr != nil {
		return out, terr
	}

	out.Accounts = make(map[AccountID]Account, len(accounts))
	for _, a := range accounts {
		out.Accounts[a.ID] = a
	}

	out.Entries = make([]TransformedEntry, 0, len(data.Entries))
	for _, e := range data.Entries {
		acct := byAddress[e.AccountAddress]
		out.Entries = append(out.Entries, TransformedEntry{
			AccountID: acct.ID,
			Address:   acct.Address,
			Value:     absAmount(e.Amount),
			Currency:  e.Currency,
			Side:      classify(acct.NormalBalance, e.Amount),
		})
	}
	return out, nil
}

// classify derives the entry side from the amount's sign and the account's
// normal balance.
func classify(normal NormalBalance, amount int64) EntrySide {
	positive := amount > 0
	if normal == NormalDebit {
		if positive {
			return SideDebit
		}
		return SideCredit
	}
	if positive {
		return SideCredit
	}
	return SideDebit
}

func absAmount(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// =============================================================================
// ENTRY VALIDATION
// =============================================================================

// validateEntries runs per-entry field checks. Errors are keyed
// "entries[i].field" so they merge cleanly under the payload path.
func validateEntries(entries []EntryData) FieldErrors {
	fe := FieldErrors{}
	for i, e := range entries {
		key := func(field string) string { return fmt.Sprintf("entries[%d].%s", i, field) }

		switch {
		case e.AccountAddress == "":
			fe.Add(key("account_address"), "is required")
		case !addressPattern.MatchString(e.AccountAddress):
			fe.Add(key("account_address"), "has invalid format")
		}

		switch {
		case e.Amount == 0:
			fe.Add(key("amount"), "must be a non-zero integer")
		case e.Amount == math.MinInt64:
			fe.Add(key("amount"), "is out of range")
		}

		switch {
		case e.Currency == "":
			fe.Add(key("currency"), "is required")
		case !SupportedCurrency(e.Currency):
			fe.Add(key("currency"), "is not a supported currency")
		}
	}
	return fe
}

// distinctAddresses returns the entry addresses de-duplicated, sorted for a
// stable resolution query.
func distinctAddresses(entries []EntryData) []string {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !seen[e.AccountAddress] {
			seen[e.AccountAddress] = true
			out = append(out, e.AccountAddress)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// ACCOUNT PAIRING
// =============================================================================

// pairAccounts matches resolved accounts back to the requested addresses
// and diagnoses every way the match can fail.
func pairAccounts(addresses []string, accounts []Account, entries []EntryData) (map[string]Account, *TransformError) {
	if len(addresses) == 0 || len(entries) == 0 {
		return nil, &TransformError{
			Code:    CodeNoAccountsOrEntries,
			Message: "no accounts and/or entries provided",
		}
	}
	if len(accounts) == 0 {
		return nil, &TransformError{
			Code:    CodeNoAccountsFound,
			Message: "none of the referenced accounts exist",
			Missing: addresses,
		}
	}

	byAddress := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		byAddress[a.Address] = a
	}

	var missing []string
	for _, addr := range addresses {
		if _, ok := byAddress[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	if len(missing) > 0 {
		return nil, &TransformError{
			Code:    CodeSomeAccountsNotFound,
			Message: "some referenced accounts do not exist",
			Missing: missing,
		}
	}

	// The store returned a row per requested address; anything else means
	// the resolution query and the request disagree.
	if len(byAddress) != len(addresses) {
		return nil, &TransformError{
			Code:    CodeAccountEntriesMismatch,
			Message: "resolved accounts do not match the requested entries",
		}
	}

	wanted := make(map[string]bool, len(entries))
	for _, e := range entries {
		wanted[e.AccountAddress] = true
	}
	for addr := range byAddress {
		if !wanted[addr] {
			return nil, &TransformError{
				Code:    CodeMissingEntryForAccount,
				Message: "resolved account " + addr + " has no entry",
			}
		}
	}

	return byAddress, nil
}
