package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func debitNormalAccount() ledger.Account {
	return ledger.Account{
		ID:            "acct-cash",
		InstanceID:    "inst-1",
		Address:       "assets:cash",
		Type:          ledger.AccountAsset,
		Currency:      "USD",
		NormalBalance: ledger.NormalDebit,
	}
}

func creditNormalAccount() ledger.Account {
	return ledger.Account{
		ID:            "acct-sales",
		InstanceID:    "inst-1",
		Address:       "revenue:sales",
		Type:          ledger.AccountRevenue,
		Currency:      "USD",
		NormalBalance: ledger.NormalCredit,
	}
}

func entry(accountID ledger.AccountID, value int64, side ledger.EntrySide) ledger.Entry {
	return ledger.Entry{
		ID:        ledger.EntryID(ledger.NewID()),
		AccountID: accountID,
		Value:     value,
		Currency:  "USD",
		Side:      side,
	}
}

// =============================================================================
// BALANCE SIDE ARITHMETIC
// =============================================================================

func TestBalanceSide_AddAndSub(t *testing.T) {
	b := ledger.BalanceSide{}

	b = b.Add(ledger.SideDebit, 500)
	b = b.Add(ledger.SideCredit, 200)
	assert.Equal(t, int64(500), b.Debit)
	assert.Equal(t, int64(200), b.Credit)
	assert.Equal(t, int64(300), b.Net())

	b = b.Sub(ledger.SideDebit, 100)
	b = b.Sub(ledger.SideCredit, 200)
	assert.Equal(t, int64(400), b.Debit)
	assert.Equal(t, int64(0), b.Credit)
	assert.Equal(t, int64(400), b.Net())
}

// =============================================================================
// DERIVED BALANCES
// =============================================================================

func TestAccount_Available_Orientation(t *testing.T) {
	// GIVEN: a debit-normal and a credit-normal account with the same
	//        posted bucket
	// THEN: available is the net oriented by the normal side

	posted := ledger.BalanceSide{Debit: 100, Credit: 700}

	cash := debitNormalAccount()
	cash.Posted = posted
	assert.Equal(t, int64(-600), cash.Available(), "debit-normal reports debit - credit")

	sales := creditNormalAccount()
	sales.Posted = posted
	assert.Equal(t, int64(600), sales.Available(), "credit-normal reports credit - debit")
}

func TestAccount_Available_IgnoresPending(t *testing.T) {
	a := debitNormalAccount()
	a.Posted = ledger.BalanceSide{Debit: 1000}
	a.Pending = ledger.BalanceSide{Credit: 999}

	assert.Equal(t, int64(1000), a.Available(), "pending never affects available")
	assert.Equal(t, int64(-999), a.PendingNet())
}

// =============================================================================
// ENTRY APPLICATION
// =============================================================================

func TestAccount_ApplyEntry_ByStatus(t *testing.T) {
	e := entry("acct-cash", 250, ledger.SideDebit)

	a := debitNormalAccount()
	a.ApplyEntry(ledger.TransactionPending, e)
	assert.Equal(t, int64(250), a.Pending.Debit, "pending status hits the pending bucket")
	assert.Equal(t, int64(0), a.Posted.Debit)

	b := debitNormalAccount()
	b.ApplyEntry(ledger.TransactionPosted, e)
	assert.Equal(t, int64(250), b.Posted.Debit, "posted status hits the posted bucket")
	assert.Equal(t, int64(0), b.Pending.Debit)

	c := debitNormalAccount()
	c.ApplyEntry(ledger.TransactionArchived, e)
	assert.Equal(t, ledger.BalanceSide{}, c.Posted, "archived touches nothing")
	assert.Equal(t, ledger.BalanceSide{}, c.Pending)
}

func TestAccount_ReverseEntry_UndoesApply(t *testing.T) {
	e := entry("acct-cash", 400, ledger.SideCredit)

	a := debitNormalAccount()
	a.ApplyEntry(ledger.TransactionPending, e)
	a.ReverseEntry(ledger.TransactionPending, e)

	assert.Equal(t, ledger.BalanceSide{}, a.Pending)
	assert.Equal(t, ledger.BalanceSide{}, a.Posted)
}

func TestAccount_SettleEntry_MovesPendingToPosted(t *testing.T) {
	// GIVEN: a pending reservation of 300 on the debit side
	// WHEN: the entry settles
	// THEN: the pending bucket empties and posted carries the value

	e := entry("acct-cash", 300, ledger.SideDebit)
	a := debitNormalAccount()
	a.ApplyEntry(ledger.TransactionPending, e)

	a.SettleEntry(e)

	assert.Equal(t, ledger.BalanceSide{}, a.Pending)
	assert.Equal(t, int64(300), a.Posted.Debit)
	assert.Equal(t, int64(300), a.Available())
}

// =============================================================================
// BALANCE HISTORY
// =============================================================================

func TestNewBalanceHistoryEntry_SnapshotsCurrentState(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	a := creditNormalAccount()
	a.Posted = ledger.BalanceSide{Credit: 900}
	a.Pending = ledger.BalanceSide{Credit: 100}

	h := ledger.NewBalanceHistoryEntry(a, "entry-1", now)

	require.NotEmpty(t, h.ID)
	assert.Equal(t, a.ID, h.AccountID)
	assert.Equal(t, ledger.EntryID("entry-1"), h.EntryID)
	assert.Equal(t, a.Posted, h.Posted)
	assert.Equal(t, a.Pending, h.Pending)
	assert.Equal(t, int64(900), h.Available)
	assert.Equal(t, now, h.InsertedAt)
}

// =============================================================================
// DOUBLE-ENTRY CHECK
// =============================================================================

func TestCheckBalanced(t *testing.T) {
	balanced := []ledger.Entry{
		entry("a", 500, ledger.SideDebit),
		entry("b", 300, ledger.SideCredit),
		entry("c", 200, ledger.SideCredit),
	}
	assert.Empty(t, ledger.CheckBalanced(balanced))

	unbalanced := []ledger.Entry{
		entry("a", 500, ledger.SideDebit),
		entry("b", 499, ledger.SideCredit),
	}
	assert.Equal(t, []string{"USD"}, ledger.CheckBalanced(unbalanced))
}

func TestCheckBalanced_PerCurrency(t *testing.T) {
	// GIVEN: USD legs that balance and EUR legs that do not
	// THEN: only EUR is reported

	eur := entry("x", 100, ledger.SideDebit)
	eur.Currency = "EUR"

	entries := []ledger.Entry{
		entry("a", 500, ledger.SideDebit),
		entry("b", 500, ledger.SideCredit),
		eur,
	}
	assert.Equal(t, []string{"EUR"}, ledger.CheckBalanced(entries))
}

// =============================================================================
// NORMAL BALANCE DERIVATION
// =============================================================================

func TestNormalBalanceFor(t *testing.T) {
	assert.Equal(t, ledger.NormalDebit, ledger.NormalBalanceFor(ledger.AccountAsset))
	assert.Equal(t, ledger.NormalDebit, ledger.NormalBalanceFor(ledger.AccountExpense))
	assert.Equal(t, ledger.NormalCredit, ledger.NormalBalanceFor(ledger.AccountLiability))
	assert.Equal(t, ledger.NormalCredit, ledger.NormalBalanceFor(ledger.AccountEquity))
	assert.Equal(t, ledger.NormalCredit, ledger.NormalBalanceFor(ledger.AccountRevenue))
}
