/*
transformer_test.go - Payload to store-ready transaction

PURPOSE:
  Verifies the transformer end to end against the in-memory store: side
  classification from amount sign and normal balance, the status-only short
  circuit, per-entry field errors, and every account resolution failure mode.

SEE ALSO:
  - transformer.go: The code under test
  - store/memory.go: The store the fixtures seed
*/
package ledger_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// FIXTURE
// =============================================================================

// newTransformFixture seeds one instance with a debit-normal cash account
// and a credit-normal sales account, both USD.
func newTransformFixture(t *testing.T) (*store.Memory, ledger.InstanceID) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	instanceID := ledger.InstanceID("inst-acme")
	require.NoError(t, mem.CreateInstance(ctx, ledger.Instance{
		ID:         instanceID,
		Address:    "acme",
		InsertedAt: now,
		UpdatedAt:  now,
	}))

	seed := []ledger.Account{
		{
			ID:            "acct-cash",
			InstanceID:    instanceID,
			Address:       "assets:cash",
			Type:          ledger.AccountAsset,
			Currency:      "USD",
			NormalBalance: ledger.NormalDebit,
			RowVersion:    3,
			InsertedAt:    now,
			UpdatedAt:     now,
		},
		{
			ID:            "acct-sales",
			InstanceID:    instanceID,
			Address:       "revenue:sales",
			Type:          ledger.AccountRevenue,
			Currency:      "USD",
			NormalBalance: ledger.NormalCredit,
			RowVersion:    7,
			InsertedAt:    now,
			UpdatedAt:     now,
		},
	}
	for _, a := range seed {
		require.NoError(t, mem.CreateAccount(ctx, a))
	}
	return mem, instanceID
}

func requireTransformError(t *testing.T, err error) *ledger.TransformError {
	t.Helper()
	require.Error(t, err)
	terr, ok := err.(*ledger.TransformError)
	require.True(t, ok, "expected *TransformError, got %T: %v", err, err)
	return terr
}

// =============================================================================
// SIDE CLASSIFICATION
// =============================================================================

func TestTransform_ClassifiesSidesByNormalBalance(t *testing.T) {
	// GIVEN a balanced posted sale hitting both accounts with positive amounts
	mem, instanceID := newTransformFixture(t)
	data := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: 15000, Currency: "USD"},
			{AccountAddress: "revenue:sales", Amount: 15000, Currency: "USD"},
		},
	}

	// WHEN it is transformed
	out, err := ledger.Transform(context.Background(), mem, instanceID, data)
	require.NoError(t, err)

	// THEN positive orients each entry with its account's normal balance
	require.Len(t, out.Entries, 2)
	assert.Equal(t, ledger.AccountID("acct-cash"), out.Entries[0].AccountID)
	assert.Equal(t, ledger.SideDebit, out.Entries[0].Side)
	assert.Equal(t, int64(15000), out.Entries[0].Value)
	assert.Equal(t, ledger.SideCredit, out.Entries[1].Side)
	assert.Equal(t, int64(15000), out.Entries[1].Value)
	assert.Equal(t, ledger.TransactionPosted, out.Status)
	assert.False(t, out.StatusOnly())

	// AND the resolved accounts ride along with their row versions
	require.Len(t, out.Accounts, 2)
	assert.Equal(t, int64(3), out.Accounts["acct-cash"].RowVersion)
	assert.Equal(t, int64(7), out.Accounts["acct-sales"].RowVersion)
}

func TestTransform_NegativeAmountsFlipSides(t *testing.T) {
	// GIVEN a refund: negative amounts against both accounts
	mem, instanceID := newTransformFixture(t)
	data := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: -5000, Currency: "USD"},
			{AccountAddress: "revenue:sales", Amount: -5000, Currency: "USD"},
		},
	}

	out, err := ledger.Transform(context.Background(), mem, instanceID, data)
	require.NoError(t, err)

	// THEN negative flips the side and the stored value stays absolute
	require.Len(t, out.Entries, 2)
	assert.Equal(t, ledger.SideCredit, out.Entries[0].Side)
	assert.Equal(t, int64(5000), out.Entries[0].Value)
	assert.Equal(t, ledger.SideDebit, out.Entries[1].Side)
	assert.Equal(t, int64(5000), out.Entries[1].Value)
}

// =============================================================================
// STATUS-ONLY SHORT CIRCUIT
// =============================================================================

func TestTransform_StatusOnly_NoEntries(t *testing.T) {
	mem, instanceID := newTransformFixture(t)

	out, err := ledger.Transform(context.Background(), mem, instanceID, ledger.TransactionData{
		Status: ledger.TransactionPosted,
	})

	require.NoError(t, err)
	assert.True(t, out.StatusOnly())
	assert.Empty(t, out.Entries)
	assert.Empty(t, out.Accounts)
}

func TestTransform_StatusOnly_ArchivedIgnoresEntries(t *testing.T) {
	// Archiving never books new entries, even when the payload carries some.
	mem, instanceID := newTransformFixture(t)

	out, err := ledger.Transform(context.Background(), mem, instanceID, ledger.TransactionData{
		Status: ledger.TransactionArchived,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: 100, Currency: "USD"},
		},
	})

	require.NoError(t, err)
	assert.True(t, out.StatusOnly())
	assert.Equal(t, ledger.TransactionArchived, out.Status)
}

// =============================================================================
// ENTRY FIELD ERRORS
// =============================================================================

func TestTransform_EntryFieldErrors(t *testing.T) {
	// GIVEN one entry wrong in every way and one with an out-of-range amount
	mem, instanceID := newTransformFixture(t)
	data := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "", Amount: 0, Currency: "XXX"},
			{AccountAddress: "bad addr", Amount: math.MinInt64, Currency: ""},
		},
	}

	_, err := ledger.Transform(context.Background(), mem, instanceID, data)
	terr := requireTransformError(t, err)

	// THEN each failure lands under its entries[i].field path
	assert.Equal(t, ledger.CodeInvalidEntryData, terr.Code)
	assert.Contains(t, terr.Fields["entries[0].account_address"], "is required")
	assert.Contains(t, terr.Fields["entries[0].amount"], "must be a non-zero integer")
	assert.Contains(t, terr.Fields["entries[0].currency"], "is not a supported currency")
	assert.Contains(t, terr.Fields["entries[1].account_address"], "has invalid format")
	assert.Contains(t, terr.Fields["entries[1].amount"], "is out of range")
	assert.Contains(t, terr.Fields["entries[1].currency"], "is required")
}

// =============================================================================
// ACCOUNT RESOLUTION
// =============================================================================

func TestTransform_NoAccountsFound(t *testing.T) {
	// GIVEN entries that reference only unknown addresses
	mem, instanceID := newTransformFixture(t)
	data := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "ghost:one", Amount: 100, Currency: "USD"},
			{AccountAddress: "ghost:two", Amount: -100, Currency: "USD"},
		},
	}

	_, err := ledger.Transform(context.Background(), mem, instanceID, data)
	terr := requireTransformError(t, err)

	// THEN the error names every missing address, sorted
	assert.Equal(t, ledger.CodeNoAccountsFound, terr.Code)
	assert.Equal(t, []string{"ghost:one", "ghost:two"}, terr.Missing)
}

func TestTransform_SomeAccountsNotFound(t *testing.T) {
	// GIVEN one resolvable address and one unknown
	mem, instanceID := newTransformFixture(t)
	data := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: 100, Currency: "USD"},
			{AccountAddress: "ghost:one", Amount: -100, Currency: "USD"},
		},
	}

	_, err := ledger.Transform(context.Background(), mem, instanceID, data)
	terr := requireTransformError(t, err)

	// THEN only the unknown address is reported missing
	assert.Equal(t, ledger.CodeSomeAccountsNotFound, terr.Code)
	assert.Equal(t, []string{"ghost:one"}, terr.Missing)
}

func TestTransform_AccountsScopedToInstance(t *testing.T) {
	// GIVEN the same address existing only in another instance
	ctx := context.Background()
	mem, instanceID := newTransformFixture(t)
	other := ledger.InstanceID("inst-globex")
	require.NoError(t, mem.CreateInstance(ctx, ledger.Instance{ID: other, Address: "globex"}))
	require.NoError(t, mem.CreateAccount(ctx, ledger.Account{
		ID:            "acct-globex-fees",
		InstanceID:    other,
		Address:       "expenses:fees",
		Type:          ledger.AccountExpense,
		Currency:      "USD",
		NormalBalance: ledger.NormalDebit,
	}))

	data := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "expenses:fees", Amount: 100, Currency: "USD"},
			{AccountAddress: "revenue:sales", Amount: 100, Currency: "USD"},
		},
	}

	// WHEN transforming inside the first instance
	_, err := ledger.Transform(ctx, mem, instanceID, data)
	terr := requireTransformError(t, err)

	// THEN the foreign account does not leak across the boundary
	assert.Equal(t, ledger.CodeSomeAccountsNotFound, terr.Code)
	assert.Equal(t, []string{"expenses:fees"}, terr.Missing)
}

func TestTransform_DuplicateAddressResolvesOnce(t *testing.T) {
	// GIVEN two entries against the same account
	mem, instanceID := newTransformFixture(t)
	data := ledger.TransactionData{
		Status: ledger.TransactionPending,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: 100, Currency: "USD"},
			{AccountAddress: "assets:cash", Amount: 200, Currency: "USD"},
			{AccountAddress: "revenue:sales", Amount: 300, Currency: "USD"},
		},
	}

	out, err := ledger.Transform(context.Background(), mem, instanceID, data)
	require.NoError(t, err)

	// THEN every entry is kept but the account appears once in the map
	require.Len(t, out.Entries, 3)
	assert.Len(t, out.Accounts, 2)
	assert.Equal(t, ledger.AccountID("acct-cash"), out.Entries[0].AccountID)
	assert.Equal(t, ledger.AccountID("acct-cash"), out.Entries[1].AccountID)
}
