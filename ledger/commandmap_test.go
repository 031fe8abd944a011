package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func validCreateAccountMap() ledger.CommandMap {
	return ledger.CommandMap{
		Action:          ledger.ActionCreateAccount,
		InstanceAddress: "acme",
		Source:          "gateway",
		SourceIdempk:    "acct-001",
		Payload: ledger.AccountData{
			Address:  "assets:cash",
			Name:     "Cash",
			Type:     ledger.AccountAsset,
			Currency: "USD",
		},
	}
}

func validCreateTransactionMap() ledger.CommandMap {
	return ledger.CommandMap{
		Action:          ledger.ActionCreateTransaction,
		InstanceAddress: "acme",
		Source:          "gateway",
		SourceIdempk:    "txn-001",
		Payload: ledger.TransactionData{
			Status: ledger.TransactionPosted,
			Entries: []ledger.EntryData{
				{AccountAddress: "assets:cash", Amount: 1000, Currency: "USD"},
				{AccountAddress: "revenue:sales", Amount: 1000, Currency: "USD"},
			},
		},
	}
}

func fieldMessages(t *testing.T, verr *ledger.ValidationError, field string) []string {
	t.Helper()
	require.NotNil(t, verr)
	return verr.Errors[field]
}

// =============================================================================
// STRUCTURAL VALIDATION
// =============================================================================

func TestCommandMap_Validate_Valid(t *testing.T) {
	assert.Nil(t, validCreateAccountMap().Validate())
	assert.Nil(t, validCreateTransactionMap().Validate())
}

func TestCommandMap_Validate_RequiredFields(t *testing.T) {
	verr := ledger.CommandMap{}.Validate()
	require.NotNil(t, verr)

	assert.Contains(t, fieldMessages(t, verr, "action"), "is required")
	assert.Contains(t, fieldMessages(t, verr, "instance_address"), "is required")
	assert.Contains(t, fieldMessages(t, verr, "source"), "is required")
	assert.Contains(t, fieldMessages(t, verr, "source_idempk"), "is required")
	assert.Contains(t, fieldMessages(t, verr, "payload"), "is required")
}

func TestCommandMap_Validate_UnknownAction(t *testing.T) {
	m := validCreateAccountMap()
	m.Action = "delete_everything"

	verr := m.Validate()
	assert.Contains(t, fieldMessages(t, verr, "action"), "is not a supported action")
}

func TestCommandMap_Validate_SourceFormat(t *testing.T) {
	// Source must be lowercase, 2-30 chars, starting alphanumeric.
	for _, bad := range []string{"G", "UPPER", "x", "has space", "-leading"} {
		m := validCreateAccountMap()
		m.Source = bad
		verr := m.Validate()
		require.NotNil(t, verr, "source %q should be rejected", bad)
		assert.Contains(t, fieldMessages(t, verr, "source"), "has invalid format")
	}

	m := validCreateAccountMap()
	m.Source = "pos_terminal-2"
	assert.Nil(t, m.Validate())
}

func TestCommandMap_Validate_UpdateIdempkRules(t *testing.T) {
	// GIVEN: an update action without update_idempk
	// THEN: update_idempk is required

	m := validCreateAccountMap()
	m.Action = ledger.ActionUpdateAccount
	verr := m.Validate()
	assert.Contains(t, fieldMessages(t, verr, "update_idempk"), "is required")

	// GIVEN: a create action carrying update_idempk
	// THEN: the field is rejected

	m = validCreateAccountMap()
	m.UpdateIdempk = "upd-1"
	verr = m.Validate()
	assert.Contains(t, fieldMessages(t, verr, "update_idempk"), "is only allowed for update actions")

	// GIVEN: an update action with update_idempk
	// THEN: the map is valid

	m = validCreateAccountMap()
	m.Action = ledger.ActionUpdateAccount
	m.UpdateIdempk = "upd-1"
	assert.Nil(t, m.Validate())
}

func TestCommandMap_Validate_PayloadCategoryMismatch(t *testing.T) {
	m := validCreateAccountMap()
	m.Payload = ledger.TransactionData{Status: ledger.TransactionPosted}

	verr := m.Validate()
	assert.Contains(t, fieldMessages(t, verr, "payload"), "does not match the action")
}

func TestCommandMap_Validate_PayloadErrorsUnderPayloadPath(t *testing.T) {
	m := validCreateAccountMap()
	m.Payload = ledger.AccountData{Address: "bad address!", Type: "weird", Currency: "XXX"}

	verr := m.Validate()
	require.NotNil(t, verr)
	assert.Contains(t, fieldMessages(t, verr, "payload.address"), "has invalid format")
	assert.Contains(t, fieldMessages(t, verr, "payload.type"), "is not a supported account type")
	assert.Contains(t, fieldMessages(t, verr, "payload.currency"), "is not a supported currency")
}

// =============================================================================
// PAYLOAD VALIDATION
// =============================================================================

func TestAccountData_ValidatePayload_UpdateSkipsImmutableFields(t *testing.T) {
	// Updates only need the lookup address; type and currency are
	// immutable and not re-validated.
	d := ledger.AccountData{Address: "assets:cash"}
	assert.True(t, d.ValidatePayload(ledger.ActionUpdateAccount).Empty())

	fe := d.ValidatePayload(ledger.ActionCreateAccount)
	assert.Contains(t, fe["type"], "is required")
	assert.Contains(t, fe["currency"], "is required")
}

func TestTransactionData_ValidatePayload_CreateNeedsTwoEntries(t *testing.T) {
	d := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: 100, Currency: "USD"},
		},
	}
	fe := d.ValidatePayload(ledger.ActionCreateTransaction)
	assert.False(t, fe.Empty(), "single-entry create should be rejected")
}

func TestTransactionData_ValidatePayload_UpdateAllowsStatusOnly(t *testing.T) {
	d := ledger.TransactionData{Status: ledger.TransactionPosted}
	assert.True(t, d.ValidatePayload(ledger.ActionUpdateTransaction).Empty())
}

func TestTransactionData_ValidatePayload_DuplicateAddresses(t *testing.T) {
	d := ledger.TransactionData{
		Status: ledger.TransactionPosted,
		Entries: []ledger.EntryData{
			{AccountAddress: "assets:cash", Amount: 100, Currency: "USD"},
			{AccountAddress: "assets:cash", Amount: -100, Currency: "USD"},
		},
	}
	fe := d.ValidatePayload(ledger.ActionCreateTransaction)
	assert.False(t, fe.Empty(), "repeated account addresses should be rejected")
}

// =============================================================================
// JSON DECODING - payload union steered by action
// =============================================================================

func TestCommandMap_UnmarshalJSON_AccountPayload(t *testing.T) {
	raw := `{
		"action": "create_account",
		"instance_address": "acme",
		"source": "gateway",
		"source_idempk": "acct-001",
		"payload": {"address": "assets:cash", "name": "Cash", "type": "asset", "currency": "USD"}
	}`

	var m ledger.CommandMap
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	data, ok := m.AccountPayload()
	require.True(t, ok, "payload should decode as account data")
	assert.Equal(t, "assets:cash", data.Address)
	assert.Equal(t, ledger.AccountAsset, data.Type)
	assert.Nil(t, m.Validate())
}

func TestCommandMap_UnmarshalJSON_TransactionPayload(t *testing.T) {
	raw := `{
		"action": "create_transaction",
		"instance_address": "acme",
		"source": "gateway",
		"source_idempk": "txn-001",
		"payload": {
			"status": "pending",
			"entries": [
				{"account_address": "assets:cash", "amount": 4250, "currency": "USD"},
				{"account_address": "liabilities:card_holds", "amount": 4250, "currency": "USD"}
			]
		}
	}`

	var m ledger.CommandMap
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	data, ok := m.TransactionPayload()
	require.True(t, ok, "payload should decode as transaction data")
	assert.Equal(t, ledger.TransactionPending, data.Status)
	require.Len(t, data.Entries, 2)
	assert.Equal(t, int64(4250), data.Entries[0].Amount)
}

func TestCommandMap_UnmarshalJSON_UnknownActionLeavesPayloadNil(t *testing.T) {
	raw := `{"action": "noop", "instance_address": "acme", "source": "gateway",
		"source_idempk": "x-1", "payload": {"anything": true}}`

	var m ledger.CommandMap
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	assert.Nil(t, m.Payload)
	verr := m.Validate()
	assert.Contains(t, fieldMessages(t, verr, "action"), "is not a supported action")
}

func TestCommandMap_JSONRoundTrip(t *testing.T) {
	m := validCreateTransactionMap()

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var back ledger.CommandMap
	require.NoError(t, json.Unmarshal(raw, &back))

	assert.Equal(t, m, back)
}
