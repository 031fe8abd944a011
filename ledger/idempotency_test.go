/*
idempotency_test.go - Fingerprint derivation

PURPOSE:
  Verifies that the Keyer produces stable HMAC fingerprints over a command
  map's identity fields, that the secret and every identity field feed the
  digest, and that Record snapshots the clock.

SEE ALSO:
  - idempotency.go: The Keyer under test
*/
package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// KEY HASH
// =============================================================================

func TestKeyer_KeyHash_Deterministic(t *testing.T) {
	// GIVEN one keyer and two identical maps
	keyer := ledger.NewKeyer("test-secret")
	a := validCreateTransactionMap()
	b := validCreateTransactionMap()

	// WHEN both are hashed
	ha := keyer.KeyHash(a)
	hb := keyer.KeyHash(b)

	// THEN the fingerprints match and are full SHA-256 digests
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 32)
}

func TestKeyer_KeyHash_SecretChangesDigest(t *testing.T) {
	m := validCreateTransactionMap()

	ha := ledger.NewKeyer("secret-one").KeyHash(m)
	hb := ledger.NewKeyer("secret-two").KeyHash(m)

	assert.NotEqual(t, ha, hb)
}

func TestKeyer_KeyHash_IdentityFieldsChangeDigest(t *testing.T) {
	keyer := ledger.NewKeyer("test-secret")
	base := keyer.KeyHash(validCreateTransactionMap())

	mutations := map[string]func(m *ledger.CommandMap){
		"action":        func(m *ledger.CommandMap) { m.Action = ledger.ActionCreateAccount },
		"source":        func(m *ledger.CommandMap) { m.Source = "other_source" },
		"source_idempk": func(m *ledger.CommandMap) { m.SourceIdempk = "txn-002" },
	}
	for field, mutate := range mutations {
		m := validCreateTransactionMap()
		mutate(&m)
		assert.NotEqual(t, base, keyer.KeyHash(m), "changing %s must change the digest", field)
	}
}

func TestKeyer_KeyHash_UpdateIdempkJoinsUpdateKeys(t *testing.T) {
	// GIVEN two updates that share source and source_idempk
	keyer := ledger.NewKeyer("test-secret")
	first := ledger.CommandMap{
		Action:          ledger.ActionUpdateTransaction,
		InstanceAddress: "acme",
		Source:          "gateway",
		SourceIdempk:    "auth-1001",
		UpdateIdempk:    "capture-1001",
	}
	second := first
	second.UpdateIdempk = "capture-1002"

	// THEN each capture gets its own fingerprint
	assert.NotEqual(t, keyer.KeyHash(first), keyer.KeyHash(second))
}

func TestKeyer_KeyHash_CreateIgnoresUpdateIdempk(t *testing.T) {
	// update_idempk is forbidden on creates by validation, but the hash must
	// not depend on a field the action does not own.
	keyer := ledger.NewKeyer("test-secret")
	plain := validCreateTransactionMap()
	stray := validCreateTransactionMap()
	stray.UpdateIdempk = "ignored"

	assert.Equal(t, keyer.KeyHash(plain), keyer.KeyHash(stray))
}

func TestKeyer_KeyHash_InstanceAddressNotPartOfKey(t *testing.T) {
	// Scoping to the instance happens through the unique index column, not
	// the digest, so the same map hashes identically across instances.
	keyer := ledger.NewKeyer("test-secret")
	a := validCreateTransactionMap()
	b := validCreateTransactionMap()
	b.InstanceAddress = "globex"

	assert.Equal(t, keyer.KeyHash(a), keyer.KeyHash(b))
}

// =============================================================================
// RECORD
// =============================================================================

func TestKeyer_Record_SnapshotsClock(t *testing.T) {
	// GIVEN a frozen clock
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := ledger.NewFakeClock(start)
	keyer := ledger.NewKeyer("test-secret")
	m := validCreateTransactionMap()

	// WHEN a record is built
	rec := keyer.Record(ledger.InstanceID("inst-1"), m, clock)

	// THEN it carries the fingerprint, the instance, and the frozen time
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, ledger.InstanceID("inst-1"), rec.InstanceID)
	assert.Equal(t, keyer.KeyHash(m), rec.KeyHash)
	assert.Equal(t, start, rec.FirstSeenAt)
}

func TestKeyer_Record_FreshIDPerCall(t *testing.T) {
	clock := ledger.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	keyer := ledger.NewKeyer("test-secret")
	m := validCreateTransactionMap()

	first := keyer.Record(ledger.InstanceID("inst-1"), m, clock)
	second := keyer.Record(ledger.InstanceID("inst-1"), m, clock)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.KeyHash, second.KeyHash)
}
