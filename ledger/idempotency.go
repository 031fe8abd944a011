/*
idempotency.go - Request fingerprinting

PURPOSE:
  Every accepted CommandMap is fingerprinted before any row is written. The
  fingerprint is an HMAC-SHA256 over the identifying fields, keyed with a
  process-wide secret, and stored under a unique index on
  (instance_id, key_hash). A duplicate submission therefore fails the insert
  and never reaches a handler.

KEY SHAPE:
  action|source|source_idempk            for create actions
  action|source|source_idempk|update_idempk  for update actions

  update_idempk joins the key so that an update is deduplicated separately
  from the create it refers to: the pair shares source_idempk by design.

SEE ALSO:
  - commandmap.go: Field validation that runs before fingerprinting
  - store.go: InsertIdempotencyKey and its duplicate sentinel
*/
package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
)

// Keyer derives idempotency fingerprints from command maps.
type Keyer struct {
	secret []byte
}

// NewKeyer builds a Keyer from the configured secret.
func NewKeyer(secret string) *Keyer {
	return &Keyer{secret: []byte(secret)}
}

// KeyHash returns the HMAC-SHA256 fingerprint of the map's identity fields.
func (k *Keyer) KeyHash(m CommandMap) []byte {
	parts := []string{string(m.Action), m.Source, m.SourceIdempk}
	if m.Action.IsUpdate() {
		parts = append(parts, m.UpdateIdempk)
	}
	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(strings.Join(parts, "|")))
	return mac.Sum(nil)
}

// Record builds the row to insert for the map within an instance.
func (k *Keyer) Record(instanceID InstanceID, m CommandMap, clock Clock) IdempotencyKeyRecord {
	return IdempotencyKeyRecord{
		ID:          NewID(),
		InstanceID:  instanceID,
		KeyHash:     k.KeyHash(m),
		FirstSeenAt: clock.Now(),
	}
}
