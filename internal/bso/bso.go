package bso

import (
	"encoding/json"
	"fmt"
)

// Bso is the JSON envelope stored by the service. The payload is an
// opaque string; for encrypted collections it contains the JSON of an
// EncryptedPayload, and for meta/global it contains cleartext JSON.
//
// The server assigns Modified on upload; values sent by the client are
// ignored. SortIndex is informational only.
type Bso struct {
	Id        Guid            `json:"id"`
	Modified  ServerTimestamp `json:"modified,omitempty"`
	SortIndex *int32          `json:"sortindex,omitempty"`
	TTL       *uint32         `json:"ttl,omitempty"`
	Payload   string          `json:"payload"`
}

// New returns a Bso wrapping the given payload string.
func New(id Guid, payload string) *Bso {
	return &Bso{Id: id, Payload: payload}
}

// FromPayload marshals v to JSON and wraps it in a Bso.
func FromPayload(id Guid, v any) (*Bso, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %q: %w", id, err)
	}
	return New(id, string(raw)), nil
}

// PayloadInto unmarshals the payload JSON into v.
func (b *Bso) PayloadInto(v any) error {
	if err := json.Unmarshal([]byte(b.Payload), v); err != nil {
		return fmt.Errorf("failed to unmarshal payload of %q: %w", b.Id, err)
	}
	return nil
}

// tombstone is the payload shape marking a deleted record.
type tombstone struct {
	Id      Guid `json:"id"`
	Deleted bool `json:"deleted"`
}

// Tombstone returns a Bso whose payload marks the record as deleted.
func Tombstone(id Guid) *Bso {
	raw, _ := json.Marshal(tombstone{Id: id, Deleted: true})
	return New(id, string(raw))
}

// IsTombstone reports whether the (cleartext) payload carries the
// deleted marker.
func (b *Bso) IsTombstone() bool {
	var t tombstone
	if err := json.Unmarshal([]byte(b.Payload), &t); err != nil {
		return false
	}
	return t.Deleted
}
