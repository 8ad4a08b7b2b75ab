package cryptox

import (
	"fmt"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
)

// CollectionKeys is the decrypted content of the crypto/keys record: a
// required default bundle plus optional per-collection overrides.
type CollectionKeys struct {
	// Timestamp is the server modified time of the crypto/keys record
	// these keys came from; zero for freshly generated keys.
	Timestamp   bso.ServerTimestamp
	Default     *KeyBundle
	Collections map[string]*KeyBundle
}

// keysCleartext is the wire shape of the decrypted crypto/keys payload.
type keysCleartext struct {
	Id          string              `json:"id"`
	Collection  string              `json:"collection"`
	Default     []string            `json:"default"`
	Collections map[string][]string `json:"collections"`
}

// NewCollectionKeys returns fresh keys with a random default bundle and
// no per-collection overrides. Used during a fresh start.
func NewCollectionKeys() (*CollectionKeys, error) {
	def, err := NewRandomKeyBundle()
	if err != nil {
		return nil, err
	}
	return &CollectionKeys{Default: def, Collections: map[string]*KeyBundle{}}, nil
}

// KeyFor returns the bundle to use for the named collection.
func (ck *CollectionKeys) KeyFor(collection string) *KeyBundle {
	if k, ok := ck.Collections[collection]; ok {
		return k
	}
	return ck.Default
}

// ToEncryptedPayload seals the keys under the root bundle for upload as
// the crypto/keys record.
func (ck *CollectionKeys) ToEncryptedPayload(root *KeyBundle) (*EncryptedPayload, error) {
	enc, mac := ck.Default.ToBase64()
	clear := keysCleartext{
		Id:          "keys",
		Collection:  "crypto",
		Default:     []string{enc, mac},
		Collections: map[string][]string{},
	}
	for name, k := range ck.Collections {
		e, h := k.ToBase64()
		clear.Collections[name] = []string{e, h}
	}
	return EncryptJSON(clear, root)
}

// CollectionKeysFromBso decrypts a downloaded crypto/keys record with
// the root bundle.
func CollectionKeysFromBso(record *bso.Bso, root *KeyBundle) (*CollectionKeys, error) {
	var payload EncryptedPayload
	if err := record.PayloadInto(&payload); err != nil {
		return nil, err
	}
	var clear keysCleartext
	if err := DecryptInto(&payload, root, &clear); err != nil {
		return nil, err
	}
	if len(clear.Default) != 2 {
		return nil, fmt.Errorf("%w: crypto/keys default has %d entries", common.ErrBadKeyLength, len(clear.Default))
	}
	def, err := BundleFromBase64(clear.Default[0], clear.Default[1])
	if err != nil {
		return nil, fmt.Errorf("failed to read default key bundle: %w", err)
	}
	ck := &CollectionKeys{
		Timestamp:   record.Modified,
		Default:     def,
		Collections: map[string]*KeyBundle{},
	}
	for name, pair := range clear.Collections {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: crypto/keys entry %q has %d entries", common.ErrBadKeyLength, name, len(pair))
		}
		k, err := BundleFromBase64(pair[0], pair[1])
		if err != nil {
			return nil, fmt.Errorf("failed to read key bundle for %q: %w", name, err)
		}
		ck.Collections[name] = k
	}
	return ck, nil
}
