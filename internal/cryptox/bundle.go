// Package cryptox implements the Sync 1.5 record envelope: AES-256-CBC
// encryption with an HMAC-SHA-256 integrity tag computed over the base64
// ciphertext, keyed by a per-collection KeyBundle.
package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/weavekit/sync15/internal/common"
)

const (
	keyLen = 32

	// oldSyncScope is the HKDF info string used to derive the sync key
	// material from an FxA kB on accounts that predate scoped keys.
	oldSyncScope = "identity.mozilla.com/picl/v1/oldsync"
)

// KeyBundle holds the AES encryption key and the HMAC key for one
// collection. Both halves are exactly 32 bytes. Bundles must never be
// logged or serialized in cleartext.
type KeyBundle struct {
	encKey  []byte
	hmacKey []byte
}

// NewKeyBundle builds a bundle from raw key halves.
func NewKeyBundle(encKey, hmacKey []byte) (*KeyBundle, error) {
	if len(encKey) != keyLen || len(hmacKey) != keyLen {
		return nil, common.ErrBadKeyLength
	}
	return &KeyBundle{encKey: append([]byte(nil), encKey...), hmacKey: append([]byte(nil), hmacKey...)}, nil
}

// NewRandomKeyBundle returns a bundle with uniformly random halves.
func NewRandomKeyBundle() (*KeyBundle, error) {
	buf := make([]byte, keyLen*2)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}
	return NewKeyBundle(buf[:keyLen], buf[keyLen:])
}

// BundleFromKSync splits a 64-byte root sync key into the default
// bundle: the first half encrypts, the second half authenticates.
func BundleFromKSync(kSync []byte) (*KeyBundle, error) {
	if len(kSync) != keyLen*2 {
		return nil, common.ErrBadKeyLength
	}
	return NewKeyBundle(kSync[:keyLen], kSync[keyLen:])
}

// BundleFromKB derives the root bundle from a 32-byte FxA kB using the
// legacy HKDF step. Accounts with scoped keys hand us kSync directly and
// skip this.
func BundleFromKB(kB []byte) (*KeyBundle, error) {
	if len(kB) != keyLen {
		return nil, common.ErrBadKeyLength
	}
	r := hkdf.New(sha256.New, kB, nil, []byte(oldSyncScope))
	kSync := make([]byte, keyLen*2)
	if _, err := io.ReadFull(r, kSync); err != nil {
		return nil, fmt.Errorf("failed to derive sync key from kB: %w", err)
	}
	return BundleFromKSync(kSync)
}

// BundleFromBase64 builds a bundle from the base64 halves used in the
// crypto/keys record.
func BundleFromBase64(enc, hmac string) (*KeyBundle, error) {
	encKey, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	hmacKey, err := base64.StdEncoding.DecodeString(hmac)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hmac key: %w", err)
	}
	return NewKeyBundle(encKey, hmacKey)
}

// ToBase64 returns the (enc, hmac) halves in the crypto/keys wire form.
func (k *KeyBundle) ToBase64() (string, string) {
	return base64.StdEncoding.EncodeToString(k.encKey),
		base64.StdEncoding.EncodeToString(k.hmacKey)
}

// Wipe zeroes the key material. The bundle is unusable afterwards.
func (k *KeyBundle) Wipe() {
	for i := range k.encKey {
		k.encKey[i] = 0
	}
	for i := range k.hmacKey {
		k.hmacKey[i] = 0
	}
}
