package cryptox

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
)

func testBundle(t *testing.T) *KeyBundle {
	t.Helper()
	k, err := NewRandomKeyBundle()
	require.NoError(t, err)
	return k
}

func TestEncrypt_Decrypt_RoundTrip(t *testing.T) {
	keys := testBundle(t)
	clear := []byte(`{"id":"recordAAAAAA","title":"example"}`)

	p, err := Encrypt(clear, keys)
	require.NoError(t, err)

	got, err := Decrypt(p, keys)
	require.NoError(t, err)
	assert.Equal(t, clear, got)
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	keys := testBundle(t)
	clear := []byte(`{"id":"x"}`)

	p1, err := Encrypt(clear, keys)
	require.NoError(t, err)
	p2, err := Encrypt(clear, keys)
	require.NoError(t, err)

	assert.NotEqual(t, p1.IV, p2.IV)
	assert.NotEqual(t, p1.Ciphertext, p2.Ciphertext)
}

func TestDecrypt_WrongKey(t *testing.T) {
	p, err := Encrypt([]byte(`{"id":"x"}`), testBundle(t))
	require.NoError(t, err)

	_, err = Decrypt(p, testBundle(t))
	assert.ErrorIs(t, err, common.ErrHmacMismatch)
}

func TestDecrypt_TamperedHmac(t *testing.T) {
	keys := testBundle(t)
	p, err := Encrypt([]byte(`{"id":"x"}`), keys)
	require.NoError(t, err)

	// flip one bit of the tag
	raw, err := hex.DecodeString(p.Hmac)
	require.NoError(t, err)
	raw[0] ^= 0x01
	p.Hmac = hex.EncodeToString(raw)

	_, err = Decrypt(p, keys)
	assert.ErrorIs(t, err, common.ErrHmacMismatch)
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	keys := testBundle(t)
	p, err := Encrypt([]byte(`{"id":"x"}`), keys)
	require.NoError(t, err)

	p.Ciphertext = "AAAA" + p.Ciphertext[4:]
	_, err = Decrypt(p, keys)
	assert.ErrorIs(t, err, common.ErrHmacMismatch)
}

func TestNewKeyBundle_BadLength(t *testing.T) {
	_, err := NewKeyBundle(make([]byte, 16), make([]byte, 32))
	assert.ErrorIs(t, err, common.ErrBadKeyLength)

	_, err = BundleFromKSync(make([]byte, 63))
	assert.ErrorIs(t, err, common.ErrBadKeyLength)
}

func TestBundleFromKSync_Split(t *testing.T) {
	kSync := make([]byte, 64)
	for i := range kSync {
		kSync[i] = byte(i)
	}
	k, err := BundleFromKSync(kSync)
	require.NoError(t, err)
	assert.Equal(t, kSync[:32], k.encKey)
	assert.Equal(t, kSync[32:], k.hmacKey)
}

func TestBundleFromKB_Deterministic(t *testing.T) {
	kB := make([]byte, 32)
	k1, err := BundleFromKB(kB)
	require.NoError(t, err)
	k2, err := BundleFromKB(kB)
	require.NoError(t, err)
	assert.Equal(t, k1.encKey, k2.encKey)
	assert.Equal(t, k1.hmacKey, k2.hmacKey)

	kB[0] = 1
	k3, err := BundleFromKB(kB)
	require.NoError(t, err)
	assert.NotEqual(t, k1.encKey, k3.encKey)
}

func TestCollectionKeys_RoundTrip(t *testing.T) {
	root := testBundle(t)

	ck, err := NewCollectionKeys()
	require.NoError(t, err)
	perColl := testBundle(t)
	ck.Collections["bookmarks"] = perColl

	payload, err := ck.ToEncryptedPayload(root)
	require.NoError(t, err)

	record, err := bso.FromPayload("keys", payload)
	require.NoError(t, err)
	record.Modified = 1500

	got, err := CollectionKeysFromBso(record, root)
	require.NoError(t, err)
	assert.Equal(t, bso.ServerTimestamp(1500), got.Timestamp)
	assert.Equal(t, ck.Default.encKey, got.Default.encKey)
	assert.Equal(t, perColl.hmacKey, got.KeyFor("bookmarks").hmacKey)

	// unknown collections fall back to the default bundle
	assert.Equal(t, got.Default, got.KeyFor("tabs"))
}

func TestCollectionKeys_WrongRoot(t *testing.T) {
	ck, err := NewCollectionKeys()
	require.NoError(t, err)
	payload, err := ck.ToEncryptedPayload(testBundle(t))
	require.NoError(t, err)
	record, err := bso.FromPayload("keys", payload)
	require.NoError(t, err)

	_, err = CollectionKeysFromBso(record, testBundle(t))
	assert.ErrorIs(t, err, common.ErrHmacMismatch)
}

func TestPkcs7(t *testing.T) {
	for n := 0; n < 33; n++ {
		data := make([]byte, n)
		padded := pkcs7Pad(data, 16)
		assert.Zero(t, len(padded)%16)
		got, err := pkcs7Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	_, err := pkcs7Unpad([]byte{}, 16)
	assert.Error(t, err)
}
