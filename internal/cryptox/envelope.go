package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/weavekit/sync15/internal/common"
)

// EncryptedPayload is the wire form of an encrypted record payload. All
// three fields are strings: the IV and ciphertext are base64, the HMAC
// is lowercase hex.
//
// The HMAC is computed over the ASCII bytes of the base64 ciphertext,
// not the raw ciphertext. That is what every deployed server and client
// expects; changing it would break interop.
type EncryptedPayload struct {
	IV         string `json:"IV"`
	Hmac       string `json:"hmac"`
	Ciphertext string `json:"ciphertext"`
}

// Encrypt seals cleartext under the bundle with a fresh random IV.
func Encrypt(cleartext []byte, keys *KeyBundle) (*EncryptedPayload, error) {
	block, err := aes.NewCipher(keys.encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad(cleartext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	ctB64 := base64.StdEncoding.EncodeToString(ciphertext)
	mac := hmac.New(sha256.New, keys.hmacKey)
	mac.Write([]byte(ctB64))

	return &EncryptedPayload{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Hmac:       hex.EncodeToString(mac.Sum(nil)),
		Ciphertext: ctB64,
	}, nil
}

// EncryptJSON marshals v and seals the result.
func EncryptJSON(v any, keys *KeyBundle) (*EncryptedPayload, error) {
	cleartext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cleartext: %w", err)
	}
	return Encrypt(cleartext, keys)
}

// Decrypt verifies the HMAC and recovers the cleartext. It fails with
// common.ErrHmacMismatch on any integrity failure and with
// common.ErrBadCleartextUtf8 if the plaintext is not valid UTF-8.
func Decrypt(p *EncryptedPayload, keys *KeyBundle) ([]byte, error) {
	mac := hmac.New(sha256.New, keys.hmacKey)
	mac.Write([]byte(p.Ciphertext))
	want, err := hex.DecodeString(p.Hmac)
	if err != nil || !hmac.Equal(mac.Sum(nil), want) {
		return nil, common.ErrHmacMismatch
	}

	iv, err := base64.StdEncoding.DecodeString(p.IV)
	if err != nil {
		return nil, fmt.Errorf("failed to decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(ciphertext))
	}

	block, err := aes.NewCipher(keys.encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	cleartext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(cleartext, ciphertext)

	cleartext, err = pkcs7Unpad(cleartext, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(cleartext) {
		return nil, common.ErrBadCleartextUtf8
	}
	return cleartext, nil
}

// DecryptInto decrypts and unmarshals into v.
func DecryptInto(p *EncryptedPayload, keys *KeyBundle, v any) error {
	cleartext, err := Decrypt(p, keys)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(cleartext, v); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadCleartextUtf8, err)
	}
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("bad padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
