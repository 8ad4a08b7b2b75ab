// Package bso defines the wire-level types exchanged with a Sync 1.5
// storage service: record identifiers, server timestamps, and the Bso
// ("Basic Storage Object") envelope that wraps every uploaded payload.
package bso

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Guid is a record identifier within a collection. Freshly minted Guids
// are the 12-character URL-safe base64 encoding of 9 random bytes, but
// a Guid read from the server may carry any shape the writing client
// chose (bookmark roots use well-known names, some clients use UUIDs).
type Guid string

// NewGuid returns a fresh random Guid.
func NewGuid() Guid {
	var buf [9]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the process has no usable entropy
		// source; nothing sensible can continue.
		panic(fmt.Sprintf("bso: reading random bytes: %v", err))
	}
	return Guid(base64.URLEncoding.EncodeToString(buf[:]))
}

// IsValidForUpload reports whether the Guid can appear as the id of an
// uploaded Bso: printable ASCII, no more than 64 bytes, and non-empty.
func (g Guid) IsValidForUpload() bool {
	if len(g) == 0 || len(g) > 64 {
		return false
	}
	for i := 0; i < len(g); i++ {
		if g[i] < 0x20 || g[i] > 0x7e {
			return false
		}
	}
	return true
}

func (g Guid) String() string { return string(g) }
