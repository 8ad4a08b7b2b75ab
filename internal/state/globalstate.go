package state

import (
	"encoding/json"
	"fmt"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/cryptox"
	"github.com/weavekit/sync15/internal/storage"
)

// globalStateSchemaVersion identifies the persisted layout. Anything
// else is discarded and rebuilt from the server.
const globalStateSchemaVersion = 2

// GlobalState is the setup result the host persists between syncs as an
// opaque string. crypto/keys stays in its encrypted form here; only the
// in-memory session holds decrypted bundles.
type GlobalState struct {
	SchemaVersion  int                            `json:"schema_version"`
	Config         storage.InfoConfiguration      `json:"config"`
	LastServerInfo map[string]bso.ServerTimestamp `json:"last_server_info"`
	MetaGlobal     *MetaGlobalRecord              `json:"meta_global"`
	MetaGlobalTS   bso.ServerTimestamp            `json:"meta_global_ts"`
	CryptoKeys     *cryptox.EncryptedPayload      `json:"crypto_keys"`
	CryptoKeysTS   bso.ServerTimestamp            `json:"crypto_keys_ts"`
	Declined       []string                       `json:"declined"`
}

// MarshalState serializes for the host's opaque storage.
func (s *GlobalState) MarshalState() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal global state: %w", err)
	}
	return string(raw), nil
}

// UnmarshalGlobalState restores a persisted state. Unknown schema
// versions and corrupt strings return nil with no error: setup simply
// starts from scratch.
func UnmarshalGlobalState(raw string) *GlobalState {
	if raw == "" {
		return nil
	}
	var s GlobalState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	if s.SchemaVersion != globalStateSchemaVersion {
		return nil
	}
	return &s
}
