// Package state implements the setup phase of a sync: fetching or
// rebuilding meta/global and crypto/keys, reconciling syncIDs, and
// deciding which engines must reset before any records move.
package state

import (
	"github.com/weavekit/sync15/internal/bso"
)

// StorageVersion5 is the only storage version this client speaks.
// Anything else on the server means one side needs an upgrade.
const StorageVersion5 = 5

// engineVersions pins the record format version this client writes for
// each engine it knows about. Unknown engines get version 1.
var engineVersions = map[string]int{
	"bookmarks": 2,
	"clients":   1,
	"forms":     1,
	"history":   1,
	"passwords": 1,
	"prefs":     2,
	"tabs":      1,
	"addons":    1,
}

// EngineVersion returns the meta/global record version for an engine.
func EngineVersion(name string) int {
	if v, ok := engineVersions[name]; ok {
		return v
	}
	return 1
}

// MetaGlobalEngine is one entry of the meta/global engines map.
type MetaGlobalEngine struct {
	Version int      `json:"version"`
	SyncID  bso.Guid `json:"syncID"`
}

// MetaGlobalRecord is the unencrypted payload of meta/global: the
// account-wide syncID, the storage version, the engines every device
// agreed to sync, and the ones the user declined.
type MetaGlobalRecord struct {
	SyncID         bso.Guid                    `json:"syncID"`
	StorageVersion int                         `json:"storageVersion"`
	Engines        map[string]MetaGlobalEngine `json:"engines"`
	Declined       []string                    `json:"declined"`
}

// NewMetaGlobalRecord builds a fresh record with random syncIDs for the
// given engines, preserving a previous declined list when one exists.
func NewMetaGlobalRecord(engines []string, declined []string) *MetaGlobalRecord {
	mg := &MetaGlobalRecord{
		SyncID:         bso.NewGuid(),
		StorageVersion: StorageVersion5,
		Engines:        make(map[string]MetaGlobalEngine, len(engines)),
		Declined:       append([]string(nil), declined...),
	}
	if mg.Declined == nil {
		mg.Declined = []string{}
	}
	for _, name := range engines {
		mg.Engines[name] = MetaGlobalEngine{Version: EngineVersion(name), SyncID: bso.NewGuid()}
	}
	return mg
}

// IsDeclined reports whether the engine appears in the declined list.
func (mg *MetaGlobalRecord) IsDeclined(engine string) bool {
	for _, d := range mg.Declined {
		if d == engine {
			return true
		}
	}
	return false
}
