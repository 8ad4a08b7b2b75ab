package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
	"github.com/weavekit/sync15/internal/cryptox"
	"github.com/weavekit/sync15/internal/interrupt"
	"github.com/weavekit/sync15/internal/logging"
	"github.com/weavekit/sync15/internal/storage"
)

// EngineChanges tells the session which engines must drop their sync
// metadata before running, and which are declined outright.
type EngineChanges struct {
	// ResetAll marks every engine for reset: the global syncID changed
	// or storage was rebuilt.
	ResetAll bool

	// Reset maps engine name to its new collection syncID, for engines
	// whose per-collection syncID changed individually.
	Reset map[string]bso.Guid

	// Declined engines are skipped until the user opts back in.
	Declined []string
}

// NeedsReset reports whether the named engine must reset.
func (c *EngineChanges) NeedsReset(engine string) bool {
	if c.ResetAll {
		return true
	}
	_, ok := c.Reset[engine]
	return ok
}

// IsDeclined reports whether the named engine is declined.
func (c *EngineChanges) IsDeclined(engine string) bool {
	for _, d := range c.Declined {
		if d == engine {
			return true
		}
	}
	return false
}

// Ready is the successful outcome of setup: everything an engine sync
// needs to run.
type Ready struct {
	State   *GlobalState
	Keys    *cryptox.CollectionKeys
	Changes EngineChanges
}

// Machine drives local state into agreement with the server before any
// engine syncs. It runs once per session.
type Machine struct {
	client  *storage.Client
	root    *cryptox.KeyBundle
	scope   *interrupt.Scope
	engines []string
	log     logging.Logger

	triedFreshStart bool
	changes         EngineChanges

	// working set carried between states
	config      storage.InfoConfiguration
	collections map[string]bso.ServerTimestamp
	metaGlobal  *MetaGlobalRecord
	metaTS      bso.ServerTimestamp
	keysPayload *cryptox.EncryptedPayload
	keys        *cryptox.CollectionKeys
	prev        *GlobalState
}

// NewMachine builds a setup machine. engines is the list this client
// wants to sync; it seeds meta/global on a fresh start.
func NewMachine(client *storage.Client, root *cryptox.KeyBundle, scope *interrupt.Scope, engines []string, log logging.Logger) *Machine {
	if log == nil {
		log = logging.Nop()
	}
	return &Machine{
		client:  client,
		root:    root,
		scope:   scope,
		engines: engines,
		log:     log,
		changes: EngineChanges{Reset: map[string]bso.Guid{}},
	}
}

type stateID int

const (
	stInitialWithConfig stateID = iota
	stFreshLocalMetaGlobal
	stFreshRemoteMetaGlobal
	stFreshRemoteCryptoKeys
	stNeedsFreshStart
	stReady
)

func (s stateID) String() string {
	switch s {
	case stInitialWithConfig:
		return "InitialWithConfig"
	case stFreshLocalMetaGlobal:
		return "FreshLocalMetaGlobal"
	case stFreshRemoteMetaGlobal:
		return "FreshRemoteMetaGlobal"
	case stFreshRemoteCryptoKeys:
		return "FreshRemoteCryptoKeys"
	case stNeedsFreshStart:
		return "NeedsFreshStart"
	case stReady:
		return "Ready"
	}
	return "unknown"
}

// Run executes the machine from InitialWithConfig until Ready or a
// terminal error. prev is the state persisted by the host after the
// last successful sync, nil on a first run.
func (m *Machine) Run(ctx context.Context, prev *GlobalState) (*Ready, error) {
	m.prev = prev

	st := stInitialWithConfig
	for st != stReady {
		if err := m.scope.Err(); err != nil {
			return nil, err
		}
		m.log.Debug(ctx, "setup state", "state", st.String())

		var err error
		switch st {
		case stInitialWithConfig:
			st, err = m.initialWithConfig(ctx)
		case stFreshLocalMetaGlobal:
			st, err = m.freshLocalMetaGlobal(ctx)
		case stFreshRemoteMetaGlobal:
			st, err = m.freshRemoteMetaGlobal(ctx)
		case stFreshRemoteCryptoKeys:
			st, err = m.freshRemoteCryptoKeys(ctx)
		case stNeedsFreshStart:
			st, err = m.needsFreshStart(ctx)
		default:
			err = fmt.Errorf("setup reached invalid state %d", st)
		}
		if err != nil {
			return nil, err
		}
	}

	declined := []string{}
	if m.metaGlobal != nil {
		declined = append(declined, m.metaGlobal.Declined...)
	}
	m.changes.Declined = declined

	return &Ready{
		State: &GlobalState{
			SchemaVersion:  globalStateSchemaVersion,
			Config:         m.config,
			LastServerInfo: m.collections,
			MetaGlobal:     m.metaGlobal,
			MetaGlobalTS:   m.metaTS,
			CryptoKeys:     m.keysPayload,
			CryptoKeysTS:   m.keys.Timestamp,
			Declined:       declined,
		},
		Keys:    m.keys,
		Changes: m.changes,
	}, nil
}

func (m *Machine) initialWithConfig(ctx context.Context) (stateID, error) {
	config, err := m.client.FetchInfoConfiguration(ctx)
	if err != nil {
		return 0, err
	}
	m.config = config

	collections, err := m.client.FetchInfoCollections(ctx)
	if err != nil {
		// an empty storage answers 404 here on some servers
		var nf *common.NotFoundError
		if !errors.As(err, &nf) {
			return 0, err
		}
		collections = map[string]bso.ServerTimestamp{}
	}
	m.collections = collections
	return stFreshLocalMetaGlobal, nil
}

// freshLocalMetaGlobal reuses the cached meta/global when the server's
// meta collection has not moved since we stored it; otherwise it falls
// through to a remote fetch.
func (m *Machine) freshLocalMetaGlobal(ctx context.Context) (stateID, error) {
	if m.prev != nil && m.prev.MetaGlobal != nil {
		if ts, ok := m.collections["meta"]; ok && ts == m.prev.MetaGlobalTS {
			m.metaGlobal = m.prev.MetaGlobal
			m.metaTS = m.prev.MetaGlobalTS
			return stFreshRemoteMetaGlobal, nil
		}
	}

	record, err := m.client.GetBso(ctx, "meta", "global")
	if err != nil {
		return 0, err
	}
	if record == nil {
		m.log.Info(ctx, "no meta/global on server, starting fresh")
		return stNeedsFreshStart, nil
	}
	var mg MetaGlobalRecord
	if err := record.PayloadInto(&mg); err != nil {
		m.log.Warn(ctx, "meta/global is corrupt, starting fresh", "error", err)
		return stNeedsFreshStart, nil
	}
	m.metaGlobal = &mg
	m.metaTS = record.Modified
	return stFreshRemoteMetaGlobal, nil
}

// freshRemoteMetaGlobal validates the fetched record against local
// state: storage version, global syncID, per-engine syncIDs, declined.
func (m *Machine) freshRemoteMetaGlobal(ctx context.Context) (stateID, error) {
	mg := m.metaGlobal

	if mg.StorageVersion != StorageVersion5 {
		return 0, fmt.Errorf("%w: server has storage version %d",
			common.ErrClientUpgradeRequired, mg.StorageVersion)
	}

	var prevMG *MetaGlobalRecord
	if m.prev != nil {
		prevMG = m.prev.MetaGlobal
	}

	if prevMG == nil || prevMG.SyncID != mg.SyncID {
		if prevMG != nil {
			m.log.Info(ctx, "global syncID changed, resetting all engines",
				"old", prevMG.SyncID, "new", mg.SyncID)
		}
		m.changes.ResetAll = true
	} else {
		for name, engine := range mg.Engines {
			if prev, ok := prevMG.Engines[name]; ok && prev.SyncID != engine.SyncID {
				m.log.Info(ctx, "engine syncID changed", "engine", name)
				m.changes.Reset[name] = engine.SyncID
			}
		}
	}

	// engines we sync but the server record has never heard of get
	// fresh syncIDs, and the updated record goes back up
	missing := []string{}
	for _, name := range m.engines {
		if _, ok := mg.Engines[name]; !ok && !mg.IsDeclined(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		if mg.Engines == nil {
			mg.Engines = map[string]MetaGlobalEngine{}
		}
		for _, name := range missing {
			id := bso.NewGuid()
			mg.Engines[name] = MetaGlobalEngine{Version: EngineVersion(name), SyncID: id}
			m.changes.Reset[name] = id
		}
		record, err := bso.FromPayload("global", mg)
		if err != nil {
			return 0, err
		}
		xius := m.metaTS
		ts, err := m.client.PutBso(ctx, "meta", record, &xius)
		if err != nil {
			return 0, err
		}
		m.metaTS = ts
		m.log.Info(ctx, "registered engines in meta/global", "engines", missing)
	}

	return stFreshRemoteCryptoKeys, nil
}

// freshRemoteCryptoKeys obtains usable collection keys, preferring the
// cached crypto/keys when the server agrees it has not changed.
func (m *Machine) freshRemoteCryptoKeys(ctx context.Context) (stateID, error) {
	if m.prev != nil && m.prev.CryptoKeys != nil {
		if ts, ok := m.collections["crypto"]; ok && ts == m.prev.CryptoKeysTS {
			record, err := bso.FromPayload("keys", m.prev.CryptoKeys)
			if err == nil {
				record.Modified = m.prev.CryptoKeysTS
				if keys, err := cryptox.CollectionKeysFromBso(record, m.root); err == nil {
					m.keysPayload = m.prev.CryptoKeys
					m.keys = keys
					return stReady, nil
				}
			}
			// cached keys unusable; fall through to the server copy
		}
	}

	record, err := m.client.GetBso(ctx, "crypto", "keys")
	if err != nil {
		return 0, err
	}
	if record == nil {
		m.log.Info(ctx, "no crypto/keys on server, starting fresh")
		return stNeedsFreshStart, nil
	}

	keys, err := cryptox.CollectionKeysFromBso(record, m.root)
	if err != nil {
		// A decrypt failure means our root key disagrees with whoever
		// wrote crypto/keys. Wiping here could destroy another device's
		// data over a stale local key, so surface it instead.
		return 0, fmt.Errorf("failed to decrypt crypto/keys: %w", err)
	}
	var payload cryptox.EncryptedPayload
	if err := record.PayloadInto(&payload); err != nil {
		return 0, err
	}
	m.keysPayload = &payload
	m.keys = keys
	return stReady, nil
}

// needsFreshStart wipes server storage and rebuilds meta/global and
// crypto/keys from scratch. This is the only path that deletes server
// data, and cycle detection keeps it to one attempt per session.
func (m *Machine) needsFreshStart(ctx context.Context) (stateID, error) {
	if m.triedFreshStart {
		return 0, common.ErrSetupStateCycle
	}
	m.triedFreshStart = true
	m.log.Info(ctx, "performing fresh start")

	if err := m.client.DeleteAll(ctx); err != nil {
		return 0, err
	}

	var declined []string
	if m.metaGlobal != nil {
		declined = m.metaGlobal.Declined
	} else if m.prev != nil {
		declined = m.prev.Declined
	}
	mg := NewMetaGlobalRecord(m.engines, declined)
	record, err := bso.FromPayload("global", mg)
	if err != nil {
		return 0, err
	}
	if _, err := m.client.PutBso(ctx, "meta", record, nil); err != nil {
		return 0, err
	}

	keys, err := cryptox.NewCollectionKeys()
	if err != nil {
		return 0, err
	}
	payload, err := keys.ToEncryptedPayload(m.root)
	if err != nil {
		return 0, err
	}
	keysRecord, err := bso.FromPayload("keys", payload)
	if err != nil {
		return 0, err
	}
	if _, err := m.client.PutBso(ctx, "crypto", keysRecord, nil); err != nil {
		return 0, err
	}

	m.changes.ResetAll = true
	m.metaGlobal = nil
	m.metaTS = 0
	m.keys = nil
	m.keysPayload = nil
	m.prev = nil
	return stInitialWithConfig, nil
}
