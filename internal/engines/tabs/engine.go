package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/dbx"
	"github.com/weavekit/sync15/internal/engine"
	"github.com/weavekit/sync15/internal/storage"
)

const (
	metaLastSync   = "last_sync"
	metaSyncGlobal = "sync_global"
	metaSyncColl   = "sync_coll"
	metaLocalDirty = "local_dirty"
	metaLocalID    = "local_id"
)

// Engine syncs the "tabs" collection through a Store.
type Engine struct {
	store      *Store
	clientData engine.ClientData
}

// NewEngine wraps a store.
func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

func (e *Engine) CollectionName() string { return "tabs" }

// PrepareForSync captures the clients roster so staged records can be
// labeled with device names.
func (e *Engine) PrepareForSync(ctx context.Context, getClientData func() engine.ClientData) error {
	e.clientData = getClientData()
	return nil
}

// localID returns this device's stable client id, minting one on first
// use when the host did not provide one.
func (e *Engine) localID(ctx context.Context, db dbx.DBTX) (string, error) {
	if e.clientData.LocalClientID != "" {
		return e.clientData.LocalClientID, nil
	}
	id, err := getMeta(ctx, db, metaLocalID)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
		if err := setMeta(ctx, db, metaLocalID, id); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (e *Engine) GetSyncAssoc(ctx context.Context) (engine.SyncAssociation, error) {
	global, err := getMeta(ctx, e.store.db, metaSyncGlobal)
	if err != nil {
		return engine.Disconnected(), err
	}
	coll, err := getMeta(ctx, e.store.db, metaSyncColl)
	if err != nil {
		return engine.Disconnected(), err
	}
	if global == "" || coll == "" {
		return engine.Disconnected(), nil
	}
	return engine.Connected(engine.CollSyncIds{Global: bso.Guid(global), Coll: bso.Guid(coll)}), nil
}

// Reset drops sync metadata but keeps tab data, then records the new
// association.
func (e *Engine) Reset(ctx context.Context, assoc engine.SyncAssociation) error {
	return dbx.WithTx(ctx, e.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM staged_tabs`); err != nil {
			return err
		}
		if err := delMeta(ctx, tx, metaLastSync); err != nil {
			return err
		}
		if assoc.Connected == nil {
			return delMeta(ctx, tx, metaSyncGlobal, metaSyncColl)
		}
		if err := setMeta(ctx, tx, metaSyncGlobal, string(assoc.Connected.Global)); err != nil {
			return err
		}
		return setMeta(ctx, tx, metaSyncColl, string(assoc.Connected.Coll))
	})
}

// Wipe deletes remote tab mirrors and sync state. Local tabs belong to
// the browser session, not to sync, so they stay.
func (e *Engine) Wipe(ctx context.Context) error {
	return dbx.WithTx(ctx, e.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM remote_tabs`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM staged_tabs`); err != nil {
			return err
		}
		return delMeta(ctx, tx, metaLastSync, metaSyncGlobal, metaSyncColl)
	})
}

func (e *Engine) lastSync(ctx context.Context, db dbx.DBTX) (bso.ServerTimestamp, error) {
	raw, err := getMeta(ctx, db, metaLastSync)
	if err != nil || raw == "" {
		return 0, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt last_sync %q: %w", raw, err)
	}
	return bso.ServerTimestamp(ms), nil
}

func (e *Engine) GetCollectionRequests(ctx context.Context, serverTimestamp bso.ServerTimestamp) ([]*storage.CollectionRequest, error) {
	lastSync, err := e.lastSync(ctx, e.store.db)
	if err != nil {
		return nil, err
	}
	if serverTimestamp != 0 && serverTimestamp == lastSync {
		// nothing changed server-side since we last looked
		return nil, nil
	}
	return []*storage.CollectionRequest{
		storage.NewCollectionRequest("tabs").Full().NewerThan(lastSync),
	}, nil
}

// StageIncoming persists cleartext records into the staging table in
// one transaction.
func (e *Engine) StageIncoming(ctx context.Context, incoming []bso.Bso, telem *engine.Telemetry) error {
	if len(incoming) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, e.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, record := range incoming {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO staged_tabs (guid, payload) VALUES (?, ?)
				 ON CONFLICT(guid) DO UPDATE SET payload = excluded.payload`,
				string(record.Id), record.Payload)
			if err != nil {
				return fmt.Errorf("failed to stage record %q: %w", record.Id, err)
			}
		}
		return nil
	})
}

// Apply merges staging into remote_tabs, advances last-sync, and
// returns this device's own record when it changed.
func (e *Engine) Apply(ctx context.Context, serverTimestamp bso.ServerTimestamp, telem *engine.Telemetry) ([]bso.Bso, error) {
	var outgoing []bso.Bso
	err := dbx.WithTx(ctx, e.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		localID, err := e.localID(ctx, tx)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT guid, payload FROM staged_tabs`)
		if err != nil {
			return fmt.Errorf("failed to read staging: %w", err)
		}
		type staged struct {
			guid    string
			payload string
		}
		var records []staged
		for rows.Next() {
			var item staged
			if err := rows.Scan(&item.guid, &item.payload); err != nil {
				rows.Close()
				return err
			}
			records = append(records, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, item := range records {
			if item.guid == localID {
				// our own record coming back; nothing to mirror
				continue
			}
			record := bso.New(bso.Guid(item.guid), item.payload)
			if record.IsTombstone() {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM remote_tabs WHERE client_id = ?`, item.guid); err != nil {
					return err
				}
				telem.IncomingApplied++
				continue
			}
			var parsed TabsRecord
			if err := json.Unmarshal([]byte(item.payload), &parsed); err != nil {
				telem.IncomingFailed++
				continue
			}
			name := parsed.ClientName
			if client, ok := e.clientData.RecentClients[item.guid]; ok && client.DeviceName != "" {
				name = client.DeviceName
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO remote_tabs (client_id, device_name, record, modified)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(client_id) DO UPDATE SET
				   device_name = excluded.device_name,
				   record = excluded.record,
				   modified = excluded.modified`,
				item.guid, name, item.payload, serverTimestamp.Millis())
			if err != nil {
				return fmt.Errorf("failed to apply record %q: %w", item.guid, err)
			}
			telem.IncomingApplied++
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM staged_tabs`); err != nil {
			return err
		}
		if err := setMeta(ctx, tx, metaLastSync,
			strconv.FormatInt(serverTimestamp.Millis(), 10)); err != nil {
			return err
		}

		dirty, err := getMeta(ctx, tx, metaLocalDirty)
		if err != nil {
			return err
		}
		if dirty != "1" {
			return nil
		}
		tabs, err := localTabs(ctx, tx)
		if err != nil {
			return err
		}
		record := TabsRecord{
			Id:         bso.Guid(localID),
			ClientName: e.deviceName(localID),
			Tabs:       tabs,
		}
		out, err := bso.FromPayload(record.Id, record)
		if err != nil {
			return err
		}
		outgoing = append(outgoing, *out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outgoing, nil
}

func (e *Engine) deviceName(localID string) string {
	if client, ok := e.clientData.RecentClients[localID]; ok && client.DeviceName != "" {
		return client.DeviceName
	}
	return "Unknown Device"
}

// SetUploaded advances last-sync to the commit timestamp and clears the
// dirty flag once our record made it up.
func (e *Engine) SetUploaded(ctx context.Context, serverTimestamp bso.ServerTimestamp, ids []bso.Guid) error {
	return dbx.WithTx(ctx, e.store.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		localID, err := e.localID(ctx, tx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if string(id) == localID {
				if err := delMeta(ctx, tx, metaLocalDirty); err != nil {
					return err
				}
			}
		}
		return setMeta(ctx, tx, metaLastSync,
			strconv.FormatInt(serverTimestamp.Millis(), 10))
	})
}

// SyncFinished drops any staging leftovers.
func (e *Engine) SyncFinished(ctx context.Context) error {
	_, err := e.store.db.ExecContext(ctx, `DELETE FROM staged_tabs`)
	return err
}

var _ engine.Engine = (*Engine)(nil)
