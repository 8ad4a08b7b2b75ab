// Package engine defines the contract a per-collection component
// implements to take part in a sync, plus the types the session uses to
// talk to it: sync associations, client data, and telemetry.
package engine

import (
	"context"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/storage"
)

// CollSyncIds ties an engine to the server-side state it last agreed
// with. Both ids must equal the current server values for the engine to
// be considered connected.
type CollSyncIds struct {
	Global bso.Guid `json:"global"`
	Coll   bso.Guid `json:"coll"`
}

// SyncAssociation is an engine's relationship to the server:
// disconnected, or connected to a specific (global, coll) syncID pair.
// The only way from Disconnected to Connected is through setup.
type SyncAssociation struct {
	// Connected is nil when the engine is disconnected.
	Connected *CollSyncIds `json:"sync_assoc,omitempty"`
}

// Disconnected is the zero association.
func Disconnected() SyncAssociation { return SyncAssociation{} }

// Connected builds an association to the given ids.
func Connected(ids CollSyncIds) SyncAssociation {
	return SyncAssociation{Connected: &ids}
}

// Matches reports whether the association agrees with the server's
// current ids.
func (a SyncAssociation) Matches(global, coll bso.Guid) bool {
	return a.Connected != nil && a.Connected.Global == global && a.Connected.Coll == coll
}

// ClientData is the roster information some engines (tabs) need about
// the other devices on the account.
type ClientData struct {
	LocalClientID string
	// RecentClients maps client id to its user-visible name.
	RecentClients map[string]RemoteClient
}

// RemoteClient is one device on the account.
type RemoteClient struct {
	FxaDeviceID string `json:"fxa_device_id,omitempty"`
	DeviceName  string `json:"device_name"`
	DeviceType  string `json:"device_type,omitempty"`
}

// Telemetry counts what happened to one engine during one sync. The
// host forwards it to its telemetry pipeline; the core only fills it.
type Telemetry struct {
	IncomingApplied    int
	IncomingFailed     int
	IncomingReconciled int
	OutgoingSent       int
	OutgoingFailed     int
}

// Engine is implemented once per collection. The session borrows the
// engine for the duration of its collection's phase; the engine owns
// its persistence handle exclusively.
//
// Reconciliation policy is engine-defined, but the core relies on:
//  1. After Apply, the engine's persisted last-sync equals the argument.
//  2. Outgoing records' modified fields are ignored; the server assigns
//     them.
//  3. Every Guid passed to SetUploaded appeared in Apply's output.
//  4. A decrypt failure on one incoming record never aborts the batch;
//     it is counted in Telemetry.IncomingFailed and skipped.
type Engine interface {
	// CollectionName names the storage collection this engine syncs.
	CollectionName() string

	// PrepareForSync lets the engine capture cross-engine data before
	// its phase runs. Most engines ignore it; tabs uses it to read the
	// clients roster.
	PrepareForSync(ctx context.Context, getClientData func() ClientData) error

	// GetSyncAssoc reads the engine's persisted association.
	GetSyncAssoc(ctx context.Context) (SyncAssociation, error)

	// Reset drops the engine's sync metadata (last-sync timestamp,
	// change counters) without touching user data, then stores the new
	// association.
	Reset(ctx context.Context, assoc SyncAssociation) error

	// Wipe deletes all local user data for this collection.
	Wipe(ctx context.Context) error

	// GetCollectionRequests returns the fetches to run, usually one
	// Full().NewerThan(lastSync). Empty means nothing to fetch.
	GetCollectionRequests(ctx context.Context, serverTimestamp bso.ServerTimestamp) ([]*storage.CollectionRequest, error)

	// StageIncoming decrypts and persists incoming records to a staging
	// area in a single transaction.
	StageIncoming(ctx context.Context, incoming []bso.Bso, telem *Telemetry) error

	// Apply reconciles staging with local state in one transaction,
	// persists serverTimestamp as the new last-sync, and returns the
	// outgoing records.
	Apply(ctx context.Context, serverTimestamp bso.ServerTimestamp, telem *Telemetry) ([]bso.Bso, error)

	// SetUploaded marks records as uploaded and advances last-sync to
	// the commit timestamp.
	SetUploaded(ctx context.Context, serverTimestamp bso.ServerTimestamp, ids []bso.Guid) error

	// SyncFinished releases staging resources after a successful sync.
	SyncFinished(ctx context.Context) error
}
