// Package session drives one sync: setup via the state machine, then
// each engine in order, with backoff, interruption, and per-engine
// error isolation.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
	"github.com/weavekit/sync15/internal/cryptox"
	"github.com/weavekit/sync15/internal/engine"
	"github.com/weavekit/sync15/internal/interrupt"
	"github.com/weavekit/sync15/internal/logging"
	"github.com/weavekit/sync15/internal/state"
	"github.com/weavekit/sync15/internal/storage"
)

// MemoryCachedState survives between syncs in the host's memory:
// server limits, the last backoff deadline, and the most recent
// persisted global state. Read-mostly; only the session mutates it.
type MemoryCachedState struct {
	Config       *storage.InfoConfiguration
	BackoffUntil time.Time
	GlobalState  string
}

// Params configures one sync session.
type Params struct {
	// Storage carries the endpoint and Hawk credentials obtained from
	// the token server.
	Storage storage.Config

	// RootKey is the bundle derived from kSync; it decrypts crypto/keys.
	RootKey *cryptox.KeyBundle

	// Engines take part in this sync. They run clients first and
	// bookmarks last regardless of slice order.
	Engines []engine.Engine

	// ClientData is the device roster handed to engines that ask for it.
	ClientData engine.ClientData

	// Mem carries state across sessions; a fresh one is used when nil.
	Mem *MemoryCachedState

	// Interrupter cancels the session from another thread. Optional.
	Interrupter *interrupt.Interrupter

	// StrictUploads makes oversized or rejected records fail the whole
	// engine sync instead of being reported and skipped.
	StrictUploads bool

	Log logging.Logger
}

// EngineResult is the outcome of one engine's phase.
type EngineResult struct {
	Engine    string
	Declined  bool
	Err       error
	Telemetry engine.Telemetry
}

// Result is the session-level outcome the host inspects.
type Result struct {
	Engines []EngineResult

	// PersistedState is the new opaque global state to store, empty if
	// setup never completed.
	PersistedState string

	Interrupted bool
}

// Failed reports the engines that ended in error.
func (r *Result) Failed() []string {
	var names []string
	for _, er := range r.Engines {
		if er.Err != nil {
			names = append(names, er.Engine)
		}
	}
	return names
}

// Sync runs one complete session. Setup errors and backoff abort the
// session and are returned; engine errors are isolated in the Result.
func Sync(ctx context.Context, p Params) (*Result, error) {
	log := p.Log
	if log == nil {
		log = logging.Nop()
	}
	mem := p.Mem
	if mem == nil {
		mem = &MemoryCachedState{}
	}

	backoff := p.Storage.Backoff
	if backoff == nil {
		backoff = storage.NewBackoffState()
		p.Storage.Backoff = backoff
	}
	backoff.Restore(mem.BackoffUntil)
	if err := backoff.Check(); err != nil {
		return nil, err
	}

	interrupter := p.Interrupter
	if interrupter == nil {
		interrupter = &interrupt.Interrupter{}
	}
	scope := interrupter.NewScope()

	p.Storage.Log = log
	client, err := storage.NewClient(p.Storage)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(p.Engines))
	for i, e := range p.Engines {
		names[i] = e.CollectionName()
	}

	machine := state.NewMachine(client, p.RootKey, scope, names, log)
	ready, err := machine.Run(ctx, state.UnmarshalGlobalState(mem.GlobalState))
	if err != nil {
		mem.BackoffUntil = backoff.Until()
		return nil, fmt.Errorf("sync setup failed: %w", err)
	}

	result := &Result{}
	if persisted, err := ready.State.MarshalState(); err == nil {
		mem.GlobalState = persisted
		result.PersistedState = persisted
	}
	mem.Config = &ready.State.Config

	for _, e := range orderEngines(p.Engines) {
		if err := scope.Err(); err != nil {
			result.Interrupted = true
			break
		}
		er := syncEngine(ctx, e, client, ready, scope, p, log)
		result.Engines = append(result.Engines, er)
		if er.Err != nil {
			if _, ok := common.IsBackoffError(er.Err); ok {
				// a backoff poisons the rest of the session
				mem.BackoffUntil = backoff.Until()
				break
			}
			log.Error(ctx, "engine sync failed", "engine", er.Engine, "error", er.Err)
		}
	}

	mem.BackoffUntil = backoff.Until()
	return result, nil
}

// orderEngines enforces the cross-engine ordering: clients first so
// device-addressed commands see a fresh roster, bookmarks last.
func orderEngines(engines []engine.Engine) []engine.Engine {
	out := append([]engine.Engine(nil), engines...)
	rank := func(name string) int {
		switch name {
		case "clients":
			return 0
		case "bookmarks":
			return 2
		default:
			return 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].CollectionName()) < rank(out[j].CollectionName())
	})
	return out
}

func syncEngine(ctx context.Context, e engine.Engine, client *storage.Client, ready *state.Ready, scope *interrupt.Scope, p Params, log logging.Logger) EngineResult {
	name := e.CollectionName()
	er := EngineResult{Engine: name}
	log = log.With("engine", name)

	if ready.Changes.IsDeclined(name) {
		log.Info(ctx, "engine is declined, skipping")
		er.Declined = true
		return er
	}

	er.Err = runEngine(ctx, e, client, ready, scope, p, log, &er.Telemetry)
	return er
}

func runEngine(ctx context.Context, e engine.Engine, client *storage.Client, ready *state.Ready, scope *interrupt.Scope, p Params, log logging.Logger, telem *engine.Telemetry) error {
	name := e.CollectionName()
	keys := ready.Keys.KeyFor(name)

	if err := e.PrepareForSync(ctx, func() engine.ClientData { return p.ClientData }); err != nil {
		return fmt.Errorf("prepare failed: %w", err)
	}

	serverIds, ok := ready.State.MetaGlobal.Engines[name]
	if !ok {
		return fmt.Errorf("engine %q missing from meta/global after setup", name)
	}
	want := engine.CollSyncIds{Global: ready.State.MetaGlobal.SyncID, Coll: serverIds.SyncID}

	assoc, err := e.GetSyncAssoc(ctx)
	if err != nil {
		return err
	}
	if ready.Changes.NeedsReset(name) || !assoc.Matches(want.Global, want.Coll) {
		log.Info(ctx, "resetting engine", "global", want.Global, "coll", want.Coll)
		if err := e.Reset(ctx, engine.Connected(want)); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}

	collTS := ready.State.LastServerInfo[name]
	requests, err := e.GetCollectionRequests(ctx, collTS)
	if err != nil {
		return err
	}

	// the last request's observed timestamp is canonical
	var observed bso.ServerTimestamp
	fetched := false
	for _, req := range requests {
		if err := scope.Err(); err != nil {
			return err
		}
		records, ts, err := client.GetEncryptedBsos(ctx, req)
		if err != nil {
			return err
		}
		if req.Collection == name {
			observed = ts
			fetched = true
		}
		cleartext := decryptIncoming(ctx, records, keys, log, telem)
		if err := e.StageIncoming(ctx, cleartext, telem); err != nil {
			return fmt.Errorf("staging failed: %w", err)
		}
	}
	if !fetched {
		// engine had nothing to fetch; uploads precondition on the
		// last timestamp the server told us about
		observed = collTS
	}

	if err := scope.Err(); err != nil {
		return err
	}
	outgoing, err := e.Apply(ctx, observed, telem)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	if len(outgoing) == 0 {
		return e.SyncFinished(ctx)
	}

	queue := storage.NewPostQueue(client, name, ready.State.Config, observed, p.StrictUploads)
	for i := range outgoing {
		if err := scope.Err(); err != nil {
			return err
		}
		record := &outgoing[i]
		payload, err := encryptOutgoing(record, keys)
		if err != nil {
			return err
		}
		if _, err := queue.Enqueue(ctx, payload); err != nil {
			return err
		}
	}
	info, err := queue.Done(ctx)
	if err != nil {
		return err
	}
	telem.OutgoingSent = len(info.SuccessfulIds)
	telem.OutgoingFailed = len(info.FailedIds)

	if info.ModifiedTimestamp != 0 {
		if err := e.SetUploaded(ctx, info.ModifiedTimestamp, info.SuccessfulIds); err != nil {
			return err
		}
	}
	return e.SyncFinished(ctx)
}

// decryptIncoming turns encrypted envelopes into cleartext Bsos. A
// record that fails to decrypt or whose inner id disagrees with the
// envelope is counted and dropped, never fatal.
func decryptIncoming(ctx context.Context, records []bso.Bso, keys *cryptox.KeyBundle, log logging.Logger, telem *engine.Telemetry) []bso.Bso {
	out := make([]bso.Bso, 0, len(records))
	for _, record := range records {
		var payload cryptox.EncryptedPayload
		if err := record.PayloadInto(&payload); err != nil {
			log.Warn(ctx, "skipping malformed record", "id", record.Id, "error", err)
			telem.IncomingFailed++
			continue
		}
		cleartext, err := cryptox.Decrypt(&payload, keys)
		if err != nil {
			log.Warn(ctx, "skipping undecryptable record", "id", record.Id, "error", err)
			telem.IncomingFailed++
			continue
		}
		var inner struct {
			Id bso.Guid `json:"id"`
		}
		if err := json.Unmarshal(cleartext, &inner); err != nil || inner.Id != record.Id {
			log.Warn(ctx, "skipping record with mismatched inner id", "id", record.Id)
			telem.IncomingFailed++
			continue
		}
		clear := record
		clear.Payload = string(cleartext)
		out = append(out, clear)
	}
	return out
}

// encryptOutgoing seals a cleartext Bso for upload, preserving the
// envelope fields and dropping any client-side modified value.
func encryptOutgoing(record *bso.Bso, keys *cryptox.KeyBundle) (*bso.Bso, error) {
	payload, err := cryptox.Encrypt([]byte(record.Payload), keys)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := bso.New(record.Id, string(raw))
	out.SortIndex = record.SortIndex
	out.TTL = record.TTL
	return out, nil
}
