package state

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/common"
	"github.com/weavekit/sync15/internal/cryptox"
	"github.com/weavekit/sync15/internal/hawk"
	"github.com/weavekit/sync15/internal/interrupt"
	"github.com/weavekit/sync15/internal/storage"
	"github.com/weavekit/sync15/internal/testserver"
)

func newSetupClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(storage.Config{
		Endpoint:    srv.URL + "/1.5/123456",
		Credentials: &hawk.Credentials{TokenID: "token", Key: []byte("secret")},
	})
	require.NoError(t, err)
	return client
}

func newScope() *interrupt.Scope {
	return (&interrupt.Interrupter{}).NewScope()
}

func mustRandomBundle(t *testing.T) *cryptox.KeyBundle {
	t.Helper()
	root, err := cryptox.NewRandomKeyBundle()
	require.NoError(t, err)
	return root
}

// rewriteMetaGlobal fetches the server's meta/global, lets mutate edit
// it, and puts it back.
func rewriteMetaGlobal(t *testing.T, client *storage.Client, mutate func(*MetaGlobalRecord)) {
	t.Helper()
	ctx := context.Background()
	record, err := client.GetBso(ctx, "meta", "global")
	require.NoError(t, err)
	require.NotNil(t, record)

	var mg MetaGlobalRecord
	require.NoError(t, record.PayloadInto(&mg))
	mutate(&mg)

	updated, err := bso.FromPayload("global", mg)
	require.NoError(t, err)
	_, err = client.PutBso(ctx, "meta", updated, nil)
	require.NoError(t, err)
}

func TestRun_FreshServerBootstraps(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	root := mustRandomBundle(t)
	ctx := context.Background()

	machine := NewMachine(client, root, newScope(), []string{"tabs"}, nil)
	ready, err := machine.Run(ctx, nil)
	require.NoError(t, err)

	assert.True(t, ready.Changes.ResetAll)
	require.NotNil(t, ready.State.MetaGlobal)
	assert.Equal(t, StorageVersion5, ready.State.MetaGlobal.StorageVersion)
	assert.Contains(t, ready.State.MetaGlobal.Engines, "tabs")
	require.NotNil(t, ready.Keys)
	assert.NotNil(t, ready.Keys.Default)

	// the fresh start left both bootstrap records on the server
	mg, err := client.GetBso(ctx, "meta", "global")
	require.NoError(t, err)
	require.NotNil(t, mg)
	keys, err := client.GetBso(ctx, "crypto", "keys")
	require.NoError(t, err)
	require.NotNil(t, keys)
}

func TestRun_SecondRunReusesCachedState(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	root := mustRandomBundle(t)
	ctx := context.Background()

	first, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.NoError(t, err)

	second, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, first.State)
	require.NoError(t, err)

	assert.False(t, second.Changes.ResetAll)
	assert.Empty(t, second.Changes.Reset)
	assert.Equal(t, first.State.MetaGlobal.SyncID, second.State.MetaGlobal.SyncID)
	assert.Equal(t, first.State.CryptoKeysTS, second.State.CryptoKeysTS)
}

func TestRun_GlobalSyncIDChangeResetsAll(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	root := mustRandomBundle(t)
	ctx := context.Background()

	first, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.NoError(t, err)

	rewriteMetaGlobal(t, client, func(mg *MetaGlobalRecord) {
		mg.SyncID = bso.NewGuid()
	})

	second, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, first.State)
	require.NoError(t, err)
	assert.True(t, second.Changes.ResetAll)
}

func TestRun_EngineSyncIDChangeResetsEngine(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	root := mustRandomBundle(t)
	ctx := context.Background()

	first, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.NoError(t, err)

	rotated := bso.NewGuid()
	rewriteMetaGlobal(t, client, func(mg *MetaGlobalRecord) {
		engine := mg.Engines["tabs"]
		engine.SyncID = rotated
		mg.Engines["tabs"] = engine
	})

	second, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, first.State)
	require.NoError(t, err)
	assert.False(t, second.Changes.ResetAll)
	assert.Equal(t, rotated, second.Changes.Reset["tabs"])
	assert.True(t, second.Changes.NeedsReset("tabs"))
}

func TestRun_StorageVersionTooNewFailsHard(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	root := mustRandomBundle(t)
	ctx := context.Background()

	first, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.NoError(t, err)

	rewriteMetaGlobal(t, client, func(mg *MetaGlobalRecord) {
		mg.StorageVersion = StorageVersion5 + 1
	})

	_, err = NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, first.State)
	require.ErrorIs(t, err, common.ErrClientUpgradeRequired)
}

func TestRun_WrongRootKeySurfacesErrorWithoutWipe(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	ctx := context.Background()

	_, err := NewMachine(client, mustRandomBundle(t), newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.NoError(t, err)

	_, err = NewMachine(client, mustRandomBundle(t), newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, common.ErrHmacMismatch)

	// the other device's data must survive a key disagreement
	mg, err := client.GetBso(ctx, "meta", "global")
	require.NoError(t, err)
	require.NotNil(t, mg)
}

func TestRun_MissingEngineGetsRegistered(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	root := mustRandomBundle(t)
	ctx := context.Background()

	first, err := NewMachine(client, root, newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.NoError(t, err)

	second, err := NewMachine(client, root, newScope(), []string{"tabs", "forms"}, nil).Run(ctx, first.State)
	require.NoError(t, err)

	assert.Contains(t, second.Changes.Reset, "forms")
	assert.Contains(t, second.State.MetaGlobal.Engines, "forms")

	// the registration went back up to the server
	record, err := client.GetBso(ctx, "meta", "global")
	require.NoError(t, err)
	var mg MetaGlobalRecord
	require.NoError(t, record.PayloadInto(&mg))
	assert.Contains(t, mg.Engines, "forms")
}

func TestRun_FreshStartCycleDetected(t *testing.T) {
	// crypto/keys never materializes, so setup is forced into a second
	// fresh start within one session
	inner := testserver.New(nil).Handler()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/storage/crypto/keys") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		inner.ServeHTTP(w, r)
	})
	client := newSetupClient(t, handler)
	ctx := context.Background()

	_, err := NewMachine(client, mustRandomBundle(t), newScope(), []string{"tabs"}, nil).Run(ctx, nil)
	require.ErrorIs(t, err, common.ErrSetupStateCycle)
}

func TestRun_InterruptStopsSetup(t *testing.T) {
	client := newSetupClient(t, testserver.New(nil).Handler())
	interrupter := &interrupt.Interrupter{}
	scope := interrupter.NewScope()
	interrupter.Interrupt()

	_, err := NewMachine(client, mustRandomBundle(t), scope, []string{"tabs"}, nil).Run(context.Background(), nil)
	require.ErrorIs(t, err, common.ErrInterrupted)
}
