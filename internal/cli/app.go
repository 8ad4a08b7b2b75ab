// Package cli wires the sync client together for the command line:
// key material, token exchange, engine stores, and one sync session.
package cli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/weavekit/sync15/internal/common"
	"github.com/weavekit/sync15/internal/config"
	"github.com/weavekit/sync15/internal/cryptox"
	"github.com/weavekit/sync15/internal/engine"
	"github.com/weavekit/sync15/internal/engines/tabs"
	"github.com/weavekit/sync15/internal/filex"
	"github.com/weavekit/sync15/internal/interrupt"
	"github.com/weavekit/sync15/internal/logging"
	"github.com/weavekit/sync15/internal/session"
	"github.com/weavekit/sync15/internal/storage"
	"github.com/weavekit/sync15/internal/tokenserver"
)

// Exit codes reported to the shell.
const (
	ExitOK          = 0
	ExitAuthFailure = 1
	ExitBackoff     = 2
	ExitError       = 3
)

// App runs one sync per invocation.
type App struct {
	cfg *config.Config
	log logging.Logger
	out io.Writer
}

// NewApp validates the config and builds the app.
func NewApp(cfg *config.Config) (*App, error) {
	switch cfg.Reason {
	case "scheduled", "user", "schema-upgrade":
	default:
		return nil, fmt.Errorf("unknown sync reason %q", cfg.Reason)
	}
	if len(cfg.Engines) == 0 {
		return nil, fmt.Errorf("no engines configured")
	}
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return &App{cfg: cfg, log: log, out: os.Stdout}, nil
}

// cachedState is the on-disk form of what survives between syncs.
type cachedState struct {
	GlobalState  string    `json:"global_state,omitempty"`
	BackoffUntil time.Time `json:"backoff_until,omitempty"`
}

// Run performs the sync and returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	interrupter := &interrupt.Interrupter{}
	go func() {
		<-ctx.Done()
		interrupter.Interrupt()
	}()

	root, err := a.rootKey()
	if err != nil {
		a.log.Error(ctx, "invalid sync key", "error", err)
		return ExitAuthFailure
	}
	defer root.Wipe()

	httpClient := &http.Client{Timeout: a.cfg.RequestTimeout}
	token, err := (&tokenserver.Client{
		URL:         a.cfg.TokenServerURL,
		AccessToken: a.cfg.AccessToken,
		XKeyID:      a.cfg.KeyID,
		HTTPClient:  httpClient,
	}).Fetch(ctx)
	if err != nil {
		if common.IsAuthError(err) {
			a.log.Error(ctx, "token server rejected credentials", "error", err)
			return ExitAuthFailure
		}
		a.log.Error(ctx, "token exchange failed", "error", err)
		return ExitError
	}

	dataDir, err := filex.EnsureDir(a.cfg.DataDir)
	if err != nil {
		a.log.Error(ctx, "cannot prepare data directory", "error", err)
		return ExitError
	}
	statePath := filepath.Join(dataDir, "state.json")
	mem, err := loadCachedState(statePath)
	if err != nil {
		a.log.Warn(ctx, "discarding unreadable cached state", "error", err)
		mem = &session.MemoryCachedState{}
	}

	engines, cleanup, err := a.buildEngines(ctx, dataDir)
	if err != nil {
		a.log.Error(ctx, "cannot open engine store", "error", err)
		return ExitError
	}
	defer cleanup()

	a.log.Info(ctx, "starting sync", "reason", a.cfg.Reason, "engines", a.cfg.Engines)
	result, err := session.Sync(ctx, session.Params{
		Storage: storage.Config{
			Endpoint:    token.APIEndpoint,
			Credentials: token.Credentials(),
			HTTPClient:  httpClient,
		},
		RootKey:       root,
		Engines:       engines,
		Mem:           mem,
		Interrupter:   interrupter,
		StrictUploads: a.cfg.StrictUploads,
		Log:           a.log,
	})

	if saveErr := saveCachedState(statePath, mem); saveErr != nil {
		a.log.Warn(ctx, "failed to persist cached state", "error", saveErr)
	}

	if err != nil {
		switch {
		case common.IsAuthError(err):
			a.log.Error(ctx, "sync failed: authentication", "error", err)
			return ExitAuthFailure
		default:
			if _, ok := common.IsBackoffError(err); ok {
				a.log.Warn(ctx, "server requested backoff", "until", mem.BackoffUntil)
				return ExitBackoff
			}
			a.log.Error(ctx, "sync failed", "error", err)
			return ExitError
		}
	}

	code := ExitOK
	for _, er := range result.Engines {
		switch {
		case er.Declined:
			fmt.Fprintf(a.out, "%s: declined\n", er.Engine)
		case er.Err != nil:
			fmt.Fprintf(a.out, "%s: failed: %v\n", er.Engine, er.Err)
			code = ExitError
		default:
			fmt.Fprintf(a.out, "%s: applied %d, sent %d\n",
				er.Engine, er.Telemetry.IncomingApplied, er.Telemetry.OutgoingSent)
		}
	}
	if result.Interrupted {
		fmt.Fprintln(a.out, "sync interrupted")
		code = ExitError
	}
	return code
}

// rootKey obtains kSync and derives the root bundle from it.
func (a *App) rootKey() (*cryptox.KeyBundle, error) {
	encoded := a.cfg.SyncKey
	if encoded == "" {
		var err error
		encoded, err = promptSyncKey(a.out)
		if err != nil {
			return nil, err
		}
	}
	raw, err := decodeSyncKey(encoded)
	if err != nil {
		return nil, err
	}
	defer wipe(raw)
	return cryptox.BundleFromKSync(raw)
}

// decodeSyncKey accepts the 64-byte kSync in base64url form, padded or
// not; standard base64 is tolerated too.
func decodeSyncKey(encoded string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.StdEncoding,
	} {
		if raw, err := enc.DecodeString(encoded); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("sync key is not valid base64")
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (a *App) buildEngines(ctx context.Context, dataDir string) ([]engine.Engine, func(), error) {
	var engines []engine.Engine
	var closers []func()
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, name := range a.cfg.Engines {
		switch name {
		case "tabs":
			store, err := tabs.Open(ctx, filepath.Join(dataDir, "tabs.db"))
			if err != nil {
				cleanup()
				return nil, nil, err
			}
			closers = append(closers, func() { _ = store.Close() })
			engines = append(engines, tabs.NewEngine(store))
		default:
			cleanup()
			return nil, nil, fmt.Errorf("unknown engine %q", name)
		}
	}
	return engines, cleanup, nil
}

func loadCachedState(path string) (*session.MemoryCachedState, error) {
	data, err := filex.ReadIfExists(path)
	if err != nil || data == nil {
		return &session.MemoryCachedState{}, err
	}
	var cached cachedState
	if err := json.Unmarshal(data, &cached); err != nil {
		return &session.MemoryCachedState{}, err
	}
	return &session.MemoryCachedState{
		GlobalState:  cached.GlobalState,
		BackoffUntil: cached.BackoffUntil,
	}, nil
}

func saveCachedState(path string, mem *session.MemoryCachedState) error {
	data, err := json.Marshal(cachedState{
		GlobalState:  mem.GlobalState,
		BackoffUntil: mem.BackoffUntil,
	})
	if err != nil {
		return err
	}
	return filex.WriteAtomic(path, data, 0o600)
}
