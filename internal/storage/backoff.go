package storage

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/weavekit/sync15/internal/common"
)

// BackoffState remembers the server's "go away" deadline across calls
// within a session and, via MemoryCachedState, across sessions. While
// the deadline is in the future, every request short-circuits with the
// same BackoffError before touching the network.
type BackoffState struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

// NewBackoffState returns an empty backoff window.
func NewBackoffState() *BackoffState {
	return &BackoffState{now: time.Now}
}

// Check returns a BackoffError while the window is open, nil otherwise.
func (b *BackoffState) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.until) {
		return &common.BackoffError{Until: b.until}
	}
	return nil
}

// Until returns the current deadline; zero when no backoff is active.
func (b *BackoffState) Until() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.until
}

// Extend moves the deadline forward to at least now+d. A shorter window
// never shrinks an existing one.
func (b *BackoffState) Extend(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if deadline := b.now().Add(d); deadline.After(b.until) {
		b.until = deadline
	}
}

// Restore reinstates a persisted deadline, e.g. when the host rebuilds
// the session from MemoryCachedState.
func (b *BackoffState) Restore(until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.until) {
		b.until = until
	}
}

// observe records backoff instructions from response headers:
// X-Weave-Backoff on any response, Retry-After on 5xx/503.
func (b *BackoffState) observe(status int, header http.Header) {
	if v := header.Get("X-Weave-Backoff"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			b.Extend(time.Duration(secs * float64(time.Second)))
		}
	}
	if status >= 500 {
		if v := header.Get("Retry-After"); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
				b.Extend(time.Duration(secs * float64(time.Second)))
			}
		}
	}
}
