// Package interrupt provides cooperative cancellation for a sync
// session: a shared counter bumped by Interrupt() from any thread, and
// per-session scopes that notice the bump at their next checkpoint.
package interrupt

import (
	"sync/atomic"

	"github.com/weavekit/sync15/internal/common"
)

// Interrupter hands out scopes and cancels them. The zero value is
// ready to use and safe for concurrent use.
type Interrupter struct {
	gen atomic.Uint64
}

// Interrupt cancels every scope created before this call. Scopes
// created afterwards are unaffected.
func (i *Interrupter) Interrupt() {
	i.gen.Add(1)
}

// NewScope snapshots the current generation. The scope reports
// interruption once Interrupt has been called after the snapshot.
func (i *Interrupter) NewScope() *Scope {
	return &Scope{parent: i, snapshot: i.gen.Load()}
}

// Scope is the per-session view. Sessions call Err at each checkpoint:
// record application, batch boundaries, and HTTP response boundaries.
type Scope struct {
	parent   *Interrupter
	snapshot uint64
}

// Interrupted reports whether the scope has been cancelled.
func (s *Scope) Interrupted() bool {
	return s.parent.gen.Load() != s.snapshot
}

// Err returns common.ErrInterrupted once the scope is cancelled, nil
// before that.
func (s *Scope) Err() error {
	if s.Interrupted() {
		return common.ErrInterrupted
	}
	return nil
}
