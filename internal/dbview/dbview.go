// Package dbview implements the per-session database view: the
// transaction status machine, the savepoint stack, the config/alias
// overlays, and the compiled-query cache handle.
//
// A session is driven by a single goroutine, so the view itself needs
// no locking for that goroutine's own reads and writes. It still
// publishes its state through atomic.Value snapshot swaps, so that a
// status or metrics endpoint on another goroutine can read a
// consistent snapshot without synchronizing with the session loop.
package dbview

import (
	"fmt"
	"sync/atomic"

	"github.com/gelsrv/edgecore/internal/cache"
	"github.com/gelsrv/edgecore/internal/edgeerr"
	"github.com/gelsrv/edgecore/internal/queryunit"
)

// TxStatus is the transaction status machine's state.
type TxStatus int

const (
	Idle TxStatus = iota
	InTx
	InTxError
)

func (s TxStatus) String() string {
	switch s {
	case InTx:
		return "InTx"
	case InTxError:
		return "InTxError"
	default:
		return "Idle"
	}
}

// Settings is an immutable session configuration overlay: setting name
// to typed value, carried as its EdgeQL literal text. Replaced
// wholesale on change so concurrent readers observe atomic swaps.
type Settings map[string]string

// With returns a new overlay with key set to value, leaving the
// receiver untouched.
func (s Settings) With(key, value string) Settings {
	out := make(Settings, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[key] = value
	return out
}

// Aliases is an immutable module alias map; the empty string key
// denotes the default module.
type Aliases map[string]string

// With returns a new alias map with alias mapped to module.
func (a Aliases) With(alias, module string) Aliases {
	out := make(Aliases, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	out[alias] = module
	return out
}

type savepointFrame struct {
	id      int64
	config  Settings
	aliases Aliases
}

type snapshot struct {
	status     TxStatus
	config     Settings
	aliases    Aliases
	savepoints []savepointFrame
}

// View is the per-session database view.
type View struct {
	snap  atomic.Value // *snapshot
	cache *cache.Cache
}

// New creates a view in the Idle state with the default module alias
// and an empty configuration overlay, delegating cache lookups to c.
func New(c *cache.Cache) *View {
	v := &View{cache: c}
	v.snap.Store(&snapshot{
		status:  Idle,
		config:  Settings{},
		aliases: Aliases{"": ""},
	})
	return v
}

func (v *View) load() *snapshot { return v.snap.Load().(*snapshot) }

// Status returns the current transaction status.
func (v *View) Status() TxStatus { return v.load().status }

// Config returns the current configuration overlay.
func (v *View) Config() Settings { return v.load().config }

// AliasMap returns the current module alias map.
func (v *View) AliasMap() Aliases { return v.load().aliases }

// SetConfig applies a session configuration change, as detected by the
// session for a unit with ConfigAffecting set.
func (v *View) SetConfig(key, value string) {
	s := v.load()
	next := *s
	next.config = s.config.With(key, value)
	v.snap.Store(&next)
}

// SetAlias applies a module alias change.
func (v *View) SetAlias(alias, module string) {
	s := v.load()
	next := *s
	next.aliases = s.aliases.With(alias, module)
	v.snap.Store(&next)
}

// Start verifies unit is admissible in the current transaction
// status. It does not itself mutate state.
func (v *View) Start(unit *queryunit.Unit) error {
	if v.Status() == InTxError && !unit.TxAction.IsRollback() {
		return edgeerr.InTxErrorRejection()
	}
	return nil
}

// OnSuccess advances the transaction status machine after the backend
// reports unit executed successfully, applying the unit's
// transactional classification.
func (v *View) OnSuccess(unit *queryunit.Unit) {
	s := v.load()
	next := *s

	switch s.status {
	case Idle:
		switch unit.TxAction {
		case queryunit.TxNone:
			next.status = Idle
		case queryunit.TxBegin:
			next.status = InTx
			next.savepoints = nil
		default:
			// commit/rollback/savepoint_* from Idle are invalid inputs;
			// the compiler is expected to have rejected them upstream.
		}

	case InTx:
		switch unit.TxAction {
		case queryunit.TxNone:
			next.status = InTx
		case queryunit.TxCommit, queryunit.TxRollback:
			next.status = Idle
			next.savepoints = nil
		case queryunit.TxSavepointDeclare:
			next.status = InTx
			next.savepoints = pushFrame(s.savepoints, unit.SavepointID, s.config, s.aliases)
		case queryunit.TxSavepointRollback:
			if frame, ok := rollbackTo(s, unit.SavepointID); ok {
				next = *frame
			}
		case queryunit.TxSavepointRelease:
			if frame, ok := release(s, unit.SavepointID); ok {
				next = *frame
			}
		}

	case InTxError:
		switch unit.TxAction {
		case queryunit.TxCommit, queryunit.TxRollback:
			next.status = Idle
			next.savepoints = nil
		case queryunit.TxSavepointRollback:
			if frame, ok := rollbackTo(s, unit.SavepointID); ok {
				next = *frame
			}
		case queryunit.TxSavepointRelease:
			if frame, ok := release(s, unit.SavepointID); ok {
				next = *frame
			}
		}
	}

	v.snap.Store(&next)
}

// OnError transitions to InTxError if a transaction is active;
// otherwise the view is left unchanged (the session reports the error
// and resumes outside a transaction).
func (v *View) OnError(unit *queryunit.Unit) {
	s := v.load()
	if s.status == InTx {
		next := *s
		next.status = InTxError
		v.snap.Store(&next)
	}
}

// TxError transitions to InTxError for an exception observed outside
// the narrow on_error window (e.g. during encoding) while a
// transaction was active.
func (v *View) TxError() {
	s := v.load()
	if s.status == InTx {
		next := *s
		next.status = InTxError
		v.snap.Store(&next)
	}
}

// AbortTx drops the savepoint stack and returns to Idle, for when the
// backend's observed transaction status indicates the transaction
// ended despite the view believing otherwise (e.g. a failed commit).
func (v *View) AbortTx() {
	s := v.load()
	if s.status == Idle && len(s.savepoints) == 0 {
		return
	}
	v.snap.Store(&snapshot{status: Idle, config: s.config, aliases: s.aliases})
}

// RollbackToSavepoint pops savepointID's frame and every frame above
// it, restores that frame's saved config/alias maps, and clears the
// error latch. Used by the simple-query error-recovery path, which
// reads the target id directly from the backend's savepoint tracking
// table rather than from a compiled unit. Popping past an unknown id
// is an error.
func (v *View) RollbackToSavepoint(savepointID int64) error {
	s := v.load()
	next, ok := rollbackTo(s, savepointID)
	if !ok {
		return edgeerr.Internal(fmt.Sprintf("unknown savepoint id %d", savepointID), nil)
	}
	v.snap.Store(next)
	return nil
}

// CurrentSavepointID returns the innermost active savepoint's id. The
// second result is false when the stack is empty; the session then
// clears the backend-side tracking row instead of rewriting it.
func (v *View) CurrentSavepointID() (int64, bool) {
	s := v.load()
	if len(s.savepoints) == 0 {
		return 0, false
	}
	return s.savepoints[len(s.savepoints)-1].id, true
}

// RaiseInTxErrorRejection builds the fault surfaced to the client when
// a non-rollback unit is attempted while in InTxError.
func (v *View) RaiseInTxErrorRejection() error {
	return edgeerr.InTxErrorRejection()
}

// LookupCompiledQuery delegates to the compiled-query cache, but
// returns a miss while InTxError unless the cached unit is
// rollback-shaped — the only units executable in that state.
func (v *View) LookupCompiledQuery(text, outputMode string) *queryunit.Unit {
	u := v.cache.Lookup(text, outputMode)
	if u == nil {
		return nil
	}
	if v.Status() == InTxError && !u.TxAction.IsRollback() {
		return nil
	}
	return u
}

// CacheCompiledQuery delegates to the compiled-query cache.
func (v *View) CacheCompiledQuery(text, outputMode string, unit *queryunit.Unit) {
	v.cache.Insert(text, outputMode, unit)
}

func pushFrame(stack []savepointFrame, id int64, config Settings, aliases Aliases) []savepointFrame {
	out := make([]savepointFrame, len(stack), len(stack)+1)
	copy(out, stack)
	return append(out, savepointFrame{id: id, config: config, aliases: aliases})
}

// rollbackTo finds the frame matching id, removes it and everything
// above it, restores its saved config/aliases, and clears the error
// latch: a successful rollback-to-savepoint always leaves the session
// in an open, healthy transaction. Popping past an unknown id is an
// error: the second return value is false and s is returned
// unmodified.
func rollbackTo(s *snapshot, id int64) (*snapshot, bool) {
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].id == id {
			frame := s.savepoints[i]
			return &snapshot{
				status:     InTx,
				config:     frame.config,
				aliases:    frame.aliases,
				savepoints: append([]savepointFrame{}, s.savepoints[:i]...),
			}, true
		}
	}
	return s, false
}

// release removes the named savepoint frame (and anything declared
// above it, which can no longer be rolled back to) without restoring
// its saved overlays — the session keeps whatever state it had at
// release time. Popping past an unknown id is an error, same as
// rollbackTo.
func release(s *snapshot, id int64) (*snapshot, bool) {
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].id == id {
			next := *s
			next.status = InTx
			next.savepoints = append([]savepointFrame{}, s.savepoints[:i]...)
			return &next, true
		}
	}
	return s, false
}
