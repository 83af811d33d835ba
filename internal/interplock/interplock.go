// Package interplock implements the interpreter-lock discipline (§4.7):
// the embedded language runtime is not reentrant, so a single mutex
// serializes every call into it, with nestable scopes to suspend/allow
// interruption while held. The mutex is not recursive: see Lock.
package interplock

import (
	"sync"
	"sync/atomic"
)

// Lock guards all access to the embedded runtime. Re-entrancy is made
// explicit via Token rather than inferred from goroutine identity: a
// handler that must call back into itself while already holding the lock
// passes its Token down instead of calling Acquire again. A second Acquire
// while the lock is held blocks, even from the holder's own goroutine.
//
// Per spec.md §5, this is always the innermost lock acquired: no other
// lock may be held while waiting on it.
type Lock struct {
	mu sync.Mutex

	// interruptSuspendCount tracks how many nested SuspendInterrupts
	// scopes are active; only the outermost toggles ignoreInterrupts.
	interruptSuspendCount int
	ignoreInterrupts      atomic.Bool

	// interrupted is set by Control's interrupt_request; the runtime
	// polls it at safe points (it is never preempted).
	interrupted atomic.Bool
}

// New creates an unheld Lock.
func New() *Lock { return &Lock{} }

// Token represents one acquisition of the Lock.
type Token struct {
	l        *Lock
	acquired bool
}

// Acquire blocks until the lock is free and returns a Token representing
// this acquisition. Call Token.Release on every exit path, including
// panics (defer it immediately).
func (l *Lock) Acquire() *Token {
	l.mu.Lock()
	return &Token{l: l, acquired: true}
}

// Release releases this acquisition. Safe to call via defer;
// calling it twice on the same token is a no-op.
func (t *Token) Release() {
	if !t.acquired {
		return
	}
	t.acquired = false
	t.l.mu.Unlock()
}

// SetInterrupted sets or clears the cooperative interrupt flag; the
// embedded runtime should poll Interrupted() at safe points during
// evaluation.
func (l *Lock) SetInterrupted(v bool) { l.interrupted.Store(v) }

// Interrupted reports whether an interrupt_request is pending and the
// runtime has not yet cleared it.
func (l *Lock) Interrupted() bool {
	if l.ignoreInterrupts.Load() {
		return false
	}
	return l.interrupted.Load()
}

// SuspendScope is returned by SuspendInterrupts/InterruptGuard; Release
// must be called on every exit path.
type SuspendScope struct {
	l       *Lock
	guard   bool
}

// SuspendInterrupts marks the runtime as ignoring interrupts for as long
// as the returned scope is held. Nests via a counter: only the outermost
// scope's Release actually restores interruptibility (§9 "Interrupt
// suspension nesting").
func (l *Lock) SuspendInterrupts() *SuspendScope {
	l.interruptSuspendCount++
	if l.interruptSuspendCount == 1 {
		l.ignoreInterrupts.Store(true)
	}
	return &SuspendScope{l: l}
}

// InterruptGuard is the dual of SuspendInterrupts: it allows interrupts
// while held, regardless of any enclosing SuspendInterrupts scope. Like
// SuspendInterrupts it nests, tracked by the same counter going negative.
func (l *Lock) InterruptGuard() *SuspendScope {
	l.interruptSuspendCount--
	l.ignoreInterrupts.Store(false)
	return &SuspendScope{l: l, guard: true}
}

// Release undoes the nesting level this scope added.
func (s *SuspendScope) Release() {
	if s == nil {
		return
	}
	if s.guard {
		s.l.interruptSuspendCount++
	} else {
		s.l.interruptSuspendCount--
	}
	if s.l.interruptSuspendCount <= 0 {
		s.l.ignoreInterrupts.Store(false)
	} else {
		s.l.ignoreInterrupts.Store(true)
	}
}
