// Package sighandlers implements the per-thread-group signal-handler
// table (§3): an array indexed by signal number of kernel-mirrored
// disposition state, shared by reference across sibling threads and
// deep-copied on fork.
package sighandlers

import (
	"github.com/mohae/deepcopy"

	"golang.org/x/sys/unix"
)

// NSIG is the highest signal number the table tracks (inclusive),
// covering both standard and real-time signals.
const NSIG = 64

// Disposition is the application's current disposition for a signal.
type Disposition int

// Dispositions a Handler can hold.
const (
	Default Disposition = iota
	Ignore
	Handler
)

// Action is the kernel's default action for a signal when its
// disposition is Default.
type Action int

// Default actions, per signal(7).
const (
	ActionTerminate Action = iota
	ActionIgnoreAction
	ActionCoreDump
	ActionStop
	ActionContinue
)

// Entry is one signal's handler state, mirroring struct sigaction as
// the kernel sees it.
type Entry struct {
	// Disposition is the resolved disposition (Default/Ignore/Handler),
	// derived from RawSigaction's sa_handler/sa_sigaction field.
	Disposition Disposition
	// RawSigaction is the raw architecture-dependent sigaction bytes
	// last installed by the tracee via rt_sigaction, used to restore the
	// handler verbatim.
	RawSigaction []byte
	// ResetHand is true if SA_RESETHAND was set (handler resets to
	// default after one delivery).
	ResetHand bool
	// TakesSiginfo is true if SA_SIGINFO was set.
	TakesSiginfo bool
}

// Table is the shared, reference-counted-by-sharing handler table for
// a thread group. Sibling threads hold the same *Table; mutating it
// through one is immediately visible to all (§3 invariant).
type Table struct {
	entries [NSIG]Entry
}

// New returns a table with every signal at its default disposition,
// the state of a freshly exec'd process.
func New() *Table {
	return &Table{}
}

// Get returns the entry for sig (1-indexed, as in POSIX).
func (t *Table) Get(sig int32) Entry {
	if sig <= 0 || int(sig) > NSIG {
		return Entry{}
	}
	return t.entries[sig-1]
}

// Set installs a new entry for sig.
func (t *Table) Set(sig int32, e Entry) {
	if sig <= 0 || int(sig) > NSIG {
		return
	}
	t.entries[sig-1] = e
}

// Fork returns a deep copy of t, as required when a traced task calls
// clone() without CLONE_SIGHAND: the child's table starts as an
// independent copy of the parent's, not a shared reference.
func (t *Table) Fork() *Table {
	cp := &Table{}
	copy(cp.entries[:], deepcopy.Copy(t.entries[:]).([]Entry))
	return cp
}

// ResetOnExec returns a copy of t with every user-installed handler
// reset to default, per execve(2): handlers are cleared, but the
// ignore-disposition for ignored signals survives exec.
func (t *Table) ResetOnExec() *Table {
	cp := t.Fork()
	for i := range cp.entries {
		if cp.entries[i].Disposition == Handler {
			cp.entries[i] = Entry{Disposition: Default}
		}
	}
	return cp
}

// Unstoppable reports whether sig can never be blocked or ignored,
// which is true only of SIGKILL and SIGSTOP.
func Unstoppable(sig int32) bool {
	return sig == int32(unix.SIGKILL) || sig == int32(unix.SIGSTOP)
}

// DefaultAction returns the kernel's default action for sig, absent any
// installed handler.
func DefaultAction(sig int32) Action {
	switch unix.Signal(sig) {
	case unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH:
		return ActionIgnoreAction
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return ActionStop
	case unix.SIGCONT:
		return ActionContinue
	case unix.SIGQUIT, unix.SIGILL, unix.SIGABRT, unix.SIGFPE, unix.SIGSEGV,
		unix.SIGBUS, unix.SIGSYS, unix.SIGTRAP, unix.SIGXCPU, unix.SIGXFSZ:
		return ActionCoreDump
	default:
		return ActionTerminate
	}
}
