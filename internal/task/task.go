// Package task implements per-tracee state (§3, §4.2): registers,
// pending-event stack, stashed signals, syscallbuf pointers and the
// ptrace-emulation mirror, plus the operations the session's record
// loop drives a task through on every ptrace stop.
package task

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/sighandlers"
	"github.com/rdebug/rd/internal/ticks"
)

// ResumeHow selects the ptrace continuation mode passed to
// resume_execution.
type ResumeHow int

// Continuation modes.
const (
	ResumeCont ResumeHow = iota
	ResumeSyscall
	ResumeSinglestep
	ResumeSysemu
	ResumeSysemuSinglestep
)

// WaitHow selects whether resume_execution blocks for the resulting
// stop.
type WaitHow int

// Wait modes.
const (
	ResumeWait WaitHow = iota
	ResumeNonblocking
)

// TickRequest selects whether resume_execution arms a tick-interrupt
// before continuing.
type TickRequest int

// Tick-interrupt request modes.
const (
	ResumeNoTicks TickRequest = iota
	ResumeUnlimitedTicks
)

// StashedSignal is one entry of a task's stashed-signal FIFO: a
// siginfo captured at stash time together with whether it arose
// deterministically from the instruction stream.
type StashedSignal struct {
	Siginfo       unix.SignalfdSiginfo
	Deterministic event.SignalDeterministic
}

// Disposition is the resolved disposition of a signal for a task, per
// sig_resolved_disposition.
type Disposition int

// Resolved dispositions.
const (
	DispositionFatal Disposition = iota
	DispositionUserHandler
	DispositionIgnored
)

// TrapReasons classifies the cause of the most recent ptrace stop, as
// produced by compute_trap_reasons.
type TrapReasons struct {
	Breakpoint  bool
	Singlestep  bool
	Watchpoint  bool
}

// ThreadGroup is the state shared by every Task with the same tgid.
type ThreadGroup struct {
	Tgid int32

	// Handlers is the shared, reference-counted-by-sharing signal
	// handler table (§3): sibling threads hold the same pointer.
	Handlers *sighandlers.Table

	// SigframeSIGSEGVSeen is set once a sigframe-delivered SIGSEGV has
	// been observed for this group, making any later fatal signal
	// unblockable for every member (§4.2 sig_resolved_disposition).
	SigframeSIGSEGVSeen bool
}

// Task represents one kernel thread under trace (§3).
type Task struct {
	// Tid is the thread id in the tracer's own pid namespace.
	Tid int32
	// RecTid is the thread id as the tracee itself observes it, which
	// may differ when the tracer runs in a different pid namespace.
	RecTid int32
	// Serial is a monotonically increasing id, unique within the
	// owning session, assigned at task creation.
	Serial uint64

	Group *ThreadGroup

	Regs      arch.Registers
	ExtraRegs arch.ExtraRegisters

	// WaitStatus is the raw status last returned by waitpid for this
	// task.
	WaitStatus unix.WaitStatus

	// sigmask is the cached blocked-signal mask; sigmaskDirty marks it
	// stale, per the "cached sigmask" invariant (§3).
	sigmask      uint64
	sigmaskDirty bool

	// Events is the pending-event stack (§3, §4.1): nonempty iff the
	// task is alive, bottomed by a sentinel.
	Events *event.Stack

	// Stashed is the stashed-signal FIFO; newest coalesced entries are
	// inserted at the front per stash_sig's supersede rule.
	Stashed []StashedSignal
	// StashedGroupStop records a stashed group-stop, handled
	// separately from the ordinary signal FIFO.
	StashedGroupStop bool
	// The three breakAt*Syscallbuf* fields are the "interrupt at the
	// earliest safe point" flags that stash_sig/stash_synthetic_sig
	// set: the task should not continue through syscallbuf-buffered
	// syscalls until its stashed signals are delivered.
	breakAtAnySyscallbufBoundary bool
	breakAtDeschedSyscallbuf     bool
	breakAtTraceeSyscallbuf      bool

	// Syscallbuf is the in-tracee shared-memory child pointer, nil if
	// the preload library was never initialized for this task.
	Syscallbuf *SyscallbufChild

	// DeschedCounter is the task's desched performance counter, or nil
	// if none has been opened.
	DeschedCounter *ticks.Counter

	// PtraceEmulation mirrors ptrace state the engine emulates for a
	// tracee that is itself tracing another process.
	PtraceEmulation *PtraceEmulation

	// Priority is the scheduler priority; lower values run first.
	Priority int32
	// InRoundRobinQueue marks the task as currently queued in the
	// scheduler's starvation-relief round-robin list (§4.5).
	InRoundRobinQueue bool
	// LastRunTime orders same-priority tasks in the scheduler's
	// priority set.
	LastRunTime uint64

	// TerminationSignal is the signal to be delivered to the tracer's
	// parent-equivalent on this task's exit, from clone_flags.
	TerminationSignal int32

	// RobustListHead is the address of the task's robust futex list
	// head, registered via set_robust_list.
	RobustListHead uintptr
	// ClearTidAddr is the address ctid futex cleared (and futex-woken)
	// on task exit, from CLONE_CHILD_CLEARTID.
	ClearTidAddr uintptr

	// Exited marks that waitpid reported this task as exited or killed
	// by a signal. A PTRACE_EVENT_EXIT stop does not set it.
	Exited bool

	// trapReasons is the result of the most recent compute_trap_reasons
	// call.
	trapReasons TrapReasons

	memFd   int
	memFile *os.File
}

// PtraceEmulation mirrors the subset of ptrace-of-a-tracee state the
// engine must emulate when a recorded task itself calls ptrace on
// another task under the same session.
type PtraceEmulation struct {
	Tracer   *Task
	Tracees  map[int32]*Task
	Options  int
}

// SyscallbufChild is the layout of the in-tracee syscallbuf preload
// library's state, as published at initialization (§4.4).
type SyscallbufChild struct {
	Addr                  uintptr
	Size                  uint32
	NumRecBytes           uint32
	FlushedNumRecBytes    uint32
	FlushedSyscallbuf     bool
	BlockedSigsGeneration uint32
	DeschedSignalMayBeRelevant bool
	InSigprocmaskCriticalSection bool

	// DeschedArmed mirrors syscallbuf.State.DeschedArmed across
	// RecordStep calls, so the record loop knows whether this task's
	// desched counter is still enabled when the next ptrace stop
	// arrives (§4.4).
	DeschedArmed bool
}

// New constructs a Task for a freshly observed thread. The caller must
// still Fetch registers before using Regs.
func New(tid, recTid int32, serial uint64, group *ThreadGroup) *Task {
	return &Task{
		Tid:          tid,
		RecTid:       recTid,
		Serial:       serial,
		Group:        group,
		Events:       event.NewStack(),
		sigmaskDirty: true,
		memFd:        -1,
	}
}

// PushEvent pushes ev onto the task's pending-event stack.
func (t *Task) PushEvent(ev event.Event) { t.Events.Push(ev) }

// PopEvent pops the task's pending-event stack, asserting the popped
// event matches expected.
func (t *Task) PopEvent(expected event.Type) event.Event { return t.Events.Pop(expected) }

// Fork returns a new ThreadGroup for a clone() without CLONE_SIGHAND:
// the handler table is deep-copied rather than shared.
func (g *ThreadGroup) Fork(childTgid int32) *ThreadGroup {
	return &ThreadGroup{
		Tgid:     childTgid,
		Handlers: g.Handlers.Fork(),
	}
}

// PostExec resets the thread group's handler table to its post-exec
// state (user handlers cleared, ignore-dispositions preserved).
func (g *ThreadGroup) PostExec() {
	g.Handlers = g.Handlers.ResetOnExec()
}
