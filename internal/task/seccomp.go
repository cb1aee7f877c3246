package task

import (
	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
)

// The methods in this file supply what internal/session's recordTask
// adapter needs to satisfy internal/seccomptrap.Task (*Task cannot
// satisfy it itself: its Regs field collides with the interface's
// Regs method), without that package importing internal/task directly (it would
// otherwise be the one leaf dependency every other record-loop
// package needs, inverting the layering the teacher keeps between
// pkg/seccomp and pkg/sentry/kernel).

// Arch returns the task's calling convention.
func (t *Task) Arch() arch.Arch { return t.Regs.Arch() }

// RegsPtr returns the task's live register snapshot.
func (t *Task) RegsPtr() *arch.Registers { return &t.Regs }

// SetRegsFrom overwrites the task's register snapshot and pushes it to
// the kernel via PTRACE_SETREGS.
func (t *Task) SetRegsFrom(r *arch.Registers) error {
	t.Regs = *r
	return t.Regs.Store(t.Tid)
}

// IP returns the task's current instruction pointer.
func (t *Task) IP() uintptr { return t.Regs.IP() }

// TopEventKind returns the kind of the task's current (top-of-stack)
// event.
func (t *Task) TopEventKind() event.Type { return t.Events.Top().Kind }

// AbortPreparedSyscall discards any in-flight syscall preparation
// state (scratch-pointer redirection and similar) for the task's
// current syscall event. The record engine's syscall-preparation
// machinery lives in the session layer; at the task level there is no
// per-task scratch state left to release once registers have already
// been restored, so this is a hook point for that layer to extend.
func (t *Task) AbortPreparedSyscall() {}

// PopSyscallInterruption pops a syscall-interruption event, asserting
// it is in fact the current event.
func (t *Task) PopSyscallInterruption() event.Event {
	return t.Events.Pop(event.SyscallInterruption)
}

// PopSyscall pops a syscall event, asserting it is in fact the
// current event.
func (t *Task) PopSyscall() event.Event {
	return t.Events.Pop(event.Syscall)
}

// IsInUntracedSyscall reports whether the task is currently executing
// a buffered (syscallbuf) syscall rather than one the tracer observes
// directly via ptrace: it has a mapped syscallbuf and nothing has
// requested that it be forced to stop at the next syscallbuf
// boundary.
func (t *Task) IsInUntracedSyscall() bool {
	return t.Syscallbuf != nil && !t.breakAtTraceeSyscallbuf
}

// SetDeschedMayBeRelevant toggles the in-buffer
// "desched_signal_may_be_relevant" flag that the preload library
// consults before re-arming its desched counter.
func (t *Task) SetDeschedMayBeRelevant(v bool) error {
	if t.Syscallbuf != nil {
		t.Syscallbuf.DeschedSignalMayBeRelevant = v
	}
	return nil
}

// ResumeSyscallNoTicksBlocking advances the task past its current
// ptrace stop to the next syscall boundary with no tick-interrupt
// armed, blocking for the result.
func (t *Task) ResumeSyscallNoTicksBlocking() error {
	return t.ResumeExecution(ResumeSyscall, ResumeWait, ResumeNoTicks, 0)
}
