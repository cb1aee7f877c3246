// Package seccomptrap rewrites a tracee's about-to-run syscall into a
// skip and synthesizes a SIGSYS delivery event, the sequence the
// kernel triggers via PTRACE_EVENT_SECCOMP when a BPF filter rule
// matched SECCOMP_RET_TRACE (§4.3).
package seccomptrap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/pkg/abi/linux"
)

// MagicSkipOriginalSyscallno is written into the original-syscallno
// register to cause kernel processing to skip the syscall entirely,
// the same sentinel the seccomp filter rewriter's BPF program
// recognizes.
const MagicSkipOriginalSyscallno = -1

// Task is the subset of task operations this package needs, kept
// narrow so seccomptrap stays a leaf package the way pkg/seccomp is.
type Task interface {
	Arch() arch.Arch
	Regs() *arch.Registers
	SetRegs(*arch.Registers)
	IP() uintptr

	TopEventKind() event.Type
	IsInUntracedSyscall() bool
	AbortPreparedSyscall()
	PopSyscallInterruption() event.Event
	PopSyscall() event.Event
	PushEvent(event.Event)
	RecordCurrentEvent() error

	StashSyntheticSig(si unix.SignalfdSiginfo, deterministic event.SignalDeterministic)

	SetDeschedMayBeRelevant(bool) error

	ResumeSyscallNoTicksBlocking() error
}

// Handle runs the seven-step seccomp-trap sequence (§4.3) for a task
// that just stopped with PTRACE_EVENT_SECCOMP, given the raw seccomp
// filter data (the BPF return value's low 16 bits) reported via
// PTRACE_GETEVENTMSG.
func Handle(t Task, seccompData uint16) error {
	regs := t.Regs()
	syscallno := int32(regs.SyscallNo())
	skip := int64(MagicSkipOriginalSyscallno)
	regs.SetSyscallNo(uintptr(uint64(skip)))
	t.SetRegs(regs)

	syscallEntryAlreadyRecorded := false
	if isSyscallEventKind(t.TopEventKind()) {
		t.AbortPreparedSyscall()
		if t.TopEventKind() == event.SyscallInterruption {
			t.PopSyscallInterruption()
		} else {
			t.PopSyscall()
			syscallEntryAlreadyRecorded = true
		}
	}

	wasUntraced := t.IsInUntracedSyscall()
	if wasUntraced {
		t.PushEvent(event.Event{Kind: event.SeccompTrap})
		if err := t.SetDeschedMayBeRelevant(false); err != nil {
			return fmt.Errorf("clear desched-may-be-relevant: %w", err)
		}
	}

	t.PushEvent(event.Event{
		Kind: event.Syscall,
		Syscall: event.SyscallData{
			Number:           syscallno,
			State:            event.SyscallEntry,
			FailedDuringPrep: true,
		},
	})

	if wasUntraced && !syscallEntryAlreadyRecorded {
		if err := t.RecordCurrentEvent(); err != nil {
			return fmt.Errorf("record seccomp-trap syscall entry: %w", err)
		}
	}

	si := unix.SignalfdSiginfo{
		Signo:   uint32(unix.SIGSYS),
		Errno:   int32(seccompData),
		Code:    linux.SYS_SECCOMP,
		Syscall: syscallno,
		Arch:    hostAuditArch(t.Arch()),
	}
	si.Call_addr = uint64(t.IP())
	t.StashSyntheticSig(si, event.Deterministic)

	if wasUntraced {
		top := event.Event{
			Kind: event.Syscall,
			Syscall: event.SyscallData{
				Number: syscallno,
				State:  event.SyscallExit,
			},
		}
		t.PushEvent(top)
		if err := t.RecordCurrentEvent(); err != nil {
			return fmt.Errorf("record seccomp-trap syscall exit: %w", err)
		}
		t.PopSyscall()

		if err := t.ResumeSyscallNoTicksBlocking(); err != nil {
			return fmt.Errorf("advance past seccomp stop: %w", err)
		}
	}

	return nil
}

func isSyscallEventKind(k event.Type) bool {
	return k == event.Syscall || k == event.SyscallInterruption
}

func hostAuditArch(a arch.Arch) uint32 {
	if a == arch.X8664 {
		return linux.AUDIT_ARCH_X86_64
	}
	return linux.AUDIT_ARCH_I386
}
