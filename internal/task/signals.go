package task

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/sighandlers"
)

// StashSig stashes the signal currently pending at the last ptrace
// stop (read from the task's siginfo via PTRACE_GETSIGINFO) for later
// processing (§4.2).
func (t *Task) StashSig() error {
	var si unix.Siginfo
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(t.Tid), 0, uintptr(unsafe.Pointer(&si)), 0, 0); errno != 0 {
		return fmt.Errorf("ptrace getsiginfo: %w", errno)
	}
	deterministic := event.NonDeterministic
	if isDeterministicSignal(int32(si.Signo)) {
		deterministic = event.Deterministic
	}
	t.stash(signalfdFromSiginfo(si), deterministic)
	return nil
}

// StashSyntheticSig stashes a synthesized siginfo (used by the
// seccomp-trap handler to inject a synthetic SIGSYS) with an
// explicitly supplied determinism flag.
func (t *Task) StashSyntheticSig(si unix.SignalfdSiginfo, deterministic event.SignalDeterministic) {
	t.stash(si, deterministic)
}

// stash implements the coalescing rule: non-realtime signals coalesce
// (a second stash of the same number is dropped) unless a
// deterministic occurrence supersedes a previously stashed
// nondeterministic one of the same number, in which case the old
// entry is removed and the new one inserted at the front. Stashing
// always sets the three break-at-next-syscallbuf-boundary flags so
// the task is interrupted at the earliest safe point.
func (t *Task) stash(si unix.SignalfdSiginfo, deterministic event.SignalDeterministic) {
	signo := int32(si.Signo)
	realtime := signo >= 32

	if !realtime {
		for i, s := range t.Stashed {
			if int32(s.Siginfo.Signo) != signo {
				continue
			}
			if deterministic && !s.Deterministic {
				t.Stashed = append(t.Stashed[:i], t.Stashed[i+1:]...)
				t.Stashed = append([]StashedSignal{{Siginfo: si, Deterministic: deterministic}}, t.Stashed...)
			}
			t.armSyscallbufBoundaryBreak()
			return
		}
	}

	t.Stashed = append(t.Stashed, StashedSignal{Siginfo: si, Deterministic: deterministic})
	t.armSyscallbufBoundaryBreak()
}

func (t *Task) armSyscallbufBoundaryBreak() {
	t.breakAtAnySyscallbufBoundary = true
	t.breakAtDeschedSyscallbuf = true
	t.breakAtTraceeSyscallbuf = true
}

// PopStashSig removes the stash entry matching stashed, identified by
// signal number and determinism. On reaching empty it clears the
// blocking flag so the task may once again run buffered syscalls
// through to completion without interruption.
func (t *Task) PopStashSig(stashed StashedSignal) {
	for i, s := range t.Stashed {
		if s.Siginfo.Signo != stashed.Siginfo.Signo || s.Deterministic != stashed.Deterministic {
			continue
		}
		t.Stashed = append(t.Stashed[:i], t.Stashed[i+1:]...)
		break
	}
	if len(t.Stashed) == 0 {
		t.breakAtAnySyscallbufBoundary = false
		t.breakAtDeschedSyscallbuf = false
		t.breakAtTraceeSyscallbuf = false
	}
}

// isDeterministicSignal reports whether sig is a consequence of the
// instruction stream rather than an asynchronous event.
func isDeterministicSignal(sig int32) bool {
	switch unix.Signal(sig) {
	case unix.SIGSEGV, unix.SIGBUS, unix.SIGILL, unix.SIGFPE, unix.SIGTRAP, unix.SIGSYS:
		return true
	default:
		return false
	}
}

func signalfdFromSiginfo(si unix.Siginfo) unix.SignalfdSiginfo {
	return unix.SignalfdSiginfo{Signo: uint32(si.Signo), Code: si.Code}
}

// IsSigBlocked reports whether sig is currently masked for this task.
// SIGKILL and SIGSTOP are always reported unblocked, since the kernel
// never honors a block request for them.
func (t *Task) IsSigBlocked(sig int32) bool {
	if sighandlers.Unstoppable(sig) {
		return false
	}
	mask, err := t.GetSigmask()
	if err != nil {
		return false
	}
	return mask&(uint64(1)<<uint(sig-1)) != 0
}

// IsSigIgnored reports whether sig's resolved disposition is Ignore.
// SIGKILL and SIGSTOP are always reported not ignored.
func (t *Task) IsSigIgnored(sig int32) bool {
	if sighandlers.Unstoppable(sig) {
		return false
	}
	return t.Group.Handlers.Get(sig).Disposition == sighandlers.Ignore
}

// SigResolvedDisposition returns the disposition a signal will
// actually have if delivered right now (§4.2).
func (t *Task) SigResolvedDisposition(sig int32, deterministic event.SignalDeterministic) Disposition {
	if t.Group.SigframeSIGSEGVSeen {
		return DispositionFatal
	}

	entry := t.Group.Handlers.Get(sig)
	defaultAction := sighandlers.DefaultAction(sig)
	fatalDefault := defaultAction == sighandlers.ActionCoreDump || defaultAction == sighandlers.ActionTerminate

	ignored := entry.Disposition == sighandlers.Ignore && deterministic == event.NonDeterministic
	if fatalDefault && !ignored && entry.Disposition != sighandlers.Handler {
		return DispositionFatal
	}
	if entry.Disposition == sighandlers.Handler && !t.IsSigBlocked(sig) {
		return DispositionUserHandler
	}
	return DispositionIgnored
}

// GetSigmask returns the cached blocked-signal mask if clean. On
// dirty, it reads the kernel's current mask via ptrace, unless the
// task is currently at a restartable syscall (where the ptrace value
// reflects the pre-restoration mask rather than the running one), in
// which case it falls back to /proc/<tid>/status's SigBlk field
// (§4.2).
func (t *Task) GetSigmask() (uint64, error) {
	if !t.sigmaskDirty {
		return t.sigmask, nil
	}

	if t.IsSyscallRestart() {
		mask, err := t.sigmaskFromProc()
		if err != nil {
			return 0, err
		}
		t.sigmask = mask
		t.sigmaskDirty = false
		return mask, nil
	}

	var mask uint64
	if _, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceGetSigMask), uintptr(t.Tid), unsafe.Sizeof(mask), uintptr(unsafe.Pointer(&mask)), 0, 0); errno != 0 {
		return 0, fmt.Errorf("ptrace getsigmask: %w", errno)
	}
	t.sigmask = mask
	t.sigmaskDirty = false
	return mask, nil
}

func (t *Task) sigmaskFromProc() (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", t.Tid))
	if err != nil {
		return 0, fmt.Errorf("open /proc/%d/status: %w", t.Tid, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "SigBlk:") {
			continue
		}
		hex := strings.TrimSpace(strings.TrimPrefix(line, "SigBlk:"))
		mask, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse SigBlk %q: %w", hex, err)
		}
		return mask, nil
	}
	return 0, fmt.Errorf("no SigBlk field in /proc/%d/status", t.Tid)
}

// MarkSigmaskDirty forces the next GetSigmask call to refresh from the
// kernel, used whenever an operation may have changed the tracee's
// mask out from under the cache (e.g. a rt_sigprocmask syscall exit).
func (t *Task) MarkSigmaskDirty() { t.sigmaskDirty = true }
