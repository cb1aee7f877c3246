package task

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/event"
)

// Kernel ptrace requests not yet exposed by this version of
// golang.org/x/sys/unix, taken from linux/ptrace.h.
const (
	ptraceSetSigMask = 0x420b
	ptraceGetSigMask = 0x420a
)

// resumeUnlimitedTicksPeriod is the tick-interrupt period set before
// continuing when the caller requests ResumeUnlimitedTicks; zero disarms the overflow
// signal entirely (pure continue, no interrupt).
const resumeUnlimitedTicksPeriod = 0

// ResumeExecution issues a ptrace continuation of the requested kind,
// optionally injecting maybeSig and optionally arming a tick
// interrupt, then (if waitHow is ResumeWait) blocks for the resulting
// stop and reconciles state via DidWaitpid (§4.2).
func (t *Task) ResumeExecution(how ResumeHow, waitHow WaitHow, tickRequest TickRequest, maybeSig int) error {
	if t.DeschedCounter != nil {
		switch tickRequest {
		case ResumeUnlimitedTicks:
			if err := t.DeschedCounter.SetPeriod(resumeUnlimitedTicksPeriod); err != nil {
				return fmt.Errorf("arm tick interrupt: %w", err)
			}
		case ResumeNoTicks:
			if err := t.DeschedCounter.Disable(); err != nil {
				return fmt.Errorf("disable tick interrupt: %w", err)
			}
		}
	}

	var err error
	switch how {
	case ResumeCont:
		err = unix.PtraceCont(int(t.Tid), maybeSig)
	case ResumeSyscall:
		err = unix.PtraceSyscall(int(t.Tid), maybeSig)
	case ResumeSinglestep:
		err = unix.PtraceSingleStep(int(t.Tid))
	case ResumeSysemu:
		err = ptraceNoData(unix.PTRACE_SYSEMU, int(t.Tid), maybeSig)
	case ResumeSysemuSinglestep:
		err = ptraceNoData(unix.PTRACE_SYSEMU_SINGLESTEP, int(t.Tid), maybeSig)
	default:
		return fmt.Errorf("unknown resume mode %v", how)
	}
	if err != nil {
		return fmt.Errorf("ptrace resume: %w", err)
	}

	if waitHow == ResumeNonblocking {
		return nil
	}

	status, err := t.waitpid()
	if err != nil {
		return err
	}
	return t.DidWaitpid(status)
}

func ptraceNoData(request int, pid int, data int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(request), uintptr(pid), 0, uintptr(data), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *Task) waitpid() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(int(t.Tid), &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("wait4(%d): %w", t.Tid, err)
		}
		return status, nil
	}
}

// DidWaitpid reconciles task state after a ptrace stop was observed
// via waitpid (§4.2): refreshes the register cache, recomputes trap
// reasons, and resolves the blocked-signal mask, forcibly restoring
// it when the task's stashed signals require staying blocked, or
// invalidating the cache when the tracee's own syscallbuf records a
// sigprocmask critical section in progress.
func (t *Task) DidWaitpid(status unix.WaitStatus) error {
	t.WaitStatus = status

	if status.Exited() || status.Signaled() {
		t.Exited = true
		return nil
	}

	if err := t.Regs.Fetch(t.Tid); err != nil {
		return fmt.Errorf("fetch registers after stop: %w", err)
	}
	if err := t.ExtraRegs.Fetch(t.Tid); err != nil {
		return fmt.Errorf("fetch extended registers after stop: %w", err)
	}

	t.trapReasons = t.ComputeTrapReasons()

	switch {
	case t.breakAtAnySyscallbufBoundary:
		if err := t.restoreBlockedSigs(); err != nil {
			return err
		}
	case t.Syscallbuf != nil && t.Syscallbuf.InSigprocmaskCriticalSection:
		t.sigmaskDirty = true
	default:
		t.sigmaskDirty = true
	}
	return nil
}

// restoreBlockedSigs forcibly writes the cached blocked-signal mask
// back into the tracee via PTRACE_SETSIGMASK, used when a stashed
// signal must remain blocked until it is explicitly delivered.
func (t *Task) restoreBlockedSigs() error {
	if t.sigmaskDirty {
		return nil
	}
	mask := t.sigmask
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(ptraceSetSigMask), uintptr(t.Tid), unsafe.Sizeof(mask), uintptr(unsafe.Pointer(&mask)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("ptrace setsigmask: %w", errno)
	}
	return nil
}

// ComputeTrapReasons classifies the most recent ptrace stop from its
// wait status alone (§4.2); it reads neither debug registers nor the
// instruction pointer. A SIGTRAP stop not attributable to
// PTRACE_EVENT_* is classified as a single-step; Breakpoint and
// Watchpoint are never set.
func (t *Task) ComputeTrapReasons() TrapReasons {
	var r TrapReasons
	if t.WaitStatus.StopSignal() != unix.SIGTRAP {
		return r
	}
	event := t.WaitStatus.TrapCause()
	if event != 0 {
		return r
	}
	r.Singlestep = true
	return r
}

// IsSyscallRestart reports whether the top-of-stack event is a
// syscall-interruption and the task's current syscall number either
// is restart_syscall or matches that event's number (§4.2). Argument
// registers are not compared, and the kind of ptrace stop is not
// checked.
func (t *Task) IsSyscallRestart() bool {
	top := t.Events.Top()
	if top.Kind != event.SyscallInterruption {
		return false
	}
	no := int32(t.Regs.SyscallNo())
	if no == int32(unix.SYS_RESTART_SYSCALL) {
		return true
	}
	return no == top.Syscall.Number
}

// openMemFile opens /proc/<tid>/mem for fast local memory access, the
// file ReadBytes and WriteBytes use for every access to the task's
// memory.
func (t *Task) openMemFile() (*os.File, error) {
	return os.OpenFile(fmt.Sprintf("/proc/%d/mem", t.Tid), os.O_RDWR, 0)
}
