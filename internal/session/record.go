package session

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/fdmonitor"
	"github.com/rdebug/rd/internal/seccomptrap"
	"github.com/rdebug/rd/internal/syscallbuf"
	"github.com/rdebug/rd/internal/task"
)

// RecordResult is the outcome of one RecordStep call, mirroring the
// original tool's RecordResult. It has no StepSpawnFailed variant: the
// initial tracee is spawned by ptrace.Launch before any Session
// exists, and a spawn failure is that call's error return.
type RecordResult int

// Step outcomes.
const (
	// StepContinue means some execution was recorded; call RecordStep
	// again.
	StepContinue RecordResult = iota
	// StepExited means every task has exited; stop calling RecordStep.
	StepExited
)

// sysTrapSignal is SIGTRAP with the PTRACE_O_TRACESYSGOOD high bit
// set, the value a ptrace syscall-entry/exit stop reports as its stop
// signal so it can be told apart from an ordinary SIGTRAP.
const sysTrapSignal = unix.SIGTRAP | 0x80

// RecordStep advances the recording by one scheduling decision: it
// selects a runnable task, resumes it, blocks for the resulting ptrace
// stop, and updates session state accordingly (§4.6). It may block if
// no task is immediately runnable.
func (s *Session) RecordStep() (RecordResult, error) {
	if len(s.tasks) == 0 {
		return StepExited, nil
	}

	rt := s.sched.SelectNext()
	if rt == nil {
		// Nothing is runnable; every task is blocked in a syscall or
		// waiting for a signal. Block for whichever one stops next.
		return s.waitForAnyTask()
	}

	selected := rt.(*recordTask)
	if err := s.resumeSelected(selected); err != nil {
		return StepContinue, err
	}

	s.runCounter++
	selected.Task.LastRunTime = s.runCounter
	s.sched.Reschedule(selected)

	return s.handleStop(selected)
}

// resumeSelected issues the ptrace continuation for t, arming the
// scheduler's current tick budget as the tracee's tick-interrupt
// period.
func (s *Session) resumeSelected(t *recordTask) error {
	how := task.ResumeSyscall
	tickReq := task.ResumeUnlimitedTicks
	budget := s.sched.TickBudget()

	if t.Task.DeschedCounter != nil {
		if err := t.Task.DeschedCounter.SetPeriod(budget); err != nil {
			return fmt.Errorf("arm tick budget for tid %d: %w", t.Task.Tid, err)
		}
	}

	if err := s.armDeschedForResume(t); err != nil {
		return err
	}

	if err := t.Task.ResumeExecution(how, task.ResumeWait, tickReq, 0); err != nil {
		return fmt.Errorf("resume tid %d: %w", t.Task.Tid, err)
	}
	return nil
}

// armDeschedForResume enables t's desched counter ahead of resuming it
// into a buffered syscall that might otherwise block invisibly, per
// the desched-arming protocol (§4.4). A no-op if t has no syscallbuf
// mapped, no counter configured, or is already armed.
func (s *Session) armDeschedForResume(t *recordTask) error {
	if t.Task.Syscallbuf == nil || t.Task.DeschedCounter == nil || t.Task.Syscallbuf.DeschedArmed {
		return nil
	}
	var sb syscallbuf.State
	if err := sb.ArmDesched(t.Task.DeschedCounter); err != nil {
		return fmt.Errorf("arm desched counter for tid %d: %w", t.Task.Tid, err)
	}
	t.Task.Syscallbuf.DeschedArmed = sb.DeschedArmed
	return nil
}

// disarmDeschedOnStop disables t's desched counter once the tracer
// regains control via any stop, since the buffered syscall it was
// guarding is no longer at risk of blocking unobserved (§4.4).
func (s *Session) disarmDeschedOnStop(t *recordTask) error {
	if t.Task.Syscallbuf == nil || !t.Task.Syscallbuf.DeschedArmed {
		return nil
	}
	var sb syscallbuf.State
	sb.DeschedArmed = true
	if err := sb.DisarmDesched(t.Task.DeschedCounter); err != nil {
		return fmt.Errorf("disarm desched counter for tid %d: %w", t.Task.Tid, err)
	}
	t.Task.Syscallbuf.DeschedArmed = sb.DeschedArmed
	return nil
}

// waitForAnyTask blocks on any child of the tracer, used when the
// scheduler reports nothing immediately runnable (§4.5's "relieve
// priority-inversion deadlock" case).
func (s *Session) waitForAnyTask() (RecordResult, error) {
	var status unix.WaitStatus
	pid, err := unix.Wait4(-1, &status, 0, nil)
	if err == unix.EINTR {
		return StepContinue, nil
	}
	if err == unix.ECHILD {
		return StepExited, nil
	}
	if err != nil {
		return StepContinue, fmt.Errorf("wait4(-1): %w", err)
	}

	rt, ok := s.tasks[int32(pid)]
	if !ok {
		return StepContinue, nil
	}
	if err := rt.Task.DidWaitpid(status); err != nil {
		return StepContinue, fmt.Errorf("reconcile tid %d: %w", pid, err)
	}
	return s.handleStop(rt)
}

// handleStop classifies t's most recent ptrace stop and dispatches to
// the appropriate handler (§4.2, §4.3, §4.4).
func (s *Session) handleStop(t *recordTask) (RecordResult, error) {
	if t.Task.Exited {
		return s.handleExit(t)
	}

	status := t.Task.WaitStatus
	if !status.Stopped() {
		return StepContinue, nil
	}

	if err := s.disarmDeschedOnStop(t); err != nil {
		return StepContinue, err
	}

	stopSig := status.StopSignal()

	if stopSig == unix.SIGTRAP && status.TrapCause() == unix.PTRACE_EVENT_SECCOMP {
		return s.handleSeccompTrap(t)
	}

	if stopSig == sysTrapSignal {
		return s.handleSyscallStop(t)
	}

	if stopSig == unix.SIGTRAP {
		// Plain singlestep/breakpoint trap with no further action wired
		// up at this layer; just keep going.
		return StepContinue, nil
	}

	if s.opts.DeschedSig != 0 && stopSig == s.opts.DeschedSig {
		return s.handleDeschedSignal(t)
	}

	// An ordinary signal-delivery stop: stash it for later resolution
	// against the task's handler table rather than delivering it
	// immediately, per the "interrupt at the earliest safe point" rule
	// (§4.2).
	if err := t.Task.StashSig(); err != nil {
		return StepContinue, fmt.Errorf("stash signal for tid %d: %w", t.Task.Tid, err)
	}
	return StepContinue, nil
}

// handleExit records the task's exit and removes it from the live set,
// reporting StepExited once nothing remains.
func (s *Session) handleExit(t *recordTask) (RecordResult, error) {
	t.Task.PushEvent(event.Event{Kind: event.Exit})
	if err := t.RecordCurrentEvent(); err != nil {
		return StepContinue, fmt.Errorf("record exit for tid %d: %w", t.Task.Tid, err)
	}
	t.Task.PopEvent(event.Exit)

	s.RemoveTask(t.Task.Tid)
	if len(s.tasks) == 0 {
		return StepExited, nil
	}
	return StepContinue, nil
}

// handleSeccompTrap runs the synthetic-SIGSYS sequence for a task that
// just stopped at PTRACE_EVENT_SECCOMP (§4.3).
func (s *Session) handleSeccompTrap(t *recordTask) (RecordResult, error) {
	msg, err := unix.PtraceGetEventMsg(int(t.Task.Tid))
	if err != nil {
		return StepContinue, fmt.Errorf("get seccomp event msg for tid %d: %w", t.Task.Tid, err)
	}
	if err := seccomptrap.Handle(t, uint16(msg)); err != nil {
		return StepContinue, fmt.Errorf("handle seccomp trap for tid %d: %w", t.Task.Tid, err)
	}
	return StepContinue, nil
}

// handleDeschedSignal runs the desched sequence (§4.4) for a task
// whose desched counter fired: the buffered syscall it was about to
// (or already did) block in is promoted to a traced one by pushing a
// SyscallInterruption event, and a Desched event is recorded so
// replay knows to re-enter the interrupted syscall rather than assume
// it ran to completion via the syscallbuf.
func (s *Session) handleDeschedSignal(t *recordTask) (RecordResult, error) {
	if t.Task.IsInUntracedSyscall() {
		no := int32(t.Task.Regs.SyscallNo())
		t.Task.PushEvent(event.Event{
			Kind: event.SyscallInterruption,
			Syscall: event.SyscallData{
				Number: no,
				State:  event.SyscallEntry,
			},
		})
		if err := t.RecordCurrentEvent(); err != nil {
			return StepContinue, fmt.Errorf("record syscall interruption for tid %d: %w", t.Task.Tid, err)
		}
	}

	if err := t.Task.SetDeschedMayBeRelevant(false); err != nil {
		return StepContinue, fmt.Errorf("clear desched-may-be-relevant for tid %d: %w", t.Task.Tid, err)
	}

	if err := s.trace.RecordEvent(event.Event{Kind: event.Desched, HasReliableTicks: true}); err != nil {
		return StepContinue, fmt.Errorf("record desched event for tid %d: %w", t.Task.Tid, err)
	}

	return StepContinue, nil
}

// handleSyscallStop records a syscall-entry or syscall-exit stop,
// flushing/resetting the syscallbuf and resolving any implicit write
// offset through the task's fd-monitor table (§4.4, §4.7).
func (s *Session) handleSyscallStop(t *recordTask) (RecordResult, error) {
	top := t.Task.Events.Top()

	mapped := t.Task.Syscallbuf != nil
	var sbState syscallbuf.State
	if mapped {
		sbState.FlushedNumRecBytes = t.Task.Syscallbuf.FlushedNumRecBytes
		sbState.FlushedSyscallbuf = t.Task.Syscallbuf.FlushedSyscallbuf
	}

	switch top.Kind {
	case event.Sentinel, event.Noop:
		no := int32(t.Task.Regs.SyscallNo())
		t.Task.PushEvent(event.Event{
			Kind: event.Syscall,
			Syscall: event.SyscallData{
				Number: no,
				State:  event.SyscallEntry,
			},
		})
		if err := t.RecordCurrentEvent(); err != nil {
			return StepContinue, fmt.Errorf("record syscall entry for tid %d: %w", t.Task.Tid, err)
		}

	case event.Syscall:
		sc := top.Syscall
		sc.State = event.SyscallExit
		top.Syscall = sc

		if err := s.recordSyscallExit(t, top); err != nil {
			return StepContinue, err
		}
		t.Task.PopSyscall()

		if err := sbState.MaybeFlush(t.Task.Events, mapped, t, s.trace); err != nil {
			return StepContinue, err
		}
		if err := sbState.MaybeReset(t, s.trace); err != nil {
			return StepContinue, err
		}
		if mapped {
			t.Task.Syscallbuf.FlushedNumRecBytes = sbState.FlushedNumRecBytes
			t.Task.Syscallbuf.FlushedSyscallbuf = sbState.FlushedSyscallbuf
		}

	default:
		// A syscall-interruption or other pending event is still on top;
		// leave it for the next relevant stop to resolve.
	}

	return StepContinue, nil
}

// recordSyscallExit persists a syscall's exit event, resolving the
// file offset of an implicit-offset monitored write through the
// session's fd-monitor registry before recording it (§4.7).
func (s *Session) recordSyscallExit(t *recordTask, ev *event.Event) error {
	no := ev.Syscall.Number
	if fdmonitor.IsImplicitOffsetSyscall(no) {
		fd := int32(t.Task.Regs.SyscallArgs()[0].Value)
		if mon := s.fds.Get(t.Task.Tid, fd); mon != nil {
			lo := fdmonitor.NewLazyOffset(t, t.Task.Regs.SyscallArgs(), no, fd, int64(t.Task.Regs.Return()))
			if off, ok := lo.Retrieve(); ok {
				ev.Syscall.WriteOffset = &off
			}
		}
	}
	return t.RecordCurrentEvent()
}
