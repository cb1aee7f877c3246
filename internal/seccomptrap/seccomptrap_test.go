package seccomptrap

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
)

type fakeTask struct {
	regs                 arch.Registers
	untraced             bool
	events               []event.Event
	abortCalled          bool
	deschedCleared       bool
	recordedCount        int
	resumeCalled         bool
	stashed              []unix.SignalfdSiginfo
}

func (f *fakeTask) Arch() arch.Arch          { return arch.X8664 }
func (f *fakeTask) Regs() *arch.Registers    { return &f.regs }
func (f *fakeTask) SetRegs(r *arch.Registers) { f.regs = *r }
func (f *fakeTask) IP() uintptr              { return 0x1000 }

func (f *fakeTask) TopEventKind() event.Type {
	if len(f.events) == 0 {
		return event.Sentinel
	}
	return f.events[len(f.events)-1].Kind
}
func (f *fakeTask) IsInUntracedSyscall() bool { return f.untraced }
func (f *fakeTask) AbortPreparedSyscall()     { f.abortCalled = true }
func (f *fakeTask) PopSyscallInterruption() event.Event {
	ev := f.events[len(f.events)-1]
	f.events = f.events[:len(f.events)-1]
	return ev
}
func (f *fakeTask) PopSyscall() event.Event {
	ev := f.events[len(f.events)-1]
	f.events = f.events[:len(f.events)-1]
	return ev
}
func (f *fakeTask) PushEvent(ev event.Event) { f.events = append(f.events, ev) }
func (f *fakeTask) RecordCurrentEvent() error { f.recordedCount++; return nil }
func (f *fakeTask) StashSyntheticSig(si unix.SignalfdSiginfo, d event.SignalDeterministic) {
	f.stashed = append(f.stashed, si)
}
func (f *fakeTask) SetDeschedMayBeRelevant(v bool) error { f.deschedCleared = !v; return nil }
func (f *fakeTask) ResumeSyscallNoTicksBlocking() error  { f.resumeCalled = true; return nil }

func TestHandleUntracedSyscallSequence(t *testing.T) {
	f := &fakeTask{untraced: true}
	f.regs.SetArch(arch.X8664)
	f.regs.SetSyscallNo(1 /* SYS_write */)

	if err := Handle(f, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if !f.deschedCleared {
		t.Fatalf("expected desched-may-be-relevant cleared for an untraced syscall")
	}
	if len(f.stashed) != 1 || int32(f.stashed[0].Signo) != int32(unix.SIGSYS) {
		t.Fatalf("expected a synthetic SIGSYS to be stashed, got %+v", f.stashed)
	}
	if !f.resumeCalled {
		t.Fatalf("expected the tracee to be advanced past the seccomp stop")
	}
	if f.recordedCount == 0 {
		t.Fatalf("expected at least one event recorded for the buffered syscall")
	}
}

func TestHandleTracedSyscallDoesNotAdvance(t *testing.T) {
	f := &fakeTask{untraced: false}
	f.regs.SetArch(arch.X8664)
	f.regs.SetSyscallNo(1)

	if err := Handle(f, 0); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.resumeCalled {
		t.Fatalf("a traced (non-buffered) syscall should not be auto-advanced past the stop")
	}
}
