package fdmonitor

import (
	"testing"

	"github.com/rdebug/rd/internal/arch"
)

type fakeTask struct {
	tid int32
	arc arch.Arch
}

func (f fakeTask) Tid() int32      { return f.tid }
func (f fakeTask) Arch() arch.Arch { return f.arc }

func TestLazyOffsetExplicitOffsetFromArg4(t *testing.T) {
	var regs arch.SyscallArguments
	regs[3] = arch.SyscallArgument{Value: 4096}

	l := NewLazyOffset(fakeTask{tid: 1, arc: arch.X8664}, regs, syscallPwrite64, 3, 128)
	off, ok := l.Retrieve()
	if !ok || off != 4096 {
		t.Fatalf("expected explicit offset 4096, got %d ok=%v", off, ok)
	}
}

func TestLazyOffsetRejectsNegativeExplicitOffset(t *testing.T) {
	var negOne int64 = -1
	var regs arch.SyscallArguments
	regs[3] = arch.SyscallArgument{Value: uintptr(negOne)}

	l := NewLazyOffset(fakeTask{tid: 1, arc: arch.X8664}, regs, syscallPread64, 3, 0)
	if _, ok := l.Retrieve(); ok {
		t.Fatalf("expected a negative explicit offset to be rejected")
	}
}

func TestLazyOffsetReassemblesExplicitOffsetOnX86(t *testing.T) {
	var regs arch.SyscallArguments
	// A 32-bit tracee passes the pread/pwrite offset as two halves:
	// arg4 (low) and arg5 (high). 0x1_8000_0000 exceeds 4GiB, so a
	// tracer that only reads arg4 would see it truncated to 0x80000000.
	regs[3] = arch.SyscallArgument{Value: 0x80000000}
	regs[4] = arch.SyscallArgument{Value: 1}

	l := NewLazyOffset(fakeTask{tid: 1, arc: arch.X86}, regs, syscallPread64, 3, 0)
	off, ok := l.Retrieve()
	if !ok || off != 0x180000000 {
		t.Fatalf("expected reassembled offset 0x180000000, got %#x ok=%v", off, ok)
	}
}

func TestIsImplicitOffsetSyscall(t *testing.T) {
	if !IsImplicitOffsetSyscall(syscallWrite) {
		t.Fatalf("write() should be an implicit-offset syscall")
	}
	if IsImplicitOffsetSyscall(syscallPwrite64) {
		t.Fatalf("pwrite64() should not be an implicit-offset syscall")
	}
}

func TestRegistryForkTaskCopiesMonitors(t *testing.T) {
	r := NewRegistry()
	r.Set(1, 5, Base{})
	r.ForkTask(1, 2)

	if r.Get(2, 5) == nil {
		t.Fatalf("expected forked task to inherit parent's fd monitors")
	}
	r.Remove(1, 5)
	if r.Get(2, 5) == nil {
		t.Fatalf("expected child's monitor table to be independent of the parent's")
	}
}
