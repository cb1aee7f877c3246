package task

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/sighandlers"
)

func newTestTask() *Task {
	return New(1, 1, 1, &ThreadGroup{Tgid: 1, Handlers: sighandlers.New()})
}

func TestStashCoalescesNonRealtimeSignal(t *testing.T) {
	tk := newTestTask()
	tk.StashSyntheticSig(unix.SignalfdSiginfo{Signo: uint32(unix.SIGCHLD)}, event.NonDeterministic)
	tk.StashSyntheticSig(unix.SignalfdSiginfo{Signo: uint32(unix.SIGCHLD)}, event.NonDeterministic)

	if got := len(tk.Stashed); got != 1 {
		t.Fatalf("expected one coalesced entry, got %d", got)
	}
}

func TestStashDeterministicSupersedesNonDeterministic(t *testing.T) {
	tk := newTestTask()
	tk.StashSyntheticSig(unix.SignalfdSiginfo{Signo: uint32(unix.SIGSEGV)}, event.NonDeterministic)
	tk.StashSyntheticSig(unix.SignalfdSiginfo{Signo: uint32(unix.SIGSEGV)}, event.Deterministic)

	if got := len(tk.Stashed); got != 1 {
		t.Fatalf("expected superseded entry to remain singular, got %d", got)
	}
	if !tk.Stashed[0].Deterministic {
		t.Fatalf("expected surviving entry to be the deterministic one")
	}
}

func TestPopStashSigClearsBlockingFlagWhenEmpty(t *testing.T) {
	tk := newTestTask()
	tk.StashSyntheticSig(unix.SignalfdSiginfo{Signo: uint32(unix.SIGUSR1)}, event.NonDeterministic)
	if !tk.breakAtAnySyscallbufBoundary {
		t.Fatalf("expected stash to arm the syscallbuf-boundary break")
	}

	tk.PopStashSig(tk.Stashed[0])
	if len(tk.Stashed) != 0 {
		t.Fatalf("expected stash to be empty after pop")
	}
	if tk.breakAtAnySyscallbufBoundary {
		t.Fatalf("expected blocking flag cleared once stash drains")
	}
}

func TestIsSigBlockedAlwaysFalseForUnstoppableSignals(t *testing.T) {
	tk := newTestTask()
	tk.sigmask = ^uint64(0)
	tk.sigmaskDirty = false

	if tk.IsSigBlocked(int32(unix.SIGKILL)) {
		t.Fatalf("SIGKILL must never report blocked")
	}
	if tk.IsSigBlocked(int32(unix.SIGSTOP)) {
		t.Fatalf("SIGSTOP must never report blocked")
	}
}

func TestSigResolvedDispositionFatalAfterSigframeSIGSEGV(t *testing.T) {
	tk := newTestTask()
	tk.Group.SigframeSIGSEGVSeen = true

	if got := tk.SigResolvedDisposition(int32(unix.SIGTERM), event.NonDeterministic); got != DispositionFatal {
		t.Fatalf("expected DispositionFatal once a sigframe SIGSEGV was observed, got %v", got)
	}
}
