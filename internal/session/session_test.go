package session

import (
	"path/filepath"
	"testing"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/sighandlers"
	"github.com/rdebug/rd/internal/task"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(Options{TraceDir: filepath.Join(t.TempDir(), "trace"), MaxTicks: 1000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.trace.Close() })
	return s
}

func TestRecordStepReturnsStepExitedWhenNoTasksRemain(t *testing.T) {
	s := newTestSession(t)
	res, err := s.RecordStep()
	if err != nil {
		t.Fatalf("RecordStep: %v", err)
	}
	if res != StepExited {
		t.Fatalf("expected StepExited with no tasks, got %v", res)
	}
}

func TestHandleExitRemovesTaskAndReportsExitedWhenLast(t *testing.T) {
	s := newTestSession(t)
	group := &task.ThreadGroup{Tgid: 1, Handlers: sighandlers.New()}
	tk := task.New(1, 1, 1, group)
	s.AddTask(tk)

	tk.Exited = true
	rt := s.tasks[1]
	res, err := s.handleExit(rt)
	if err != nil {
		t.Fatalf("handleExit: %v", err)
	}
	if res != StepExited {
		t.Fatalf("expected StepExited after last task's exit, got %v", res)
	}
	if s.Len() != 0 {
		t.Fatalf("expected task set to be empty after exit, got %d", s.Len())
	}
}

func TestHandleExitKeepsGoingWhileOtherTasksRemain(t *testing.T) {
	s := newTestSession(t)
	group := &task.ThreadGroup{Tgid: 1, Handlers: sighandlers.New()}
	t1 := task.New(1, 1, 1, group)
	t2 := task.New(2, 2, 2, group)
	s.AddTask(t1)
	s.AddTask(t2)

	t1.Exited = true
	res, err := s.handleExit(s.tasks[1])
	if err != nil {
		t.Fatalf("handleExit: %v", err)
	}
	if res != StepContinue {
		t.Fatalf("expected StepContinue with a task still alive, got %v", res)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one remaining task, got %d", s.Len())
	}
}

func TestHandleDeschedSignalPromotesBufferedSyscallAndRecordsDeschedEvent(t *testing.T) {
	s := newTestSession(t)
	group := &task.ThreadGroup{Tgid: 1, Handlers: sighandlers.New()}
	tk := task.New(1, 1, 1, group)
	tk.Syscallbuf = &task.SyscallbufChild{DeschedSignalMayBeRelevant: true}
	s.AddTask(tk)
	rt := s.tasks[1]

	res, err := s.handleDeschedSignal(rt)
	if err != nil {
		t.Fatalf("handleDeschedSignal: %v", err)
	}
	if res != StepContinue {
		t.Fatalf("expected StepContinue, got %v", res)
	}
	if tk.Events.Top().Kind != event.SyscallInterruption {
		t.Fatalf("expected a pending syscall-interruption event, got %v", tk.Events.Top().Kind)
	}
	if tk.Syscallbuf.DeschedSignalMayBeRelevant {
		t.Fatalf("expected desched-may-be-relevant to be cleared")
	}
}

func TestDisarmDeschedOnStopClearsArmedFlagWithoutCounter(t *testing.T) {
	s := newTestSession(t)
	group := &task.ThreadGroup{Tgid: 1, Handlers: sighandlers.New()}
	tk := task.New(1, 1, 1, group)
	tk.Syscallbuf = &task.SyscallbufChild{DeschedArmed: true}
	s.AddTask(tk)
	rt := s.tasks[1]

	if err := s.disarmDeschedOnStop(rt); err != nil {
		t.Fatalf("disarmDeschedOnStop: %v", err)
	}
	if tk.Syscallbuf.DeschedArmed {
		t.Fatalf("expected DeschedArmed to be cleared")
	}
}
