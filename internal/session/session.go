// Package session owns the live task set, the scheduler, and the trace
// writer for one recording, and drives the per-step ptrace-stop state
// machine (§3 "Session", §4.6). Grounded on
// session/record_session.rs's RecordSession: that file's record_step
// and terminate_recording are left unimplemented in the retrieved
// original, so this package's state machine is assembled from rd's
// documented step sequence (handle_seccomp_trap, syscall-entry/exit
// handling, signal stashing) plus the already-built leaf packages it
// wires together.
package session

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/fatal"
	"github.com/rdebug/rd/internal/fdmonitor"
	"github.com/rdebug/rd/internal/scheduler"
	"github.com/rdebug/rd/internal/seccomptrap"
	"github.com/rdebug/rd/internal/syscallbuf"
	"github.com/rdebug/rd/internal/task"
	"github.com/rdebug/rd/internal/ticks"
	"github.com/rdebug/rd/internal/trace"
	"github.com/rdebug/rd/pkg/log"
)

// Options configures a recording session, the fields setup_session_from_flags
// would otherwise derive from RecordCommand.
type Options struct {
	TraceDir         string
	UseSyscallBuffer bool
	EnableChaos      bool
	WaitForAll       bool
	MaxTicks         uint64
	DeschedSig       unix.Signal
	ChaosSeed        int64
}

// Session is one recording: the task set, the scheduler that orders
// them, the trace writer every persisted record flows through, and the
// per-fd monitor registry (§2 "component table").
type Session struct {
	opts Options

	tasks map[int32]*recordTask
	sched *scheduler.Scheduler
	trace *trace.Writer
	fds   *fdmonitor.Registry

	lastTaskSwitchable fdmonitor.Switchable

	initialTgid int32

	// runCounter is a monotonic counter bumped each time a task is
	// selected and resumed, giving Task.LastRunTime a value that
	// actually advances so the scheduler's (priority, last-run-time)
	// ordering rotates among same-priority tasks instead of always
	// reselecting the lowest-id one (§4.5).
	runCounter uint64
}

// New opens opts.TraceDir as the trace output and returns an empty
// session ready for AddTask calls.
func New(opts Options) (*Session, error) {
	w, err := trace.Open(opts.TraceDir)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return &Session{
		opts:  opts,
		tasks: make(map[int32]*recordTask),
		sched: scheduler.New(opts.MaxTicks, opts.EnableChaos, opts.ChaosSeed),
		trace: w,
		fds:   fdmonitor.NewRegistry(),
	}, nil
}

// recordTask adapts *task.Task to the narrow interfaces the leaf
// record-loop packages (seccomptrap, syscallbuf, fdmonitor, scheduler,
// fatal) each declare for themselves. internal/task cannot implement
// these directly: several method names (Regs, Tid, Priority, ...)
// collide with exported struct fields of the same name, so the shadow
// has to live one embedding level up, in the package that is allowed
// to know about both task.Task and trace.Writer.
type recordTask struct {
	*task.Task
	s *Session
}

func (rt *recordTask) ID() int32            { return rt.Task.Tid }
func (rt *recordTask) Tid() int32           { return rt.Task.Tid }
func (rt *recordTask) RecTid() int32        { return rt.Task.RecTid }
func (rt *recordTask) Priority() int32      { return rt.Task.Priority }
func (rt *recordTask) LastRunTime() uint64  { return rt.Task.LastRunTime }
func (rt *recordTask) InRoundRobinQueue() bool { return rt.Task.InRoundRobinQueue }

func (rt *recordTask) SetInRoundRobinQueue(v bool) { rt.Task.InRoundRobinQueue = v }

// CanMakeProgress reports whether the task is eligible for selection:
// it has not exited.
func (rt *recordTask) CanMakeProgress() bool {
	return !rt.Task.Exited
}

func (rt *recordTask) Regs() *arch.Registers { return rt.Task.RegsPtr() }

func (rt *recordTask) SetRegs(r *arch.Registers) {
	if err := rt.Task.SetRegsFrom(r); err != nil {
		log.Errorf("tid %d: set regs: %v", rt.Task.Tid, err)
	}
}

// RecordCurrentEvent persists the task's current (top-of-stack) event
// to the session's trace writer, attaching registers when the event
// requests them.
func (rt *recordTask) RecordCurrentEvent() error {
	top := *rt.Task.Events.Top()
	return rt.s.trace.WriteFrame(rt.Task.Tid, top, &rt.Task.Regs, &rt.Task.ExtraRegs)
}

// ReadHeader implements syscallbuf.Reader by taking the header fields
// (NumRecBytes, BlockedSigsGeneration) from the Task's cached
// SyscallbufChild mirror and reading the record bytes that follow the
// header from tracee memory (§4.4). The mirror is not re-read from the
// tracee's shared page, here or in DidWaitpid.
func (rt *recordTask) ReadHeader() (syscallbuf.Header, error) {
	sb := rt.Task.Syscallbuf
	if sb == nil {
		return syscallbuf.Header{}, fmt.Errorf("tid %d: no syscallbuf mapped", rt.Task.Tid)
	}
	recAddr := sb.Addr + syscallbufHeaderSize
	rec := make([]byte, sb.NumRecBytes)
	if sb.NumRecBytes > 0 {
		if err := rt.Task.ReadBytes(recAddr, rec); err != nil {
			return syscallbuf.Header{}, fmt.Errorf("read syscallbuf records: %w", err)
		}
	}
	return syscallbuf.Header{
		NumRecBytes:           sb.NumRecBytes,
		BlockedSigsGeneration: sb.BlockedSigsGeneration,
		Addr:                  recAddr,
		Rec:                   rec,
	}, nil
}

// ClearNumRecBytes implements syscallbuf.Reader by zeroing the
// header's record-count field both in the session's cached mirror and
// in the tracee's shared memory.
func (rt *recordTask) ClearNumRecBytes() error {
	sb := rt.Task.Syscallbuf
	if sb == nil {
		return nil
	}
	sb.NumRecBytes = 0
	sb.FlushedNumRecBytes = 0
	return rt.Task.WriteUint32(sb.Addr, 0)
}

// syscallbufHeaderSize is the byte offset of the record region within
// the preload library's syscallbuf_hdr, following NumRecBytes and
// BlockedSigsGeneration (both uint32).
const syscallbufHeaderSize = 8

var (
	_ seccomptrap.Task = (*recordTask)(nil)
	_ fdmonitor.Task   = (*recordTask)(nil)
	_ scheduler.Task   = (*recordTask)(nil)
	_ fatal.Described  = (*recordTask)(nil)
)

// AddTask registers t with the session's scheduler and task set.
func (s *Session) AddTask(t *task.Task) {
	rt := &recordTask{Task: t, s: s}
	s.tasks[t.Tid] = rt
	s.sched.AddTask(rt)
}

// RemoveTask drops t from the scheduler and task set, called once its
// exit has been recorded.
func (s *Session) RemoveTask(tid int32) {
	rt, ok := s.tasks[tid]
	if !ok {
		return
	}
	s.sched.RemoveTask(rt)
	delete(s.tasks, tid)
}

// Task returns the task known by tid, or nil.
func (s *Session) Task(tid int32) *task.Task {
	if rt, ok := s.tasks[tid]; ok {
		return rt.Task
	}
	return nil
}

// Len returns the number of live tasks.
func (s *Session) Len() int { return len(s.tasks) }

// TraceWriter exposes the session's trace writer, for callers (e.g.
// cmd/rd) that need its UUID or logical time for a status line.
func (s *Session) TraceWriter() *trace.Writer { return s.trace }

// DeschedCounterFor opens (if not already armed) the desched
// performance counter for t, used ahead of a potentially-blocking
// buffered syscall (§4.4).
func (s *Session) DeschedCounterFor(t *task.Task) (*ticks.Counter, error) {
	if t.DeschedCounter != nil {
		return t.DeschedCounter, nil
	}
	c, err := ticks.Open(t.Tid, 1, s.opts.DeschedSig)
	if err != nil {
		return nil, err
	}
	t.DeschedCounter = c
	return c, nil
}

// fdMonitorTaskFor adapts t for fdmonitor calls that need the narrow
// fdmonitor.Task view rather than the full recordTask.
func (s *Session) fdMonitorTaskFor(tid int32) fdmonitor.Task {
	return s.tasks[tid]
}
