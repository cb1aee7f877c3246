// Package syscallbuf implements the in-tracee shared-memory
// syscall-buffering protocol (§4.4): flushing pending buffered-syscall
// records to the trace, resetting the buffer once it is safe, and
// arming/disarming the desched performance counter around a
// potentially-blocking buffered call.
package syscallbuf

import (
	"fmt"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/ticks"
)

// Layout is the set of addresses the in-tracee preload library
// publishes at initialization (§3 "Syscallbuf layout").
type Layout struct {
	Addr          uintptr
	Size          uint32
	CodeStart     uintptr
	CodeEnd       uintptr
	PcThunksStart uintptr
	PcThunksEnd   uintptr
	// FinalExitInstruction is the address of the instruction whose
	// breakpoint is used to intercept return from a buffered syscall.
	FinalExitInstruction uintptr
}

// Header mirrors the ring buffer's header fields as the tracer reads
// them out of the tracee's shared memory. Rec is the flattened byte
// region following the header, containing NumRecBytes of packed
// syscall records.
type Header struct {
	NumRecBytes           uint32
	BlockedSigsGeneration uint32
	// Addr is the tracee address Rec was read from, so MaybeFlush can
	// tag the flushed payload bytes to where they came from.
	Addr uintptr
	Rec  []byte
}

// Reader fetches the current header contents from a task's mapped
// syscallbuf. Implemented by the task package so this package does
// not need to depend on ptrace/memory access directly.
type Reader interface {
	ReadHeader() (Header, error)
	ClearNumRecBytes() error
}

// EventStack is the subset of the task's pending-event stack this
// package needs to inspect: whether the current top event is already
// a syscallbuf-flush.
type EventStack interface {
	Top() *event.Event
}

// Recorder is the trace-writer sink for flush/reset events and the
// flushed record bytes that go with them.
type Recorder interface {
	RecordEvent(ev event.Event) error
	RecordBytes(addr uintptr, data []byte) error
}

// State is the per-task syscallbuf bookkeeping the record loop
// threads through Maybe{Flush,Reset}.
type State struct {
	// FlushedNumRecBytes is the header's NumRecBytes value as of the
	// last flush.
	FlushedNumRecBytes uint32
	// FlushedSyscallbuf marks that a flush happened and a reset is now
	// owed once it is safe.
	FlushedSyscallbuf bool
	// DelayResetForDesched / DelayResetForSeccompTrap hold off the
	// reset that FlushedSyscallbuf would otherwise trigger, because a
	// desched or seccomp-trap sequence is using the buffered slot.
	DelayResetForDesched      bool
	DelayResetForSeccompTrap  bool
	BlockedSigsGeneration     uint32

	// DeschedArmed marks that the tracee armed its desched counter
	// ahead of a potentially-blocking buffered syscall.
	DeschedArmed bool
}

// MaybeFlush drains the buffer's pending records into the trace. It
// is a no-op if the task is already mid-flush (top event is already a
// syscallbuf-flush) or the task has no syscallbuf mapped (§4.4).
func (s *State) MaybeFlush(stack EventStack, mapped bool, r Reader, rec Recorder) error {
	if stack.Top().Kind == event.SyscallbufFlush {
		return nil
	}
	if !mapped {
		return nil
	}

	hdr, err := r.ReadHeader()
	if err != nil {
		return fmt.Errorf("read syscallbuf header: %w", err)
	}
	if hdr.NumRecBytes == 0 {
		return nil
	}

	ev := event.Event{
		Kind:             event.SyscallbufFlush,
		HasReliableTicks: true,
	}
	if err := rec.RecordEvent(ev); err != nil {
		return fmt.Errorf("record syscallbuf-flush event: %w", err)
	}
	// The flush event itself carries no payload field, so the
	// num_rec_bytes prefix of the buffer travels as a companion memory
	// record at the same logical time, the same convention
	// record_bytes uses elsewhere for event-adjacent data (§4.4).
	if err := rec.RecordBytes(hdr.Addr, hdr.Rec); err != nil {
		return fmt.Errorf("record syscallbuf-flush payload: %w", err)
	}

	s.FlushedNumRecBytes = hdr.NumRecBytes
	s.FlushedSyscallbuf = true
	return nil
}

// MaybeReset clears the buffer's record count and records a
// syscallbuf-reset event, but only once a flush happened and neither
// delay flag is set (§4.4). Call after recording an event, so replay
// can run past any syscallbuf-consuming code first.
func (s *State) MaybeReset(r Reader, rec Recorder) error {
	if !s.FlushedSyscallbuf || s.DelayResetForDesched || s.DelayResetForSeccompTrap {
		return nil
	}

	s.FlushedSyscallbuf = false
	if err := r.ClearNumRecBytes(); err != nil {
		return fmt.Errorf("reset syscallbuf: %w", err)
	}
	s.BlockedSigsGeneration = 0

	return rec.RecordEvent(event.Event{Kind: event.SyscallbufReset})
}

// ArmDesched enables the task's desched performance counter ahead of
// a potentially-blocking buffered syscall, per the desched-arming
// protocol (§4.4).
func (s *State) ArmDesched(counter *ticks.Counter) error {
	if counter == nil {
		return fmt.Errorf("arm desched: no counter configured")
	}
	if err := counter.Enable(); err != nil {
		return fmt.Errorf("arm desched counter: %w", err)
	}
	s.DeschedArmed = true
	return nil
}

// DisarmDesched is the symmetric disarm, called once the buffered
// syscall either completed without blocking or was promoted to a
// traced, interrupted one.
func (s *State) DisarmDesched(counter *ticks.Counter) error {
	if counter == nil {
		s.DeschedArmed = false
		return nil
	}
	if err := counter.Disable(); err != nil {
		return fmt.Errorf("disarm desched counter: %w", err)
	}
	s.DeschedArmed = false
	return nil
}
