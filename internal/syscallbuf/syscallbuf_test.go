package syscallbuf

import (
	"testing"

	"github.com/rdebug/rd/internal/event"
)

type fakeStack struct{ top event.Event }

func (f fakeStack) Top() *event.Event { return &f.top }

type fakeReader struct {
	hdr     Header
	cleared bool
}

func (f *fakeReader) ReadHeader() (Header, error) { return f.hdr, nil }
func (f *fakeReader) ClearNumRecBytes() error      { f.cleared = true; return nil }

type fakeRecorder struct {
	events []event.Event
	bytes  [][]byte
}

func (f *fakeRecorder) RecordEvent(ev event.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRecorder) RecordBytes(addr uintptr, data []byte) error {
	f.bytes = append(f.bytes, data)
	return nil
}

func TestMaybeFlushNoopWhenAlreadyFlushing(t *testing.T) {
	var s State
	r := &fakeReader{hdr: Header{NumRecBytes: 64}}
	rec := &fakeRecorder{}

	if err := s.MaybeFlush(fakeStack{top: event.Event{Kind: event.SyscallbufFlush}}, true, r, rec); err != nil {
		t.Fatalf("MaybeFlush: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("expected no flush event recorded while already flushing")
	}
}

func TestMaybeFlushRecordsAndMarksFlushed(t *testing.T) {
	var s State
	payload := []byte{1, 2, 3, 4}
	r := &fakeReader{hdr: Header{NumRecBytes: 128, Addr: 0x1000, Rec: payload}}
	rec := &fakeRecorder{}

	if err := s.MaybeFlush(fakeStack{top: event.Event{Kind: event.Noop}}, true, r, rec); err != nil {
		t.Fatalf("MaybeFlush: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].Kind != event.SyscallbufFlush {
		t.Fatalf("expected one syscallbuf-flush event")
	}
	if !s.FlushedSyscallbuf || s.FlushedNumRecBytes != 128 {
		t.Fatalf("expected flushed state recorded, got %+v", s)
	}
	if len(rec.bytes) != 1 || string(rec.bytes[0]) != string(payload) {
		t.Fatalf("expected the flush's num_rec_bytes prefix to be recorded as a companion byte payload, got %+v", rec.bytes)
	}
}

func TestMaybeResetDelayedBySeccompTrap(t *testing.T) {
	s := State{FlushedSyscallbuf: true, DelayResetForSeccompTrap: true}
	r := &fakeReader{}
	rec := &fakeRecorder{}

	if err := s.MaybeReset(r, rec); err != nil {
		t.Fatalf("MaybeReset: %v", err)
	}
	if r.cleared || len(rec.events) != 0 {
		t.Fatalf("expected reset to be delayed while seccomp-trap flag is set")
	}
}

func TestMaybeResetFiresOnceUnblocked(t *testing.T) {
	s := State{FlushedSyscallbuf: true}
	r := &fakeReader{}
	rec := &fakeRecorder{}

	if err := s.MaybeReset(r, rec); err != nil {
		t.Fatalf("MaybeReset: %v", err)
	}
	if !r.cleared {
		t.Fatalf("expected header record count cleared")
	}
	if len(rec.events) != 1 || rec.events[0].Kind != event.SyscallbufReset {
		t.Fatalf("expected one syscallbuf-reset event")
	}
	if s.FlushedSyscallbuf {
		t.Fatalf("expected FlushedSyscallbuf cleared after reset")
	}
}
