// Package trace implements the record engine's side of the trace
// stream: a framed append of events, register snapshots, and
// memory-region records, plus the trace directory's locking and UUID
// (§4.1, §3 "Session"). The wire container format itself is treated
// as an external collaborator (a typed append-only event log with
// seek indices is assumed to already exist); this package provides
// just enough framing and directory bookkeeping for the record loop
// to drive it.
package trace

import (
	"bufio"
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
)

// UUID is the random identifier stamped into a trace directory at
// creation, letting replay verify it is reading the trace it thinks
// it is.
type UUID [16]byte

// NewUUID returns a freshly generated random trace UUID.
func NewUUID() (UUID, error) {
	var u UUID
	if _, err := rand.Read(u[:]); err != nil {
		return UUID{}, fmt.Errorf("generate trace uuid: %w", err)
	}
	return u, nil
}

// MemoryRecord is an emitted memory-range snapshot, produced by the
// record_* family (internal/task.RecordBytes) and by memory-dump or
// checksum policies.
type MemoryRecord struct {
	Time uint64
	Tid  int32
	Addr uintptr
	Data []byte
}

// frameWire is Frame's on-the-wire shape; registers travel as the raw
// unix.PtraceRegs struct (all exported fields, so gob can encode it
// directly) and the extended-register byte blob.
type frameWire struct {
	Time     uint64
	Tid      int32
	Event    event.Event
	HasRegs  bool
	Regs     unix.PtraceRegs
	Arch     arch.Arch
	HasExtra bool
	ExtraRaw []byte
}

// Writer appends frames and memory records to the trace stream. It is
// the session's sole persisted-output path (§2 "all persisted output
// goes through the trace writer").
type Writer struct {
	dir  string
	lock *flock.Flock

	events       *gob.Encoder
	data         *gob.Encoder
	eventsBuf    *bufio.Writer
	dataBuf      *bufio.Writer

	eventsFile *os.File
	dataFile   *os.File

	logicalTime uint64
	uuid        UUID
}

// Open creates (or truncates) a trace directory at dir, acquiring an
// exclusive lock so two recordings never interleave into the same
// directory, and writes the directory's UUID.
func Open(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace dir %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock trace dir %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("trace dir %s is already locked by another recording", dir)
	}

	uuid, err := NewUUID()
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "uuid"), uuid[:], 0644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("write trace uuid: %w", err)
	}

	eventsFile, err := os.Create(filepath.Join(dir, "events"))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("create events file: %w", err)
	}
	dataFile, err := os.Create(filepath.Join(dir, "data"))
	if err != nil {
		eventsFile.Close()
		lock.Unlock()
		return nil, fmt.Errorf("create data file: %w", err)
	}

	eventsBuf := bufio.NewWriter(eventsFile)
	dataBuf := bufio.NewWriter(dataFile)

	return &Writer{
		dir:        dir,
		lock:       lock,
		events:     gob.NewEncoder(eventsBuf),
		data:       gob.NewEncoder(dataBuf),
		eventsBuf:  eventsBuf,
		dataBuf:    dataBuf,
		eventsFile: eventsFile,
		dataFile:   dataFile,
		uuid:       uuid,
	}, nil
}

// Time returns the writer's current global logical time, incremented
// by one on every WriteFrame.
func (w *Writer) Time() uint64 { return w.logicalTime }

// UUID returns the trace's random identifier.
func (w *Writer) UUID() UUID { return w.uuid }

// WriteFrame appends ev for tid at the current logical time, including
// regs/extraRegs if ev's recording flags request them (§4.1 step 4-5),
// and advances the logical clock.
func (w *Writer) WriteFrame(tid int32, ev event.Event, regs *arch.Registers, extraRegs *arch.ExtraRegisters) error {
	w.logicalTime++

	wire := frameWire{
		Time:  w.logicalTime,
		Tid:   tid,
		Event: ev,
	}
	if ev.RecordRegs && regs != nil {
		wire.HasRegs = true
		wire.Regs = *regs.Raw()
		wire.Arch = regs.Arch()
	}
	if ev.RecordExtraRegs && extraRegs != nil {
		wire.HasExtra = true
		wire.ExtraRaw = append([]byte(nil), extraRegs.Bytes()...)
	}

	if err := w.events.Encode(wire); err != nil {
		return fmt.Errorf("write trace frame: %w", err)
	}
	return nil
}

// RecordBytes implements internal/task.Recorder: it appends a
// memory-region record to the data
// stream at the writer's current logical time. A nil data slice with
// addr == 0 still produces a zero-length record, matching the
// record_*-family "even if null" contract.
func (w *Writer) RecordBytes(addr uintptr, data []byte) error {
	rec := MemoryRecord{
		Time: w.logicalTime,
		Addr: addr,
		Data: data,
	}
	if err := w.data.Encode(rec); err != nil {
		return fmt.Errorf("write memory record: %w", err)
	}
	return nil
}

// RecordEvent implements internal/syscallbuf.Recorder by writing a
// frame with no associated tid-specific register snapshot; callers
// needing registers attached use WriteFrame directly.
func (w *Writer) RecordEvent(ev event.Event) error {
	return w.WriteFrame(0, ev, nil, nil)
}

// Close flushes and closes the trace's files and releases its
// directory lock.
func (w *Writer) Close() error {
	var firstErr error
	for _, b := range []*bufio.Writer{w.eventsBuf, w.dataBuf} {
		if err := b.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range []*os.File{w.eventsFile, w.dataFile} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

