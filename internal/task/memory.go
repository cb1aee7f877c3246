package task

import (
	"fmt"
	"io"
)

// Recorder is the trace-writer side of the record_* family (§4.2):
// the task only needs to hand it a byte range to persist.
type Recorder interface {
	RecordBytes(addr uintptr, data []byte) error
}

// ReadBytes reads len(out) bytes from the task's address space at
// addr through its /proc/<tid>/mem file descriptor (opened lazily)
// rather than PTRACE_PEEKDATA round-trips.
func (t *Task) ReadBytes(addr uintptr, out []byte) error {
	if t.memFd < 0 {
		f, err := t.openMemFile()
		if err != nil {
			return fmt.Errorf("open mem file for task %d: %w", t.Tid, err)
		}
		t.memFd = int(f.Fd())
		t.memFile = f
	}
	n, err := t.memFile.ReadAt(out, int64(addr))
	if err != nil && err != io.EOF {
		return fmt.Errorf("read %d bytes at %#x: %w", len(out), addr, err)
	}
	if n != len(out) {
		return fmt.Errorf("short read at %#x: got %d of %d bytes", addr, n, len(out))
	}
	return nil
}

// WriteBytes writes data into the task's address space at addr,
// through the same lazily-opened /proc/<tid>/mem descriptor ReadBytes
// uses.
func (t *Task) WriteBytes(addr uintptr, data []byte) error {
	if t.memFd < 0 {
		f, err := t.openMemFile()
		if err != nil {
			return fmt.Errorf("open mem file for task %d: %w", t.Tid, err)
		}
		t.memFd = int(f.Fd())
		t.memFile = f
	}
	n, err := t.memFile.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("write %d bytes at %#x: %w", len(data), addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write at %#x: wrote %d of %d bytes", addr, n, len(data))
	}
	return nil
}

// WriteUint32 writes a single little-endian uint32 at addr, the
// operation the syscallbuf reset path uses to zero the preload
// library's NumRecBytes header field in the tracee's shared memory.
func (t *Task) WriteUint32(addr uintptr, v uint32) error {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	return t.WriteBytes(addr, buf[:])
}

// RecordBytes saves the len(size)-byte range at addr to rec. A null
// address is a no-op: nothing is recorded, matching the "null address
// produces no record" rule (§4.2). Use RecordBytesEvenIfNull to force
// a zero-length record for a null address.
func (t *Task) RecordBytes(rec Recorder, addr uintptr, size int) error {
	if addr == 0 {
		return nil
	}
	return t.RecordBytesEvenIfNull(rec, addr, size)
}

// RecordBytesEvenIfNull is RecordBytes but always emits a record, a
// zero-length one if addr is null.
func (t *Task) RecordBytesEvenIfNull(rec Recorder, addr uintptr, size int) error {
	if addr == 0 || size == 0 {
		return rec.RecordBytes(addr, nil)
	}
	buf := make([]byte, size)
	if err := t.ReadBytes(addr, buf); err != nil {
		return err
	}
	return rec.RecordBytes(addr, buf)
}
