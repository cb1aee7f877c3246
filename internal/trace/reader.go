package trace

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
)

// Frame is one decoded trace record, the read side of frameWire: a
// full replay engine is out of scope (§ Non-goals), but the
// dump-trace/ps debug commands need to walk a trace's frames without
// one.
type Frame struct {
	Time  uint64
	Tid   int32
	Event event.Event
	// Regs is non-nil only for frames WriteFrame recorded registers
	// for.
	Regs *arch.Registers
}

// Reader sequentially decodes a trace directory's event stream,
// mirroring Writer on the read side.
type Reader struct {
	file    *os.File
	decoder *gob.Decoder
	uuid    UUID
}

// OpenReader opens dir for sequential frame reading. Unlike Open, this
// takes no lock: reading a trace that a concurrent `rd record` is
// still appending to is allowed, since gob's stream framing makes a
// partial trailing frame simply fail to decode rather than corrupt
// earlier ones.
func OpenReader(dir string) (*Reader, error) {
	uuidBytes, err := os.ReadFile(filepath.Join(dir, "uuid"))
	if err != nil {
		return nil, fmt.Errorf("read trace uuid: %w", err)
	}
	var uuid UUID
	if len(uuidBytes) != len(uuid) {
		return nil, fmt.Errorf("trace uuid file %s: want %d bytes, got %d", dir, len(uuid), len(uuidBytes))
	}
	copy(uuid[:], uuidBytes)

	f, err := os.Open(filepath.Join(dir, "events"))
	if err != nil {
		return nil, fmt.Errorf("open trace events: %w", err)
	}
	return &Reader{file: f, decoder: gob.NewDecoder(f), uuid: uuid}, nil
}

// UUID returns the trace's random identifier.
func (r *Reader) UUID() UUID { return r.uuid }

// Next decodes the next frame in the stream, returning io.EOF once
// every frame has been read.
func (r *Reader) Next() (Frame, error) {
	var wire frameWire
	if err := r.decoder.Decode(&wire); err != nil {
		return Frame{}, err
	}
	f := Frame{Time: wire.Time, Tid: wire.Tid, Event: wire.Event}
	if wire.HasRegs {
		var regs arch.Registers
		regs.SetArch(wire.Arch)
		*regs.Raw() = wire.Regs
		f.Regs = &regs
	}
	return f, nil
}

// Close releases the reader's open file handle.
func (r *Reader) Close() error { return r.file.Close() }
