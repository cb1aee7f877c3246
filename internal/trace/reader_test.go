package trace

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rdebug/rd/internal/arch"
	"github.com/rdebug/rd/internal/event"
)

func TestReaderRoundTripsWrittenFrames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace")
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var regs arch.Registers
	regs.SetArch(arch.X8664)
	regs.SetIP(0x4000)
	if err := w.WriteFrame(7, event.Event{Kind: event.Syscall, RecordRegs: true}, &regs, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.RecordEvent(event.Event{Kind: event.Exit}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next (first frame): %v", err)
	}
	if first.Tid != 7 || first.Event.Kind != event.Syscall {
		t.Fatalf("unexpected first frame: %+v", first)
	}
	if first.Regs == nil || first.Regs.IP() != 0x4000 {
		t.Fatalf("expected decoded registers with IP 0x4000, got %+v", first.Regs)
	}

	second, err := r.Next()
	if err != nil {
		t.Fatalf("Next (second frame): %v", err)
	}
	if second.Event.Kind != event.Exit || second.Regs != nil {
		t.Fatalf("unexpected second frame: %+v", second)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after the last frame, got %v", err)
	}
}

func TestOpenReaderRejectsMissingDirectory(t *testing.T) {
	if _, err := OpenReader(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatalf("expected an error opening a nonexistent trace directory")
	}
}
