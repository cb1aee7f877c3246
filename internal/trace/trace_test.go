package trace

import (
	"path/filepath"
	"testing"

	"github.com/rdebug/rd/internal/event"
)

func TestOpenRejectsSecondWriterOnSameDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace")

	w1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer w1.Close()

	if _, err := Open(dir); err == nil {
		t.Fatalf("expected a second Open of the same trace dir to fail while locked")
	}
}

func TestWriteFrameAdvancesLogicalTime(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace")
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if w.Time() != 0 {
		t.Fatalf("expected logical time to start at 0, got %d", w.Time())
	}
	if err := w.RecordEvent(event.Event{Kind: event.Noop}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if w.Time() != 1 {
		t.Fatalf("expected logical time to advance to 1, got %d", w.Time())
	}
}

func TestRecordBytesAcceptsNullAddress(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trace")
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.RecordBytes(0, nil); err != nil {
		t.Fatalf("RecordBytes with null address: %v", err)
	}
}
