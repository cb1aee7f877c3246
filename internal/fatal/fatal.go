// Package fatal implements the engine's assertion/abort path. Per the
// error handling design, every contract violation in the record path is
// an assertion, not a recoverable error: it aborts after flushing the
// log, with a message naming the offending task's tid and its recorded
// tid. The session's logical time is not part of the message.
package fatal

import (
	"fmt"
	"os"

	"github.com/rdebug/rd/pkg/log"
)

// Described is implemented by anything that can describe itself for an
// assertion message (typically a task).
type Described interface {
	Tid() int32
	RecTid() int32
}

// FlushHook is called before Fatalf aborts the process, so that
// buffered log writers don't lose the final message.
var FlushHook func()

// Assert aborts the process if cond is false. msg is formatted with
// args the same way as fmt.Sprintf.
func Assert(cond bool, who Described, format string, args ...any) {
	if cond {
		return
	}
	Fatalf(who, format, args...)
}

// Fatalf logs and aborts unconditionally, in the same shape as Assert's
// failure path. Used for contract violations that aren't phrased as a
// boolean predicate (impossible register state, failed ptrace calls).
func Fatalf(who Described, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if who != nil {
		log.Errorf("FATAL (tid=%d rec_tid=%d): %s", who.Tid(), who.RecTid(), msg)
	} else {
		log.Errorf("FATAL: %s", msg)
	}
	if FlushHook != nil {
		FlushHook()
	}
	os.Exit(1)
}
