package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/rdebug/rd/internal/event"
	"github.com/rdebug/rd/internal/syscallbuf"
)

// TerminateRecording flushes every live task's syscallbuf, writes a
// termination record to the trace, and closes the trace writer. Don't
// call RecordStep after this (§4.6 "terminate_recording").
func (s *Session) TerminateRecording() error {
	var g errgroup.Group
	var traceMu sync.Mutex
	for _, rt := range s.tasks {
		rt := rt
		g.Go(func() error {
			traceMu.Lock()
			defer traceMu.Unlock()
			return s.flushFinalSyscallbuf(rt)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flush syscallbufs at termination: %w", err)
	}

	if s.opts.WaitForAll {
		if err := s.reapRemainingChildren(); err != nil {
			return err
		}
	}

	if err := s.trace.RecordEvent(event.Event{Kind: event.Exit}); err != nil {
		return fmt.Errorf("write termination record: %w", err)
	}
	return s.trace.Close()
}

// flushFinalSyscallbuf performs a last MaybeFlush for rt.
// TerminateRecording runs one per task in an errgroup but holds a
// shared lock around each call, since trace.Writer does no locking of
// its own.
func (s *Session) flushFinalSyscallbuf(rt *recordTask) error {
	if rt.Task.Syscallbuf == nil {
		return nil
	}
	var st syscallbuf.State
	st.FlushedNumRecBytes = rt.Task.Syscallbuf.FlushedNumRecBytes
	st.FlushedSyscallbuf = rt.Task.Syscallbuf.FlushedSyscallbuf
	if err := st.MaybeFlush(rt.Task.Events, true, rt, s.trace); err != nil {
		return fmt.Errorf("tid %d: %w", rt.Task.Tid, err)
	}
	return nil
}

// reapRemainingChildren waits for every remaining child to exit. A
// wait4 failure other than ECHILD is treated as transient (the kind of
// brief EINTR/EAGAIN race ptrace wait loops are prone to under load)
// and retried with exponential backoff before giving up.
func (s *Session) reapRemainingChildren() error {
	for {
		var status unix.WaitStatus
		_, err := unix.Wait4(-1, &status, 0, nil)
		switch err {
		case nil:
			continue
		case unix.EINTR:
			continue
		case unix.ECHILD:
			return nil
		default:
			if retryErr := s.retryReap(err); retryErr != nil {
				return retryErr
			}
			continue
		}
	}
}

// retryReap retries a failing wait4(-1, ...) call with exponential
// backoff, bounded so a genuinely wedged reap doesn't hang
// TerminateRecording forever.
func (s *Session) retryReap(cause error) error {
	op := func() error {
		var status unix.WaitStatus
		_, err := unix.Wait4(-1, &status, 0, nil)
		if err == unix.ECHILD {
			return nil
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("reap remaining children after %v: %w", cause, err)
	}
	return nil
}
