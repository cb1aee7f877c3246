// Package hosttid gives the calling goroutine's underlying OS thread
// id, which must be stable across a sequence of ptrace calls since
// ptrace attaches to a specific thread, not a process.
package hosttid

import "golang.org/x/sys/unix"

// Current returns the kernel tid of the OS thread the calling
// goroutine is presently running on. The caller must have locked the
// goroutine to its OS thread (runtime.LockOSThread) for this value to
// remain meaningful across subsequent calls.
func Current() int32 {
	return int32(unix.Gettid())
}
