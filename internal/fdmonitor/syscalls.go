package fdmonitor

import "golang.org/x/sys/unix"

// The syscall numbers LazyOffset needs to distinguish explicit from
// implicit file offsets (§4.7), pinned to the x86-64 table since the
// tracer always decodes syscall numbers in the tracee's own calling
// convention via internal/arch before reaching this package.
const (
	syscallWrite    = unix.SYS_WRITE
	syscallWritev   = unix.SYS_WRITEV
	syscallPwrite64 = unix.SYS_PWRITE64
	syscallPwritev  = unix.SYS_PWRITEV
	syscallPread64  = unix.SYS_PREAD64
	syscallPreadv   = unix.SYS_PREADV
)
