// Package ticks implements the deterministic tick source (§2, §4.3,
// §4.4): a hardware performance-counter driver that arms/disarms a
// per-task overflow signal, used both for scheduler timeslicing and for
// desched detection around buffered syscalls.
package ticks

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Semantics identifies which hardware event ticks are counted with.
// The original tool counts retired conditional branches rather than
// raw instructions, because branch counts are far more stable across
// kernel/microarchitecture versions for replay purposes.
type Semantics int

// Supported tick semantics.
const (
	// RetiredConditionalBranches counts
	// PERF_COUNT_HW_BRANCH_INSTRUCTIONS, the only semantics needed for
	// bit-identical replay.
	RetiredConditionalBranches Semantics = iota
)

// Count is a tick count: number of retired events since some
// reference point. Always non-negative in practice.
type Count int64

const (
	bitDisabled  uint64 = 1 << 0
	bitExcludeHV uint64 = 1 << 6
)

// Counter is a single per-task performance counter, armed with an
// overflow signal that fires after a configured number of ticks.
type Counter struct {
	fd int
}

// Open creates and arms a new counter for tid, configured to deliver
// overflowSignal after period ticks (period == 0 disarms delivery,
// used for pure counting without interrupts). The counter starts
// disabled; call Enable to start counting.
func Open(tid int32, period uint64, overflowSignal unix.Signal) (*Counter, error) {
	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Config: unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS,
		Bits:   bitDisabled | bitExcludeHV,
		Sample: period,
		Wakeup: 1,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, err := unix.PerfEventOpen(&attr, int(tid), -1 /* any cpu */, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open: %w", err)
	}
	c := &Counter{fd: fd}

	if period != 0 {
		if err := c.setSignalDelivery(tid, overflowSignal); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Counter) setSignalDelivery(tid int32, sig unix.Signal) error {
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, unix.O_ASYNC); err != nil {
		return fmt.Errorf("fcntl F_SETFL O_ASYNC: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETSIG, int(sig)); err != nil {
		return fmt.Errorf("fcntl F_SETSIG: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(c.fd), unix.F_SETOWN, int(tid)); err != nil {
		return fmt.Errorf("fcntl F_SETOWN: %w", err)
	}
	return nil
}

// Enable starts the counter.
func (c *Counter) Enable() error { return ioctlNoArg(c.fd, unix.PERF_EVENT_IOC_ENABLE) }

// Disable stops the counter without resetting its value.
func (c *Counter) Disable() error { return ioctlNoArg(c.fd, unix.PERF_EVENT_IOC_DISABLE) }

// Reset zeroes the counter's accumulated value.
func (c *Counter) Reset() error { return ioctlNoArg(c.fd, unix.PERF_EVENT_IOC_RESET) }

// SetPeriod rearms the overflow interrupt for period ticks from now,
// used by the scheduler to request "interrupt me after N ticks" ahead
// of resuming a task (§4.5).
func (c *Counter) SetPeriod(period uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), unix.PERF_EVENT_IOC_PERIOD, uintptr(unsafe.Pointer(&period)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Read returns the counter's current accumulated value.
func (c *Counter) Read() (Count, error) {
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 8 {
		return 0, fmt.Errorf("short perf counter read: %d bytes", n)
	}
	v := int64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | int64(buf[i])
	}
	return Count(v), nil
}

// Close releases the counter's file descriptor.
func (c *Counter) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

func ioctlNoArg(fd int, req uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
