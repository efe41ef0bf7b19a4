//go:build linux

package irq

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinPriority lowers (negative is higher priority) the calling
// goroutine's OS thread niceness so the drain loop gets a stable
// priority relative to other goroutines, mirroring the raw
// golang.org/x/sys/unix syscall style the rest of this corpus uses for
// platform-specific hardware access (e.g. inotify in cmd/controller).
//
// This pins a niceness, not a real-time scheduling class: Go's runtime
// multiplexes goroutines onto OS threads, so a true SCHED_FIFO pin would
// require locking to an OS thread first. Niceness is the portable
// approximation available without runtime.LockOSThread.
func pinPriority(p Priority) error {
	nice := 0
	switch p {
	case PriorityHigh:
		nice = -5
	case PriorityNormal:
		nice = 0
	}
	if nice == 0 {
		return nil
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, nice); err != nil {
		return fmt.Errorf("irq: setpriority: %w", err)
	}
	return nil
}
