//go:build !linux

package irq

// pinPriority is a no-op on platforms without the Linux priority
// syscalls; the drain goroutine still runs, just without a scheduling
// priority hint.
func pinPriority(p Priority) error { return nil }
