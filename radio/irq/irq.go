// Package irq provides the software side of the two-stage IRQ bounce
// spec.md §4.D and §5 require: a capacity-bounded FIFO plus the
// goroutine draining it, pinned to a stable scheduling priority so it
// behaves like the "software-IRQ priority" level the spec describes
// sitting between true hardware interrupt context and the cooperative
// main thread.
package irq

import "seedhammer.com/beacon/internal/trace"

// Priority is a coarse software-IRQ priority level. Higher values pin
// more aggressively relative to the scheduler's main thread.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Bounce is a small fixed-capacity FIFO of pending callbacks plus the
// goroutine that drains it, standing in for a hardware soft-IRQ queue.
type Bounce struct {
	queue chan func()
	done  chan struct{}
}

// New starts a Bounce with the given queue capacity and priority.
func New(capacity int, priority Priority) *Bounce {
	b := &Bounce{
		queue: make(chan func(), capacity),
		done:  make(chan struct{}),
	}
	go b.run(priority)
	return b
}

func (b *Bounce) run(priority Priority) {
	if err := pinPriority(priority); err != nil {
		trace.Debugf("irq: pin priority: %v", err)
	}
	for {
		select {
		case fn := <-b.queue:
			fn()
		case <-b.done:
			return
		}
	}
}

// Push enqueues fn for the drain goroutine. It never blocks: a full
// queue drops fn and Push returns false.
func (b *Bounce) Push(fn func()) bool {
	select {
	case b.queue <- fn:
		return true
	default:
		return false
	}
}

// Close stops the drain goroutine.
func (b *Bounce) Close() {
	close(b.done)
}
