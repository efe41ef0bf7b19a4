package scheduler

import "seedhammer.com/beacon/clock"

// TimerID identifies a single registration inside a Scheduler's timer set.
// The rewrite models timers as a value plus a stable id instead of the
// source's raw back-references (see DESIGN.md, "cyclic references").
type TimerID uint64

// timerRecord is the scheduler's internal payload for one registered timer.
// Only the main thread mutates a timerRecord once it is registered.
type timerRecord struct {
	id           TimerID
	name         string
	expiry       clock.Time
	registeredAt clock.Time
	seq          uint64
	interval     clock.Duration // 0 if one-shot
	rigid        bool           // re-arm by expiry+=interval rather than now+interval
	snap         clock.Duration // 0 if no grid-snap
	fn           func()
	cancelled    bool
	index        int // heap index, maintained by container/heap
}

func (r *timerRecord) isInterval() bool { return r.interval != 0 }

func snapUp(t clock.Time, quantum clock.Duration) clock.Time {
	if quantum <= 0 {
		return t
	}
	r := int64(t) % int64(quantum)
	if r == 0 {
		return t
	}
	return t + clock.Time(int64(quantum)-r)
}

// timerHeap is a container/heap min-heap ordered by the strict total order
// spec.md demands: earliest expiry first, ties broken by earlier
// registration, then by registration sequence. Two distinct timers never
// compare equal because seq is unique across the whole scheduler.
type timerHeap []*timerRecord

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.expiry != b.expiry {
		return a.expiry < b.expiry
	}
	if a.registeredAt != b.registeredAt {
		return a.registeredAt < b.registeredAt
	}
	return a.seq < b.seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	r := x.(*timerRecord)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// Timer is a handle to a single timer registration. Cancel is idempotent;
// calling it more than once, or after the timer has already fired and was
// not re-armed, is a no-op.
type Timer struct {
	s  *Scheduler
	id TimerID
}

// Cancel removes the timer, if still registered, and suppresses any
// automatic interval re-arm that would otherwise happen when the current
// callback invocation (if any) returns.
func (t *Timer) Cancel() {
	t.s.cancel(t.id)
}

// Pending reports whether the timer is still registered (armed or in the
// middle of firing and eligible to re-arm).
func (t *Timer) Pending() bool {
	return t.s.pending(t.id)
}

// TimerOption customizes a timer at registration time.
type TimerOption func(*timerRecord)

// WithSnap rounds the timer's expiry up to the next multiple of quantum
// before it is registered. For interval timers the same quantum is
// reapplied on every non-rigid re-arm so the timer keeps its snapped phase;
// rigid re-arms already preserve phase by construction and are not
// re-snapped.
func WithSnap(quantum clock.Duration) TimerOption {
	return func(r *timerRecord) { r.snap = quantum }
}
