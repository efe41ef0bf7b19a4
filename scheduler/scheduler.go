// Package scheduler implements the core's cooperative single-threaded event
// scheduler: an ordered timer set, a bounded high-priority work queue, an
// overflow-safe low-priority work queue, and a main loop that blocks on a
// semaphore when there is nothing to do. See spec.md §4.B/§4.C.
package scheduler

import (
	"container/heap"
	"sync/atomic"
	"time"

	"seedhammer.com/beacon/clock"
	"seedhammer.com/beacon/internal/trace"
)

// Bounded work-per-iteration limits. Tunable, but the policy of draining a
// fixed number of high/low work items and firing a fixed number of timers
// per loop is what prevents starvation between ISR-queued work and timers.
const (
	DefaultHighDrain  = 4
	DefaultLowDrain   = 4
	DefaultTimerDrain = 1

	// DefaultHighCapacity is the design point from spec.md §4.B: the
	// high-priority queue must never overflow silently, so producers need
	// enough headroom that a full queue is a real signal, not routine.
	DefaultHighCapacity = 64
	DefaultLowCapacity  = 50
)

// Scheduler owns the timer set, both work queues, and the main loop. All
// structural mutation of the timer set happens on the goroutine that calls
// Run/RunFor/Step; ISRs and other goroutines may only call QueueWork or
// QueueLowPriorityWork. Timer registration and a Timer's Cancel modify the
// timer set immediately and without locking, so they belong on that same
// goroutine -- see spec.md §5.
type Scheduler struct {
	mono *clock.Monotonic

	high *highQueue
	low  *lowQueue

	timers  timerHeap
	byID    map[TimerID]*timerRecord
	nextID  uint64
	nextSeq uint64

	sem chan struct{}

	highDrain  int
	lowDrain   int
	timerDrain int

	keepRunning bool
	totals      PhaseStats
	ring        statsRing
}

// New builds a Scheduler over mono with the default queue capacities and
// drain limits.
func New(mono *clock.Monotonic) *Scheduler {
	return &Scheduler{
		mono:       mono,
		high:       newHighQueue(DefaultHighCapacity),
		low:        newLowQueue(DefaultLowCapacity),
		byID:       make(map[TimerID]*timerRecord),
		sem:        make(chan struct{}, 1),
		highDrain:  DefaultHighDrain,
		lowDrain:   DefaultLowDrain,
		timerDrain: DefaultTimerDrain,
	}
}

// wake raises the semaphore, coalescing with any pending wake.
func (s *Scheduler) wake() {
	select {
	case s.sem <- struct{}{}:
	default:
	}
}

// QueueWork enqueues high-priority work, the only path ISRs should use to
// reach the main thread for urgent work. It returns false, without
// blocking or allocating, if the bounded queue is full; the producer
// decides the loss policy.
func (s *Scheduler) QueueWork(label string, fn func()) bool {
	ok := s.high.push(WorkItem{Label: label, Fn: fn})
	s.wake()
	return ok
}

// QueueLowPriorityWork enqueues low-priority work. On overflow the oldest
// queued item is silently dropped and the overflow stat is incremented;
// this call never fails.
func (s *Scheduler) QueueLowPriorityWork(label string, fn func()) {
	s.low.push(WorkItem{Label: label, Fn: fn})
	s.wake()
}

// ClearLowPriorityByLabel removes every queued low-priority item whose
// label equals label (value equality, not the source's pointer equality;
// see spec.md §9) and returns the count removed.
func (s *Scheduler) ClearLowPriorityByLabel(label string) uint32 {
	return s.low.clearByLabel(label)
}

func (s *Scheduler) allocID() TimerID {
	return TimerID(atomic.AddUint64(&s.nextID, 1))
}

func (s *Scheduler) allocSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

func (s *Scheduler) register(label string, expiry clock.Time, interval clock.Duration, rigid bool, fn func(), opts []TimerOption) *Timer {
	r := &timerRecord{
		id:   s.allocID(),
		name: label,
		fn:   fn,
	}
	for _, opt := range opts {
		opt(r)
	}
	now := s.mono.Now()
	r.expiry = snapUp(expiry, r.snap)
	r.registeredAt = now
	r.seq = s.allocSeq()
	r.interval = interval
	r.rigid = rigid
	heap.Push(&s.timers, r)
	s.byID[r.id] = r
	s.wake()
	return &Timer{s: s, id: r.id}
}

// TimeoutAt registers a one-shot timer firing at the absolute monotonic
// time at.
func (s *Scheduler) TimeoutAt(label string, at clock.Time, fn func(), opts ...TimerOption) *Timer {
	return s.register(label, at, 0, false, fn, opts)
}

// TimeoutIn registers a one-shot timer firing d after now.
func (s *Scheduler) TimeoutIn(label string, d clock.Duration, fn func(), opts ...TimerOption) *Timer {
	return s.register(label, s.mono.Now().Add(d), 0, false, fn, opts)
}

// TimeoutInterval registers a periodic timer, first firing firstIn after
// now and re-arming by now+interval on every subsequent fire: a late fire
// shifts every later fire by the same lateness, so cadence drifts under
// load.
func (s *Scheduler) TimeoutInterval(label string, interval, firstIn clock.Duration, fn func(), opts ...TimerOption) *Timer {
	return s.register(label, s.mono.Now().Add(firstIn), interval, false, fn, opts)
}

// TimeoutIntervalRigid registers a periodic timer that re-arms by
// expiry+=interval, preserving phase even when a fire runs late (bounded
// drift, not bounded lateness).
func (s *Scheduler) TimeoutIntervalRigid(label string, interval, firstIn clock.Duration, fn func(), opts ...TimerOption) *Timer {
	return s.register(label, s.mono.Now().Add(firstIn), interval, true, fn, opts)
}

func (s *Scheduler) cancel(id TimerID) {
	r, ok := s.byID[id]
	if !ok {
		return
	}
	r.cancelled = true
	if r.index >= 0 && r.index < len(s.timers) && s.timers[r.index] == r {
		heap.Remove(&s.timers, r.index)
	}
	delete(s.byID, id)
}

func (s *Scheduler) pending(id TimerID) bool {
	r, ok := s.byID[id]
	return ok && !r.cancelled
}

// rearm re-inserts a record that just fired and is periodic, unless it was
// cancelled during its own callback.
func (s *Scheduler) rearm(r *timerRecord) {
	if r.cancelled {
		delete(s.byID, r.id)
		return
	}
	if r.rigid {
		r.expiry = r.expiry.Add(r.interval)
	} else {
		r.expiry = snapUp(s.mono.Now().Add(r.interval), r.snap)
	}
	r.registeredAt = s.mono.Now()
	r.seq = s.allocSeq()
	heap.Push(&s.timers, r)
}

// Step runs exactly one main-loop iteration: drain up to highDrain
// high-priority items, up to lowDrain low-priority items, fire up to
// timerDrain expired timers, then (if truly idle and a future expiry
// exists) block on the semaphore until that expiry or a wake. With no
// timers and no work it blocks until woken. An iteration that blocked
// returns as soon as it wakes; work queued meanwhile runs on the next Step.
func (s *Scheduler) Step() {
	s.totals.Loops++

	didWork := false
	for i := 0; i < s.highDrain; i++ {
		item, ok := s.high.pop()
		if !ok {
			break
		}
		didWork = true
		s.totals.HandledWork++
		trace.Debugf("scheduler: high work %q", item.Label)
		item.Fn()
	}
	for i := 0; i < s.lowDrain; i++ {
		item, ok := s.low.pop()
		if !ok {
			break
		}
		didWork = true
		s.totals.HandledLow++
		trace.Debugf("scheduler: low work %q", item.Label)
		item.Fn()
	}

	now := s.mono.Now()
	for i := 0; i < s.timerDrain; i++ {
		if len(s.timers) == 0 || s.timers[0].expiry > now {
			break
		}
		r := heap.Pop(&s.timers).(*timerRecord)
		didWork = true
		s.totals.HandledTimed++
		trace.Debugf("scheduler: timer %q fired", r.name)
		r.fn()
		if r.isInterval() {
			s.rearm(r)
		} else {
			delete(s.byID, r.id)
		}
		now = s.mono.Now()
	}

	moreWork := s.high.len() > 0 || s.low.len() > 0
	moreTimers := len(s.timers) > 0 && s.timers[0].expiry <= now
	if didWork || moreWork || moreTimers {
		s.totals.SkippedSleep++
		return
	}

	if len(s.timers) == 0 {
		// Nothing scheduled; block until woken by new work.
		<-s.sem
		return
	}

	deadline := s.timers[0].expiry
	wait := deadline.Sub(now)
	if wait <= 0 {
		s.totals.SkippedSleep++
		return
	}
	timer := time.NewTimer(time.Duration(wait) * time.Microsecond)
	defer timer.Stop()
	select {
	case <-s.sem:
	case <-timer.C:
	}
	actual := s.mono.Now()
	if actual > deadline {
		s.totals.CountLatentWake++
		s.totals.SumLatentWake += actual.Sub(deadline)
	}
}

// Run drives Step forever.
func (s *Scheduler) Run() {
	s.keepRunning = true
	for s.keepRunning {
		s.Step()
		s.snapshotInto()
	}
}

// RunFor drives Step until d has elapsed, implemented as an internal
// one-shot timer flipping keepRunning, exactly as spec.md §4.B describes.
func (s *Scheduler) RunFor(d time.Duration) {
	us := clock.Duration(d.Microseconds())
	s.TimeoutIn("scheduler.run_for", us, func() {
		s.keepRunning = false
	})
	s.Run()
}

func (s *Scheduler) snapshotInto() {
	snap := s.totals
	snap.HighQueueDepth = s.high.len()
	snap.LowQueueDepth = s.low.len()
	snap.LowOverflow = s.low.overflowCount()
	snap.TimerCount = len(s.timers)
	s.ring.push(snap)
}

// Stats returns the cumulative totals and a ring of prior per-loop
// snapshots, exposed to the shell per spec.md §6.
func (s *Scheduler) Stats() (totals PhaseStats, history []PhaseStats) {
	totals = s.totals
	totals.HighQueueDepth = s.high.len()
	totals.LowQueueDepth = s.low.len()
	totals.LowOverflow = s.low.overflowCount()
	totals.TimerCount = len(s.timers)
	return totals, s.ring.snapshot()
}
