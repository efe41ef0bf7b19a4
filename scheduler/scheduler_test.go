package scheduler

import (
	"testing"
	"time"

	"seedhammer.com/beacon/clock"
)

// fakeClock lets tests control monotonic time explicitly instead of racing
// against the wall clock.
type fakeClock struct {
	now uint64
}

func (f *fakeClock) source() uint64 { return f.now }

func newFakeMono() (*clock.Monotonic, *fakeClock) {
	fc := &fakeClock{}
	return clock.NewMonotonic(fc.source), fc
}

func TestOrderingDeterministicSteps(t *testing.T) {
	mono, fc := newFakeMono()
	s := New(mono)
	var order []string
	s.TimeoutAt("a", 10, func() { order = append(order, "a") })
	s.TimeoutAt("b", 20, func() { order = append(order, "b") })

	fc.now = 20
	s.Step() // fires a (earliest expiry <= now)
	s.Step() // fires b
	if got := order; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("order = %v, want [a b]", got)
	}
}

func TestTieBreakByRegistrationOrder(t *testing.T) {
	mono, fc := newFakeMono()
	s := New(mono)
	var order []string
	s.TimeoutAt("first", 100, func() { order = append(order, "first") })
	s.TimeoutAt("second", 100, func() { order = append(order, "second") })

	fc.now = 100
	s.Step()
	s.Step()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v, want [first second]", order)
	}
}

func TestZeroDelayBeforeLaterTimer(t *testing.T) {
	mono, _ := newFakeMono()
	s := New(mono)
	var order []string
	s.TimeoutIn("ten", 10, func() { order = append(order, "ten") })
	s.TimeoutIn("zero", 0, func() { order = append(order, "zero") })

	s.Step()
	if len(order) != 1 || order[0] != "zero" {
		t.Fatalf("order = %v, want [zero] after first step", order)
	}
}

func TestIntervalRigidPreservesPhase(t *testing.T) {
	mono, fc := newFakeMono()
	s := New(mono)
	var fires []clock.Time
	s.TimeoutIntervalRigid("tick", 1000, 1000, func() {
		fires = append(fires, mono.Now())
	})

	// Fire #1 a bit late (processing delay emulated by advancing fc
	// further than the nominal expiry before Step observes it).
	fc.now = 1300
	s.Step()
	// Fire #2 should still land at T0 + 2*1000 regardless of the first
	// fire's lateness.
	fc.now = 2000
	s.Step()
	fc.now = 3000
	s.Step()

	want := []clock.Time{1300, 2000, 3000}
	if len(fires) != 3 {
		t.Fatalf("fires = %v, want 3 entries", fires)
	}
	for i, w := range want {
		if fires[i] != w {
			t.Fatalf("fire[%d] = %d, want %d", i, fires[i], w)
		}
	}
}

func TestIntervalNonRigidRearmsFromNow(t *testing.T) {
	mono, fc := newFakeMono()
	s := New(mono)
	var fires int
	s.TimeoutInterval("tick", 1000, 1000, func() { fires++ })

	fc.now = 5000 // way late
	s.Step()
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
	// Non-rigid rearm is now+interval = 5000+1000 = 6000, not 2000.
	fc.now = 5999
	s.Step()
	if fires != 1 {
		t.Fatalf("fires = %d after 5999, want still 1", fires)
	}
	fc.now = 6000
	s.Step()
	if fires != 2 {
		t.Fatalf("fires = %d after 6000, want 2", fires)
	}
}

func TestCancelSuppressesRearm(t *testing.T) {
	mono, fc := newFakeMono()
	s := New(mono)
	var fires int
	var timer *Timer
	timer = s.TimeoutIntervalRigid("tick", 1000, 0, func() {
		fires++
		timer.Cancel()
	})

	fc.now = 0
	s.Step()
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
	if timer.Pending() {
		t.Fatal("timer should not be pending after self-cancel")
	}
	if len(s.timers) != 0 {
		t.Fatalf("timer heap = %d entries, want 0 (no rearm after cancel)", len(s.timers))
	}
}

func TestCancelIdempotent(t *testing.T) {
	mono, _ := newFakeMono()
	s := New(mono)
	timer := s.TimeoutIn("x", 10, func() {})
	timer.Cancel()
	timer.Cancel() // must not panic or misbehave
	if timer.Pending() {
		t.Fatal("expected not pending")
	}
}

func TestSnapRoundsUpExpiry(t *testing.T) {
	mono, _ := newFakeMono()
	s := New(mono)
	s.TimeoutAt("snapped", 1250, func() {}, WithSnap(1000))
	// 1250 snapped to next multiple of 1000 is 2000.
	fireAt := s.timers[0].expiry
	if fireAt != 2000 {
		t.Fatalf("snapped expiry = %d, want 2000", fireAt)
	}
}

func TestHighPriorityQueueBounded(t *testing.T) {
	mono, _ := newFakeMono()
	s := New(mono)
	s.high = newHighQueue(3)
	for i := 0; i < 3; i++ {
		if !s.QueueWork("w", func() {}) {
			t.Fatalf("push %d should have succeeded", i)
		}
	}
	if s.QueueWork("w", func() {}) {
		t.Fatal("4th push into a 3-capacity queue should fail")
	}
	if got := s.high.len(); got != 3 {
		t.Fatalf("queue size = %d, want 3", got)
	}
}

func TestLowPriorityOverflowEvictsOldest(t *testing.T) {
	mono, _ := newFakeMono()
	s := New(mono)
	s.low = newLowQueue(50)
	var ran []int
	for i := 0; i < 51; i++ {
		i := i
		s.QueueLowPriorityWork("w", func() { ran = append(ran, i) })
	}
	if got := s.low.overflowCount(); got != 1 {
		t.Fatalf("overflow = %d, want 1", got)
	}
	if got := s.low.len(); got != 50 {
		t.Fatalf("queue size = %d, want 50", got)
	}
	for i := 0; i < 20 && s.low.len() > 0; i++ {
		s.Step()
	}
	if len(ran) != 50 || ran[0] != 1 || ran[49] != 50 {
		t.Fatalf("ran = %v, want items 1..50 in order", ran)
	}
}

func TestClearLowPriorityByLabel(t *testing.T) {
	mono, _ := newFakeMono()
	s := New(mono)
	s.QueueLowPriorityWork("keep", func() {})
	s.QueueLowPriorityWork("drop", func() {})
	s.QueueLowPriorityWork("keep", func() {})
	s.QueueLowPriorityWork("drop", func() {})

	n := s.ClearLowPriorityByLabel("drop")
	if n != 2 {
		t.Fatalf("removed = %d, want 2", n)
	}
	if got := s.low.len(); got != 2 {
		t.Fatalf("remaining = %d, want 2", got)
	}
}

func TestSkippedSleepCountsNonBlockingIterationsOnly(t *testing.T) {
	mono, _ := newFakeMono()
	s := New(mono)

	// An iteration that finds work to do never blocks; it counts as a
	// skipped sleep.
	s.QueueWork("w", func() {})
	s.Step()
	totals, _ := s.Stats()
	if totals.SkippedSleep != 1 {
		t.Fatalf("SkippedSleep = %d after work iteration, want 1", totals.SkippedSleep)
	}

	// An iteration with nothing queued and no timers genuinely blocks on
	// the semaphore until woken; that is not a skipped sleep.
	s.wake()
	s.Step()
	totals, _ = s.Stats()
	if totals.SkippedSleep != 1 {
		t.Fatalf("SkippedSleep = %d after a blocking iteration, want still 1", totals.SkippedSleep)
	}
}

func TestRunForStopsAfterDuration(t *testing.T) {
	mono := clock.NewMonotonic(func() uint64 { return uint64(time.Now().UnixMicro()) })
	s := New(mono)
	start := time.Now()
	s.RunFor(5 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("RunFor took %v, way longer than the 5ms budget", elapsed)
	}
}
