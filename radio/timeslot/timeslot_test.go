package timeslot

import (
	"testing"
	"time"

	"seedhammer.com/beacon/clock"
)

func newTestEngine(t *testing.T) (*Engine, *FakeArbiter) {
	t.Helper()
	fa := NewFakeArbiter()
	mono := clock.NewMonotonic(func() uint64 { return uint64(time.Now().UnixMicro()) })
	e := New(fa, mono, nil)
	t.Cleanup(e.Close)
	return e, fa
}

// waitFor polls a condition for up to a second; used because client
// notifications (OnStart/OnEnd/...) are bounced asynchronously through the
// engine's FIFO drain goroutine, not delivered synchronously from
// handleSignal.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestRequestArmsOnStart(t *testing.T) {
	e, fa := newTestEngine(t)
	s, err := e.OpenSession(Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RequestTimeslots(s, 10_000, 5_000, false); err != nil {
		t.Fatal(err)
	}
	if s.State() != StatePendingStart {
		t.Fatalf("state = %v, want PendingStart", s.State())
	}
	if len(fa.Calls) != 1 || fa.Calls[0] != "request(1,earliest,len=5000)" {
		t.Fatalf("Calls = %v", fa.Calls)
	}

	fa.Deliver(s.ID(), SigStart)
	if s.State() != StateInTimeslot {
		t.Fatalf("state = %v, want InTimeslot", s.State())
	}
	if !fa.Armed(s.ID(), 0) || !fa.Armed(s.ID(), 1) {
		t.Fatalf("expected both TIMER0 channels armed after start")
	}
}

func TestChan0WithoutNextSlotEndsSession(t *testing.T) {
	e, fa := newTestEngine(t)
	var ended, noMore bool
	s, _ := e.OpenSession(Callbacks{
		OnEnd:          func() { ended = true },
		OnNoMoreComing: func() { noMore = true },
	})
	e.RequestTimeslots(s, 10_000, 5_000, false)
	fa.Deliver(s.ID(), SigStart)

	action := fa.Deliver(s.ID(), SigTimer0Chan0)
	if action.Kind != ActionEnd {
		t.Fatalf("action = %+v, want ActionEnd", action)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", s.State())
	}
	waitFor(t, func() bool { return ended && noMore })
}

func TestChan0RequestsNextSlotWhenWanted(t *testing.T) {
	e, fa := newTestEngine(t)
	s, _ := e.OpenSession(Callbacks{
		WantsNextSlot: func() bool { return true },
	})
	e.RequestTimeslots(s, 10_000, 5_000, false)
	fa.Deliver(s.ID(), SigStart)

	action := fa.Deliver(s.ID(), SigTimer0Chan0)
	if action.Kind != ActionRequest {
		t.Fatalf("action = %+v, want ActionRequest", action)
	}
	if action.Request.Type != NormalSlot {
		t.Fatalf("request type = %v, want NormalSlot", action.Request.Type)
	}
	if s.State() != StatePendingStart {
		t.Fatalf("state = %v, want PendingStart", s.State())
	}
}

func TestExtensionFlowReturnsToInTimeslot(t *testing.T) {
	e, fa := newTestEngine(t)
	s, _ := e.OpenSession(Callbacks{})
	s.EnableExtensions()
	e.RequestTimeslots(s, 10_000, 5_000, false)
	fa.Deliver(s.ID(), SigStart)

	action := fa.Deliver(s.ID(), SigTimer0Chan1)
	if action.Kind != ActionExtend || action.ExtendUs != 5_000 {
		t.Fatalf("action = %+v, want Extend(5000)", action)
	}
	if s.State() != StatePendingExtension {
		t.Fatalf("state = %v, want PendingExtension", s.State())
	}

	fa.Deliver(s.ID(), SigExtendSucceeded)
	if s.State() != StateInTimeslot {
		t.Fatalf("state = %v, want InTimeslot after extend succeeded", s.State())
	}
	if fa.ArmCount(s.ID(), 0) != 2 || fa.ArmCount(s.ID(), 1) != 2 {
		t.Fatalf("ArmCount = (%d,%d), want (2,2): extend succeeded must re-arm both channels",
			fa.ArmCount(s.ID(), 0), fa.ArmCount(s.ID(), 1))
	}
	if got := fa.LastArmedUs(s.ID(), 0); got != 5_000-earlyExpireUs {
		t.Fatalf("chan0 re-armed at %d, want %d", got, int64(5_000-earlyExpireUs))
	}
	if got := fa.LastArmedUs(s.ID(), 1); got != 5_000-earlyExpireUs-processingLeadUs {
		t.Fatalf("chan1 re-armed at %d, want %d", got, int64(5_000-earlyExpireUs-processingLeadUs))
	}
}

func TestExtendFailedRerequestsWhenWantedOtherwiseIdles(t *testing.T) {
	e, fa := newTestEngine(t)
	wantNext := true
	s, _ := e.OpenSession(Callbacks{
		WantsNextSlot: func() bool { return wantNext },
	})
	s.EnableExtensions()
	e.RequestTimeslots(s, 10_000, 5_000, false)
	fa.Deliver(s.ID(), SigStart)
	fa.Deliver(s.ID(), SigTimer0Chan1) // -> PendingExtension

	action := fa.Deliver(s.ID(), SigExtendFailed)
	if action.Kind != ActionRequest {
		t.Fatalf("action = %+v, want ActionRequest on EXTEND_FAILED with WantsNextSlot", action)
	}
	if s.State() != StatePendingStart {
		t.Fatalf("state = %v, want PendingStart", s.State())
	}

	wantNext = false
	fa.Deliver(s.ID(), SigStart)
	fa.Deliver(s.ID(), SigTimer0Chan1)
	action = fa.Deliver(s.ID(), SigExtendFailed)
	if action.Kind != ActionEnd {
		t.Fatalf("action = %+v, want ActionEnd on EXTEND_FAILED without WantsNextSlot", action)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", s.State())
	}
}

func TestEndThisTimeslotWhileIdleIsError(t *testing.T) {
	e, _ := newTestEngine(t)
	s, _ := e.OpenSession(Callbacks{})
	if err := s.EndThisTimeslot(); err != ErrSessionIdle {
		t.Fatalf("err = %v, want ErrSessionIdle", err)
	}
}

func TestEndThisTimeslotDebouncedDuringPendingExtension(t *testing.T) {
	e, fa := newTestEngine(t)
	var endCount int
	s, _ := e.OpenSession(Callbacks{OnEnd: func() { endCount++ }})
	s.EnableExtensions()
	e.RequestTimeslots(s, 10_000, 5_000, false)
	fa.Deliver(s.ID(), SigStart)
	fa.Deliver(s.ID(), SigTimer0Chan1) // -> PendingExtension, no settlement yet

	if s.State() != StatePendingExtension {
		t.Fatalf("state = %v, want PendingExtension", s.State())
	}
	if err := s.EndThisTimeslot(); err != nil {
		t.Fatal(err)
	}
	// A second call while still pending must be a debounced no-op: it
	// must not queue a second end.
	if err := s.EndThisTimeslot(); err != nil {
		t.Fatalf("second EndThisTimeslot should be a debounced no-op, got %v", err)
	}

	fa.Deliver(s.ID(), SigExtendSucceeded)
	waitFor(t, func() bool { return s.State() == StateIdle && endCount >= 1 })
	if endCount != 1 {
		t.Fatalf("OnEnd fired %d times, want exactly 1", endCount)
	}
}

func TestEndThisTimeslotPendingStartFiresOnStartThenEnds(t *testing.T) {
	e, fa := newTestEngine(t)
	var started, ended bool
	s, _ := e.OpenSession(Callbacks{
		OnStart: func() { started = true },
		OnEnd:   func() { ended = true },
	})
	e.RequestTimeslots(s, 10_000, 5_000, false)
	if err := s.EndThisTimeslot(); err != nil {
		t.Fatal(err)
	}
	if s.State() != StatePendingStart {
		t.Fatalf("state = %v, want still PendingStart before grant", s.State())
	}

	fa.Deliver(s.ID(), SigStart)
	waitFor(t, func() bool { return started && ended })
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want Idle (ended immediately after grant)", s.State())
	}
}

func TestBlockedRerequestsWhenWantedOtherwiseIdles(t *testing.T) {
	e, fa := newTestEngine(t)
	wantNext := true
	s, _ := e.OpenSession(Callbacks{
		WantsNextSlot: func() bool { return wantNext },
	})
	e.RequestTimeslots(s, 10_000, 5_000, false)

	action := fa.Deliver(s.ID(), SigBlocked)
	if action.Kind != ActionRequest {
		t.Fatalf("action = %+v, want ActionRequest on BLOCKED with WantsNextSlot", action)
	}

	wantNext = false
	action = fa.Deliver(s.ID(), SigBlocked)
	if action.Kind != ActionEnd {
		t.Fatalf("action = %+v, want ActionEnd on BLOCKED without WantsNextSlot", action)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", s.State())
	}
}

func TestOverstayedTriggersFatalAndAssert(t *testing.T) {
	fa := NewFakeArbiter()
	mono := clock.NewMonotonic(func() uint64 { return uint64(time.Now().UnixMicro()) })
	reasons := make(chan string, 1)
	e := New(fa, mono, func(reason string) { reasons <- reason })
	defer e.Close()

	var asserted bool
	s, _ := e.OpenSession(Callbacks{OnAssert: func() { asserted = true }})
	e.RequestTimeslots(s, 10_000, 5_000, false)
	fa.Deliver(s.ID(), SigOverstayed)

	select {
	case <-reasons:
	case <-time.After(time.Second):
		t.Fatal("fatal hook was not invoked")
	}
	waitFor(t, func() bool { return asserted })
}

func TestHundredCycleBoundNoArbiterCallGrowthAnomaly(t *testing.T) {
	e, fa := newTestEngine(t)
	s, _ := e.OpenSession(Callbacks{
		WantsNextSlot: func() bool { return true },
	})
	e.RequestTimeslots(s, 5_000, 1_000, false)
	for i := 0; i < 100; i++ {
		fa.Deliver(s.ID(), SigStart)
		action := fa.Deliver(s.ID(), SigTimer0Chan0)
		if action.Kind != ActionRequest {
			t.Fatalf("cycle %d: action = %+v, want ActionRequest", i, action)
		}
	}
	if got := len(fa.Calls); got != 101 {
		t.Fatalf("arbiter request count = %d, want 101 (1 initial + 100 renewals)", got)
	}
}
