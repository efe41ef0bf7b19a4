package timeslot

import "fmt"

// FakeArbiter is a deterministic, manually-driven stand-in for the
// proprietary radio arbiter, used by tests and cmd/beaconsim. Unlike a
// real arbiter it never calls back on its own: tests call Deliver to
// drive signals explicitly, and an engine's TriggerTimer0 call is
// delivered synchronously through the session callback, keeping the whole simulation
// single-threaded and free of wall-clock flakiness.
type FakeArbiter struct {
	nextID   SessionID
	sessions map[SessionID]*fakeSession

	// Calls records every RequestTimeslot/RequestExtension-equivalent
	// Action the engine produced, in order, for assertions.
	Calls []string
}

type fakeSession struct {
	cb        func(SessionID, Signal) Action
	armed     [2]bool
	armCount  [2]int
	lastArmUs [2]int64
	closed    bool
}

// NewFakeArbiter builds an empty FakeArbiter.
func NewFakeArbiter() *FakeArbiter {
	return &FakeArbiter{sessions: make(map[SessionID]*fakeSession)}
}

func (a *FakeArbiter) OpenSession(cb func(id SessionID, sig Signal) Action) (SessionID, error) {
	a.nextID++
	id := a.nextID
	a.sessions[id] = &fakeSession{cb: cb}
	return id, nil
}

func (a *FakeArbiter) CloseSession(id SessionID) {
	if s, ok := a.sessions[id]; ok {
		s.closed = true
	}
}

func (a *FakeArbiter) RequestTimeslot(id SessionID, req Request) error {
	if _, ok := a.sessions[id]; !ok {
		return fmt.Errorf("fakearbiter: unknown session %d", id)
	}
	kind := "earliest"
	if req.Type == NormalSlot {
		kind = "normal"
	}
	a.Calls = append(a.Calls, fmt.Sprintf("request(%d,%s,len=%d)", id, kind, req.LengthUs))
	return nil
}

func (a *FakeArbiter) RequestNotifyRadioAvailable(id SessionID) error {
	a.Calls = append(a.Calls, fmt.Sprintf("notify_radio_available(%d)", id))
	return nil
}

func (a *FakeArbiter) ArmTimer0(id SessionID, channel int, afterUs int64) error {
	s, ok := a.sessions[id]
	if !ok {
		return fmt.Errorf("fakearbiter: unknown session %d", id)
	}
	if channel != 0 && channel != 1 {
		return fmt.Errorf("fakearbiter: bad channel %d", channel)
	}
	s.armed[channel] = true
	s.armCount[channel]++
	s.lastArmUs[channel] = afterUs
	return nil
}

func (a *FakeArbiter) TriggerTimer0(id SessionID, channel int) error {
	s, ok := a.sessions[id]
	if !ok {
		return fmt.Errorf("fakearbiter: unknown session %d", id)
	}
	s.armed[channel] = false
	sig := SigTimer0Chan0
	if channel == 1 {
		sig = SigTimer0Chan1
	}
	action := s.cb(id, sig)
	a.apply(id, action)
	return nil
}

// Deliver simulates the arbiter itself raising sig for id (e.g. START,
// BLOCKED, SESSION_IDLE), applying whatever Action the engine's callback
// returns exactly as a real arbiter would.
func (a *FakeArbiter) Deliver(id SessionID, sig Signal) Action {
	s, ok := a.sessions[id]
	if !ok {
		return Action{Kind: ActionNone}
	}
	action := s.cb(id, sig)
	a.apply(id, action)
	return action
}

func (a *FakeArbiter) apply(id SessionID, action Action) {
	switch action.Kind {
	case ActionRequest:
		a.RequestTimeslot(id, action.Request)
	case ActionExtend:
		a.Calls = append(a.Calls, fmt.Sprintf("extend(%d,%d)", id, action.ExtendUs))
	}
}

// Armed reports whether channel (0 or 1) is currently armed for id.
func (a *FakeArbiter) Armed(id SessionID, channel int) bool {
	s, ok := a.sessions[id]
	if !ok {
		return false
	}
	return s.armed[channel]
}

// ArmCount reports how many times ArmTimer0 has been called for channel
// (0 or 1) on id, letting tests distinguish "armed once at start" from
// "re-armed after an extension".
func (a *FakeArbiter) ArmCount(id SessionID, channel int) int {
	s, ok := a.sessions[id]
	if !ok {
		return 0
	}
	return s.armCount[channel]
}

// LastArmedUs reports the afterUs value passed to the most recent
// ArmTimer0 call for channel on id.
func (a *FakeArbiter) LastArmedUs(id SessionID, channel int) int64 {
	s, ok := a.sessions[id]
	if !ok {
		return 0
	}
	return s.lastArmUs[channel]
}

// Closed reports whether CloseSession has been called for id.
func (a *FakeArbiter) Closed(id SessionID) bool {
	s, ok := a.sessions[id]
	return ok && s.closed
}
