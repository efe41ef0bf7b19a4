// Package timeslot implements the radio timeslot multiplexer: a per-session
// state machine that borrows the radio from a proprietary arbiter for
// bounded windows, arms the arbiter's TIMER0 compare channels inside each
// window, and bounces client-visible events through a capacity-bounded FIFO
// so the arbiter's own IRQ-priority callback never runs user code directly.
// See spec.md §4.D.
package timeslot

import (
	"errors"
	"fmt"
	"sync"

	"seedhammer.com/beacon/clock"
	"seedhammer.com/beacon/radio/irq"
)

// SessionID identifies one open timeslot session.
type SessionID uint32

// Priority is the request priority a session asks the arbiter for.
type Priority int

const (
	Normal Priority = iota
	High
)

// State is a TimeslotSession's position in spec.md §4.D's state diagram.
type State int

const (
	StateNone State = iota
	StateIdle
	StatePendingStart
	StateInTimeslot
	StatePendingExtension
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateIdle:
		return "idle"
	case StatePendingStart:
		return "pending_start"
	case StateInTimeslot:
		return "in_timeslot"
	case StatePendingExtension:
		return "pending_extension"
	default:
		return "unknown"
	}
}

// Signal is one event delivered through the arbiter's IRQ callback.
type Signal int

const (
	SigRadio Signal = iota
	SigStart
	SigTimer0Chan0
	SigTimer0Chan1
	SigExtendSucceeded
	SigExtendFailed
	SigBlocked
	SigCancelled
	SigSessionIdle
	SigSessionClosed
	SigOverstayed
	SigInvalidReturn
)

// ActionKind is what the client's IRQ callback tells the arbiter to do
// next.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionRequest
	ActionExtend
	ActionEnd
)

// RequestType distinguishes an earliest-available request from a
// normal, periodic one.
type RequestType int

const (
	Earliest RequestType = iota
	NormalSlot
)

// Request is the {priority, length_us, timeout_us|distance_us} tuple
// request_timeslot takes, per spec.md §6.
type Request struct {
	Type       RequestType
	Priority   Priority
	LengthUs   int64
	DistanceUs int64 // distance for NormalSlot, timeout for Earliest
}

// Action is the client IRQ callback's reply: NONE, REQUEST(next slot
// params), EXTEND(duration), or END.
type Action struct {
	Kind     ActionKind
	Request  Request
	ExtendUs int64
}

// earlyExpire and processingLead are the fixed budgets spec.md §4.D names:
// earlyExpire guards the slot-end point, processingLead additionally backs
// off the extension-decision point so the engine always finishes its work
// before the arbiter reclaims the radio.
const (
	earlyExpireUs    = 700
	processingLeadUs = 2400
)

// fifoCapacity is the bound on the IRQ-priority-to-softIRQ bounce queue.
const fifoCapacity = 5

// Callbacks is the capability trait a session's owner supplies; spec.md §9
// models this as a trait with default (no-op) implementations rather than
// requiring every field.
type Callbacks struct {
	OnStart          func()
	WantsNextSlot    func() bool
	OnEnd            func()
	OnNoMoreComing   func()
	OnRadioAvailable func()
	OnAssert         func()
}

func normalize(cbs Callbacks) Callbacks {
	if cbs.OnStart == nil {
		cbs.OnStart = func() {}
	}
	if cbs.WantsNextSlot == nil {
		cbs.WantsNextSlot = func() bool { return false }
	}
	if cbs.OnEnd == nil {
		cbs.OnEnd = func() {}
	}
	if cbs.OnNoMoreComing == nil {
		cbs.OnNoMoreComing = func() {}
	}
	if cbs.OnRadioAvailable == nil {
		cbs.OnRadioAvailable = func() {}
	}
	if cbs.OnAssert == nil {
		cbs.OnAssert = func() {}
	}
	return cbs
}

// Arbiter is the external proprietary radio arbiter (spec.md §6): it owns
// the radio, sells it in timeslots, and owns the TIMER0 compare-channel
// hardware the engine uses to schedule its own extension-decision and
// slot-end points.
type Arbiter interface {
	OpenSession(cb func(id SessionID, sig Signal) Action) (SessionID, error)
	CloseSession(id SessionID)
	RequestTimeslot(id SessionID, req Request) error
	RequestNotifyRadioAvailable(id SessionID) error
	// ArmTimer0 schedules channel (0 or 1) to fire afterUs microseconds
	// from now, delivering SigTimer0Chan0/SigTimer0Chan1 through the same
	// callback registered with OpenSession.
	ArmTimer0(id SessionID, channel int, afterUs int64) error
	// TriggerTimer0 fires channel immediately (a software-triggered
	// interrupt), used by end-this-timeslot's IN_TIMESLOT fast path.
	TriggerTimer0(id SessionID, channel int) error
}

// ErrSessionIdle is returned by EndThisTimeslot when the session has no
// active or pending slot to end.
var ErrSessionIdle = errors.New("timeslot: cannot end timeslot: session is idle")

// Session is a TimeslotSession handle (spec.md §3): per-subsystem state
// tracking the session's desired period/duration, priority, extension
// preference, and current state.
type Session struct {
	id SessionID

	engine *Engine
	cbs    Callbacks

	mu                 sync.Mutex
	state              State
	period             clock.Duration
	duration           clock.Duration
	priority           Priority
	wantsExtensionFlag bool
	endRequested       bool
	endAsSoonAsStarted bool
	pendingExtendUs    int64
}

// ID returns the session's arbiter-assigned identifier.
func (s *Session) ID() SessionID { return s.id }

// State returns the session's current state, for diagnostics.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnableExtensions/DisableExtensions toggle whether the session asks for
// an arbiter-granted extension at the CH1 decision point.
func (s *Session) EnableExtensions() {
	s.mu.Lock()
	s.wantsExtensionFlag = true
	s.mu.Unlock()
}

func (s *Session) DisableExtensions() {
	s.mu.Lock()
	s.wantsExtensionFlag = false
	s.mu.Unlock()
}

// Engine is the radio timeslot engine (spec.md §4.D): it multiplexes one
// or more sessions against a single Arbiter, applying the bounded
// IRQ-priority state machine and bouncing user-visible notifications
// through a small FIFO to a software-IRQ-equivalent goroutine.
type Engine struct {
	arbiter Arbiter
	mono    *clock.Monotonic

	mu       sync.Mutex
	sessions map[SessionID]*Session

	bounce       *irq.Bounce
	fifoOverflow uint64

	fatalHook func(reason string)
}

// New builds an Engine driving sessions against arbiter. fatalHook is
// invoked (after logging) on OVERSTAYED, INVALID_RETURN, or an arbiter
// assert -- spec.md §7's unconditional reset path.
func New(arbiter Arbiter, mono *clock.Monotonic, fatalHook func(reason string)) *Engine {
	if fatalHook == nil {
		fatalHook = func(string) {}
	}
	e := &Engine{
		arbiter:   arbiter,
		mono:      mono,
		sessions:  make(map[SessionID]*Session),
		bounce:    irq.New(fifoCapacity, irq.PriorityHigh),
		fatalHook: fatalHook,
	}
	return e
}

// Close stops the engine's bounce goroutine. Open sessions are not closed
// automatically; call CloseSession for each first.
func (e *Engine) Close() {
	e.bounce.Close()
}

// notify pushes fn onto the bounce FIFO. A full FIFO drops the
// notification and counts it; the engine's own state machine (which runs
// synchronously, not through this FIFO) is unaffected.
func (e *Engine) notify(fn func()) {
	if !e.bounce.Push(fn) {
		e.fifoOverflow++
	}
}

// FIFOOverflowCount reports how many client notifications were dropped
// because the bounce FIFO was full.
func (e *Engine) FIFOOverflowCount() uint64 { return e.fifoOverflow }

// OpenSession opens a new session with the arbiter.
func (e *Engine) OpenSession(cbs Callbacks) (*Session, error) {
	s := &Session{engine: e, cbs: normalize(cbs), state: StateNone}
	id, err := e.arbiter.OpenSession(func(id SessionID, sig Signal) Action {
		return e.handleSignal(id, sig)
	})
	if err != nil {
		return nil, fmt.Errorf("timeslot: open session: %w", err)
	}
	s.id = id
	s.state = StateIdle
	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()
	return s, nil
}

// CloseSession closes s with the arbiter and forgets it.
func (e *Engine) CloseSession(s *Session) {
	e.arbiter.CloseSession(s.id)
	e.mu.Lock()
	delete(e.sessions, s.id)
	e.mu.Unlock()
	s.mu.Lock()
	s.state = StateNone
	s.mu.Unlock()
}

// RequestTimeslots requests periodic timeslots of (period, duration),
// at High or Normal priority.
func (e *Engine) RequestTimeslots(s *Session, period, duration clock.Duration, highPriority bool) error {
	s.mu.Lock()
	s.period, s.duration = period, duration
	if highPriority {
		s.priority = High
	} else {
		s.priority = Normal
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("timeslot: request: session %d not idle (state=%s)", s.id, s.state)
	}
	s.state = StatePendingStart
	s.mu.Unlock()
	return e.arbiter.RequestTimeslot(s.id, Request{
		Type:       Earliest,
		Priority:   s.priority,
		LengthUs:   int64(duration),
		DistanceUs: int64(period),
	})
}

// Cancel asks the arbiter to stop granting s further slots. The session's
// next SESSION_IDLE/CANCELLED delivery settles its state.
func (e *Engine) Cancel(s *Session) {
	e.arbiter.CloseSession(s.id)
}

// RequestRadioAvailableNotification asks the arbiter to signal s (via
// OnRadioAvailable) the next time the radio goes idle outside any slot.
func (e *Engine) RequestRadioAvailableNotification(s *Session) error {
	return e.arbiter.RequestNotifyRadioAvailable(s.id)
}

// EndThisTimeslot asks to end the current slot early. It is debounced: a
// second call while one is already in flight is a no-op, per spec.md
// §4.D.
func (s *Session) EndThisTimeslot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endRequested {
		return nil
	}
	switch s.state {
	case StateIdle:
		return ErrSessionIdle
	case StatePendingStart:
		s.endRequested = true
		s.endAsSoonAsStarted = true
		return nil
	case StateInTimeslot:
		s.endRequested = true
		// The arbiter may deliver the triggered signal synchronously
		// through handleSignal, which takes s.mu itself.
		s.mu.Unlock()
		err := s.engine.arbiter.TriggerTimer0(s.id, 0)
		s.mu.Lock()
		return err
	case StatePendingExtension:
		s.endRequested = true
		return nil
	default:
		return fmt.Errorf("timeslot: end: session %d in unexpected state %s", s.id, s.state)
	}
}

func (e *Engine) sessionFor(id SessionID) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// handleSignal is the engine's synchronous, IRQ-priority-equivalent state
// transition function. It never runs user callbacks directly; those are
// bounced through notify to the drain goroutine. It always returns
// promptly, which is what lets the arbiter (real hardware or FakeArbiter)
// call it straight from IRQ/timer context.
func (e *Engine) handleSignal(id SessionID, sig Signal) Action {
	s := e.sessionFor(id)
	if s == nil {
		return Action{Kind: ActionNone}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch sig {
	case SigStart:
		return e.onStartLocked(s)
	case SigTimer0Chan1:
		return e.onChan1Locked(s)
	case SigTimer0Chan0:
		return e.onChan0Locked(s)
	case SigExtendSucceeded:
		return e.onExtendSettledLocked(s)
	case SigExtendFailed:
		// Transient radio error, spec.md §4.D: same recovery policy as
		// BLOCKED/CANCELLED, not the extension-succeeded path -- the
		// arbiter has already abandoned the slot and rearms nothing.
		return e.onResumableFailureLocked(s, false)
	case SigBlocked, SigCancelled:
		return e.onResumableFailureLocked(s, false)
	case SigSessionIdle:
		return e.onResumableFailureLocked(s, true)
	case SigSessionClosed:
		s.state = StateNone
		return Action{Kind: ActionNone}
	case SigOverstayed, SigInvalidReturn:
		e.notify(s.cbs.OnAssert)
		e.fatalHook(fmt.Sprintf("timeslot: session %d: fatal signal %d", s.id, sig))
		return Action{Kind: ActionEnd}
	case SigRadio:
		e.notify(s.cbs.OnRadioAvailable)
		return Action{Kind: ActionNone}
	default:
		return Action{Kind: ActionNone}
	}
}

func (e *Engine) onStartLocked(s *Session) Action {
	s.state = StateInTimeslot
	ch1 := int64(s.duration) - earlyExpireUs - processingLeadUs
	ch0 := int64(s.duration) - earlyExpireUs
	if ch1 < 0 {
		ch1 = 0
	}
	if ch0 < 0 {
		ch0 = 0
	}
	e.arbiter.ArmTimer0(s.id, 1, ch1)
	e.arbiter.ArmTimer0(s.id, 0, ch0)
	e.notify(s.cbs.OnStart)
	if s.endAsSoonAsStarted {
		s.endAsSoonAsStarted = false
		// Software-trigger CH0 (the slot-end point) now rather than
		// waiting for it to fire naturally; the reply to the resulting
		// signal is delivered through the same callback/Action protocol,
		// not through this call's return value.
		s.mu.Unlock()
		e.arbiter.TriggerTimer0(s.id, 0)
		s.mu.Lock()
	}
	return Action{Kind: ActionNone}
}

func (e *Engine) onChan1Locked(s *Session) Action {
	if s.wantsExtensionFlag && !s.endRequested {
		s.state = StatePendingExtension
		s.pendingExtendUs = int64(s.duration)
		return Action{Kind: ActionExtend, ExtendUs: s.pendingExtendUs}
	}
	// Not extending: prepare for shutdown. Nothing to do until CH0.
	return Action{Kind: ActionNone}
}

func (e *Engine) onChan0Locked(s *Session) Action {
	s.state = StateIdle
	endRequested := s.endRequested
	s.endRequested = false
	e.notify(s.cbs.OnEnd)
	if endRequested {
		e.notify(s.cbs.OnNoMoreComing)
		return Action{Kind: ActionEnd}
	}
	if s.cbs.WantsNextSlot() {
		s.state = StatePendingStart
		return Action{Kind: ActionRequest, Request: Request{
			Type:       NormalSlot,
			Priority:   s.priority,
			LengthUs:   int64(s.duration),
			DistanceUs: int64(s.period),
		}}
	}
	e.notify(s.cbs.OnNoMoreComing)
	return Action{Kind: ActionEnd}
}

func (e *Engine) onExtendSettledLocked(s *Session) Action {
	s.state = StateInTimeslot
	if s.endRequested {
		s.mu.Unlock()
		e.arbiter.TriggerTimer0(s.id, 0)
		s.mu.Lock()
		return Action{Kind: ActionNone}
	}
	// Re-arm both channels against the granted extension length: ArmTimer0
	// is one-shot, so without this the slot-end and next-decision points
	// would never fire again for this session.
	ch1 := s.pendingExtendUs - earlyExpireUs - processingLeadUs
	ch0 := s.pendingExtendUs - earlyExpireUs
	if ch1 < 0 {
		ch1 = 0
	}
	if ch0 < 0 {
		ch0 = 0
	}
	e.arbiter.ArmTimer0(s.id, 1, ch1)
	e.arbiter.ArmTimer0(s.id, 0, ch0)
	return Action{Kind: ActionNone}
}

// onResumableFailureLocked implements the shared BLOCKED/CANCELLED/
// SESSION_IDLE policy: re-request "earliest" if the client still wants a
// slot, otherwise publish "no more coming". emitEnd additionally fires
// OnEnd first, matching SESSION_IDLE's documented behavior of also
// publishing "end".
func (e *Engine) onResumableFailureLocked(s *Session, emitEnd bool) Action {
	if emitEnd {
		e.notify(s.cbs.OnEnd)
	}
	if s.cbs.WantsNextSlot() {
		s.state = StatePendingStart
		return Action{Kind: ActionRequest, Request: Request{
			Type:       Earliest,
			Priority:   s.priority,
			LengthUs:   int64(s.duration),
			DistanceUs: int64(s.period),
		}}
	}
	s.state = StateIdle
	e.notify(s.cbs.OnNoMoreComing)
	return Action{Kind: ActionEnd}
}
