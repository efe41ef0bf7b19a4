// Package esb implements the simplified, no-ACK "enhanced shock-burst"
// protocol run inside a radio timeslot: spec.md §4.D's EsbConfig/EsbFrame
// data model and the RX/TX/RX-borrow-for-TX state machine, addressing, and
// TX power mapping on top of the phy package's register/IRQ transport.
package esb

import (
	"fmt"
	"sync"
	"time"

	"seedhammer.com/beacon/radio/phy"
	"seedhammer.com/beacon/scheduler"
)

// Frame is spec.md §3's EsbFrame: a variable-length payload carrying a
// length, a pipe id (always 0 in this design), an ACK-request bit (always
// false -- this is the no-ack subset), and RSSI on receive.
type Frame struct {
	Payload    []byte
	Pipe       uint8
	AckRequest bool
	RSSI       int8
}

// TxStatus is the outcome of Send, matching spec.md §4.D exactly: +1 on a
// RADIO-complete success ISR, -1 on a reported failure, -2 on the
// 2400µs semaphore timeout expiring first.
type TxStatus int

const (
	TxSuccess TxStatus = 1
	TxFailed  TxStatus = -1
	TxTimeout TxStatus = -2
)

// txWaitBudget is the longest legal single packet duration plus margin:
// the cap that guarantees a session going away mid-send cannot hang the
// main thread (spec.md §5).
const txWaitBudget = 2400 * time.Microsecond

// rxPoolSize is the single borrowable buffer plus its fail-safe backup
// (spec.md §4.D "On RX complete ISR: pull frames from the radio into a
// small pool").
const rxPoolSize = 2

// Engine drives the ESB protocol for the duration of one radio timeslot.
// It is owned exclusively by the TimeslotSession currently in-slot; there
// is no cross-session sharing of the underlying phy.Device (spec.md §5).
type Engine struct {
	dev   phy.Device
	sched *scheduler.Scheduler
	cfg   phy.Config

	mode phy.Mode

	onRX func(Frame)

	pool     [rxPoolSize][phy.MaxFramePayload]byte
	poolBusy [rxPoolSize]bool
	poolMu   sync.Mutex

	StatsRXDropped  uint64
	StatsTXSuccess  uint64
	StatsTXFailed   uint64
	StatsTXTimedOut uint64

	// txResult hands a TX completion/failure event from the single
	// drain goroutine (the only reader of dev.Events()) to whichever
	// Send call is currently waiting, avoiding two goroutines racing to
	// read the same event channel.
	txResult  chan phy.Event
	drainDone chan struct{}
}

// New builds an Engine over dev, publishing RX frames (and nothing else)
// onto sched -- the only legal path from the radio's event goroutine back
// to main-thread client code, per spec.md §5.
func New(dev phy.Device, sched *scheduler.Scheduler) *Engine {
	return &Engine{dev: dev, sched: sched, txResult: make(chan phy.Event, 1)}
}

// SetCallbackOnRX installs the handler invoked (on the scheduler's main
// thread, via QueueWork) for every received frame.
func (e *Engine) SetCallbackOnRX(fn func(Frame)) { e.onRX = fn }

// Configure applies cfg (addresses, channel, PHY, TX power) ahead of Start.
func (e *Engine) Configure(cfg phy.Config) error {
	if _, err := phy.PhysicalChannel(cfg.Channel); err != nil {
		return fmt.Errorf("esb: configure: %w", err)
	}
	e.cfg = cfg
	e.mode = cfg.Mode
	return e.dev.Configure(cfg)
}

// SetChannel, SetAddrRX, SetAddrTX, SetPHY, and SetTXPowerPct reconfigure a
// single EsbConfig field and re-apply it; they are the per-field exported
// surface spec.md §6 names, on top of the bulk Configure above.
func (e *Engine) SetChannel(channel int) error {
	e.cfg.Channel = channel
	return e.dev.Configure(e.cfg)
}

func (e *Engine) SetAddrRX(addr uint16) error {
	e.cfg.RXAddr = addr
	return e.dev.Configure(e.cfg)
}

func (e *Engine) SetAddrTX(addr uint16) error {
	e.cfg.TXAddr = addr
	return e.dev.Configure(e.cfg)
}

func (e *Engine) SetPHY(p phy.PHYMode) error {
	e.cfg.PHY = p
	return e.dev.Configure(e.cfg)
}

func (e *Engine) SetTXPowerPct(pct int) error {
	e.cfg.PowerPct = pct
	return e.dev.Configure(e.cfg)
}

// Start configures the radio and, if the configured mode is RX, starts
// listening. Called once at slot start.
func (e *Engine) Start() error {
	if err := e.dev.Configure(e.cfg); err != nil {
		return fmt.Errorf("esb: start: %w", err)
	}
	e.startDrain()
	if e.mode == phy.RX {
		return e.dev.StartRX()
	}
	return nil
}

// Stop disables whatever is active and clears any pending interrupt, so a
// stale completion cannot surface as a spurious tx-complete on the next
// slot's startup. Called once at slot end.
func (e *Engine) Stop() error {
	e.stopDrain()
	return e.dev.Disable()
}

// SetMode switches between RX and TX inside a slot, stopping whichever
// direction is currently active before starting the other.
func (e *Engine) SetMode(m phy.Mode) error {
	if m == e.mode {
		return nil
	}
	switch e.mode {
	case phy.RX:
		if err := e.dev.StopRX(); err != nil {
			return err
		}
	}
	e.mode = m
	e.cfg.Mode = m
	if err := e.dev.Configure(e.cfg); err != nil {
		return err
	}
	if m == phy.RX {
		return e.dev.StartRX()
	}
	return nil
}

// Send transmits payload and blocks (with the 2400µs budget) for the
// tx-complete/tx-fail/timeout outcome. If the engine is currently in RX
// mode, it temporarily switches to TX, sends, and reverts to RX
// afterwards, exactly as spec.md §4.D describes for "TX while RX".
func (e *Engine) Send(payload []byte) TxStatus {
	wasRX := e.mode == phy.RX
	if wasRX {
		e.dev.StopRX()
		e.mode = phy.TX
		e.cfg.Mode = phy.TX
		e.dev.Configure(e.cfg)
	}
	status := e.sendOnce(payload)
	if wasRX {
		e.mode = phy.RX
		e.cfg.Mode = phy.RX
		e.dev.Configure(e.cfg)
		e.dev.StartRX()
	}
	return status
}

func (e *Engine) sendOnce(payload []byte) TxStatus {
	if err := e.dev.StartTX(payload); err != nil {
		e.StatsTXFailed++
		return TxFailed
	}
	timer := time.NewTimer(txWaitBudget)
	defer timer.Stop()
	select {
	case ev := <-e.txResult:
		switch ev.Kind {
		case phy.EventTXComplete:
			e.StatsTXSuccess++
			return TxSuccess
		default:
			e.StatsTXFailed++
			return TxFailed
		}
	case <-timer.C:
		e.StatsTXTimedOut++
		return TxTimeout
	}
}

// startDrain launches the goroutine that pulls phy.Device RX events and
// hands them to the scheduler. This is the software side of the two-stage
// IRQ bounce spec.md §4.D requires: the hardware ISR only raises an edge
// (see phy.Bus.WaitIRQ); this goroutine (not interrupt context) is where
// frames are actually copied out and queued for the main thread.
func (e *Engine) startDrain() {
	e.drainDone = make(chan struct{})
	done := e.drainDone
	go func() {
		for {
			select {
			case ev, ok := <-e.dev.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case phy.EventRX:
					e.deliverRX(ev)
				case phy.EventTXComplete, phy.EventTXFailed:
					select {
					case e.txResult <- ev:
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()
}

func (e *Engine) stopDrain() {
	if e.drainDone != nil {
		close(e.drainDone)
		e.drainDone = nil
	}
}

// deliverRX copies the received payload into a pool buffer (so the
// caller's byte slice, which may be reused by a real transport, does not
// escape this call) and publishes the frame via the scheduler's work
// queue. If the pool is exhausted the frame is dropped and
// StatsRXDropped is incremented; nothing is delivered.
func (e *Engine) deliverRX(ev phy.Event) {
	slot, ok := e.acquirePoolSlot()
	if !ok {
		e.StatsRXDropped++
		return
	}
	n := copy(e.pool[slot][:], ev.Payload)
	frame := Frame{
		Payload:    e.pool[slot][:n],
		Pipe:       0,
		AckRequest: false,
		RSSI:       ev.RSSI,
	}
	onRX := e.onRX
	if onRX == nil {
		e.releasePoolSlot(slot)
		return
	}
	if e.sched != nil {
		e.sched.QueueWork("esb.rx", func() {
			onRX(frame)
			e.releasePoolSlot(slot)
		})
	} else {
		onRX(frame)
		e.releasePoolSlot(slot)
	}
}

func (e *Engine) acquirePoolSlot() (int, bool) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	for i := range e.poolBusy {
		if !e.poolBusy[i] {
			e.poolBusy[i] = true
			return i, true
		}
	}
	return 0, false
}

func (e *Engine) releasePoolSlot(i int) {
	e.poolMu.Lock()
	e.poolBusy[i] = false
	e.poolMu.Unlock()
}
