// Package phy is the register/IRQ-level transport for the core's on-die
// 2.4GHz radio. It is deliberately thin: addressing, channel mapping, and
// the TX-power table are pure data-shape concerns lifted straight out of
// spec.md §4.D, while the actual bus access follows the periph.io
// conn/gpio idiom the teacher uses for its own radio front-ends
// (driver/wshat, driver/st25r3916): a register Bus plus an edge-triggered
// interrupt pin, fanned out to a channel instead of invoking callbacks from
// interrupt context.
package phy

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
)

// Mode selects whether the radio is listening or transmitting.
type Mode int

const (
	RX Mode = iota
	TX
)

// PHYMode is the radio physical layer: rate and framing.
type PHYMode int

const (
	PHY1MNRF PHYMode = iota
	PHY2MNRF
	PHY1MBLE
	PHY2MBLE
)

// MaxFramePayload is the largest ESB payload for any supported PHY, after
// reserving the 3-byte header spec.md §3 describes.
const MaxFramePayload = 252 - 3

// Config is the per-slot radio configuration: spec.md §3 EsbConfig.
type Config struct {
	Mode    Mode
	RXAddr  uint16
	TXAddr  uint16
	Channel int // 0..50, logical; see PhysicalChannel
	PHY     PHYMode
	PowerPct int // 0..100
}

// PhysicalChannel maps the spec's logical 0..50 channel numbering to the
// radio's physical 0..100 numbering (2x spacing).
func PhysicalChannel(channel int) (int, error) {
	if channel < 0 || channel > 50 {
		return 0, fmt.Errorf("phy: channel %d out of range [0,50]", channel)
	}
	return channel * 2, nil
}

// AddressBytes expands a 16-bit user address into the 4-byte base address
// plus fixed 1-byte prefix the radio hardware actually uses:
// {0xE7, 0xE7, hi, lo} with prefix 0xE7. This trades the hardware's
// pipe/base flexibility for a flat 16-bit namespace, per spec.md §4.D.
func AddressBytes(addr uint16) (base [4]byte, prefix byte) {
	return [4]byte{0xE7, 0xE7, byte(addr >> 8), byte(addr)}, 0xE7
}

// PowerEntry is one row of the fixed TX-power table: a hardware power code
// and the milliwatt output it produces.
type PowerEntry struct {
	Code     int8
	MilliWatt float64
}

// PowerTable is the fixed 15-row dBm table, indexed by nearest milliwatt
// proximity (not dBm proximity) so that equal percentage steps feel like
// equal perceived-loudness steps: roughly logarithmic in dBm, linear in
// perceived power. Values span -40dBm..+8dBm, a plausible on-die radio
// range.
var PowerTable = []PowerEntry{
	{Code: -40, MilliWatt: 0.0001},
	{Code: -20, MilliWatt: 0.01},
	{Code: -16, MilliWatt: 0.025},
	{Code: -12, MilliWatt: 0.063},
	{Code: -8, MilliWatt: 0.158},
	{Code: -4, MilliWatt: 0.398},
	{Code: 0, MilliWatt: 1.0},
	{Code: 1, MilliWatt: 1.259},
	{Code: 2, MilliWatt: 1.585},
	{Code: 3, MilliWatt: 1.995},
	{Code: 4, MilliWatt: 2.512},
	{Code: 5, MilliWatt: 3.162},
	{Code: 6, MilliWatt: 3.981},
	{Code: 7, MilliWatt: 5.012},
	{Code: 8, MilliWatt: 6.310},
}

// NearestPowerCode maps a 0..100 percentage to the PowerTable entry whose
// milliwatt output is nearest to pct% of the table's maximum milliwatt
// entry.
func NearestPowerCode(pct int) int8 {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	maxMW := PowerTable[len(PowerTable)-1].MilliWatt
	target := maxMW * float64(pct) / 100
	best := PowerTable[0]
	bestDist := abs(best.MilliWatt - target)
	for _, e := range PowerTable[1:] {
		d := abs(e.MilliWatt - target)
		if d < bestDist {
			best, bestDist = e, d
		}
	}
	return best.Code
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// EventKind distinguishes the asynchronous events a Device reports.
type EventKind int

const (
	EventRX EventKind = iota
	EventTXComplete
	EventTXFailed
)

// Event is what a Device publishes on its Events channel. RX events carry
// the received frame; the TX events carry no payload.
type Event struct {
	Kind    EventKind
	Payload []byte
	RSSI    int8
}

// Device is the register/IRQ-level radio transport the ESB state machine
// drives. Implementations must deliver Events from a single goroutine
// (never from true interrupt context) so callers can apply normal
// thread-safety assumptions, matching the two-stage IRQ bounce spec.md
// §4.D requires of the timeslot engine above this layer.
type Device interface {
	Configure(cfg Config) error
	StartRX() error
	StopRX() error
	// StartTX begins transmitting payload; completion is reported
	// asynchronously via Events.
	StartTX(payload []byte) error
	// Disable stops whatever is active and clears any pending interrupt,
	// so a stale completion cannot surface after the next StartRX/StartTX.
	Disable() error
	Events() <-chan Event
}

// Bus is the register-level transport a real Device implementation talks
// to: a SPI (or SPI-like) connection plus a GPIO interrupt pin, exactly the
// shape periph.io exposes and the teacher's own radio front-ends consume.
type Bus struct {
	Conn spi.Conn
	IRQ  gpio.PinIn
}

// WaitIRQ blocks until the IRQ pin edges or timeout elapses, returning
// whether an edge was observed. A negative timeout waits forever, matching
// periph.io's gpio.PinIn.WaitForEdge convention.
func (b Bus) WaitIRQ(timeout time.Duration) bool {
	return b.IRQ.WaitForEdge(timeout)
}

// OpenHost initializes the periph.io host drivers. It must be called
// once per process before opening the SPI connection and IRQ pin that
// make up a Bus, mirroring driver/wshat.Open's host.Init call for its
// own periph.io-based peripheral.
func OpenHost() error {
	_, err := host.Init()
	return err
}
