package phy

import "fmt"

// Loopback is an in-process Device pair used by tests (and by
// cmd/beaconsim) to exercise the ESB protocol without real hardware: two
// Loopback devices sharing a medium deliver each other's StartTX calls as
// RX events when their Config matches, mirroring spec.md §8's "ESB
// round-trip (harness with loopback radio)" property.
type Loopback struct {
	medium *medium
	cfg    Config
	mode   Mode
	events chan Event
}

type medium struct {
	peers []*Loopback
}

// NewLoopbackMedium creates an empty shared medium. Call Attach for each
// participating device.
func NewLoopbackMedium() *medium {
	return &medium{}
}

// Attach creates a new Loopback device on medium m.
func (m *medium) Attach() *Loopback {
	l := &Loopback{medium: m, events: make(chan Event, 8)}
	m.peers = append(m.peers, l)
	return l
}

func (l *Loopback) Configure(cfg Config) error {
	l.cfg = cfg
	return nil
}

func (l *Loopback) StartRX() error {
	l.mode = RX
	return nil
}

func (l *Loopback) StopRX() error {
	return nil
}

func (l *Loopback) Disable() error {
	for {
		select {
		case <-l.events:
		default:
			return nil
		}
	}
}

func (l *Loopback) Events() <-chan Event { return l.events }

// StartTX delivers payload to every other attached peer currently in RX
// mode on a matching channel/address/PHY, then reports our own
// TX-complete. A peer with no room in its event buffer drops the frame
// (modeling the real pool-exhaustion/RX-overflow failure mode in
// spec.md §7), not a panic or a block.
func (l *Loopback) StartTX(payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("phy: loopback: payload %d exceeds max %d", len(payload), MaxFramePayload)
	}
	for _, peer := range l.medium.peers {
		if peer == l || peer.mode != RX {
			continue
		}
		if peer.cfg.Channel != l.cfg.Channel || peer.cfg.PHY != l.cfg.PHY {
			continue
		}
		if peer.cfg.RXAddr != l.cfg.TXAddr {
			continue
		}
		frame := make([]byte, len(payload))
		copy(frame, payload)
		select {
		case peer.events <- Event{Kind: EventRX, Payload: frame, RSSI: -40}:
		default:
		}
	}
	select {
	case l.events <- Event{Kind: EventTXComplete}:
	default:
	}
	return nil
}
