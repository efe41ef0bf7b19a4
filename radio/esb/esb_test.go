package esb

import (
	"testing"
	"time"

	"seedhammer.com/beacon/clock"
	"seedhammer.com/beacon/radio/phy"
	"seedhammer.com/beacon/scheduler"
)

func newTestScheduler() *scheduler.Scheduler {
	mono := clock.NewMonotonic(func() uint64 { return uint64(time.Now().UnixMicro()) })
	return scheduler.New(mono)
}

func matchingConfig(mode phy.Mode, rx, tx uint16) phy.Config {
	return phy.Config{
		Mode:     mode,
		RXAddr:   rx,
		TXAddr:   tx,
		Channel:  10,
		PHY:      phy.PHY1MNRF,
		PowerPct: 50,
	}
}

func TestRoundTripLoopback(t *testing.T) {
	medium := phy.NewLoopbackMedium()
	devA := medium.Attach()
	devB := medium.Attach()

	sched := newTestScheduler()
	a := New(devA, sched)
	b := New(devB, sched)

	received := make(chan Frame, 1)
	b.SetCallbackOnRX(func(f Frame) { received <- f })

	if err := a.Configure(matchingConfig(phy.TX, 0x1234, 0x5678)); err != nil {
		t.Fatal(err)
	}
	if err := b.Configure(matchingConfig(phy.RX, 0x5678, 0x1234)); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	defer b.Stop()

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	status := a.Send(payload)
	if status != TxSuccess {
		t.Fatalf("status = %v, want TxSuccess", status)
	}

	// The RX callback runs on the scheduler's main thread. A Step that
	// finds nothing queued blocks until the drain goroutine's QueueWork
	// wakes it and returns without running the item, so a second Step
	// follows. Both run concurrently with the receive-with-timeout below
	// rather than risk the test hanging if delivery never happens.
	go func() {
		sched.Step()
		sched.Step()
	}()

	select {
	case f := <-received:
		if len(f.Payload) != len(payload) {
			t.Fatalf("len = %d, want %d", len(f.Payload), len(payload))
		}
		for i := range payload {
			if f.Payload[i] != payload[i] {
				t.Fatalf("payload mismatch at %d: got %#x want %#x", i, f.Payload[i], payload[i])
			}
		}
		if f.Pipe != 0 || f.AckRequest {
			t.Fatalf("frame = %+v, want pipe 0, no ack", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RX callback")
	}
}

func TestTXWhileRXRevertsMode(t *testing.T) {
	medium := phy.NewLoopbackMedium()
	devA := medium.Attach()
	devB := medium.Attach()
	sched := newTestScheduler()

	a := New(devA, sched)
	b := New(devB, sched)
	b.SetCallbackOnRX(func(Frame) {})

	if err := a.Configure(matchingConfig(phy.RX, 0x1234, 0x5678)); err != nil {
		t.Fatal(err)
	}
	if err := b.Configure(matchingConfig(phy.RX, 0x5678, 0x1234)); err != nil {
		t.Fatal(err)
	}
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	if a.mode != phy.RX {
		t.Fatalf("precondition: a.mode = %v, want RX", a.mode)
	}
	status := a.Send([]byte{0xde, 0xad})
	if status != TxSuccess {
		t.Fatalf("status = %v, want TxSuccess", status)
	}
	if a.mode != phy.RX {
		t.Fatalf("a.mode = %v after send, want reverted to RX", a.mode)
	}
}

func TestSendWithoutPeerSucceeds(t *testing.T) {
	medium := phy.NewLoopbackMedium()
	devA := medium.Attach()
	sched := newTestScheduler()
	a := New(devA, sched)
	a.Configure(matchingConfig(phy.TX, 0x1234, 0x5678))
	a.Start()
	defer a.Stop()

	// A lone loopback device reports its own TX-complete immediately
	// (no peer needed), so this exercises the success path, not the
	// timeout path -- documented here because a bare-metal radio with no
	// one listening still completes its own transmission.
	status := a.Send([]byte{1, 2, 3})
	if status != TxSuccess {
		t.Fatalf("status = %v, want TxSuccess", status)
	}
}

func TestRXPoolExhaustionDropsAndCounts(t *testing.T) {
	medium := phy.NewLoopbackMedium()
	devA := medium.Attach()
	devB := medium.Attach()
	sched := newTestScheduler()

	a := New(devA, sched)
	b := New(devB, sched)

	var delivered int
	b.SetCallbackOnRX(func(Frame) { delivered++ })

	a.Configure(matchingConfig(phy.TX, 0x1234, 0x5678))
	b.Configure(matchingConfig(phy.RX, 0x5678, 0x1234))
	a.Start()
	b.Start()
	defer a.Stop()
	defer b.Stop()

	// Fill both pool slots without draining the scheduler queue, so each
	// delivered frame's pool slot stays held until its QueueWork closure
	// actually runs.
	for i := 0; i < rxPoolSize; i++ {
		if status := a.Send([]byte{byte(i)}); status != TxSuccess {
			t.Fatalf("send %d status = %v, want TxSuccess", i, status)
		}
	}
	time.Sleep(10 * time.Millisecond) // let b's drain goroutine acquire both slots

	// A third frame arrives while both pool slots are still occupied: it
	// must be dropped, not queued.
	if status := a.Send([]byte{0xff}); status != TxSuccess {
		t.Fatalf("send status = %v, want TxSuccess", status)
	}
	time.Sleep(10 * time.Millisecond)
	if b.StatsRXDropped != 1 {
		t.Fatalf("StatsRXDropped = %d, want 1", b.StatsRXDropped)
	}

	// Draining the scheduler now releases both slots and delivers both
	// queued frames.
	sched.Step()
	if delivered != rxPoolSize {
		t.Fatalf("delivered = %d, want %d", delivered, rxPoolSize)
	}
}
