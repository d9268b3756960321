package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// fakeTransport records every batch handed to Send.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]*osc.Message
}

func (f *fakeTransport) Send(msgs []*osc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]*osc.Message, len(msgs))
	copy(batch, msgs)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeTransport) batch(i int) []*osc.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

// failingTransport refuses every send.
type failingTransport struct{}

func (failingTransport) Send(msgs []*osc.Message) error {
	return errors.New("network down")
}

func startDaemon(t *testing.T, rt *Routing, state *RouterState, out Senders) (chan Event, chan StateBroadcast, chan struct{}) {
	t.Helper()
	events := make(chan Event, 16)
	broadcasts := make(chan StateBroadcast, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runDaemon(context.Background(), events, rt, state, out, broadcasts, slog.Default())
	}()
	return events, broadcasts, done
}

func waitForDaemon(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for daemon to stop")
	}
}

func TestDaemon_RoutesSamplesThroughSenders(t *testing.T) {
	rt, state := newTestRouting(t)
	oscOut := &fakeTransport{}
	vmcOut := &fakeTransport{}

	events, broadcasts, done := startDaemon(t, rt, state, Senders{Osc: oscOut, Vmc: vmcOut})

	events <- InputSample{Input: "shift-up", Kind: InputButton, Value: 1, Seq: 1, At: time.Now()}

	waitUntil(t, time.Second, func() bool { return oscOut.count() == 1 }, "no osc batch for the press")
	press := oscOut.batch(0)
	if len(press) != 2 || press[0].Address != "/wheel/shift-up/pressed" || press[1].Address != "/wheel/shift-up" {
		t.Fatalf("expected press edge before update, got %+v", press)
	}

	waitUntil(t, time.Second, func() bool { return vmcOut.count() == 1 }, "no vmc batch for the press")
	blend := vmcOut.batch(0)
	if len(blend) != 2 || blend[0].Address != vmcAddrBlendVal || blend[1].Address != vmcAddrBlendApply {
		t.Fatalf("expected blend + apply, got %+v", blend)
	}

	// A stale replay of the same sequence must not reach the wire.
	events <- InputSample{Input: "shift-up", Kind: InputButton, Value: 0, Seq: 1, At: time.Now()}
	time.Sleep(50 * time.Millisecond)
	if got := oscOut.count(); got != 1 {
		t.Fatalf("expected stale sample to be dropped, got %d osc batches", got)
	}

	// A fresh axis sample routes to both streams.
	events <- InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 2, At: time.Now()}
	waitUntil(t, time.Second, func() bool { return oscOut.count() == 2 && vmcOut.count() == 2 },
		"no batches for the wheel sample")
	if got := oscOut.batch(1); got[0].Arguments[0] != float32(225) {
		t.Fatalf("expected remapped wheel value 225, got %+v", got[0].Arguments)
	}
	if got := vmcOut.batch(1); len(got) != 2 || got[0].Address != vmcAddrBonePos {
		t.Fatalf("expected pose bundle, got %+v", got)
	}

	close(events)
	waitForDaemon(t, done)

	// The loop published monitor broadcasts along the way.
	var inputs, angles int
	for {
		select {
		case bc := <-broadcasts:
			switch bc.(type) {
			case BroadcastInputChanged:
				inputs++
			case BroadcastDeviceAngle:
				angles++
			}
			continue
		default:
		}
		break
	}
	if inputs != 2 || angles != 1 {
		t.Errorf("expected 2 input + 1 angle broadcasts, got %d + %d", inputs, angles)
	}
}

func TestDaemon_SnapshotRequestRoundTrip(t *testing.T) {
	rt, state := newTestRouting(t)
	events, _, done := startDaemon(t, rt, state, Senders{Osc: &fakeTransport{}, Vmc: &fakeTransport{}})

	events <- InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 1, At: time.Now()}

	reply := make(chan MonitorSnapshot, 1)
	events <- RequestStateSnapshot{Reply: reply}

	select {
	case snap := <-reply:
		if len(snap.Inputs) != 3 {
			t.Fatalf("expected 3 inputs in snapshot, got %d", len(snap.Inputs))
		}
		if snap.Inputs[2].Input != "wheel" || snap.Inputs[2].Value != 0.75 {
			t.Errorf("expected wheel at 0.75, got %+v", snap.Inputs[2])
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for snapshot reply")
	}

	close(events)
	waitForDaemon(t, done)
}

func TestDaemon_PeriodicFullStateResend(t *testing.T) {
	rt, state := newTestRouting(t)
	rt.ReportInterval = 20 * time.Millisecond
	vmcOut := &fakeTransport{}

	events, _, done := startDaemon(t, rt, state, Senders{Osc: &fakeTransport{}, Vmc: vmcOut})

	waitUntil(t, time.Second, func() bool { return vmcOut.count() >= 1 }, "no full-state resend")
	full := vmcOut.batch(0)
	if full[0].Address != vmcAddrOK || full[1].Address != vmcAddrTime {
		t.Fatalf("expected full state to open with availability and time, got %+v", full)
	}

	close(events)
	waitForDaemon(t, done)
}

func TestDaemon_SendFailureIsCountedInState(t *testing.T) {
	rt, state := newTestRouting(t)
	// Without the report path the error counter survives until shutdown.
	rt.VmcEnabled = false

	events, _, done := startDaemon(t, rt, state, Senders{Osc: failingTransport{}})

	events <- InputSample{Input: "shift-up", Kind: InputButton, Value: 1, Seq: 1, At: time.Now()}

	close(events)
	waitForDaemon(t, done)

	if got := state.SendErrors; got != 1 {
		t.Errorf("expected 1 send error counted, got %d", got)
	}
	if !state.Inputs["shift-up"].Pressed {
		t.Errorf("expected the sample itself to be accepted")
	}
}
