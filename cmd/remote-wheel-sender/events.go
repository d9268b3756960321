package main

import (
	"log/slog"
	"time"
)

// ==============================
// Events (inputs to the reducer)
// ==============================

// Event is anything the daemon loop can reduce: routed input samples from the
// adapters, report timer ticks, inbound VMC observations, send failures fed
// back from the effects layer, and monitor snapshot requests.
type Event interface {
	eventMarker()
}

// InputKind distinguishes the two logical input families.
type InputKind int

const (
	InputAxis InputKind = iota
	InputButton
)

func (k InputKind) String() string {
	if k == InputButton {
		return "button"
	}
	return "axis"
}

// InputSample is one delivery from an input adapter: a logical input name,
// the value already normalized to the canonical [0,1] domain (buttons carry
// 0 or 1), and the global ingestion sequence used for freshness arbitration.
type InputSample struct {
	Input string
	Kind  InputKind
	Value float64
	Seq   uint64
	At    time.Time
}

func (InputSample) eventMarker() {}

// ReportTick fires on the periodic report timer. Final is set once, on
// shutdown, to flush the counters without sending a network report.
type ReportTick struct {
	Now   time.Time
	Final bool
}

func (ReportTick) eventMarker() {}

// VmcPacketObserved carries per-datagram statistics from the VMC listener.
// Status and AvatarTime hold the last /VMC/Ext/OK and /VMC/Ext/T values seen
// in the datagram, when present.
type VmcPacketObserved struct {
	Messages   int
	Elapsed    time.Duration
	Status     *int32
	AvatarTime *float32
	At         time.Time
}

func (VmcPacketObserved) eventMarker() {}

// SendFailed is fed back by the effects layer when an outbound datagram could
// not be written. The reducer only counts it; there is no retry.
type SendFailed struct {
	Stream string // "osc" or "vmc"
	At     time.Time
}

func (SendFailed) eventMarker() {}

// RequestStateSnapshot asks the reducer for a monitor snapshot of all inputs
// and devices. The reply channel must be buffered; the effects layer never
// blocks on it.
type RequestStateSnapshot struct {
	Reply chan<- MonitorSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// pushEvent enqueues ev for the daemon loop without ever blocking a producer:
// when the queue is full the oldest pending event is discarded to make room,
// keeping the freshest samples flowing.
func pushEvent(events chan Event, ev Event, logger *slog.Logger) {
	select {
	case events <- ev:
		return
	default:
	}

	select {
	case old := <-events:
		logger.Warn("event queue full, discarding oldest pending event", "discarded", old)
	default:
	}

	select {
	case events <- ev:
	default:
		logger.Warn("event queue still full, dropping event", "dropped", ev)
	}
}

// ==============================
// Broadcasts (reducer -> monitor)
// ==============================

// StateBroadcast is a reducer-emitted notification for monitor clients.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastInputChanged reports an accepted input update.
type BroadcastInputChanged struct {
	Input   string
	Kind    InputKind
	Value   float64
	Pressed bool
	At      time.Time
}

func (BroadcastInputChanged) broadcastMarker() {}

// BroadcastDeviceAngle reports a wheel device's new steering angle.
type BroadcastDeviceAngle struct {
	Device   string
	AngleDeg float64
	At       time.Time
}

func (BroadcastDeviceAngle) broadcastMarker() {}
