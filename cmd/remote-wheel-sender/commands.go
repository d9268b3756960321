package main

import (
	"fmt"

	"github.com/hypebeast/go-osc/osc"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect emitted by the reducer and
// executed by the daemon loop. Sends are fire-and-forget: failures are
// logged and counted, never retried.
type Command interface {
	commandMarker()
	String() string
}

// CmdSendOsc sends one batch of routed action messages on the plain OSC
// stream. The sender wraps the batch with the configured pre/post bundle
// content and applies the single-message optimization.
type CmdSendOsc struct {
	Messages []*osc.Message
}

func (CmdSendOsc) commandMarker() {}
func (c CmdSendOsc) String() string {
	return fmt.Sprintf("CmdSendOsc(messages=%d)", len(c.Messages))
}

// CmdSendVmc sends one bundle on the VMC performer stream.
type CmdSendVmc struct {
	Messages []*osc.Message
}

func (CmdSendVmc) commandMarker() {}
func (c CmdSendVmc) String() string {
	return fmt.Sprintf("CmdSendVmc(messages=%d)", len(c.Messages))
}

// CmdLogReport writes the periodic traffic report line. The reducer has
// already reset the counters the report was built from.
type CmdLogReport struct {
	Report TrafficReport
}

func (CmdLogReport) commandMarker() {}
func (c CmdLogReport) String() string {
	return fmt.Sprintf("CmdLogReport(final=%v)", c.Report.Final)
}

// CmdPublishSnapshot delivers a reducer-produced monitor snapshot to the
// requesting goroutine.
type CmdPublishSnapshot struct {
	Reply    chan<- MonitorSnapshot
	Snapshot MonitorSnapshot
}

func (CmdPublishSnapshot) commandMarker() {}
func (CmdPublishSnapshot) String() string { return "CmdPublishSnapshot()" }
