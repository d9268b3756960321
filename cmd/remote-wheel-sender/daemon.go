package main

import (
	"context"
	"log/slog"
	"time"
)

// ==============================
// Daemon loop
// ==============================

// runDaemon owns all router state. It is the only goroutine that reduces
// events and the only one that executes commands, so the ordering between
// arbitration and sends is total.
//
// Shutdown semantics:
//   - Exits when ctx is canceled or the events channel closes
//   - A final report tick is reduced and flushed before returning
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	rt *Routing,
	state *RouterState,
	out Senders,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) {
	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}
	enqueueCommands := func(cmds []Command) {
		if len(cmds) == 0 {
			return
		}
		cmdQueue = append(cmdQueue, cmds...)
	}

	// Monitor broadcasts are best-effort; a saturated hub never stalls
	// routing.
	publish := func(bcs []StateBroadcast) {
		if broadcasts == nil {
			return
		}
		for _, bc := range bcs {
			select {
			case broadcasts <- bc:
			default:
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, rt)
			if rr.State != nil {
				state = rr.State
			}
			enqueueCommands(rr.Commands)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands. Observations are reduced promptly so
	// follow-up commands see a coherent state.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(out, cmd, logger, func(obs Event) {
				enqueueEvent(obs)
			})
			flushEvents()
		}
	}

	finish := func(reason string) {
		if rt.VmcEnabled && rt.ReportInterval > 0 {
			enqueueEvent(ReportTick{Now: time.Now(), Final: true})
			flushEvents()
			flushCommands()
		}
		logger.Info("daemon stopping", "reason", reason)
	}

	// The report ticker only runs when VMC output and reporting are both
	// enabled; a nil channel never fires.
	var tickCh <-chan time.Time
	if rt.VmcEnabled && rt.ReportInterval > 0 {
		ticker := time.NewTicker(rt.ReportInterval)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			finish("context canceled")
			return

		case ev, ok := <-events:
			if !ok {
				finish("events channel closed")
				return
			}
			enqueueEvent(ev)
			flushEvents()
			flushCommands()

		case now := <-tickCh:
			enqueueEvent(ReportTick{Now: now})
			flushEvents()
			flushCommands()
		}
	}
}
