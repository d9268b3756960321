package main

import (
	"log/slog"
	"time"
)

// Senders bundles the outbound transports used by the effects layer.
// Either stream may be nil when disabled in configuration.
type Senders struct {
	Osc Transport
	Vmc Transport
}

// runEffect executes one command. Errors never propagate: they are logged
// and fed back into the loop as events.
func runEffect(out Senders, cmd Command, logger *slog.Logger, onEvent func(Event)) {
	switch cmd := cmd.(type) {
	case CmdSendOsc:
		if out.Osc == nil {
			return
		}
		if err := out.Osc.Send(cmd.Messages); err != nil {
			logger.Error("osc send failed", "error", err)
			onEvent(SendFailed{Stream: "osc", At: time.Now()})
		}

	case CmdSendVmc:
		if out.Vmc == nil {
			return
		}
		if err := out.Vmc.Send(cmd.Messages); err != nil {
			logger.Error("vmc send failed", "error", err)
			onEvent(SendFailed{Stream: "vmc", At: time.Now()})
		}

	case CmdLogReport:
		logTrafficReport(logger, cmd.Report)

	case CmdPublishSnapshot:
		select {
		case cmd.Reply <- cmd.Snapshot:
		default:
			logger.Warn("state snapshot requester not ready, dropping reply")
		}

	default:
		logger.Warn("unknown command", "command", cmd.String())
	}
}

// logTrafficReport emits the periodic VMC traffic summary as one log line.
func logTrafficReport(logger *slog.Logger, rep TrafficReport) {
	args := []any{
		"interval", rep.Interval.Round(time.Millisecond),
		"packets_in", rep.PacketsIn,
		"messages_in", rep.MessagesIn,
		"bundles_out", rep.BundlesOut,
		"messages_out", rep.MessagesOut,
		"stale_drops", rep.StaleDrops,
		"send_errors", rep.SendErrors,
	}
	if rep.PacketsIn > 0 {
		args = append(args,
			"proc_min", rep.MinProc,
			"proc_avg", rep.AvgProc,
			"proc_max", rep.MaxProc,
		)
	}
	if rep.PeerStatus != nil {
		args = append(args, "peer_loaded", *rep.PeerStatus)
	}
	if rep.PeerTime != nil {
		args = append(args, "peer_time", *rep.PeerTime)
	}
	if rep.Final {
		args = append(args, "final", true)
	}
	logger.Info("vmc traffic report", args...)
}
