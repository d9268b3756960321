package main

import (
	"slices"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// ==============================
// Reducer
// ==============================

// ReduceResult carries the outcome of one reduction step: the updated
// state, commands for the effects layer, and monitor broadcasts.
type ReduceResult struct {
	State      *RouterState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce applies one event to the router state. It performs no IO; every
// side effect is returned as a command and executed after the reduction.
func Reduce(s *RouterState, ev Event, rt *Routing) ReduceResult {
	switch ev := ev.(type) {
	case InputSample:
		return reduceInputSample(s, ev, rt)

	case ReportTick:
		return reduceReportTick(s, ev, rt)

	case VmcPacketObserved:
		return reduceVmcPacket(s, ev)

	case SendFailed:
		s.SendErrors++
		return ReduceResult{State: s}

	case RequestStateSnapshot:
		return ReduceResult{State: s, Commands: []Command{
			CmdPublishSnapshot{Reply: ev.Reply, Snapshot: s.snapshot()},
		}}
	}
	return ReduceResult{State: s}
}

// reduceInputSample arbitrates freshness and fans the accepted value out to
// the input's compiled actions. Edge messages go out before update messages
// for the same sample.
func reduceInputSample(s *RouterState, ev InputSample, rt *Routing) ReduceResult {
	plan := rt.Inputs[ev.Input]
	st := s.Inputs[ev.Input]
	if plan == nil || st == nil {
		return ReduceResult{State: s}
	}

	// Accept only strictly fresher samples. Equal or older sequences lost
	// the race to another source feeding the same input.
	if ev.Seq <= st.Freshness {
		s.StaleDrops++
		return ReduceResult{State: s}
	}

	prevPressed := st.Pressed
	st.Value = ev.Value
	st.Pressed = ev.Value != 0
	st.Freshness = ev.Seq
	st.Known = true

	pressed := ev.Kind == InputButton && st.Pressed && !prevPressed
	released := ev.Kind == InputButton && !st.Pressed && prevPressed

	res := ReduceResult{State: s}
	res.Broadcasts = append(res.Broadcasts, BroadcastInputChanged{
		Input:   ev.Input,
		Kind:    ev.Kind,
		Value:   st.Value,
		Pressed: st.Pressed,
		At:      ev.At,
	})

	if rt.OscEnabled {
		var msgs []*osc.Message
		if pressed {
			msgs = appendOscMessages(msgs, plan.Osc.OnPress, ev.Kind, st.Value)
		}
		if released {
			msgs = appendOscMessages(msgs, plan.Osc.OnRelease, ev.Kind, st.Value)
		}
		msgs = appendOscMessages(msgs, plan.Osc.OnUpdate, ev.Kind, st.Value)
		if len(msgs) > 0 {
			res.Commands = append(res.Commands, CmdSendOsc{Messages: msgs})
		}
	}

	if rt.VmcEnabled {
		var blends []*osc.Message
		var changed []string

		apply := func(plans []VmcActionPlan) {
			for _, p := range plans {
				switch {
				case p.Blend != nil:
					v := p.Blend.Value
					if !p.Blend.Edge {
						v = remapRange(st.Value, [2]float64{0, 1}, p.Blend.Range) / 100
					}
					s.Blends[p.Blend.Name] = v
					blends = append(blends, vmcBlendMessage(p.Blend.Name, v))

				case p.Device != nil:
					d := s.Devices[p.Device.Name]
					angle := remapRange(st.Value, [2]float64{0, 1}, p.Device.Range)
					if d.AngleDeg == angle {
						continue
					}
					d.AngleDeg = angle
					if !slices.Contains(changed, d.Name) {
						changed = append(changed, d.Name)
					}
				}
			}
		}

		if pressed {
			apply(plan.Vmc.OnPress)
		}
		if released {
			apply(plan.Vmc.OnRelease)
		}
		apply(plan.Vmc.OnUpdate)

		var msgs []*osc.Message
		if len(blends) > 0 {
			msgs = append(msgs, blends...)
			msgs = append(msgs, vmcBlendApplyMessage())
		}
		for _, name := range changed {
			d := s.Devices[name]
			msgs = append(msgs, wheelPoseMessages(d)...)
			res.Broadcasts = append(res.Broadcasts, BroadcastDeviceAngle{
				Device:   name,
				AngleDeg: d.AngleDeg,
				At:       ev.At,
			})
		}
		if len(msgs) > 0 {
			s.VmcOut.Bundles++
			s.VmcOut.Messages += int64(len(msgs))
			res.Commands = append(res.Commands, CmdSendVmc{Messages: msgs})
		}
	}

	return res
}

func appendOscMessages(msgs []*osc.Message, tmpls []OscMessageTemplate, kind InputKind, value float64) []*osc.Message {
	for _, t := range tmpls {
		msgs = append(msgs, t.Build(kind, value))
	}
	return msgs
}

// reduceReportTick snapshots and resets the traffic counters, then queues
// the full-state resend that keeps late-joining receivers current.
func reduceReportTick(s *RouterState, ev ReportTick, rt *Routing) ReduceResult {
	if !rt.VmcEnabled {
		return ReduceResult{State: s}
	}

	rep := TrafficReport{
		Interval:    ev.Now.Sub(s.LastReportAt),
		PacketsIn:   s.VmcIn.Packets,
		MessagesIn:  s.VmcIn.Messages,
		MinProc:     s.VmcIn.MinProc,
		MaxProc:     s.VmcIn.MaxProc,
		BundlesOut:  s.VmcOut.Bundles,
		MessagesOut: s.VmcOut.Messages,
		StaleDrops:  s.StaleDrops,
		SendErrors:  s.SendErrors,
		PeerStatus:  s.PeerStatus,
		PeerTime:    s.PeerTime,
		Final:       ev.Final,
	}
	if s.VmcIn.Packets > 0 {
		rep.AvgProc = s.VmcIn.TotalProc / time.Duration(s.VmcIn.Packets)
	}

	s.VmcIn = VmcInCounters{}
	s.VmcOut = VmcOutCounters{}
	s.StaleDrops = 0
	s.SendErrors = 0
	s.LastReportAt = ev.Now

	res := ReduceResult{State: s, Commands: []Command{CmdLogReport{Report: rep}}}
	if !ev.Final {
		msgs := vmcFullStateMessages(s, ev.Now)
		s.VmcOut.Bundles++
		s.VmcOut.Messages += int64(len(msgs))
		res.Commands = append(res.Commands, CmdSendVmc{Messages: msgs})
	}
	return res
}

// reduceVmcPacket folds one observed inbound packet into the counters and
// remembers the latest peer markers.
func reduceVmcPacket(s *RouterState, ev VmcPacketObserved) ReduceResult {
	c := &s.VmcIn
	if c.Packets == 0 || ev.Elapsed < c.MinProc {
		c.MinProc = ev.Elapsed
	}
	if ev.Elapsed > c.MaxProc {
		c.MaxProc = ev.Elapsed
	}
	c.Packets++
	c.Messages += int64(ev.Messages)
	c.TotalProc += ev.Elapsed

	if ev.Status != nil {
		s.PeerStatus = ev.Status
	}
	if ev.AvatarTime != nil {
		s.PeerTime = ev.AvatarTime
	}
	return ReduceResult{State: s}
}
