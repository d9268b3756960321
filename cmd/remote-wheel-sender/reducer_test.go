package main

import (
	"testing"
	"time"
)

// newTestRouting compiles a small but representative routing table:
//
//   - axis "wheel": OSC update remapped onto [-450, 450] plus steering for
//     the "steering" device
//   - axis "throttle": drives the "Fun" blend shape
//   - button "shift-up": press/release OSC edges, an OSC update, and a
//     literal-valued "Joy" blend on each edge
func newTestRouting(t *testing.T) (*Routing, *RouterState) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Vmc.Enabled = true
	cfg.Vmc.Device = map[string]VmcDeviceConfig{
		"steering": {Position: [3]float64{0, 0.95, 0.3}},
	}
	cfg.Axis = map[string]InputConfig{
		"wheel": {
			Input: []InputSourceConfig{{Type: "osc", Address: "/wheel/rotation", Range: rangePtr(-450, 450)}},
			Output: OutputConfig{
				Osc: OscTriggersConfig{
					OnUpdate: []OscMessageConfig{{
						Address: "/wheel/rotation",
						Args:    []OscArgConfig{{Input: &InputArgConfig{Range: rangePtr(-450, 450)}}},
					}},
				},
				Vmc: VmcTriggersConfig{
					OnUpdate: []VmcActionConfig{{
						Device: &VmcDeviceActionConfig{Name: "steering", Range: rangePtr(-450, 450)},
					}},
				},
			},
		},
		"throttle": {
			Input: []InputSourceConfig{{Type: "osc", Address: "/throttle"}},
			Output: OutputConfig{
				Vmc: VmcTriggersConfig{
					OnUpdate: []VmcActionConfig{{
						BlendShape: &VmcBlendShapeConfig{Name: "Fun", Range: rangePtr(0, 100)},
					}},
				},
			},
		},
	}
	cfg.Button = map[string]InputConfig{
		"shift-up": {
			Input: []InputSourceConfig{{Type: "controller", Controller: "Test Wheel", Button: intPtr(5)}},
			Output: OutputConfig{
				Osc: OscTriggersConfig{
					OnPress:   []OscMessageConfig{{Address: "/wheel/shift-up/pressed"}},
					OnRelease: []OscMessageConfig{{Address: "/wheel/shift-up/released"}},
					OnUpdate: []OscMessageConfig{{
						Address: "/wheel/shift-up",
						Args:    []OscArgConfig{{Input: &InputArgConfig{}}},
					}},
				},
				Vmc: VmcTriggersConfig{
					OnPress: []VmcActionConfig{{
						BlendShape: &VmcBlendShapeConfig{Name: "Joy", Value: floatPtr(1)},
					}},
					OnRelease: []VmcActionConfig{{
						BlendShape: &VmcBlendShapeConfig{Name: "Joy", Value: floatPtr(0)},
					}},
				},
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("fixture config invalid: %v", err)
	}
	rt, state, err := compileRouting(cfg)
	if err != nil {
		t.Fatalf("fixture routing failed to compile: %v", err)
	}
	return rt, state
}

func TestReduce_WheelSample_RemapsToOscAndSteersDevice(t *testing.T) {
	rt, s := newTestRouting(t)
	t0 := time.Unix(1000, 0).UTC()

	rr := Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 1, At: t0}, rt)

	st := s.Inputs["wheel"]
	if !st.Known || st.Value != 0.75 || st.Freshness != 1 {
		t.Fatalf("expected accepted sample in state, got %+v", st)
	}

	if got := len(rr.Commands); got != 2 {
		t.Fatalf("expected 2 commands (osc + vmc), got %d", got)
	}

	oscCmd, ok := rr.Commands[0].(CmdSendOsc)
	if !ok {
		t.Fatalf("expected CmdSendOsc first, got %T", rr.Commands[0])
	}
	if len(oscCmd.Messages) != 1 || oscCmd.Messages[0].Address != "/wheel/rotation" {
		t.Fatalf("expected one /wheel/rotation message, got %+v", oscCmd.Messages)
	}
	// 0.75 over [-450, 450] lands at 225 degrees.
	if got := oscCmd.Messages[0].Arguments[0]; got != float32(225) {
		t.Errorf("expected remapped argument 225, got %v", got)
	}

	vmcCmd, ok := rr.Commands[1].(CmdSendVmc)
	if !ok {
		t.Fatalf("expected CmdSendVmc second, got %T", rr.Commands[1])
	}
	// No tracker configured, so just the two hand bones.
	if len(vmcCmd.Messages) != 2 {
		t.Fatalf("expected 2 pose messages, got %d", len(vmcCmd.Messages))
	}
	for _, m := range vmcCmd.Messages {
		if m.Address != vmcAddrBonePos {
			t.Errorf("expected bone message, got %s", m.Address)
		}
	}
	if got := s.Devices["steering"].AngleDeg; got != 225 {
		t.Errorf("expected device steered to 225 degrees, got %v", got)
	}

	if len(rr.Broadcasts) != 2 {
		t.Fatalf("expected input + device broadcasts, got %d", len(rr.Broadcasts))
	}
	in, ok := rr.Broadcasts[0].(BroadcastInputChanged)
	if !ok || in.Input != "wheel" || in.Value != 0.75 || !in.At.Equal(t0) {
		t.Errorf("unexpected input broadcast %+v", rr.Broadcasts[0])
	}
	dev, ok := rr.Broadcasts[1].(BroadcastDeviceAngle)
	if !ok || dev.Device != "steering" || dev.AngleDeg != 225 {
		t.Errorf("unexpected device broadcast %+v", rr.Broadcasts[1])
	}

	if got := s.VmcOut.Bundles; got != 1 {
		t.Errorf("expected 1 outbound bundle counted, got %d", got)
	}
	if got := s.VmcOut.Messages; got != 2 {
		t.Errorf("expected 2 outbound messages counted, got %d", got)
	}
}

func TestReduce_InputSample_DropsStaleOrEqualSeq(t *testing.T) {
	rt, s := newTestRouting(t)
	t0 := time.Unix(1000, 0).UTC()

	Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 5, At: t0}, rt)

	// Equal sequence: another source lost the race for the same ingestion slot.
	rr := Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.25, Seq: 5, At: t0}, rt)
	if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 {
		t.Fatalf("expected equal-seq sample to be dropped, got %d commands, %d broadcasts",
			len(rr.Commands), len(rr.Broadcasts))
	}

	// Older sequence: a delayed delivery must not roll the value back.
	rr = Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.1, Seq: 3, At: t0}, rt)
	if len(rr.Commands) != 0 {
		t.Fatalf("expected stale sample to be dropped, got %d commands", len(rr.Commands))
	}

	if got := s.StaleDrops; got != 2 {
		t.Errorf("expected 2 stale drops counted, got %d", got)
	}
	if got := s.Inputs["wheel"].Value; got != 0.75 {
		t.Errorf("expected value to stay at 0.75, got %v", got)
	}
	if got := s.Inputs["wheel"].Freshness; got != 5 {
		t.Errorf("expected freshness to stay at 5, got %d", got)
	}
}

func TestReduce_UnknownInput_IsIgnored(t *testing.T) {
	rt, s := newTestRouting(t)

	rr := Reduce(s, InputSample{Input: "clutch", Kind: InputAxis, Value: 0.5, Seq: 1}, rt)
	if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 || s.StaleDrops != 0 {
		t.Fatalf("expected unknown input to be ignored, got %+v", rr)
	}
}

func TestReduce_ButtonPress_EdgeMessagesPrecedeUpdate(t *testing.T) {
	rt, s := newTestRouting(t)
	t0 := time.Unix(1000, 0).UTC()

	rr := Reduce(s, InputSample{Input: "shift-up", Kind: InputButton, Value: 1, Seq: 1, At: t0}, rt)

	if got := len(rr.Commands); got != 2 {
		t.Fatalf("expected 2 commands on press, got %d", got)
	}
	oscCmd, ok := rr.Commands[0].(CmdSendOsc)
	if !ok {
		t.Fatalf("expected CmdSendOsc, got %T", rr.Commands[0])
	}
	if len(oscCmd.Messages) != 2 {
		t.Fatalf("expected press + update messages in one batch, got %d", len(oscCmd.Messages))
	}
	if oscCmd.Messages[0].Address != "/wheel/shift-up/pressed" {
		t.Errorf("expected press edge first, got %s", oscCmd.Messages[0].Address)
	}
	if oscCmd.Messages[1].Address != "/wheel/shift-up" {
		t.Errorf("expected update second, got %s", oscCmd.Messages[1].Address)
	}
	if got := oscCmd.Messages[1].Arguments[0]; got != true {
		t.Errorf("expected update argument true, got %v", got)
	}

	vmcCmd, ok := rr.Commands[1].(CmdSendVmc)
	if !ok {
		t.Fatalf("expected CmdSendVmc, got %T", rr.Commands[1])
	}
	if len(vmcCmd.Messages) != 2 ||
		vmcCmd.Messages[0].Address != vmcAddrBlendVal ||
		vmcCmd.Messages[1].Address != vmcAddrBlendApply {
		t.Fatalf("expected blend + apply, got %+v", vmcCmd.Messages)
	}
	// Edge blends send the configured literal, not a remapped value.
	if got := vmcCmd.Messages[0].Arguments[1]; got != float32(1) {
		t.Errorf("expected Joy=1, got %v", got)
	}
	if got := s.Blends["Joy"]; got != 1 {
		t.Errorf("expected Joy blend recorded as 1, got %v", got)
	}

	// Release mirrors the press with the opposite edge.
	rr = Reduce(s, InputSample{Input: "shift-up", Kind: InputButton, Value: 0, Seq: 2, At: t0}, rt)
	oscCmd, ok = rr.Commands[0].(CmdSendOsc)
	if !ok {
		t.Fatalf("expected CmdSendOsc on release, got %T", rr.Commands[0])
	}
	if oscCmd.Messages[0].Address != "/wheel/shift-up/released" {
		t.Errorf("expected release edge first, got %s", oscCmd.Messages[0].Address)
	}
	if got := oscCmd.Messages[1].Arguments[0]; got != false {
		t.Errorf("expected update argument false, got %v", got)
	}
	if got := s.Blends["Joy"]; got != 0 {
		t.Errorf("expected Joy blend recorded as 0, got %v", got)
	}
}

func TestReduce_RepeatedPress_IsNotAnEdge(t *testing.T) {
	rt, s := newTestRouting(t)

	Reduce(s, InputSample{Input: "shift-up", Kind: InputButton, Value: 1, Seq: 1}, rt)

	// A fresher sample with the same pressed state updates without edges.
	rr := Reduce(s, InputSample{Input: "shift-up", Kind: InputButton, Value: 1, Seq: 2}, rt)

	if got := len(rr.Commands); got != 1 {
		t.Fatalf("expected only the update command, got %d", got)
	}
	oscCmd, ok := rr.Commands[0].(CmdSendOsc)
	if !ok {
		t.Fatalf("expected CmdSendOsc, got %T", rr.Commands[0])
	}
	if len(oscCmd.Messages) != 1 || oscCmd.Messages[0].Address != "/wheel/shift-up" {
		t.Fatalf("expected a lone update message, got %+v", oscCmd.Messages)
	}
}

func TestReduce_BlendShapeUpdate_RemapsAndDividesBy100(t *testing.T) {
	rt, s := newTestRouting(t)

	rr := Reduce(s, InputSample{Input: "throttle", Kind: InputAxis, Value: 0.5, Seq: 1}, rt)

	// Throttle has no OSC actions, so the blend bundle is the only command.
	if got := len(rr.Commands); got != 1 {
		t.Fatalf("expected 1 command, got %d", got)
	}
	vmcCmd, ok := rr.Commands[0].(CmdSendVmc)
	if !ok {
		t.Fatalf("expected CmdSendVmc, got %T", rr.Commands[0])
	}
	if len(vmcCmd.Messages) != 2 ||
		vmcCmd.Messages[0].Address != vmcAddrBlendVal ||
		vmcCmd.Messages[1].Address != vmcAddrBlendApply {
		t.Fatalf("expected blend + apply, got %+v", vmcCmd.Messages)
	}

	// 0.5 remapped onto [0, 100] is 50; the wire value is 50/100.
	if got := vmcCmd.Messages[0].Arguments[0]; got != "Fun" {
		t.Errorf("expected blend name Fun, got %v", got)
	}
	if got := vmcCmd.Messages[0].Arguments[1]; got != float32(0.5) {
		t.Errorf("expected blend value 0.5, got %v", got)
	}
	if got := s.Blends["Fun"]; got != 0.5 {
		t.Errorf("expected Fun blend recorded as 0.5, got %v", got)
	}
}

func TestReduce_DeviceAngleUnchanged_SkipsPose(t *testing.T) {
	rt, s := newTestRouting(t)

	Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 1}, rt)

	// Same value again, fresher sequence: OSC still fires, the pose does not.
	rr := Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 2}, rt)

	if got := len(rr.Commands); got != 1 {
		t.Fatalf("expected only the osc command, got %d", got)
	}
	if _, ok := rr.Commands[0].(CmdSendOsc); !ok {
		t.Fatalf("expected CmdSendOsc, got %T", rr.Commands[0])
	}
	if got := len(rr.Broadcasts); got != 1 {
		t.Fatalf("expected only the input broadcast, got %d", got)
	}
	if _, ok := rr.Broadcasts[0].(BroadcastInputChanged); !ok {
		t.Fatalf("expected BroadcastInputChanged, got %T", rr.Broadcasts[0])
	}
}

func TestReduce_ReportTick_ResetsCountersAndResendsFullState(t *testing.T) {
	rt, s := newTestRouting(t)
	t0 := time.Unix(1000, 0).UTC()
	t1 := t0.Add(60 * time.Second)

	// Route some traffic into the interval.
	Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 1, At: t0}, rt)
	Reduce(s, InputSample{Input: "throttle", Kind: InputAxis, Value: 0.5, Seq: 2, At: t0}, rt)

	loaded := int32(1)
	Reduce(s, VmcPacketObserved{Messages: 3, Elapsed: 2 * time.Millisecond, Status: &loaded, At: t0}, rt)
	Reduce(s, VmcPacketObserved{Messages: 1, Elapsed: 4 * time.Millisecond, At: t0}, rt)

	s.LastReportAt = t0
	rr := Reduce(s, ReportTick{Now: t1}, rt)

	if got := len(rr.Commands); got != 2 {
		t.Fatalf("expected report + resend commands, got %d", got)
	}

	logCmd, ok := rr.Commands[0].(CmdLogReport)
	if !ok {
		t.Fatalf("expected CmdLogReport, got %T", rr.Commands[0])
	}
	rep := logCmd.Report
	if rep.Interval != 60*time.Second {
		t.Errorf("expected 60s interval, got %v", rep.Interval)
	}
	if rep.PacketsIn != 2 || rep.MessagesIn != 4 {
		t.Errorf("expected 2 packets / 4 messages in, got %d / %d", rep.PacketsIn, rep.MessagesIn)
	}
	if rep.MinProc != 2*time.Millisecond || rep.MaxProc != 4*time.Millisecond || rep.AvgProc != 3*time.Millisecond {
		t.Errorf("expected proc 2ms/3ms/4ms, got %v/%v/%v", rep.MinProc, rep.AvgProc, rep.MaxProc)
	}
	if rep.BundlesOut != 2 || rep.MessagesOut != 4 {
		t.Errorf("expected 2 bundles / 4 messages out, got %d / %d", rep.BundlesOut, rep.MessagesOut)
	}
	if rep.PeerStatus == nil || *rep.PeerStatus != 1 {
		t.Errorf("expected peer status 1, got %v", rep.PeerStatus)
	}
	if rep.Final {
		t.Errorf("expected a periodic report, got final")
	}

	resend, ok := rr.Commands[1].(CmdSendVmc)
	if !ok {
		t.Fatalf("expected CmdSendVmc resend, got %T", rr.Commands[1])
	}
	wantAddrs := []string{vmcAddrOK, vmcAddrTime, vmcAddrBonePos, vmcAddrBonePos, vmcAddrBlendVal, vmcAddrBlendApply}
	if len(resend.Messages) != len(wantAddrs) {
		t.Fatalf("expected %d full-state messages, got %d", len(wantAddrs), len(resend.Messages))
	}
	for i, want := range wantAddrs {
		if resend.Messages[i].Address != want {
			t.Errorf("expected message %d to be %s, got %s", i, want, resend.Messages[i].Address)
		}
	}
	if got := resend.Messages[0].Arguments[0]; got != int32(1) {
		t.Errorf("expected availability 1, got %v", got)
	}

	// Counters restart; the resend itself is the new interval's first bundle.
	if s.VmcIn.Packets != 0 || s.VmcIn.Messages != 0 {
		t.Errorf("expected inbound counters reset, got %+v", s.VmcIn)
	}
	if s.VmcOut.Bundles != 1 || s.VmcOut.Messages != int64(len(wantAddrs)) {
		t.Errorf("expected resend counted into the new interval, got %+v", s.VmcOut)
	}
	if !s.LastReportAt.Equal(t1) {
		t.Errorf("expected report anchor moved to %v, got %v", t1, s.LastReportAt)
	}
}

func TestReduce_FinalReportTick_SkipsNetworkResend(t *testing.T) {
	rt, s := newTestRouting(t)
	t1 := time.Unix(2000, 0).UTC()

	rr := Reduce(s, ReportTick{Now: t1, Final: true}, rt)

	if got := len(rr.Commands); got != 1 {
		t.Fatalf("expected only the log command, got %d", got)
	}
	logCmd, ok := rr.Commands[0].(CmdLogReport)
	if !ok {
		t.Fatalf("expected CmdLogReport, got %T", rr.Commands[0])
	}
	if !logCmd.Report.Final {
		t.Errorf("expected final report")
	}
	if s.VmcOut.Bundles != 0 {
		t.Errorf("expected no outbound traffic on shutdown, got %+v", s.VmcOut)
	}
}

func TestReduce_VmcPacketObserved_TracksProcessingStats(t *testing.T) {
	rt, s := newTestRouting(t)

	Reduce(s, VmcPacketObserved{Messages: 2, Elapsed: 5 * time.Millisecond}, rt)
	Reduce(s, VmcPacketObserved{Messages: 1, Elapsed: 1 * time.Millisecond}, rt)
	Reduce(s, VmcPacketObserved{Messages: 4, Elapsed: 3 * time.Millisecond}, rt)

	if s.VmcIn.Packets != 3 || s.VmcIn.Messages != 7 {
		t.Errorf("expected 3 packets / 7 messages, got %+v", s.VmcIn)
	}
	if s.VmcIn.MinProc != 1*time.Millisecond || s.VmcIn.MaxProc != 5*time.Millisecond {
		t.Errorf("expected min 1ms / max 5ms, got %+v", s.VmcIn)
	}
	if s.VmcIn.TotalProc != 9*time.Millisecond {
		t.Errorf("expected total 9ms, got %v", s.VmcIn.TotalProc)
	}

	// Peer markers stick until overwritten.
	loaded := int32(0)
	avatarTime := float32(12.5)
	Reduce(s, VmcPacketObserved{Messages: 1, Status: &loaded, AvatarTime: &avatarTime}, rt)
	Reduce(s, VmcPacketObserved{Messages: 1}, rt)

	if s.PeerStatus == nil || *s.PeerStatus != 0 {
		t.Errorf("expected peer status 0, got %v", s.PeerStatus)
	}
	if s.PeerTime == nil || *s.PeerTime != 12.5 {
		t.Errorf("expected peer time 12.5, got %v", s.PeerTime)
	}
}

func TestReduce_SendFailed_CountsErrors(t *testing.T) {
	rt, s := newTestRouting(t)

	rr := Reduce(s, SendFailed{Stream: "osc"}, rt)
	if len(rr.Commands) != 0 {
		t.Fatalf("expected no commands, got %d", len(rr.Commands))
	}
	Reduce(s, SendFailed{Stream: "vmc"}, rt)

	if got := s.SendErrors; got != 2 {
		t.Errorf("expected 2 send errors, got %d", got)
	}
}

func TestReduce_RequestStateSnapshot_PublishesSortedSnapshot(t *testing.T) {
	rt, s := newTestRouting(t)

	Reduce(s, InputSample{Input: "wheel", Kind: InputAxis, Value: 0.75, Seq: 1}, rt)

	reply := make(chan MonitorSnapshot, 1)
	rr := Reduce(s, RequestStateSnapshot{Reply: reply}, rt)

	if got := len(rr.Commands); got != 1 {
		t.Fatalf("expected 1 command, got %d", got)
	}
	cmd, ok := rr.Commands[0].(CmdPublishSnapshot)
	if !ok {
		t.Fatalf("expected CmdPublishSnapshot, got %T", rr.Commands[0])
	}
	if cmd.Reply != (chan<- MonitorSnapshot)(reply) {
		t.Errorf("expected the requester's reply channel to be carried through")
	}

	snap := cmd.Snapshot
	if len(snap.Inputs) != 3 {
		t.Fatalf("expected 3 inputs in snapshot, got %d", len(snap.Inputs))
	}
	for i, want := range []string{"shift-up", "throttle", "wheel"} {
		if snap.Inputs[i].Input != want {
			t.Errorf("expected input %d to be %q, got %q", i, want, snap.Inputs[i].Input)
		}
	}
	if !snap.Inputs[2].Known || snap.Inputs[2].Value != 0.75 {
		t.Errorf("expected wheel known at 0.75, got %+v", snap.Inputs[2])
	}
	if len(snap.Devices) != 1 || snap.Devices[0].Device != "steering" || snap.Devices[0].AngleDeg != 225 {
		t.Errorf("expected steering at 225 degrees, got %+v", snap.Devices)
	}
}
