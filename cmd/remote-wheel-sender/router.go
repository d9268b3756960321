package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// ==============================
// Compiled routing
// ==============================

// Routing is the immutable routing table compiled from configuration: per
// input output plans, source bindings for the adapters, and stream toggles.
// It is shared read-only by the daemon loop and the producers.
type Routing struct {
	Inputs map[string]*InputPlan

	ControllerSpecs []*ControllerSpec
	OscBindings     map[string][]OscBinding

	// Static bundle content, evaluated once at startup.
	OscPre  []*osc.Message
	OscPost []*osc.Message

	OscEnabled bool
	VmcEnabled bool

	ReportInterval time.Duration
}

// InputPlan holds one logical input's compiled output actions.
type InputPlan struct {
	Name string
	Kind InputKind
	Osc  OscTriggerPlans
	Vmc  VmcTriggerPlans
}

type OscTriggerPlans struct {
	OnUpdate  []OscMessageTemplate
	OnPress   []OscMessageTemplate
	OnRelease []OscMessageTemplate
}

type VmcTriggerPlans struct {
	OnUpdate  []VmcActionPlan
	OnPress   []VmcActionPlan
	OnRelease []VmcActionPlan
}

// VmcActionPlan is a compiled VMC action; exactly one side is set.
type VmcActionPlan struct {
	Blend  *VmcBlendPlan
	Device *VmcDevicePlan
}

// VmcBlendPlan drives a named blendshape. Update plans remap the routed value
// through Range and divide by 100; edge plans send the literal Value.
type VmcBlendPlan struct {
	Name  string
	Range [2]float64
	Value float64
	Edge  bool
}

// VmcDevicePlan steers a wheel device: the routed value remapped through
// Range becomes the steering angle in degrees.
type VmcDevicePlan struct {
	Name  string
	Range [2]float64
}

// OscBinding targets one logical input from an inbound OSC address.
type OscBinding struct {
	Input string
	Kind  InputKind
	Range [2]float64
}

// compileRouting turns a validated Config into the routing table and the
// initial router state. Cross-reference errors (an action naming an
// undeclared device, an input name used as both axis and button) surface
// here, before the loop starts.
func compileRouting(cfg Config) (*Routing, *RouterState, error) {
	now := time.Now()
	rt := &Routing{
		Inputs:         make(map[string]*InputPlan),
		OscBindings:    make(map[string][]OscBinding),
		OscEnabled:     cfg.Osc.Enabled,
		VmcEnabled:     cfg.Vmc.Enabled,
		ReportInterval: cfg.ReportInterval(),
	}
	state := &RouterState{
		Inputs:       make(map[string]*InputState),
		Devices:      make(map[string]*DeviceState),
		Blends:       make(map[string]float64),
		StartedAt:    now,
		LastReportAt: now,
	}

	for name, dev := range cfg.Vmc.Device {
		state.Devices[name] = &DeviceState{
			Name: name,
			Geometry: WheelGeometry{
				Position: vec3{X: dev.Position[0], Y: dev.Position[1], Z: dev.Position[2]},
				Rotation: vec3{X: dev.Rotation[0], Y: dev.Rotation[1], Z: dev.Rotation[2]},
				Radius:   dev.Radius,
			},
			Tracker: dev.Tracker,
		}
	}

	specs := make(map[string]*ControllerSpec)

	addInput := func(section, name string, in InputConfig, kind InputKind) error {
		if _, exists := rt.Inputs[name]; exists {
			return fmt.Errorf("input %q is declared as both an axis and a button", name)
		}

		plan := &InputPlan{Name: name, Kind: kind}
		var err error
		if plan.Osc.OnUpdate, err = compileOscTemplates(in.Output.Osc.OnUpdate); err != nil {
			return fmt.Errorf("%s.%s.output.osc.on_update: %w", section, name, err)
		}
		if plan.Osc.OnPress, err = compileOscTemplates(in.Output.Osc.OnPress); err != nil {
			return fmt.Errorf("%s.%s.output.osc.on_press: %w", section, name, err)
		}
		if plan.Osc.OnRelease, err = compileOscTemplates(in.Output.Osc.OnRelease); err != nil {
			return fmt.Errorf("%s.%s.output.osc.on_release: %w", section, name, err)
		}
		if plan.Vmc.OnUpdate, err = compileVmcActions(in.Output.Vmc.OnUpdate, state.Devices, false); err != nil {
			return fmt.Errorf("%s.%s.output.vmc.on_update: %w", section, name, err)
		}
		if plan.Vmc.OnPress, err = compileVmcActions(in.Output.Vmc.OnPress, state.Devices, true); err != nil {
			return fmt.Errorf("%s.%s.output.vmc.on_press: %w", section, name, err)
		}
		if plan.Vmc.OnRelease, err = compileVmcActions(in.Output.Vmc.OnRelease, state.Devices, true); err != nil {
			return fmt.Errorf("%s.%s.output.vmc.on_release: %w", section, name, err)
		}

		rt.Inputs[name] = plan
		state.Inputs[name] = &InputState{Name: name, Kind: kind}

		for _, src := range in.Input {
			switch src.Type {
			case "controller":
				spec := specs[src.Controller]
				if spec == nil {
					spec = newControllerSpec(src.Controller)
					specs[src.Controller] = spec
				}
				binding := ControllerBinding{Input: name, Kind: kind}
				if kind == InputAxis {
					spec.Axes[*src.Axis] = append(spec.Axes[*src.Axis], binding)
				} else {
					spec.Buttons[*src.Button] = append(spec.Buttons[*src.Button], binding)
				}

			case "osc":
				r := [2]float64{0, 1}
				if src.Range != nil {
					r = *src.Range
				}
				rt.OscBindings[src.Address] = append(rt.OscBindings[src.Address],
					OscBinding{Input: name, Kind: kind, Range: r})
			}
		}
		return nil
	}

	for _, name := range sortedKeys(cfg.Axis) {
		if err := addInput("axis", name, cfg.Axis[name], InputAxis); err != nil {
			return nil, nil, err
		}
	}
	for _, name := range sortedKeys(cfg.Button) {
		if err := addInput("button", name, cfg.Button[name], InputButton); err != nil {
			return nil, nil, err
		}
	}

	for _, match := range sortedKeys(specs) {
		rt.ControllerSpecs = append(rt.ControllerSpecs, specs[match])
	}

	pre, err := compileOscTemplates(cfg.Osc.PreBundle)
	if err != nil {
		return nil, nil, fmt.Errorf("osc.pre_bundle: %w", err)
	}
	post, err := compileOscTemplates(cfg.Osc.PostBundle)
	if err != nil {
		return nil, nil, fmt.Errorf("osc.post_bundle: %w", err)
	}
	rt.OscPre = buildStaticMessages(pre)
	rt.OscPost = buildStaticMessages(post)

	return rt, state, nil
}

func compileVmcActions(cfgs []VmcActionConfig, devices map[string]*DeviceState, edge bool) ([]VmcActionPlan, error) {
	var plans []VmcActionPlan
	for i, a := range cfgs {
		switch {
		case a.BlendShape != nil:
			p := &VmcBlendPlan{Name: a.BlendShape.Name, Edge: edge}
			if edge {
				p.Value = *a.BlendShape.Value
			} else {
				p.Range = [2]float64{0, 1}
				if a.BlendShape.Range != nil {
					p.Range = *a.BlendShape.Range
				}
			}
			plans = append(plans, VmcActionPlan{Blend: p})

		case a.Device != nil:
			if _, ok := devices[a.Device.Name]; !ok {
				return nil, fmt.Errorf("[%d]: unknown device %q (declare it under vmc.device)", i, a.Device.Name)
			}
			r := [2]float64{0, 1}
			if a.Device.Range != nil {
				r = *a.Device.Range
			}
			plans = append(plans, VmcActionPlan{Device: &VmcDevicePlan{Name: a.Device.Name, Range: r}})
		}
	}
	return plans, nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ==============================
// Router state
// ==============================

// RouterState is all mutable routing state. It is owned by the daemon
// goroutine (single-owner); nothing else may read or write it.
type RouterState struct {
	Inputs  map[string]*InputState
	Devices map[string]*DeviceState

	// Last value sent per blendshape name, kept for full-state resends.
	Blends map[string]float64

	VmcIn      VmcInCounters
	VmcOut     VmcOutCounters
	StaleDrops int64
	SendErrors int64

	// Last peer status seen on the VMC input stream.
	PeerStatus *int32
	PeerTime   *float32

	StartedAt    time.Time
	LastReportAt time.Time
}

// InputState tracks one logical input's routed value and freshness marker.
type InputState struct {
	Name    string
	Kind    InputKind
	Value   float64
	Pressed bool

	// Freshness is the highest accepted sequence; 0 means nothing has been
	// accepted yet. An update is accepted only when its sequence is strictly
	// greater.
	Freshness uint64

	Known bool
}

// DeviceState tracks one VMC device's geometry and current steering angle.
type DeviceState struct {
	Name     string
	Geometry WheelGeometry
	Tracker  string
	AngleDeg float64
}

type VmcInCounters struct {
	Packets   int64
	Messages  int64
	MinProc   time.Duration
	MaxProc   time.Duration
	TotalProc time.Duration
}

type VmcOutCounters struct {
	Bundles  int64
	Messages int64
}

// ==============================
// Monitor snapshot
// ==============================

// MonitorSnapshot is the monitor-facing view of the router state, with
// deterministic ordering.
type MonitorSnapshot struct {
	Inputs  []MonitorInput  `json:"inputs"`
	Devices []MonitorDevice `json:"devices,omitempty"`
}

type MonitorInput struct {
	Input   string  `json:"input"`
	Kind    string  `json:"kind"`
	Value   float64 `json:"value"`
	Pressed bool    `json:"pressed,omitempty"`
	Known   bool    `json:"known"`
}

type MonitorDevice struct {
	Device   string  `json:"device"`
	AngleDeg float64 `json:"angle_deg"`
}

func (s *RouterState) snapshot() MonitorSnapshot {
	snap := MonitorSnapshot{
		Inputs: make([]MonitorInput, 0, len(s.Inputs)),
	}
	for _, st := range s.Inputs {
		snap.Inputs = append(snap.Inputs, MonitorInput{
			Input:   st.Name,
			Kind:    st.Kind.String(),
			Value:   st.Value,
			Pressed: st.Pressed,
			Known:   st.Known,
		})
	}
	sort.Slice(snap.Inputs, func(i, j int) bool { return snap.Inputs[i].Input < snap.Inputs[j].Input })

	for _, d := range s.Devices {
		snap.Devices = append(snap.Devices, MonitorDevice{Device: d.Name, AngleDeg: d.AngleDeg})
	}
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].Device < snap.Devices[j].Device })

	return snap
}
