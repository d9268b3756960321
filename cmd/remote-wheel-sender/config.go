package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the sender.
//
// The config file is the primary configuration surface; flags exist for small
// overrides only. Defaults and validation are centralized here so the rest of
// the code can assume a well-formed config.
type Config struct {
	// Plain OSC input/output
	Osc OscConfig `yaml:"osc"`

	// VMC performer output and inbound listener
	Vmc VmcConfig `yaml:"vmc"`

	// Monitor WebSocket state feed
	Monitor MonitorConfig `yaml:"monitor"`

	// Logical inputs, keyed by input name
	Axis   map[string]InputConfig `yaml:"axis,omitempty"`
	Button map[string]InputConfig `yaml:"button,omitempty"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type OscConfig struct {
	Enabled bool `yaml:"enabled"`

	// InputAddress is the UDP listen address for inbound OSC sources.
	// Empty disables the listener.
	InputAddress  string `yaml:"input_address,omitempty"`
	OutputAddress string `yaml:"output_address"`

	// Static messages wrapped around every outbound batch. They never flush
	// on their own; a batch with no action messages sends nothing.
	PreBundle  []OscMessageConfig `yaml:"pre_bundle,omitempty"`
	PostBundle []OscMessageConfig `yaml:"post_bundle,omitempty"`
}

type VmcConfig struct {
	Enabled bool `yaml:"enabled"`

	InputAddress  string `yaml:"input_address,omitempty"`
	OutputAddress string `yaml:"output_address"`

	// Seconds between traffic reports and full-state resends; 0 disables.
	ReportIntervalSec float64 `yaml:"report_interval_sec"`

	Device map[string]VmcDeviceConfig `yaml:"device,omitempty"`
}

// VmcDeviceConfig places one rendered device in avatar space. Type is an
// explicit discriminant; "wheel" is the only type currently understood.
type VmcDeviceConfig struct {
	Type     string     `yaml:"type"`
	Position [3]float64 `yaml:"position,omitempty"`
	Rotation [3]float64 `yaml:"rotation,omitempty"`
	Radius   float64    `yaml:"radius,omitempty"`
	Tracker  string     `yaml:"tracker,omitempty"`
}

type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// InputConfig wires one logical input: the sources that can feed it and the
// output actions to run when a fresh value is accepted.
type InputConfig struct {
	Input  []InputSourceConfig `yaml:"input"`
	Output OutputConfig        `yaml:"output"`
}

// InputSourceConfig is a closed tagged variant selected by Type:
//
//   - "controller": Controller plus Axis (for axis inputs) or Button (for
//     button inputs, 1-based).
//   - "osc": Address plus an optional declared value Range (default [0,1]).
type InputSourceConfig struct {
	Type string `yaml:"type"`

	Controller string `yaml:"controller,omitempty"`
	Axis       *int   `yaml:"axis,omitempty"`
	Button     *int   `yaml:"button,omitempty"`

	Address string      `yaml:"address,omitempty"`
	Range   *[2]float64 `yaml:"range,omitempty"`
}

type OutputConfig struct {
	Osc OscTriggersConfig `yaml:"osc,omitempty"`
	Vmc VmcTriggersConfig `yaml:"vmc,omitempty"`
}

type OscTriggersConfig struct {
	OnUpdate  []OscMessageConfig `yaml:"on_update,omitempty"`
	OnPress   []OscMessageConfig `yaml:"on_press,omitempty"`
	OnRelease []OscMessageConfig `yaml:"on_release,omitempty"`
}

type OscMessageConfig struct {
	Address string         `yaml:"address"`
	Args    []OscArgConfig `yaml:"args,omitempty"`
}

// OscArgConfig is a closed tagged variant: exactly one field may be set.
// The literal kinds map straight onto OSC type tags; Input evaluates the
// routed value (axes: float32 remapped to Range, buttons: bool).
type OscArgConfig struct {
	Int    *int32          `yaml:"int,omitempty"`
	Long   *int64          `yaml:"long,omitempty"`
	Float  *float32        `yaml:"float,omitempty"`
	Double *float64        `yaml:"double,omitempty"`
	String *string         `yaml:"string,omitempty"`
	Bool   *bool           `yaml:"bool,omitempty"`
	Input  *InputArgConfig `yaml:"input,omitempty"`
}

type InputArgConfig struct {
	Range *[2]float64 `yaml:"range,omitempty"`
}

// VmcTriggersConfig mirrors OscTriggersConfig for the VMC stream.
type VmcTriggersConfig struct {
	OnUpdate  []VmcActionConfig `yaml:"on_update,omitempty"`
	OnPress   []VmcActionConfig `yaml:"on_press,omitempty"`
	OnRelease []VmcActionConfig `yaml:"on_release,omitempty"`
}

// VmcActionConfig is a closed tagged variant: exactly one of BlendShape or
// Device may be set.
type VmcActionConfig struct {
	BlendShape *VmcBlendShapeConfig   `yaml:"blend_shape,omitempty"`
	Device     *VmcDeviceActionConfig `yaml:"device,omitempty"`
}

// VmcBlendShapeConfig drives a named avatar blendshape. On update triggers
// the routed value is remapped through Range and divided by 100 before
// sending; on press/release triggers the literal Value is sent as-is.
type VmcBlendShapeConfig struct {
	Name  string      `yaml:"name"`
	Range *[2]float64 `yaml:"range,omitempty"`
	Value *float64    `yaml:"value,omitempty"`
}

// VmcDeviceActionConfig steers a declared VMC device: the routed value is
// remapped through Range (default [0,1]) into a steering angle in degrees.
type VmcDeviceActionConfig struct {
	Name  string      `yaml:"name"`
	Range *[2]float64 `yaml:"range,omitempty"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go and the embedded sample config.
func DefaultConfig() Config {
	return Config{
		Osc: OscConfig{
			Enabled:       true,
			OutputAddress: defaultOscOutputAddr,
		},
		Vmc: VmcConfig{
			Enabled:           false,
			InputAddress:      defaultVmcInputAddr,
			OutputAddress:     defaultVmcOutputAddr,
			ReportIntervalSec: defaultReportIntervalSec,
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Address: defaultMonitorAddr,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true), and
// trailing documents after the first are treated as errors.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies ad-hoc flag values on top of a loaded config.
// Each override is applied only when its pointer is non-nil.
type FlagOverrides struct {
	LogLevel       *string
	OscOutput      *string
	VmcOutput      *string
	MonitorAddress *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.OscOutput != nil {
		cfg.Osc.OutputAddress = *o.OscOutput
	}
	if o.VmcOutput != nil {
		cfg.Vmc.OutputAddress = *o.VmcOutput
	}
	if o.MonitorAddress != nil {
		cfg.Monitor.Address = *o.MonitorAddress
	}
}

// ReportInterval converts the configured report cadence to a Duration.
// Zero means the report timer is disabled.
func (c *Config) ReportInterval() time.Duration {
	if c.Vmc.ReportIntervalSec <= 0 {
		return 0
	}
	return time.Duration(c.Vmc.ReportIntervalSec * float64(time.Second))
}

// Validate checks config invariants and returns a user-friendly error.
// It is called after defaults + file + overrides are applied, and also
// normalizes per-device defaults (type, radius).
func (c *Config) Validate() error {
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	if len(c.Axis) == 0 && len(c.Button) == 0 {
		return errors.New("no inputs configured (declare at least one axis or button)")
	}

	// OSC
	if c.Osc.Enabled && c.Osc.OutputAddress == "" {
		return errors.New("osc.enabled is true but osc.output_address is empty")
	}
	if err := validateOscMessages("osc.pre_bundle", c.Osc.PreBundle, false, InputAxis); err != nil {
		return err
	}
	if err := validateOscMessages("osc.post_bundle", c.Osc.PostBundle, false, InputAxis); err != nil {
		return err
	}

	// VMC
	if c.Vmc.Enabled && c.Vmc.OutputAddress == "" {
		return errors.New("vmc.enabled is true but vmc.output_address is empty")
	}
	if c.Vmc.ReportIntervalSec < 0 {
		return errors.New("vmc.report_interval_sec must be >= 0")
	}
	for name, dev := range c.Vmc.Device {
		if name == "" {
			return errors.New("vmc.device contains an entry with an empty name")
		}
		if dev.Type == "" {
			dev.Type = "wheel"
		}
		if dev.Type != "wheel" {
			return fmt.Errorf("vmc.device.%s.type must be %q, got %q", name, "wheel", dev.Type)
		}
		if dev.Radius == 0 {
			dev.Radius = defaultWheelRadius
		}
		if dev.Radius <= 0 {
			return fmt.Errorf("vmc.device.%s.radius must be > 0", name)
		}
		c.Vmc.Device[name] = dev
	}

	// Monitor
	if c.Monitor.Enabled && c.Monitor.Address == "" {
		return errors.New("monitor.enabled is true but monitor.address is empty")
	}

	// Inputs
	for name, in := range c.Axis {
		if err := validateInput("axis", name, in, InputAxis); err != nil {
			return err
		}
	}
	for name, in := range c.Button {
		if err := validateInput("button", name, in, InputButton); err != nil {
			return err
		}
	}

	return nil
}

func validateInput(section, name string, in InputConfig, kind InputKind) error {
	if name == "" {
		return fmt.Errorf("%s contains an entry with an empty name", section)
	}
	prefix := fmt.Sprintf("%s.%s", section, name)

	if len(in.Input) == 0 {
		return fmt.Errorf("%s: at least one input source is required", prefix)
	}
	for i, src := range in.Input {
		if err := validateSource(fmt.Sprintf("%s.input[%d]", prefix, i), src, kind); err != nil {
			return err
		}
	}

	// Edge triggers only make sense for buttons.
	if kind == InputAxis {
		if len(in.Output.Osc.OnPress) > 0 || len(in.Output.Osc.OnRelease) > 0 ||
			len(in.Output.Vmc.OnPress) > 0 || len(in.Output.Vmc.OnRelease) > 0 {
			return fmt.Errorf("%s: on_press/on_release actions are only valid for buttons", prefix)
		}
	}

	if err := validateOscMessages(prefix+".output.osc.on_update", in.Output.Osc.OnUpdate, true, kind); err != nil {
		return err
	}
	if err := validateOscMessages(prefix+".output.osc.on_press", in.Output.Osc.OnPress, true, kind); err != nil {
		return err
	}
	if err := validateOscMessages(prefix+".output.osc.on_release", in.Output.Osc.OnRelease, true, kind); err != nil {
		return err
	}

	if err := validateVmcActions(prefix+".output.vmc.on_update", in.Output.Vmc.OnUpdate, false); err != nil {
		return err
	}
	if err := validateVmcActions(prefix+".output.vmc.on_press", in.Output.Vmc.OnPress, true); err != nil {
		return err
	}
	if err := validateVmcActions(prefix+".output.vmc.on_release", in.Output.Vmc.OnRelease, true); err != nil {
		return err
	}

	return nil
}

func validateSource(prefix string, src InputSourceConfig, kind InputKind) error {
	switch src.Type {
	case "controller":
		if src.Controller == "" {
			return fmt.Errorf("%s: controller sources require a controller name or device path", prefix)
		}
		if src.Address != "" || src.Range != nil {
			return fmt.Errorf("%s: address/range are only valid for osc sources", prefix)
		}
		if kind == InputAxis {
			if src.Axis == nil {
				return fmt.Errorf("%s: controller sources for an axis require an axis index", prefix)
			}
			if *src.Axis < 0 {
				return fmt.Errorf("%s: axis index must be >= 0", prefix)
			}
			if src.Button != nil {
				return fmt.Errorf("%s: button index is not valid on an axis input", prefix)
			}
		} else {
			if src.Button == nil {
				return fmt.Errorf("%s: controller sources for a button require a button index", prefix)
			}
			if *src.Button < 1 {
				return fmt.Errorf("%s: button index must be >= 1", prefix)
			}
			if src.Axis != nil {
				return fmt.Errorf("%s: axis index is not valid on a button input", prefix)
			}
		}

	case "osc":
		if src.Address == "" {
			return fmt.Errorf("%s: osc sources require an address", prefix)
		}
		if src.Address[0] != '/' {
			return fmt.Errorf("%s: osc address must start with '/', got %q", prefix, src.Address)
		}
		if src.Controller != "" || src.Axis != nil || src.Button != nil {
			return fmt.Errorf("%s: controller/axis/button are only valid for controller sources", prefix)
		}
		if err := validateRange(prefix+".range", src.Range); err != nil {
			return err
		}

	case "":
		return fmt.Errorf("%s: source type is required (controller or osc)", prefix)
	default:
		return fmt.Errorf("%s: unknown source type %q (must be controller or osc)", prefix, src.Type)
	}
	return nil
}

func validateOscMessages(prefix string, msgs []OscMessageConfig, allowInput bool, kind InputKind) error {
	for i, msg := range msgs {
		mp := fmt.Sprintf("%s[%d]", prefix, i)
		if msg.Address == "" {
			return fmt.Errorf("%s: address is required", mp)
		}
		if msg.Address[0] != '/' {
			return fmt.Errorf("%s: osc address must start with '/', got %q", mp, msg.Address)
		}
		for j, arg := range msg.Args {
			if err := validateOscArg(fmt.Sprintf("%s.args[%d]", mp, j), arg, allowInput, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateOscArg(prefix string, arg OscArgConfig, allowInput bool, kind InputKind) error {
	set := 0
	if arg.Int != nil {
		set++
	}
	if arg.Long != nil {
		set++
	}
	if arg.Float != nil {
		set++
	}
	if arg.Double != nil {
		set++
	}
	if arg.String != nil {
		set++
	}
	if arg.Bool != nil {
		set++
	}
	if arg.Input != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%s: exactly one of int/long/float/double/string/bool/input must be set", prefix)
	}

	if arg.Input != nil {
		if !allowInput {
			return fmt.Errorf("%s: input arguments are not valid in pre_bundle/post_bundle messages", prefix)
		}
		if kind == InputButton && arg.Input.Range != nil {
			return fmt.Errorf("%s: range is not valid on a button input argument (buttons emit bool)", prefix)
		}
		if err := validateRange(prefix+".range", arg.Input.Range); err != nil {
			return err
		}
	}
	return nil
}

func validateVmcActions(prefix string, actions []VmcActionConfig, edge bool) error {
	for i, act := range actions {
		ap := fmt.Sprintf("%s[%d]", prefix, i)
		switch {
		case act.BlendShape != nil && act.Device != nil:
			return fmt.Errorf("%s: blend_shape and device are mutually exclusive", ap)

		case act.BlendShape != nil:
			bs := act.BlendShape
			if bs.Name == "" {
				return fmt.Errorf("%s: blend_shape.name is required", ap)
			}
			if edge {
				if bs.Value == nil {
					return fmt.Errorf("%s: blend_shape actions in on_press/on_release require a value", ap)
				}
				if bs.Range != nil {
					return fmt.Errorf("%s: range is only valid in on_update actions", ap)
				}
			} else {
				if bs.Value != nil {
					return fmt.Errorf("%s: value is only valid in on_press/on_release actions", ap)
				}
				if err := validateRange(ap+".range", bs.Range); err != nil {
					return err
				}
			}

		case act.Device != nil:
			if edge {
				return fmt.Errorf("%s: device actions are only valid in on_update", ap)
			}
			if act.Device.Name == "" {
				return fmt.Errorf("%s: device.name is required", ap)
			}
			if err := validateRange(ap+".range", act.Device.Range); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%s: one of blend_shape or device must be set", ap)
		}
	}
	return nil
}

func validateRange(prefix string, r *[2]float64) error {
	if r == nil {
		return nil
	}
	if r[0] == r[1] {
		return fmt.Errorf("%s: range must not be degenerate (min == max)", prefix)
	}
	return nil
}

// WriteDefaultConfig writes the commented starter configuration to path. It
// refuses to overwrite an existing file.
func WriteDefaultConfig(path string) error {
	path = ExpandPath(path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat config file: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}

// defaultConfigYAML is the starter configuration written by -write-config.
// It must stay loadable and valid; config tests round-trip it.
const defaultConfigYAML = `# remote-wheel-sender configuration.
#
# Logical inputs are declared under "axis" and "button". Each input lists the
# sources that can feed it and the OSC/VMC actions to run whenever a fresh
# value is accepted. When several sources feed one input, the most recently
# delivered value wins.

logging:
  level: info

osc:
  enabled: true
  # UDP listen address for inbound OSC sources. Empty disables the listener.
  input_address: ""
  output_address: "127.0.0.1:19794"
  # Static messages wrapped around every outbound batch:
  # pre_bundle:
  #   - address: /avatar/batch
  #     args:
  #       - string: begin
  # post_bundle: []

vmc:
  enabled: false
  input_address: "127.0.0.1:3332"
  output_address: "127.0.0.1:3333"
  # Seconds between traffic reports and full-state resends; 0 disables.
  report_interval_sec: 60
  device:
    steering:
      type: wheel
      # Mount pose in avatar space: metres, and Euler degrees (pitch about X,
      # yaw about Y, roll about Z).
      position: [0.0, 0.95, 0.3]
      rotation: [0.0, 0.0, 0.0]
      radius: 0.17
      # Optional tracker name; when set, a /VMC/Ext/Tra/Pos message pins it
      # to the mount pose.
      tracker: ""

monitor:
  enabled: false
  address: "127.0.0.1:8293"

axis:
  wheel:
    input:
      # "controller" matches an evdev device name exactly, or takes a
      # /dev/input/event* path. Axis indices are 0-based event codes.
      - type: controller
        controller: "Logitech G29 Driving Force Racing Wheel"
        axis: 0
      # OSC fallback: the first argument of each message is remapped from the
      # declared range onto the wheel's travel.
      - type: osc
        address: /wheel/rotation
        range: [-450.0, 450.0]
    output:
      osc:
        on_update:
          - address: /wheel/rotation
            args:
              - input: {range: [-450.0, 450.0]}
      vmc:
        on_update:
          - device: {name: steering, range: [-450.0, 450.0]}

button:
  shift-up:
    input:
      - type: controller
        controller: "Logitech G29 Driving Force Racing Wheel"
        button: 5
    output:
      osc:
        on_press:
          - address: /wheel/shift-up/pressed
        on_update:
          - address: /wheel/shift-up
            args:
              - input: {}
`
