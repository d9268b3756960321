package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kenshaw/evdev"
)

// ControllerBinding routes one hardware control to a logical input.
type ControllerBinding struct {
	Input string
	Kind  InputKind
}

// ControllerSpec matches one configured controller and maps its absolute
// axes and joystick buttons to logical inputs. Axes are keyed by absolute
// axis number, buttons by 1-based joystick button index.
type ControllerSpec struct {
	Match   string
	Axes    map[int][]ControllerBinding
	Buttons map[int][]ControllerBinding
}

func newControllerSpec(match string) *ControllerSpec {
	return &ControllerSpec{
		Match:   match,
		Axes:    make(map[int][]ControllerBinding),
		Buttons: make(map[int][]ControllerBinding),
	}
}

// matches reports whether the spec selects the device at path. A match
// string starting with "/" compares against the device node, anything
// else against the advertised device name.
func (s *ControllerSpec) matches(path, name string) bool {
	if strings.HasPrefix(s.Match, "/") {
		return s.Match == path
	}
	return s.Match == name
}

// runControllers discovers evdev devices matching the configured
// controllers and polls each until it disappears. The device list is
// rescanned every controllerRescanInterval so reconnects resume routing
// without a restart.
func runControllers(ctx context.Context, specs []*ControllerSpec, events chan Event, seq *atomic.Uint64, logger *slog.Logger) error {
	var mu sync.Mutex
	open := make(map[string]bool)

	scan := func() {
		paths, err := filepath.Glob("/dev/input/event*")
		if err != nil {
			return
		}
		for _, path := range paths {
			mu.Lock()
			busy := open[path]
			mu.Unlock()
			if busy {
				continue
			}

			d, err := evdev.OpenFile(path)
			if err != nil {
				continue
			}

			var spec *ControllerSpec
			for _, s := range specs {
				if s.matches(path, d.Name()) {
					spec = s
					break
				}
			}
			if spec == nil {
				d.Close()
				continue
			}

			ch := d.Poll(ctx)

			mu.Lock()
			open[path] = true
			mu.Unlock()

			id := d.ID()
			logger.Info("controller attached", "path", path, "name", d.Name(),
				"id", fmt.Sprintf("%04x:%04x", id.Vendor, id.Product))

			go func(path string, d *evdev.Evdev, spec *ControllerSpec, ch <-chan *evdev.EventEnvelope) {
				defer func() {
					d.Close()
					mu.Lock()
					delete(open, path)
					mu.Unlock()
				}()
				pollController(ctx, d, spec, ch, events, seq, logger)
			}(path, d, spec, ch)
		}
	}

	scan()
	ticker := time.NewTicker(controllerRescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			scan()
		}
	}
}

// pollController translates device events into routed input samples. The
// sequence counter advances once per hardware event; every binding fed by
// that event shares the sample's freshness.
func pollController(ctx context.Context, d *evdev.Evdev, spec *ControllerSpec, ch <-chan *evdev.EventEnvelope, events chan Event, seq *atomic.Uint64, logger *slog.Logger) {
	axes := d.AbsoluteTypes()
	name := d.Name()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-ch:
			if !ok {
				logger.Warn("controller disconnected", "name", name)
				return
			}

			var bindings []ControllerBinding
			var value float64
			switch event.Event.Type {
			case evdev.EventAbsolute:
				bindings = spec.Axes[int(event.Code)]
				if len(bindings) == 0 {
					continue
				}
				value = normalizeAxis(event.Value, axes[evdev.AbsoluteType(event.Code)])

			case evdev.EventKey:
				if event.Value == evValueRepeat {
					continue
				}
				bindings = spec.Buttons[int(event.Code)-btnJoystick+1]
				if len(bindings) == 0 {
					continue
				}
				if event.Value != evValueRelease {
					value = 1
				}

			default:
				continue
			}

			at := time.Now()
			n := seq.Add(1)
			for _, b := range bindings {
				pushEvent(events, InputSample{
					Input: b.Input,
					Kind:  b.Kind,
					Value: value,
					Seq:   n,
					At:    at,
				}, logger)
			}
		}
	}
}

// normalizeAxis maps a raw absolute axis value onto [0, 1] using the
// device-reported range.
func normalizeAxis(raw int32, axis evdev.Axis) float64 {
	span := float64(axis.Max) - float64(axis.Min)
	if span == 0 {
		return 0
	}
	return (float64(raw) - float64(axis.Min)) / span
}
