package main

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// oscTimeImmediate marshals to NTP timetag 1, the OSC "immediate" marker.
var oscTimeImmediate = time.Unix(-2208988800, 1)

// ==============================
// Message templates
// ==============================

// OscMessageTemplate is a compiled outbound message: a fixed address plus
// argument templates evaluated against the routed value.
type OscMessageTemplate struct {
	Address string
	Args    []OscArgTemplate
}

// OscArgTemplate is either a literal argument or the routed input value
// remapped onto Range.
type OscArgTemplate struct {
	Literal any
	Input   bool
	Range   [2]float64
}

func compileOscTemplates(cfgs []OscMessageConfig) ([]OscMessageTemplate, error) {
	var tmpls []OscMessageTemplate
	for _, m := range cfgs {
		t := OscMessageTemplate{Address: m.Address}
		for i, a := range m.Args {
			switch {
			case a.Int != nil:
				t.Args = append(t.Args, OscArgTemplate{Literal: *a.Int})
			case a.Long != nil:
				t.Args = append(t.Args, OscArgTemplate{Literal: *a.Long})
			case a.Float != nil:
				t.Args = append(t.Args, OscArgTemplate{Literal: *a.Float})
			case a.Double != nil:
				t.Args = append(t.Args, OscArgTemplate{Literal: *a.Double})
			case a.String != nil:
				t.Args = append(t.Args, OscArgTemplate{Literal: *a.String})
			case a.Bool != nil:
				t.Args = append(t.Args, OscArgTemplate{Literal: *a.Bool})
			case a.Input != nil:
				r := [2]float64{0, 1}
				if a.Input.Range != nil {
					r = *a.Input.Range
				}
				t.Args = append(t.Args, OscArgTemplate{Input: true, Range: r})
			default:
				return nil, fmt.Errorf("args[%d]: empty argument template", i)
			}
		}
		tmpls = append(tmpls, t)
	}
	return tmpls, nil
}

// Build evaluates the template against a routed canonical value. Axis inputs
// emit float32 remapped onto the argument range; button inputs emit bool.
func (t OscMessageTemplate) Build(kind InputKind, value float64) *osc.Message {
	msg := osc.NewMessage(t.Address)
	for _, a := range t.Args {
		if !a.Input {
			msg.Append(a.Literal)
			continue
		}
		if kind == InputButton {
			msg.Append(value != 0)
		} else {
			msg.Append(float32(remapRange(value, [2]float64{0, 1}, a.Range)))
		}
	}
	return msg
}

// buildStaticMessages evaluates input-free templates (pre/post bundle
// content) once, at startup.
func buildStaticMessages(tmpls []OscMessageTemplate) []*osc.Message {
	if len(tmpls) == 0 {
		return nil
	}
	msgs := make([]*osc.Message, 0, len(tmpls))
	for _, t := range tmpls {
		msgs = append(msgs, t.Build(InputAxis, 0))
	}
	return msgs
}

// ==============================
// Outbound stream
// ==============================

// Transport is the send seam between the effects layer and the UDP senders.
type Transport interface {
	Send(msgs []*osc.Message) error
}

// udpSink is a persistent dialed UDP socket with an MTU warning latch.
type udpSink struct {
	conn   *net.UDPConn
	dest   string
	logger *slog.Logger

	mtuWarned bool
}

func dialSink(address string, logger *slog.Logger) (udpSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return udpSink{}, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return udpSink{}, fmt.Errorf("dial %s: %w", address, err)
	}
	return udpSink{conn: conn, dest: address, logger: logger}, nil
}

func (s *udpSink) sendPacket(pkt osc.Packet) error {
	b, err := pkt.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal osc packet: %w", err)
	}
	if len(b) > datagramWarnSize && !s.mtuWarned {
		s.mtuWarned = true
		s.logger.Warn("outbound datagram exceeds typical mtu, delivery may be unreliable",
			"destination", s.dest, "bytes", len(b))
	}
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("send datagram to %s: %w", s.dest, err)
	}
	return nil
}

func (s *udpSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// OscSender owns the plain OSC output stream. It is driven only by the
// daemon goroutine.
type OscSender struct {
	udpSink

	pre  []*osc.Message
	post []*osc.Message
}

func NewOscSender(address string, pre, post []*osc.Message, logger *slog.Logger) (*OscSender, error) {
	sink, err := dialSink(address, logger)
	if err != nil {
		return nil, fmt.Errorf("osc output: %w", err)
	}
	return &OscSender{udpSink: sink, pre: pre, post: post}, nil
}

// Send transmits one batch of routed action messages wrapped with the
// configured pre/post content. A batch with no action messages sends
// nothing; pre/post never flush on their own.
func (s *OscSender) Send(actions []*osc.Message) error {
	if len(actions) == 0 {
		return nil
	}
	return s.sendPacket(s.buildPacket(actions))
}

// buildPacket applies the bundle policy: a lone action message with no
// pre/post content goes out bare, everything else is bundled with the
// immediate timetag in pre, action, post order.
func (s *OscSender) buildPacket(actions []*osc.Message) osc.Packet {
	if len(actions) == 1 && len(s.pre) == 0 && len(s.post) == 0 {
		return actions[0]
	}
	bundle := osc.NewBundle(oscTimeImmediate)
	for _, m := range s.pre {
		bundle.Append(m)
	}
	for _, m := range actions {
		bundle.Append(m)
	}
	for _, m := range s.post {
		bundle.Append(m)
	}
	return bundle
}
