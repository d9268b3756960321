package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// OscInput routes inbound OSC messages to logical inputs by address.
type OscInput struct {
	bindings map[string][]OscBinding
	events   chan Event
	seq      *atomic.Uint64
	logger   *slog.Logger
}

func NewOscInput(bindings map[string][]OscBinding, events chan Event, seq *atomic.Uint64, logger *slog.Logger) *OscInput {
	return &OscInput{bindings: bindings, events: events, seq: seq, logger: logger}
}

// run drains the OSC input socket until the context is cancelled.
func (in *OscInput) run(ctx context.Context, conn *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, recvBufferSize)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("osc input: %w", err)
		}
		in.handleDatagram(buf[:n], time.Now())
	}
}

// handleDatagram parses and routes one datagram. Malformed datagrams are
// dropped with a warning; the stream keeps running.
func (in *OscInput) handleDatagram(b []byte, at time.Time) {
	pkt, err := osc.ParsePacket(string(b))
	if err != nil {
		in.logger.Warn("dropping malformed osc datagram", "bytes", len(b), "error", err)
		return
	}
	in.routePacket(pkt, at)
}

func (in *OscInput) routePacket(pkt osc.Packet, at time.Time) {
	switch p := pkt.(type) {
	case *osc.Message:
		in.routeMessage(p, at)
	case *osc.Bundle:
		for _, m := range p.Messages {
			in.routeMessage(m, at)
		}
		for _, b := range p.Bundles {
			in.routePacket(b, at)
		}
	}
}

// routeMessage feeds every input bound to the message address. Only the
// first argument is read and it must be numeric or bool. The sequence
// counter advances once per message, so all bound inputs share its
// freshness.
func (in *OscInput) routeMessage(msg *osc.Message, at time.Time) {
	bindings := in.bindings[msg.Address]
	if len(bindings) == 0 {
		in.logger.Debug("ignoring unbound osc address", "address", msg.Address)
		return
	}
	if len(msg.Arguments) == 0 {
		in.logger.Warn("dropping osc message without arguments", "address", msg.Address)
		return
	}
	raw, ok := coerceNumber(msg.Arguments[0])
	if !ok {
		in.logger.Warn("dropping osc message with non-numeric argument", "address", msg.Address)
		return
	}

	n := in.seq.Add(1)
	for _, b := range bindings {
		var value float64
		if b.Kind == InputButton {
			if raw != 0 {
				value = 1
			}
		} else {
			value = remapRange(raw, b.Range, [2]float64{0, 1})
		}
		pushEvent(in.events, InputSample{
			Input: b.Input,
			Kind:  b.Kind,
			Value: value,
			Seq:   n,
			At:    at,
		}, in.logger)
	}
}

// coerceNumber widens any routable OSC argument type to float64.
func coerceNumber(arg any) (float64, bool) {
	switch v := arg.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
