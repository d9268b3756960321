package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hypebeast/go-osc/osc"
)

// ==============================
// Outbound messages
// ==============================

func vmcBoneMessage(bone string, pos vec3, rot quat) *osc.Message {
	msg := osc.NewMessage(vmcAddrBonePos)
	msg.Append(bone)
	msg.Append(float32(pos.X))
	msg.Append(float32(pos.Y))
	msg.Append(float32(pos.Z))
	msg.Append(float32(rot.X))
	msg.Append(float32(rot.Y))
	msg.Append(float32(rot.Z))
	msg.Append(float32(rot.W))
	return msg
}

func vmcTrackerMessage(name string, pos vec3, rot quat) *osc.Message {
	msg := osc.NewMessage(vmcAddrTrackerPos)
	msg.Append(name)
	msg.Append(float32(pos.X))
	msg.Append(float32(pos.Y))
	msg.Append(float32(pos.Z))
	msg.Append(float32(rot.X))
	msg.Append(float32(rot.Y))
	msg.Append(float32(rot.Z))
	msg.Append(float32(rot.W))
	return msg
}

func vmcBlendMessage(name string, value float64) *osc.Message {
	msg := osc.NewMessage(vmcAddrBlendVal)
	msg.Append(name)
	msg.Append(float32(value))
	return msg
}

func vmcBlendApplyMessage() *osc.Message {
	return osc.NewMessage(vmcAddrBlendApply)
}

func vmcStatusMessage(loaded int32) *osc.Message {
	msg := osc.NewMessage(vmcAddrOK)
	msg.Append(loaded)
	return msg
}

func vmcTimeMessage(t float32) *osc.Message {
	msg := osc.NewMessage(vmcAddrTime)
	msg.Append(t)
	return msg
}

// wheelPoseMessages renders the hand bones and optional tracker for a
// device at its current steering angle.
func wheelPoseMessages(d *DeviceState) []*osc.Message {
	pose := synthesizeWheelPose(d.Geometry, d.AngleDeg)
	msgs := []*osc.Message{
		vmcBoneMessage(vmcBoneLeftHand, pose.LeftHandPos, pose.HandRot),
		vmcBoneMessage(vmcBoneRightHand, pose.RightHandPos, pose.HandRot),
	}
	if d.Tracker != "" {
		msgs = append(msgs, vmcTrackerMessage(d.Tracker, pose.TrackerPos, pose.TrackerRot))
	}
	return msgs
}

// vmcFullStateMessages renders the complete performer state: availability,
// relative time, every device pose, and every known blend shape.
func vmcFullStateMessages(s *RouterState, now time.Time) []*osc.Message {
	msgs := []*osc.Message{
		vmcStatusMessage(1),
		vmcTimeMessage(float32(now.Sub(s.StartedAt).Seconds())),
	}
	for _, name := range sortedKeys(s.Devices) {
		msgs = append(msgs, wheelPoseMessages(s.Devices[name])...)
	}
	blends := sortedKeys(s.Blends)
	for _, name := range blends {
		msgs = append(msgs, vmcBlendMessage(name, s.Blends[name]))
	}
	if len(blends) > 0 {
		msgs = append(msgs, vmcBlendApplyMessage())
	}
	return msgs
}

// ==============================
// Traffic reporting
// ==============================

// TrafficReport is a periodic summary of VMC stream health. Counters are
// reset after each report; Final marks the shutdown report.
type TrafficReport struct {
	Interval time.Duration

	PacketsIn  int64
	MessagesIn int64
	MinProc    time.Duration
	AvgProc    time.Duration
	MaxProc    time.Duration

	BundlesOut  int64
	MessagesOut int64

	StaleDrops int64
	SendErrors int64

	PeerStatus *int32
	PeerTime   *float32

	Final bool
}

// ==============================
// Outbound stream
// ==============================

// VmcSender owns the performer output stream. Every batch goes out as one
// immediate-timetag bundle, which is what marionette applications expect.
type VmcSender struct {
	udpSink
}

func NewVmcSender(address string, logger *slog.Logger) (*VmcSender, error) {
	sink, err := dialSink(address, logger)
	if err != nil {
		return nil, fmt.Errorf("vmc output: %w", err)
	}
	return &VmcSender{udpSink: sink}, nil
}

func (s *VmcSender) Send(msgs []*osc.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	bundle := osc.NewBundle(oscTimeImmediate)
	for _, m := range msgs {
		bundle.Append(m)
	}
	return s.sendPacket(bundle)
}

// ==============================
// Inbound stream
// ==============================

// runVmcInput drains the VMC input socket. Inbound packets feed only the
// traffic statistics and peer status markers, they are never routed.
func runVmcInput(ctx context.Context, conn *net.UDPConn, events chan Event, logger *slog.Logger) error {
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
			return fmt.Errorf("vmc input: %w", err)
		}

		start := time.Now()
		pkt, err := osc.ParsePacket(string(buf[:n]))
		if err != nil {
			logger.Warn("dropping malformed vmc datagram", "bytes", n, "error", err)
			continue
		}

		ev := VmcPacketObserved{At: start}
		collectVmcStats(pkt, &ev)
		ev.Elapsed = time.Since(start)
		pushEvent(events, ev, logger)
	}
}

// collectVmcStats counts leaf messages and records the most recent peer
// availability and relative-time markers found in the packet.
func collectVmcStats(pkt osc.Packet, ev *VmcPacketObserved) {
	switch p := pkt.(type) {
	case *osc.Message:
		ev.Messages++
		switch p.Address {
		case vmcAddrOK:
			if len(p.Arguments) > 0 {
				if v, ok := p.Arguments[0].(int32); ok {
					ev.Status = &v
				}
			}
		case vmcAddrTime:
			if len(p.Arguments) > 0 {
				if v, ok := p.Arguments[0].(float32); ok {
					ev.AvatarTime = &v
				}
			}
		}
	case *osc.Bundle:
		for _, m := range p.Messages {
			collectVmcStats(m, ev)
		}
		for _, b := range p.Bundles {
			collectVmcStats(b, ev)
		}
	}
}
