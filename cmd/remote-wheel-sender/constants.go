package main

import "time"

// Linux input event codes (from <linux/input-event-codes.h>)
const (
	// First joystick/gamepad button code. Configured button indices are
	// 1-based offsets from this code.
	btnJoystick = 0x120
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Event loop and adapter tuning
const (
	eventQueueSize = 256 // bounded channel between producers and the daemon loop

	recvBufferSize = 16384 // UDP receive buffer for OSC and VMC datagrams

	// Encoded datagrams above this size get a one-time warning per
	// destination; UDP fragmentation makes delivery unreliable.
	datagramWarnSize = 1500

	controllerRescanInterval = 2 * time.Second
)

// Configuration defaults
const (
	defaultConfigPath = "remote-wheel.yaml"

	defaultOscOutputAddr = "127.0.0.1:19794"
	defaultVmcInputAddr  = "127.0.0.1:3332"
	defaultVmcOutputAddr = "127.0.0.1:3333"
	defaultMonitorAddr   = "127.0.0.1:8293"

	defaultReportIntervalSec = 60.0
	defaultWheelRadius       = 0.17 // metres
)

// VMC performer protocol addresses
const (
	vmcAddrBonePos    = "/VMC/Ext/Bone/Pos"
	vmcAddrTrackerPos = "/VMC/Ext/Tra/Pos"
	vmcAddrBlendVal   = "/VMC/Ext/Blend/Val"
	vmcAddrBlendApply = "/VMC/Ext/Blend/Apply"
	vmcAddrOK         = "/VMC/Ext/OK"
	vmcAddrTime       = "/VMC/Ext/T"
)

// VRM bone names used for the synthesized hand anchors
const (
	vmcBoneLeftHand  = "LeftHand"
	vmcBoneRightHand = "RightHand"
)
