package main

// WheelGeometry describes where a wheel device sits in avatar space.
type WheelGeometry struct {
	Position vec3    // mount position (metres)
	Rotation vec3    // mount rotation (Euler degrees: pitch about X, yaw about Y, roll about Z)
	Radius   float64 // rim radius (metres), > 0
}

// WheelPose is the rendered pose set for one wheel device: two hand anchors
// on the rim plus the tracker at the mount point.
type WheelPose struct {
	LeftHandPos  vec3
	RightHandPos vec3
	HandRot      quat

	TrackerPos vec3
	TrackerRot quat
}

func (g WheelGeometry) baseOrientation() quat {
	return quatFromEulerYXZ(degToRad(g.Rotation.Y), degToRad(g.Rotation.X), degToRad(g.Rotation.Z))
}

// synthesizeWheelPose renders the hand anchors and tracker for a steering
// angle in degrees. The hands sit at opposite ends of the wheel's horizontal
// diameter (90 degrees either side of top center) and turn with the rim; the
// tracker stays fixed at the mount pose regardless of the steering angle.
//
// Pure math, deterministic: equal inputs always produce equal poses.
func synthesizeWheelPose(g WheelGeometry, angleDeg float64) WheelPose {
	base := g.baseOrientation()
	spin := quatMul(base, quatRotateZ(-degToRad(angleDeg)))

	return WheelPose{
		LeftHandPos:  spin.rotate(vec3{X: -g.Radius}).add(g.Position),
		RightHandPos: spin.rotate(vec3{X: g.Radius}).add(g.Position),
		HandRot:      spin,

		TrackerPos: g.Position,
		TrackerRot: base,
	}
}
