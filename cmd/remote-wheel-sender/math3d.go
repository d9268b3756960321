package main

import "math"

// vec3 is a 3-component vector in metres, using the VMC coordinate
// conventions (+Y up, +Z forward).
type vec3 struct {
	X, Y, Z float64
}

func (a vec3) add(b vec3) vec3 {
	return vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

// quat is a rotation quaternion with components (X, Y, Z, W).
type quat struct {
	X, Y, Z, W float64
}

var quatIdentity = quat{W: 1}

// quatMul composes two rotations; the result applies b first, then a.
func quatMul(a, b quat) quat {
	return quat{
		X: a.W*b.X + a.X*b.W + a.Y*b.Z - a.Z*b.Y,
		Y: a.W*b.Y - a.X*b.Z + a.Y*b.W + a.Z*b.X,
		Z: a.W*b.Z + a.X*b.Y - a.Y*b.X + a.Z*b.W,
		W: a.W*b.W - a.X*b.X - a.Y*b.Y - a.Z*b.Z,
	}
}

func quatRotateX(rad float64) quat {
	return quat{X: math.Sin(rad / 2), W: math.Cos(rad / 2)}
}

func quatRotateY(rad float64) quat {
	return quat{Y: math.Sin(rad / 2), W: math.Cos(rad / 2)}
}

func quatRotateZ(rad float64) quat {
	return quat{Z: math.Sin(rad / 2), W: math.Cos(rad / 2)}
}

// quatFromEulerYXZ builds a rotation from Euler angles in radians, applied in
// yaw (Y), pitch (X), roll (Z) order.
func quatFromEulerYXZ(yaw, pitch, roll float64) quat {
	return quatMul(quatMul(quatRotateY(yaw), quatRotateX(pitch)), quatRotateZ(roll))
}

// rotate applies the rotation to v using the expanded q*(v,0)*q^-1 form:
// t = 2*(q.xyz x v), v' = v + w*t + q.xyz x t.
func (q quat) rotate(v vec3) vec3 {
	tx := 2 * (q.Y*v.Z - q.Z*v.Y)
	ty := 2 * (q.Z*v.X - q.X*v.Z)
	tz := 2 * (q.X*v.Y - q.Y*v.X)
	return vec3{
		X: v.X + q.W*tx + q.Y*tz - q.Z*ty,
		Y: v.Y + q.W*ty + q.Z*tx - q.X*tz,
		Z: v.Z + q.W*tz + q.X*ty - q.Y*tx,
	}
}

func degToRad(deg float64) float64 {
	return deg * math.Pi / 180
}
