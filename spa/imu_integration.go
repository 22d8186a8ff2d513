package spa

import (
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultGravity is standard gravity in m/s².
const DefaultGravity = 9.80665

// ImuIntegrationResult is the motion dead-reckoned over an interval, expressed
// in the frame the interval started in.
type ImuIntegrationResult struct {
	DeltaRotation    quat.Number
	DeltaTranslation r3.Vec
	// Velocity at the end of the interval, start frame.
	Velocity r3.Vec
	Duration time.Duration
}

// Planar projects the integrated motion onto the ground plane.
func (r ImuIntegrationResult) Planar() Rigid2 {
	return Rigid2{
		X:     r.DeltaTranslation.X,
		Y:     r.DeltaTranslation.Y,
		Theta: NormalizeAngle(yaw(r.DeltaRotation)),
	}
}

// IntegrateImu dead-reckons the samples over [start, end). Each reading is held
// until the next one (or until end). Angular velocity is integrated on the unit
// quaternion, acceleration is rotated into the start frame, gravity along +z is
// removed and the remainder is double-integrated from initialVelocity.
// There is no bias estimation.
//
// samples must be time-ordered and the first one must be at or before start;
// ImuStore.Between returns exactly that.
func IntegrateImu(samples []ImuData, start, end time.Time, initialVelocity r3.Vec, gravity float64) ImuIntegrationResult {
	result := ImuIntegrationResult{
		DeltaRotation: quat.Number{Real: 1},
		Velocity:      initialVelocity,
		Duration:      end.Sub(start),
	}
	g := r3.Vec{Z: gravity}

	current := start
	for i, sample := range samples {
		next := end
		if i+1 < len(samples) && samples[i+1].Time.Before(end) {
			next = samples[i+1].Time
		}
		if !next.After(current) {
			continue
		}
		dt := next.Sub(current).Seconds()

		accel := r3.Sub(rotate(result.DeltaRotation, sample.LinearAcceleration), g)
		result.DeltaTranslation = r3.Add(result.DeltaTranslation,
			r3.Add(r3.Scale(dt, result.Velocity), r3.Scale(0.5*dt*dt, accel)))
		result.Velocity = r3.Add(result.Velocity, r3.Scale(dt, accel))
		result.DeltaRotation = normalizeQuat(quat.Mul(result.DeltaRotation, angleAxisToQuat(r3.Scale(dt, sample.AngularVelocity))))

		current = next
	}
	return result
}

// angleAxisToQuat converts a rotation vector (axis scaled by angle) to a unit quaternion.
func angleAxisToQuat(v r3.Vec) quat.Number {
	angle := r3.Norm(v)
	if angle < 1e-12 {
		return normalizeQuat(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	s := math.Sin(angle/2) / angle
	return quat.Number{Real: math.Cos(angle / 2), Imag: v.X * s, Jmag: v.Y * s, Kmag: v.Z * s}
}

func rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

func normalizeQuat(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// yaw extracts the rotation about z (ZYX convention).
func yaw(q quat.Number) float64 {
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}
