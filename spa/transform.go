package spa

import (
	"fmt"
	"math"
)

// Rigid2 is an SE(2) transform: rotate by Theta (radians) around the origin,
// then translate by (X, Y).
//
//	x' = cos(θ)x - sin(θ)y + X
//	y' = sin(θ)x + cos(θ)y + Y
type Rigid2 struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Theta float64 `json:"theta" yaml:"theta"`
}

// Identity returns the identity transform
func Identity() Rigid2 {
	return Rigid2{}
}

// NewRigid2 builds a transform and normalizes its heading.
func NewRigid2(x, y, theta float64) Rigid2 {
	return Rigid2{X: x, Y: y, Theta: NormalizeAngle(theta)}
}

// NewRigid2Deg is NewRigid2 with the heading given in degrees.
func NewRigid2Deg(x, y, degrees float64) Rigid2 {
	return NewRigid2(x, y, degrees*math.Pi/180.0)
}

// NormalizeAngle maps an angle in radians to (-π, π].
// Every residual and every composition goes through this function.
func NormalizeAngle(theta float64) float64 {
	if theta > -math.Pi && theta <= math.Pi {
		return theta
	}
	theta = math.Mod(theta+math.Pi, 2*math.Pi)
	if theta <= 0 {
		theta += 2 * math.Pi
	}
	return theta - math.Pi
}

// NormalizeAngleDifference returns the shortest signed rotation taking b to a.
func NormalizeAngleDifference(a, b float64) float64 {
	return NormalizeAngle(a - b)
}

// Apply transforms a point from the local frame into the frame t is expressed in.
func (t Rigid2) Apply(p Point) Point {
	cos, sin := math.Cos(t.Theta), math.Sin(t.Theta)
	return Point{
		X: cos*p.X - sin*p.Y + t.X,
		Y: sin*p.X + cos*p.Y + t.Y,
	}
}

// Compose returns t∘o: applying the result is equivalent to applying o first,
// then t.
func (t Rigid2) Compose(o Rigid2) Rigid2 {
	p := t.Apply(Point{X: o.X, Y: o.Y})
	return Rigid2{X: p.X, Y: p.Y, Theta: NormalizeAngle(t.Theta + o.Theta)}
}

// Inverse returns the transform undoing t.
func (t Rigid2) Inverse() Rigid2 {
	cos, sin := math.Cos(t.Theta), math.Sin(t.Theta)
	return Rigid2{
		X:     -(cos*t.X + sin*t.Y),
		Y:     -(-sin*t.X + cos*t.Y),
		Theta: NormalizeAngle(-t.Theta),
	}
}

// Between returns a⁻¹∘b, the pose of b expressed in the frame of a.
func Between(a, b Rigid2) Rigid2 {
	return a.Inverse().Compose(b)
}

// Normalized returns t with its heading mapped into (-π, π].
func (t Rigid2) Normalized() Rigid2 {
	t.Theta = NormalizeAngle(t.Theta)
	return t
}

// ApproxEqual compares translation and heading within the given tolerances.
// Headings are compared on the circle.
func (t Rigid2) ApproxEqual(o Rigid2, translationTol, rotationTol float64) bool {
	return math.Abs(t.X-o.X) <= translationTol &&
		math.Abs(t.Y-o.Y) <= translationTol &&
		math.Abs(NormalizeAngleDifference(t.Theta, o.Theta)) <= rotationTol
}

// plus is the SE(2) manifold update used by the solver: the translation moves
// in the global frame and the heading wraps.
func (t Rigid2) plus(delta []float64) Rigid2 {
	return Rigid2{
		X:     t.X + delta[0],
		Y:     t.Y + delta[1],
		Theta: NormalizeAngle(t.Theta + delta[2]),
	}
}

func (t Rigid2) String() string {
	return fmt.Sprintf("{x: %.4f, y: %.4f, θ: %.2f°}", t.X, t.Y, t.Theta*180/math.Pi)
}
