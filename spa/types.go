// Package spa implements Sparse Pose Adjustment for 2D pose graphs: submap and
// trajectory node poses are refined jointly so that relative-pose constraints,
// consecutive-node odometry and inertial motion agree as well as possible.
package spa

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

// TrajectoryID identifies the trajectory a node or IMU sample belongs to.
// It is only a grouping key; the package never owns the trajectory it names.
type TrajectoryID = uuid.UUID

// NewTrajectoryID returns a fresh random trajectory identity.
func NewTrajectoryID() TrajectoryID {
	return uuid.New()
}

// Point represents a 2D coordinate
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NodeData is a single trajectory node.
type NodeData struct {
	Trajectory TrajectoryID `json:"trajectory"`
	Time       time.Time    `json:"time"`
	// InitialPose is the local estimate at insertion time and never changes.
	InitialPose Rigid2 `json:"initialPose"`
	// Pose is the current best estimate, overwritten by Solve.
	Pose Rigid2 `json:"pose"`
}

// ImuData is a single inertial sample.
type ImuData struct {
	Time               time.Time `json:"time"`
	LinearAcceleration r3.Vec    `json:"linearAcceleration"`
	AngularVelocity    r3.Vec    `json:"angularVelocity"`
}

// ConstraintTag distinguishes constraints to the submap a node was inserted
// into from loop closures against other submaps.
type ConstraintTag int

const (
	IntraSubmap ConstraintTag = iota
	InterSubmap
)

func (t ConstraintTag) String() string {
	switch t {
	case IntraSubmap:
		return "intra_submap"
	case InterSubmap:
		return "inter_submap"
	default:
		return fmt.Sprintf("ConstraintTag(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler so tags read well in JSON and YAML.
func (t ConstraintTag) MarshalText() ([]byte, error) {
	switch t {
	case IntraSubmap, InterSubmap:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("unknown constraint tag %d", int(t))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ConstraintTag) UnmarshalText(text []byte) error {
	switch string(text) {
	case "intra_submap", "intra":
		*t = IntraSubmap
	case "inter_submap", "inter":
		*t = InterSubmap
	default:
		return fmt.Errorf("unknown constraint tag %q", string(text))
	}
	return nil
}

// ConstraintPose is the measured pose of a node in a submap's frame together
// with its weighting.
type ConstraintPose struct {
	Zbar              Rigid2  `json:"zbar"`
	TranslationWeight float64 `json:"translationWeight"`
	RotationWeight    float64 `json:"rotationWeight"`
}

// Constraint links submap Submap and node Node.
type Constraint struct {
	Submap int            `json:"submap"`
	Node   int            `json:"node"`
	Pose   ConstraintPose `json:"pose"`
	Tag    ConstraintTag  `json:"tag"`
}
