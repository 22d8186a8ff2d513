package spa

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// NodeStore is the append-only sequence of trajectory nodes. Node indices are
// assigned in insertion order and never change.
//
// NodeStore is not safe for concurrent use.
type NodeStore struct {
	nodes []NodeData
	// per-trajectory node indices in insertion order
	byTrajectory map[TrajectoryID][]int
	trajectories []TrajectoryID
}

// NewNodeStore creates an empty node store
func NewNodeStore() *NodeStore {
	return &NodeStore{
		byTrajectory: make(map[TrajectoryID][]int),
	}
}

// Add appends a node and returns its index.
// It panics on a nil trajectory or when time goes backwards within a trajectory.
func (s *NodeStore) Add(trajectory TrajectoryID, t time.Time, initialPose, pose Rigid2) int {
	if trajectory == uuid.Nil {
		panic("spa: trajectory node added with nil trajectory id")
	}
	indices, known := s.byTrajectory[trajectory]
	if n := len(indices); n > 0 {
		last := s.nodes[indices[n-1]].Time
		if t.Before(last) {
			panic(fmt.Sprintf("spa: trajectory %s node time %s is before previous node time %s",
				trajectory, t.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano)))
		}
	}
	if !known {
		s.trajectories = append(s.trajectories, trajectory)
	}

	index := len(s.nodes)
	s.nodes = append(s.nodes, NodeData{
		Trajectory:  trajectory,
		Time:        t,
		InitialPose: initialPose.Normalized(),
		Pose:        pose.Normalized(),
	})
	s.byTrajectory[trajectory] = append(indices, index)
	return index
}

// Len returns the number of nodes
func (s *NodeStore) Len() int {
	return len(s.nodes)
}

// Node returns node i. It panics when i is out of range.
func (s *NodeStore) Node(i int) NodeData {
	s.checkIndex(i)
	return s.nodes[i]
}

// Nodes returns a copy of all nodes in index order.
func (s *NodeStore) Nodes() []NodeData {
	return slices.Clone(s.nodes)
}

// TrajectoryNodes returns the indices of the trajectory's nodes in insertion order.
func (s *NodeStore) TrajectoryNodes(trajectory TrajectoryID) []int {
	return slices.Clone(s.byTrajectory[trajectory])
}

// Trajectories returns trajectory ids in the order their first node arrived.
func (s *NodeStore) Trajectories() []TrajectoryID {
	return slices.Clone(s.trajectories)
}

// SetPose overwrites the current pose estimate of node i.
func (s *NodeStore) SetPose(i int, pose Rigid2) {
	s.checkIndex(i)
	s.nodes[i].Pose = pose.Normalized()
}

func (s *NodeStore) checkIndex(i int) {
	if i < 0 || i >= len(s.nodes) {
		panic(fmt.Sprintf("spa: node index %d out of range [0, %d)", i, len(s.nodes)))
	}
}
