package spa

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

// ImuStore keeps one append-only, time-ordered sample log per trajectory.
//
// ImuStore is not safe for concurrent use.
type ImuStore struct {
	samples map[TrajectoryID][]ImuData
}

// NewImuStore creates an empty store
func NewImuStore() *ImuStore {
	return &ImuStore{
		samples: make(map[TrajectoryID][]ImuData),
	}
}

// Add appends a sample to the trajectory's log. Timestamps must not decrease
// within a trajectory; a violation panics.
func (s *ImuStore) Add(trajectory TrajectoryID, t time.Time, linearAcceleration, angularVelocity r3.Vec) {
	if trajectory == uuid.Nil {
		panic("spa: imu sample added with nil trajectory id")
	}
	log := s.samples[trajectory]
	if n := len(log); n > 0 && t.Before(log[n-1].Time) {
		panic(fmt.Sprintf("spa: trajectory %s imu time %s is before previous sample time %s",
			trajectory, t.Format(time.RFC3339Nano), log[n-1].Time.Format(time.RFC3339Nano)))
	}
	s.samples[trajectory] = append(log, ImuData{
		Time:               t,
		LinearAcceleration: linearAcceleration,
		AngularVelocity:    angularVelocity,
	})
}

// Len returns the number of samples recorded for a trajectory.
func (s *ImuStore) Len(trajectory TrajectoryID) int {
	return len(s.samples[trajectory])
}

// Samples returns a copy of the trajectory's samples.
func (s *ImuStore) Samples(trajectory TrajectoryID) []ImuData {
	return slices.Clone(s.samples[trajectory])
}

// Trajectories returns the ids that have at least one sample, sorted for
// deterministic iteration.
func (s *ImuStore) Trajectories() []TrajectoryID {
	ids := make([]TrajectoryID, 0, len(s.samples))
	for id, log := range s.samples {
		if len(log) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// Between returns the samples needed to integrate over [start, end): the last
// sample at or before start (the reading in effect when the interval opens)
// followed by every sample with start < t < end. It returns nil when no sample
// at or before start exists, since the interval cannot be integrated then.
//
// The returned slice aliases the store and must not be modified.
func (s *ImuStore) Between(trajectory TrajectoryID, start, end time.Time) []ImuData {
	log := s.samples[trajectory]
	if len(log) == 0 || !end.After(start) {
		return nil
	}
	// first sample strictly after start
	after := sort.Search(len(log), func(i int) bool {
		return log[i].Time.After(start)
	})
	if after == 0 {
		return nil
	}
	stop := sort.Search(len(log), func(i int) bool {
		return !log[i].Time.Before(end)
	})
	if stop < after {
		stop = after
	}
	return log[after-1 : stop : stop]
}
