package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/kwv/posegraph/spa"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// TrajectoryExtent summarizes where a trajectory went after optimization.
type TrajectoryExtent struct {
	Trajectory spa.TrajectoryID `json:"trajectory"`
	Nodes      int              `json:"nodes"`
	Length     float64          `json:"length"`
	Min        [2]float64       `json:"min"`
	Max        [2]float64       `json:"max"`
}

// trajectoryPaths groups node positions into one path per trajectory, in
// node order. Trajectories are returned in first-appearance order.
func trajectoryPaths(nodes []spa.NodeData) ([]spa.TrajectoryID, map[spa.TrajectoryID]orb.LineString) {
	var order []spa.TrajectoryID
	paths := make(map[spa.TrajectoryID]orb.LineString)
	for _, n := range nodes {
		if _, ok := paths[n.Trajectory]; !ok {
			order = append(order, n.Trajectory)
		}
		paths[n.Trajectory] = append(paths[n.Trajectory], orb.Point{n.Pose.X, n.Pose.Y})
	}
	return order, paths
}

// Extents computes the path length and bounding box of every trajectory.
func Extents(nodes []spa.NodeData) []TrajectoryExtent {
	order, paths := trajectoryPaths(nodes)
	out := make([]TrajectoryExtent, 0, len(order))
	for _, id := range order {
		ls := paths[id]
		bound := ls.Bound()
		out = append(out, TrajectoryExtent{
			Trajectory: id,
			Nodes:      len(ls),
			Length:     planar.Length(ls),
			Min:        [2]float64{bound.Min.X(), bound.Min.Y()},
			Max:        [2]float64{bound.Max.X(), bound.Max.Y()},
		})
	}
	return out
}

// WriteReport prints the solver summary and trajectory extents.
func WriteReport(w io.Writer, summary spa.Summary, extents []TrajectoryExtent) error {
	fmt.Fprintf(w, "termination: %s (%s)\n", summary.Termination, summary.Message)
	fmt.Fprintf(w, "cost: %.6g -> %.6g in %d iterations (%d successful)\n",
		summary.InitialCost, summary.FinalCost, summary.Iterations, summary.SuccessfulSteps)

	kinds := make([]spa.ResidualKind, 0, len(summary.ResidualsByKind))
	for k := range summary.ResidualsByKind {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(a, b int) bool { return kinds[a] < kinds[b] })
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-10s %6d residuals  cost %.6g\n", k, summary.ResidualsByKind[k], summary.CostByKind[k])
	}

	if len(extents) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRAJECTORY\tNODES\tLENGTH\tMIN\tMAX")
	for _, e := range extents {
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t(%.3f, %.3f)\t(%.3f, %.3f)\n",
			e.Trajectory, e.Nodes, e.Length, e.Min[0], e.Min[1], e.Max[0], e.Max[1])
	}
	return tw.Flush()
}

// SolutionGeoJSON renders submap origins as points and trajectories as line
// strings. A positive tolerance simplifies the trajectories with
// Douglas-Peucker.
func SolutionGeoJSON(submaps []spa.Rigid2, nodes []spa.NodeData, tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, s := range submaps {
		f := geojson.NewFeature(orb.Point{s.X, s.Y})
		f.Properties["kind"] = "submap"
		f.Properties["index"] = i
		f.Properties["theta"] = s.Theta
		fc.Append(f)
	}

	order, paths := trajectoryPaths(nodes)
	for _, id := range order {
		ls := paths[id]
		if tolerance > 0 && len(ls) > 2 {
			if simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString); ok {
				ls = simplified
			}
		}
		var geom orb.Geometry = ls
		if len(ls) == 1 {
			geom = ls[0]
		}
		f := geojson.NewFeature(geom)
		f.Properties["kind"] = "trajectory"
		f.Properties["trajectory"] = id.String()
		f.Properties["nodes"] = len(paths[id])
		f.Properties["length"] = planar.Length(paths[id])
		fc.Append(f)
	}
	return fc
}

// SaveGeoJSON writes the solution as a GeoJSON FeatureCollection.
func SaveGeoJSON(path string, fc *geojson.FeatureCollection) error {
	return writeJSON(path, fc)
}
