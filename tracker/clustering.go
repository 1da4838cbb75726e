/*
DBSCAN clustering over a grid-accelerated spatial index, grounded on
banshee-data-velocity.report/internal/lidar/clustering.go's
SpatialIndex/RegionQuery design: a regular grid whose cell size matches
eps, 3x3-cell neighborhood queries, squared-distance comparisons. That
repo independently reinvented this instead of importing a clustering
library, which is the precedent followed here (see DESIGN.md) rather
than a third-party clusterer.
*/
package tracker

import (
	"math"

	"github.com/dtrack-fleet/dtrack/protocol"
)

// point is one world-plane position being clustered, carrying back a
// pointer to its originating labeled detection.
type point struct {
	x, z float64
	src  *protocol.LabeledDetection
}

// spatialIndex buckets points into a regular grid of cellSize.
type spatialIndex struct {
	cellSize float64
	grid     map[[2]int64][]int
}

func newSpatialIndex(cellSize float64) *spatialIndex {
	return &spatialIndex{cellSize: cellSize, grid: make(map[[2]int64][]int)}
}

func (si *spatialIndex) cellOf(x, z float64) [2]int64 {
	return [2]int64{
		int64(math.Floor(x / si.cellSize)),
		int64(math.Floor(z / si.cellSize)),
	}
}

func (si *spatialIndex) build(points []point) {
	si.grid = make(map[[2]int64][]int, len(points))
	for i, p := range points {
		cell := si.cellOf(p.x, p.z)
		si.grid[cell] = append(si.grid[cell], i)
	}
}

// regionQuery returns the indices of every point within eps of points[idx],
// searching the 3x3 cell neighborhood around it.
func (si *spatialIndex) regionQuery(points []point, idx int, eps float64) []int {
	p := points[idx]
	eps2 := eps * eps
	cell := si.cellOf(p.x, p.z)

	var neighbors []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dz := int64(-1); dz <= 1; dz++ {
			for _, candidateIdx := range si.grid[[2]int64{cell[0] + dx, cell[1] + dz}] {
				c := points[candidateIdx]
				ddx := c.x - p.x
				ddz := c.z - p.z
				if ddx*ddx+ddz*ddz <= eps2 {
					neighbors = append(neighbors, candidateIdx)
				}
			}
		}
	}
	return neighbors
}

// cluster is one DBSCAN cluster: its member points and centroid.
type cluster struct {
	id        int
	members   []point
	centroidX float64
	centroidZ float64
}

// dbscan clusters points with the given eps/minPts (default eps=0.5m,
// min_samples=1: every point belongs to some cluster, no noise by
// construction when minPts==1).
func dbscan(points []point, eps float64, minPts int) []cluster {
	if len(points) == 0 {
		return nil
	}

	labels := make([]int, len(points)) // 0=unvisited, -1=noise, >0=clusterID
	nextID := 0

	idx := newSpatialIndex(eps)
	idx.build(points)

	for i := range points {
		if labels[i] != 0 {
			continue
		}
		neighbors := idx.regionQuery(points, i, eps)
		if len(neighbors) < minPts {
			labels[i] = -1
			continue
		}
		nextID++
		expand(points, idx, labels, i, neighbors, nextID, eps, minPts)
	}

	return buildClusters(points, labels, nextID)
}

func expand(points []point, idx *spatialIndex, labels []int, seed int, neighbors []int, clusterID int, eps float64, minPts int) {
	labels[seed] = clusterID
	for j := 0; j < len(neighbors); j++ {
		n := neighbors[j]
		if labels[n] == -1 {
			labels[n] = clusterID
		}
		if labels[n] != 0 {
			continue
		}
		labels[n] = clusterID
		more := idx.regionQuery(points, n, eps)
		if len(more) >= minPts {
			neighbors = append(neighbors, more...)
		}
	}
}

func buildClusters(points []point, labels []int, maxID int) []cluster {
	buckets := make([][]point, maxID+1)
	for i, label := range labels {
		if label >= 1 {
			buckets[label] = append(buckets[label], points[i])
		}
	}

	clusters := make([]cluster, 0, maxID)
	for id := 1; id <= maxID; id++ {
		members := buckets[id]
		if len(members) == 0 {
			continue
		}
		var sumX, sumZ float64
		for _, p := range members {
			sumX += p.x
			sumZ += p.z
		}
		n := float64(len(members))
		clusters = append(clusters, cluster{
			id:        id,
			members:   members,
			centroidX: sumX / n,
			centroidZ: sumZ / n,
		})
	}
	return clusters
}
