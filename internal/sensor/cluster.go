package sensor

import (
	"math"

	"github.com/golang/geo/r3"
)

// spatialIndex buckets world points on a regular floor-plane (x, z) grid
// so DBSCAN region queries only inspect the 3x3 neighbouring cells.
// Cell size should approximately match eps.
type spatialIndex struct {
	cellSize float64
	grid     map[int64][]int
}

func newSpatialIndex(cellSize float64, points []r3.Vector) *spatialIndex {
	si := &spatialIndex{cellSize: cellSize, grid: make(map[int64][]int, len(points)/4+1)}
	for i, p := range points {
		cx, cz := si.cell(p)
		id := pairCell(cx, cz)
		si.grid[id] = append(si.grid[id], i)
	}
	return si
}

func (si *spatialIndex) cell(p r3.Vector) (int64, int64) {
	return int64(math.Floor(p.X / si.cellSize)), int64(math.Floor(p.Z / si.cellSize))
}

// pairCell maps signed cell coordinates to a unique id with zigzag encoding
// followed by Szudzik's pairing function.
func pairCell(cx, cz int64) int64 {
	zig := func(v int64) int64 {
		if v >= 0 {
			return 2 * v
		}
		return -2*v - 1
	}
	a, b := zig(cx), zig(cz)
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

func (si *spatialIndex) regionQuery(points []r3.Vector, idx int, eps float64) []int {
	p := points[idx]
	eps2 := eps * eps
	cx, cz := si.cell(p)
	var neighbors []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dz := int64(-1); dz <= 1; dz++ {
			for _, j := range si.grid[pairCell(cx+dx, cz+dz)] {
				q := points[j]
				ddx, ddz := q.X-p.X, q.Z-p.Z
				if ddx*ddx+ddz*ddz <= eps2 {
					neighbors = append(neighbors, j)
				}
			}
		}
	}
	return neighbors
}

// Cluster is a group of points produced by DBSCAN.
type Cluster struct {
	Centroid r3.Vector
	Points   int
}

// dbscan clusters world points on the floor plane. Noise points are
// discarded. Clusters are returned in discovery order, which follows the
// input order, so results are deterministic.
func dbscan(points []r3.Vector, eps float64, minPts int) []Cluster {
	if len(points) == 0 {
		return nil
	}
	labels := make([]int, len(points)) // 0=unvisited, -1=noise, >0=cluster id
	si := newSpatialIndex(eps, points)
	clusterID := 0

	for i := range points {
		if labels[i] != 0 {
			continue
		}
		neighbors := si.regionQuery(points, i, eps)
		if len(neighbors) < minPts {
			labels[i] = -1
			continue
		}
		clusterID++
		labels[i] = clusterID
		for j := 0; j < len(neighbors); j++ {
			idx := neighbors[j]
			if labels[idx] == -1 {
				labels[idx] = clusterID // noise becomes border point
			}
			if labels[idx] != 0 {
				continue
			}
			labels[idx] = clusterID
			if more := si.regionQuery(points, idx, eps); len(more) >= minPts {
				neighbors = append(neighbors, more...)
			}
		}
	}

	clusters := make([]Cluster, clusterID)
	for i, l := range labels {
		if l > 0 {
			c := &clusters[l-1]
			c.Centroid = c.Centroid.Add(points[i])
			c.Points++
		}
	}
	out := clusters[:0]
	for _, c := range clusters {
		if c.Points > 0 {
			c.Centroid = c.Centroid.Mul(1 / float64(c.Points))
			out = append(out, c)
		}
	}
	return out
}
