package sensor

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/presence.field/internal/config"
)

// WorldDetection is a detection expressed in the shared world frame, with
// the reading confidence already folded into Confidence.
type WorldDetection struct {
	SensorID   string
	Position   r3.Vector
	Confidence float64
	Gesture    string
	HasGesture bool
	Heading    float64
	HasHeading bool
	Intensity  float64 // touch pressure for touch blobs, 0 otherwise
}

// Detector converts readings from one configured sensor into world detections.
type Detector struct {
	cfg  config.SensorConfig
	pose Pose
}

// NewDetector builds a Detector for a configured sensor.
func NewDetector(cfg config.SensorConfig) *Detector {
	return &Detector{cfg: cfg, pose: NewPose(cfg.Extrinsics)}
}

// Pose returns the sensor's world pose.
func (d *Detector) Pose() Pose { return d.pose }

// Detect converts a reading into world detections. Detections outside the
// sensor's field of view are discarded.
func (d *Detector) Detect(r Reading) []WorldDetection {
	switch p := r.Payload.(type) {
	case PositionSample:
		return d.fromPositions(r, p)
	case PointCloud:
		return d.fromCloud(r, p)
	case TouchGrid:
		return d.fromTouch(r, p)
	}
	return nil
}

func (d *Detector) fromPositions(r Reading, p PositionSample) []WorldDetection {
	gestures := d.cfg.HasCapability(config.CapGesture)
	orientation := d.cfg.HasCapability(config.CapOrientation)
	out := make([]WorldDetection, 0, len(p.Detections))
	for _, det := range p.Detections {
		if !d.pose.InFOV(det.Position) {
			continue
		}
		wd := WorldDetection{
			SensorID:   r.SensorID,
			Position:   d.pose.ToWorld(det.Position),
			Confidence: det.Confidence * r.Confidence,
		}
		if gestures {
			wd.Gesture = det.Gesture
			wd.HasGesture = true
		}
		if orientation && det.Heading != nil && finite(*det.Heading) {
			wd.Heading = d.pose.HeadingToWorld(*det.Heading)
			wd.HasHeading = true
		}
		out = append(out, wd)
	}
	return out
}

func (d *Detector) fromCloud(r Reading, p PointCloud) []WorldDetection {
	world := make([]r3.Vector, 0, len(p.Points))
	for _, pt := range p.Points {
		if d.pose.InFOV(pt) {
			world = append(world, d.pose.ToWorld(pt))
		}
	}
	ct := d.cfg.GetCluster()
	clusters := dbscan(world, ct.Eps, ct.MinPts)
	out := make([]WorldDetection, 0, len(clusters))
	for _, c := range clusters {
		density := math.Min(1, float64(c.Points)/float64(2*ct.MinPts))
		out = append(out, WorldDetection{
			SensorID:   r.SensorID,
			Position:   c.Centroid,
			Confidence: r.Confidence * density,
		})
	}
	return out
}

// fromTouch thresholds the grid and reports each 4-connected blob as one
// detection at its value-weighted centroid. Cell (row, col) sits at
// (col*pitch, 0, row*pitch) in the sensor frame.
func (d *Detector) fromTouch(r Reading, g TouchGrid) []WorldDetection {
	geom := d.cfg.Touch
	if geom == nil {
		return nil
	}
	seen := make([]bool, len(g.Values))
	var out []WorldDetection
	for start := range g.Values {
		if seen[start] || g.Values[start] < geom.Threshold || g.Values[start] == 0 {
			continue
		}
		var sumW, sumR, sumC, peak float64
		stack := []int{start}
		seen[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			row, col := i/g.Cols, i%g.Cols
			v := g.Values[i]
			sumW += v
			sumR += v * float64(row)
			sumC += v * float64(col)
			peak = math.Max(peak, v)
			for _, n := range [4][2]int{{row - 1, col}, {row + 1, col}, {row, col - 1}, {row, col + 1}} {
				if n[0] < 0 || n[0] >= g.Rows || n[1] < 0 || n[1] >= g.Cols {
					continue
				}
				j := n[0]*g.Cols + n[1]
				if !seen[j] && g.Values[j] >= geom.Threshold && g.Values[j] > 0 {
					seen[j] = true
					stack = append(stack, j)
				}
			}
		}
		local := r3.Vector{X: sumC / sumW * geom.CellPitch, Z: sumR / sumW * geom.CellPitch}
		out = append(out, WorldDetection{
			SensorID:   r.SensorID,
			Position:   d.pose.ToWorld(local),
			Confidence: r.Confidence,
			Intensity:  peak,
		})
	}
	return out
}
