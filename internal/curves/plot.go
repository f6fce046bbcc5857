package curves

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Samples evaluates b at n evenly spaced inputs across its domain. Bounded
// curves are sampled on [0, 1], asymptotic ones on [0, 10].
func (b Binding) Samples(n int, phase float64) plotter.XYs {
	if n < 2 {
		n = 2
	}
	span := 1.0
	if b.Curve.Unbounded() {
		span = 10
	}
	pts := make(plotter.XYs, n)
	for i := range pts {
		x := span * float64(i) / float64(n-1)
		pts[i] = plotter.XY{X: x, Y: MapRange(b.Curve.Eval(x, phase), b.Output)}
	}
	return pts
}

// Plot renders the binding's response to a PNG (or any format plot.Save
// infers from the file extension).
func (b Binding) Plot(title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Input"
	p.Y.Label.Text = "Output"

	line, err := plotter.NewLine(b.Samples(101, 0))
	if err != nil {
		return fmt.Errorf("failed to build curve line: %w", err)
	}
	line.Width = vg.Points(1.5)
	p.Add(line, plotter.NewGrid())
	p.Legend.Add(b.Curve.Type, line)
	p.Legend.Top = true

	if b.Curve.Stateful() {
		// Show the drift envelope at the two phase extremes.
		for _, phase := range []float64{0.25, 0.75} {
			env, err := plotter.NewLine(b.Samples(101, phase))
			if err != nil {
				return fmt.Errorf("failed to build drift envelope: %w", err)
			}
			env.Width = vg.Points(0.5)
			env.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			p.Add(env)
		}
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
