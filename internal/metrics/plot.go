package metrics

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"distributed-ppo-rl/internal/checkpoint"
)

// PlotCurve renders mean episode reward against timesteps. The image format
// follows the extension of path.
func PlotCurve(points []checkpoint.Datapoint, title, path string) error {
	if len(points) == 0 {
		return errors.New("no datapoints to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Timesteps"
	p.Y.Label.Text = "Mean Episode Reward"

	pts := make(plotter.XYs, len(points))
	for i, d := range points {
		pts[i].X = float64(d.Step)
		pts[i].Y = d.RewardMean
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("could not create line plotter: %w", err)
	}
	p.Add(line, plotter.NewGrid())
	p.Legend.Add("reward", line)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("could not save plot to %s: %w", path, err)
	}
	return nil
}
