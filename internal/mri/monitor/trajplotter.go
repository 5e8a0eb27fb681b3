// Package monitor renders optional debug artifacts for a running stream,
// currently predicted-versus-nominal trajectory plots per emitted group.
package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/mrphysics-bonn/kspace-stream/internal/mri"
	"github.com/mrphysics-bonn/kspace-stream/internal/mri/router"
	"github.com/mrphysics-bonn/kspace-stream/internal/monitoring"
)

// TrajectoryPlotter writes one PNG per emitted group showing the in-plane
// k-space path of the group's first readout. Plots are best effort; the
// pipeline ignores failures.
type TrajectoryPlotter struct {
	Dir string
}

// NewTrajectoryPlotter ensures the output directory exists.
func NewTrajectoryPlotter(dir string) (*TrajectoryPlotter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("plot dir: %w", err)
	}
	return &TrajectoryPlotter{Dir: dir}, nil
}

// PlotGroup renders the first trajectory-carrying readout of the group.
func (t *TrajectoryPlotter) PlotGroup(g *router.CompletedGroup) error {
	var rec *mri.AcquisitionRecord
	for _, r := range g.Records {
		if len(r.Traj) >= 2 && len(r.Traj[0]) > 0 {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("slice %d contrast %d rep %d", g.Slice, g.Contrast, g.Repetition)
	p.X.Label.Text = "kx"
	p.Y.Label.Text = "ky"

	pts := make(plotter.XYs, len(rec.Traj[mri.TrajKx]))
	for i := range pts {
		pts[i].X = rec.Traj[mri.TrajKx][i]
		pts[i].Y = rec.Traj[mri.TrajKy][i]
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	p.Add(line, plotter.NewGrid())

	name := filepath.Join(t.Dir, fmt.Sprintf("traj_s%02d_c%02d_r%02d_%s.png", g.Slice, g.Contrast, g.Repetition, g.ID))
	if err := p.Save(6*vg.Inch, 6*vg.Inch, name); err != nil {
		return err
	}
	monitoring.Debugf("[monitor] trajectory plot written to %s", name)
	return nil
}
