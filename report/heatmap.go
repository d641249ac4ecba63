package report

import (
	"io"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/flowclf/core/model"
	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

// confusionGrid adapts a confusion matrix to plotter.GridXYZ. Row 0 is drawn
// at the top.
type confusionGrid struct {
	m *mat.Dense
	n int
}

func (g confusionGrid) Dims() (c, r int)   { return g.n, g.n }
func (g confusionGrid) Z(c, r int) float64 { return g.m.At(g.n-1-r, c) }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }

// Heatmap builds the confusion-matrix plot with one annotated cell per
// (true, predicted) pair.
func Heatmap(s *Summary) (*plot.Plot, error) {
	if s.Confusion == nil {
		return nil, errors.NewValueError("report.Heatmap", "summary has no confusion matrix")
	}
	n, _ := s.Confusion.Dims()
	grid := confusionGrid{m: s.Confusion, n: n}

	hm := plotter.NewHeatMap(grid, palette.Heat(16, 1))
	if hm.Max <= hm.Min {
		hm.Max = hm.Min + 1
	}

	labels := plotter.XYLabels{
		XYs:    make(plotter.XYs, 0, n*n),
		Labels: make([]string, 0, n*n),
	}
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			labels.XYs = append(labels.XYs, plotter.XY{X: float64(c), Y: float64(r)})
			labels.Labels = append(labels.Labels, strconv.FormatInt(int64(grid.Z(c, r)), 10))
		}
	}
	text, err := plotter.NewLabels(labels)
	if err != nil {
		return nil, errors.Wrap(err, "confusion matrix labels")
	}

	names := make([]string, n)
	reversed := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = s.name(i)
		reversed[n-1-i] = names[i]
	}

	p := plot.New()
	p.Title.Text = "Confusion matrix"
	p.X.Label.Text = "Predicted"
	p.Y.Label.Text = "True"
	p.Add(hm, text)
	p.NominalX(names...)
	p.NominalY(reversed...)
	return p, nil
}

// WriteHeatmap renders the confusion matrix as a PNG at path, atomically.
func WriteHeatmap(path string, s *Summary) error {
	p, err := Heatmap(s)
	if err != nil {
		return err
	}
	side := vg.Length(3+len(s.Labels)) * vg.Inch
	wt, err := p.WriterTo(side, side, "png")
	if err != nil {
		return errors.Wrap(err, "render heatmap")
	}
	if err := model.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := wt.WriteTo(w)
		return err
	}); err != nil {
		return errors.Wrapf(err, "write heatmap %s", path)
	}
	return nil
}
