package trainer

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// EpochStats records one epoch of training.
type EpochStats struct {
	Epoch       int
	TrainLoss   float64
	ValLoss     float64
	ValAccuracy float64
	Rate        float64
	Duration    time.Duration
}

// A History accumulates per-epoch statistics and exports them
// as CSV or as a loss curve plot.
type History struct {
	Epochs []EpochStats
}

// Add appends one epoch's statistics.
func (h *History) Add(s EpochStats) {
	h.Epochs = append(h.Epochs, s)
}

// WriteCSV saves the history as a CSV file with a header row.
func (h *History) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "write history")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"epoch", "train_loss", "val_loss", "val_acc", "rate",
		"seconds"}
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "write history")
	}
	for _, e := range h.Epochs {
		row := []string{
			strconv.Itoa(e.Epoch),
			formatFloat(e.TrainLoss),
			formatFloat(e.ValLoss),
			formatFloat(e.ValAccuracy),
			formatFloat(e.Rate),
			formatFloat(e.Duration.Seconds()),
		}
		if err := w.Write(row); err != nil {
			return errors.Wrap(err, "write history")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "write history")
}

// SavePlot renders the training and validation loss curves to
// an image file; the format follows the file extension (.png,
// .svg, .pdf, ...).
func (h *History) SavePlot(path string) error {
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "save plot")
	}
	p.Title.Text = "Training history"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	curves := []struct {
		Name   string
		Points plotter.XYs
	}{
		{"train loss", h.points(func(e EpochStats) float64 { return e.TrainLoss })},
		{"val loss", h.points(func(e EpochStats) float64 { return e.ValLoss })},
		{"val accuracy", h.points(func(e EpochStats) float64 { return e.ValAccuracy })},
	}
	for i, curve := range curves {
		line, err := plotter.NewLine(curve.Points)
		if err != nil {
			return errors.Wrap(err, "save plot")
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(curve.Name, line)
	}
	return errors.Wrap(p.Save(10*vg.Inch, 5*vg.Inch, path), "save plot")
}

func (h *History) points(value func(EpochStats) float64) plotter.XYs {
	res := make(plotter.XYs, len(h.Epochs))
	for i, e := range h.Epochs {
		res[i].X = float64(e.Epoch)
		res[i].Y = value(e)
	}
	return res
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}
