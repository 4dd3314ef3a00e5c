// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package posetrain

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const (
	// HistoryCSVFileName and HistoryPlotFileName are the files written in the checkpoint directory.
	HistoryCSVFileName  = "history.csv"
	HistoryPlotFileName = "history.png"
)

// EpochRecord holds the metrics at the end of one epoch.
type EpochRecord struct {
	// RunID identifies the training session: a model trained over several sessions (restarting from its
	// checkpoint) will have records with different ids.
	RunID string `dataframe:"run_id"`

	// Epoch, starting from 1.
	Epoch int `dataframe:"epoch"`

	// Step is the global step at the end of the epoch.
	Step int `dataframe:"step"`

	Loss         float64 `dataframe:"loss"`
	Accuracy     float64 `dataframe:"accuracy"`
	EvalLoss     float64 `dataframe:"val_loss"`
	EvalAccuracy float64 `dataframe:"val_accuracy"`

	// LearningRate used during the epoch.
	LearningRate float64 `dataframe:"learning_rate"`
}

// History of the training, one record per epoch.
type History struct {
	Records []EpochRecord
}

// Append a record.
func (h *History) Append(record EpochRecord) {
	h.Records = append(h.Records, record)
}

// Len returns the number of records.
func (h *History) Len() int { return len(h.Records) }

// Last record, or nil if empty.
func (h *History) Last() *EpochRecord {
	if len(h.Records) == 0 {
		return nil
	}
	return &h.Records[len(h.Records)-1]
}

// BestEvalAccuracy returns the highest validation accuracy recorded, or 0 if empty.
func (h *History) BestEvalAccuracy() float64 {
	var best float64
	for _, r := range h.Records {
		best = max(best, r.EvalAccuracy)
	}
	return best
}

// WriteCSV writes the history as a CSV file with a header.
func (h *History) WriteCSV(filePath string) error {
	if len(h.Records) == 0 {
		return errors.Errorf("empty history, nothing to write to %q", filePath)
	}
	df := dataframe.LoadStructs(h.Records)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to convert history to a dataframe")
	}
	// Float columns are written with 6 decimal places, which would round small learning rates to 0.
	learningRates := make([]string, len(h.Records))
	for ii, r := range h.Records {
		learningRates[ii] = strconv.FormatFloat(r.LearningRate, 'g', -1, 64)
	}
	df = df.Mutate(series.New(learningRates, series.String, "learning_rate"))
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to format learning rates")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create history file %q", filePath)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write history to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// ReadHistoryCSV reads a history written by History.WriteCSV.
func ReadHistoryCSV(filePath string) (*History, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse history file %q", filePath)
	}
	epochs, err := df.Col("epoch").Int()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid column \"epoch\" in %q", filePath)
	}
	steps, err := df.Col("step").Int()
	if err != nil {
		return nil, errors.Wrapf(err, "invalid column \"step\" in %q", filePath)
	}
	runIDs := df.Col("run_id").Records()
	loss := df.Col("loss").Float()
	accuracy := df.Col("accuracy").Float()
	evalLoss := df.Col("val_loss").Float()
	evalAccuracy := df.Col("val_accuracy").Float()
	learningRate := df.Col("learning_rate").Float()
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "missing columns in history file %q", filePath)
	}
	h := &History{Records: make([]EpochRecord, df.Nrow())}
	for ii := range h.Records {
		h.Records[ii] = EpochRecord{
			RunID:        runIDs[ii],
			Epoch:        epochs[ii],
			Step:         steps[ii],
			Loss:         loss[ii],
			Accuracy:     accuracy[ii],
			EvalLoss:     evalLoss[ii],
			EvalAccuracy: evalAccuracy[ii],
			LearningRate: learningRate[ii],
		}
	}
	return h, nil
}

// Plot writes a PNG image with two panels: training and validation loss, and training and validation accuracy,
// per epoch.
func (h *History) Plot(filePath string) error {
	if len(h.Records) == 0 {
		return errors.Errorf("empty history, nothing to plot to %q", filePath)
	}
	lossPlot, err := h.panel("Loss", "loss",
		func(r EpochRecord) float64 { return r.Loss },
		func(r EpochRecord) float64 { return r.EvalLoss })
	if err != nil {
		return err
	}
	accuracyPlot, err := h.panel("Accuracy", "accuracy",
		func(r EpochRecord) float64 { return r.Accuracy },
		func(r EpochRecord) float64 { return r.EvalAccuracy })
	if err != nil {
		return err
	}

	img := vgimg.New(12*vg.Inch, 5*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Inch / 4, PadTop: vg.Inch / 8, PadBottom: vg.Inch / 8}
	plots := [][]*plot.Plot{{lossPlot, accuracyPlot}}
	canvases := plot.Align(plots, tiles, dc)
	for col, p := range plots[0] {
		p.Draw(canvases[0][col])
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot file %q", filePath)
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write plot to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

func (h *History) panel(title, metricName string, train, eval func(r EpochRecord) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metricName
	p.Legend.Top = true
	trainXYs := make(plotter.XYs, len(h.Records))
	evalXYs := make(plotter.XYs, len(h.Records))
	for ii, r := range h.Records {
		x := float64(r.Epoch)
		trainXYs[ii] = plotter.XY{X: x, Y: train(r)}
		evalXYs[ii] = plotter.XY{X: x, Y: eval(r)}
	}
	if err := plotutil.AddLinePoints(p, metricName, trainXYs, "val_"+metricName, evalXYs); err != nil {
		return nil, errors.Wrapf(err, "failed to plot %s", metricName)
	}
	return p, nil
}

// Table returns the history formatted as a table for the terminal.
func (h *History) Table() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Epoch", "Step", "loss", "accuracy", "val_loss", "val_accuracy", "lr")
	for _, r := range h.Records {
		table.Row(
			fmt.Sprintf("%d", r.Epoch),
			fmt.Sprintf("%d", r.Step),
			fmt.Sprintf("%.4f", r.Loss),
			fmt.Sprintf("%.2f%%", 100*r.Accuracy),
			fmt.Sprintf("%.4f", r.EvalLoss),
			fmt.Sprintf("%.2f%%", 100*r.EvalAccuracy),
			fmt.Sprintf("%.2g", r.LearningRate))
	}
	return table.String()
}
