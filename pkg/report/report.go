// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package report keeps the per-epoch metrics of a training run and saves them as a CSV table and as
// loss curves (PNG and SVG).
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	mg "github.com/erkkah/margaid"
	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// File names written by Report.Save.
const (
	CSVFile = "metrics.csv"
	PNGFile = "loss.png"
	SVGFile = "loss.svg"
)

// Record holds the metrics of one epoch.
type Record struct {
	RunID        string  `dataframe:"run_id"`
	Epoch        int     `dataframe:"epoch"`
	TrainLoss    float64 `dataframe:"train_loss"`
	TrainBPD     float64 `dataframe:"train_bpd"`
	TestLoss     float64 `dataframe:"test_loss"`
	TestBPD      float64 `dataframe:"test_bpd"`
	BestLoss     float64 `dataframe:"best_loss"`
	LearningRate float64 `dataframe:"lr"`
	ExamplesSeen int     `dataframe:"examples_seen"`
	Seconds      float64 `dataframe:"seconds"`
}

// Report accumulates the Records of a run.
type Report struct {
	Records []Record
}

// Add appends the record of an epoch.
func (r *Report) Add(record Record) {
	r.Records = append(r.Records, record)
}

// WriteCSV writes the records as a CSV table, with a header line.
func (r *Report) WriteCSV(w io.Writer) error {
	if len(r.Records) == 0 {
		return errors.New("no records to write")
	}
	df := dataframe.LoadStructs(r.Records)
	if df.Err != nil {
		return errors.Wrap(df.Err, "converting records to a dataframe")
	}
	return errors.Wrap(df.WriteCSV(w), "writing metrics CSV")
}

// ReadCSV reads records written by WriteCSV, e.g. to continue the report of a resumed run.
func ReadCSV(reader io.Reader) (*Report, error) {
	df := dataframe.ReadCSV(reader)
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "reading metrics CSV")
	}
	runIDs := df.Col("run_id").Records()
	epochs, err := df.Col("epoch").Int()
	if err != nil {
		return nil, errors.Wrap(err, "parsing epoch column")
	}
	examplesSeen, err := df.Col("examples_seen").Int()
	if err != nil {
		return nil, errors.Wrap(err, "parsing examples_seen column")
	}
	floatCols := make(map[string][]float64)
	for _, name := range []string{"train_loss", "train_bpd", "test_loss", "test_bpd", "best_loss", "lr", "seconds"} {
		floatCols[name] = df.Col(name).Float()
	}
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "reading metrics CSV columns")
	}
	r := &Report{Records: make([]Record, df.Nrow())}
	for ii := range r.Records {
		r.Records[ii] = Record{
			RunID:        runIDs[ii],
			Epoch:        epochs[ii],
			TrainLoss:    floatCols["train_loss"][ii],
			TrainBPD:     floatCols["train_bpd"][ii],
			TestLoss:     floatCols["test_loss"][ii],
			TestBPD:      floatCols["test_bpd"][ii],
			BestLoss:     floatCols["best_loss"][ii],
			LearningRate: floatCols["lr"][ii],
			ExamplesSeen: examplesSeen[ii],
			Seconds:      floatCols["seconds"][ii],
		}
	}
	return r, nil
}

// Load the report saved in dir, or an empty report if there is none.
func Load(dir string) (*Report, error) {
	f, err := os.Open(filepath.Join(dir, CSVFile))
	if os.IsNotExist(err) {
		return &Report{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening report in %q", dir)
	}
	defer func() { _ = f.Close() }()
	return ReadCSV(f)
}

// Save writes the CSV table and the loss curves to dir.
func (r *Report) Save(dir string) error {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "creating report directory %q", dir)
	}
	var buf bytes.Buffer
	if err := r.WriteCSV(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, CSVFile), buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "writing %s", CSVFile)
	}
	if err := r.SavePNG(filepath.Join(dir, PNGFile)); err != nil {
		return err
	}
	return r.SaveSVG(filepath.Join(dir, SVGFile))
}

func (r *Report) lossPoints() (train, test plotter.XYs) {
	train = make(plotter.XYs, len(r.Records))
	test = make(plotter.XYs, len(r.Records))
	for ii, record := range r.Records {
		train[ii].X, train[ii].Y = float64(record.Epoch), record.TrainLoss
		test[ii].X, test[ii].Y = float64(record.Epoch), record.TestLoss
	}
	return
}

// SavePNG plots the train and test losses per epoch to path.
func (r *Report) SavePNG(path string) error {
	p := plot.New()
	p.Title.Text = "Negative log-likelihood"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "nll"
	train, test := r.lossPoints()
	for ii, curve := range []struct {
		name   string
		points plotter.XYs
	}{{"train", train}, {"test", test}} {
		line, err := plotter.NewLine(curve.points)
		if err != nil {
			return errors.Wrapf(err, "plotting %s loss", curve.name)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(curve.name, line)
	}
	p.Add(plotter.NewGrid())
	return errors.Wrapf(p.Save(8*vg.Inch, 4*vg.Inch, path), "saving plot to %q", path)
}

// SaveSVG plots the train and test losses per epoch as an SVG file.
func (r *Report) SaveSVG(path string) error {
	trainSeries := mg.NewSeries(mg.Titled("train"))
	testSeries := mg.NewSeries(mg.Titled("test"))
	allPoints := mg.NewSeries()
	for _, record := range r.Records {
		x := float64(record.Epoch)
		trainSeries.Add(mg.MakeValue(x, record.TrainLoss))
		testSeries.Add(mg.MakeValue(x, record.TestLoss))
		allPoints.Add(mg.MakeValue(x, record.TrainLoss), mg.MakeValue(x, record.TestLoss))
	}
	diagram := mg.New(800, 400,
		mg.WithAutorange(mg.XAxis, allPoints),
		mg.WithAutorange(mg.YAxis, allPoints),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range []*mg.Series{trainSeries, testSeries} {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Epoch")
	diagram.Axis(allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, "NLL")
	diagram.Frame()
	diagram.Title("Negative log-likelihood")
	diagram.Legend(mg.BottomLeft)

	var buf bytes.Buffer
	if err := diagram.Render(&buf); err != nil {
		return errors.Wrapf(err, "rendering %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0644), "writing %q", path)
}

// String implements fmt.Stringer, with the last record.
func (r *Report) String() string {
	if len(r.Records) == 0 {
		return "<empty report>"
	}
	last := r.Records[len(r.Records)-1]
	return fmt.Sprintf("epoch %d: train nll=%.4f (%.3f bpd), test nll=%.4f (%.3f bpd), best=%.4f",
		last.Epoch, last.TrainLoss, last.TrainBPD, last.TestLoss, last.TestBPD, last.BestLoss)
}
