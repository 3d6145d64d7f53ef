// Package report tabulates per-scale loss terms of an evaluation run.
package report

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/google/uuid"
	"github.com/sugarme/gotch/ts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sugarme/stereoloss/loss"
	"github.com/sugarme/stereoloss/metric"
)

// Row is one active pyramid position. Column names in the CSV follow the
// field names.
type Row struct {
	Run         string
	Variant     string
	Position    int
	Scale       int
	Weight      float64
	Smooth      float64
	Photometric float64
	SSIM        float64
	Total       float64
}

// Report collects the rows of one run.
type Report struct {
	ID         string
	Variant    string
	Rows       []Row
	Regression *float64
	Scores     *metric.Scores
}

// Summary aggregates a report.
type Summary struct {
	Loss         float64 // sum of weighted totals
	WeightedMean float64 // mean unweighted term, weighted by schedule weight
	Positions    int
}

// New starts a report with a fresh run id.
func New(variant string) *Report {
	return &Report{
		ID:      uuid.NewString(),
		Variant: variant,
	}
}

// AddTerms appends one row per term. The tensors in terms are read but not
// dropped.
func (r *Report) AddTerms(terms []loss.Terms) {
	for _, t := range terms {
		r.Rows = append(r.Rows, Row{
			Run:         r.ID,
			Variant:     r.Variant,
			Position:    t.Position,
			Scale:       int(t.Scale),
			Weight:      t.Weight,
			Smooth:      value(t.Smooth),
			Photometric: value(t.Photometric),
			SSIM:        value(t.SSIM),
			Total:       value(t.Total),
		})
	}
}

// SetRegression records the supervised loss of the run.
func (r *Report) SetRegression(v float64) {
	r.Regression = &v
}

// SetScores records the error metrics of the run.
func (r *Report) SetScores(s metric.Scores) {
	r.Scores = &s
}

func value(x *ts.Tensor) float64 {
	if x == nil {
		return 0
	}
	return x.Float64Values()[0]
}

// Summary computes aggregate figures over the rows.
func (r *Report) Summary() Summary {
	s := Summary{Positions: len(r.Rows)}
	if len(r.Rows) == 0 {
		return s
	}

	raw := make([]float64, len(r.Rows))
	weights := make([]float64, len(r.Rows))
	for i, row := range r.Rows {
		s.Loss += row.Total
		weights[i] = row.Weight
		if row.Weight != 0 {
			raw[i] = row.Total / row.Weight
		}
	}
	s.WeightedMean = stat.Mean(raw, weights)

	return s
}

// DataFrame returns the rows as a dataframe.
func (r *Report) DataFrame() dataframe.DataFrame {
	return dataframe.LoadStructs(r.Rows)
}

// WriteCSV writes the rows with a header line.
func (r *Report) WriteCSV(w io.Writer) error {
	if len(r.Rows) == 0 {
		return fmt.Errorf("report %v has no rows", r.ID)
	}
	df := r.DataFrame()
	if df.Err != nil {
		return df.Err
	}
	return df.WriteCSV(w)
}

// SaveCSV writes the rows to filename.
func (r *Report) SaveCSV(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := r.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Plot draws the weighted total of each position as a bar chart and saves it
// to filename. The image format follows the extension.
func (r *Report) Plot(filename string) error {
	if len(r.Rows) == 0 {
		return fmt.Errorf("report %v has no rows", r.ID)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%v loss per position", r.Variant)
	p.Y.Label.Text = "weighted loss"

	v := make(plotter.Values, len(r.Rows))
	names := make([]string, len(r.Rows))
	for i, row := range r.Rows {
		v[i] = row.Total
		names[i] = strconv.Itoa(row.Position) + "@" + strconv.Itoa(row.Scale)
	}

	bars, err := plotter.NewBarChart(v, vg.Points(20))
	if err != nil {
		return err
	}
	p.Add(bars)
	p.NominalX(names...)

	return p.Save(4*vg.Inch, 4*vg.Inch, filename)
}
