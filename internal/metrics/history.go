package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Summary file names written under the history directory.
const (
	TrainFile  = "train.jsonl"
	TestFile   = "test.jsonl"
	CurvesFile = "curves.svg"
)

// Scalars is one summary record.
type Scalars struct {
	Epoch    int       `json:"epoch"`
	Loss     float64   `json:"loss"`
	Accuracy float64   `json:"accuracy"`
	Time     time.Time `json:"time"`
}

// History keeps per-epoch train and test scalars. With a directory it
// appends them as JSON lines and re-renders the loss/accuracy curves after
// every record.
type History struct {
	dir   string
	train []Scalars
	test  []Scalars
}

// NewHistory creates a history writing under dir. An empty dir keeps the
// history in memory only.
func NewHistory(dir string) (*History, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("summaries: %w", err)
		}
	}
	return &History{dir: dir}, nil
}

// Record appends the scalars of one epoch.
func (h *History) Record(train, test Scalars) error {
	h.train = append(h.train, train)
	h.test = append(h.test, test)
	if h.dir == "" {
		return nil
	}
	if err := appendJSONLine(filepath.Join(h.dir, TrainFile), train); err != nil {
		return err
	}
	if err := appendJSONLine(filepath.Join(h.dir, TestFile), test); err != nil {
		return err
	}
	return h.renderCurves(filepath.Join(h.dir, CurvesFile))
}

// Train returns the recorded training scalars.
func (h *History) Train() []Scalars { return append([]Scalars(nil), h.train...) }

// Test returns the recorded test scalars.
func (h *History) Test() []Scalars { return append([]Scalars(nil), h.test...) }

func appendJSONLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("summaries: %w", err)
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("summaries: encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("summaries: %w", err)
	}
	return nil
}

func points(records []Scalars, value func(Scalars) float64) plotter.XYs {
	pts := make(plotter.XYs, len(records))
	for i, r := range records {
		pts[i].X = float64(r.Epoch)
		pts[i].Y = value(r)
	}
	return pts
}

func (h *History) renderCurves(path string) error {
	p := plot.New()
	p.Title.Text = "training summary"
	p.X.Label.Text = "epoch"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	loss := func(s Scalars) float64 { return s.Loss }
	acc := func(s Scalars) float64 { return s.Accuracy }
	if err := plotutil.AddLinePoints(p,
		"train loss", points(h.train, loss),
		"test loss", points(h.test, loss),
		"train accuracy", points(h.train, acc),
		"test accuracy", points(h.test, acc),
	); err != nil {
		return fmt.Errorf("summaries: plot: %w", err)
	}

	writer, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "svg")
	if err != nil {
		return fmt.Errorf("summaries: plot: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("summaries: %w", err)
	}
	if _, err := writer.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("summaries: write %s: %w", path, err)
	}
	return f.Close()
}
