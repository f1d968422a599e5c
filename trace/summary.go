package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// MaxLag limits the autocorrelation lag used by ESS.
var MaxLag = 5000

// Trace is a parsed trace file, the first column is the iteration.
type Trace struct {
	Names   []string
	Columns [][]float64
}

// ReadTrace reads a tab separated trace written by Logger.
func ReadTrace(rd io.Reader) (*Trace, error) {
	t := &Trace{}
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		fields := strings.Split(line, "\t")
		if t.Names == nil {
			t.Names = fields
			t.Columns = make([][]float64, len(fields))
			continue
		}
		if len(fields) != len(t.Names) {
			return nil, fmt.Errorf("expected %d columns, got %d", len(t.Names), len(fields))
		}
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", t.Names[i], err)
			}
			t.Columns[i] = append(t.Columns[i], v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if t.Names == nil {
		return nil, errors.New("empty trace")
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Trace) Len() int {
	return len(t.Columns[0])
}

// Column returns values of a column by name.
func (t *Trace) Column(name string) ([]float64, error) {
	for i, n := range t.Names {
		if n == name {
			return t.Columns[i], nil
		}
	}
	return nil, fmt.Errorf("no column %s in the trace", name)
}

// Burnin returns the trace without the first fraction of rows.
func (t *Trace) Burnin(frac float64) *Trace {
	skip := int(frac * float64(t.Len()))
	res := &Trace{Names: t.Names, Columns: make([][]float64, len(t.Columns))}
	for i, c := range t.Columns {
		res.Columns[i] = c[skip:]
	}
	return res
}

// Mean returns the sample mean.
func Mean(x []float64) float64 {
	return stat.Mean(x, nil)
}

// ESS returns the effective sample size estimated from the
// autocorrelation of the samples. Autocovariances are summed in
// pairs while the pair sums stay positive.
func ESS(x []float64) float64 {
	n := len(x)
	if n < 2 {
		return float64(n)
	}
	m := stat.Mean(x, nil)
	maxLag := n - 1
	if maxLag > MaxLag {
		maxLag = MaxLag
	}
	gamma := make([]float64, maxLag)
	var variance float64
	for lag := 0; lag < maxLag; lag++ {
		s := 0.0
		for i := 0; i < n-lag; i++ {
			s += (x[i] - m) * (x[i+lag] - m)
		}
		gamma[lag] = s / float64(n-lag)
		if lag == 0 {
			variance = gamma[0]
		} else if lag%2 == 0 {
			if gamma[lag-1]+gamma[lag] > 0 {
				variance += 2 * (gamma[lag-1] + gamma[lag])
			} else {
				break
			}
		}
	}
	if gamma[0] == 0 {
		return 0
	}
	return float64(n) * gamma[0] / variance
}

// ColumnSummary summarizes a trace column.
type ColumnSummary struct {
	Name  string
	Mean  float64
	SD    float64
	Lower float64
	Upper float64
	ESS   float64
}

// Summarize summarizes every column except the iteration.
func Summarize(t *Trace) []ColumnSummary {
	res := make([]ColumnSummary, 0, len(t.Names))
	for i, name := range t.Names {
		if i == 0 {
			continue
		}
		x := t.Columns[i]
		if len(x) == 0 {
			continue
		}
		sorted := append([]float64(nil), x...)
		sort.Float64s(sorted)
		mean, sd := stat.MeanStdDev(x, nil)
		if math.IsNaN(sd) {
			sd = 0
		}
		res = append(res, ColumnSummary{
			Name:  name,
			Mean:  mean,
			SD:    sd,
			Lower: stat.Quantile(0.025, stat.Empirical, sorted, nil),
			Upper: stat.Quantile(0.975, stat.Empirical, sorted, nil),
			ESS:   ESS(x),
		})
	}
	return res
}

// LogSummary logs the summary.
func LogSummary(s []ColumnSummary) {
	for _, c := range s {
		log.Noticef("%s: mean=%g sd=%g 95%%=[%g, %g] ESS=%.1f", c.Name, c.Mean, c.SD, c.Lower, c.Upper, c.ESS)
		if c.ESS < 200 {
			log.Warningf("%s: low effective sample size", c.Name)
		}
	}
}

// Plot saves a PNG line plot of a column against the iteration.
func Plot(t *Trace, name, file string) error {
	y, err := t.Column(name)
	if err != nil {
		return err
	}
	pts := make(plotter.XYs, len(y))
	for i, v := range y {
		pts[i].X = t.Columns[0][i]
		pts[i].Y = v
	}
	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = "iteration"
	if err := plotutil.AddLines(p, name, pts); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, file)
}
