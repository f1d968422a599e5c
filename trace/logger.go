// Package trace writes MCMC traces and summarizes them.
package trace

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/phymc/model"
	"bitbucket.org/Davydov/phymc/tree"
)

// log is the global logging variable.
var log = logging.MustGetLogger("trace")

// Column is a named value pulled by a logger.
type Column struct {
	Name  string
	Value func() float64
}

// ParameterColumns returns a column for every parameter value.
func ParameterColumns(p *model.Parameter) []Column {
	names := p.Names()
	cols := make([]Column, len(names))
	for i, name := range names {
		i := i
		cols[i] = Column{Name: name, Value: func() float64 { return p.Value(i) }}
	}
	return cols
}

// TreeColumns returns the root height and the tree length.
func TreeColumns(t *tree.Tree) []Column {
	return []Column{
		{Name: t.ID() + ".height", Value: t.RootHeight},
		{Name: t.ID() + ".length", Value: t.TotalLength},
	}
}

// Logger writes tab separated rows of column values.
type Logger struct {
	w    io.Writer
	cols []Column
}

// NewLogger creates a logger.
func NewLogger(w io.Writer, cols ...Column) *Logger {
	return &Logger{w: w, cols: cols}
}

// Add adds columns.
func (l *Logger) Add(cols ...Column) {
	l.cols = append(l.cols, cols...)
}

// Header writes the column names.
func (l *Logger) Header() error {
	names := make([]string, len(l.cols)+1)
	names[0] = "iter"
	for i, c := range l.cols {
		names[i+1] = c.Name
	}
	_, err := fmt.Fprintln(l.w, strings.Join(names, "\t"))
	return err
}

// Log writes the current values.
func (l *Logger) Log(iter int) error {
	vals := make([]string, len(l.cols)+1)
	vals[0] = strconv.Itoa(iter)
	for i, c := range l.cols {
		vals[i+1] = strconv.FormatFloat(c.Value(), 'g', 10, 64)
	}
	_, err := fmt.Fprintln(l.w, strings.Join(vals, "\t"))
	return err
}

// TreeLogger writes the tree in Newick format.
type TreeLogger struct {
	w io.Writer
	t *tree.Tree
}

// NewTreeLogger creates a tree logger.
func NewTreeLogger(w io.Writer, t *tree.Tree) *TreeLogger {
	return &TreeLogger{w: w, t: t}
}

// Header does nothing.
func (l *TreeLogger) Header() error {
	return nil
}

// Log writes the iteration and the tree.
func (l *TreeLogger) Log(iter int) error {
	_, err := fmt.Fprintf(l.w, "%d\t%s\n", iter, l.t)
	return err
}
